package prob

import (
	"crypto/rand"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"sync"
)

// Source supplies randomness to draws. Injected at the call site so
// value-bearing draws can be pinned to the crypto source while tests use a
// seeded one.
type Source interface {
	Float64() (float64, error)
	Int63n(n int64) (int64, error)
}

// CryptoSource draws from crypto/rand. Use this for any outcome with
// real-money-adjacent value.
type CryptoSource struct{}

func (CryptoSource) Float64() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read entropy: %w", err)
	}
	// 53 uniform bits, same layout math/rand uses for Float64.
	u := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	return float64(u>>11) / (1 << 53), nil
}

func (CryptoSource) Int63n(n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("int63n bound must be > 0, got %d", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, fmt.Errorf("read entropy: %w", err)
	}
	return v.Int64(), nil
}

// SeededSource is deterministic and safe for concurrent use. For tests and
// for outcomes with no economic value.
type SeededSource struct {
	mu sync.Mutex
	r  *mathrand.Rand
}

func NewSeededSource(seed int64) *SeededSource {
	return &SeededSource{r: mathrand.New(mathrand.NewSource(seed))}
}

func (s *SeededSource) Float64() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64(), nil
}

func (s *SeededSource) Int63n(n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("int63n bound must be > 0, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Int63n(n), nil
}
