package auth

import (
	"errors"
	"testing"
)

func TestVerifier(t *testing.T) {
	v, err := NewVerifier("s3cret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := v.Verify("s3cret"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	for _, bad := range []string{"", "s3cret ", "S3CRET", "other"} {
		if err := v.Verify(bad); !errors.Is(err, ErrBadToken) {
			t.Fatalf("Verify(%q): got %v want ErrBadToken", bad, err)
		}
	}
}

func TestNewVerifierRejectsEmpty(t *testing.T) {
	if _, err := NewVerifier("   "); err == nil {
		t.Fatal("blank token accepted")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"  Bearer   abc  ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := BearerToken(tc.header); got != tc.want {
			t.Fatalf("BearerToken(%q)=%q want %q", tc.header, got, tc.want)
		}
	}
}
