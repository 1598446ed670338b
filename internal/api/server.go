package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"gachaward/internal/auth"
	"gachaward/internal/claim"
	"gachaward/internal/config"
	"gachaward/internal/engine"
	"gachaward/internal/ledger"
	"gachaward/internal/lock"
	"gachaward/internal/prob"
)

type Server struct {
	log      *slog.Logger
	verifier *auth.Verifier
	eng      *engine.Engine
	snaps    *config.Store
	progress *engine.ProgressTracker
	mux      *chi.Mux
}

func New(logger *slog.Logger, verifier *auth.Verifier, eng *engine.Engine, snaps *config.Store, progress *engine.ProgressTracker) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:      logger,
		verifier: verifier,
		eng:      eng,
		snaps:    snaps,
		progress: progress,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/subjects/{subject}/summon", s.handleSummon)
		r.Post("/subjects/{subject}/fuse", s.handleFuse)
		r.Post("/subjects/{subject}/daily", s.handleDaily)
		r.Post("/subjects/{subject}/quests/{quest}/claim", s.handleQuestClaim)
		r.Post("/subjects/{subject}/transfer", s.handleTransfer)
		r.Post("/subjects/{subject}/pity/{domain}/redeem", s.handlePityRedeem)
		r.Post("/subjects/{subject}/guilds/{guild}/deposit", s.handleGuildDeposit)
		r.Post("/guilds/{guild}/payout", s.handleGuildPayout)

		r.Get("/subjects/{subject}/balances", s.handleBalances)
		r.Get("/subjects/{subject}/audit", s.handleAudit)
		r.Get("/subjects/{subject}/pity/{domain}", s.handlePity)
		r.Get("/subjects/{subject}/activity", s.handleActivity)

		r.Post("/admin/grant", s.handleAdminGrant)
		r.Post("/admin/snapshot/reload", s.handleSnapshotReload)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := s.verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSummon(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BannerID string `json:"banner_id"`
		Context  string `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.eng.Summon(r.Context(), engine.SummonInput{
		SubjectID:      subjectParam(r),
		BannerID:       in.BannerID,
		IdempotencyKey: idempotencyKey(r),
		Context:        in.Context,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFuse(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RecipeID string `json:"recipe_id"`
		Context  string `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.eng.Fuse(r.Context(), engine.FuseInput{
		SubjectID:      subjectParam(r),
		RecipeID:       in.RecipeID,
		IdempotencyKey: idempotencyKey(r),
		Context:        in.Context,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Day     string `json:"day"`
		Context string `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	day := in.Day
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	out, err := s.eng.ClaimDaily(r.Context(), subjectParam(r), day, in.Context)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuestClaim(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Period  string `json:"period"`
		Context string `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	period := in.Period
	if period == "" {
		period = time.Now().UTC().Format("2006-01-02")
	}
	out, err := s.eng.CompleteQuest(r.Context(), subjectParam(r), chi.URLParam(r, "quest"), period, in.Context)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		To      string `json:"to"`
		Kind    string `json:"kind"`
		Amount  int64  `json:"amount"`
		Context string `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.eng.Transfer(r.Context(), engine.TransferInput{
		FromSubjectID:  subjectParam(r),
		ToSubjectID:    in.To,
		Kind:           in.Kind,
		Amount:         in.Amount,
		IdempotencyKey: idempotencyKey(r),
		Context:        in.Context,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePityRedeem(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Context string `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.eng.RedeemPity(r.Context(), engine.RedeemPityInput{
		SubjectID:      subjectParam(r),
		Domain:         chi.URLParam(r, "domain"),
		IdempotencyKey: idempotencyKey(r),
		Context:        in.Context,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGuildDeposit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Kind    string `json:"kind"`
		Amount  int64  `json:"amount"`
		Context string `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.eng.GuildDeposit(r.Context(), engine.GuildDepositInput{
		SubjectID:      subjectParam(r),
		GuildID:        chi.URLParam(r, "guild"),
		Kind:           in.Kind,
		Amount:         in.Amount,
		IdempotencyKey: idempotencyKey(r),
		Context:        in.Context,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGuildPayout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Members    []string `json:"members"`
		Kind       string   `json:"kind"`
		AmountEach int64    `json:"amount_each"`
		Context    string   `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.eng.GuildPayout(r.Context(), engine.GuildPayoutInput{
		GuildID:        chi.URLParam(r, "guild"),
		Members:        in.Members,
		Kind:           in.Kind,
		AmountEach:     in.AmountEach,
		IdempotencyKey: idempotencyKey(r),
		Context:        in.Context,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	out, err := s.eng.Balances(r.Context(), subjectParam(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": out})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.AuditFilter{
		OperationType: q.Get("op"),
		Desc:          q.Get("order") != "asc",
		Limit:         50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in [1,500]")
			return
		}
		f.Limit = int32(n)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		f.Until = t
	}
	out, err := s.eng.Audit(r.Context(), subjectParam(r), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handlePity(w http.ResponseWriter, r *http.Request) {
	out, err := s.eng.Pity(r.Context(), subjectParam(r), chi.URLParam(r, "domain"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"counts": s.progress.Counts(subjectParam(r))})
}

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SubjectID string `json:"subject_id"`
		Kind      string `json:"kind"`
		Amount    int64  `json:"amount"`
		Context   string `json:"context"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.eng.AdminGrant(r.Context(), engine.AdminGrantInput{
		SubjectID:      in.SubjectID,
		Kind:           in.Kind,
		Amount:         in.Amount,
		IdempotencyKey: idempotencyKey(r),
		Context:        in.Context,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": out})
}

func (s *Server) handleSnapshotReload(w http.ResponseWriter, r *http.Request) {
	if err := s.snaps.Reload(); err != nil {
		// The previous snapshot stays active; the caller sees why.
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": s.snaps.Current().Version})
}

// writeDomainError is the single map from engine errors to HTTP statuses.
// Lock contention gets 503 + Retry-After so well-behaved clients back off.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientError
	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, claim.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, prob.ErrCreditsNotReady):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, lock.ErrLockUnavailable):
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusServiceUnavailable, "busy, try again shortly")
	case errors.Is(err, engine.ErrBannerNotFound),
		errors.Is(err, engine.ErrRecipeNotFound),
		errors.Is(err, engine.ErrQuestNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func subjectParam(r *http.Request) string {
	return chi.URLParam(r, "subject")
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}
