package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wekeza/nexus/internal/domain"
	"github.com/wekeza/nexus/internal/engine"
	"github.com/wekeza/nexus/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine  *engine.Engine
	repo    domain.EvaluationRepository
	store   domain.VelocityStore
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, repo domain.EvaluationRepository, store domain.VelocityStore, bus domain.EventBus, version string) *Handler {
	return &Handler{
		engine:  eng,
		repo:    repo,
		store:   store,
		bus:     bus,
		version: version,
	}
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	EvaluationID         string                 `json:"evaluationId"`
	TransactionContextID string                 `json:"transactionContextId"`
	TransactionReference string                 `json:"transactionReference"`
	Decision             domain.Decision        `json:"decision"`
	RiskLevel            domain.RiskLevel       `json:"riskLevel"`
	TotalScore           int                    `json:"totalScore"`
	Components           domain.ComponentScores `json:"components"`
	Reasons              []domain.Reason        `json:"reasons"`
	Explanation          string                 `json:"explanation"`
	Confidence           float64                `json:"confidence"`
	ModelVersion         string                 `json:"modelVersion"`
	ProcessingTimeMs     int64                  `json:"processingTimeMs"`
	TraceID              string                 `json:"traceId,omitempty"`
}

// Evaluate handles POST /evaluate: the synchronous scoring hot path.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var tc domain.TransactionContext
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	eval, err := h.engine.Evaluate(ctx, &tc)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidContext) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("evaluation failed",
			"transaction_reference", tc.TransactionReference, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		EvaluationID:         eval.ID,
		TransactionContextID: eval.TransactionContextID,
		TransactionReference: eval.TransactionReference,
		Decision:             eval.Score.Decision,
		RiskLevel:            eval.Score.RiskLevel,
		TotalScore:           eval.Score.TotalScore,
		Components:           eval.Score.Components,
		Reasons:              eval.Score.Reasons,
		Explanation:          eval.Score.Explanation,
		Confidence:           eval.Score.Confidence,
		ModelVersion:         eval.ModelVersion,
		ProcessingTimeMs:     eval.ProcessingTimeMs,
		TraceID:              GetTraceID(ctx),
	})
}

// ChallengeRequest is the request body for challenge outcomes.
type ChallengeRequest struct {
	Passed bool `json:"passed"`
}

// Challenge handles POST /evaluations/{contextId}/challenge.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextId")

	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	eval, err := h.engine.ReEvaluateAfterChallenge(r.Context(), contextID, req.Passed)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "evaluation not found"})
		case errors.Is(err, domain.ErrBlockFinal):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, repository.ErrConflict):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "concurrent modification, retry"})
		default:
			slog.Error("challenge re-evaluation failed", "context_id", contextID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "challenge re-evaluation failed"})
		}
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// GetEvaluation handles GET /evaluations/{id}.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	eval, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// GetEvaluationByReference handles GET /evaluations/reference/{reference}.
func (h *Handler) GetEvaluationByReference(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	eval, err := h.repo.GetByReference(r.Context(), reference)
	if err != nil {
		h.writeRepoError(w, err, reference)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// ListUserEvaluations handles GET /users/{userId}/evaluations.
func (h *Handler) ListUserEvaluations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	limit := queryInt(r, "limit", 50)

	evals, err := h.repo.ListRecentByUser(r.Context(), userID, limit)
	if err != nil {
		h.writeRepoError(w, err, userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": evals,
		"count":       len(evals),
	})
}

// ListReviewQueue handles GET /review-queue: the analyst work queue.
func (h *Handler) ListReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	evals, err := h.repo.ListReviewQueue(r.Context(), limit)
	if err != nil {
		slog.Error("review queue query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": evals,
		"count":       len(evals),
	})
}

// ReviewRequest is the request body for analyst reviews.
type ReviewRequest struct {
	Notes          string `json:"notes"`
	WasActualFraud bool   `json:"wasActualFraud"`
}

// Review handles POST /evaluations/{id}/review.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Notes == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "notes is required",
		})
		return
	}

	eval, err := h.engine.ReviewEvaluation(r.Context(), id, req.Notes, req.WasActualFraud)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "evaluation not found"})
		case errors.Is(err, repository.ErrConflict):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "concurrent modification, retry"})
		default:
			slog.Error("analyst review failed", "evaluation_id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "review failed"})
		}
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// RecordTransaction handles POST /transactions/record: folds a committed
// transaction into the velocity counters.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var tc domain.TransactionContext
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.engine.RecordTransaction(r.Context(), &tc); err != nil {
		if errors.Is(err, domain.ErrInvalidContext) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("transaction record failed",
			"transaction_reference", tc.TransactionReference, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":               "recorded",
		"transactionReference": tc.TransactionReference,
	})
}

// Health handles GET /health: process liveness only.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles GET /ready: checks all backing services.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	check("store", func() error { return h.store.Ping(ctx) })
	check("repository", func() error { return h.repo.Ping(ctx) })
	check("bus", func() error { return h.bus.Ping(ctx) })

	status := http.StatusOK
	overall := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeRepoError(w http.ResponseWriter, err error, key string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "evaluation not found"})
	case errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		slog.Error("repository query failed", "key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
