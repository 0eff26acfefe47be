// Package engine implements the fraud scoring engine: the synchronous
// hot path that turns a transaction context into a decision.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wekeza/nexus/internal/domain"
	"github.com/wekeza/nexus/internal/policy"
	"github.com/wekeza/nexus/internal/repository"
	"github.com/wekeza/nexus/internal/velocity"
)

// circularLookback bounds how far back opposite-direction transfers
// count as circular flow.
const circularLookback = 24 * time.Hour

// idempotencyTTL keeps the fast-path marker alive long enough to cover
// client retry storms; the unique index on transaction_reference is the
// durable backstop.
const idempotencyTTL = 24 * time.Hour

// Engine scores transaction contexts. Evaluation is synchronous and
// bounded; audit persistence happens off the hot path via the event bus.
type Engine struct {
	velocity *velocity.Service
	repo     domain.EvaluationRepository
	bus      domain.EventBus
	store    domain.VelocityStore
	policy   *policy.Engine
	cfg      domain.ScoringConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a fraud scoring engine and compiles the policy rules from
// the scoring configuration.
func New(vs *velocity.Service, repo domain.EvaluationRepository, bus domain.EventBus,
	store domain.VelocityStore, cfg domain.ScoringConfig, logger *slog.Logger) (*Engine, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	pe, err := policy.NewEngine()
	if err != nil {
		return nil, err
	}
	if err := pe.Load(cfg.Policies); err != nil {
		return nil, err
	}

	return &Engine{
		velocity: vs,
		repo:     repo,
		bus:      bus,
		store:    store,
		policy:   pe,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("nexus-engine"),
	}, nil
}

// Evaluate scores a transaction context and returns the audit record.
// Idempotent per transaction reference: a repeated reference returns the
// stored evaluation without re-scoring.
func (e *Engine) Evaluate(ctx context.Context, tc *domain.TransactionContext) (*domain.FraudEvaluation, error) {
	ctx, span := e.tracer.Start(ctx, "engine.evaluate")
	defer span.End()

	start := time.Now()

	if err := tc.Validate(); err != nil {
		return nil, err
	}
	if tc.ID == "" {
		tc.ID = uuid.New().String()
	}
	if tc.TransactionTime.IsZero() {
		tc.TransactionTime = time.Now().UTC()
	}

	if existing := e.findExisting(ctx, tc.TransactionReference); existing != nil {
		e.logger.Info("evaluation resolved idempotently",
			"transaction_reference", tc.TransactionReference,
			"evaluation_id", existing.ID)
		return existing, nil
	}

	enr := e.enrich(ctx, tc)
	score := e.score(tc, enr)

	elapsed := time.Since(start).Milliseconds()
	eval := domain.NewEvaluation(tc, score, elapsed, e.cfg.ModelVersion)

	e.rememberEvaluation(ctx, eval)
	e.publishEvaluation(ctx, eval)

	span.SetAttributes(
		attribute.Int("score.total", score.TotalScore),
		attribute.String("score.decision", string(score.Decision)),
	)
	e.logger.Info("evaluation completed",
		"evaluation_id", eval.ID,
		"user_id", tc.UserID,
		"transaction_reference", tc.TransactionReference,
		"total_score", score.TotalScore,
		"decision", score.Decision,
		"risk_level", score.RiskLevel,
		"confidence", score.Confidence,
		"degraded_signals", enr.degraded,
		"elapsed_ms", elapsed,
	)

	return eval, nil
}

// enrichment carries signal state that lives outside the context struct.
type enrichment struct {
	mu       sync.Mutex
	circular bool
	degraded int
}

// enrich refreshes the velocity-derived context fields from the
// velocity service. Lookups run concurrently, each bounded by the
// signal timeout; a failed lookup leaves the caller-supplied value in
// place and counts as a degraded signal.
func (e *Engine) enrich(ctx context.Context, tc *domain.TransactionContext) *enrichment {
	timeout := time.Duration(e.cfg.SignalTimeoutMs) * time.Millisecond
	enr := &enrichment{}

	var wg sync.WaitGroup
	run := func(fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(cctx); err != nil {
				enr.mu.Lock()
				enr.degraded++
				enr.mu.Unlock()
			}
		}()
	}

	run(func(c context.Context) error {
		count, err := e.velocity.GetTransactionCount(c, tc.UserID, velocity.ShortWindowMinutes)
		if err != nil {
			return err
		}
		tc.RecentTransactionCount = int(count)
		return nil
	})
	run(func(c context.Context) error {
		amount, err := e.velocity.GetTransactionAmount(c, tc.UserID, velocity.ShortWindowMinutes)
		if err != nil {
			return err
		}
		tc.RecentTransactionAmount = amount
		return nil
	})
	run(func(c context.Context) error {
		count, err := e.velocity.GetTransactionCount(c, tc.UserID, velocity.DailyWindowMinutes)
		if err != nil {
			return err
		}
		tc.DailyTransactionCount = int(count)
		return nil
	})
	run(func(c context.Context) error {
		amount, err := e.velocity.GetTransactionAmount(c, tc.UserID, velocity.DailyWindowMinutes)
		if err != nil {
			return err
		}
		tc.DailyTransactionAmount = amount
		return nil
	})
	run(func(c context.Context) error {
		avg, err := e.velocity.GetAverageTransactionAmount(c, tc.UserID)
		if err != nil {
			return err
		}
		tc.AverageTransactionAmount = avg
		return nil
	})
	run(func(c context.Context) error {
		first, err := e.velocity.IsFirstTimeBeneficiary(c, tc.UserID, tc.ToAccount)
		if err != nil {
			return err
		}
		tc.IsFirstTimeBeneficiary = first
		return nil
	})
	run(func(c context.Context) error {
		if tc.BeneficiaryAccountAgeDays != nil {
			return nil
		}
		age, err := e.velocity.GetAccountAgeDays(c, tc.ToAccount)
		if err != nil {
			return err
		}
		tc.BeneficiaryAccountAgeDays = age
		return nil
	})
	run(func(c context.Context) error {
		circular, err := e.velocity.DetectCircularTransaction(c, tc.FromAccount, tc.ToAccount, circularLookback)
		if err != nil {
			return err
		}
		enr.mu.Lock()
		enr.circular = circular
		enr.mu.Unlock()
		return nil
	})

	wg.Wait()

	// The baseline is never zero: zero would make every transaction look
	// infinitely anomalous.
	if tc.AverageTransactionAmount <= 0 {
		tc.AverageTransactionAmount = e.cfg.DefaultAverageAmount
	}

	return enr
}

// score runs the signal scorers, combines them with the configured
// weights, applies policy overrides and builds the final FraudScore.
func (e *Engine) score(tc *domain.TransactionContext, enr *enrichment) domain.FraudScore {
	type scored struct {
		name   string
		weight float64
		res    componentResult
	}

	w := e.cfg.Weights
	parts := []scored{
		{"velocity", w.Velocity, scoreVelocity(tc)},
		{"behavioral", w.Behavioral, scoreBehavioral(tc)},
		{"relationship", w.Relationship, scoreRelationship(tc, enr.circular)},
		{"amount", w.Amount, scoreAmount(tc)},
		{"device", w.Device, scoreDevice(tc)},
	}

	components := domain.ComponentScores{
		Velocity:     parts[0].res.score,
		Behavioral:   parts[1].res.score,
		Relationship: parts[2].res.score,
		Amount:       parts[3].res.score,
		Device:       parts[4].res.score,
	}

	var weighted float64
	for _, p := range parts {
		weighted += p.weight * float64(p.res.score)
	}
	total := int(math.Round(weighted))
	if total > maxComponentScore {
		total = maxComponentScore
	}

	// Reasons ordered by weighted contribution, highest first.
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].weight*float64(parts[i].res.score) > parts[j].weight*float64(parts[j].res.score)
	})
	var reasons []domain.Reason
	for _, p := range parts {
		reasons = append(reasons, p.res.reasons...)
	}
	reasons = dedupeReasons(reasons)

	decision := e.cfg.DecisionFor(total)
	var policyNote string
	for _, m := range e.policy.Evaluate(policy.Input{Context: tc, Components: components, TotalScore: total}) {
		forced := domain.DecisionReview
		if m.Action == "block" {
			forced = domain.DecisionBlock
		}
		if decisionRank(forced) > decisionRank(decision) {
			decision = forced
		}
		policyNote = m.RuleID
		e.logger.Info("policy override matched",
			"policy_id", m.RuleID, "action", m.Action,
			"transaction_reference", tc.TransactionReference)
	}
	if policyNote != "" {
		reasons = append(reasons, domain.ReasonPolicyOverride)
	}

	// A non-Allow decision always carries at least one concrete reason.
	if decision != domain.DecisionAllow && len(reasons) == 0 {
		reasons = append(reasons, fallbackReason[parts[0].name])
	}

	confidence := e.cfg.BaseConfidence - float64(enr.degraded)*e.cfg.ConfidencePenalty
	if confidence < 0 {
		confidence = 0
	}
	if enr.degraded > 0 {
		reasons = append(reasons, domain.ReasonDegradedSignal)
	}

	explanation := fmt.Sprintf(
		"total %d (%s): velocity=%d behavioral=%d relationship=%d amount=%d device=%d",
		total, decision, components.Velocity, components.Behavioral,
		components.Relationship, components.Amount, components.Device)
	if policyNote != "" {
		explanation += fmt.Sprintf("; policy %s applied", policyNote)
	}
	if enr.degraded > 0 {
		explanation += fmt.Sprintf("; %d signal source(s) degraded", enr.degraded)
	}

	return domain.FraudScore{
		Components:  components,
		TotalScore:  total,
		Decision:    decision,
		RiskLevel:   e.cfg.RiskLevelFor(total),
		Reasons:     reasons,
		Explanation: explanation,
		Confidence:  confidence,
	}
}

func decisionRank(d domain.Decision) int {
	switch d {
	case domain.DecisionBlock:
		return 2
	case domain.DecisionReview:
		return 1
	default:
		return 0
	}
}

// findExisting resolves an earlier evaluation of the same reference:
// first the store marker (covers the window before the audit writer has
// persisted the row), then the repository.
func (e *Engine) findExisting(ctx context.Context, reference string) *domain.FraudEvaluation {
	if val, found, err := e.store.GetValue(ctx, idempotencyKey(reference)); err == nil && found {
		var eval domain.FraudEvaluation
		if jerr := json.Unmarshal([]byte(val), &eval); jerr == nil {
			return &eval
		}
	}

	eval, err := e.repo.GetByReference(ctx, reference)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("idempotency lookup failed",
				"transaction_reference", reference, "error", err)
		}
		return nil
	}
	return eval
}

// rememberEvaluation writes the idempotency markers, keyed by reference
// for duplicate requests and by context ID for challenge lookups that
// land before the audit writer has persisted the row. Best effort: the
// unique index on transaction_reference is the durable backstop.
func (e *Engine) rememberEvaluation(ctx context.Context, eval *domain.FraudEvaluation) {
	payload, err := json.Marshal(eval)
	if err != nil {
		return
	}
	for _, key := range []string{
		idempotencyKey(eval.TransactionReference),
		contextKey(eval.TransactionContextID),
	} {
		if err := e.store.SetValue(ctx, key, string(payload), idempotencyTTL); err != nil {
			e.logger.Warn("failed to write idempotency marker",
				"key", key, "error", err)
		}
	}
}

func idempotencyKey(reference string) string {
	return "idempotency:" + reference
}

func contextKey(contextID string) string {
	return "evaluation:context:" + contextID
}

// publishEvaluation hands the record to the audit writer via the bus.
// When the bus is down the record is persisted synchronously instead;
// an evaluation must never be lost between decision and audit.
func (e *Engine) publishEvaluation(ctx context.Context, eval *domain.FraudEvaluation) {
	payload, err := json.Marshal(eval)
	if err != nil {
		e.logger.Error("failed to marshal evaluation", "evaluation_id", eval.ID, "error", err)
		return
	}

	if err := e.bus.Publish(ctx, domain.TopicEvaluationCompleted, payload); err != nil {
		e.logger.Warn("bus publish failed, persisting synchronously",
			"evaluation_id", eval.ID, "error", err)
		if perr := e.repo.Create(ctx, eval); perr != nil && !errors.Is(perr, repository.ErrDuplicate) {
			e.logger.Error("synchronous audit persistence failed",
				"evaluation_id", eval.ID, "error", perr)
		}
	}

	if eval.Score.Decision != domain.DecisionAllow {
		if err := e.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			e.logger.Warn("alert publish failed", "evaluation_id", eval.ID, "error", err)
		}
	}
}

// ReEvaluateAfterChallenge applies a secondary authentication outcome to
// a stored evaluation. Never re-scores: the behavioral signals from the
// original session cannot be reproduced. A passed challenge may only
// move Review to Allowed; Block is final.
func (e *Engine) ReEvaluateAfterChallenge(ctx context.Context, contextID string, passed bool) (*domain.FraudEvaluation, error) {
	ctx, span := e.tracer.Start(ctx, "engine.challenge")
	defer span.End()

	for attempt := 0; attempt < 3; attempt++ {
		eval, err := e.repo.GetByContextID(ctx, contextID)
		if errors.Is(err, repository.ErrNotFound) {
			// The audit writer may not have persisted the row yet; fall
			// back to the idempotency marker and create the row with the
			// outcome applied. If the writer's insert lands between the
			// lookup and the create, the fallback reports a duplicate and
			// the outcome goes through the versioned update on the
			// durable row instead.
			updated, ferr := e.challengeFromMarker(ctx, contextID, passed)
			if errors.Is(ferr, repository.ErrDuplicate) {
				continue
			}
			return updated, ferr
		}
		if err != nil {
			return nil, err
		}

		if err := eval.ApplyChallengeOutcome(passed); err != nil {
			return nil, err
		}

		err = e.repo.ApplyChallengeOutcome(ctx, eval.ID, eval.WasAllowed, eval.Version)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		eval.Version++
		e.rememberEvaluation(ctx, eval)
		e.logger.Info("challenge outcome applied",
			"evaluation_id", eval.ID, "passed", passed, "was_allowed", eval.WasAllowed)
		return eval, nil
	}
	return nil, repository.ErrConflict
}

func (e *Engine) challengeFromMarker(ctx context.Context, contextID string, passed bool) (*domain.FraudEvaluation, error) {
	val, found, err := e.store.GetValue(ctx, contextKey(contextID))
	if err != nil || !found {
		return nil, repository.ErrNotFound
	}

	var eval domain.FraudEvaluation
	if err := json.Unmarshal([]byte(val), &eval); err != nil {
		return nil, repository.ErrNotFound
	}
	if err := eval.ApplyChallengeOutcome(passed); err != nil {
		return nil, err
	}

	// A duplicate means a competing insert won the race; the caller must
	// not be told the outcome landed when the durable row never saw it.
	if err := e.repo.Create(ctx, &eval); err != nil {
		return nil, err
	}
	e.rememberEvaluation(ctx, &eval)
	return &eval, nil
}

// ReviewEvaluation records an analyst verdict on a stored evaluation.
func (e *Engine) ReviewEvaluation(ctx context.Context, id, notes string, wasActualFraud bool) (*domain.FraudEvaluation, error) {
	for attempt := 0; attempt < 3; attempt++ {
		eval, err := e.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		eval.ApplyAnalystReview(notes, wasActualFraud)

		err = e.repo.ApplyAnalystReview(ctx, id, notes, wasActualFraud, eval.Version)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		eval.Version++
		e.logger.Info("analyst review recorded",
			"evaluation_id", id, "was_actual_fraud", wasActualFraud)
		return eval, nil
	}
	return nil, repository.ErrConflict
}

// RecordTransaction folds a committed transaction into the velocity
// counters and announces it on the bus.
func (e *Engine) RecordTransaction(ctx context.Context, tc *domain.TransactionContext) error {
	if err := tc.Validate(); err != nil {
		return err
	}

	if err := e.velocity.RecordTransaction(ctx, tc); err != nil {
		return err
	}

	if payload, err := json.Marshal(tc); err == nil {
		if perr := e.bus.Publish(ctx, domain.TopicTransactionRecorded, payload); perr != nil {
			e.logger.Warn("transaction recorded event publish failed",
				"transaction_reference", tc.TransactionReference, "error", perr)
		}
	}
	return nil
}
