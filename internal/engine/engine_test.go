package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/wekeza/nexus/internal/bus"
	"github.com/wekeza/nexus/internal/domain"
	"github.com/wekeza/nexus/internal/repository"
	"github.com/wekeza/nexus/internal/store"
	"github.com/wekeza/nexus/internal/velocity"
)

type harness struct {
	engine   *Engine
	repo     domain.EvaluationRepository
	store    domain.VelocityStore
	velocity *velocity.Service
}

func newHarness(t *testing.T, cfg domain.ScoringConfig) *harness {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "nexus.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	vs := store.NewMemoryStore()
	t.Cleanup(func() { vs.Close() })

	eb := bus.NewChannelBus(100)
	t.Cleanup(func() { eb.Close() })

	vel := velocity.NewService(vs, cfg.DefaultAverageAmount, nil)

	eng, err := New(vel, repo, eb, vs, cfg, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	return &harness{engine: eng, repo: repo, store: vs, velocity: vel}
}

func cleanTransaction(userID, reference string, amount float64) *domain.TransactionContext {
	return &domain.TransactionContext{
		UserID:               userID,
		TransactionReference: reference,
		FromAccount:          userID + "-acct",
		ToAccount:            "acct-dest",
		Amount:               amount,
		Currency:             "KES",
		TransactionType:      "transfer",
		Channel:              "mobile",
		TransactionTime:      time.Now().UTC(),
		Device: &domain.DeviceFingerprint{
			DeviceID:           userID + "-phone",
			IsRecognizedDevice: true,
		},
		Behavioral: &domain.BehavioralMetrics{SessionDuration: 120},
	}
}

func TestEvaluateLowRisk(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())
	ctx := context.Background()

	eval, err := h.engine.Evaluate(ctx, cleanTransaction("user-1", "ref-low-1", 2500))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if eval.Score.Decision != domain.DecisionAllow {
		t.Errorf("expected Allow, got %s (total %d)", eval.Score.Decision, eval.Score.TotalScore)
	}
	if eval.Score.RiskLevel != domain.RiskLow {
		t.Errorf("expected Low risk, got %s", eval.Score.RiskLevel)
	}
	if !eval.WasAllowed {
		t.Error("expected WasAllowed for Allow decision")
	}
	if eval.Score.Confidence != 0.85 {
		t.Errorf("expected full confidence 0.85, got %f", eval.Score.Confidence)
	}
	if eval.ModelVersion != "nexus-1.0.0" {
		t.Errorf("unexpected model version %s", eval.ModelVersion)
	}

	// A brand new user transferring to an unseen account still carries
	// the first-time beneficiary signal, just not enough to matter.
	if !eval.Score.HasReason(domain.ReasonFirstTimeBeneficiary) {
		t.Errorf("expected first-time beneficiary reason, got %v", eval.Score.Reasons)
	}
}

func TestEvaluateRejectsInvalidContext(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())

	tc := cleanTransaction("user-1", "ref-bad", 2500)
	tc.UserID = ""

	_, err := h.engine.Evaluate(context.Background(), tc)
	if !errors.Is(err, domain.ErrInvalidContext) {
		t.Errorf("expected ErrInvalidContext, got: %v", err)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())
	ctx := context.Background()

	first, err := h.engine.Evaluate(ctx, cleanTransaction("user-1", "ref-idem", 2500))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	// Same reference again, even with different details, resolves to the
	// stored evaluation.
	second, err := h.engine.Evaluate(ctx, cleanTransaction("user-1", "ref-idem", 900000))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same evaluation, got %s and %s", first.ID, second.ID)
	}
	if second.Amount != first.Amount {
		t.Errorf("second call must not re-score: amount %f vs %f", second.Amount, first.Amount)
	}
}

func TestEvaluateBlocksFraudPattern(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())
	ctx := context.Background()

	// Build up velocity: a burst of small transfers within the windows.
	for i := 0; i < 21; i++ {
		tc := cleanTransaction("victim", fmt.Sprintf("ref-burst-%d", i), 1000)
		if err := h.velocity.RecordTransaction(ctx, tc); err != nil {
			t.Fatalf("RecordTransaction failed: %v", err)
		}
	}

	// The destination account is days old and recently sent money back
	// toward the victim.
	if err := h.velocity.SetAccountAge(ctx, "acct-mule", 3); err != nil {
		t.Fatalf("SetAccountAge failed: %v", err)
	}
	mule := cleanTransaction("mule-owner", "ref-mule-seed", 500)
	mule.FromAccount = "acct-mule"
	mule.ToAccount = "victim-acct"
	if err := h.velocity.RecordTransaction(ctx, mule); err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	tc := cleanTransaction("victim", "ref-fraud", 500000)
	tc.ToAccount = "acct-mule"
	tc.Device = &domain.DeviceFingerprint{DeviceID: "burner", IsVpnOrProxy: true}
	tc.Behavioral = &domain.BehavioralMetrics{
		IsOnActiveCall:       true,
		IsScreenShared:       true,
		BehaviorAnomalyScore: 0.9,
		CopyPasteCount:       5,
		SessionDuration:      45,
	}

	eval, err := h.engine.Evaluate(ctx, tc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if eval.Score.Decision != domain.DecisionBlock {
		t.Errorf("expected Block, got %s (total %d)", eval.Score.Decision, eval.Score.TotalScore)
	}
	if eval.Score.RiskLevel != domain.RiskCritical {
		t.Errorf("expected Critical risk, got %s", eval.Score.RiskLevel)
	}
	if eval.WasAllowed {
		t.Error("blocked transaction must not be allowed")
	}

	for _, want := range []domain.Reason{
		domain.ReasonSocialEngineeringPattern,
		domain.ReasonHighTransactionVelocity,
		domain.ReasonCircularTransaction,
		domain.ReasonMuleAccountPattern,
	} {
		if !eval.Score.HasReason(want) {
			t.Errorf("expected reason %s, got %v", want, eval.Score.Reasons)
		}
	}
}

// downStore fails every operation, simulating a velocity store outage.
type downStore struct{}

var errDown = errors.New("store down")

func (downStore) IncrCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errDown
}
func (downStore) IncrAmount(ctx context.Context, key string, amount float64, window time.Duration) (float64, error) {
	return 0, errDown
}
func (downStore) GetCounter(ctx context.Context, key string) (int64, error)  { return 0, errDown }
func (downStore) GetAmount(ctx context.Context, key string) (float64, error) { return 0, errDown }
func (downStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	return errDown
}
func (downStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	return false, errDown
}
func (downStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return errDown
}
func (downStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	return "", false, errDown
}
func (downStore) Ping(ctx context.Context) error { return errDown }
func (downStore) Close() error                   { return nil }

func TestEvaluateWithStoreOutage(t *testing.T) {
	cfg := domain.DefaultScoringConfig()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "nexus.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	eb := bus.NewChannelBus(100)
	defer eb.Close()

	vel := velocity.NewService(downStore{}, cfg.DefaultAverageAmount, nil)
	eng, err := New(vel, repo, eb, downStore{}, cfg, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	eval, err := eng.Evaluate(context.Background(), cleanTransaction("user-1", "ref-outage", 2500))
	if err != nil {
		t.Fatalf("evaluation must survive a store outage: %v", err)
	}

	// Every signal source degraded: scoring proceeds on fail-safe
	// defaults with confidence floored at zero.
	if eval.Score.Confidence != 0 {
		t.Errorf("expected zero confidence, got %f", eval.Score.Confidence)
	}
	if !eval.Score.HasReason(domain.ReasonDegradedSignal) {
		t.Errorf("expected degraded signal reason, got %v", eval.Score.Reasons)
	}
	if eval.Score.Decision != domain.DecisionAllow {
		t.Errorf("clean transaction should still be allowed, got %s", eval.Score.Decision)
	}
}

// reviewTransaction produces a context that lands in the Review band.
func reviewTransaction(userID, reference string) *domain.TransactionContext {
	age := 3
	tc := cleanTransaction(userID, reference, 500000)
	tc.ToAccount = "acct-fresh"
	tc.BeneficiaryAccountAgeDays = &age
	tc.Device = &domain.DeviceFingerprint{DeviceID: "burner", IsVpnOrProxy: true}
	tc.Behavioral = &domain.BehavioralMetrics{
		IsOnActiveCall:  true,
		IsScreenShared:  true,
		SessionDuration: 60,
	}
	return tc
}

func TestChallengeFlow(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())
	ctx := context.Background()

	tc := reviewTransaction("user-1", "ref-challenge")
	eval, err := h.engine.Evaluate(ctx, tc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.Score.Decision != domain.DecisionReview {
		t.Fatalf("expected Review, got %s (total %d)", eval.Score.Decision, eval.Score.TotalScore)
	}
	if eval.WasAllowed {
		t.Fatal("review decision must not start allowed")
	}

	// The audit row may not be persisted yet; the challenge path must
	// still resolve the evaluation via the store marker.
	updated, err := h.engine.ReEvaluateAfterChallenge(ctx, eval.TransactionContextID, true)
	if err != nil {
		t.Fatalf("ReEvaluateAfterChallenge failed: %v", err)
	}
	if !updated.WasAllowed {
		t.Error("passed challenge must allow the transaction")
	}
	if updated.Score.Decision != domain.DecisionReview {
		t.Error("original decision must not change")
	}

	stored, err := h.repo.GetByID(ctx, eval.ID)
	if err != nil {
		t.Fatalf("expected challenge outcome persisted: %v", err)
	}
	if !stored.WasAllowed {
		t.Error("persisted row must reflect the challenge outcome")
	}

	// A later failed challenge goes through the persisted row.
	updated, err = h.engine.ReEvaluateAfterChallenge(ctx, eval.TransactionContextID, false)
	if err != nil {
		t.Fatalf("ReEvaluateAfterChallenge failed: %v", err)
	}
	if updated.WasAllowed {
		t.Error("failed challenge must not leave the transaction allowed")
	}
}

// racingRepo reports a context-id miss on demand while the row exists,
// reproducing the audit writer landing its insert between the challenge
// path's lookup and its fallback create.
type racingRepo struct {
	domain.EvaluationRepository
	missNextContextLookup bool
}

func (r *racingRepo) GetByContextID(ctx context.Context, contextID string) (*domain.FraudEvaluation, error) {
	if r.missNextContextLookup {
		r.missNextContextLookup = false
		return nil, repository.ErrNotFound
	}
	return r.EvaluationRepository.GetByContextID(ctx, contextID)
}

func TestChallengeRaceWithAuditWriter(t *testing.T) {
	cfg := domain.DefaultScoringConfig()

	base, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "nexus.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer base.Close()
	racing := &racingRepo{EvaluationRepository: base}

	vs := store.NewMemoryStore()
	defer vs.Close()
	eb := bus.NewChannelBus(100)
	defer eb.Close()

	vel := velocity.NewService(vs, cfg.DefaultAverageAmount, nil)
	eng, err := New(vel, racing, eb, vs, cfg, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	ctx := context.Background()
	eval, err := eng.Evaluate(ctx, reviewTransaction("user-1", "ref-race"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.Score.Decision != domain.DecisionReview {
		t.Fatalf("expected Review, got %s (total %d)", eval.Score.Decision, eval.Score.TotalScore)
	}

	// The audit writer lands the row now, but the challenge path has
	// already missed its lookup.
	if err := base.Create(ctx, eval); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	racing.missNextContextLookup = true

	updated, err := eng.ReEvaluateAfterChallenge(ctx, eval.TransactionContextID, true)
	if err != nil {
		t.Fatalf("ReEvaluateAfterChallenge failed: %v", err)
	}
	if !updated.WasAllowed {
		t.Error("passed challenge must allow the transaction")
	}

	// The durable row must carry the outcome, not just the response.
	stored, err := base.GetByID(ctx, eval.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !stored.WasAllowed {
		t.Error("persisted audit row must reflect the challenge outcome")
	}
	if stored.Version != 2 {
		t.Errorf("expected versioned update on the existing row, got version %d", stored.Version)
	}
}

func TestChallengeBlockIsFinal(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())
	ctx := context.Background()

	tc := cleanTransaction("user-1", "ref-blocked", 2500)
	tc.ID = "ctx-blocked"
	eval := domain.NewEvaluation(tc, domain.FraudScore{
		TotalScore: 800,
		Decision:   domain.DecisionBlock,
		RiskLevel:  domain.RiskCritical,
		Reasons:    []domain.Reason{domain.ReasonCircularTransaction},
		Confidence: 0.85,
	}, 10, "nexus-1.0.0")
	if err := h.repo.Create(ctx, eval); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := h.engine.ReEvaluateAfterChallenge(ctx, "ctx-blocked", true)
	if !errors.Is(err, domain.ErrBlockFinal) {
		t.Errorf("expected ErrBlockFinal, got: %v", err)
	}
}

func TestChallengeUnknownContext(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())

	_, err := h.engine.ReEvaluateAfterChallenge(context.Background(), "no-such-context", true)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestPolicyOverride(t *testing.T) {
	cfg := domain.DefaultScoringConfig()
	cfg.Policies = []domain.PolicyRule{{
		ID:          "hard-stop-large",
		Description: "block transfers above the hard limit",
		Expression:  "amount > 100000.0",
		Action:      "block",
		Enabled:     true,
	}}

	h := newHarness(t, cfg)

	eval, err := h.engine.Evaluate(context.Background(), cleanTransaction("user-1", "ref-policy", 150000))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if eval.Score.Decision != domain.DecisionBlock {
		t.Errorf("expected policy-forced Block, got %s", eval.Score.Decision)
	}
	if !eval.Score.HasReason(domain.ReasonPolicyOverride) {
		t.Errorf("expected policy override reason, got %v", eval.Score.Reasons)
	}
	if eval.Score.TotalScore >= 700 {
		t.Errorf("numeric score should stay below the block threshold, got %d", eval.Score.TotalScore)
	}
}

func TestReviewEvaluation(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())
	ctx := context.Background()

	tc := reviewTransaction("user-1", "ref-analyst")
	eval, err := h.engine.Evaluate(ctx, tc)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	// Persist the row through the challenge fallback path first.
	if _, err := h.engine.ReEvaluateAfterChallenge(ctx, eval.TransactionContextID, false); err != nil {
		t.Fatalf("ReEvaluateAfterChallenge failed: %v", err)
	}

	reviewed, err := h.engine.ReviewEvaluation(ctx, eval.ID, "confirmed vishing", true)
	if err != nil {
		t.Fatalf("ReviewEvaluation failed: %v", err)
	}
	if reviewed.AnalystNotes == nil || *reviewed.AnalystNotes != "confirmed vishing" {
		t.Errorf("notes not recorded: %v", reviewed.AnalystNotes)
	}
	if reviewed.WasActualFraud == nil || !*reviewed.WasActualFraud {
		t.Error("expected WasActualFraud true")
	}
}

func TestRecordTransaction(t *testing.T) {
	h := newHarness(t, domain.DefaultScoringConfig())
	ctx := context.Background()

	if err := h.engine.RecordTransaction(ctx, cleanTransaction("user-1", "ref-rec", 2000)); err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	count, err := h.velocity.GetTransactionCount(ctx, "user-1", velocity.ShortWindowMinutes)
	if err != nil {
		t.Fatalf("GetTransactionCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count 1 after recording, got %d", count)
	}

	bad := cleanTransaction("user-1", "ref-rec-2", 2000)
	bad.Amount = -1
	if err := h.engine.RecordTransaction(ctx, bad); !errors.Is(err, domain.ErrInvalidContext) {
		t.Errorf("expected ErrInvalidContext, got: %v", err)
	}
}
