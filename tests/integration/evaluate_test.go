//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Nexus fraud
// evaluation engine.
//
// These tests exercise the complete pipeline against a RUNNING instance:
//
//	Transaction context → signal enrichment → weighted scoring →
//	decision → async audit persistence → challenge / analyst workflow
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// Start the engine first:
//
//	go run cmd/nexus/main.go
//
// The tests use unique transaction references per run, so they can be
// re-run against the same instance without idempotency collisions.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration.
type TestConfig struct {
	BaseURL string
	RunID   int64
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("NEXUS_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	return TestConfig{
		BaseURL: baseURL,
		RunID:   time.Now().UnixNano(),
	}
}

func (c TestConfig) ref(name string) string {
	return fmt.Sprintf("it-%d-%s", c.RunID, name)
}

// ============================================================================
// API Request/Response Types (matching the Nexus API contract)
// ============================================================================

type EvaluateRequest struct {
	UserID                    string          `json:"userId"`
	TransactionReference      string          `json:"transactionReference"`
	FromAccount               string          `json:"fromAccount"`
	ToAccount                 string          `json:"toAccount"`
	Amount                    float64         `json:"amount"`
	Currency                  string          `json:"currency"`
	TransactionType           string          `json:"transactionType"`
	Channel                   string          `json:"channel"`
	BeneficiaryAccountAgeDays *int            `json:"beneficiaryAccountAgeDays,omitempty"`
	Device                    *DeviceInfo     `json:"device,omitempty"`
	Behavioral                *BehavioralInfo `json:"behavioral,omitempty"`
}

type DeviceInfo struct {
	DeviceID           string `json:"deviceId"`
	IsVpnOrProxy       bool   `json:"isVpnOrProxy"`
	IsRecognizedDevice bool   `json:"isRecognizedDevice"`
}

type BehavioralInfo struct {
	IsOnActiveCall       bool    `json:"isOnActiveCall"`
	IsScreenShared       bool    `json:"isScreenShared"`
	SessionDuration      float64 `json:"sessionDuration"`
	CopyPasteCount       int     `json:"copyPasteCount"`
	BehaviorAnomalyScore float64 `json:"behaviorAnomalyScore"`
}

type EvaluateResponse struct {
	EvaluationID         string   `json:"evaluationId"`
	TransactionContextID string   `json:"transactionContextId"`
	TransactionReference string   `json:"transactionReference"`
	Decision             string   `json:"decision"`
	RiskLevel            string   `json:"riskLevel"`
	TotalScore           int      `json:"totalScore"`
	Reasons              []string `json:"reasons"`
	Confidence           float64  `json:"confidence"`
	ModelVersion         string   `json:"modelVersion"`
	ProcessingTimeMs     int64    `json:"processingTimeMs"`
	TraceID              string   `json:"traceId"`
}

type EvaluationRecord struct {
	ID                   string   `json:"id"`
	TransactionReference string   `json:"transactionReference"`
	WasAllowed           bool     `json:"wasAllowed"`
	RequiresReview       bool     `json:"requiresReview"`
	AnalystNotes         *string  `json:"analystNotes"`
	WasActualFraud       *bool    `json:"wasActualFraud"`
	Version              int64    `json:"version"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, raw
}

func getJSON(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, raw
}

func evaluate(t *testing.T, config TestConfig, req EvaluateRequest) EvaluateResponse {
	t.Helper()

	resp, raw := postJSON(t, config.BaseURL+"/evaluate", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate returned %d: %s", resp.StatusCode, raw)
	}

	var result EvaluateResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to parse evaluate response: %v", err)
	}
	return result
}

// waitForAudit polls until the async audit writer has persisted the
// evaluation row.
func waitForAudit(t *testing.T, config TestConfig, evaluationID string) EvaluationRecord {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, raw := getJSON(t, config.BaseURL+"/evaluations/"+evaluationID)
		if resp.StatusCode == http.StatusOK {
			var rec EvaluationRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				t.Fatalf("failed to parse evaluation record: %v", err)
			}
			return rec
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("evaluation %s not persisted within 5s", evaluationID)
	return EvaluationRecord{}
}

func cleanRequest(config TestConfig, user, name string, amount float64) EvaluateRequest {
	return EvaluateRequest{
		UserID:               user,
		TransactionReference: config.ref(name),
		FromAccount:          user + "-acct",
		ToAccount:            fmt.Sprintf("dest-%d", config.RunID),
		Amount:               amount,
		Currency:             "KES",
		TransactionType:      "transfer",
		Channel:              "mobile",
		Device: &DeviceInfo{
			DeviceID:           user + "-phone",
			IsRecognizedDevice: true,
		},
		Behavioral: &BehavioralInfo{SessionDuration: 120},
	}
}

func fraudShapedRequest(config TestConfig, user, name string) EvaluateRequest {
	age := 3
	req := cleanRequest(config, user, name, 500000)
	req.ToAccount = fmt.Sprintf("mule-%d", config.RunID)
	req.BeneficiaryAccountAgeDays = &age
	req.Device = &DeviceInfo{DeviceID: "burner", IsVpnOrProxy: true}
	req.Behavioral = &BehavioralInfo{
		IsOnActiveCall:  true,
		IsScreenShared:  true,
		SessionDuration: 60,
	}
	return req
}

// ============================================================================
// Tests
// ============================================================================

func TestHealthAndReadiness(t *testing.T) {
	config := getTestConfig()

	resp, _ := getJSON(t, config.BaseURL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d, is Nexus running at %s?", resp.StatusCode, config.BaseURL)
	}

	resp, raw := getJSON(t, config.BaseURL+"/ready")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready returned %d: %s", resp.StatusCode, raw)
	}
}

func TestLowRiskTransactionAllowed(t *testing.T) {
	config := getTestConfig()

	result := evaluate(t, config, cleanRequest(config, fmt.Sprintf("it-user-%d", config.RunID), "low", 2500))

	if result.Decision != "Allow" {
		t.Errorf("expected Allow, got %s (total %d, reasons %v)",
			result.Decision, result.TotalScore, result.Reasons)
	}
	if result.RiskLevel != "Low" {
		t.Errorf("expected Low risk, got %s", result.RiskLevel)
	}
	if result.EvaluationID == "" || result.TransactionContextID == "" {
		t.Error("expected evaluation identifiers in response")
	}
	if result.ModelVersion == "" {
		t.Error("expected model version stamped on response")
	}
}

func TestFraudPatternEscalated(t *testing.T) {
	config := getTestConfig()

	result := evaluate(t, config, fraudShapedRequest(config, fmt.Sprintf("it-victim-%d", config.RunID), "fraud"))

	if result.Decision == "Allow" {
		t.Errorf("fraud-shaped transaction must not be allowed, got total %d reasons %v",
			result.TotalScore, result.Reasons)
	}
	if len(result.Reasons) == 0 {
		t.Error("non-Allow decision must carry at least one reason")
	}

	found := false
	for _, r := range result.Reasons {
		if r == "SOCIAL_ENGINEERING_PATTERN" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected SOCIAL_ENGINEERING_PATTERN, got %v", result.Reasons)
	}
}

func TestIdempotentEvaluation(t *testing.T) {
	config := getTestConfig()
	user := fmt.Sprintf("it-idem-%d", config.RunID)

	req := cleanRequest(config, user, "idem", 2500)
	first := evaluate(t, config, req)
	second := evaluate(t, config, req)

	if first.EvaluationID != second.EvaluationID {
		t.Errorf("expected same evaluation for repeated reference, got %s and %s",
			first.EvaluationID, second.EvaluationID)
	}
}

func TestAuditPersistence(t *testing.T) {
	config := getTestConfig()
	user := fmt.Sprintf("it-audit-%d", config.RunID)

	result := evaluate(t, config, cleanRequest(config, user, "audit", 2500))

	rec := waitForAudit(t, config, result.EvaluationID)
	if rec.TransactionReference != config.ref("audit") {
		t.Errorf("expected reference %s, got %s", config.ref("audit"), rec.TransactionReference)
	}
	if !rec.WasAllowed {
		t.Error("expected allowed transaction persisted as allowed")
	}

	// Also retrievable by reference and listed for the user.
	resp, _ := getJSON(t, config.BaseURL+"/evaluations/reference/"+config.ref("audit"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get by reference returned %d", resp.StatusCode)
	}

	resp, raw := getJSON(t, config.BaseURL+"/users/"+user+"/evaluations")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list user evaluations returned %d", resp.StatusCode)
	}
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(raw, &list)
	if list.Count < 1 {
		t.Errorf("expected at least 1 evaluation for user, got %d", list.Count)
	}
}

func TestChallengeWorkflow(t *testing.T) {
	config := getTestConfig()
	user := fmt.Sprintf("it-chal-%d", config.RunID)

	result := evaluate(t, config, fraudShapedRequest(config, user, "chal"))
	if result.Decision != "Review" {
		t.Skipf("challenge flow needs a Review decision, got %s (total %d)",
			result.Decision, result.TotalScore)
	}

	// Pass the challenge: Review becomes allowed without re-scoring.
	resp, raw := postJSON(t, config.BaseURL+"/evaluations/"+result.TransactionContextID+"/challenge",
		map[string]bool{"passed": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("challenge returned %d: %s", resp.StatusCode, raw)
	}

	var rec EvaluationRecord
	json.Unmarshal(raw, &rec)
	if !rec.WasAllowed {
		t.Error("passed challenge must allow the transaction")
	}
	if !rec.RequiresReview {
		t.Error("requiresReview must survive as historical fact")
	}

	// The analyst verdict closes the loop.
	resp, raw = postJSON(t, config.BaseURL+"/evaluations/"+rec.ID+"/review",
		map[string]any{"notes": "customer confirmed transfer", "wasActualFraud": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review returned %d: %s", resp.StatusCode, raw)
	}

	var reviewed EvaluationRecord
	json.Unmarshal(raw, &reviewed)
	if reviewed.AnalystNotes == nil || *reviewed.AnalystNotes == "" {
		t.Error("expected analyst notes recorded")
	}
	if reviewed.WasActualFraud == nil || *reviewed.WasActualFraud {
		t.Error("expected wasActualFraud false")
	}
}

func TestChallengeUnknownContext(t *testing.T) {
	config := getTestConfig()

	resp, _ := postJSON(t, config.BaseURL+"/evaluations/no-such-context/challenge",
		map[string]bool{"passed": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestVelocityBuildsAcrossTransactions(t *testing.T) {
	config := getTestConfig()
	user := fmt.Sprintf("it-vel-%d", config.RunID)

	// Record a burst of committed transactions, then evaluate: the
	// velocity component must reflect the burst.
	for i := 0; i < 5; i++ {
		req := cleanRequest(config, user, fmt.Sprintf("vel-%d", i), 1000)
		resp, raw := postJSON(t, config.BaseURL+"/transactions/record", req)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("record returned %d: %s", resp.StatusCode, raw)
		}
	}

	result := evaluate(t, config, cleanRequest(config, user, "vel-eval", 1000))

	found := false
	for _, r := range result.Reasons {
		if r == "HIGH_TRANSACTION_VELOCITY" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected HIGH_TRANSACTION_VELOCITY after burst, got total %d reasons %v",
			result.TotalScore, result.Reasons)
	}
}

func TestInvalidContextRejected(t *testing.T) {
	config := getTestConfig()

	resp, _ := postJSON(t, config.BaseURL+"/evaluate", EvaluateRequest{
		UserID: "missing-everything",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid context, got %d", resp.StatusCode)
	}
}
