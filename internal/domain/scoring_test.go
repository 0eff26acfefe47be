package domain

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScoringConfigValidate(t *testing.T) {
	t.Run("DefaultIsValid", func(t *testing.T) {
		cfg := DefaultScoringConfig()
		if err := cfg.Validate(); err != nil {
			t.Errorf("default config must validate: %v", err)
		}
	})

	t.Run("MissingModelVersion", func(t *testing.T) {
		cfg := DefaultScoringConfig()
		cfg.ModelVersion = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing model version")
		}
	})

	t.Run("ThresholdOrdering", func(t *testing.T) {
		cfg := DefaultScoringConfig()
		cfg.ReviewThreshold = 700
		cfg.BlockThreshold = 400
		if err := cfg.Validate(); err == nil {
			t.Error("expected error when block <= review")
		}
	})

	t.Run("RiskFloorOrdering", func(t *testing.T) {
		cfg := DefaultScoringConfig()
		cfg.HighFloor = cfg.CriticalFloor
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for non-increasing risk floors")
		}
	})

	t.Run("WeightsMustSumToOne", func(t *testing.T) {
		cfg := DefaultScoringConfig()
		cfg.Weights.Velocity = 0.9
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for weights not summing to 1.0")
		}
	})

	t.Run("PolicyActionChecked", func(t *testing.T) {
		cfg := DefaultScoringConfig()
		cfg.Policies = []PolicyRule{{ID: "p1", Expression: "true", Action: "allow"}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for invalid policy action")
		}
	})
}

func TestDecisionFor(t *testing.T) {
	cfg := DefaultScoringConfig()

	tests := []struct {
		total    int
		expected Decision
	}{
		{0, DecisionAllow},
		{399, DecisionAllow},
		{400, DecisionReview},
		{699, DecisionReview},
		{700, DecisionBlock},
		{1000, DecisionBlock},
	}

	for _, tt := range tests {
		if got := cfg.DecisionFor(tt.total); got != tt.expected {
			t.Errorf("DecisionFor(%d) = %s, want %s", tt.total, got, tt.expected)
		}
	}
}

func TestRiskLevelFor(t *testing.T) {
	cfg := DefaultScoringConfig()

	tests := []struct {
		total    int
		expected RiskLevel
	}{
		{0, RiskLow},
		{249, RiskLow},
		{250, RiskMedium},
		{499, RiskMedium},
		{500, RiskHigh},
		{749, RiskHigh},
		{750, RiskCritical},
		{1000, RiskCritical},
	}

	for _, tt := range tests {
		if got := cfg.RiskLevelFor(tt.total); got != tt.expected {
			t.Errorf("RiskLevelFor(%d) = %s, want %s", tt.total, got, tt.expected)
		}
	}
}

func TestLoadScoringConfig(t *testing.T) {
	t.Run("ValidFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scoring.json")
		content := `{
			"modelVersion": "nexus-2.0.0",
			"reviewThreshold": 350,
			"policies": [
				{"id": "p1", "expression": "amount > 1000000.0", "action": "block", "enabled": true}
			]
		}`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		cfg, err := LoadScoringConfig(path)
		if err != nil {
			t.Fatalf("LoadScoringConfig failed: %v", err)
		}

		// File values override, defaults fill the rest.
		if cfg.ModelVersion != "nexus-2.0.0" {
			t.Errorf("expected model version override, got %s", cfg.ModelVersion)
		}
		if cfg.ReviewThreshold != 350 {
			t.Errorf("expected review threshold 350, got %d", cfg.ReviewThreshold)
		}
		if cfg.BlockThreshold != 700 {
			t.Errorf("expected default block threshold, got %d", cfg.BlockThreshold)
		}
		if len(cfg.Policies) != 1 {
			t.Errorf("expected 1 policy, got %d", len(cfg.Policies))
		}
	})

	t.Run("InvalidFileRejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scoring.json")
		os.WriteFile(path, []byte(`{"reviewThreshold": 900}`), 0o644)

		if _, err := LoadScoringConfig(path); err == nil {
			t.Error("expected validation error for review >= block")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := LoadScoringConfig("/nonexistent/scoring.json"); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
