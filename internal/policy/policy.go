// Package policy provides the CEL-based policy override engine.
//
// Policy rules sit on top of the weighted scoring model: a matched rule
// forces the decision to at least Review or Block regardless of the
// numeric total. They are the escape hatch risk operations uses when a
// fraud pattern needs an immediate hard stop and retuning the model
// weights would be too slow.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/wekeza/nexus/internal/domain"
)

// Engine compiles and evaluates policy override rules.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*compiledPolicy
}

type compiledPolicy struct {
	rule    domain.PolicyRule
	program cel.Program
}

// Match is the outcome of a matched policy rule.
type Match struct {
	RuleID      string
	Description string
	Action      string // "review" or "block"
}

// NewEngine creates a policy engine with the evaluation context
// variables policy expressions can reference.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("transaction_type", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("total_score", cel.IntType),
		cel.Variable("velocity_score", cel.IntType),
		cel.Variable("behavioral_score", cel.IntType),
		cel.Variable("relationship_score", cel.IntType),
		cel.Variable("amount_score", cel.IntType),
		cel.Variable("device_score", cel.IntType),
		cel.Variable("is_first_time_beneficiary", cel.BoolType),
		cel.Variable("is_vpn", cel.BoolType),
		cel.Variable("is_recognized_device", cel.BoolType),
		cel.Variable("amount_deviation_percent", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// Load compiles the enabled rules and swaps them in atomically.
// A compile failure rejects the whole set; the previous rules stay
// active.
func (e *Engine) Load(rules []domain.PolicyRule) error {
	compiled := make([]*compiledPolicy, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		program, err := e.compile(rule)
		if err != nil {
			return err
		}
		compiled = append(compiled, &compiledPolicy{rule: rule, program: program})
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// Validate compiles a rule without loading it.
func (e *Engine) Validate(rule domain.PolicyRule) error {
	_, err := e.compile(rule)
	return err
}

func (e *Engine) compile(rule domain.PolicyRule) (cel.Program, error) {
	if rule.Action != "review" && rule.Action != "block" {
		return nil, fmt.Errorf("policy %s: action must be review or block, got %q", rule.ID, rule.Action)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", rule.ID, err)
	}
	return program, nil
}

// Input holds the evaluation state policies can match on.
type Input struct {
	Context    *domain.TransactionContext
	Components domain.ComponentScores
	TotalScore int
}

// Evaluate runs all loaded policies against the scored transaction and
// returns the matches. A rule whose evaluation errors is skipped; a
// broken policy expression must not fail the transaction.
func (e *Engine) Evaluate(input Input) []Match {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	if len(compiled) == 0 {
		return nil
	}

	tc := input.Context
	isVPN := false
	isRecognized := true
	if tc.Device != nil {
		isVPN = tc.Device.IsVpnOrProxy
		isRecognized = tc.Device.IsRecognizedDevice
	}

	activation := map[string]any{
		"amount":                    tc.Amount,
		"currency":                  tc.Currency,
		"channel":                   tc.Channel,
		"transaction_type":          tc.TransactionType,
		"hour":                      int64(tc.TransactionTime.In(time.UTC).Hour()),
		"total_score":               int64(input.TotalScore),
		"velocity_score":            int64(input.Components.Velocity),
		"behavioral_score":          int64(input.Components.Behavioral),
		"relationship_score":        int64(input.Components.Relationship),
		"amount_score":              int64(input.Components.Amount),
		"device_score":              int64(input.Components.Device),
		"is_first_time_beneficiary": tc.IsFirstTimeBeneficiary,
		"is_vpn":                    isVPN,
		"is_recognized_device":      isRecognized,
		"amount_deviation_percent":  tc.AmountDeviationPercent(),
	}

	var matches []Match
	for _, cp := range compiled {
		out, _, err := cp.program.Eval(activation)
		if err != nil {
			continue
		}
		if matched, ok := out.(types.Bool); ok && bool(matched) {
			matches = append(matches, Match{
				RuleID:      cp.rule.ID,
				Description: cp.rule.Description,
				Action:      cp.rule.Action,
			})
		}
	}
	return matches
}

// Count returns the number of loaded policies.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}
