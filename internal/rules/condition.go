package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/freestays/passguard/internal/domain"
)

// newConditionEnv declares the event fields a rule condition can read.
func newConditionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("account_id", cel.StringType),
		cel.Variable("ip_country", cel.StringType),
		cel.Variable("device_fingerprint", cel.StringType),
		cel.Variable("booking_ref", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// compileCondition compiles a rule guard. It must evaluate to bool.
func compileCondition(env *cel.Env, ruleID, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s condition: %v", domain.ErrInvalidInput, ruleID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s condition must return bool, got %s", domain.ErrInvalidInput, ruleID, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s condition: %v", domain.ErrInvalidInput, ruleID, err)
	}
	return program, nil
}

func activation(e *domain.Event) map[string]any {
	return map[string]any{
		"kind":               string(e.Kind),
		"amount":             e.Amount.InexactFloat64(),
		"currency":           e.Currency,
		"account_id":         e.AccountID,
		"ip_country":         e.IPCountry,
		"device_fingerprint": e.DeviceFingerprint,
		"booking_ref":        e.BookingRef,
	}
}

// conditionHolds reports whether the guard accepts the event.
// A rule without a condition always applies.
func conditionHolds(program cel.Program, e *domain.Event) (bool, error) {
	if program == nil {
		return true, nil
	}
	out, _, err := program.Eval(activation(e))
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	return ok && bool(b), nil
}
