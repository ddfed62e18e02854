package config

import (
	"fmt"
	"strings"
)

// conditionOp is the comparison a condition performs.
type conditionOp int

const (
	// opTruthy: `env.KEY` — true when the variable is set and non-empty.
	opTruthy conditionOp = iota

	// opNotTruthy: `!env.KEY` — true when the variable is unset or empty.
	opNotTruthy

	// opEq: `env.KEY == "value"`.
	opEq

	// opNe: `env.KEY != "value"`.
	opNe
)

// Condition is a parsed `when:` expression: a single env lookup with
// an optional comparison.
type Condition struct {
	key   string
	op    conditionOp
	value string
	raw   string
}

// String returns the original expression text.
func (c *Condition) String() string {
	return c.raw
}

// Eval evaluates the condition against a job environment.
func (c *Condition) Eval(env map[string]string) bool {
	got := env[c.key]
	switch c.op {
	case opTruthy:
		return got != ""
	case opNotTruthy:
		return got == ""
	case opEq:
		return got == c.value
	case opNe:
		return got != c.value
	default:
		return false
	}
}

// ParseCondition parses a `when:` expression.
//
// Accepted forms:
//
//	env.KEY
//	!env.KEY
//	env.KEY == "value"
//	env.KEY != "value"
//
// Quotes around the literal are optional. Anything else is an error,
// reported at validation time so a malformed condition never silently
// disables (or enables) a step at run time.
func ParseCondition(expr string) (*Condition, error) {
	raw := expr
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty when expression")
	}

	negated := false
	if strings.HasPrefix(expr, "!") {
		negated = true
		expr = strings.TrimSpace(expr[1:])
	}

	// Split off a comparison operator, if present. Check "!=" before
	// "==" is unnecessary since they cannot be confused, but both must
	// be checked before accepting the bare-lookup form.
	var op conditionOp
	var key, value string
	switch {
	case strings.Contains(expr, "=="):
		if negated {
			return nil, fmt.Errorf("invalid when expression %q: cannot combine ! with ==", raw)
		}
		op = opEq
		key, value = splitComparison(expr, "==")
	case strings.Contains(expr, "!="):
		if negated {
			return nil, fmt.Errorf("invalid when expression %q: cannot combine ! with !=", raw)
		}
		op = opNe
		key, value = splitComparison(expr, "!=")
	default:
		if negated {
			op = opNotTruthy
		} else {
			op = opTruthy
		}
		key = expr
	}

	if !strings.HasPrefix(key, "env.") {
		return nil, fmt.Errorf("invalid when expression %q: lookups must use the env. prefix", raw)
	}
	key = strings.TrimPrefix(key, "env.")
	if key == "" || strings.ContainsAny(key, " \t") {
		return nil, fmt.Errorf("invalid when expression %q: malformed variable name", raw)
	}

	return &Condition{key: key, op: op, value: value, raw: raw}, nil
}

// splitComparison splits "env.KEY <op> value" and unquotes the literal.
func splitComparison(expr, op string) (key, value string) {
	parts := strings.SplitN(expr, op, 2)
	key = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	value = strings.Trim(value, `"'`)
	return key, value
}

// EvalWhen is the convenience form used during matrix expansion: an
// empty expression is unconditionally true.
func EvalWhen(expr string, env map[string]string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	cond, err := ParseCondition(expr)
	if err != nil {
		return false, err
	}
	return cond.Eval(env), nil
}
