package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// Expressions are dotted paths into the execution context, optionally
// compared against a literal:
//
//	nodes.fetch.output.items            (truthiness, or a source path)
//	!input.dry_run                      (negated truthiness)
//	nodes.check.output.approved == true
//	input.retries >= 3
//	nodes.route.output.target != 'eu'
//
// Literals are true, false, null, numbers, or single/double-quoted strings.
// Parsing happens at definition validation time so a malformed expression is
// a definition error, never a runtime surprise.

// ValidatePath checks that a path is a non-empty dotted identifier chain.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("path %q has an empty segment", path)
		}
		for _, r := range seg {
			if !isPathRune(r) {
				return fmt.Errorf("path %q contains invalid character %q", path, r)
			}
		}
	}
	return nil
}

func isPathRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

type compareOp string

const (
	opNone compareOp = ""
	opEq   compareOp = "=="
	opNe   compareOp = "!="
	opGt   compareOp = ">"
	opGe   compareOp = ">="
	opLt   compareOp = "<"
	opLe   compareOp = "<="
)

// Condition is a parsed boolean expression ready for repeated evaluation.
type Condition struct {
	raw     string
	path    string
	negate  bool
	op      compareOp
	literal any
}

// String returns the original expression text.
func (c *Condition) String() string { return c.raw }

// ParseCondition parses a condition expression. An empty expression is
// rejected; callers treat "no condition" as always true before parsing.
func ParseCondition(raw string) (*Condition, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty condition")
	}

	cond := &Condition{raw: raw}

	// Comparison operators, longest first so ">=" wins over ">".
	for _, op := range []compareOp{opEq, opNe, opGe, opLe, opGt, opLt} {
		idx := strings.Index(text, string(op))
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(text[:idx])
		right := strings.TrimSpace(text[idx+len(op):])
		lit, err := parseLiteral(right)
		if err != nil {
			return nil, err
		}
		if err := ValidatePath(left); err != nil {
			return nil, err
		}
		cond.path = left
		cond.op = op
		cond.literal = lit
		return cond, nil
	}

	if strings.HasPrefix(text, "!") {
		cond.negate = true
		text = strings.TrimSpace(text[1:])
	}
	if err := ValidatePath(text); err != nil {
		return nil, err
	}
	cond.path = text
	return cond, nil
}

func parseLiteral(text string) (any, error) {
	if text == "" {
		return nil, fmt.Errorf("missing literal after operator")
	}
	switch text {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if len(text) >= 2 {
		if (text[0] == '\'' && text[len(text)-1] == '\'') ||
			(text[0] == '"' && text[len(text)-1] == '"') {
			return text[1 : len(text)-1], nil
		}
	}
	if n, err := strconv.ParseFloat(text, 64); err == nil {
		return n, nil
	}
	return nil, fmt.Errorf("invalid literal %q", text)
}

// Eval evaluates the condition against an execution context.
//
// A missing path is false for truthiness, equal only to null for ==, and an
// error for ordered comparisons.
func (c *Condition) Eval(ec *ExecContext) (bool, error) {
	value, found := ec.Lookup(c.path)

	if c.op == opNone {
		result := found && truthy(value)
		if c.negate {
			return !result, nil
		}
		return result, nil
	}

	switch c.op {
	case opEq:
		return literalEqual(value, found, c.literal), nil
	case opNe:
		return !literalEqual(value, found, c.literal), nil
	}

	lhs, lok := toFloat(value)
	rhs, rok := toFloat(c.literal)
	if !found {
		return false, fmt.Errorf("condition %q: path %q not found", c.raw, c.path)
	}
	if !lok || !rok {
		return false, fmt.Errorf("condition %q: ordered comparison needs numbers", c.raw)
	}

	switch c.op {
	case opGt:
		return lhs > rhs, nil
	case opGe:
		return lhs >= rhs, nil
	case opLt:
		return lhs < rhs, nil
	case opLe:
		return lhs <= rhs, nil
	}
	return false, fmt.Errorf("condition %q: unknown operator", c.raw)
}

func literalEqual(value any, found bool, literal any) bool {
	if literal == nil {
		return !found || value == nil
	}
	if !found {
		return false
	}

	// JSON round-trips turn all numbers into float64; compare numerically
	// when both sides coerce.
	if lf, lok := toFloat(literal); lok {
		if vf, vok := toFloat(value); vok {
			return vf == lf
		}
		return false
	}
	return value == literal
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
