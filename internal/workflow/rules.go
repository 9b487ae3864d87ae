package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// =============================================================================
// RULE EXPRESSION FORM
// =============================================================================
//
// Business rules are written in a small interpretable predicate form and
// evaluated against an EvalEnv. Supported shapes:
//
//	item.spice == "high"          field comparison (== != > >= < <=)
//	item.stock > 0                numeric comparison
//	item.available                truthy check on a field
//	exists(item)                  slot is bound to an existing instance
//	valid(item)                   bound/proto entity passes its type check
//	count(Order, item, item.id) < 5   store-state predicate
//
// Rules attached to a workflow are conjunctive; each is evaluated
// independently so the validator can collect every failure.

// EvalEnv supplies the data a rule expression is evaluated against.
type EvalEnv interface {
	// SlotFields returns the field map of the entity bound to the slot
	// (proto or existing). The instance id, when known, appears as "id".
	SlotFields(slot string) (map[string]interface{}, bool)

	// SlotExists reports whether the slot is bound to an existing persisted
	// instance rather than a newly extracted proto-entity.
	SlotExists(slot string) bool

	// SlotValid reports whether the slot's entity passes its entity type's
	// field constraints.
	SlotValid(slot string) bool

	// Count returns how many live instances of entityType carry the given
	// value in the given field. Used for store-state predicates.
	Count(entityType, field string, value interface{}) (int64, error)
}

type exprKind int

const (
	exprCompare exprKind = iota // left OP right
	exprTruthy                  // ref must be truthy
	exprExists                  // exists(slot)
	exprValid                   // valid(slot)
	exprCount                   // count(Type, field, value) OP number
)

// operand is either a slot.field reference or a literal.
type operand struct {
	isRef bool
	slot  string
	field string
	lit   interface{}
}

// ParsedRule is a compiled rule expression, ready for evaluation.
type ParsedRule struct {
	kind  exprKind
	left  operand
	op    string
	right operand

	// count(...) components
	countType  string
	countField string
	countValue operand
}

// ParseRule compiles a rule expression. Returns an error for anything the
// interpreter cannot evaluate; definitions with unparseable rules are
// rejected at registration time, not at validation time.
func ParseRule(expr string) (*ParsedRule, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty rule expression")
	}

	// Builtins: exists(slot), valid(slot), count(...)
	if len(toks) >= 2 && toks[1] == "(" {
		switch toks[0] {
		case "exists", "valid":
			if len(toks) != 4 || toks[3] != ")" {
				return nil, fmt.Errorf("%s() takes exactly one slot name", toks[0])
			}
			kind := exprExists
			if toks[0] == "valid" {
				kind = exprValid
			}
			return &ParsedRule{kind: kind, left: operand{isRef: true, slot: toks[2]}}, nil
		case "count":
			return parseCount(toks)
		default:
			return nil, fmt.Errorf("unknown builtin %q", toks[0])
		}
	}

	left, rest, err := parseOperand(toks)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		if !left.isRef {
			return nil, fmt.Errorf("bare literal is not a rule")
		}
		if left.field == "" {
			return nil, fmt.Errorf("truthy check needs slot.field, got %q", left.slot)
		}
		return &ParsedRule{kind: exprTruthy, left: left}, nil
	}

	op := rest[0]
	if !validOp(op) {
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	right, rest, err := parseOperand(rest[1:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing tokens after comparison: %v", rest)
	}
	return &ParsedRule{kind: exprCompare, left: left, op: op, right: right}, nil
}

// parseCount parses count(Type, field, valueOperand) OP numberLiteral.
func parseCount(toks []string) (*ParsedRule, error) {
	// toks: count ( Type , field , value... ) OP number
	closeIdx := -1
	for i, t := range toks {
		if t == ")" {
			closeIdx = i
			break
		}
	}
	if closeIdx < 0 {
		return nil, fmt.Errorf("count(): missing closing paren")
	}
	inner := toks[2:closeIdx]
	parts := splitTokens(inner, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("count() takes (entityType, field, value)")
	}
	if len(parts[0]) != 1 || len(parts[1]) != 1 {
		return nil, fmt.Errorf("count(): entityType and field must be identifiers")
	}
	val, rest, err := parseOperand(parts[2])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("count(): malformed value operand")
	}

	tail := toks[closeIdx+1:]
	if len(tail) != 2 || !validOp(tail[0]) {
		return nil, fmt.Errorf("count() must be compared to a number")
	}
	n, err := strconv.ParseFloat(tail[1], 64)
	if err != nil {
		return nil, fmt.Errorf("count() comparison needs a numeric literal, got %q", tail[1])
	}
	return &ParsedRule{
		kind:       exprCount,
		op:         tail[0],
		right:      operand{lit: n},
		countType:  parts[0][0],
		countField: parts[1][0],
		countValue: val,
	}, nil
}

// Eval evaluates the rule. A reference to an unbound slot or absent field
// makes the rule fail (false) rather than error - an unsatisfiable rule is a
// failed rule, and the explanation attached to it tells the operator why.
func (r *ParsedRule) Eval(env EvalEnv) (bool, error) {
	switch r.kind {
	case exprExists:
		return env.SlotExists(r.left.slot), nil
	case exprValid:
		return env.SlotValid(r.left.slot), nil
	case exprTruthy:
		v, ok := resolveOperand(env, r.left)
		if !ok {
			return false, nil
		}
		return truthy(v), nil
	case exprCompare:
		lv, ok := resolveOperand(env, r.left)
		if !ok {
			return false, nil
		}
		rv, ok := resolveOperand(env, r.right)
		if !ok {
			return false, nil
		}
		return compare(lv, r.op, rv)
	case exprCount:
		val, ok := resolveOperand(env, r.countValue)
		if !ok {
			return false, nil
		}
		n, err := env.Count(r.countType, r.countField, val)
		if err != nil {
			return false, fmt.Errorf("count(%s, %s): %w", r.countType, r.countField, err)
		}
		return compare(float64(n), r.op, r.right.lit)
	default:
		return false, fmt.Errorf("unknown expression kind %d", r.kind)
	}
}

// =============================================================================
// TOKENIZER / HELPERS
// =============================================================================

func tokenize(expr string) ([]string, error) {
	var toks []string
	i := 0
	rs := []rune(expr)
	for i < len(rs) {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(' || c == ')' || c == ',':
			toks = append(toks, string(c))
			i++
		case c == '"':
			j := i + 1
			for j < len(rs) && rs[j] != '"' {
				j++
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, expr[i:j+1])
			i = j + 1
		case strings.ContainsRune("=!<>", c):
			j := i + 1
			if j < len(rs) && rs[j] == '=' {
				j++
			}
			toks = append(toks, string(rs[i:j]))
			i = j
		default:
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.' || rs[j] == '-') {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
			toks = append(toks, string(rs[i:j]))
			i = j
		}
	}
	return toks, nil
}

func splitTokens(toks []string, sep string) [][]string {
	var out [][]string
	cur := []string{}
	for _, t := range toks {
		if t == sep {
			out = append(out, cur)
			cur = []string{}
			continue
		}
		cur = append(cur, t)
	}
	out = append(out, cur)
	return out
}

// parseOperand consumes one operand from the token stream.
func parseOperand(toks []string) (operand, []string, error) {
	if len(toks) == 0 {
		return operand{}, nil, fmt.Errorf("expected operand")
	}
	t := toks[0]
	rest := toks[1:]

	if strings.HasPrefix(t, `"`) {
		return operand{lit: strings.Trim(t, `"`)}, rest, nil
	}
	if t == "true" {
		return operand{lit: true}, rest, nil
	}
	if t == "false" {
		return operand{lit: false}, rest, nil
	}
	if n, err := strconv.ParseFloat(t, 64); err == nil {
		return operand{lit: n}, rest, nil
	}

	// slot or slot.field reference
	if dot := strings.Index(t, "."); dot > 0 {
		return operand{isRef: true, slot: t[:dot], field: t[dot+1:]}, rest, nil
	}
	return operand{isRef: true, slot: t}, rest, nil
}

func validOp(op string) bool {
	switch op {
	case "==", "!=", ">", ">=", "<", "<=":
		return true
	}
	return false
}

func resolveOperand(env EvalEnv, o operand) (interface{}, bool) {
	if !o.isRef {
		return o.lit, true
	}
	fields, ok := env.SlotFields(o.slot)
	if !ok {
		return nil, false
	}
	if o.field == "" {
		return fields, true
	}
	v, ok := fields[o.field]
	return v, ok
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false") && x != "0"
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	default:
		return true
	}
}

// compare applies OP to two values. Numbers compare numerically, strings
// lexically; bools support equality only.
func compare(left interface{}, op string, right interface{}) (bool, error) {
	if lf, lok := asNumber(left); lok {
		if rf, rok := asNumber(right); rok {
			return compareFloats(lf, op, rf), nil
		}
	}

	lb, lok := left.(bool)
	rb, rok := right.(bool)
	if lok && rok {
		switch op {
		case "==":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		default:
			return false, fmt.Errorf("operator %s not valid for booleans", op)
		}
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func compareFloats(l float64, op string, r float64) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "<":
		return l < r
	case "<=":
		return l <= r
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
