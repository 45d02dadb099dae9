package model

import (
	"fmt"
	"strings"
)

// Comparison operators accepted by guards, matching rules and external
// broadcast filters.
const (
	OpEqual        = "==="
	OpNotEqual     = "!=="
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpContains     = "contains"
	OpIn           = "in"
)

// Compare applies op to (left, right). Numeric operands are compared
// numerically regardless of their concrete Go type. Comparisons against
// unset values must be filtered out by the caller; a nil operand is equal
// only to nil, and ordering comparisons with a nil operand are false.
func Compare(op string, left, right interface{}) bool {
	if op == "" {
		op = OpEqual
	}
	switch op {
	case OpEqual:
		return looseEqual(left, right)
	case OpNotEqual:
		return !looseEqual(left, right)
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false
		}
		switch op {
		case OpGreater:
			return lf > rf
		case OpLess:
			return lf < rf
		case OpGreaterEqual:
			return lf >= rf
		default:
			return lf <= rf
		}
	case OpContains:
		ls, lok := left.(string)
		rs, rok := right.(string)
		if lok && rok {
			return strings.Contains(ls, rs)
		}
		if list, ok := left.([]interface{}); ok {
			for _, item := range list {
				if looseEqual(item, right) {
					return true
				}
			}
		}
		return false
	case OpIn:
		list, ok := right.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(left, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// looseEqual compares scalars with numeric normalization so that values
// decoded from JSON (float64) match values authored as ints.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
