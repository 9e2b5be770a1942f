// Package rules compiles subscription filter expressions into predicate
// trees and evaluates them against stored events.
//
// The grammar is a small boolean DSL:
//
//	type == "task.complete" and payload.duration > 500
//	(source == "agent-1" or source == "agent-2") and not payload.dry_run == "true"
//
// Field paths address the top-level event fields (source, type,
// correlation_id, id) and dotted keys into the payload (payload.user.name).
// Evaluation is permissive: a missing field or a numeric comparison over
// non-numeric operands evaluates false rather than erroring.
package rules

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// Operator is a comparison operator in a rule expression.
type Operator string

const (
	OpEq       Operator = "=="
	OpNe       Operator = "!="
	OpLt       Operator = "<"
	OpGt       Operator = ">"
	OpLe       Operator = "<="
	OpGe       Operator = ">="
	OpContains Operator = "contains"
)

// Expr is a compiled predicate node. Trees are immutable after Compile and
// safe for concurrent evaluation.
type Expr interface {
	Eval(evt *models.StoredEvent) bool
}

// Comparison tests one field path against a literal.
type Comparison struct {
	Field   string
	Op      Operator
	Literal Literal
}

// And short-circuits left to right.
type And struct{ Children []Expr }

// Or short-circuits left to right.
type Or struct{ Children []Expr }

// Not negates its child.
type Not struct{ Child Expr }

// Literal is a string or numeric constant from the rule source.
type Literal struct {
	Str      string
	Num      float64
	IsNumber bool
}

func (a *And) Eval(evt *models.StoredEvent) bool {
	for _, c := range a.Children {
		if !c.Eval(evt) {
			return false
		}
	}
	return true
}

func (o *Or) Eval(evt *models.StoredEvent) bool {
	for _, c := range o.Children {
		if c.Eval(evt) {
			return true
		}
	}
	return false
}

func (n *Not) Eval(evt *models.StoredEvent) bool {
	return !n.Child.Eval(evt)
}

func (c *Comparison) Eval(evt *models.StoredEvent) bool {
	val, ok := resolveField(evt, c.Field)
	if !ok {
		return false
	}

	switch c.Op {
	case OpEq:
		return valueEquals(val, c.Literal)
	case OpNe:
		return !valueEquals(val, c.Literal)
	case OpLt, OpGt, OpLe, OpGe:
		fv, fok := valueNumber(val)
		if !fok || !literalNumber(c.Literal).ok {
			return false
		}
		lv := literalNumber(c.Literal).num
		switch c.Op {
		case OpLt:
			return fv < lv
		case OpGt:
			return fv > lv
		case OpLe:
			return fv <= lv
		default:
			return fv >= lv
		}
	case OpContains:
		return valueContains(val, c.Literal)
	}
	return false
}

// fieldValue is a resolved event field: either a scalar with string/number
// forms, or a raw gjson result for payload arrays.
type fieldValue struct {
	str    string
	num    float64
	isNum  bool
	result gjson.Result
	isJSON bool
}

func resolveField(evt *models.StoredEvent, field string) (fieldValue, bool) {
	switch field {
	case "source":
		return fieldValue{str: evt.Source}, true
	case "type":
		return fieldValue{str: evt.Type}, true
	case "correlation_id":
		if evt.CorrelationID == "" {
			return fieldValue{}, false
		}
		return fieldValue{str: evt.CorrelationID}, true
	case "id":
		return fieldValue{str: evt.ID}, true
	}

	path, ok := strings.CutPrefix(field, "payload.")
	if !ok || len(evt.Payload) == 0 {
		return fieldValue{}, false
	}
	r := gjson.GetBytes(evt.Payload, path)
	if !r.Exists() {
		return fieldValue{}, false
	}
	switch r.Type {
	case gjson.Number:
		return fieldValue{str: r.String(), num: r.Num, isNum: true}, true
	case gjson.String, gjson.True, gjson.False:
		return fieldValue{str: r.String()}, true
	default:
		return fieldValue{str: r.Raw, result: r, isJSON: true}, true
	}
}

func valueEquals(v fieldValue, lit Literal) bool {
	if v.isNum && lit.IsNumber {
		return v.num == lit.Num
	}
	return v.str == literalString(lit)
}

func valueNumber(v fieldValue) (float64, bool) {
	if v.isNum {
		return v.num, true
	}
	f, err := strconv.ParseFloat(v.str, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

type numResult struct {
	num float64
	ok  bool
}

func literalNumber(lit Literal) numResult {
	if lit.IsNumber {
		return numResult{num: lit.Num, ok: true}
	}
	f, err := strconv.ParseFloat(lit.Str, 64)
	if err != nil {
		return numResult{}
	}
	return numResult{num: f, ok: true}
}

func literalString(lit Literal) string {
	if lit.IsNumber {
		return strconv.FormatFloat(lit.Num, 'f', -1, 64)
	}
	return lit.Str
}

// valueContains implements substring match for strings and membership for
// payload arrays.
func valueContains(v fieldValue, lit Literal) bool {
	if v.isJSON && v.result.IsArray() {
		found := false
		v.result.ForEach(func(_, elem gjson.Result) bool {
			if elem.Type == gjson.Number && lit.IsNumber {
				if elem.Num == lit.Num {
					found = true
					return false
				}
				return true
			}
			if elem.String() == literalString(lit) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	return strings.Contains(v.str, literalString(lit))
}
