package filter

import (
	"fmt"

	"github.com/yungbote/stairway/errs"
)

// FlightField names a filterable column of the flight table.
type FlightField string

const (
	FieldFlightID      FlightField = "flight_id"
	FieldClassName     FlightField = "class_name"
	FieldStatus        FlightField = "status"
	FieldSubmitTime    FlightField = "submit_time"
	FieldCompletedTime FlightField = "completed_time"
)

// Op is a comparison operator usable in a predicate leaf.
type Op string

const (
	OpEqual        Op = "="
	OpNotEqual     Op = "!="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpIn           Op = "IN"
)

/*
Expression is a node of the filter tree. Leaves are predicates on flight
columns or on named input-parameter keys; interior nodes combine children
with AND or OR. A nil Expression matches every flight.

Null equality: a flight-column predicate with OpEqual/OpNotEqual and a
nil value compiles to IS NULL / IS NOT NULL.
*/
type Expression interface {
	isExpression()
}

type flightPredicate struct {
	field FlightField
	op    Op
	value any
}

type inputPredicate struct {
	key   string
	op    Op
	value any
}

type boolExpression struct {
	conjunction string // "AND" or "OR"
	children    []Expression
}

func (flightPredicate) isExpression() {}
func (inputPredicate) isExpression() {}
func (boolExpression) isExpression() {}

// FlightPredicate builds a leaf comparing a flight column to a literal.
func FlightPredicate(field FlightField, op Op, value any) Expression {
	return flightPredicate{field: field, op: op, value: value}
}

// InputPredicate builds a leaf comparing a named input parameter to a
// literal. The literal is compared against the parameter's stored JSON
// text, so it is JSON-encoded at compile time.
func InputPredicate(key string, op Op, value any) Expression {
	return inputPredicate{key: key, op: op, value: value}
}

// And combines children; all must match.
func And(children ...Expression) Expression {
	return boolExpression{conjunction: "AND", children: children}
}

// Or combines children; at least one must match.
func Or(children ...Expression) Expression {
	return boolExpression{conjunction: "OR", children: children}
}

func validateOp(op Op) error {
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpIn:
		return nil
	}
	return fmt.Errorf("%w: invalid filter operator %q", errs.ErrBadRequest, op)
}

func validateField(f FlightField) error {
	switch f {
	case FieldFlightID, FieldClassName, FieldStatus, FieldSubmitTime, FieldCompletedTime:
		return nil
	}
	return fmt.Errorf("%w: invalid filter field %q", errs.ErrBadRequest, f)
}
