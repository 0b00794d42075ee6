package filter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/yungbote/stairway/errs"
)

// SortDirection orders enumeration results by submit_time.
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

/*
PageSpec selects one of the two mutually exclusive pagination modes:
offset/limit, or page-token/limit. Leaving everything unset returns all
matching rows.
*/
type PageSpec struct {
	Offset    *int
	Limit     *int
	PageToken string
	Direction SortDirection
}

// Compiled is the deterministic SQL output of Compile: a count query and
// a row query over the flight table, each with positional bind args.
type Compiled struct {
	CountSQL  string
	CountArgs []any
	QuerySQL  string
	QueryArgs []any
}

/*
Compile lowers a filter tree and pagination spec into SQL. The output is
a pure function of its inputs: same tree, same spec, same SQL text and
argument order. Flight-column predicates become direct comparisons;
input-parameter predicates become correlated EXISTS subqueries against
flightinput.
*/
func Compile(expr Expression, page PageSpec) (Compiled, error) {
	var out Compiled

	if page.PageToken != "" && (page.Offset != nil || page.Limit == nil) {
		if page.Offset != nil {
			return out, fmt.Errorf("%w: page token and offset are mutually exclusive", errs.ErrBadRequest)
		}
		return out, fmt.Errorf("%w: page token requires a limit", errs.ErrBadRequest)
	}
	if (page.Offset == nil) != (page.Limit == nil) && page.PageToken == "" {
		return out, fmt.Errorf("%w: offset and limit must be supplied together", errs.ErrBadRequest)
	}
	dir := page.Direction
	if dir == "" {
		dir = SortAsc
	}

	var where strings.Builder
	var args []any
	if expr != nil {
		clause, clauseArgs, err := compileNode(expr)
		if err != nil {
			return out, err
		}
		where.WriteString(" WHERE ")
		where.WriteString(clause)
		args = clauseArgs
	}

	if page.PageToken != "" {
		cursor, err := DecodePageToken(page.PageToken)
		if err != nil {
			return out, err
		}
		if where.Len() == 0 {
			where.WriteString(" WHERE ")
		} else {
			where.WriteString(" AND ")
		}
		if dir == SortAsc {
			where.WriteString("F.submit_time > ?")
		} else {
			where.WriteString("F.submit_time < ?")
		}
		args = append(args, cursor)
	}

	out.CountSQL = "SELECT COUNT(*) FROM flight F" + where.String()
	out.CountArgs = append([]any{}, args...)

	var query strings.Builder
	query.WriteString("SELECT F.flight_id, F.class_name, F.status, F.submit_time, F.completed_time,")
	query.WriteString(" F.stairway_id, F.serialized_exception, F.output_parameters")
	query.WriteString(" FROM flight F")
	query.WriteString(where.String())
	query.WriteString(" ORDER BY F.submit_time ")
	query.WriteString(string(dir))

	queryArgs := append([]any{}, args...)
	if page.Limit != nil {
		query.WriteString(" LIMIT ?")
		queryArgs = append(queryArgs, *page.Limit)
	}
	if page.Offset != nil {
		query.WriteString(" OFFSET ?")
		queryArgs = append(queryArgs, *page.Offset)
	}

	out.QuerySQL = query.String()
	out.QueryArgs = queryArgs
	return out, nil
}

func compileNode(expr Expression) (string, []any, error) {
	switch node := expr.(type) {
	case flightPredicate:
		return compileFlightPredicate(node)
	case inputPredicate:
		return compileInputPredicate(node)
	case boolExpression:
		if len(node.children) == 0 {
			return "", nil, fmt.Errorf("%w: empty %s expression", errs.ErrBadRequest, node.conjunction)
		}
		parts := make([]string, 0, len(node.children))
		var args []any
		for _, child := range node.children {
			clause, childArgs, err := compileNode(child)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, clause)
			args = append(args, childArgs...)
		}
		return "(" + strings.Join(parts, " "+node.conjunction+" ") + ")", args, nil
	}
	return "", nil, fmt.Errorf("%w: unknown filter expression %T", errs.ErrBadRequest, expr)
}

func compileFlightPredicate(p flightPredicate) (string, []any, error) {
	if err := validateField(p.field); err != nil {
		return "", nil, err
	}
	if err := validateOp(p.op); err != nil {
		return "", nil, err
	}
	column := "F." + string(p.field)

	// Null equality.
	if p.value == nil {
		switch p.op {
		case OpEqual:
			return column + " IS NULL", nil, nil
		case OpNotEqual:
			return column + " IS NOT NULL", nil, nil
		}
		return "", nil, fmt.Errorf("%w: operator %q cannot compare to null", errs.ErrBadRequest, p.op)
	}

	if p.op == OpIn {
		placeholders, args, err := expandIn(p.value, func(v any) (any, error) { return v, nil })
		if err != nil {
			return "", nil, err
		}
		return column + " IN (" + placeholders + ")", args, nil
	}
	return column + " " + string(p.op) + " ?", []any{p.value}, nil
}

func compileInputPredicate(p inputPredicate) (string, []any, error) {
	if p.key == "" {
		return "", nil, fmt.Errorf("%w: empty input parameter key", errs.ErrBadRequest)
	}
	if err := validateOp(p.op); err != nil {
		return "", nil, err
	}

	prefix := "EXISTS (SELECT 1 FROM flightinput I WHERE I.flight_id = F.flight_id AND I.key = ? AND I.value "
	if p.op == OpIn {
		placeholders, args, err := expandIn(p.value, encodeInputValue)
		if err != nil {
			return "", nil, err
		}
		return prefix + "IN (" + placeholders + "))", append([]any{p.key}, args...), nil
	}
	encoded, err := encodeInputValue(p.value)
	if err != nil {
		return "", nil, err
	}
	return prefix + string(p.op) + " ?)", []any{p.key, encoded}, nil
}

// encodeInputValue lowers a literal to the JSON text form stored in
// flightinput.value.
func encodeInputValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode filter literal: %v", errs.ErrSerialization, err)
	}
	return string(raw), nil
}

func expandIn(value any, encode func(any) (any, error)) (string, []any, error) {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return "", nil, fmt.Errorf("%w: IN operator requires a slice literal", errs.ErrBadRequest)
	}
	if rv.Len() == 0 {
		return "", nil, fmt.Errorf("%w: IN operator requires a non-empty slice", errs.ErrBadRequest)
	}
	placeholders := make([]string, rv.Len())
	args := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		encoded, err := encode(rv.Index(i).Interface())
		if err != nil {
			return "", nil, err
		}
		placeholders[i] = "?"
		args[i] = encoded
	}
	return strings.Join(placeholders, ", "), args, nil
}
