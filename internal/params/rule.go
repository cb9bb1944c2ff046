package params

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
)

// tagValidator is shared; validator instances cache parsed tags and are
// safe for concurrent use.
var tagValidator = validator.New()

type presentRule struct{ field string }

// Present requires field to be set to a non-blank value.
func Present(field string) domain.Rule {
	return presentRule{field: field}
}

func (r presentRule) Check(p domain.Params) error {
	v := p.Value(r.field)
	if domain.IsBlank(v) {
		return apperrors.Validation(r.field, "is required", v)
	}
	return nil
}

type typeRule struct {
	field string
	typ   domain.AttributeType
}

// IsType requires field, when set, to already hold typ's Go representation.
func IsType(field string, typ domain.AttributeType) domain.Rule {
	return typeRule{field: field, typ: typ}
}

func (r typeRule) Check(p domain.Params) error {
	v := p.Value(r.field)
	if v == nil || hasType(v, r.typ) {
		return nil
	}
	return apperrors.Validation(r.field, fmt.Sprintf("must be a %s", r.typ), v)
}

func hasType(v interface{}, typ domain.AttributeType) bool {
	switch typ {
	case domain.TypeString:
		_, ok := v.(string)
		return ok
	case domain.TypeInteger:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case domain.TypeFloat:
		switch v.(type) {
		case float32, float64:
			return true
		}
		return false
	case domain.TypeDecimal:
		_, ok := v.(decimal.Decimal)
		return ok
	case domain.TypeBoolean:
		_, ok := v.(bool)
		return ok
	case domain.TypeTime:
		_, ok := v.(time.Time)
		return ok
	case domain.TypeUUID:
		switch id := v.(type) {
		case uuid.UUID:
			return true
		case string:
			return uuid.Validate(id) == nil
		}
		return false
	case domain.TypeMap:
		_, ok := v.(map[string]interface{})
		return ok
	}
	return true
}

type formatRule struct {
	field   string
	pattern *regexp.Regexp
}

// Format requires field, when set, to be a string matching pattern.
// It panics if pattern does not compile.
func Format(field, pattern string) domain.Rule {
	return formatRule{field: field, pattern: regexp.MustCompile(pattern)}
}

func (r formatRule) Check(p domain.Params) error {
	v := p.Value(r.field)
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok || !r.pattern.MatchString(s) {
		return apperrors.Validation(r.field, "has invalid format", v)
	}
	return nil
}

// RangeOpts bounds a numeric field. Nil bounds are not checked. Bounds may be
// any value domain.ToDecimal accepts.
type RangeOpts struct {
	Min         interface{}
	Max         interface{}
	GreaterThan interface{}
	LessThan    interface{}
}

type rangeRule struct {
	field  string
	bounds []bound
}

type bound struct {
	limit   decimal.Decimal
	ok      func(v, limit decimal.Decimal) bool
	message string
}

// Range requires field, when set, to be numeric and within opts.
// It panics if a bound is not numeric.
func Range(field string, opts RangeOpts) domain.Rule {
	r := rangeRule{field: field}
	add := func(raw interface{}, ok func(v, limit decimal.Decimal) bool, format string) {
		if raw == nil {
			return
		}
		limit, err := domain.ToDecimal(raw)
		if err != nil {
			panic(fmt.Sprintf("params.Range(%s): %v", field, err))
		}
		r.bounds = append(r.bounds, bound{limit: limit, ok: ok, message: fmt.Sprintf(format, limit)})
	}
	add(opts.Min, func(v, l decimal.Decimal) bool { return v.GreaterThanOrEqual(l) }, "must be greater than or equal to %s")
	add(opts.Max, func(v, l decimal.Decimal) bool { return v.LessThanOrEqual(l) }, "must be less than or equal to %s")
	add(opts.GreaterThan, func(v, l decimal.Decimal) bool { return v.GreaterThan(l) }, "must be greater than %s")
	add(opts.LessThan, func(v, l decimal.Decimal) bool { return v.LessThan(l) }, "must be less than %s")
	return r
}

// GreaterThan is shorthand for Range(field, RangeOpts{GreaterThan: n}).
func GreaterThan(field string, n interface{}) domain.Rule {
	return Range(field, RangeOpts{GreaterThan: n})
}

func (r rangeRule) Check(p domain.Params) error {
	v := p.Value(r.field)
	if v == nil {
		return nil
	}
	d, err := domain.ToDecimal(v)
	if err != nil {
		return apperrors.Validation(r.field, "must be a number", v)
	}
	for _, b := range r.bounds {
		if !b.ok(d, b.limit) {
			return apperrors.Validation(r.field, b.message, v)
		}
	}
	return nil
}

type oneOfRule struct {
	field   string
	allowed []interface{}
}

// OneOf requires field, when set, to equal one of allowed. Values compare by
// their printed form, so 1 and "1" match.
func OneOf(field string, allowed ...interface{}) domain.Rule {
	return oneOfRule{field: field, allowed: allowed}
}

func (r oneOfRule) Check(p domain.Params) error {
	v := p.Value(r.field)
	if v == nil {
		return nil
	}
	got := fmt.Sprint(v)
	names := make([]string, 0, len(r.allowed))
	for _, a := range r.allowed {
		s := fmt.Sprint(a)
		if s == got {
			return nil
		}
		names = append(names, s)
	}
	return apperrors.Validation(r.field, "must be one of: "+strings.Join(names, ", "), v)
}

// PredicateFunc returns nil when value is acceptable; the error text becomes
// the validation message.
type PredicateFunc func(value interface{}, all domain.Params) error

type predicateRule struct {
	field string
	fn    PredicateFunc
}

// Predicate checks field with an arbitrary function.
func Predicate(field string, fn PredicateFunc) domain.Rule {
	return predicateRule{field: field, fn: fn}
}

func (r predicateRule) Check(p domain.Params) error {
	v := p.Value(r.field)
	if err := r.fn(v, p); err != nil {
		return fieldError(r.field, err, v)
	}
	return nil
}

type tagRule struct {
	field string
	tag   string
}

// Tag checks field, when set, against a go-playground/validator tag such as
// "email" or "uuid4".
func Tag(field, tag string) domain.Rule {
	return tagRule{field: field, tag: tag}
}

func (r tagRule) Check(p domain.Params) error {
	v := p.Value(r.field)
	if v == nil {
		return nil
	}
	if err := tagValidator.Var(v, r.tag); err != nil {
		return apperrors.Validation(r.field, fmt.Sprintf("failed %s validation", r.tag), v)
	}
	return nil
}
