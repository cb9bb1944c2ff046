// Package params implements the parameter pipeline that runs before any
// action is invoked: an ordered transform stage followed by an ordered
// validation stage.
//
// Import Path: keel.dev/keel/internal/params
package params

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
)

// ComputeFunc derives a value for a new field. It may ignore its input.
type ComputeFunc func(p domain.Params) (interface{}, error)

// ValueFunc replaces a single field value.
type ValueFunc func(v interface{}) (interface{}, error)

// CustomFunc receives and returns the whole field map.
type CustomFunc func(p domain.Params) (domain.Params, error)

type mapTransform struct{ src, dst string }

// Map renames src to dst. A missing src is a no-op.
func Map(src, dst string) domain.Transform {
	return mapTransform{src: src, dst: dst}
}

func (t mapTransform) Apply(p domain.Params) (domain.Params, error) {
	p.Rename(t.src, t.dst)
	return p, nil
}

type castTransform struct {
	field string
	typ   domain.AttributeType
}

// Cast parses field into typ. Missing and nil values are left alone; a parse
// failure is a validation error on field.
func Cast(field string, typ domain.AttributeType) domain.Transform {
	return castTransform{field: field, typ: typ}
}

func (t castTransform) Apply(p domain.Params) (domain.Params, error) {
	v, ok := p.Get(t.field)
	if !ok || v == nil {
		return p, nil
	}
	out, err := domain.Coerce(t.typ, v)
	if err != nil {
		return p, apperrors.Validation(t.field, fmt.Sprintf("cannot be cast to %s", t.typ), v)
	}
	p.Set(t.field, out)
	return p, nil
}

type computeTransform struct {
	field string
	fn    ComputeFunc
}

// Compute sets field to the value returned by fn. Compute fns such as Now
// are not replay-pure; they run once, when the command executes.
func Compute(field string, fn ComputeFunc) domain.Transform {
	return computeTransform{field: field, fn: fn}
}

func (t computeTransform) Apply(p domain.Params) (domain.Params, error) {
	v, err := t.fn(p.Clone())
	if err != nil {
		return p, fieldError(t.field, err, nil)
	}
	p.Set(t.field, v)
	return p, nil
}

type computeIfBlankTransform struct {
	field string
	fn    ComputeFunc
}

// ComputeIfBlank is Compute applied only when field is absent, nil or an
// empty string. Identity fields use it to mint an id on creation.
func ComputeIfBlank(field string, fn ComputeFunc) domain.Transform {
	return computeIfBlankTransform{field: field, fn: fn}
}

func (t computeIfBlankTransform) Apply(p domain.Params) (domain.Params, error) {
	if !domain.IsBlank(p.Value(t.field)) {
		return p, nil
	}
	return computeTransform(t).Apply(p)
}

type valueTransform struct {
	field string
	fn    ValueFunc
}

// TransformField replaces the value of an existing field with fn(value).
// A missing field is a no-op.
func TransformField(field string, fn ValueFunc) domain.Transform {
	return valueTransform{field: field, fn: fn}
}

func (t valueTransform) Apply(p domain.Params) (domain.Params, error) {
	v, ok := p.Get(t.field)
	if !ok {
		return p, nil
	}
	out, err := t.fn(v)
	if err != nil {
		return p, fieldError(t.field, err, v)
	}
	p.Set(t.field, out)
	return p, nil
}

type defaultTransform struct {
	field string
	value interface{}
}

// Default sets field to value when it is absent or nil.
func Default(field string, value interface{}) domain.Transform {
	return defaultTransform{field: field, value: value}
}

func (t defaultTransform) Apply(p domain.Params) (domain.Params, error) {
	if v, ok := p.Get(t.field); ok && v != nil {
		return p, nil
	}
	p.Set(t.field, t.value)
	return p, nil
}

type customTransform struct{ fn CustomFunc }

// Custom hands the whole field map to fn.
func Custom(fn CustomFunc) domain.Transform {
	return customTransform{fn: fn}
}

func (t customTransform) Apply(p domain.Params) (domain.Params, error) {
	out, err := t.fn(p.Clone())
	if err != nil {
		return p, fieldError("", err, nil)
	}
	return out, nil
}

// Now computes the current UTC time.
func Now() ComputeFunc {
	return func(domain.Params) (interface{}, error) {
		return time.Now().UTC(), nil
	}
}

// NewUUID computes a time-ordered UUID string.
func NewUUID() ComputeFunc {
	return func(domain.Params) (interface{}, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	}
}

func fieldError(field string, err error, value interface{}) error {
	if _, ok := apperrors.IsAppError(err); ok {
		return err
	}
	return apperrors.Validation(field, err.Error(), value)
}
