package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// AttributeType is the semantic type of a resource attribute or command field.
type AttributeType string

const (
	TypeString  AttributeType = "string"
	TypeInteger AttributeType = "integer"
	TypeFloat   AttributeType = "float"
	TypeDecimal AttributeType = "decimal"
	TypeBoolean AttributeType = "boolean"
	TypeTime    AttributeType = "time"
	TypeUUID    AttributeType = "uuid"
	TypeMap     AttributeType = "map"
	TypeAny     AttributeType = "any"
)

// Valid reports whether t is a known attribute type.
func (t AttributeType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeDecimal, TypeBoolean,
		TypeTime, TypeUUID, TypeMap, TypeAny:
		return true
	}
	return false
}

// Attribute is a declared field of the aggregate state.
type Attribute struct {
	Name string
	Type AttributeType
}

// Zero returns the zero value for the attribute's type.
func (a Attribute) Zero() interface{} {
	switch a.Type {
	case TypeString, TypeUUID:
		return ""
	case TypeInteger:
		return int64(0)
	case TypeFloat:
		return float64(0)
	case TypeDecimal:
		return decimal.Zero
	case TypeBoolean:
		return false
	case TypeTime:
		return time.Time{}
	case TypeMap:
		return map[string]interface{}{}
	default:
		return nil
	}
}

// Coerce converts v to the attribute's type.
func (a Attribute) Coerce(v interface{}) (interface{}, error) {
	return Coerce(a.Type, v)
}

// Coerce converts v to the Go representation of t. nil stays nil.
//
// Representations: string → string, integer → int64, float → float64,
// decimal → decimal.Decimal, boolean → bool, time → time.Time (UTC),
// uuid → canonical string, map → map[string]interface{}.
func Coerce(t AttributeType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		return cast.ToStringE(v)
	case TypeInteger:
		if n, ok := v.(json.Number); ok {
			return n.Int64()
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		return cast.ToInt64E(v)
	case TypeFloat:
		if n, ok := v.(json.Number); ok {
			return n.Float64()
		}
		return cast.ToFloat64E(v)
	case TypeDecimal:
		return ToDecimal(v)
	case TypeBoolean:
		return cast.ToBoolE(v)
	case TypeTime:
		return toTime(v)
	case TypeUUID:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		return id.String(), nil
	case TypeMap:
		switch m := v.(type) {
		case map[string]interface{}:
			return m, nil
		case Params:
			return m.Map(), nil
		}
		return cast.ToStringMapE(v)
	case TypeAny, "":
		return v, nil
	}
	return nil, fmt.Errorf("unknown attribute type %q", t)
}

// ToDecimal converts numeric values and numeric strings into a decimal.
func ToDecimal(v interface{}) (decimal.Decimal, error) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, nil
	case *decimal.Decimal:
		if d == nil {
			return decimal.Zero, fmt.Errorf("nil decimal")
		}
		return *d, nil
	case json.Number:
		return decimal.NewFromString(d.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(d))
	case float64:
		return decimal.NewFromFloat(d), nil
	case float32:
		return decimal.NewFromFloat32(d), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		n, err := cast.ToInt64E(d)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromInt(n), nil
	}
	return decimal.Zero, fmt.Errorf("cannot convert %T to decimal", v)
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC(), nil
		}
	}
	parsed, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// IsBlank reports whether v counts as "no value": nil or an empty string.
// Identity fields use it to decide between the creation and mutation paths.
func IsBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
