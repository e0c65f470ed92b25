package docstore

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Operator is a comparison or containment operator supported by the document store.
type Operator string

// Operator constants.
const (
	OpEqual              Operator = "=="
	OpNotEqual           Operator = "!="
	OpLessThan           Operator = "<"
	OpGreaterThan        Operator = ">"
	OpLessThanOrEqual    Operator = "<="
	OpGreaterThanOrEqual Operator = ">="
	OpArrayContains      Operator = "array-contains"
	OpArrayContainsAny   Operator = "array-contains-any"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not-in"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpEqual, OpNotEqual, OpLessThan, OpGreaterThan, OpLessThanOrEqual,
	OpGreaterThanOrEqual, OpArrayContains, OpArrayContainsAny, OpIn, OpNotIn,
}

// Valid reports whether o is one of the supported operators.
func (o Operator) Valid() bool {
	for _, op := range Operators {
		if op == o {
			return true
		}
	}
	return false
}

// IsInequality reports whether o is a range or negation operator.
// Stores restrict how these combine with each other and with ordering.
func (o Operator) IsInequality() bool {
	switch o {
	case OpNotEqual, OpLessThan, OpGreaterThan, OpLessThanOrEqual, OpGreaterThanOrEqual, OpNotIn:
		return true
	}
	return false
}

// TakesSequence reports whether o expects a sequence of values.
func (o Operator) TakesSequence() bool {
	switch o {
	case OpIn, OpNotIn, OpArrayContainsAny:
		return true
	}
	return false
}

// ParseOperator converts a textual operator into an Operator.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.TrimSpace(s))
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidValue, s)
	}
	return op, nil
}

// Direction is the ordering direction of a query.
type Direction string

// Direction constants.
const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Reference points at another document by its full path ("collection/id[/sub/id]").
type Reference struct {
	Path string
}

// ID returns the last path segment.
func (r Reference) ID() string {
	if i := strings.LastIndex(r.Path, "/"); i >= 0 {
		return r.Path[i+1:]
	}
	return r.Path
}

// Collection returns the collection path of the referenced document.
func (r Reference) Collection() string {
	if i := strings.LastIndex(r.Path, "/"); i >= 0 {
		return r.Path[:i]
	}
	return ""
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Sentinel is a store-managed value resolved when a write is applied.
type Sentinel int

const (
	// ServerTimestamp is replaced with the commit time of the write.
	ServerTimestamp Sentinel = iota + 1
	// DeleteField removes the field on update.
	DeleteField
)

func (s Sentinel) String() string {
	switch s {
	case ServerTimestamp:
		return "ServerTimestamp"
	case DeleteField:
		return "DeleteField"
	default:
		return fmt.Sprintf("Sentinel(%d)", int(s))
	}
}

// Kind classifies a value for the store.
type Kind int

// Kind constants, in store ordering.
const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindTimestamp
	KindString
	KindReference
	KindGeoPoint
	KindArray
	KindMap
	KindSentinel
)

var (
	timeType      = reflect.TypeOf(time.Time{})
	referenceType = reflect.TypeOf(Reference{})
	geoPointType  = reflect.TypeOf(GeoPoint{})
	sentinelType  = reflect.TypeOf(Sentinel(0))
)

// KindOf classifies v.
func KindOf(v any) Kind {
	if v == nil {
		return KindNull
	}
	switch v.(type) {
	case time.Time, *time.Time:
		return KindTimestamp
	case Reference, *Reference:
		return KindReference
	case GeoPoint, *GeoPoint:
		return KindGeoPoint
	case Sentinel:
		return KindSentinel
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return KindNull
		}
		rv = rv.Elem()
	}
	switch rv.Type() {
	case timeType:
		return KindTimestamp
	case referenceType:
		return KindReference
	case geoPointType:
		return KindGeoPoint
	case sentinelType:
		return KindSentinel
	}

	switch rv.Kind() {
	case reflect.String:
		return KindString
	case reflect.Bool:
		return KindBool
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		// numbers are stored as int64
		if rv.Uint() > math.MaxInt64 {
			return KindInvalid
		}
		return KindNumber
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Float32, reflect.Float64:
		return KindNumber
	case reflect.Slice, reflect.Array:
		return KindArray
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return KindMap
		}
	}
	return KindInvalid
}

// IsScalar reports whether k is a single non-container value accepted in queries.
func (k Kind) IsScalar() bool {
	switch k {
	case KindNull, KindBool, KindNumber, KindTimestamp, KindString, KindReference, KindGeoPoint:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindTimestamp:
		return "timestamp"
	case KindString:
		return "string"
	case KindReference:
		return "reference"
	case KindGeoPoint:
		return "geopoint"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindSentinel:
		return "sentinel"
	default:
		return "invalid"
	}
}

// CheckQueryValue verifies that value has the shape op requires: a scalar for comparison
// operators and a sequence of scalars for in, not-in and array-contains-any.
// Sentinels never appear in queries.
func CheckQueryValue(op Operator, value any) error {
	if !op.Valid() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidValue, op)
	}

	kind := KindOf(value)
	if !op.TakesSequence() {
		if !kind.IsScalar() {
			return fmt.Errorf("%w: operator %s requires a scalar value, got %s", ErrInvalidValue, op, kind)
		}
		return nil
	}

	if kind != KindArray {
		return fmt.Errorf("%w: operator %s requires a sequence of values, got %s", ErrInvalidValue, op, kind)
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		if ek := KindOf(elem); !ek.IsScalar() {
			return fmt.Errorf("%w: operator %s element %d must be a scalar, got %s", ErrInvalidValue, op, i, ek)
		}
	}
	return nil
}

// Values flattens a sequence value into a slice. Non-sequence values yield a single element.
func Values(value any) []any {
	if value == nil {
		return []any{nil}
	}
	if vs, ok := value.([]any); ok {
		return vs
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return []any{nil}
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{value}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// Normalize converts a value into its canonical in-memory form: numbers become int64 or
// float64, named scalar types collapse to their base type, pointers are dereferenced, slices
// become []any and string-keyed maps become map[string]any. Unsigned values above
// math.MaxInt64 are returned unchanged and classify as KindInvalid.
func Normalize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string, bool, int64, float64, time.Time, Reference, GeoPoint, Sentinel:
		return v
	case *time.Time:
		if v == nil {
			return nil
		}
		return *v
	case *Reference:
		if v == nil {
			return nil
		}
		return *v
	case *GeoPoint:
		if v == nil {
			return nil
		}
		return *v
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Type() {
	case timeType, referenceType, geoPointType, sentinelType:
		return rv.Interface()
	}

	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			// left as is so that KindOf reports it invalid
			return rv.Interface()
		}
		return int64(u)
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return value
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	}
	return value
}
