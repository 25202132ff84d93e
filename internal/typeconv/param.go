// Package typeconv implements the text-mode parameter encoding rules of
// spec.md §4.1 (prepareValue, array literals) and the OID/format decoder
// registry of spec.md §9. It has no dependency on the wire protocol or
// session packages — it only converts between Go values and the bytes a
// PostgreSQL backend expects on the wire.
package typeconv

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// PrepareError reports that converting a caller-supplied parameter value
// into its wire representation failed — most commonly a circular
// reference discovered while recursing through a ToPostgres capability.
type PrepareError struct {
	Reason string
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare value: %s", e.Reason)
}

// ToPostgresCapability is implemented by caller types that want custom
// control over their wire representation (spec.md §4.1: "objects ... unless
// they expose a toPostgres(prepare) capability, in which case recursively
// prepare the returned value").
type ToPostgresCapability interface {
	ToPostgres(prepare func(any) (any, error)) (any, error)
}

// PrepareValue converts v into the value that should be sent as a
// text-mode parameter: nil passes through as nil (the caller encodes NULL
// as wire length -1), scalars pass through unchanged or are stringified,
// byte slices pass through as raw bytes, slices become array literal
// strings, and everything else is marshaled as JSON unless it implements
// ToPostgresCapability. Idempotent on scalars: PrepareValue(PrepareValue(v))
// == PrepareValue(v) for any v already in prepared form.
func PrepareValue(v any) (any, error) {
	return prepare(v, make(map[uintptr]bool))
}

func prepare(v any, visited map[uintptr]bool) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return t, nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return t, nil
	case time.Time:
		return t.Format(time.RFC3339Nano), nil
	case ToPostgresCapability:
		if id, ok := identityOf(v); ok {
			if visited[id] {
				return nil, &PrepareError{Reason: "circular reference detected in toPostgres chain"}
			}
			visited[id] = true
			defer delete(visited, id)
		}
		inner := func(x any) (any, error) { return prepare(x, visited) }
		out, err := t.ToPostgres(inner)
		if err != nil {
			return nil, err
		}
		return prepare(out, visited)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if id, ok := identityOf(v); ok {
			if visited[id] {
				return nil, &PrepareError{Reason: "circular reference detected in array"}
			}
			visited[id] = true
			defer delete(visited, id)
		}
		lit, err := encodeArray(rv, visited)
		if err != nil {
			return nil, err
		}
		return lit, nil
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
		if id, ok := identityOf(v); ok {
			if visited[id] {
				return nil, &PrepareError{Reason: "circular reference detected via pointer"}
			}
			visited[id] = true
			defer delete(visited, id)
		}
		return prepare(rv.Elem().Interface(), visited)
	case reflect.Map, reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &PrepareError{Reason: "marshaling value as JSON: " + err.Error()}
		}
		return string(b), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// identityOf returns a stable identity for reference-typed values
// (slice/map/pointer) suitable for cycle detection, and false for values
// with no meaningful identity (scalars, strings).
func identityOf(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Ptr:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	}
	return 0, false
}

// encodeArray renders a Go slice/array as a PostgreSQL array literal:
// "{e1,e2,...}", recursing into nested slices, encoding nil elements as
// the bareword NULL, []byte elements as "\\x<hex>", and everything else
// as a double-quoted, backslash-escaped string.
func encodeArray(rv reflect.Value, visited map[uintptr]bool) (string, error) {
	n := rv.Len()
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		elem := rv.Index(i).Interface()
		part, err := encodeArrayElement(elem, visited)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	out := "{"
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	out += "}"
	return out, nil
}

func encodeArrayElement(elem any, visited map[uintptr]bool) (string, error) {
	if elem == nil {
		return "NULL", nil
	}

	if b, ok := elem.([]byte); ok {
		if b == nil {
			return "NULL", nil
		}
		return `\x` + hexEncode(b), nil
	}

	rv := reflect.ValueOf(elem)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return "NULL", nil
		}
		return encodeArrayElement(rv.Elem().Interface(), visited)
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if id, ok := identityOf(elem); ok {
			if visited[id] {
				return "", &PrepareError{Reason: "circular reference detected in nested array"}
			}
			visited[id] = true
			defer delete(visited, id)
		}
		return encodeArray(rv, visited)
	}

	switch t := elem.(type) {
	case string:
		return quoteArrayString(t), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", t), nil
	default:
		return quoteArrayString(fmt.Sprintf("%v", t)), nil
	}
}

func quoteArrayString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	out = append(out, '"')
	return string(out)
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// EncodeByteaText renders b in PostgreSQL's bytea "hex format" text
// representation (\x followed by two hex digits per byte) — the form a
// []byte parameter takes when bound in text mode rather than binary mode.
func EncodeByteaText(b []byte) string {
	return `\x` + hexEncode(b)
}

// EscapeIdentifier quotes s as a PostgreSQL identifier: wraps it in double
// quotes, doubling any embedded double quote. Idempotent on the inner
// content — re-escaping an already-escaped identifier re-doubles the
// quotes, per spec.md §8 invariant 4.
func EscapeIdentifier(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	out = append(out, '"')
	return string(out)
}

// EscapeLiteral quotes s as a PostgreSQL string literal: wraps it in single
// quotes, doubling embedded single quotes and backslashes. If any backslash
// appeared, the result is prefixed with " E" to select the escape-string
// syntax, per spec.md §4.1.
func EscapeLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	hasBackslash := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		if c == '\\' {
			hasBackslash = true
			out = append(out, '\\', '\\')
			continue
		}
		out = append(out, c)
	}
	out = append(out, '\'')
	if hasBackslash {
		return " E" + string(out)
	}
	return string(out)
}

// FormatInt is a small helper kept here (rather than imported per call
// site) so callers building parameter lists don't need strconv directly.
func FormatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
