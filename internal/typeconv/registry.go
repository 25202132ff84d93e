package typeconv

import (
	"strconv"
	"sync"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Well-known PostgreSQL type OIDs for the built-in default decoders.
// https://www.postgresql.org/docs/current/datatype-oid.html lists the rest;
// anything not named here falls through to raw bytes/string, per spec.md §9.
const (
	OIDBool      = 16
	OIDBytea     = 17
	OIDInt8      = 20
	OIDInt2      = 21
	OIDInt4      = 23
	OIDText      = 25
	OIDFloat4    = 700
	OIDFloat8    = 701
	OIDDate      = 1082
	OIDTimestamp = 1114
	OIDTimestampTZ = 1184
	OIDNumeric   = 1700
	OIDVarchar   = 1043
)

// DecodeFunc converts the raw wire bytes for one non-NULL column into a Go
// value. The format (text 0, binary 1) is part of the registry key, not an
// argument; Result assembly never calls a DecodeFunc for a NULL column.
type DecodeFunc func(bytes []byte) (any, error)

type decoderKey struct {
	oid    uint32
	format int16
}

// Registry is a two-level (oid, format) -> DecodeFunc lookup: a private map
// layered over a shared default map. Resolution checks the private map
// first, then the default map, then falls back to raw bytes (binary) or
// string (text) — spec.md §9's "Type decoder registry".
type Registry struct {
	mu       sync.RWMutex
	private  map[decoderKey]DecodeFunc
	defaults *Registry // nil for the root default registry
}

// NewDefaultRegistry builds the global registry of built-in decoders. There
// is normally exactly one of these, shared read-only by every session; each
// Session layers its own per-session Registry on top via NewSessionRegistry.
func NewDefaultRegistry() *Registry {
	r := &Registry{private: make(map[decoderKey]DecodeFunc)}

	register := func(oid uint32, fn DecodeFunc) {
		r.private[decoderKey{oid: oid, format: int16(0)}] = fn
	}

	register(OIDBool, decodeBoolText)
	register(OIDInt2, decodeIntText)
	register(OIDInt4, decodeIntText)
	register(OIDInt8, decodeIntText)
	register(OIDFloat4, decodeFloatText)
	register(OIDFloat8, decodeFloatText)
	register(OIDNumeric, decodeNumericText)
	register(OIDDate, decodeDateText)
	register(OIDTimestamp, decodeTimestampText)
	register(OIDTimestampTZ, decodeTimestampTZText)
	register(OIDText, decodeTextText)
	register(OIDVarchar, decodeTextText)
	register(OIDBytea, decodeByteaText)

	return r
}

// NewSessionRegistry creates a per-session registry that checks its own
// overrides first and falls back to defaults on miss.
func NewSessionRegistry(defaults *Registry) *Registry {
	return &Registry{private: make(map[decoderKey]DecodeFunc), defaults: defaults}
}

// Set installs or replaces the decoder for (oid, format).
func (r *Registry) Set(oid uint32, format int16, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.private[decoderKey{oid: oid, format: format}] = fn
}

// Get returns the decoder installed for (oid, format), if any, without
// falling through to defaults or a raw-bytes fallback — used by
// Session.getTypeParser (spec.md §6).
func (r *Registry) Get(oid uint32, format int16) (DecodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.private[decoderKey{oid: oid, format: format}]
	return fn, ok
}

// Resolve finds the decoder for (oid, format): this registry's overrides,
// then the default registry's, then a raw fallback (string for text,
// raw bytes for binary).
func (r *Registry) Resolve(oid uint32, format int16) DecodeFunc {
	if fn, ok := r.Get(oid, format); ok {
		return fn
	}
	if r.defaults != nil {
		if fn, ok := r.defaults.Get(oid, format); ok {
			return fn
		}
	}
	if format == 1 {
		return func(b []byte) (any, error) { return append([]byte(nil), b...), nil }
	}
	return func(b []byte) (any, error) { return string(b), nil }
}

func decodeTextText(b []byte) (any, error) { return string(b), nil }

func decodeByteaText(b []byte) (any, error) {
	s := string(b)
	if len(s) >= 2 && s[0:2] == `\x` {
		return hexDecode(s[2:])
	}
	return []byte(s), nil
}

func hexDecode(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexVal(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexVal(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, &PrepareError{Reason: "invalid hex digit in bytea"}
	}
}

func decodeBoolText(b []byte) (any, error) {
	return len(b) == 1 && (b[0] == 't' || b[0] == 'T'), nil
}

func decodeIntText(b []byte) (any, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

func decodeFloatText(b []byte) (any, error) {
	return strconv.ParseFloat(string(b), 64)
}

// decodeNumericText decodes PostgreSQL's arbitrary-precision NUMERIC using
// shopspring/decimal, matching ha1tch-aulsql's choice of that library for
// exact decimal SQL types.
func decodeNumericText(b []byte) (any, error) {
	return decimal.NewFromString(string(b))
}

// decodeDateText decodes a DATE column as a civil.Date (a plain
// year/month/day with no timezone), following the golang-sql/civil
// convention ha1tch-aulsql pulls in alongside its mssql driver.
func decodeDateText(b []byte) (any, error) {
	t, err := time.Parse("2006-01-02", string(b))
	if err != nil {
		return nil, err
	}
	return civil.DateOf(t), nil
}

func decodeTimestampText(b []byte) (any, error) {
	return time.Parse("2006-01-02 15:04:05.999999", string(b))
}

func decodeTimestampTZText(b []byte) (any, error) {
	return time.Parse("2006-01-02 15:04:05.999999-07", string(b))
}
