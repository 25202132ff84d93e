package typeconv

import (
	"testing"
	"time"
)

func TestDefaultRegistryDecodesKnownTypes(t *testing.T) {
	r := NewDefaultRegistry()

	fn := r.Resolve(OIDInt4, 0)
	v, err := fn([]byte("42"))
	if err != nil || v != int64(42) {
		t.Errorf("int4 decode: %v, %v", v, err)
	}

	fn = r.Resolve(OIDBool, 0)
	v, err = fn([]byte("t"))
	if err != nil || v != true {
		t.Errorf("bool decode: %v, %v", v, err)
	}

	fn = r.Resolve(OIDText, 0)
	v, err = fn([]byte("hello"))
	if err != nil || v != "hello" {
		t.Errorf("text decode: %v, %v", v, err)
	}
}

func TestDefaultRegistryFallsBackToRawForUnknownOID(t *testing.T) {
	r := NewDefaultRegistry()

	fn := r.Resolve(999999, 0)
	v, err := fn([]byte("raw text"))
	if err != nil || v != "raw text" {
		t.Errorf("text fallback: %v, %v", v, err)
	}

	fn = r.Resolve(999999, 1)
	v, err = fn([]byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	b, ok := v.([]byte)
	if !ok || len(b) != 3 {
		t.Errorf("binary fallback: %v", v)
	}
}

func TestSessionRegistryOverridesDefault(t *testing.T) {
	def := NewDefaultRegistry()
	session := NewSessionRegistry(def)

	session.Set(OIDInt4, 0, func(b []byte) (any, error) { return "overridden", nil })

	fn := session.Resolve(OIDInt4, 0)
	v, err := fn([]byte("42"))
	if err != nil || v != "overridden" {
		t.Errorf("expected override, got %v, %v", v, err)
	}

	// unrelated OID still falls through to the default registry
	fn = session.Resolve(OIDBool, 0)
	v, err = fn([]byte("t"))
	if err != nil || v != true {
		t.Errorf("expected default fallback, got %v, %v", v, err)
	}
}

func TestRegistryGetDoesNotFallThrough(t *testing.T) {
	def := NewDefaultRegistry()
	session := NewSessionRegistry(def)

	_, ok := session.Get(OIDInt4, 0)
	if ok {
		t.Error("Get should not see default registry entries")
	}

	session.Set(OIDInt4, 0, func(b []byte) (any, error) { return nil, nil })
	_, ok = session.Get(OIDInt4, 0)
	if !ok {
		t.Error("Get should see its own overrides")
	}
}

func TestDecodeByteaHexFormat(t *testing.T) {
	r := NewDefaultRegistry()
	fn := r.Resolve(OIDBytea, 0)
	v, err := fn([]byte(`\x48656c6c6f`))
	if err != nil {
		t.Fatal(err)
	}
	b, ok := v.([]byte)
	if !ok || string(b) != "Hello" {
		t.Errorf("got %v, want Hello", v)
	}
}

func TestDecodeNumericText(t *testing.T) {
	r := NewDefaultRegistry()
	fn := r.Resolve(OIDNumeric, 0)
	v, err := fn([]byte("123.456"))
	if err != nil {
		t.Fatal(err)
	}
	if v.(interface{ String() string }).String() != "123.456" {
		t.Errorf("got %v", v)
	}
}

func TestDecodeTimestampTZText(t *testing.T) {
	r := NewDefaultRegistry()
	fn := r.Resolve(OIDTimestampTZ, 0)
	v, err := fn([]byte("2024-01-15 10:30:00-05"))
	if err != nil {
		t.Fatal(err)
	}
	tv, ok := v.(time.Time)
	if !ok {
		t.Fatalf("expected time.Time, got %T", v)
	}
	if tv.Year() != 2024 || tv.Month() != time.January || tv.Day() != 15 {
		t.Errorf("unexpected parsed time: %v", tv)
	}
}

func TestDecodeDateText(t *testing.T) {
	r := NewDefaultRegistry()
	fn := r.Resolve(OIDDate, 0)
	v, err := fn([]byte("2024-03-01"))
	if err != nil {
		t.Fatal(err)
	}
	d, ok := v.(interface{ String() string })
	if !ok {
		t.Fatalf("expected civil.Date-like value, got %T", v)
	}
	if d.String() != "2024-03-01" {
		t.Errorf("got %v", d.String())
	}
}
