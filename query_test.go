package pgwire

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/arbendium/pgwire/internal/protocol"
)

func connectReadyServer(t *testing.T, serveQueries func(conn net.Conn)) *Session {
	t.Helper()
	host, port := startMockServer(t, func(conn net.Conn) {
		if err := readStartupMessage(conn); err != nil {
			return
		}
		conn.Write(beAuthOK())
		conn.Write(beBackendKeyData(1, 2))
		conn.Write(beReadyForQuery('I'))
		serveQueries(conn)
	})

	s := NewSession(ConnectionParameters{User: "u", Host: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		endCtx, endCancel := context.WithTimeout(context.Background(), time.Second)
		defer endCancel()
		s.End(endCtx)
	})
	return s
}

func TestQuerySimpleProtocolReturnsRows(t *testing.T) {
	s := connectReadyServer(t, func(conn net.Conn) {
		tag, _, err := readTagged(conn)
		if err != nil || tag != 'Q' {
			return
		}
		conn.Write(beRowDescription([]string{"id", "name"}, []uint32{23, 25}))
		conn.Write(beDataRow([][]byte{[]byte("1"), []byte("alice")}))
		conn.Write(beDataRow([][]byte{[]byte("2"), nil}))
		conn.Write(beCommandComplete("SELECT 2"))
		conn.Write(beReadyForQuery('I'))
		io.Copy(io.Discard, conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := s.Query(ctx, &Query{Text: "SELECT id, name FROM users"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.CommandTag != "SELECT 2" || result.RowCount != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Rows[0].Value(0) != int64(1) || result.Rows[0].Value(1) != "alice" {
		t.Errorf("unexpected row 0: %+v", result.Rows[0].Values())
	}
	if result.Rows[1].Value(1) != nil {
		t.Errorf("expected NULL name, got %v", result.Rows[1].Value(1))
	}
	if m := result.Rows[0].Map(); m["name"] != "alice" {
		t.Errorf("Map(): %+v", m)
	}
}

func TestQueryExtendedProtocolWithParams(t *testing.T) {
	s := connectReadyServer(t, func(conn net.Conn) {
		tags, err := drainUntilSync(conn)
		if err != nil {
			return
		}
		if len(tags) == 0 || tags[0] != 'P' {
			t.Errorf("expected Parse as first frame, got tags %v", tags)
		}
		conn.Write(beParseComplete())
		conn.Write(beBindComplete())
		conn.Write(beRowDescription([]string{"count"}, []uint32{20}))
		conn.Write(beDataRow([][]byte{[]byte("7")}))
		conn.Write(beCommandComplete("SELECT 1"))
		conn.Write(beReadyForQuery('I'))
		io.Copy(io.Discard, conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := s.Query(ctx, &Query{Text: "SELECT count(*) FROM t WHERE x = $1", Values: []any{42}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Rows[0].Value(0) != int64(7) {
		t.Errorf("unexpected result: %+v", result.Rows[0].Values())
	}
}

func TestQueryBinaryByteaParameterRoundTrips(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff, 0x80, 0x0a, 0x0d}
	var gotFormat uint16
	var gotValue []byte

	s := connectReadyServer(t, func(conn net.Conn) {
		if _, _, err := readTagged(conn); err != nil { // Parse
			return
		}
		tag, body, err := readTagged(conn)
		if err != nil || tag != 'B' {
			t.Errorf("expected Bind frame, got tag %q, err %v", tag, err)
			return
		}

		// Skip the portal ("") and statement ("stmt") cstrings.
		off := len("\x00stmt\x00")
		formatCount := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		if formatCount != 1 {
			t.Errorf("expected 1 parameter format code, got %d", formatCount)
		}
		gotFormat = binary.BigEndian.Uint16(body[off:])
		off += 2 * formatCount

		off += 2 // param count
		paramLen := int(binary.BigEndian.Uint32(body[off:]))
		off += 4
		gotValue = body[off : off+paramLen]

		if _, _, err := readTagged(conn); err != nil { // Describe
			return
		}
		if _, _, err := readTagged(conn); err != nil { // Execute
			return
		}
		if _, _, err := readTagged(conn); err != nil { // Sync
			return
		}
		conn.Write(beBindComplete())
		conn.Write(beNoData())
		conn.Write(beCommandComplete("SELECT 1"))
		conn.Write(beReadyForQuery('I'))
	})

	wantBinary := true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Query(ctx, &Query{Text: "SELECT $1::bytea", Name: "stmt", Values: []any{raw}, Binary: &wantBinary}); err != nil {
		t.Fatalf("Query: %v", err)
	}

	if gotFormat != uint16(protocol.FormatBinary) {
		t.Errorf("parameter format = %d, want FormatBinary", gotFormat)
	}
	if string(gotValue) != string(raw) {
		t.Errorf("parameter value = %v, want %v (raw bytes, no text escaping)", gotValue, raw)
	}
}

func TestQueryTextByteaParameterIsHexEncoded(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff}
	var gotFormat uint16
	var gotValue []byte

	s := connectReadyServer(t, func(conn net.Conn) {
		if _, _, err := readTagged(conn); err != nil { // Parse
			return
		}
		tag, body, err := readTagged(conn)
		if err != nil || tag != 'B' {
			t.Errorf("expected Bind frame, got tag %q, err %v", tag, err)
			return
		}

		off := len("\x00stmt\x00") // portal "" and statement "stmt"
		formatCount := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		gotFormat = binary.BigEndian.Uint16(body[off:])
		off += 2 * formatCount
		off += 2 // param count
		paramLen := int(binary.BigEndian.Uint32(body[off:]))
		off += 4
		gotValue = body[off : off+paramLen]

		if _, _, err := readTagged(conn); err != nil { // Describe
			return
		}
		if _, _, err := readTagged(conn); err != nil { // Execute
			return
		}
		if _, _, err := readTagged(conn); err != nil { // Sync
			return
		}
		conn.Write(beBindComplete())
		conn.Write(beNoData())
		conn.Write(beCommandComplete("SELECT 1"))
		conn.Write(beReadyForQuery('I'))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Query(ctx, &Query{Text: "SELECT $1::bytea", Name: "stmt", Values: []any{raw}}); err != nil {
		t.Fatalf("Query: %v", err)
	}

	if gotFormat != uint16(protocol.FormatText) {
		t.Errorf("parameter format = %d, want FormatText", gotFormat)
	}
	if string(gotValue) != `\x0001ff` {
		t.Errorf("parameter value = %q, want hex-encoded bytea text %q", gotValue, `\x0001ff`)
	}
}

func TestQueryBinaryDefaultInheritedWhenQueryDoesNotOverride(t *testing.T) {
	var gotResultFormat uint16

	host, port := startMockServer(t, func(conn net.Conn) {
		if err := readStartupMessage(conn); err != nil {
			return
		}
		conn.Write(beAuthOK())
		conn.Write(beBackendKeyData(1, 2))
		conn.Write(beReadyForQuery('I'))

		if _, _, err := readTagged(conn); err != nil { // Parse
			return
		}
		tag, body, err := readTagged(conn)
		if err != nil || tag != 'B' {
			t.Errorf("expected Bind frame, got tag %q, err %v", tag, err)
			return
		}
		off := 2
		formatCount := int(binary.BigEndian.Uint16(body[off:]))
		off += 2 + 2*formatCount + 2 // format codes + param count
		paramLen := int(binary.BigEndian.Uint32(body[off:]))
		off += 4 + paramLen
		resultFormatCount := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		if resultFormatCount != 1 {
			t.Errorf("expected 1 result format code, got %d", resultFormatCount)
		}
		gotResultFormat = binary.BigEndian.Uint16(body[off:])

		if _, _, err := readTagged(conn); err != nil { // Describe
			return
		}
		if _, _, err := readTagged(conn); err != nil { // Execute
			return
		}
		if _, _, err := readTagged(conn); err != nil { // Sync
			return
		}
		conn.Write(beBindComplete())
		conn.Write(beNoData())
		conn.Write(beCommandComplete("SELECT 1"))
		conn.Write(beReadyForQuery('I'))
	})

	s := NewSession(ConnectionParameters{User: "u", Host: host, Port: port, BinaryDefault: true})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		endCtx, endCancel := context.WithTimeout(context.Background(), time.Second)
		defer endCancel()
		s.End(endCtx)
	})

	qctx, qcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer qcancel()
	if _, err := s.Query(qctx, &Query{Text: "SELECT $1", Values: []any{1}}); err != nil {
		t.Fatalf("Query: %v", err)
	}

	if gotResultFormat != uint16(protocol.FormatBinary) {
		t.Errorf("result format = %d, want FormatBinary inherited from BinaryDefault", gotResultFormat)
	}
}

func TestQueryNamedStatementReusedWithoutReparsing(t *testing.T) {
	var parseCount int
	s := connectReadyServer(t, func(conn net.Conn) {
		for i := 0; i < 2; i++ {
			tags, err := drainUntilSync(conn)
			if err != nil {
				return
			}
			parsed := false
			for _, tag := range tags {
				if tag == 'P' {
					parseCount++
					parsed = true
				}
			}
			if parsed {
				conn.Write(beParseComplete())
			}
			conn.Write(beBindComplete())
			conn.Write(beRowDescription([]string{"n"}, []uint32{23}))
			conn.Write(beDataRow([][]byte{[]byte("1")}))
			conn.Write(beCommandComplete("SELECT 1"))
			conn.Write(beReadyForQuery('I'))
		}
		io.Copy(io.Discard, conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		_, err := s.Query(ctx, &Query{Text: "SELECT 1", Name: "stmt1"})
		if err != nil {
			t.Fatalf("Query %d: %v", i, err)
		}
	}

	if parseCount != 1 {
		t.Errorf("expected exactly one Parse for a reused named statement, got %d", parseCount)
	}
}

func TestQueryServerErrorIsScopedToQuery(t *testing.T) {
	s := connectReadyServer(t, func(conn net.Conn) {
		tag, _, err := readTagged(conn)
		if err != nil || tag != 'Q' {
			return
		}
		conn.Write(beErrorResponse(map[byte]string{'S': "ERROR", 'C': "42601", 'M': "syntax error"}))
		conn.Write(beReadyForQuery('I'))

		// session stays usable for a follow-up query
		tag, _, err = readTagged(conn)
		if err != nil || tag != 'Q' {
			return
		}
		conn.Write(beCommandComplete("SELECT 0"))
		conn.Write(beReadyForQuery('I'))
		io.Copy(io.Discard, conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Query(ctx, &Query{Text: "SELECT bogus("})
	if err == nil {
		t.Fatal("expected a ServerError")
	}
	if se, ok := err.(*ServerError); !ok || se.Code != "42601" {
		t.Fatalf("expected ServerError with code 42601, got %#v", err)
	}

	if s.State() != StateReady {
		t.Fatalf("expected session to remain Ready after a scoped server error, got %v", s.State())
	}

	if _, err := s.Query(ctx, &Query{Text: "SELECT 1"}); err != nil {
		t.Fatalf("follow-up query failed: %v", err)
	}
}

func TestQueryTimeoutResolvesEvenWhenServerNeverResponds(t *testing.T) {
	s := connectReadyServer(t, func(conn net.Conn) {
		readTagged(conn) // read the Query but never answer it
		io.Copy(io.Discard, conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := s.Query(ctx, &Query{Text: "SELECT pg_sleep(60)", Timeout: 50 * time.Millisecond})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected QueryTimeoutError")
	}
	if _, ok := err.(*QueryTimeoutError); !ok {
		t.Fatalf("expected *QueryTimeoutError, got %T (%v)", err, err)
	}
	if elapsed > time.Second {
		t.Errorf("timeout took too long to resolve: %v", elapsed)
	}
}

func TestQueryInheritsSessionDefaultReadTimeout(t *testing.T) {
	host, port := startMockServer(t, func(conn net.Conn) {
		if err := readStartupMessage(conn); err != nil {
			return
		}
		conn.Write(beAuthOK())
		conn.Write(beBackendKeyData(1, 2))
		conn.Write(beReadyForQuery('I'))
		readTagged(conn) // read the Query but never answer it
		io.Copy(io.Discard, conn)
	})

	s := NewSession(ConnectionParameters{User: "u", Host: host, Port: port, QueryReadTimeout: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		endCtx, endCancel := context.WithTimeout(context.Background(), time.Second)
		defer endCancel()
		s.End(endCtx)
	})

	start := time.Now()
	_, err := s.Query(ctx, &Query{Text: "SELECT pg_sleep(60)"}) // no per-query Timeout set
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected QueryTimeoutError from the session's QueryReadTimeout default")
	}
	if _, ok := err.(*QueryTimeoutError); !ok {
		t.Fatalf("expected *QueryTimeoutError, got %T (%v)", err, err)
	}
	if elapsed > time.Second {
		t.Errorf("timeout took too long to resolve: %v", elapsed)
	}
}

func TestQueryContextCancellationRemovesQueuedQuery(t *testing.T) {
	unblock := make(chan struct{})
	s := connectReadyServer(t, func(conn net.Conn) {
		// first query blocks until the test unblocks it, holding the session Busy
		readTagged(conn)
		<-unblock
		conn.Write(beCommandComplete("SELECT 0"))
		conn.Write(beReadyForQuery('I'))
		io.Copy(io.Discard, conn)
	})

	firstDone := make(chan struct{})
	go func() {
		s.Query(context.Background(), &Query{Text: "SELECT 1"})
		close(firstDone)
	}()
	time.Sleep(50 * time.Millisecond) // let the first query become active

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Query(ctx, &Query{Text: "SELECT 2"})
	if err == nil {
		t.Fatal("expected context deadline error for the queued second query")
	}

	close(unblock)
	<-firstDone
}
