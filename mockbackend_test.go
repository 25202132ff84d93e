package pgwire

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
)

// mockbackend_test.go hand-rolls the server side of the wire protocol for
// exercising Session against a real socket without a PostgreSQL server,
// mirroring the teacher's style of testing pool/scram.go against an
// in-process net.Pipe/net.Listener peer rather than mocking the transport.

func beFrame(tag byte, body []byte) []byte {
	buf := make([]byte, 1+4+len(body))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(body)))
	copy(buf[5:], body)
	return buf
}

func beAuthOK() []byte {
	return beFrame('R', make([]byte, 4))
}

func beAuthCleartextPassword() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 3)
	return beFrame('R', body)
}

func beAuthMD5Password(salt []byte) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 5)
	body = append(body, salt...)
	return beFrame('R', body)
}

func beBackendKeyData(pid, secret uint32) []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], pid)
	binary.BigEndian.PutUint32(body[4:8], secret)
	return beFrame('K', body)
}

func beReadyForQuery(status byte) []byte {
	return beFrame('Z', []byte{status})
}

func beRowDescription(names []string, oids []uint32) []byte {
	var body []byte
	cbuf := make([]byte, 2)
	binary.BigEndian.PutUint16(cbuf, uint16(len(names)))
	body = append(body, cbuf...)
	for i, name := range names {
		body = append(body, []byte(name)...)
		body = append(body, 0)
		body = append(body, make([]byte, 4)...) // table oid
		body = append(body, make([]byte, 2)...) // column id
		oidBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(oidBuf, oids[i])
		body = append(body, oidBuf...)
		body = append(body, make([]byte, 2)...) // type size
		body = append(body, make([]byte, 4)...) // type modifier
		body = append(body, make([]byte, 2)...) // format (text)
	}
	return beFrame('T', body)
}

func beDataRow(cols [][]byte) []byte {
	var body []byte
	cbuf := make([]byte, 2)
	binary.BigEndian.PutUint16(cbuf, uint16(len(cols)))
	body = append(body, cbuf...)
	for _, c := range cols {
		lbuf := make([]byte, 4)
		if c == nil {
			binary.BigEndian.PutUint32(lbuf, 0xFFFFFFFF) // int32 -1
			body = append(body, lbuf...)
			continue
		}
		binary.BigEndian.PutUint32(lbuf, uint32(len(c)))
		body = append(body, lbuf...)
		body = append(body, c...)
	}
	return beFrame('D', body)
}

func beCommandComplete(tag string) []byte {
	body := append([]byte(tag), 0)
	return beFrame('C', body)
}

func beErrorResponse(fields map[byte]string) []byte {
	var body []byte
	for k, v := range fields {
		body = append(body, k)
		body = append(body, []byte(v)...)
		body = append(body, 0)
	}
	body = append(body, 0)
	return beFrame('E', body)
}

func beParseComplete() []byte { return beFrame('1', nil) }
func beBindComplete() []byte  { return beFrame('2', nil) }
func beNoData() []byte        { return beFrame('n', nil) }

// readStartupMessage consumes one untagged, length-prefixed frame — the
// StartupMessage a client sends immediately after connecting (SSL is
// disabled in every mock-backend test, so no SSLRequest precedes it).
func readStartupMessage(conn net.Conn) error {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	body := make([]byte, n-4)
	_, err := io.ReadFull(conn, body)
	return err
}

// readTagged reads one tagged frontend frame (tag + 4-byte length + body).
func readTagged(conn net.Conn) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, nil, err
	}
	tag := hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:5])
	var body []byte
	if n > 4 {
		body = make([]byte, n-4)
		if _, err := io.ReadFull(conn, body); err != nil {
			return 0, nil, err
		}
	}
	return tag, body, nil
}

// drainUntilSync reads frontend frames until a Sync ('S') frame, returning
// every frame's tag in order — used by extended-protocol mock handlers that
// don't need to inspect Parse/Bind/Describe/Execute payloads themselves.
func drainUntilSync(conn net.Conn) ([]byte, error) {
	var tags []byte
	for {
		tag, _, err := readTagged(conn)
		if err != nil {
			return tags, err
		}
		tags = append(tags, tag)
		if tag == 'S' {
			return tags, nil
		}
	}
}

func startMockServer(t *testing.T, handle func(net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}
