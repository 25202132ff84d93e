// Package transport owns the duplex byte stream to a PostgreSQL backend:
// opening the TCP (or domain) socket, performing the SSL pre-handshake, and
// feeding framed protocol.Messages to a Session. It has no knowledge of the
// session state machine — see session.go for that.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/arbendium/pgwire/internal/protocol"
)

// TLSMode selects whether and how a Transport requests a TLS upgrade,
// mirroring ConnectionParameters.ssl-config (spec.md §3).
type TLSMode int

const (
	TLSDisable TLSMode = iota
	TLSPrefer          // request SSL; fall back to plaintext if the server refuses
	TLSRequire         // request SSL; fail if the server refuses
)

// Options configures Transport.Connect.
type Options struct {
	Host string
	Port int

	TLSMode   TLSMode
	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	KeepaliveIdle  time.Duration // 0 disables keepalive

	// OnRead/OnWrite, if set, are called with the number of raw bytes
	// moved on every successful socket read/write — a hook for callers
	// that want byte-throughput metrics without this package depending on
	// any particular metrics library.
	OnRead  func(n int)
	OnWrite func(n int)
}

// SSLUnsupportedError means the server responded 'N' to our SSLRequest
// while TLSMode was TLSRequire.
type SSLUnsupportedError struct{}

func (SSLUnsupportedError) Error() string { return "server does not support SSL" }

// SSLNegotiationError means the server sent something other than 'S'/'N' in
// response to our SSLRequest.
type SSLNegotiationError struct {
	Got byte
}

func (e SSLNegotiationError) Error() string {
	return fmt.Sprintf("unexpected SSL negotiation response byte %q", e.Got)
}

// TransportError wraps any other transport-level failure (dial, read,
// write, TLS handshake) as fatal to the session, per spec.md §7.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Transport owns one net.Conn (plain or TLS-upgraded) to a single backend.
// It is not safe for concurrent Write calls; Session serializes writes.
type Transport struct {
	conn    net.Conn
	decoder *protocol.Decoder
	ending  bool

	onRead  func(n int)
	onWrite func(n int)
}

// Connect opens the socket, performs the SSL pre-handshake if requested,
// and returns a ready-to-use Transport positioned to read the server's
// first post-startup message (normally AuthenticationRequest).
//
// When opts.Host begins with "/", the PostgreSQL domain-socket convention
// is used: the transport connects to {host}/.s.PGSQL.{port} instead of a
// TCP address.
func Connect(ctx context.Context, opts Options) (*Transport, error) {
	conn, err := dial(ctx, opts)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	if opts.KeepaliveIdle > 0 {
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(opts.KeepaliveIdle)
		}
	}

	if opts.TLSMode != TLSDisable {
		conn, err = negotiateSSL(conn, opts)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	return &Transport{conn: conn, decoder: protocol.NewDecoder(0), onRead: opts.OnRead, onWrite: opts.OnWrite}, nil
}

func dial(ctx context.Context, opts Options) (net.Conn, error) {
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}

	if strings.HasPrefix(opts.Host, "/") {
		path := fmt.Sprintf("%s/.s.PGSQL.%d", opts.Host, opts.Port)
		return dialer.DialContext(ctx, "unix", path)
	}
	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port))
	return dialer.DialContext(ctx, "tcp", addr)
}

// negotiateSSL sends SSLRequest and, on the server's 'S' response, upgrades
// conn to TLS using tls.Client. Go's net package already disables Nagle's
// algorithm on every TCP connection it dials, so dial() adds no call of its
// own; the SetNoDelay below restates that setting. A nil opts.TLSConfig is
// replaced by a default config that verifies the server against opts.Host.
func negotiateSSL(conn net.Conn, opts Options) (net.Conn, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if _, err := conn.Write(protocol.SSLRequestMessage); err != nil {
		return nil, &TransportError{Op: "write SSLRequest", Err: err}
	}

	resp := make([]byte, 1)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, &TransportError{Op: "read SSL response", Err: err}
	}

	switch resp[0] {
	case 'S':
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: opts.Host}
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			return nil, &TransportError{Op: "TLS handshake", Err: err}
		}
		return tlsConn, nil
	case 'N':
		if opts.TLSMode == TLSRequire {
			return nil, SSLUnsupportedError{}
		}
		return conn, nil
	default:
		return nil, SSLNegotiationError{Got: resp[0]}
	}
}

// Write sends raw, already-encoded protocol bytes to the backend.
func (t *Transport) Write(b []byte) error {
	n, err := t.conn.Write(b)
	if t.onWrite != nil && n > 0 {
		t.onWrite(n)
	}
	if err != nil {
		return t.classifyError("write", err)
	}
	return nil
}

// ReadMessage blocks until one complete frame is available, reading more
// bytes from the socket as needed. It returns io.EOF (wrapped) when the
// peer has closed the stream in an orderly fashion.
func (t *Transport) ReadMessage() (*protocol.Message, error) {
	for {
		msg, ok, err := t.decoder.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		buf := make([]byte, 65536)
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.decoder.Feed(buf[:n])
			if t.onRead != nil {
				t.onRead(n)
			}
		}
		if err != nil {
			return nil, t.classifyError("read", err)
		}
	}
}

// End writes Terminate and half-closes the write side, letting the server
// observe EOF and close cleanly. Marks the transport as ending so
// subsequent socket errors (ECONNRESET/EPIPE-equivalent) are suppressed.
func (t *Transport) End() error {
	t.ending = true
	if err := t.Write(protocol.TerminateMessage); err != nil {
		// best effort; still attempt the half-close
	}
	if tc, ok := t.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return t.conn.Close()
}

// Destroy hard-closes the socket immediately, used when a hung backend
// must not be allowed to block shutdown (spec.md §4.3 Teardown).
func (t *Transport) Destroy() error {
	t.ending = true
	return t.conn.Close()
}

func (t *Transport) classifyError(op string, err error) error {
	if t.ending && isResetOrPipe(err) {
		return io.EOF
	}
	return &TransportError{Op: op, Err: err}
}

func isResetOrPipe(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "broken pipe")
}

// LocalAddr/RemoteAddr expose the underlying socket's endpoints, useful for
// diagnostics and for cancellation (which must dial the same RemoteAddr).
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *Transport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
