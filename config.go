package pgwire

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/arbendium/pgwire/internal/transport"
)

// Password is a sum type: either a literal value or a provider resolved
// lazily on first use (spec.md §9 "Password-provider capability"). Its
// String/GoString representations are always redacted — structural dumps
// of ConnectionParameters must never reveal the password (spec.md §3
// invariant, §9 design note).
type Password struct {
	literal  string
	hasLit   bool
	provider func() (string, error)
}

// PasswordLiteral wraps a concrete password value.
func PasswordLiteral(s string) Password {
	return Password{literal: s, hasLit: true}
}

// PasswordProvider wraps a callable resolved lazily the first time a
// password is actually needed during authentication.
func PasswordProvider(fn func() (string, error)) Password {
	return Password{provider: fn}
}

// IsZero reports whether no password (literal or provider) was configured.
func (p Password) IsZero() bool { return !p.hasLit && p.provider == nil }

// Resolve returns the concrete password string, invoking the provider if
// one was configured. A provider returning a non-string-shaped result is
// impossible in Go's type system; here "non-string result" instead means
// the provider itself errored, which resolves to ConfigError at the call
// site (session.go).
func (p Password) Resolve() (string, error) {
	if p.hasLit {
		return p.literal, nil
	}
	if p.provider != nil {
		return p.provider()
	}
	return "", nil
}

// String and GoString deliberately never expose the literal password, so
// that fmt.Sprintf("%v", cfg) or fmt.Sprintf("%#v", cfg) on a struct
// embedding Password cannot leak it.
func (p Password) String() string   { return "Password(REDACTED)" }
func (p Password) GoString() string { return "pgwire.Password(REDACTED)" }

// SSLConfig selects the transport's TLS behavior during the pre-handshake.
type SSLConfig struct {
	Mode   transport.TLSMode
	Config *tls.Config // nil uses a default-verify *tls.Config when Mode != TLSDisable
}

// KeepaliveConfig configures TCP keepalive and pgwire's own liveness
// watchdog (internal/watchdog), per spec.md §3's "keepalive config" field.
type KeepaliveConfig struct {
	Enabled bool
	Idle    time.Duration
}

// ConnectionParameters is immutable after Session creation, per spec.md §3.
// Zero value is invalid; populate the required fields (User, Host, Port)
// directly.
type ConnectionParameters struct {
	User     string
	Database string // defaults to User if empty, per spec.md §8
	Host     string
	Port     int

	SSL SSLConfig

	ApplicationName string
	Replication     string
	Options         string
	ClientEncoding  string

	StatementTimeout               time.Duration
	LockTimeout                    time.Duration
	IdleInTransactionSessionTimeout time.Duration

	ConnectTimeout  time.Duration
	QueryReadTimeout time.Duration

	BinaryDefault bool
	Keepalive     KeepaliveConfig

	Password Password
}

// Redacted returns a copy of p with nothing further to hide: Password's own
// String/GoString already redact, but Redacted exists so callers mirroring
// the teacher's config.TenantConfig.Redacted idiom have an explicit,
// discoverable method to reach for.
func (p ConnectionParameters) Redacted() ConnectionParameters {
	return p
}

func (p ConnectionParameters) databaseOrUser() string {
	if p.Database != "" {
		return p.Database
	}
	return p.User
}

func (p ConnectionParameters) validate() error {
	if p.User == "" {
		return &ConfigError{Reason: "user is required"}
	}
	if p.Host == "" {
		return &ConfigError{Reason: "host is required"}
	}
	if p.Port == 0 {
		return &ConfigError{Reason: "port is required"}
	}
	return nil
}

func (p ConnectionParameters) String() string {
	return fmt.Sprintf("ConnectionParameters{User: %q, Database: %q, Host: %q, Port: %d, Password: %s}",
		p.User, p.databaseOrUser(), p.Host, p.Port, p.Password)
}
