// Package scram implements the client side of SASL SCRAM-SHA-256 (RFC
// 7677) for PostgreSQL authentication. Unlike a typical SASL library this
// is driven message-by-message by the caller (the root package's Session
// state machine) rather than owning a socket itself — the algorithm here is
// the same three-leg exchange the teacher's pool/scram.go performs directly
// against a net.Conn, restructured around explicit per-message calls
// (ClientFirstMessage, ClientFinalMessage, VerifyServerFinal) so it can sit
// behind the Session/Transport boundary instead of doing its own I/O.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const Mechanism = "SCRAM-SHA-256"

// AuthenticationError reports a SCRAM failure: an unsupported mechanism
// list, a malformed challenge, or a server signature mismatch.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return fmt.Sprintf("SCRAM-SHA-256: %s", e.Reason) }

// Client drives one SCRAM-SHA-256 exchange. Zero value is not usable; use
// NewClient.
type Client struct {
	user     string
	password string

	clientNonce     string
	gs2Header       string
	clientFirstBare string
	saltedPassword  []byte
	authMessage     string
}

// NewClient begins a SCRAM-SHA-256 session for the given user/password.
// nonce, if non-nil, overrides the random client nonce (for deterministic
// tests against RFC 7677 vectors); production callers pass nil.
func NewClient(user, password string, nonce []byte) (*Client, error) {
	if nonce == nil {
		nonce = make([]byte, 18)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("generating SCRAM nonce: %w", err)
		}
	}
	return &Client{
		user:        user,
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonce),
		gs2Header:   "n,,",
	}, nil
}

// SupportsMechanism reports whether the server's offered mechanism list
// (the AuthenticationSASL payload, NUL-separated) includes SCRAM-SHA-256.
func SupportsMechanism(mechanismList []string) bool {
	for _, m := range mechanismList {
		if m == Mechanism {
			return true
		}
	}
	return false
}

// ParseMechanisms splits a NUL-terminated, NUL-separated mechanism list as
// carried by AuthenticationSASL.
func ParseMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

// ClientFirstMessage returns the client-first-message bytes to send as the
// SASLInitialResponse body (mechanism framing is applied by the protocol
// encoder, not here).
func (c *Client) ClientFirstMessage() []byte {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeUsername(c.user), c.clientNonce)
	return []byte(c.gs2Header + c.clientFirstBare)
}

// ClientFinalMessage consumes the server-first-message (AuthenticationSASLContinue
// payload) and returns the client-final-message bytes to send as the
// SASLResponse body.
func (c *Client) ClientFinalMessage(serverFirstMessage []byte) ([]byte, error) {
	nonce, salt, iterations, err := parseServerFirst(string(serverFirstMessage))
	if err != nil {
		return nil, &AuthenticationError{Reason: err.Error()}
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return nil, &AuthenticationError{Reason: "server nonce does not start with client nonce"}
	}

	c.saltedPassword = pbkdf2.Key([]byte(c.password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(c.gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, nonce)

	c.authMessage = c.clientFirstBare + "," + string(serverFirstMessage) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(c.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return []byte(clientFinal), nil
}

// VerifyServerFinal checks the server's v= signature (AuthenticationSASLFinal
// payload) against what we computed from the shared salted password.
func (c *Client) VerifyServerFinal(serverFinalMessage []byte) error {
	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(c.authMessage))
	expected := "v=" + base64.StdEncoding.EncodeToString(expectedSig)

	if string(serverFinalMessage) != expected {
		return &AuthenticationError{Reason: "server signature mismatch"}
	}
	return nil
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
