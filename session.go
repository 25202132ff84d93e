// Package pgwire implements a PostgreSQL frontend/backend wire-protocol
// client engine: connection startup and TLS negotiation, authentication
// (cleartext, MD5, SCRAM-SHA-256), the simple and extended query
// sub-protocols, and typed result assembly — one query in flight per
// session, as the protocol requires.
package pgwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbendium/pgwire/internal/diag"
	"github.com/arbendium/pgwire/internal/metrics"
	"github.com/arbendium/pgwire/internal/protocol"
	"github.com/arbendium/pgwire/internal/scram"
	"github.com/arbendium/pgwire/internal/transport"
	"github.com/arbendium/pgwire/internal/typeconv"
	"github.com/arbendium/pgwire/internal/watchdog"
)

// State is one of the Session's mutually exclusive lifecycle states,
// per spec.md §3.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSSLNegotiating
	StateAuthenticating
	StateReady
	StateBusy
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSSLNegotiating:
		return "ssl_negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var defaultRegistry = typeconv.NewDefaultRegistry()

// SessionOption configures optional ambient collaborators on a Session.
type SessionOption func(*Session)

// WithMetrics wires a shared metrics.Collector into the session, exercised
// for connect/auth/query durations and protocol error counts.
func WithMetrics(c *metrics.Collector) SessionOption {
	return func(s *Session) { s.metrics = c }
}

// WithDiagServer starts an HTTP introspection server (internal/diag) on
// addr once the session connects, serving /metrics, /debug/session, and
// /healthz. Stopped automatically on End.
func WithDiagServer(addr string) SessionOption {
	return func(s *Session) { s.diagAddr = addr }
}

// Session drives one PostgreSQL connection's protocol state machine, per
// spec.md §4.3. Not safe for concurrent Connect/End calls; Query may be
// called concurrently by multiple goroutines (they serialize through the
// query queue).
type Session struct {
	params ConnectionParameters

	mu            sync.Mutex
	state         State
	transport     *transport.Transport
	processID     uint32
	secretKey     uint32
	parsedStmts   map[string]bool
	activeQuery   *Query
	queue         []*Query
	txStatus      byte
	connectErr    error
	connectOnce   sync.Once
	connectDone   chan struct{}
	sessionFailed error

	sessionRegistry *typeconv.Registry

	scramClient   *scram.Client
	authStart     time.Time
	authMechanism string

	watchdog   *watchdog.Watchdog
	metrics    *metrics.Collector
	diagServer *diag.Server
	diagAddr   string

	handlersMu sync.RWMutex
	handlers   handlerSet

	connectedAt time.Time
}

// NewSession constructs a Session from immutable connection parameters.
// It does not dial; call Connect to do so.
func NewSession(params ConnectionParameters, opts ...SessionOption) *Session {
	s := &Session{
		params:          params,
		state:           StateDisconnected,
		parsedStmts:     make(map[string]bool),
		connectDone:     make(chan struct{}),
		sessionRegistry: typeconv.NewSessionRegistry(defaultRegistry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProcessID and SecretKey return the BackendKeyData pair needed to cancel a
// query on this session from another connection. Both are zero until the
// first BackendKeyData arrives during authentication.
func (s *Session) ProcessID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processID
}

func (s *Session) SecretKey() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secretKey
}

// SetTypeParser installs a per-session decoder override for (oid, format),
// per spec.md §6.
func (s *Session) SetTypeParser(oid uint32, format int16, fn typeconv.DecodeFunc) {
	s.sessionRegistry.Set(oid, format, fn)
}

// GetTypeParser returns the per-session override installed for (oid,
// format), if any — it does not fall through to the global default.
func (s *Session) GetTypeParser(oid uint32, format int16) (typeconv.DecodeFunc, bool) {
	return s.sessionRegistry.Get(oid, format)
}

// Connect opens the transport, negotiates TLS if configured, authenticates,
// and blocks until the session reaches Ready (returning nil) or fails. A
// failure is a ConfigError, an AuthenticationError, a *ServerError (an
// ErrorResponse received during startup), or a ConnectionError, which wraps
// dial, TLS/SSL negotiation, transport and context errors.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.params.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return &ConfigError{Reason: fmt.Sprintf("Connect called in state %s", s.state)}
	}
	if s.params.SSL.Mode != transport.TLSDisable {
		s.state = StateSSLNegotiating
	} else {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	connectStart := time.Now()
	opts := transport.Options{
		Host:           s.params.Host,
		Port:           s.params.Port,
		TLSMode:        s.params.SSL.Mode,
		TLSConfig:      s.params.SSL.Config,
		ConnectTimeout: s.params.ConnectTimeout,
		KeepaliveIdle:  s.params.Keepalive.Idle,
	}
	if s.metrics != nil {
		opts.OnRead = s.metrics.BytesRead
		opts.OnWrite = s.metrics.BytesWritten
	}
	t, err := transport.Connect(ctx, opts)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return &ConnectionError{Err: err}
	}

	s.mu.Lock()
	s.transport = t
	s.state = StateAuthenticating
	s.authStart = time.Now()
	s.authMechanism = "none"
	s.mu.Unlock()

	startupMsg := protocol.EncodeStartupMessage(protocol.StartupParams{
		User:                           s.params.User,
		Database:                       s.params.databaseOrUser(),
		ApplicationName:                s.params.ApplicationName,
		Replication:                    s.params.Replication,
		StatementTimeoutMillis:         int(s.params.StatementTimeout / time.Millisecond),
		LockTimeoutMillis:              int(s.params.LockTimeout / time.Millisecond),
		IdleInTransactionTimeoutMillis: int(s.params.IdleInTransactionSessionTimeout / time.Millisecond),
		Options:                        s.params.Options,
	})
	if err := t.Write(startupMsg); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return &ConnectionError{Err: err}
	}

	go s.readLoop()

	select {
	case <-s.connectDone:
	case <-ctx.Done():
		s.mu.Lock()
		s.transport.Destroy()
		s.state = StateFailed
		s.mu.Unlock()
		return &ConnectionError{Err: ctx.Err()}
	}

	s.mu.Lock()
	err = s.connectErr
	s.mu.Unlock()
	if err == nil && s.metrics != nil {
		s.metrics.ConnectDuration(time.Since(connectStart))
	}
	return err
}

// readLoop is the session's single event source: it owns the transport's
// read side and dispatches every parsed Message, mirroring the teacher's
// relay() goroutine shape but interpreting messages instead of copying
// bytes verbatim.
func (s *Session) readLoop() {
	for {
		msg, err := s.transport.ReadMessage()
		if err != nil {
			s.handleTransportEnd(err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.TagAuthentication:
		s.handleAuthentication(msg)
	case protocol.TagBackendKeyData:
		s.mu.Lock()
		s.processID = msg.ProcessID
		s.secretKey = msg.SecretKey
		s.mu.Unlock()
	case protocol.TagParameterStatus:
		// Server-reported settings (server_version, client_encoding, ...);
		// no action needed beyond availability via future extension.
	case protocol.TagReadyForQuery:
		s.handleReadyForQuery(msg)
	case protocol.TagErrorResponse:
		s.handleErrorResponse(msg)
	case protocol.TagNoticeResponse:
		s.emitNotice(Notice{ServerError: newServerError(msg.ErrorFields)})
	case protocol.TagNotificationResp:
		if s.metrics != nil {
			s.metrics.NotificationReceived()
		}
		s.emitNotification(Notification{ProcessID: msg.NotifyPID, Channel: msg.NotifyChannel, Payload: msg.NotifyPayload})
	case protocol.TagParseComplete:
		s.handleParseComplete()
	case protocol.TagBindComplete:
		// marks RowsStreaming; no data to record
	case protocol.TagCloseComplete:
	case protocol.TagRowDescription:
		s.handleRowDescription(msg)
	case protocol.TagNoData:
		s.handleNoData()
	case protocol.TagDataRow:
		s.handleDataRow(msg)
	case protocol.TagCommandComplete:
		s.handleCommandComplete(msg)
	case protocol.TagEmptyQueryResponse:
		s.handleEmptyQueryResponse()
	case protocol.TagPortalSuspended:
		s.handlePortalSuspended()
	default:
		// COPY and other out-of-scope message kinds are not interpreted.
	}
}

func (s *Session) handleAuthentication(msg *protocol.Message) {
	switch msg.AuthType {
	case protocol.AuthOK:
		return

	case protocol.AuthCleartextPassword:
		s.mu.Lock()
		s.authMechanism = "cleartext"
		s.mu.Unlock()
		pw, err := s.params.Password.Resolve()
		if err != nil {
			s.failConnect(&ConfigError{Reason: "resolving password: " + err.Error()})
			return
		}
		s.writeOrFailConnect(protocol.EncodePasswordMessage(pw))

	case protocol.AuthMD5Password:
		s.mu.Lock()
		s.authMechanism = "md5"
		s.mu.Unlock()
		if len(msg.AuthData) < 4 {
			s.failConnect(&AuthenticationError{Reason: "MD5 salt missing"})
			return
		}
		pw, err := s.params.Password.Resolve()
		if err != nil {
			s.failConnect(&ConfigError{Reason: "resolving password: " + err.Error()})
			return
		}
		digest := md5Password(s.params.User, pw, msg.AuthData[:4])
		s.writeOrFailConnect(protocol.EncodePasswordMessage(digest))

	case protocol.AuthSASL:
		s.mu.Lock()
		s.authMechanism = scram.Mechanism
		s.mu.Unlock()
		mechs := scram.ParseMechanisms(msg.AuthData)
		if !scram.SupportsMechanism(mechs) {
			s.failConnect(&AuthenticationError{Reason: fmt.Sprintf("server does not support SCRAM-SHA-256, offered: %v", mechs)})
			return
		}
		pw, err := s.params.Password.Resolve()
		if err != nil {
			s.failConnect(&ConfigError{Reason: "resolving password: " + err.Error()})
			return
		}
		client, err := scram.NewClient(s.params.User, pw, nil)
		if err != nil {
			s.failConnect(&AuthenticationError{Reason: err.Error()})
			return
		}
		s.mu.Lock()
		s.scramClient = client
		s.mu.Unlock()
		first := client.ClientFirstMessage()
		s.writeOrFailConnect(protocol.EncodeSASLInitialResponse(scram.Mechanism, first))

	case protocol.AuthSASLContinue:
		s.mu.Lock()
		client := s.scramClient
		s.mu.Unlock()
		if client == nil {
			s.failConnect(&AuthenticationError{Reason: "SASLContinue received outside SCRAM exchange"})
			return
		}
		final, err := client.ClientFinalMessage(msg.AuthData)
		if err != nil {
			s.failConnect(&AuthenticationError{Reason: err.Error()})
			return
		}
		s.writeOrFailConnect(protocol.EncodeSASLResponse(final))

	case protocol.AuthSASLFinal:
		s.mu.Lock()
		client := s.scramClient
		s.mu.Unlock()
		if client == nil {
			s.failConnect(&AuthenticationError{Reason: "SASLFinal received outside SCRAM exchange"})
			return
		}
		if err := client.VerifyServerFinal(msg.AuthData); err != nil {
			s.failConnect(&AuthenticationError{Reason: err.Error()})
			return
		}

	default:
		s.failConnect(&AuthenticationError{Reason: fmt.Sprintf("unsupported authentication type %d", msg.AuthType)})
	}
}

func (s *Session) writeOrFailConnect(b []byte) {
	if err := s.transport.Write(b); err != nil {
		s.failConnect(&ConnectionError{Err: err})
	}
}

// failConnect fails the connect-completion exactly once; subsequent calls
// are suppressed so the caller is never signalled twice (spec.md §7's
// resolved Open Question: surface the first error, discard duplicates).
func (s *Session) failConnect(err error) {
	s.connectOnce.Do(func() {
		s.mu.Lock()
		s.state = StateFailed
		s.connectErr = err
		s.mu.Unlock()
		close(s.connectDone)
	})
	if s.transport != nil {
		s.transport.Destroy()
	}
}

func (s *Session) handleReadyForQuery(msg *protocol.Message) {
	s.mu.Lock()
	s.txStatus = msg.TxStatus

	switch s.state {
	case StateAuthenticating:
		s.state = StateReady
		s.connectedAt = time.Now()
		authMechanism, authStart := s.authMechanism, s.authStart
		s.mu.Unlock()
		if s.metrics != nil && !authStart.IsZero() {
			s.metrics.AuthDuration(authMechanism, time.Since(authStart))
		}
		s.connectOnce.Do(func() { close(s.connectDone) })
		s.emitConnect()
		s.startWatchdogIfConfigured()
		s.startDiagServerIfConfigured()
		s.pulse()
		return

	case StateBusy:
		q := s.activeQuery
		s.activeQuery = nil
		s.state = StateReady
		s.mu.Unlock()
		if q != nil {
			if s.metrics != nil && !q.startedAt.IsZero() {
				protocolName := "simple"
				if q.needsExtended() {
					protocolName = "extended"
				}
				s.metrics.QueryDuration(protocolName, time.Since(q.startedAt))
			}
			s.finishQuery(q, q.result, q.err)
		}
		s.pulse()
		return

	default:
		s.mu.Unlock()
	}
}

func (s *Session) handleErrorResponse(msg *protocol.Message) {
	se := newServerError(msg.ErrorFields)
	if s.metrics != nil {
		s.metrics.ProtocolError("server_error")
	}

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateSSLNegotiating, StateAuthenticating:
		s.mu.Unlock()
		s.failConnect(se)
		return
	case StateBusy:
		if s.activeQuery != nil {
			s.activeQuery.err = se
		}
		s.mu.Unlock()
		return
	default:
		s.sessionFailed = se
		s.mu.Unlock()
		s.emitError(se)
		return
	}
}

// handleTransportEnd runs when the read loop's ReadMessage call returns an
// error (including a clean EOF): either an explicit End() was already in
// flight (orderly close) or the peer/network failed unexpectedly.
func (s *Session) handleTransportEnd(err error) {
	s.mu.Lock()
	wasEnding := s.state == StateEnding
	if s.state != StateFailed {
		s.state = StateEnded
	}
	active := s.activeQuery
	s.activeQuery = nil
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.connectOnce.Do(func() {
		s.mu.Lock()
		s.connectErr = &ConnectionError{Err: err}
		s.mu.Unlock()
		close(s.connectDone)
	})

	termErr := &ConnectionTerminatedError{Unexpected: !wasEnding}
	if active != nil {
		s.finishQuery(active, nil, termErr)
	}
	for _, q := range pending {
		s.finishQuery(q, nil, termErr)
	}

	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.diagServer != nil {
		s.diagServer.Stop()
	}

	if !wasEnding {
		s.emitError(termErr)
	}
	s.emitEnd()
}

func (s *Session) handleParseComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeQuery != nil && s.activeQuery.Name != "" {
		s.parsedStmts[s.activeQuery.Name] = true
	}
}

func (s *Session) startWatchdogIfConfigured() {
	if !s.params.Keepalive.Enabled || s.params.Keepalive.Idle <= 0 {
		return
	}
	s.watchdog = watchdog.New(s.params.Keepalive.Idle, func() {
		s.emitError(fmt.Errorf("session idle beyond keepalive threshold %s", s.params.Keepalive.Idle))
	})
	s.watchdog.Start()
}

func (s *Session) noteActivity() {
	if s.watchdog != nil {
		s.watchdog.Touch()
	}
}

func (s *Session) startDiagServerIfConfigured() {
	if s.diagAddr == "" {
		return
	}
	s.diagServer = diag.NewServer(s, s.metrics)
	if err := s.diagServer.Start(s.diagAddr); err != nil {
		s.emitError(fmt.Errorf("starting diagnostics server: %w", err))
	}
}

// End marks the session Ending and tears down the transport: if idle, an
// orderly Terminate + half-close; if busy, a hard destroy so a hung backend
// cannot block shutdown, per spec.md §4.3.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateEnding {
		s.mu.Unlock()
		return nil
	}
	busy := s.state == StateBusy
	s.state = StateEnding
	t := s.transport
	s.mu.Unlock()

	if s.diagServer != nil {
		s.diagServer.Stop()
	}

	if t == nil {
		return nil
	}
	if busy {
		return t.Destroy()
	}
	s.emitDrain()
	return t.End()
}

// DiagSnapshot implements internal/diag.SnapshotProvider.
func (s *Session) DiagSnapshot() diag.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := diag.SessionSnapshot{
		State:      s.state.String(),
		ProcessID:  s.processID,
		TxStatus:   string(s.txStatus),
		QueueDepth: len(s.queue),
		Active:     s.activeQuery != nil,
	}
	if !s.connectedAt.IsZero() {
		snap.ConnectedAt = s.connectedAt.Format(time.RFC3339)
	}
	return snap
}

// md5Password computes "md5" + md5(md5(password+user)+salt), per spec.md §4.3.
func md5Password(user, password string, salt []byte) string {
	h1 := md5Sum([]byte(password + user))
	h2 := md5Sum(append(append([]byte(nil), h1...), salt...))
	return "md5" + h2
}
