package pgwire

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/arbendium/pgwire/internal/protocol"
	"github.com/arbendium/pgwire/internal/typeconv"
)

func md5Sum(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// RowMode records the caller's preferred row shape (positional values or
// name-keyed maps). Result assembly does not read it: every Row supports
// both Values and Map whatever RowMode is set.
type RowMode int

const (
	RowModeArray RowMode = iota
	RowModeObject
)

// Query describes one statement to run on a Session: parameter values
// determine whether the simple or extended sub-protocol is used (spec.md
// §5 — a prepared/parameterized query always uses Parse/Bind/Describe/
// Execute; a bare statement with no parameters and no name uses the single
// Query message).
type Query struct {
	Text    string
	Values  []any
	Name    string // non-empty reuses/creates a named prepared statement
	RowMode RowMode

	// Binary, left nil, inherits the session's ConnectionParameters.BinaryDefault
	// (spec.md §4.4 "Binary inheritance"). Set explicitly to override per query.
	Binary  *bool
	Timeout time.Duration

	result    *Result
	err       error
	done      chan struct{}
	completed bool
	startedAt time.Time
}

func (q *Query) needsExtended() bool {
	return q.Name != "" || len(q.Values) > 0
}

// effectiveBinary resolves q's result format: an explicit q.Binary wins,
// otherwise the session's ConnectionParameters.BinaryDefault applies
// (spec.md §4.4 "Binary inheritance").
func (s *Session) effectiveBinary(q *Query) bool {
	if q.Binary != nil {
		return *q.Binary
	}
	return s.params.BinaryDefault
}

// Result is the typed, fully assembled response to a Query: field
// metadata plus every row delivered before CommandComplete.
type Result struct {
	Fields     []protocol.FieldDescriptor
	Rows       []Row
	CommandTag string
	RowCount   int
}

// Row is one decoded row, addressable positionally (Values, Value) or by
// column name (Map).
type Row struct {
	values []any
	fields []protocol.FieldDescriptor
}

func (r Row) Values() []any { return r.values }

func (r Row) Value(i int) any {
	if i < 0 || i >= len(r.values) {
		return nil
	}
	return r.values[i]
}

func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for i, f := range r.fields {
		if i < len(r.values) {
			m[f.Name] = r.values[i]
		}
	}
	return m
}

// Query submits q to the session's FIFO queue and blocks until it
// completes, the session ends, or ctx is cancelled. Multiple goroutines
// may call Query concurrently; queries run strictly one at a time in
// submission order, per spec.md §5's single-query-in-flight invariant.
func (s *Session) Query(ctx context.Context, q *Query) (*Result, error) {
	q.done = make(chan struct{})

	if err := s.enqueue(q); err != nil {
		return nil, err
	}

	select {
	case <-q.done:
		return q.result, q.err
	case <-ctx.Done():
		s.cancelQueued(q)
		return nil, ctx.Err()
	}
}

func (s *Session) enqueue(q *Query) error {
	s.mu.Lock()
	switch s.state {
	case StateEnding, StateEnded, StateFailed:
		s.mu.Unlock()
		return &ClientClosedError{}
	}
	if s.sessionFailed != nil {
		err := s.sessionFailed
		s.mu.Unlock()
		return err
	}
	s.queue = append(s.queue, q)
	s.mu.Unlock()

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = s.params.QueryReadTimeout
	}
	if timeout > 0 {
		time.AfterFunc(timeout, func() { s.timeoutQuery(q, timeout) })
	}

	s.pulse()
	return nil
}

// pulse advances the queue: if the session is Ready and a query is
// waiting, it becomes the active query and is submitted to the wire.
func (s *Session) pulse() {
	s.mu.Lock()
	if s.state != StateReady || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	q := s.queue[0]
	s.queue = s.queue[1:]
	if q.completed {
		// Already resolved by timeout/cancellation while queued.
		s.mu.Unlock()
		s.pulse()
		return
	}
	q.startedAt = time.Now()
	s.activeQuery = q
	s.state = StateBusy
	s.mu.Unlock()
	s.noteActivity()

	if err := s.submit(q); err != nil {
		s.mu.Lock()
		s.activeQuery = nil
		s.state = StateReady
		s.mu.Unlock()
		s.finishQuery(q, nil, err)
		s.pulse()
	}
}

// submit writes q's protocol messages: a single Query for a bare
// parameterless statement, or a Parse/Bind/Describe/Execute/Sync batch
// when parameters or a statement name are involved.
func (s *Session) submit(q *Query) error {
	if !q.needsExtended() {
		return s.transport.Write(protocol.EncodeQuery(q.Text))
	}

	var batch []byte
	alreadyParsed := false
	if q.Name != "" {
		s.mu.Lock()
		alreadyParsed = s.parsedStmts[q.Name]
		s.mu.Unlock()
	}

	if !alreadyParsed {
		batch = append(batch, protocol.EncodeParse(q.Name, q.Text, nil)...)
	}

	binary := s.effectiveBinary(q)

	params := make([]protocol.BindParam, len(q.Values))
	for i, v := range q.Values {
		prepared, err := typeconv.PrepareValue(v)
		if err != nil {
			return &PrepareError{Reason: err.Error()}
		}
		if prepared == nil {
			params[i] = protocol.BindParam{Value: nil, Format: protocol.FormatText}
			continue
		}
		// Raw []byte is a bytea value, the one type whose prepared form is
		// already its genuine binary wire representation — every other
		// prepared value is a stringified scalar with no real binary
		// encoder, so it always goes out as text regardless of binary,
		// per spec.md §9's note that binary parameter encoding is
		// under-specified for non-primitive types.
		if b, ok := prepared.([]byte); ok {
			if binary {
				params[i] = protocol.BindParam{Value: b, Format: protocol.FormatBinary}
			} else {
				params[i] = protocol.BindParam{Value: []byte(typeconv.EncodeByteaText(b)), Format: protocol.FormatText}
			}
			continue
		}
		params[i] = protocol.BindParam{Value: []byte(fmt.Sprint(prepared)), Format: protocol.FormatText}
	}

	resultFormat := protocol.FormatText
	if binary {
		resultFormat = protocol.FormatBinary
	}

	batch = append(batch, protocol.EncodeBind("", q.Name, params, []protocol.FormatCode{resultFormat})...)
	batch = append(batch, protocol.EncodeDescribe(protocol.DescribePortal, "")...)
	batch = append(batch, protocol.EncodeExecute("", 0)...)
	batch = append(batch, protocol.SyncMessage...)

	return s.transport.Write(batch)
}

func (s *Session) handleRowDescription(msg *protocol.Message) {
	s.mu.Lock()
	q := s.activeQuery
	s.mu.Unlock()
	if q == nil {
		return
	}
	q.result = &Result{Fields: msg.Fields}
}

func (s *Session) handleNoData() {
	s.mu.Lock()
	q := s.activeQuery
	s.mu.Unlock()
	if q == nil {
		return
	}
	q.result = &Result{}
}

func (s *Session) handleDataRow(msg *protocol.Message) {
	s.mu.Lock()
	q := s.activeQuery
	s.mu.Unlock()
	if q == nil || q.result == nil {
		return
	}

	values := make([]any, len(msg.Columns))
	for i, col := range msg.Columns {
		if col == nil {
			continue
		}
		var oid uint32
		var format int16
		if i < len(q.result.Fields) {
			oid = q.result.Fields[i].DataTypeOID
			format = int16(q.result.Fields[i].Format)
		}
		decode := s.sessionRegistry.Resolve(oid, format)
		v, err := decode(col)
		if err != nil {
			q.err = &PrepareError{Reason: fmt.Sprintf("decoding column %d: %v", i, err)}
			continue
		}
		values[i] = v
	}
	q.result.Rows = append(q.result.Rows, Row{values: values, fields: q.result.Fields})
}

func (s *Session) handleCommandComplete(msg *protocol.Message) {
	s.mu.Lock()
	q := s.activeQuery
	s.mu.Unlock()
	if q == nil {
		return
	}
	if q.result == nil {
		q.result = &Result{}
	}
	q.result.CommandTag = msg.CommandTag
	q.result.RowCount = len(q.result.Rows)
}

func (s *Session) handleEmptyQueryResponse() {
	s.mu.Lock()
	q := s.activeQuery
	s.mu.Unlock()
	if q == nil {
		return
	}
	q.result = &Result{}
}

func (s *Session) handlePortalSuspended() {
	s.mu.Lock()
	q := s.activeQuery
	s.mu.Unlock()
	if q == nil || q.result == nil {
		return
	}
	q.result.RowCount = len(q.result.Rows)
}

// finishQuery resolves q's done channel exactly once; a query already
// resolved by timeoutQuery is left alone so its caller's first result
// (the timeout) is the one that sticks.
func (s *Session) finishQuery(q *Query, result *Result, err error) {
	s.mu.Lock()
	if q.completed {
		s.mu.Unlock()
		return
	}
	q.completed = true
	q.result = result
	q.err = err
	s.mu.Unlock()
	close(q.done)
}

// timeoutQuery resolves q with QueryTimeoutError immediately, whether it
// is still queued or already active. If active, the submitted batch keeps
// draining in the background — its eventual ReadyForQuery still advances
// the session — but the caller no longer waits for it.
func (s *Session) timeoutQuery(q *Query, timeout time.Duration) {
	s.mu.Lock()
	if q.completed {
		s.mu.Unlock()
		return
	}
	for i, pending := range s.queue {
		if pending == q {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QueryTimeout()
	}
	s.finishQuery(q, nil, &QueryTimeoutError{Timeout: timeout.String()})
}

// cancelQueued removes q from the queue (if still pending) and resolves it
// with CancelledError. If q is already active or completed, this is a
// no-op — the caller's ctx.Done() race already lost.
func (s *Session) cancelQueued(q *Query) {
	s.mu.Lock()
	for i, pending := range s.queue {
		if pending == q {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			s.finishQuery(q, nil, &CancelledError{})
			return
		}
	}
	s.mu.Unlock()
}

// Cancel sends a CancelRequest on a fresh connection for the session's
// currently active query, per spec.md §5. It does not block on the
// cancellation taking effect — the server may respond with an
// ErrorResponse on the original session at any point afterward, or not at
// all if the query already finished.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	processID, secretKey := s.processID, s.secretKey
	host, port := s.params.Host, s.params.Port
	sslMode := s.params.SSL.Mode
	sslConfig := s.params.SSL.Config
	s.mu.Unlock()

	if processID == 0 {
		return &ConfigError{Reason: "cannot cancel: session has no BackendKeyData yet"}
	}
	return sendCancelRequest(ctx, host, port, sslMode, sslConfig, processID, secretKey)
}
