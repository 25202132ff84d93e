package pgwire

// Event is the closed enumeration of lifecycle events a Session emits via
// On. Dispatch is a direct call from Session's internal state machine, not
// a reflective/dynamic emitter — spec.md §9 "Event emission as a
// cross-cutting concern".
type Event string

const (
	EventConnect      Event = "connect"
	EventEnd          Event = "end"
	EventError        Event = "error"
	EventNotification Event = "notification"
	EventNotice       Event = "notice"
	// EventDrain fires when End is called on an idle session — no active
	// query, so the queue is already empty and teardown can proceed without
	// abandoning in-flight work. A busy session instead hard-destroys the
	// transport (spec.md §4.3 Teardown) and never emits drain.
	EventDrain Event = "drain"
)

// Notification carries a server-side NOTIFY delivered to a LISTEN-ing
// session (spec.md §3 NotificationResponse).
type Notification struct {
	ProcessID uint32
	Channel   string
	Payload   string
}

// Notice carries a server-side NoticeResponse — informational messages not
// tied to any query (e.g. a NOTICE from a PL/pgSQL function).
type Notice struct {
	*ServerError
}

type handlerSet struct {
	onConnect      []func()
	onEnd          []func()
	onError        []func(error)
	onNotification []func(Notification)
	onNotice       []func(Notice)
	onDrain        []func()
}

// On registers handler for event. Handlers run synchronously in
// registration order. Protocol-driven events run on the Session's dispatch
// goroutine (the transport read loop), where a handler that blocks delays
// further protocol dispatch, so handlers should hand off long work to their
// own goroutine. EventDrain handlers run on the goroutine calling End, and
// the keepalive idle error reaches EventError from the watchdog goroutine.
func (s *Session) On(event Event, handler any) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	switch event {
	case EventConnect:
		if h, ok := handler.(func()); ok {
			s.handlers.onConnect = append(s.handlers.onConnect, h)
		}
	case EventEnd:
		if h, ok := handler.(func()); ok {
			s.handlers.onEnd = append(s.handlers.onEnd, h)
		}
	case EventError:
		if h, ok := handler.(func(error)); ok {
			s.handlers.onError = append(s.handlers.onError, h)
		}
	case EventNotification:
		if h, ok := handler.(func(Notification)); ok {
			s.handlers.onNotification = append(s.handlers.onNotification, h)
		}
	case EventNotice:
		if h, ok := handler.(func(Notice)); ok {
			s.handlers.onNotice = append(s.handlers.onNotice, h)
		}
	case EventDrain:
		if h, ok := handler.(func()); ok {
			s.handlers.onDrain = append(s.handlers.onDrain, h)
		}
	}
}

func (s *Session) emitConnect() {
	s.handlersMu.RLock()
	hs := append([]func(){}, s.handlers.onConnect...)
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h()
	}
}

func (s *Session) emitEnd() {
	s.handlersMu.RLock()
	hs := append([]func(){}, s.handlers.onEnd...)
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h()
	}
}

func (s *Session) emitError(err error) {
	s.handlersMu.RLock()
	hs := append([]func(error){}, s.handlers.onError...)
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h(err)
	}
}

func (s *Session) emitNotification(n Notification) {
	s.handlersMu.RLock()
	hs := append([]func(Notification){}, s.handlers.onNotification...)
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h(n)
	}
}

func (s *Session) emitNotice(n Notice) {
	s.handlersMu.RLock()
	hs := append([]func(Notice){}, s.handlers.onNotice...)
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h(n)
	}
}

func (s *Session) emitDrain() {
	s.handlersMu.RLock()
	hs := append([]func(){}, s.handlers.onDrain...)
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h()
	}
}
