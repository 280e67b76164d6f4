package servertest

import (
	"sync"

	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/server"
)

// Call is one recorded Session invocation.
type Call struct {
	Method string
	Args   []any
}

// Session is a server.Session that records every call.
//
// Errors and Panics are keyed by method name. Query results are returned as
// configured; nil results are passed through unchanged.
type Session struct {
	SessionName string
	Log         *EventLog

	mu     sync.Mutex
	calls  []Call
	errs   map[string]error
	panics map[string]any

	QueueQuery   *server.QueueQueryResult
	BindingQuery *server.BindingQueryResult
	InDoubtXids  []protocol.Xid
	Timeout      int
	SetTimeoutOK bool
}

var _ server.Session = (*Session)(nil)

// NewSession creates a session named name recording into log. log may be nil.
func NewSession(name string, log *EventLog) *Session {
	return &Session{
		SessionName:  name,
		Log:          log,
		errs:         make(map[string]error),
		panics:       make(map[string]any),
		SetTimeoutOK: true,
	}
}

// FailOn makes method return err.
func (s *Session) FailOn(method string, err error) {
	s.mu.Lock()
	s.errs[method] = err
	s.mu.Unlock()
}

// PanicOn makes method panic with v.
func (s *Session) PanicOn(method string, v any) {
	s.mu.Lock()
	s.panics[method] = v
	s.mu.Unlock()
}

// Calls returns the recorded calls.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Methods returns the names of the recorded calls.
func (s *Session) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}

// CallCount returns how often method was called.
func (s *Session) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastCall returns the last recorded call, or the zero Call.
func (s *Session) LastCall() Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return Call{}
	}
	return s.calls[len(s.calls)-1]
}

func (s *Session) record(method string, args ...any) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
	err := s.errs[method]
	p, shouldPanic := s.panics[method]
	s.mu.Unlock()

	if s.Log != nil {
		s.Log.Add("session:" + method)
	}
	if shouldPanic {
		panic(p)
	}
	return err
}

// ============================================================================
// server.Session
// ============================================================================

func (s *Session) Name() string { return s.SessionName }

func (s *Session) CreateConsumer(consumerID int64, queue, filter string, browseOnly bool) error {
	return s.record("CreateConsumer", consumerID, queue, filter, browseOnly)
}

func (s *Session) CreateQueue(address, name, filter string, temporary, durable bool) error {
	return s.record("CreateQueue", address, name, filter, temporary, durable)
}

func (s *Session) DeleteQueue(name string) error {
	return s.record("DeleteQueue", name)
}

func (s *Session) ExecuteQueueQuery(name string) (*server.QueueQueryResult, error) {
	if err := s.record("ExecuteQueueQuery", name); err != nil {
		return nil, err
	}
	return s.QueueQuery, nil
}

func (s *Session) ExecuteBindingQuery(address string) (*server.BindingQueryResult, error) {
	if err := s.record("ExecuteBindingQuery", address); err != nil {
		return nil, err
	}
	return s.BindingQuery, nil
}

func (s *Session) Acknowledge(consumerID, messageID int64) error {
	return s.record("Acknowledge", consumerID, messageID)
}

func (s *Session) Expire(consumerID, messageID int64) error {
	return s.record("Expire", consumerID, messageID)
}

func (s *Session) Commit() error { return s.record("Commit") }

func (s *Session) Rollback(considerLastMessageAsDelivered bool) error {
	return s.record("Rollback", considerLastMessageAsDelivered)
}

func (s *Session) XAStart(xid protocol.Xid) error   { return s.record("XAStart", xid) }
func (s *Session) XAEnd(xid protocol.Xid) error     { return s.record("XAEnd", xid) }
func (s *Session) XAJoin(xid protocol.Xid) error    { return s.record("XAJoin", xid) }
func (s *Session) XASuspend() error                 { return s.record("XASuspend") }
func (s *Session) XAResume(xid protocol.Xid) error  { return s.record("XAResume", xid) }
func (s *Session) XAPrepare(xid protocol.Xid) error { return s.record("XAPrepare", xid) }
func (s *Session) XAForget(xid protocol.Xid) error  { return s.record("XAForget", xid) }

func (s *Session) XARollback(xid protocol.Xid) error {
	return s.record("XARollback", xid)
}

func (s *Session) XACommit(xid protocol.Xid, onePhase bool) error {
	return s.record("XACommit", xid, onePhase)
}

func (s *Session) XAGetInDoubtXids() ([]protocol.Xid, error) {
	if err := s.record("XAGetInDoubtXids"); err != nil {
		return nil, err
	}
	return s.InDoubtXids, nil
}

func (s *Session) XAGetTimeout() (int, error) {
	if err := s.record("XAGetTimeout"); err != nil {
		return 0, err
	}
	return s.Timeout, nil
}

func (s *Session) XASetTimeout(seconds int) (bool, error) {
	if err := s.record("XASetTimeout", seconds); err != nil {
		return false, err
	}
	return s.SetTimeoutOK, nil
}

func (s *Session) Start() error { return s.record("Start") }
func (s *Session) Stop() error  { return s.record("Stop") }
func (s *Session) Close() error { return s.record("Close") }

func (s *Session) CloseConsumer(consumerID int64) error {
	return s.record("CloseConsumer", consumerID)
}

func (s *Session) ReceiveConsumerCredits(consumerID int64, credits int) error {
	return s.record("ReceiveConsumerCredits", consumerID, credits)
}

func (s *Session) ForceConsumerDelivery(consumerID, sequence int64) error {
	return s.record("ForceConsumerDelivery", consumerID, sequence)
}

func (s *Session) Send(msg *protocol.Message) error {
	return s.record("Send", msg)
}

func (s *Session) SendLarge(header *protocol.Message) error {
	return s.record("SendLarge", header)
}

func (s *Session) SendContinuations(packetSize int, body []byte, continues bool) error {
	return s.record("SendContinuations", packetSize, body, continues)
}

func (s *Session) RequestProducerCredits(address string, credits int) error {
	return s.record("RequestProducerCredits", address, credits)
}

func (s *Session) RunConnectionFailureRunners() {
	_ = s.record("RunConnectionFailureRunners")
}
