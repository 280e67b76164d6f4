package broker

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittomq/internal/logger"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/server"
)

// SessionOptions are the client's choices from CREATESESSION.
type SessionOptions struct {
	Name            string
	Username        string
	XA              bool
	AutoCommitSends bool
	AutoCommitAcks  bool
	PreAcknowledge  bool
	DefaultAddress  string
}

// ServerSession is the broker state behind one session channel.
//
// Commands arrive one at a time from the session handler. Deliveries run on
// whichever goroutine made a message available, so consumer state has its
// own locking.
type ServerSession struct {
	name           string
	opts           SessionOptions
	preAcknowledge bool
	createdAt      time.Time

	po       *PostOffice
	rm       *ResourceManager
	storage  *persistence.SessionStorage
	exec     *persistence.OrderedExecutor
	metrics  *BrokerMetrics
	onClose  func(*ServerSession)
	callback server.SessionCallback

	deliverySeq atomic.Int64

	mu             sync.Mutex
	consumers      map[int64]*ServerConsumer
	started        bool
	closed         bool
	tx             *Transaction
	xaTx           *Transaction
	xaTimeout      time.Duration
	pendingLarge   *largeMessage
	tempQueues     []string
	failureRunners []func()
	runnersDone    bool
}

var _ server.Session = (*ServerSession)(nil)

type sessionDeps struct {
	po      *PostOffice
	rm      *ResourceManager
	storage *persistence.SessionStorage
	exec    *persistence.OrderedExecutor
	metrics *BrokerMetrics
	onClose func(*ServerSession)
}

func newServerSession(opts SessionOptions, deps sessionDeps) *ServerSession {
	s := &ServerSession{
		name:           opts.Name,
		opts:           opts,
		preAcknowledge: opts.PreAcknowledge,
		createdAt:      time.Now(),
		po:             deps.po,
		rm:             deps.rm,
		storage:        deps.storage,
		exec:           deps.exec,
		metrics:        deps.metrics,
		onClose:        deps.onClose,
		consumers:      make(map[int64]*ServerConsumer),
		xaTimeout:      deps.rm.DefaultTimeout(),
	}
	if !opts.XA {
		s.tx = newTransaction(s.po, nil, 0)
	}
	return s
}

// SetCallback installs the packet sink for deliveries. It must be called
// before the session receives its first command.
func (s *ServerSession) SetCallback(cb server.SessionCallback) {
	s.callback = cb
}

// Name returns the session name.
func (s *ServerSession) Name() string { return s.name }

// Options returns the options the session was created with.
func (s *ServerSession) Options() SessionOptions { return s.opts }

// CreatedAt returns when the session was created.
func (s *ServerSession) CreatedAt() time.Time { return s.createdAt }

// ConsumerCount returns the number of open consumers.
func (s *ServerSession) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// IsClosed reports whether Close has run.
func (s *ServerSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ServerSession) nextDeliverySeq() int64 {
	return s.deliverySeq.Add(1)
}

// ctx returns the storage context writes of the current command go through.
func (s *ServerSession) ctx() *persistence.OperationContext {
	if s.storage == nil {
		return detachedContext()
	}
	return s.storage.Context()
}

func (s *ServerSession) checkOpenLocked() error {
	if s.closed {
		return brokererrors.NewObjectClosedError("session " + s.name)
	}
	return nil
}

func (s *ServerSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpenLocked()
}

func (s *ServerSession) consumer(id int64) (*ServerConsumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	c, ok := s.consumers[id]
	if !ok {
		return nil, brokererrors.Newf(brokererrors.IllegalState, "cannot find consumer with id %d", id)
	}
	return c, nil
}

func (s *ServerSession) consumerList() []*ServerConsumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ServerConsumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// sendTx returns the transaction sends join, or nil to route them directly.
func (s *ServerSession) sendTx() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.XA {
		return s.xaTx
	}
	if !s.opts.AutoCommitSends {
		return s.tx
	}
	return nil
}

// ackTx returns the transaction acknowledgements join, or nil to settle
// them directly.
func (s *ServerSession) ackTx() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.XA {
		return s.xaTx
	}
	if !s.opts.AutoCommitAcks {
		return s.tx
	}
	return nil
}

// ============================================================================
// Queues
// ============================================================================

func (s *ServerSession) CreateQueue(address, name, filter string, temporary, durable bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.po.createQueue(s.ctx(), address, name, filter, durable, temporary); err != nil {
		return err
	}
	if temporary {
		s.mu.Lock()
		s.tempQueues = append(s.tempQueues, name)
		s.failureRunners = append(s.failureRunners, func() { s.deleteTempQueue(name) })
		s.mu.Unlock()
	}
	return nil
}

func (s *ServerSession) deleteTempQueue(name string) {
	s.mu.Lock()
	for i, n := range s.tempQueues {
		if n == name {
			s.tempQueues = append(s.tempQueues[:i], s.tempQueues[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	err := s.po.deleteQueue(detachedContext(), name)
	if err != nil && !brokererrors.IsQueueDoesNotExist(err) {
		logger.Warn("Failed to delete temporary queue",
			logger.Session(s.name),
			logger.Queue(name),
			logger.Err(err))
	}
}

func (s *ServerSession) DeleteQueue(name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.po.deleteQueue(s.ctx(), name); err != nil {
		return err
	}
	s.mu.Lock()
	for i, n := range s.tempQueues {
		if n == name {
			s.tempQueues = append(s.tempQueues[:i], s.tempQueues[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *ServerSession) ExecuteQueueQuery(name string) (*server.QueueQueryResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q, ok := s.po.queue(name)
	if !ok {
		return &server.QueueQueryResult{Name: name}, nil
	}
	return q.queryResult(), nil
}

func (s *ServerSession) ExecuteBindingQuery(address string) (*server.BindingQueryResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	names := s.po.bindingQuery(address)
	return &server.BindingQueryResult{Exists: len(names) > 0, QueueNames: names}, nil
}

// ============================================================================
// Consumers
// ============================================================================

func (s *ServerSession) CreateConsumer(consumerID int64, queueName, filter string, browseOnly bool) error {
	q, ok := s.po.queue(queueName)
	if !ok {
		return brokererrors.NewQueueDoesNotExistError(queueName)
	}
	f, err := ParseFilter(filter)
	if err != nil {
		return brokererrors.NewInvalidFilterError(filter, err)
	}

	s.mu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, exists := s.consumers[consumerID]; exists {
		s.mu.Unlock()
		return brokererrors.Newf(brokererrors.IllegalState, "consumer %d already exists", consumerID)
	}
	c := newServerConsumer(consumerID, s, q, f, browseOnly, s.po.consumerWindowSize, s.started)
	s.consumers[consumerID] = c
	s.mu.Unlock()

	q.addConsumer(c)
	q.deliver()

	logger.Debug("Consumer created",
		logger.Session(s.name),
		logger.ConsumerID(consumerID),
		logger.Queue(queueName),
		"browse_only", browseOnly)
	return nil
}

func (s *ServerSession) CloseConsumer(consumerID int64) error {
	c, err := s.consumer(consumerID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.consumers, consumerID)
	s.mu.Unlock()

	s.po.cancel(c.close())
	return nil
}

func (s *ServerSession) ReceiveConsumerCredits(consumerID int64, credits int) error {
	c, err := s.consumer(consumerID)
	if err != nil {
		return err
	}
	c.receiveCredits(credits)
	return nil
}

// ForceConsumerDelivery delivers whatever the consumer can take and then a
// marker message so a client blocked in a timed receive returns.
func (s *ServerSession) ForceConsumerDelivery(consumerID, sequence int64) error {
	c, err := s.consumer(consumerID)
	if err != nil {
		return err
	}
	c.queue.deliver()

	marker := &protocol.Message{
		Address:   c.queue.Address,
		Timestamp: time.Now().UnixMilli(),
	}
	marker.SetProperty(PropertyForcedDeliverySeq, strconv.FormatInt(sequence, 10))
	if cb := s.callback; cb != nil {
		cb.SendMessage(marker, consumerID, 0)
	}
	return nil
}

func (s *ServerSession) Start() error {
	s.setStarted(true)
	return nil
}

func (s *ServerSession) Stop() error {
	s.setStarted(false)
	return nil
}

func (s *ServerSession) setStarted(started bool) {
	s.mu.Lock()
	s.started = started
	s.mu.Unlock()

	for _, c := range s.consumerList() {
		c.setStarted(started)
	}
}

// ============================================================================
// Acknowledgement
// ============================================================================

func (s *ServerSession) Acknowledge(consumerID, messageID int64) error {
	c, err := s.consumer(consumerID)
	if err != nil {
		return err
	}
	refs, err := c.acknowledge(messageID)
	if err != nil || len(refs) == 0 {
		return err
	}

	ctx := s.ctx()
	if tx := s.ackTx(); tx != nil {
		if err := tx.addAcks(ctx, refs); err != nil {
			if tx.xid != nil {
				tx.markRollbackOnly()
			}
			s.po.cancel(refs)
			return err
		}
		return nil
	}
	for _, ref := range refs {
		s.po.acknowledge(ctx, ref, true)
	}
	return nil
}

func (s *ServerSession) Expire(consumerID, messageID int64) error {
	c, err := s.consumer(consumerID)
	if err != nil {
		return err
	}
	ref, err := c.removeDelivered(messageID)
	if err != nil {
		return err
	}
	s.po.expire(s.ctx(), ref)
	return nil
}

// ============================================================================
// Local Transactions
// ============================================================================

func (s *ServerSession) Commit() error {
	s.mu.Lock()
	if s.opts.XA {
		s.mu.Unlock()
		return brokererrors.NewIllegalStateError("cannot commit a local transaction on an XA session")
	}
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	tx := s.tx
	s.tx = newTransaction(s.po, nil, 0)
	s.mu.Unlock()

	if err := tx.commit(s.ctx()); err != nil {
		return err
	}
	s.metrics.transaction("commit")
	return nil
}

func (s *ServerSession) Rollback(considerLastMessageAsDelivered bool) error {
	s.mu.Lock()
	if s.opts.XA {
		s.mu.Unlock()
		return brokererrors.NewIllegalStateError("cannot roll back a local transaction on an XA session")
	}
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	tx := s.tx
	s.tx = newTransaction(s.po, nil, 0)
	s.mu.Unlock()

	ctx := s.ctx()
	var refs []*MessageReference
	for _, c := range s.consumerList() {
		refs = append(refs, c.takeDelivering()...)
	}
	refs = append(refs, tx.rollback(ctx)...)
	s.cancelRefs(ctx, refs, considerLastMessageAsDelivered)

	s.metrics.transaction("rollback")
	return nil
}

// cancelRefs returns delivered references to their queues. Unless
// considerLast is set, the most recently delivered one did not count as a
// delivery and its delivery count is restored. Durable references journal
// their new delivery count.
func (s *ServerSession) cancelRefs(ctx *persistence.OperationContext, refs []*MessageReference, considerLast bool) {
	if len(refs) == 0 {
		return
	}
	if !considerLast {
		last := refs[0]
		for _, ref := range refs[1:] {
			if ref.deliverySeq.Load() > last.deliverySeq.Load() {
				last = ref
			}
		}
		if last.deliveryCount.Load() > 0 {
			last.deliveryCount.Add(-1)
		}
	}
	for _, ref := range refs {
		if ref.durable() {
			if err := journalUpdate(s.po.sm, ctx, ref); err != nil {
				logger.Warn("Failed to journal delivery count",
					logger.Session(s.name),
					logger.MessageID(ref.Message.MessageID),
					logger.Err(err))
			}
		}
	}
	s.po.cancel(refs)
}

// ============================================================================
// XA
// ============================================================================

func (s *ServerSession) requireXA() error {
	if !s.opts.XA {
		return brokererrors.NewXAError(brokererrors.XAErProto, "session %s is not an XA session", s.name)
	}
	return nil
}

func (s *ServerSession) XAStart(xid protocol.Xid) error {
	if err := s.requireXA(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.xaTx != nil {
		return brokererrors.NewXAError(brokererrors.XAErProto,
			"cannot start, session is already doing work for transaction %s", s.xaTx.xid)
	}
	tx := newTransaction(s.po, &xid, s.xaTimeout)
	if !s.rm.put(tx) {
		return brokererrors.NewXAError(brokererrors.XAErDupID, "transaction with xid %s already exists", xid)
	}
	s.xaTx = tx
	return nil
}

func (s *ServerSession) XAEnd(xid protocol.Xid) error {
	if err := s.requireXA(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.xaTx != nil {
		if !s.xaTx.xid.Equal(xid) {
			return brokererrors.NewXAError(brokererrors.XAErProto,
				"cannot end, transaction %s is not the session's current transaction", xid)
		}
		s.xaTx = nil
		return nil
	}

	// Ending a suspended branch resumes and ends it.
	tx := s.rm.get(xid)
	if tx == nil {
		return brokererrors.NewXAError(brokererrors.XAErNoTA, "cannot find suspended transaction to end %s", xid)
	}
	if tx.State() != TxSuspended {
		return brokererrors.NewXAError(brokererrors.XAErProto, "transaction %s is not suspended", xid)
	}
	tx.setState(TxActive)
	return nil
}

func (s *ServerSession) XAJoin(xid protocol.Xid) error {
	if err := s.requireXA(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.xaTx != nil {
		return brokererrors.NewXAError(brokererrors.XAErProto,
			"cannot join, session is already doing work for transaction %s", s.xaTx.xid)
	}
	tx := s.rm.get(xid)
	if tx == nil {
		return brokererrors.NewXAError(brokererrors.XAErNoTA, "cannot find xid %s", xid)
	}
	if tx.State() == TxPrepared {
		return brokererrors.NewXAError(brokererrors.XAErProto, "cannot join transaction %s, it is prepared", xid)
	}
	s.xaTx = tx
	return nil
}

func (s *ServerSession) XASuspend() error {
	if err := s.requireXA(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.xaTx == nil {
		return brokererrors.NewXAError(brokererrors.XAErProto, "cannot suspend, session is not doing work in a transaction")
	}
	s.xaTx.setState(TxSuspended)
	s.xaTx = nil
	return nil
}

func (s *ServerSession) XAResume(xid protocol.Xid) error {
	if err := s.requireXA(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.xaTx != nil {
		return brokererrors.NewXAError(brokererrors.XAErProto,
			"cannot resume, session is already doing work for transaction %s", s.xaTx.xid)
	}
	tx := s.rm.get(xid)
	if tx == nil {
		return brokererrors.NewXAError(brokererrors.XAErNoTA, "cannot find xid %s", xid)
	}
	if tx.State() != TxSuspended {
		return brokererrors.NewXAError(brokererrors.XAErProto, "cannot resume transaction %s, it is not suspended", xid)
	}
	tx.setState(TxActive)
	s.xaTx = tx
	return nil
}

// associated reports whether xid is the session's current branch.
func (s *ServerSession) associated(xid protocol.Xid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xaTx != nil && s.xaTx.xid.Equal(xid)
}

// completedHeuristically answers for a branch an operator already completed.
func (s *ServerSession) completedHeuristically(xid protocol.Xid) error {
	if h, ok := s.rm.heuristic(xid); ok {
		if h.Committed {
			return brokererrors.NewXAError(brokererrors.XAHeurCom, "transaction %s was heuristically committed", xid)
		}
		return brokererrors.NewXAError(brokererrors.XAHeurRB, "transaction %s was heuristically rolled back", xid)
	}
	return brokererrors.NewXAError(brokererrors.XAErNoTA, "cannot find xid %s", xid)
}

func (s *ServerSession) XAPrepare(xid protocol.Xid) error {
	if err := s.requireXA(); err != nil {
		return err
	}
	if s.associated(xid) {
		return brokererrors.NewXAError(brokererrors.XAErProto,
			"cannot prepare transaction %s, it is still associated with the session", xid)
	}
	tx := s.rm.get(xid)
	if tx == nil {
		return brokererrors.NewXAError(brokererrors.XAErNoTA, "cannot find xid %s", xid)
	}

	ctx := s.ctx()
	if tx.isTimedOut() {
		s.rm.remove(xid)
		return brokererrors.NewXAError(brokererrors.XARBTimeout, "transaction %s timed out", xid)
	}
	switch tx.State() {
	case TxSuspended:
		return brokererrors.NewXAError(brokererrors.XAErProto, "cannot prepare transaction %s, it is suspended", xid)
	case TxPrepared:
		return brokererrors.NewXAError(brokererrors.XAErProto, "transaction %s is already prepared", xid)
	}
	if tx.isRollbackOnly() {
		s.po.cancel(tx.rollback(ctx))
		s.rm.remove(xid)
		s.metrics.transaction("rollback")
		return brokererrors.NewXAError(brokererrors.XARBRollback, "transaction %s was marked rollback-only", xid)
	}
	if err := tx.prepare(ctx); err != nil {
		return brokererrors.NewXAError(brokererrors.XAErProto, "%v", err)
	}
	logger.Debug("Transaction prepared", logger.Session(s.name), logger.Xid(xid), logger.KeyTxID, tx.id)
	return nil
}

func (s *ServerSession) XACommit(xid protocol.Xid, onePhase bool) error {
	if err := s.requireXA(); err != nil {
		return err
	}
	if s.associated(xid) {
		return brokererrors.NewXAError(brokererrors.XAErProto,
			"cannot commit transaction %s, it is still associated with the session", xid)
	}
	tx := s.rm.get(xid)
	if tx == nil {
		return s.completedHeuristically(xid)
	}

	ctx := s.ctx()
	if tx.isTimedOut() {
		s.rm.remove(xid)
		return brokererrors.NewXAError(brokererrors.XARBTimeout, "transaction %s timed out", xid)
	}
	state := tx.State()
	switch {
	case state == TxSuspended:
		return brokererrors.NewXAError(brokererrors.XAErProto, "cannot commit transaction %s, it is suspended", xid)
	case onePhase && state == TxPrepared:
		return brokererrors.NewXAError(brokererrors.XAErProto, "cannot commit transaction %s in one phase, it is prepared", xid)
	case !onePhase && state != TxPrepared:
		return brokererrors.NewXAError(brokererrors.XAErProto, "cannot commit transaction %s, it is not prepared", xid)
	}
	if onePhase && tx.isRollbackOnly() {
		s.po.cancel(tx.rollback(ctx))
		s.rm.remove(xid)
		s.metrics.transaction("rollback")
		return brokererrors.NewXAError(brokererrors.XARBRollback, "transaction %s was marked rollback-only", xid)
	}

	if err := tx.commit(ctx); err != nil {
		return brokererrors.NewXAError(brokererrors.XAErRMErr, "%v", err)
	}
	s.rm.remove(xid)
	s.metrics.transaction("commit")
	return nil
}

func (s *ServerSession) XARollback(xid protocol.Xid) error {
	if err := s.requireXA(); err != nil {
		return err
	}
	if s.associated(xid) {
		return brokererrors.NewXAError(brokererrors.XAErProto,
			"cannot roll back transaction %s, it is still associated with the session", xid)
	}
	tx := s.rm.get(xid)
	if tx == nil {
		return s.completedHeuristically(xid)
	}
	if tx.isTimedOut() {
		s.rm.remove(xid)
		return nil
	}
	if tx.State() == TxSuspended {
		return brokererrors.NewXAError(brokererrors.XAErProto, "cannot roll back transaction %s, it is suspended", xid)
	}

	s.po.cancel(tx.rollback(s.ctx()))
	s.rm.remove(xid)
	s.metrics.transaction("rollback")
	return nil
}

func (s *ServerSession) XAForget(xid protocol.Xid) error {
	if err := s.requireXA(); err != nil {
		return err
	}
	if !s.rm.forget(s.ctx(), xid) {
		return brokererrors.NewXAError(brokererrors.XAErNoTA, "cannot find heuristic outcome for xid %s", xid)
	}
	return nil
}

func (s *ServerSession) XAGetInDoubtXids() ([]protocol.Xid, error) {
	return s.rm.InDoubt(), nil
}

func (s *ServerSession) XAGetTimeout() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.xaTimeout / time.Second), nil
}

// XASetTimeout sets the timeout for the current and later branches. Zero
// restores the default; negative values are refused.
func (s *ServerSession) XASetTimeout(seconds int) (bool, error) {
	if seconds < 0 {
		return false, nil
	}
	timeout := time.Duration(seconds) * time.Second
	if seconds == 0 {
		timeout = s.rm.DefaultTimeout()
	}

	s.mu.Lock()
	s.xaTimeout = timeout
	tx := s.xaTx
	s.mu.Unlock()

	if tx != nil {
		tx.setTimeout(timeout)
	}
	return true, nil
}

// ============================================================================
// Sending
// ============================================================================

// stamp assigns the server-side message identity.
func (s *ServerSession) stamp(msg *protocol.Message) error {
	if msg.Address == "" {
		msg.Address = s.opts.DefaultAddress
	}
	if msg.Address == "" {
		return brokererrors.NewIllegalStateError("message has no address")
	}
	msg.MessageID = s.po.sm.NextID()
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.UserID == "" {
		msg.UserID = uuid.NewString()
	}
	return nil
}

func (s *ServerSession) Send(msg *protocol.Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.stamp(msg); err != nil {
		return err
	}
	size := int64(protocol.Size(&protocol.SessSend{Message: *msg}))
	return s.routeRefs(s.po.prepareRefs(msg, false, size))
}

// routeRefs enlists refs in the session's transaction or routes them now.
func (s *ServerSession) routeRefs(refs []*MessageReference) error {
	ctx := s.ctx()
	if tx := s.sendTx(); tx != nil {
		if err := tx.addSends(ctx, refs); err != nil {
			if tx.xid != nil {
				tx.markRollbackOnly()
			}
			return err
		}
		return nil
	}
	return s.po.route(ctx, refs)
}

func (s *ServerSession) SendLarge(header *protocol.Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.stamp(header); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingLarge != nil {
		return brokererrors.Newf(brokererrors.IllegalState,
			"large message %d is still being received", s.pendingLarge.id())
	}
	header.Body = nil
	s.pendingLarge = &largeMessage{
		header:  header,
		durable: header.Durable && s.po.sm.Store() != nil,
	}
	return nil
}

func (s *ServerSession) SendContinuations(packetSize int, body []byte, continues bool) error {
	s.mu.Lock()
	lm := s.pendingLarge
	if lm == nil {
		s.mu.Unlock()
		return brokererrors.NewIllegalStateError("no large message is being received")
	}
	if !continues {
		s.pendingLarge = nil
	}
	s.mu.Unlock()

	ctx := s.ctx()
	s.po.large.appendChunk(ctx, lm, packetSize, body)
	if continues {
		return nil
	}

	refs := s.po.prepareRefs(lm.header, true, lm.size)
	s.po.large.register(ctx, lm, len(refs))
	if err := s.routeRefs(refs); err != nil {
		for range refs {
			s.po.large.release(ctx, lm.id())
		}
		return err
	}
	return nil
}

func (s *ServerSession) RequestProducerCredits(address string, credits int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.po.addresses.request(s, address, credits, func(granted int) {
		if cb := s.callback; cb != nil {
			cb.SendProducerCreditsMessage(granted, address, 0)
		}
	})
	return nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close rolls back unfinished work, closes the consumers, deletes the
// session's temporary queues and notifies the callback.
func (s *ServerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := make([]*ServerConsumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[int64]*ServerConsumer)
	tx, xaTx := s.tx, s.xaTx
	s.tx, s.xaTx = nil, nil
	pending := s.pendingLarge
	s.pendingLarge = nil
	temps := append([]string(nil), s.tempQueues...)
	s.mu.Unlock()

	ctx := s.ctx()
	var refs []*MessageReference
	for _, c := range consumers {
		refs = append(refs, c.close()...)
	}
	if tx != nil {
		refs = append(refs, tx.rollback(ctx)...)
	}
	s.cancelRefs(ctx, refs, true)

	if xaTx != nil && xaTx.State() == TxActive {
		s.po.cancel(xaTx.rollback(ctx))
		s.rm.remove(*xaTx.xid)
		s.metrics.transaction("rollback")
	}
	if pending != nil {
		s.po.large.discard(ctx, pending)
	}
	s.po.addresses.cancel(s)

	for _, name := range temps {
		s.deleteTempQueue(name)
	}

	if s.onClose != nil {
		s.onClose(s)
	}
	if cb := s.callback; cb != nil {
		cb.Closed()
	}
	if s.exec != nil {
		go s.exec.Stop()
	}

	logger.Debug("Session closed", logger.Session(s.name), "consumers", len(consumers))
	return nil
}

// RunConnectionFailureRunners runs the registered cleanup once.
func (s *ServerSession) RunConnectionFailureRunners() {
	s.mu.Lock()
	if s.runnersDone {
		s.mu.Unlock()
		return
	}
	s.runnersDone = true
	runners := s.failureRunners
	s.failureRunners = nil
	s.mu.Unlock()

	for _, run := range runners {
		run()
	}
}
