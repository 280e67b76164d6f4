package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// deliverySize is what the recording callback charges per delivered packet.
const deliverySize = 100

type delivery struct {
	msg           *protocol.Message
	consumerID    int64
	deliveryCount int
	large         bool
	bodySize      int64
}

type continuation struct {
	consumerID int64
	body       []byte
	continues  bool
}

type creditGrant struct {
	credits int
	address string
}

// recordingCallback captures everything a session pushes to its client.
type recordingCallback struct {
	mu            sync.Mutex
	deliveries    []delivery
	continuations []continuation
	grants        []creditGrant
	closed        int
}

func (c *recordingCallback) SendMessage(msg *protocol.Message, consumerID int64, deliveryCount int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, delivery{msg: msg, consumerID: consumerID, deliveryCount: deliveryCount})
	return deliverySize
}

func (c *recordingCallback) SendLargeMessage(header *protocol.Message, consumerID, bodySize int64, deliveryCount int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, delivery{
		msg:           header,
		consumerID:    consumerID,
		deliveryCount: deliveryCount,
		large:         true,
		bodySize:      bodySize,
	})
	return deliverySize
}

func (c *recordingCallback) SendLargeMessageContinuation(consumerID int64, body []byte, continues, requiresResponse bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.continuations = append(c.continuations, continuation{consumerID: consumerID, body: body, continues: continues})
	return len(body)
}

func (c *recordingCallback) SendProducerCreditsMessage(credits int, address string, offset int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants = append(c.grants, creditGrant{credits: credits, address: address})
}

func (c *recordingCallback) Closed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *recordingCallback) Deliveries() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.deliveries...)
}

func (c *recordingCallback) Continuations() []continuation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]continuation(nil), c.continuations...)
}

func (c *recordingCallback) Grants() []creditGrant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]creditGrant(nil), c.grants...)
}

func (c *recordingCallback) ClosedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// testOptions are DefaultOptions with the reaper disabled so tests drive it.
func testOptions() Options {
	opts := DefaultOptions()
	opts.TransactionScanPeriod = 0
	return opts
}

// newTestServer starts a non-persistent broker.
func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	sm := persistence.NewStorageManager(persistence.ManagerOptions{})
	srv := NewServer(sm, opts, nil, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	return srv
}

// newTestSession opens a session directly on the broker, bypassing the
// control channel. Deliveries are recorded by the returned callback.
func newTestSession(t *testing.T, srv *Server, opts SessionOptions) (*ServerSession, *recordingCallback) {
	t.Helper()
	if opts.Name == "" {
		opts.Name = t.Name()
	}
	sess := newServerSession(opts, sessionDeps{
		po:      srv.po,
		rm:      srv.rm,
		storage: srv.sm.NewSession(persistence.InlineExecutor{}),
		metrics: srv.metrics,
	})
	cb := &recordingCallback{}
	sess.SetCallback(cb)
	return sess, cb
}

// autoCommit are the options of a plain non-transacted session.
func autoCommit() SessionOptions {
	return SessionOptions{AutoCommitSends: true, AutoCommitAcks: true}
}

func textMessage(address, body string, props ...string) *protocol.Message {
	msg := &protocol.Message{Address: address, Body: []byte(body)}
	for i := 0; i+1 < len(props); i += 2 {
		msg.SetProperty(props[i], props[i+1])
	}
	return msg
}

func mustQueue(t *testing.T, srv *Server, name string) *Queue {
	t.Helper()
	q, ok := srv.po.queue(name)
	require.True(t, ok, "queue %s not found", name)
	return q
}
