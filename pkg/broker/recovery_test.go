package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittomq/pkg/journal"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPersistentServer starts a broker journaling to dir. Calling it again
// on the same dir after Stop simulates a restart.
func openPersistentServer(t *testing.T, dir string, opts Options) *Server {
	t.Helper()

	j, err := journal.Open(filepath.Join(dir, "journal", "dittomq.journal"), 0)
	require.NoError(t, err)
	store, err := persistence.OpenBindingStore(persistence.StoreOptions{Path: filepath.Join(dir, "bindings")})
	require.NoError(t, err)

	sm := persistence.NewStorageManager(persistence.ManagerOptions{Journal: j, Store: store})
	srv := NewServer(sm, opts, nil, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	return srv
}

func durableMessage(address, body string) *protocol.Message {
	msg := textMessage(address, body)
	msg.Durable = true
	return msg
}

func TestRecoveryRestoresDurableState(t *testing.T) {
	dir := t.TempDir()

	srv := openPersistentServer(t, dir, testOptions())
	sess, cb := newTestSession(t, srv, autoCommit())
	require.NoError(t, sess.CreateQueue("a", "durable", "", false, true))
	require.NoError(t, sess.CreateQueue("a", "transient", "", false, false))

	first := durableMessage("a", "first")
	require.NoError(t, sess.Send(first))
	require.NoError(t, sess.Send(durableMessage("a", "second")))
	require.NoError(t, sess.Send(textMessage("a", "not durable")))

	// Acknowledge the first message on the durable queue.
	require.NoError(t, sess.CreateConsumer(1, "durable", "", false))
	require.NoError(t, sess.Start())
	require.Len(t, cb.Deliveries(), 2)
	require.NoError(t, sess.Acknowledge(1, first.MessageID))
	require.NoError(t, sess.CloseConsumer(1))

	require.NoError(t, srv.Stop(time.Second))

	srv = openPersistentServer(t, dir, testOptions())
	_, ok := srv.po.queue("transient")
	assert.False(t, ok, "non-durable queue is gone")

	q := mustQueue(t, srv, "durable")
	assert.True(t, q.Durable)
	require.EqualValues(t, 1, q.MessageCount())

	sess, cb = newTestSession(t, srv, autoCommit())
	require.NoError(t, sess.CreateConsumer(1, "durable", "", false))
	require.NoError(t, sess.Start())
	got := cb.Deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "second", string(got[0].msg.Body))

	// IDs resume above everything recovered.
	next := durableMessage("a", "third")
	require.NoError(t, sess.Send(next))
	assert.Greater(t, next.MessageID, got[0].msg.MessageID)
}

func TestRecoveryRestoresPreparedTransaction(t *testing.T) {
	dir := t.TempDir()

	srv := openPersistentServer(t, dir, testOptions())
	setup, _ := newTestSession(t, srv, autoCommit())
	require.NoError(t, setup.CreateQueue("a", "q", "", false, true))

	sess, _ := newXASession(t, srv, "xa")
	xid := testXid("in-doubt")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.Send(durableMessage("a", "prepared")))
	require.NoError(t, sess.XAEnd(xid))
	require.NoError(t, sess.XAPrepare(xid))

	require.NoError(t, srv.Stop(time.Second))

	srv = openPersistentServer(t, dir, testOptions())
	q := mustQueue(t, srv, "q")
	assert.Zero(t, q.MessageCount(), "prepared sends wait for the outcome")

	sess, _ = newXASession(t, srv, "recovering")
	inDoubt, err := sess.XAGetInDoubtXids()
	require.NoError(t, err)
	require.Len(t, inDoubt, 1)
	assert.True(t, inDoubt[0].Equal(xid))

	// Prepared branches survive the reaper.
	assert.Zero(t, srv.rm.reap(time.Now().Add(time.Hour)))

	require.NoError(t, sess.XACommit(xid, false))
	assert.EqualValues(t, 1, q.MessageCount())
}

func TestRecoveryRestoresLargeMessages(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MinLargeMessageSize = 4

	srv := openPersistentServer(t, dir, opts)
	sess, _ := newTestSession(t, srv, autoCommit())
	require.NoError(t, sess.CreateQueue("a", "q", "", false, true))

	header := durableMessage("a", "")
	require.NoError(t, sess.SendLarge(header))
	require.NoError(t, sess.SendContinuations(20, []byte("large "), true))
	require.NoError(t, sess.SendContinuations(20, []byte("body"), false))

	require.NoError(t, srv.Stop(time.Second))

	srv = openPersistentServer(t, dir, opts)
	assert.Equal(t, 1, srv.po.large.count())

	sess, cb := newTestSession(t, srv, autoCommit())
	require.NoError(t, sess.CreateConsumer(1, "q", "", false))
	require.NoError(t, sess.Start())

	got := cb.Deliveries()
	require.Len(t, got, 1)
	assert.True(t, got[0].large)
	assert.EqualValues(t, len("large body"), got[0].bodySize)

	var body []byte
	for _, p := range cb.Continuations() {
		body = append(body, p.body...)
	}
	assert.Equal(t, "large body", string(body))
}
