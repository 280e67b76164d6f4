package broker

import (
	"context"
	"testing"
	"time"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testXid(gtid string) protocol.Xid {
	return protocol.NewXid(1, []byte(gtid), []byte("branch"))
}

func requireXACode(t *testing.T, err error, code brokererrors.XACode) {
	t.Helper()
	xe, ok := brokererrors.AsXAError(err)
	require.True(t, ok, "expected XA error %s, got %v", code, err)
	assert.Equal(t, code, xe.Code)
}

func newXASession(t *testing.T, srv *Server, name string) (*ServerSession, *recordingCallback) {
	t.Helper()
	return newTestSession(t, srv, SessionOptions{Name: name, XA: true})
}

func TestXATwoPhaseCommit(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newXASession(t, srv, "xa")
	require.NoError(t, sess.CreateQueue("a", "q", "", false, false))

	xid := testXid("tx-1")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.Send(textMessage("a", "1")))
	require.NoError(t, sess.XAEnd(xid))

	q := mustQueue(t, srv, "q")
	assert.Zero(t, q.MessageCount())

	require.NoError(t, sess.XAPrepare(xid))
	inDoubt, err := sess.XAGetInDoubtXids()
	require.NoError(t, err)
	require.Len(t, inDoubt, 1)
	assert.True(t, inDoubt[0].Equal(xid))

	require.NoError(t, sess.XACommit(xid, false))
	assert.EqualValues(t, 1, q.MessageCount())

	inDoubt, err = sess.XAGetInDoubtXids()
	require.NoError(t, err)
	assert.Empty(t, inDoubt)

	requireXACode(t, sess.XACommit(xid, false), brokererrors.XAErNoTA)
}

func TestXAOnePhaseCommit(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newXASession(t, srv, "xa")
	require.NoError(t, sess.CreateQueue("a", "q", "", false, false))

	xid := testXid("tx-1")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.Send(textMessage("a", "1")))
	require.NoError(t, sess.XAEnd(xid))

	// An ended branch that was never prepared is not in doubt.
	inDoubt, err := sess.XAGetInDoubtXids()
	require.NoError(t, err)
	assert.Empty(t, inDoubt)

	requireXACode(t, sess.XACommit(xid, false), brokererrors.XAErProto)
	require.NoError(t, sess.XACommit(xid, true))
	assert.EqualValues(t, 1, mustQueue(t, srv, "q").MessageCount())
}

func TestXARollbackReturnsAcknowledgedMessages(t *testing.T) {
	srv := newTestServer(t, testOptions())
	producer, _ := newTestSession(t, srv, SessionOptions{Name: "producer", AutoCommitSends: true, AutoCommitAcks: true})
	sess, cb := newXASession(t, srv, "xa")

	require.NoError(t, sess.CreateQueue("a", "q", "", false, false))
	require.NoError(t, sess.CreateConsumer(1, "q", "", false))
	require.NoError(t, sess.Start())

	msg := textMessage("a", "1")
	require.NoError(t, producer.Send(msg))
	require.Len(t, cb.Deliveries(), 1)

	xid := testXid("tx-1")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.Acknowledge(1, msg.MessageID))
	require.NoError(t, sess.XAEnd(xid))
	require.NoError(t, sess.XAPrepare(xid))
	require.NoError(t, sess.XARollback(xid))

	got := cb.Deliveries()
	require.Len(t, got, 2, "rolled back acknowledgement is redelivered")
	assert.Equal(t, msg.MessageID, got[1].msg.MessageID)
}

func TestXAProtocolErrors(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newXASession(t, srv, "xa")
	other, _ := newXASession(t, srv, "other")
	plain, _ := newTestSession(t, srv, autoCommit())

	xid := testXid("tx-1")
	requireXACode(t, plain.XAStart(xid), brokererrors.XAErProto)

	require.NoError(t, sess.XAStart(xid))
	requireXACode(t, sess.XAStart(testXid("tx-2")), brokererrors.XAErProto)
	requireXACode(t, other.XAStart(xid), brokererrors.XAErDupID)

	requireXACode(t, sess.XAPrepare(xid), brokererrors.XAErProto)
	requireXACode(t, sess.XAEnd(testXid("tx-2")), brokererrors.XAErProto)
	requireXACode(t, other.XAJoin(testXid("unknown")), brokererrors.XAErNoTA)
	requireXACode(t, sess.XAPrepare(testXid("unknown")), brokererrors.XAErNoTA)
	require.NoError(t, sess.XASuspend())
}

func TestXASuspendResume(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newXASession(t, srv, "xa")
	require.NoError(t, sess.CreateQueue("a", "q", "", false, false))

	xid := testXid("tx-1")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.XASuspend())
	requireXACode(t, sess.XASuspend(), brokererrors.XAErProto)

	// Without an associated branch sends are not transacted.
	require.NoError(t, sess.Send(textMessage("a", "outside")))
	q := mustQueue(t, srv, "q")
	assert.EqualValues(t, 1, q.MessageCount())

	requireXACode(t, sess.XAPrepare(xid), brokererrors.XAErProto)

	require.NoError(t, sess.XAResume(xid))
	require.NoError(t, sess.Send(textMessage("a", "inside")))
	require.NoError(t, sess.XAEnd(xid))
	require.NoError(t, sess.XACommit(xid, true))
	assert.EqualValues(t, 2, q.MessageCount())
}

func TestXAJoinFromAnotherSession(t *testing.T) {
	srv := newTestServer(t, testOptions())
	first, _ := newXASession(t, srv, "first")
	second, _ := newXASession(t, srv, "second")
	require.NoError(t, first.CreateQueue("a", "q", "", false, false))

	xid := testXid("tx-1")
	require.NoError(t, first.XAStart(xid))
	require.NoError(t, first.Send(textMessage("a", "1")))
	require.NoError(t, first.XAEnd(xid))

	require.NoError(t, second.XAJoin(xid))
	require.NoError(t, second.Send(textMessage("a", "2")))
	require.NoError(t, second.XAEnd(xid))

	sends, _ := srv.rm.get(xid).Counts()
	assert.Equal(t, 2, sends)

	require.NoError(t, second.XAPrepare(xid))
	require.NoError(t, first.XACommit(xid, false))
	assert.EqualValues(t, 2, mustQueue(t, srv, "q").MessageCount())
}

func TestXATimeout(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newXASession(t, srv, "xa")
	require.NoError(t, sess.CreateQueue("a", "q", "", false, false))

	timeout, err := sess.XAGetTimeout()
	require.NoError(t, err)
	assert.Equal(t, int(srv.rm.DefaultTimeout()/time.Second), timeout)

	ok, err := sess.XASetTimeout(-1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sess.XASetTimeout(2)
	require.NoError(t, err)
	assert.True(t, ok)
	timeout, err = sess.XAGetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2, timeout)

	xid := testXid("tx-1")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.Send(textMessage("a", "1")))
	require.NoError(t, sess.XAEnd(xid))

	assert.Zero(t, srv.rm.reap(time.Now()))
	assert.Equal(t, 1, srv.rm.reap(time.Now().Add(time.Minute)))
	assert.Zero(t, srv.rm.reap(time.Now().Add(time.Hour)), "already timed out")

	requireXACode(t, sess.XACommit(xid, true), brokererrors.XARBTimeout)
	assert.Nil(t, srv.rm.get(xid))
	assert.Zero(t, mustQueue(t, srv, "q").MessageCount())
}

func TestXAPreparedBranchesAreNotReaped(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newXASession(t, srv, "xa")

	_, err := sess.XASetTimeout(1)
	require.NoError(t, err)

	xid := testXid("tx-1")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.XAEnd(xid))
	require.NoError(t, sess.XAPrepare(xid))

	assert.Zero(t, srv.rm.reap(time.Now().Add(time.Hour)))
	require.NoError(t, sess.XARollback(xid))
}

func TestXAReaperRuns(t *testing.T) {
	opts := testOptions()
	opts.TransactionScanPeriod = 10 * time.Millisecond
	opts.TransactionTimeout = time.Millisecond
	srv := newTestServer(t, opts)
	sess, _ := newXASession(t, srv, "xa")

	xid := testXid("tx-1")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.XAEnd(xid))

	require.Eventually(t, func() bool {
		tx := srv.rm.get(xid)
		return tx != nil && tx.isTimedOut()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestXAHeuristicCompletion(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newXASession(t, srv, "xa")
	require.NoError(t, sess.CreateQueue("a", "q", "", false, false))

	committed := testXid("commit-me")
	rolledBack := testXid("roll-me-back")
	for _, xid := range []protocol.Xid{committed, rolledBack} {
		require.NoError(t, sess.XAStart(xid))
		require.NoError(t, sess.Send(textMessage("a", xid.String())))
		require.NoError(t, sess.XAEnd(xid))
		require.NoError(t, sess.XAPrepare(xid))
	}

	ctx := context.Background()
	require.NoError(t, srv.HeuristicCommit(ctx, committed.String()))
	require.NoError(t, srv.HeuristicRollback(ctx, rolledBack.String()))
	requireXACode(t, srv.HeuristicCommit(ctx, committed.String()), brokererrors.XAErNoTA)
	requireXACode(t, srv.HeuristicCommit(ctx, "not-an-xid"), brokererrors.XAErInval)

	assert.EqualValues(t, 1, mustQueue(t, srv, "q").MessageCount())

	// Heuristic outcomes stay in doubt until forgotten.
	inDoubt, err := sess.XAGetInDoubtXids()
	require.NoError(t, err)
	assert.Len(t, inDoubt, 2)

	requireXACode(t, sess.XACommit(committed, false), brokererrors.XAHeurCom)
	requireXACode(t, sess.XARollback(rolledBack), brokererrors.XAHeurRB)

	require.NoError(t, sess.XAForget(committed))
	requireXACode(t, sess.XAForget(committed), brokererrors.XAErNoTA)
	requireXACode(t, sess.XACommit(committed, false), brokererrors.XAErNoTA)

	infos := srv.Transactions()
	require.Len(t, infos, 1)
	assert.Equal(t, "HEURISTIC_ROLLBACK", infos[0].State)
}

func TestXACloseRollsBackAssociatedBranch(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newXASession(t, srv, "xa")
	require.NoError(t, sess.CreateQueue("a", "q", "", false, false))

	xid := testXid("tx-1")
	require.NoError(t, sess.XAStart(xid))
	require.NoError(t, sess.Send(textMessage("a", "1")))
	require.NoError(t, sess.Close())

	assert.Nil(t, srv.rm.get(xid))
	assert.Zero(t, mustQueue(t, srv, "q").MessageCount())
}
