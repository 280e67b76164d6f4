package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittomq/pkg/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, j journal.Journal) *StorageManager {
	t.Helper()
	store, err := OpenBindingStore(StoreOptions{InMemory: true})
	require.NoError(t, err)

	m := NewStorageManager(ManagerOptions{Journal: j, Store: store})
	_, err = m.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(time.Second) })
	return m
}

func TestStorageManagerSessionCycle(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.dat"), 4096)
	require.NoError(t, err)
	m := newManager(t, j)

	exec := NewOrderedExecutor()
	defer exec.Stop()
	sess := m.NewSession(exec)

	sess.Bind()
	assert.True(t, sess.IsBound())
	ctx := sess.Context()
	assert.Same(t, sess.OperationContext(), ctx)

	m.AppendRecord(ctx, journal.Record{Type: journal.RecordAdd, ID: m.NextID(), Payload: []byte("m")})
	m.StoreQueue(ctx, QueueBinding{ID: m.NextID(), Name: "q1", Address: "a"})

	comp := sess.ScheduleCompletion()
	sess.CompleteScheduledOperations()
	sess.ClearBinding()
	assert.False(t, sess.IsBound())

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, comp.Wait(waitCtx))

	q, err := m.Store().GetQueue(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, "a", q.Address)

	res, err := j.Recover()
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
}

func TestStorageManagerUnboundContextIsDetached(t *testing.T) {
	m := newManager(t, nil)
	sess := m.NewSession(InlineExecutor{})

	detached := sess.Context()
	assert.NotSame(t, sess.OperationContext(), detached)

	// A write on a detached context does not hold back the session's completions.
	detached.StoreLineUp()
	comp := sess.ScheduleCompletion()
	select {
	case <-comp.Done():
	default:
		t.Fatal("session completion blocked by detached write")
	}
}

func TestStorageManagerNullJournalSkipsRecords(t *testing.T) {
	m := newManager(t, nil)
	assert.False(t, m.IsPersistent())

	sess := m.NewSession(InlineExecutor{})
	sess.Bind()
	m.AppendRecord(sess.Context(), journal.Record{Type: journal.RecordAdd, ID: 1})
	assert.EqualValues(t, 0, sess.OperationContext().Pending())
	sess.ClearBinding()
}

func TestStorageManagerSeedsIDsFromRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.dat")
	j, err := journal.Open(path, 4096)
	require.NoError(t, err)
	require.NoError(t, j.Append(&journal.Record{Type: journal.RecordAdd, ID: 41}))
	require.NoError(t, j.Sync())

	m := newManager(t, j)
	assert.EqualValues(t, 42, m.NextID())
}

func TestStorageManagerStartTwice(t *testing.T) {
	m := newManager(t, nil)
	_, err := m.Start(context.Background())
	assert.Error(t, err)
}
