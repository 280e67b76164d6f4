package persistence

import (
	"errors"
	"sync"
	"testing"
	"time"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/journal"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJournal records appends and can fail Sync.
type fakeJournal struct {
	journal.NullJournal
	mu      sync.Mutex
	appends []journal.Record
	syncs   int
	syncErr error
}

func (f *fakeJournal) Append(rec *journal.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, *rec)
	return nil
}

func (f *fakeJournal) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.syncErr
}

func (f *fakeJournal) IsEnabled() bool { return true }

// recordingCallback captures writer notifications.
type recordingCallback struct {
	mu     sync.Mutex
	events []string
	done   chan struct{}
	want   int
}

func newRecordingCallback(want int) *recordingCallback {
	return &recordingCallback{done: make(chan struct{}), want: want}
}

func (r *recordingCallback) Done() { r.add("done") }

func (r *recordingCallback) OnError(code brokererrors.ErrorCode, msg string) {
	r.add(code.String() + ":" + msg)
}

func (r *recordingCallback) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if len(r.events) == r.want {
		close(r.done)
	}
}

func (r *recordingCallback) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for writer callbacks")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestWriterCompletesAfterSync(t *testing.T) {
	j := &fakeJournal{}
	w := NewWriter(j, nil, DefaultWriterConfig())
	w.Start()
	defer w.Stop(time.Second)

	cb := newRecordingCallback(3)
	for i := int64(1); i <= 3; i++ {
		rec := journal.Record{Type: journal.RecordAdd, ID: i}
		w.Submit(cb, func() error { return j.Append(&rec) })
	}

	assert.Equal(t, []string{"done", "done", "done"}, cb.wait(t))

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.appends, 3)
	assert.EqualValues(t, 1, j.appends[0].ID)
	assert.EqualValues(t, 3, j.appends[2].ID)
	assert.GreaterOrEqual(t, j.syncs, 1)
}

func TestWriterApplyErrorFailsOnlyThatWrite(t *testing.T) {
	w := NewWriter(&fakeJournal{}, nil, DefaultWriterConfig())
	w.Start()
	defer w.Stop(time.Second)

	cb := newRecordingCallback(2)
	w.Submit(cb, func() error { return errors.New("no space") })
	w.Submit(cb, func() error { return nil })

	assert.Equal(t, []string{"IO_ERROR:no space", "done"}, cb.wait(t))

	_, completed, failed := w.Stats()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	lastErr, at := w.LastError()
	assert.EqualError(t, lastErr, "no space")
	assert.False(t, at.IsZero())
}

func TestWriterSyncErrorFailsBatch(t *testing.T) {
	j := &fakeJournal{syncErr: errors.New("msync failed")}
	w := NewWriter(j, nil, DefaultWriterConfig())
	w.Start()
	defer w.Stop(time.Second)

	cb := newRecordingCallback(1)
	w.Submit(cb, func() error { return nil })

	assert.Equal(t, []string{"IO_ERROR:msync failed"}, cb.wait(t))
}

func TestWriterNotRunning(t *testing.T) {
	w := NewWriter(&fakeJournal{}, nil, DefaultWriterConfig())

	cb := newRecordingCallback(1)
	w.Submit(cb, func() error { return nil })
	assert.Equal(t, []string{"IO_ERROR:journal writer is not running"}, cb.wait(t))

	w.Start()
	w.Stop(time.Second)

	cb2 := newRecordingCallback(1)
	w.Submit(cb2, func() error { return nil })
	assert.Len(t, cb2.wait(t), 1)
}

func TestWriterStopDrainsQueue(t *testing.T) {
	w := NewWriter(&fakeJournal{}, nil, WriterConfig{QueueSize: 128})
	w.Start()

	cb := newRecordingCallback(100)
	for i := 0; i < 100; i++ {
		w.Submit(cb, func() error { return nil })
	}
	w.Stop(5 * time.Second)

	events := cb.wait(t)
	assert.Len(t, events, 100)
	assert.Equal(t, 0, w.Pending())
}

func TestWriterDrivesOperationContext(t *testing.T) {
	w := NewWriter(&fakeJournal{}, nil, DefaultWriterConfig())
	w.Start()
	defer w.Stop(time.Second)

	ctx := NewOperationContext(InlineExecutor{})
	ctx.StoreLineUp()
	w.Submit(ctx, func() error { return nil })

	require.NoError(t, ctx.ScheduleCompletion().Wait(t.Context()))
}

func TestWriterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStorageMetrics(reg)
	w := NewWriter(&fakeJournal{}, m, DefaultWriterConfig())
	w.Start()

	cb := newRecordingCallback(2)
	w.Submit(cb, func() error { return nil })
	w.Submit(cb, func() error { return errors.New("x") })
	cb.wait(t)
	w.Stop(time.Second)

	var ok, failed dto.Metric
	require.NoError(t, m.WritesTotal.WithLabelValues("ok").Write(&ok))
	require.NoError(t, m.WritesTotal.WithLabelValues("error").Write(&failed))
	assert.Equal(t, 1.0, ok.GetCounter().GetValue())
	assert.Equal(t, 1.0, failed.GetCounter().GetValue())

	var depth dto.Metric
	require.NoError(t, m.QueueDepth.Write(&depth))
	assert.Equal(t, 0.0, depth.GetGauge().GetValue())
}

func TestStorageMetricsNilSafe(t *testing.T) {
	var m *StorageMetrics
	m.recordWrite(nil)
	m.recordSync(time.Millisecond, 1)
	m.queued(1)
}
