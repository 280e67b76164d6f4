package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/internal/telemetry"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/journal"
)

var errWriterStopped = errors.New("journal writer is not running")

// writeTask is one queued durable write, or a sync barrier when apply is nil.
type writeTask struct {
	apply func() error
	cb    IOCallback
}

// Writer applies durable writes on a single goroutine and reports each one to
// its IOCallback after the journal has been synced.
//
// Writes queued back-to-back share one sync (group commit). Callbacks fire in
// the order writes were submitted.
type Writer struct {
	journal journal.Journal
	metrics *StorageMetrics

	queue     chan writeTask
	stopCh    chan struct{}
	stoppedCh chan struct{}

	// awaiting holds callbacks of applied writes waiting for the next sync.
	// Only touched by the writer goroutine.
	awaiting []IOCallback

	// sendMu is held shared by senders and exclusively by Stop, so no task
	// is queued after the writer starts its final drain.
	sendMu  sync.RWMutex
	stopped bool

	mu          sync.Mutex
	started     bool
	pending     int
	completed   int
	failed      int
	lastError   error
	lastErrorAt time.Time
}

// WriterConfig holds configuration for the journal writer.
type WriterConfig struct {
	// QueueSize is the maximum number of queued writes before Submit blocks.
	// Default: 4096
	QueueSize int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{QueueSize: 4096}
}

// NewWriter creates a writer for j. Call Start before submitting writes.
func NewWriter(j journal.Journal, m *StorageMetrics, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultWriterConfig().QueueSize
	}
	return &Writer{
		journal:   j,
		metrics:   m,
		queue:     make(chan writeTask, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins processing writes.
func (w *Writer) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	logger.Debug("Starting journal writer", logger.Component("journal"))
	go w.run()
}

// Stop drains queued writes and stops the writer, waiting at most timeout.
func (w *Writer) Stop(timeout time.Duration) {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	w.sendMu.Lock()
	if !started || w.stopped {
		w.stopped = true
		w.sendMu.Unlock()
		return
	}
	w.stopped = true
	w.sendMu.Unlock()

	close(w.stopCh)

	select {
	case <-w.stoppedCh:
		logger.Debug("Journal writer stopped", logger.Component("journal"))
	case <-time.After(timeout):
		logger.Warn("Journal writer stop timed out", logger.Component("journal"), "pending", w.Pending())
	}
}

// Submit queues apply for execution. cb must already have lined up the write
// (OperationContext.StoreLineUp). Blocks while the queue is full; after Stop
// the write fails with IO_ERROR.
func (w *Writer) Submit(cb IOCallback, apply func() error) {
	w.enqueue(writeTask{apply: apply, cb: cb})
}

// Barrier asks the writer to sync now, completing every applied write.
func (w *Writer) Barrier() {
	w.enqueue(writeTask{})
}

func (w *Writer) enqueue(t writeTask) {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()

	w.mu.Lock()
	running := w.started && !w.stopped
	if running && t.apply != nil {
		w.pending++
	}
	w.mu.Unlock()

	if !running {
		if t.cb != nil {
			t.cb.OnError(brokererrors.IOError, errWriterStopped.Error())
		}
		return
	}

	w.metrics.queued(1)
	w.queue <- t
}

// Pending returns the number of submitted writes not yet completed.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Stats returns write statistics.
func (w *Writer) Stats() (pending, completed, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending, w.completed, w.failed
}

// LastError returns the last write or sync failure and when it happened.
func (w *Writer) LastError() (error, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError, w.lastErrorAt
}

func (w *Writer) run() {
	defer close(w.stoppedCh)

	for {
		select {
		case <-w.stopCh:
			w.drain()
			w.sync()
			return

		case t := <-w.queue:
			w.process(t)
			w.drain()
			w.sync()
		}
	}
}

// drain processes whatever is already queued without blocking.
func (w *Writer) drain() {
	for {
		select {
		case t := <-w.queue:
			w.process(t)
		default:
			return
		}
	}
}

func (w *Writer) process(t writeTask) {
	w.metrics.queued(-1)

	if t.apply == nil {
		w.sync()
		return
	}

	if err := t.apply(); err != nil {
		w.metrics.recordWrite(err)
		w.finish(err)
		logger.Warn("Durable write failed", logger.Component("journal"), logger.Err(err))
		t.cb.OnError(brokererrors.IOError, err.Error())
		return
	}
	w.awaiting = append(w.awaiting, t.cb)
}

// sync flushes the journal and reports every awaiting write.
func (w *Writer) sync() {
	if len(w.awaiting) == 0 {
		return
	}
	batch := w.awaiting
	w.awaiting = nil

	ctx, span := telemetry.StartStorageSpan(context.Background(), telemetry.SpanJournalSync,
		telemetry.JournalRecords(len(batch)))
	start := time.Now()
	err := w.journal.Sync()
	w.metrics.recordSync(time.Since(start), len(batch))
	telemetry.RecordError(ctx, err)
	span.End()

	for _, cb := range batch {
		w.metrics.recordWrite(err)
		w.finish(err)
		if err != nil {
			cb.OnError(brokererrors.IOError, err.Error())
			continue
		}
		cb.Done()
	}

	if err != nil {
		logger.Error("Journal sync failed", logger.Component("journal"),
			"records", len(batch), logger.Err(err))
	}
}

func (w *Writer) finish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending--
	if err != nil {
		w.failed++
		w.lastError = err
		w.lastErrorAt = time.Now()
		return
	}
	w.completed++
}
