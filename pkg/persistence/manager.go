package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/pkg/journal"
)

// ManagerOptions configures a StorageManager.
type ManagerOptions struct {
	// Journal receives message and transaction records. Nil uses a NullJournal.
	Journal journal.Journal

	// Store holds queue bindings, large message bodies and heuristic outcomes.
	Store *BindingStore

	// Writer configures the journal writer queue.
	Writer WriterConfig

	// Metrics records writer activity. May be nil.
	Metrics *StorageMetrics
}

// StorageManager owns the journal, the binding store and the writer that
// applies durable writes for every session.
type StorageManager struct {
	journal journal.Journal
	store   *BindingStore
	writer  *Writer

	nextID  atomic.Int64
	started atomic.Bool
}

// NewStorageManager creates a manager. Call Start before use.
func NewStorageManager(opts ManagerOptions) *StorageManager {
	j := opts.Journal
	if j == nil {
		j = journal.NewNullJournal()
	}
	return &StorageManager{
		journal: j,
		store:   opts.Store,
		writer:  NewWriter(j, opts.Metrics, opts.Writer),
	}
}

// Start replays the journal, seeds ID generation above every recovered ID
// and starts the writer. The returned result is what the broker reloads.
func (m *StorageManager) Start(ctx context.Context) (*journal.RecoveryResult, error) {
	if m.started.Swap(true) {
		return nil, errors.New("storage manager already started")
	}

	res, err := m.journal.Recover()
	if err != nil {
		return nil, fmt.Errorf("journal recovery failed: %w", err)
	}

	maxID := res.MaxID
	if m.store != nil {
		queues, err := m.store.ListQueues(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load queue bindings: %w", err)
		}
		for _, q := range queues {
			if q.ID > maxID {
				maxID = q.ID
			}
		}
		lmIDs, err := m.store.LargeMessageIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load large messages: %w", err)
		}
		for _, id := range lmIDs {
			if id > maxID {
				maxID = id
			}
		}
	}
	m.nextID.Store(maxID)

	m.writer.Start()

	logger.Info("Storage started",
		logger.Component("storage"),
		"persistent", m.journal.IsEnabled(),
		"records", len(res.Records),
		"prepared", len(res.Prepared))
	return res, nil
}

// Stop drains the writer and closes the journal and store.
func (m *StorageManager) Stop(timeout time.Duration) error {
	m.writer.Stop(timeout)

	var errs []error
	if err := m.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close binding store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NextID returns a new unique record, queue or transaction ID.
func (m *StorageManager) NextID() int64 {
	return m.nextID.Add(1)
}

// IsPersistent reports whether message records reach a durable journal.
func (m *StorageManager) IsPersistent() bool {
	return m.journal.IsEnabled()
}

// Store returns the binding store (nil when none is configured).
func (m *StorageManager) Store() *BindingStore {
	return m.store
}

// Writer returns the journal writer.
func (m *StorageManager) Writer() *Writer {
	return m.writer
}

// ============================================================================
// Durable Operations
// ============================================================================
//
// Each operation lines the write up on ctx before handing it to the writer,
// so a completion scheduled afterwards on ctx waits for it.

// AppendRecord journals rec. Without a durable journal it is a no-op.
func (m *StorageManager) AppendRecord(ctx *OperationContext, rec journal.Record) {
	if !m.journal.IsEnabled() {
		return
	}
	m.submit(ctx, func() error {
		return m.journal.Append(&rec)
	})
}

// StoreQueue persists a durable queue binding.
func (m *StorageManager) StoreQueue(ctx *OperationContext, q QueueBinding) {
	if m.store == nil {
		return
	}
	m.submit(ctx, func() error {
		return m.store.PutQueue(context.Background(), q)
	})
}

// DeleteQueue removes a durable queue binding.
func (m *StorageManager) DeleteQueue(ctx *OperationContext, name string) {
	if m.store == nil {
		return
	}
	m.submit(ctx, func() error {
		return m.store.DeleteQueue(context.Background(), name)
	})
}

// StoreLargeMessageChunk persists one large message fragment.
func (m *StorageManager) StoreLargeMessageChunk(ctx *OperationContext, id int64, seq int, data []byte) {
	if m.store == nil {
		return
	}
	m.submit(ctx, func() error {
		return m.store.AppendLargeMessageChunk(context.Background(), id, seq, data)
	})
}

// DeleteLargeMessage removes a large message body.
func (m *StorageManager) DeleteLargeMessage(ctx *OperationContext, id int64) {
	if m.store == nil {
		return
	}
	m.submit(ctx, func() error {
		return m.store.DeleteLargeMessage(context.Background(), id)
	})
}

// StoreHeuristic persists an operator decision on an in-doubt transaction.
func (m *StorageManager) StoreHeuristic(ctx *OperationContext, h HeuristicCompletion) {
	if m.store == nil {
		return
	}
	m.submit(ctx, func() error {
		return m.store.PutHeuristic(context.Background(), h)
	})
}

// DeleteHeuristic forgets a heuristic outcome.
func (m *StorageManager) DeleteHeuristic(ctx *OperationContext, key string) {
	if m.store == nil {
		return
	}
	m.submit(ctx, func() error {
		return m.store.DeleteHeuristic(context.Background(), key)
	})
}

func (m *StorageManager) submit(ctx *OperationContext, apply func() error) {
	ctx.StoreLineUp()
	m.writer.Submit(ctx, apply)
}

// ============================================================================
// Session Storage
// ============================================================================

// SessionStorage is one session's handle on the storage manager. It owns the
// session's OperationContext and implements the bind / schedule / complete /
// clear cycle the session engine runs around every request.
type SessionStorage struct {
	m   *StorageManager
	ctx *OperationContext

	mu       sync.Mutex
	bound    bool
	baseline uint64
}

// NewSession creates session storage whose completions run on exec.
func (m *StorageManager) NewSession(exec Executor) *SessionStorage {
	return &SessionStorage{
		m:   m,
		ctx: NewOperationContext(exec),
	}
}

// Manager returns the owning storage manager.
func (s *SessionStorage) Manager() *StorageManager {
	return s.m
}

// Bind makes the session's context current for durable writes.
func (s *SessionStorage) Bind() {
	s.mu.Lock()
	s.bound = true
	s.baseline = s.ctx.lineUps()
	s.mu.Unlock()
}

// ClearBinding detaches the context. Writes issued while unbound are not
// tracked by later completions.
func (s *SessionStorage) ClearBinding() {
	s.mu.Lock()
	s.bound = false
	s.mu.Unlock()
}

// IsBound reports whether Bind is in effect.
func (s *SessionStorage) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Context returns the context durable writes should use: the session's own
// while bound, a detached one otherwise.
func (s *SessionStorage) Context() *OperationContext {
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()

	if bound {
		return s.ctx
	}
	return NewOperationContext(InlineExecutor{})
}

// OperationContext returns the session's own context.
func (s *SessionStorage) OperationContext() *OperationContext {
	return s.ctx
}

// ScheduleCompletion returns a completion for every write lined up so far.
func (s *SessionStorage) ScheduleCompletion() *Completion {
	return s.ctx.ScheduleCompletion()
}

// CompleteScheduledOperations asks the writer to sync if this binding lined
// up any writes.
func (s *SessionStorage) CompleteScheduledOperations() {
	s.mu.Lock()
	wrote := s.ctx.lineUps() != s.baseline
	s.baseline = s.ctx.lineUps()
	s.mu.Unlock()

	if wrote {
		s.m.writer.Barrier()
	}
}
