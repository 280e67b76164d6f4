package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittomq/internal/logger"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// ResourceManager tracks XA transaction branches across sessions: active and
// suspended ones, prepared (in-doubt) ones and the outcomes operators chose
// for in-doubt branches. A reaper rolls back unprepared branches that outlive
// their timeout.
type ResourceManager struct {
	po             *PostOffice
	metrics        *BrokerMetrics
	defaultTimeout time.Duration
	scanPeriod     time.Duration

	mu         sync.Mutex
	txs        map[string]*Transaction
	heuristics map[string]persistence.HeuristicCompletion

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newResourceManager(po *PostOffice, m *BrokerMetrics, defaultTimeout, scanPeriod time.Duration) *ResourceManager {
	return &ResourceManager{
		po:             po,
		metrics:        m,
		defaultTimeout: defaultTimeout,
		scanPeriod:     scanPeriod,
		txs:            make(map[string]*Transaction),
		heuristics:     make(map[string]persistence.HeuristicCompletion),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// DefaultTimeout returns the timeout given to new branches.
func (rm *ResourceManager) DefaultTimeout() time.Duration {
	return rm.defaultTimeout
}

func (rm *ResourceManager) get(xid protocol.Xid) *Transaction {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.txs[xid.String()]
}

// put registers tx. It returns false if the Xid is already known.
func (rm *ResourceManager) put(tx *Transaction) bool {
	key := tx.xid.String()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, exists := rm.txs[key]; exists {
		return false
	}
	rm.txs[key] = tx
	return true
}

func (rm *ResourceManager) remove(xid protocol.Xid) {
	rm.mu.Lock()
	delete(rm.txs, xid.String())
	rm.mu.Unlock()
}

func (rm *ResourceManager) heuristic(xid protocol.Xid) (persistence.HeuristicCompletion, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.heuristics[xid.String()]
	return h, ok
}

// restoreHeuristic loads an outcome persisted before a restart.
func (rm *ResourceManager) restoreHeuristic(h persistence.HeuristicCompletion) {
	rm.mu.Lock()
	rm.heuristics[h.Key] = h
	rm.mu.Unlock()
}

// forget drops a heuristic outcome. It returns false if none was recorded.
func (rm *ResourceManager) forget(ctx *persistence.OperationContext, xid protocol.Xid) bool {
	key := xid.String()
	rm.mu.Lock()
	_, ok := rm.heuristics[key]
	delete(rm.heuristics, key)
	rm.mu.Unlock()

	if ok {
		rm.po.sm.DeleteHeuristic(ctx, key)
	}
	return ok
}

// Transactions returns every known branch ordered by start time.
func (rm *ResourceManager) Transactions() []*Transaction {
	rm.mu.Lock()
	out := make([]*Transaction, 0, len(rm.txs))
	for _, tx := range rm.txs {
		out = append(out, tx)
	}
	rm.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Heuristics returns the recorded operator outcomes ordered by completion time.
func (rm *ResourceManager) Heuristics() []persistence.HeuristicCompletion {
	rm.mu.Lock()
	out := make([]persistence.HeuristicCompletion, 0, len(rm.heuristics))
	for _, h := range rm.heuristics {
		out = append(out, h)
	}
	rm.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out
}

// InDoubt lists the prepared branches followed by the heuristically
// completed ones.
func (rm *ResourceManager) InDoubt() []protocol.Xid {
	var xids []protocol.Xid
	for _, tx := range rm.Transactions() {
		if tx.State() == TxPrepared {
			xids = append(xids, *tx.xid)
		}
	}
	for _, h := range rm.Heuristics() {
		xid, err := protocol.ParseXid(string(h.Xid))
		if err != nil {
			logger.Warn("Skipping unparsable heuristic xid", "key", h.Key, logger.Err(err))
			continue
		}
		xids = append(xids, xid)
	}
	return xids
}

// ============================================================================
// Heuristic Completion
// ============================================================================

// HeuristicCommit commits a prepared branch on an operator's behalf and
// records the outcome so the transaction manager learns it on recovery.
func (rm *ResourceManager) HeuristicCommit(ctx context.Context, xid protocol.Xid) error {
	return rm.heuristicComplete(ctx, xid, true)
}

// HeuristicRollback rolls back a prepared branch on an operator's behalf.
func (rm *ResourceManager) HeuristicRollback(ctx context.Context, xid protocol.Xid) error {
	return rm.heuristicComplete(ctx, xid, false)
}

func (rm *ResourceManager) heuristicComplete(ctx context.Context, xid protocol.Xid, commit bool) error {
	tx := rm.get(xid)
	if tx == nil {
		return brokererrors.NewXAError(brokererrors.XAErNoTA, "cannot find xid %s", xid)
	}
	if state := tx.State(); state != TxPrepared {
		return brokererrors.NewXAError(brokererrors.XAErProto, "transaction %s is %s, not prepared", xid, state)
	}

	opCtx := detachedContext()
	outcome := "heuristic_rollback"
	if commit {
		if err := tx.commit(opCtx); err != nil {
			return err
		}
		outcome = "heuristic_commit"
	} else {
		rm.po.cancel(tx.rollback(opCtx))
	}

	h := persistence.HeuristicCompletion{
		Key:         xid.String(),
		Xid:         []byte(xid.String()),
		Committed:   commit,
		CompletedAt: time.Now(),
	}
	rm.po.sm.StoreHeuristic(opCtx, h)

	rm.mu.Lock()
	delete(rm.txs, h.Key)
	rm.heuristics[h.Key] = h
	rm.mu.Unlock()

	rm.po.sm.Writer().Barrier()
	if err := opCtx.ScheduleCompletion().Wait(ctx); err != nil {
		return err
	}

	rm.metrics.transaction(outcome)
	logger.Warn("Transaction completed heuristically", logger.Xid(xid), "committed", commit)
	return nil
}

// ============================================================================
// Timeout Reaper
// ============================================================================

// start launches the reaper. A zero scan period disables it.
func (rm *ResourceManager) start() {
	if rm.scanPeriod <= 0 {
		close(rm.doneCh)
		return
	}
	go rm.run()
}

func (rm *ResourceManager) run() {
	defer close(rm.doneCh)

	ticker := time.NewTicker(rm.scanPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-rm.stopCh:
			return
		case now := <-ticker.C:
			rm.reap(now)
		}
	}
}

// stop halts the reaper and waits for it to exit.
func (rm *ResourceManager) stop() {
	rm.stopOnce.Do(func() { close(rm.stopCh) })
	<-rm.doneCh
}

// reap rolls back every unprepared branch past its timeout and returns how
// many it rolled back. Timed-out branches stay registered so a later commit
// or rollback from the client learns the outcome.
func (rm *ResourceManager) reap(now time.Time) int {
	var expired []*Transaction
	rm.mu.Lock()
	for _, tx := range rm.txs {
		if tx.expired(now) {
			expired = append(expired, tx)
		}
	}
	rm.mu.Unlock()

	for _, tx := range expired {
		rm.po.cancel(tx.timeoutRollback(detachedContext()))
		rm.metrics.transaction("timeout")
		logger.Warn("Transaction timed out and was rolled back",
			logger.Xid(tx.xid),
			logger.KeyTxID, tx.id,
			logger.KeyTimeout, tx.timeout.String())
	}
	return len(expired)
}
