package broker

import (
	"fmt"
	"sync"
	"time"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/journal"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// TxState is the lifecycle state of a transaction.
type TxState int

const (
	TxActive TxState = iota
	TxSuspended
	TxPrepared
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "ACTIVE"
	case TxSuspended:
		return "SUSPENDED"
	case TxPrepared:
		return "PREPARED"
	case TxCommitted:
		return "COMMITTED"
	case TxRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// Transaction collects the sends and acknowledgements of a unit of work.
// Durable records are journalled under the transaction ID as they happen;
// queues only see the work on commit.
//
// A session without XA always holds a local transaction. XA transactions
// carry an Xid and live in the ResourceManager.
type Transaction struct {
	id        int64
	xid       *protocol.Xid
	createdAt time.Time
	po        *PostOffice

	mu           sync.Mutex
	state        TxState
	timeout      time.Duration
	rollbackOnly bool
	timedOut     bool
	journalled   bool
	sends        []*MessageReference
	acks         []*MessageReference
}

func newTransaction(po *PostOffice, xid *protocol.Xid, timeout time.Duration) *Transaction {
	return &Transaction{
		id:        po.sm.NextID(),
		xid:       xid,
		createdAt: time.Now(),
		po:        po,
		timeout:   timeout,
	}
}

// ID returns the journal transaction ID.
func (tx *Transaction) ID() int64 { return tx.id }

// Xid returns the branch identifier, or nil for a local transaction.
func (tx *Transaction) Xid() *protocol.Xid { return tx.xid }

// CreatedAt returns when the transaction started.
func (tx *Transaction) CreatedAt() time.Time { return tx.createdAt }

// State returns the current state.
func (tx *Transaction) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Counts returns the number of pending sends and acknowledgements.
func (tx *Transaction) Counts() (sends, acks int) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.sends), len(tx.acks)
}

func (tx *Transaction) setState(s TxState) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}

func (tx *Transaction) setTimeout(d time.Duration) {
	tx.mu.Lock()
	tx.timeout = d
	tx.mu.Unlock()
}

func (tx *Transaction) isTimedOut() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.timedOut
}

// markRollbackOnly dooms the transaction: prepare will roll it back.
func (tx *Transaction) markRollbackOnly() {
	tx.mu.Lock()
	tx.rollbackOnly = true
	tx.mu.Unlock()
}

func (tx *Transaction) isRollbackOnly() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackOnly
}

// expired reports whether an unprepared transaction outlived its timeout.
func (tx *Transaction) expired(now time.Time) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.timedOut || tx.timeout <= 0 {
		return false
	}
	if tx.state != TxActive && tx.state != TxSuspended {
		return false
	}
	return now.Sub(tx.createdAt) > tx.timeout
}

func (tx *Transaction) checkOpenLocked() error {
	if tx.timedOut {
		return brokererrors.New(brokererrors.TransactionRolledBack, "transaction timed out and was rolled back")
	}
	switch tx.state {
	case TxActive, TxSuspended:
		return nil
	case TxPrepared:
		return brokererrors.NewIllegalStateError("transaction is prepared")
	default:
		return brokererrors.Newf(brokererrors.IllegalState, "transaction is %s", tx.state)
	}
}

// addSends enlists routed references. Durable ones are journalled now.
func (tx *Transaction) addSends(ctx *persistence.OperationContext, refs []*MessageReference) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpenLocked(); err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.durable() {
			if err := journalAdd(tx.po.sm, ctx, tx.id, ref); err != nil {
				return err
			}
			tx.journalled = true
		}
	}
	tx.sends = append(tx.sends, refs...)
	return nil
}

// addAcks enlists acknowledged references. Durable ones are journalled now.
func (tx *Transaction) addAcks(ctx *persistence.OperationContext, refs []*MessageReference) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpenLocked(); err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.durable() {
			journalDelete(tx.po.sm, ctx, tx.id, ref)
			tx.journalled = true
		}
	}
	tx.acks = append(tx.acks, refs...)
	return nil
}

// takeAcks removes and returns the enlisted acknowledgements.
func (tx *Transaction) takeAcks() []*MessageReference {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	acks := tx.acks
	tx.acks = nil
	return acks
}

// prepare journals the PREPARE record carrying the Xid.
func (tx *Transaction) prepare(ctx *persistence.OperationContext) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxActive {
		return brokererrors.Newf(brokererrors.IllegalState, "cannot prepare a %s transaction", tx.state)
	}
	var payload []byte
	if tx.xid != nil {
		payload = []byte(tx.xid.String())
	}
	journalTxMarker(tx.po.sm, ctx, journal.RecordPrepare, tx.id, payload)
	tx.journalled = true
	tx.state = TxPrepared
	return nil
}

// commit journals COMMIT and applies the work: sends reach their queues and
// acknowledgements are settled.
func (tx *Transaction) commit(ctx *persistence.OperationContext) error {
	tx.mu.Lock()
	if tx.timedOut {
		tx.mu.Unlock()
		return brokererrors.New(brokererrors.TransactionRolledBack, "transaction timed out and was rolled back")
	}
	if tx.state == TxCommitted || tx.state == TxRolledBack {
		state := tx.state
		tx.mu.Unlock()
		return brokererrors.Newf(brokererrors.IllegalState, "transaction already %s", state)
	}
	if tx.journalled {
		journalTxMarker(tx.po.sm, ctx, journal.RecordCommit, tx.id, nil)
	}
	tx.state = TxCommitted
	sends, acks := tx.sends, tx.acks
	tx.sends, tx.acks = nil, nil
	tx.mu.Unlock()

	tx.po.addRefs(sends)
	for _, ref := range acks {
		tx.po.acknowledge(ctx, ref, false)
	}
	return nil
}

// rollback journals ROLLBACK when needed and discards the sends. The
// acknowledged references are returned for the caller to cancel back to
// their queues.
func (tx *Transaction) rollback(ctx *persistence.OperationContext) []*MessageReference {
	tx.mu.Lock()
	if tx.state == TxCommitted || tx.state == TxRolledBack {
		tx.mu.Unlock()
		return nil
	}
	if tx.journalled {
		journalTxMarker(tx.po.sm, ctx, journal.RecordRollback, tx.id, nil)
	}
	tx.state = TxRolledBack
	sends, acks := tx.sends, tx.acks
	tx.sends, tx.acks = nil, nil
	tx.mu.Unlock()

	for _, ref := range sends {
		if ref.Large {
			tx.po.large.release(ctx, ref.Message.MessageID)
		}
	}
	return acks
}

// timeoutRollback rolls back an expired transaction and marks it timed out, leaving
// it known to the resource manager so the client learns the outcome.
func (tx *Transaction) timeoutRollback(ctx *persistence.OperationContext) []*MessageReference {
	acks := tx.rollback(ctx)
	tx.mu.Lock()
	tx.timedOut = true
	tx.mu.Unlock()
	return acks
}
