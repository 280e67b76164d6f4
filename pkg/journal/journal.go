// Package journal implements the append-only operation journal that backs
// durable broker writes.
package journal

import (
	"errors"
	"fmt"
)

// Journal errors
var (
	// ErrJournalClosed is returned when operations are attempted on a closed journal.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrCorrupted is returned when the journal file is corrupted.
	ErrCorrupted = errors.New("journal file corrupted")

	// ErrVersionMismatch is returned when the journal file version doesn't match.
	ErrVersionMismatch = errors.New("journal file version mismatch")
)

// RecordType identifies the kind of a journal record.
type RecordType uint8

const (
	// RecordAdd adds a record with a new ID.
	RecordAdd RecordType = 1
	// RecordUpdate replaces the payload of a live record.
	RecordUpdate RecordType = 2
	// RecordDelete removes a live record.
	RecordDelete RecordType = 3
	// RecordPrepare marks a transaction prepared. Payload carries the encoded Xid.
	RecordPrepare RecordType = 4
	// RecordCommit applies every record of a transaction.
	RecordCommit RecordType = 5
	// RecordRollback discards every record of a transaction.
	RecordRollback RecordType = 6
)

func (t RecordType) String() string {
	switch t {
	case RecordAdd:
		return "ADD"
	case RecordUpdate:
		return "UPDATE"
	case RecordDelete:
		return "DELETE"
	case RecordPrepare:
		return "PREPARE"
	case RecordCommit:
		return "COMMIT"
	case RecordRollback:
		return "ROLLBACK"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Record is a single journal entry.
//
// TxID 0 means the record is applied immediately on recovery. Records with a
// non-zero TxID are applied only once a COMMIT record for that TxID follows.
type Record struct {
	Type    RecordType
	TxID    int64
	ID      int64
	Payload []byte
}

// PreparedTransaction is a transaction that reached PREPARE without a
// matching COMMIT or ROLLBACK.
type PreparedTransaction struct {
	TxID int64
	// Xid is the payload of the PREPARE record.
	Xid []byte
	// Records are the ADD/UPDATE/DELETE records of the transaction in append order.
	Records []Record
}

// RecoveryResult is the state reconstructed by Recover.
type RecoveryResult struct {
	// Records are the live records (added and not deleted) in the order they
	// were first added, carrying their latest payload.
	Records []Record

	// Prepared lists in-doubt transactions in PREPARE order.
	Prepared []PreparedTransaction

	// MaxID is the largest record or transaction ID seen, so callers can
	// resume ID generation above it.
	MaxID int64
}

// Journal defines the interface for operation journal persistence.
//
// Thread Safety:
// Implementations must be safe for concurrent use from multiple goroutines.
type Journal interface {
	// Append appends rec to the journal. The record is not durable until Sync returns.
	Append(rec *Record) error

	// Sync forces appended records to durable storage.
	Sync() error

	// Recover replays the journal.
	Recover() (*RecoveryResult, error)

	// Close syncs and releases resources held by the journal.
	Close() error

	// IsEnabled returns true if records are persisted.
	IsEnabled() bool
}

// NullJournal is a no-op implementation for non-persistent brokers.
type NullJournal struct{}

// NewNullJournal creates a new no-op journal.
func NewNullJournal() *NullJournal {
	return &NullJournal{}
}

// Append is a no-op.
func (j *NullJournal) Append(*Record) error { return nil }

// Sync is a no-op.
func (j *NullJournal) Sync() error { return nil }

// Recover returns an empty result.
func (j *NullJournal) Recover() (*RecoveryResult, error) { return &RecoveryResult{}, nil }

// Close is a no-op.
func (j *NullJournal) Close() error { return nil }

// IsEnabled returns false.
func (j *NullJournal) IsEnabled() bool { return false }

var _ Journal = (*NullJournal)(nil)
