package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/dittomq/internal/logger"
)

// ============================================================================
// Database Key Namespace Design
// ============================================================================
//
// Data Type             Prefix   Key Format                  Value Type
// =========================================================================
// Queue Bindings        "q:"     q:<queueName>               QueueBinding (JSON)
// Large Message Chunks  "lm:"    lm:<id %020d>:<seq %010d>   raw bytes
// Heuristic Outcomes    "xa:"    xa:<xid key>                HeuristicCompletion (JSON)
//
// Zero-padded numbers keep badger's lexicographic iteration in numeric order.

const (
	prefixQueue        = "q:"
	prefixLargeMessage = "lm:"
	prefixHeuristic    = "xa:"
)

func keyQueue(name string) []byte {
	return []byte(prefixQueue + name)
}

func keyLargeMessagePrefix(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixLargeMessage, id))
}

func keyLargeMessageChunk(id int64, seq int) []byte {
	return []byte(fmt.Sprintf("%s%020d:%010d", prefixLargeMessage, id, seq))
}

func keyHeuristic(xidKey string) []byte {
	return []byte(prefixHeuristic + xidKey)
}

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// QueueBinding is the persisted definition of a durable queue.
type QueueBinding struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Filter    string    `json:"filter,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HeuristicCompletion records an in-doubt transaction completed by an operator.
type HeuristicCompletion struct {
	// Key identifies the Xid (its canonical string form).
	Key string `json:"key"`
	// Xid is the encoded Xid.
	Xid         []byte    `json:"xid"`
	Committed   bool      `json:"committed"`
	CompletedAt time.Time `json:"completed_at"`
}

// StoreOptions configures OpenBindingStore.
type StoreOptions struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory.
	InMemory bool
}

// BindingStore persists queue bindings, large message bodies and heuristic
// transaction outcomes in badger.
//
// Thread Safety:
// All operations use badger transactions and are safe for concurrent use.
type BindingStore struct {
	db *badgerdb.DB
}

// OpenBindingStore opens (or creates) the badger store.
func OpenBindingStore(opts StoreOptions) (*BindingStore, error) {
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("binding store path is required")
		}
		bopts = badgerdb.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(badgerLogger{}).WithSyncWrites(!opts.InMemory)

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open binding store: %w", err)
	}
	return &BindingStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BindingStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Queue Bindings
// ============================================================================

// PutQueue stores or replaces a queue binding.
func (s *BindingStore) PutQueue(ctx context.Context, q QueueBinding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode queue binding: %w", err)
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(keyQueue(q.Name), data); err != nil {
			return fmt.Errorf("failed to store queue %s: %w", q.Name, err)
		}
		return nil
	})
}

// DeleteQueue removes a queue binding. Deleting a missing queue is not an error.
func (s *BindingStore) DeleteQueue(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyQueue(name))
	})
}

// GetQueue returns the binding for name, or ErrNotFound.
func (s *BindingStore) GetQueue(ctx context.Context, name string) (*QueueBinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var q QueueBinding
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyQueue(name))
		if err == badgerdb.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &q)
		})
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQueues returns every stored binding ordered by name.
func (s *BindingStore) ListQueues(ctx context.Context) ([]QueueBinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []QueueBinding
	err := s.scan([]byte(prefixQueue), func(_ []byte, val []byte) error {
		var q QueueBinding
		if err := json.Unmarshal(val, &q); err != nil {
			return fmt.Errorf("failed to decode queue binding: %w", err)
		}
		out = append(out, q)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Large Messages
// ============================================================================

// AppendLargeMessageChunk stores fragment seq of large message id.
func (s *BindingStore) AppendLargeMessageChunk(ctx context.Context, id int64, seq int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyLargeMessageChunk(id, seq), data)
	})
}

// LargeMessageBody concatenates the stored fragments of id in order.
func (s *BindingStore) LargeMessageBody(ctx context.Context, id int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var body []byte
	found := false
	err := s.scan(keyLargeMessagePrefix(id), func(_ []byte, val []byte) error {
		found = true
		body = append(body, val...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return body, nil
}

// DeleteLargeMessage removes every fragment of id.
func (s *BindingStore) DeleteLargeMessage(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := keyLargeMessagePrefix(id)
	return s.db.Update(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// LargeMessageIDs lists the IDs with stored fragments.
func (s *BindingStore) LargeMessageIDs(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []int64
	var last int64 = -1
	err := s.scan([]byte(prefixLargeMessage), func(key []byte, _ []byte) error {
		rest := strings.TrimPrefix(string(key), prefixLargeMessage)
		idPart, _, ok := strings.Cut(rest, ":")
		if !ok {
			return nil
		}
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			return nil
		}
		if id != last {
			ids = append(ids, id)
			last = id
		}
		return nil
	})
	return ids, err
}

// ============================================================================
// Heuristic Outcomes
// ============================================================================

// PutHeuristic records an operator-completed transaction.
func (s *BindingStore) PutHeuristic(ctx context.Context, h HeuristicCompletion) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode heuristic outcome: %w", err)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyHeuristic(h.Key), data)
	})
}

// DeleteHeuristic forgets a heuristic outcome.
func (s *BindingStore) DeleteHeuristic(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyHeuristic(key))
	})
}

// ListHeuristics returns every stored heuristic outcome.
func (s *BindingStore) ListHeuristics(ctx context.Context) ([]HeuristicCompletion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []HeuristicCompletion
	err := s.scan([]byte(prefixHeuristic), func(_ []byte, val []byte) error {
		var h HeuristicCompletion
		if err := json.Unmarshal(val, &h); err != nil {
			return fmt.Errorf("failed to decode heuristic outcome: %w", err)
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

// Healthcheck verifies the store can serve a read transaction.
func (s *BindingStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("healthcheck failed: binding store is closed")
	}
	if err := s.db.View(func(*badgerdb.Txn) error { return nil }); err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	return nil
}

// scan iterates keys under prefix in order. Key and value slices are copies.
func (s *BindingStore) scan(prefix []byte, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerLogger routes badger's internal logging through the broker logger.
// Badger's info output is verbose, so it is demoted to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Errorf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warnf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debugf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debugf("badger: "+strings.TrimSpace(format), args...)
}
