package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/pkg/journal"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// recoveryStats summarises what a restart reloaded.
type recoveryStats struct {
	queues     int
	messages   int
	prepared   int
	heuristics int
	orphans    int
}

// recover rebuilds broker state from the binding store and the journal
// replay: durable queues first, then their messages, then the prepared
// transactions and the recorded heuristic outcomes.
func (s *Server) recover(ctx context.Context, res *journal.RecoveryResult) (recoveryStats, error) {
	var stats recoveryStats
	store := s.sm.Store()

	if store != nil {
		bindings, err := store.ListQueues(ctx)
		if err != nil {
			return stats, fmt.Errorf("list queue bindings: %w", err)
		}
		for _, b := range bindings {
			if err := s.po.restoreQueue(b); err != nil {
				return stats, fmt.Errorf("restore queue %s: %w", b.Name, err)
			}
			stats.queues++
		}
	}

	large := make(map[int64]*largeMessage)
	loadLarge := func(ref *MessageReference) error {
		lm, ok := large[ref.Message.MessageID]
		if !ok {
			var body []byte
			if store != nil {
				var err error
				if body, err = store.LargeMessageBody(ctx, ref.Message.MessageID); err != nil {
					return fmt.Errorf("load large message %d: %w", ref.Message.MessageID, err)
				}
			}
			lm = &largeMessage{header: ref.Message, body: body, size: int64(len(body)), durable: store != nil}
			large[ref.Message.MessageID] = lm
		}
		ref.Message = lm.header
		ref.Size = lm.size
		lm.refs++
		return nil
	}

	for _, rec := range res.Records {
		ref, err := s.recoveredRef(rec)
		if err != nil {
			return stats, err
		}
		if ref == nil {
			stats.orphans++
			continue
		}
		if ref.Large {
			if err := loadLarge(ref); err != nil {
				return stats, err
			}
		}
		s.po.addresses.add(ref.Message.Address, ref.Size)
		ref.queue.addRecovered(ref)
		stats.messages++
	}

	for _, ptx := range res.Prepared {
		tx, err := s.recoverPrepared(ptx, loadLarge)
		if err != nil {
			return stats, err
		}
		if !s.rm.put(tx) {
			return stats, fmt.Errorf("prepared transaction %s recovered twice", tx.xid)
		}
		stats.prepared++
	}

	for _, lm := range large {
		s.po.large.restore(lm)
	}

	if store != nil {
		hs, err := store.ListHeuristics(ctx)
		if err != nil {
			return stats, fmt.Errorf("list heuristic outcomes: %w", err)
		}
		for _, h := range hs {
			s.rm.restoreHeuristic(h)
		}
		stats.heuristics = len(hs)

		// Bodies no recovered reference points at belong to messages
		// settled before the restart.
		ids, err := store.LargeMessageIDs(ctx)
		if err != nil {
			return stats, fmt.Errorf("list large messages: %w", err)
		}
		opCtx := detachedContext()
		for _, id := range ids {
			if _, ok := large[id]; !ok {
				s.sm.DeleteLargeMessage(opCtx, id)
				stats.orphans++
			}
		}
	}
	return stats, nil
}

// recoveredRef decodes an ADD record into a reference bound to its queue.
// It returns nil when the queue no longer exists.
func (s *Server) recoveredRef(rec journal.Record) (*MessageReference, error) {
	p, err := decodeRef(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	q, ok := s.po.queue(p.Queue)
	if !ok {
		logger.Warn("Dropping recovered message for unknown queue",
			logger.Queue(p.Queue), logger.MessageID(p.Message.MessageID))
		return nil, nil
	}

	msg := p.Message
	ref := &MessageReference{
		ID:      rec.ID,
		Message: &msg,
		Large:   p.Large,
		queue:   q,
	}
	ref.deliveryCount.Store(p.DeliveryCount)
	if !p.Large {
		ref.Size = int64(protocol.Size(&protocol.SessSend{Message: msg}))
	}
	return ref, nil
}

// recoverPrepared rebuilds a prepared transaction. Its sends wait outside
// the queues for the outcome; its acknowledgements are taken out of their
// queues and held as delivering.
func (s *Server) recoverPrepared(ptx journal.PreparedTransaction, loadLarge func(*MessageReference) error) (*Transaction, error) {
	xid, err := protocol.ParseXid(string(ptx.Xid))
	if err != nil {
		return nil, fmt.Errorf("prepared transaction %d: %w", ptx.TxID, err)
	}

	tx := &Transaction{
		id:         ptx.TxID,
		xid:        &xid,
		createdAt:  time.Now(),
		po:         s.po,
		state:      TxPrepared,
		timeout:    s.rm.DefaultTimeout(),
		journalled: true,
	}

	for _, rec := range ptx.Records {
		switch rec.Type {
		case journal.RecordAdd:
			ref, err := s.recoveredRef(rec)
			if err != nil {
				return nil, err
			}
			if ref == nil {
				continue
			}
			if ref.Large {
				if err := loadLarge(ref); err != nil {
					return nil, err
				}
			}
			tx.sends = append(tx.sends, ref)
		case journal.RecordDelete:
			ref := s.po.takeRef(rec.ID)
			if ref == nil {
				logger.Warn("Prepared acknowledgement refers to a missing message",
					logger.Xid(xid), logger.KeyRecords, rec.ID)
				continue
			}
			tx.acks = append(tx.acks, ref)
		}
	}

	logger.Info("Recovered prepared transaction",
		logger.Xid(xid),
		logger.KeyTxID, tx.id,
		"sends", len(tx.sends),
		"acks", len(tx.acks))
	return tx, nil
}
