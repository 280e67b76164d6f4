package broker

import (
	"bytes"
	"fmt"

	"github.com/marmos91/dittomq/pkg/journal"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// ============================================================================
// Journal Payloads
// ============================================================================
//
// Every durable message reference is one journal record whose ID is the
// reference ID. The payload carries the queue name, the delivery count and
// the message. Large message bodies are not journalled: the record carries
// the header and the body lives in the binding store under the message ID.

type persistedRef struct {
	Queue         string
	DeliveryCount int32
	Large         bool
	Message       protocol.Message
}

func encodeRef(ref *MessageReference) ([]byte, error) {
	rec := persistedRef{
		Queue:         ref.queue.Name,
		DeliveryCount: int32(ref.DeliveryCount()),
		Large:         ref.Large,
		Message:       *ref.Message,
	}
	if ref.Large {
		rec.Message.Body = nil
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return nil, fmt.Errorf("encode message reference %d: %w", ref.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeRef(payload []byte) (*persistedRef, error) {
	var rec persistedRef
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode message reference: %w", err)
	}
	return &rec, nil
}

// journalAdd records a durable reference, inside txID when non-zero.
func journalAdd(sm *persistence.StorageManager, ctx *persistence.OperationContext, txID int64, ref *MessageReference) error {
	payload, err := encodeRef(ref)
	if err != nil {
		return err
	}
	sm.AppendRecord(ctx, journal.Record{Type: journal.RecordAdd, TxID: txID, ID: ref.ID, Payload: payload})
	return nil
}

// journalUpdate rewrites a durable reference after its delivery count changed.
func journalUpdate(sm *persistence.StorageManager, ctx *persistence.OperationContext, ref *MessageReference) error {
	payload, err := encodeRef(ref)
	if err != nil {
		return err
	}
	sm.AppendRecord(ctx, journal.Record{Type: journal.RecordUpdate, ID: ref.ID, Payload: payload})
	return nil
}

// journalDelete removes a durable reference, inside txID when non-zero.
func journalDelete(sm *persistence.StorageManager, ctx *persistence.OperationContext, txID int64, ref *MessageReference) {
	sm.AppendRecord(ctx, journal.Record{Type: journal.RecordDelete, TxID: txID, ID: ref.ID})
}

func journalTxMarker(sm *persistence.StorageManager, ctx *persistence.OperationContext, typ journal.RecordType, txID int64, payload []byte) {
	sm.AppendRecord(ctx, journal.Record{Type: typ, TxID: txID, Payload: payload})
}
