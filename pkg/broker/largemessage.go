package broker

import (
	"sync"

	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// largeMessage is a message whose body arrived in continuation packets.
// References to it share the body; the body is deleted when the last
// reference is settled.
type largeMessage struct {
	header  *protocol.Message
	body    []byte
	size    int64 // sum of the continuation packet sizes
	seq     int
	durable bool
	refs    int
}

func (lm *largeMessage) id() int64 {
	return lm.header.MessageID
}

// largeMessageStore keeps the bodies of routed large messages.
type largeMessageStore struct {
	sm *persistence.StorageManager

	mu       sync.Mutex
	messages map[int64]*largeMessage
}

func newLargeMessageStore(sm *persistence.StorageManager) *largeMessageStore {
	return &largeMessageStore{
		sm:       sm,
		messages: make(map[int64]*largeMessage),
	}
}

// appendChunk adds a body fragment, persisting it when the message is durable.
func (s *largeMessageStore) appendChunk(ctx *persistence.OperationContext, lm *largeMessage, packetSize int, body []byte) {
	lm.body = append(lm.body, body...)
	lm.size += int64(packetSize)
	if lm.durable {
		s.sm.StoreLargeMessageChunk(ctx, lm.id(), lm.seq, body)
	}
	lm.seq++
}

// register makes a completed message deliverable with refs references.
// A message no queue accepted is discarded immediately.
func (s *largeMessageStore) register(ctx *persistence.OperationContext, lm *largeMessage, refs int) {
	if refs == 0 {
		s.discard(ctx, lm)
		return
	}
	s.mu.Lock()
	lm.refs += refs
	s.messages[lm.id()] = lm
	s.mu.Unlock()
}

// restore registers a message reloaded at startup with its references
// already counted.
func (s *largeMessageStore) restore(lm *largeMessage) {
	s.mu.Lock()
	s.messages[lm.id()] = lm
	s.mu.Unlock()
}

// retain adds references to a registered message, as when it is copied to
// the expiry address.
func (s *largeMessageStore) retain(id int64, n int) {
	s.mu.Lock()
	if lm, ok := s.messages[id]; ok {
		lm.refs += n
	}
	s.mu.Unlock()
}

// release drops one reference, deleting the body with the last one.
func (s *largeMessageStore) release(ctx *persistence.OperationContext, id int64) {
	s.mu.Lock()
	lm, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	lm.refs--
	if lm.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.messages, id)
	s.mu.Unlock()

	s.discard(ctx, lm)
}

// discard deletes the persisted body of a message that is no longer referenced.
func (s *largeMessageStore) discard(ctx *persistence.OperationContext, lm *largeMessage) {
	if lm.durable {
		s.sm.DeleteLargeMessage(ctx, lm.id())
	}
	logger.Debug("Large message discarded", logger.MessageID(lm.id()), logger.KeySize, len(lm.body))
}

func (s *largeMessageStore) get(id int64) (*largeMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lm, ok := s.messages[id]
	return lm, ok
}

func (s *largeMessageStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// chunks splits body into fragments of at most size bytes. An empty body
// yields a single empty fragment so the receiver still sees the end.
func chunks(body []byte, size int) [][]byte {
	if size <= 0 || len(body) <= size {
		return [][]byte{body}
	}
	out := make([][]byte, 0, (len(body)+size-1)/size)
	for off := 0; off < len(body); off += size {
		end := off + size
		if end > len(body) {
			end = len(body)
		}
		out = append(out, body[off:end])
	}
	return out
}
