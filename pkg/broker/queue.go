package broker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/server"
)

// MessageReference is a message routed to one queue. A message routed to
// several queues has one reference per queue sharing the same Message.
type MessageReference struct {
	// ID is unique per reference and doubles as its journal record ID.
	ID      int64
	Message *protocol.Message
	// Large marks a message whose body was streamed; it is delivered in chunks.
	Large bool
	// Size is the byte budget the reference holds on its address.
	Size int64

	queue         *Queue
	deliveryCount atomic.Int32
	// deliverySeq orders deliveries within a session so rollback can find
	// the last delivered reference.
	deliverySeq atomic.Int64
}

// DeliveryCount returns how often the reference has been delivered.
func (r *MessageReference) DeliveryCount() int {
	return int(r.deliveryCount.Load())
}

// Queue returns the queue holding the reference.
func (r *MessageReference) Queue() *Queue {
	return r.queue
}

func (r *MessageReference) durable() bool {
	return r.Message.Durable && r.queue.Durable
}

// Queue is a FIFO of message references bound to an address.
//
// Lock ordering: Queue.mu is taken before ServerConsumer.mu, never after.
type Queue struct {
	ID        int64
	Name      string
	Address   string
	Filter    *Filter
	Durable   bool
	Temporary bool
	CreatedAt time.Time

	po *PostOffice

	mu         sync.Mutex
	messages   []*MessageReference
	consumers  []*ServerConsumer
	next       int
	delivering int
	deleted    bool

	messagesAdded        atomic.Int64
	messagesAcknowledged atomic.Int64
	messagesExpired      atomic.Int64
}

// MessageCount returns the references held by the queue, including the ones
// out with consumers.
func (q *Queue) MessageCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.messages) + q.delivering)
}

// DeliveringCount returns the references delivered but not yet acknowledged.
func (q *Queue) DeliveringCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivering
}

// ConsumerCount returns the number of attached consumers.
func (q *Queue) ConsumerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.consumers)
}

// Stats returns lifetime counters.
func (q *Queue) Stats() (added, acknowledged, expired int64) {
	return q.messagesAdded.Load(), q.messagesAcknowledged.Load(), q.messagesExpired.Load()
}

func (q *Queue) queryResult() *server.QueueQueryResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &server.QueueQueryResult{
		Exists:        true,
		Durable:       q.Durable,
		Temporary:     q.Temporary,
		ConsumerCount: len(q.consumers),
		MessageCount:  int64(len(q.messages) + q.delivering),
		FilterString:  q.Filter.String(),
		Address:       q.Address,
		Name:          q.Name,
	}
}

// ============================================================================
// Consumers
// ============================================================================

func (q *Queue) addConsumer(c *ServerConsumer) {
	q.mu.Lock()
	q.consumers = append(q.consumers, c)
	q.mu.Unlock()
}

func (q *Queue) removeConsumer(c *ServerConsumer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.next > i {
				q.next--
			}
			return
		}
	}
}

// ============================================================================
// References
// ============================================================================

// add appends ref and attempts delivery. It returns false when the queue
// has been deleted.
func (q *Queue) add(ref *MessageReference) bool {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return false
	}
	ref.queue = q
	q.messages = append(q.messages, ref)
	q.mu.Unlock()

	q.messagesAdded.Add(1)
	q.deliver()
	return true
}

// addRecovered appends ref without delivering; consumers do not exist yet.
func (q *Queue) addRecovered(ref *MessageReference) {
	q.mu.Lock()
	ref.queue = q
	q.messages = append(q.messages, ref)
	q.mu.Unlock()
}

// take removes the reference with the given ID from the queue without
// delivering it. The reference counts as delivering until acknowledged or
// cancelled.
func (q *Queue) take(refID int64) *MessageReference {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ref := range q.messages {
		if ref.ID == refID {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			q.delivering++
			return ref
		}
	}
	return nil
}

// cancel returns delivered references to the head of the queue in their
// original order.
func (q *Queue) cancel(refs []*MessageReference) {
	if len(refs) == 0 {
		return
	}
	sorted := append([]*MessageReference(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	q.mu.Lock()
	q.delivering -= len(sorted)
	if q.deleted {
		q.mu.Unlock()
		return
	}
	q.messages = append(sorted, q.messages...)
	q.mu.Unlock()

	q.deliver()
}

// acknowledged settles a delivered reference.
func (q *Queue) acknowledged(ref *MessageReference) {
	q.mu.Lock()
	q.delivering--
	q.mu.Unlock()
	q.messagesAcknowledged.Add(1)
}

// expired settles a delivered reference that expired.
func (q *Queue) expired(ref *MessageReference) {
	q.mu.Lock()
	q.delivering--
	q.mu.Unlock()
	q.messagesExpired.Add(1)
}

// drain removes every queued reference. Used when the queue is deleted.
func (q *Queue) drain() []*MessageReference {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = true
	refs := q.messages
	q.messages = nil
	return refs
}

// ============================================================================
// Delivery
// ============================================================================

// deliver hands queued references to consumers with credit, round-robin.
// Expired references found on the way are expired instead, and references
// delivered to pre-acknowledging sessions are settled right away.
func (q *Queue) deliver() {
	var expired, acked []*MessageReference
	now := time.Now().UnixMilli()

	q.mu.Lock()
	for _, c := range q.consumers {
		if c.browseOnly {
			c.browse(q.messages)
		}
	}

	i := 0
	for i < len(q.messages) {
		ref := q.messages[i]
		if ref.Message.IsExpired(now) {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			q.delivering++
			expired = append(expired, ref)
			continue
		}

		if ok, autoAck := q.handOff(ref); ok {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			q.delivering++
			if autoAck {
				acked = append(acked, ref)
			}
			continue
		}
		i++
	}
	q.mu.Unlock()

	for _, ref := range expired {
		q.po.expire(nil, ref)
	}
	for _, ref := range acked {
		q.po.acknowledge(nil, ref, true)
	}
}

// handOff offers ref to the consuming (non-browsing) consumers, starting
// after the last one served. Called with q.mu held.
func (q *Queue) handOff(ref *MessageReference) (delivered, autoAck bool) {
	n := len(q.consumers)
	for k := 0; k < n; k++ {
		idx := (q.next + k) % n
		c := q.consumers[idx]
		if c.browseOnly {
			continue
		}
		if ok, ack := c.deliver(ref); ok {
			q.next = (idx + 1) % n
			return true, ack
		}
	}
	return false, false
}
