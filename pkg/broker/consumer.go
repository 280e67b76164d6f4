package broker

import (
	"sync"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
)

// ServerConsumer receives the messages of one queue on behalf of a session.
//
// Delivery is credit based: each delivered packet's encoded size is charged
// against the consumer's credits, and delivery pauses at zero until the
// client grants more. Browse-only consumers see messages without taking
// them from the queue.
type ServerConsumer struct {
	id         int64
	session    *ServerSession
	queue      *Queue
	filter     *Filter
	browseOnly bool

	mu         sync.Mutex
	credits    int
	unbounded  bool
	started    bool
	closed     bool
	delivering []*MessageReference
	browsed    int64 // highest reference ID a browser has seen
}

func newServerConsumer(id int64, s *ServerSession, q *Queue, filter *Filter, browseOnly bool, window int, started bool) *ServerConsumer {
	return &ServerConsumer{
		id:         id,
		session:    s,
		queue:      q,
		filter:     filter,
		browseOnly: browseOnly,
		credits:    window,
		unbounded:  window < 0,
		started:    started,
	}
}

// ID returns the consumer ID chosen by the client.
func (c *ServerConsumer) ID() int64 { return c.id }

// Queue returns the consumed queue.
func (c *ServerConsumer) Queue() *Queue { return c.queue }

// DeliveringCount returns the references delivered and not yet acknowledged.
func (c *ServerConsumer) DeliveringCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivering)
}

func (c *ServerConsumer) canDeliverLocked() bool {
	return c.started && !c.closed && (c.unbounded || c.credits > 0)
}

func (c *ServerConsumer) chargeLocked(size int) {
	if !c.unbounded {
		c.credits -= size
	}
}

// deliver sends ref to the client if the consumer is started, has credit
// and its filter accepts the message. autoAck reports that the session
// pre-acknowledges, in which case the caller settles the reference.
//
// Called with the queue lock held.
func (c *ServerConsumer) deliver(ref *MessageReference) (delivered, autoAck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canDeliverLocked() || !c.filter.Match(ref.Message) {
		return false, false
	}

	count := ref.deliveryCount.Add(1)
	ref.deliverySeq.Store(c.session.nextDeliverySeq())
	c.chargeLocked(c.send(ref, int(count)))

	if c.session.preAcknowledge {
		return true, true
	}
	c.delivering = append(c.delivering, ref)
	return true, false
}

// browse sends the queued references the browser has not seen yet.
//
// Called with the queue lock held.
func (c *ServerConsumer) browse(queued []*MessageReference) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ref := range queued {
		if !c.canDeliverLocked() {
			return
		}
		if ref.ID <= c.browsed {
			continue
		}
		c.browsed = ref.ID
		if !c.filter.Match(ref.Message) {
			continue
		}
		c.chargeLocked(c.send(ref, ref.DeliveryCount()))
	}
}

// send pushes ref through the session callback and returns the bytes sent.
func (c *ServerConsumer) send(ref *MessageReference, deliveryCount int) int {
	cb := c.session.callback
	if cb == nil {
		return 0
	}
	if !ref.Large {
		return cb.SendMessage(ref.Message, c.id, deliveryCount)
	}

	var body []byte
	if lm, ok := c.session.po.large.get(ref.Message.MessageID); ok {
		body = lm.body
	}
	size := cb.SendLargeMessage(ref.Message, c.id, int64(len(body)), deliveryCount)
	parts := chunks(body, c.session.po.minLargeMessageSize)
	for i, part := range parts {
		size += cb.SendLargeMessageContinuation(c.id, part, i < len(parts)-1, false)
	}
	return size
}

// acknowledge removes every delivered reference up to and including the
// one carrying messageID. Browsers have nothing to acknowledge.
func (c *ServerConsumer) acknowledge(messageID int64) ([]*MessageReference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browseOnly {
		return nil, nil
	}
	idx := c.indexLocked(messageID)
	if idx < 0 {
		return nil, brokererrors.Newf(brokererrors.IllegalState,
			"consumer %d has no delivered message %d", c.id, messageID)
	}

	acked := append([]*MessageReference(nil), c.delivering[:idx+1]...)
	c.delivering = append([]*MessageReference(nil), c.delivering[idx+1:]...)
	return acked, nil
}

// removeDelivered removes only the delivered reference carrying messageID.
func (c *ServerConsumer) removeDelivered(messageID int64) (*MessageReference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexLocked(messageID)
	if idx < 0 {
		return nil, brokererrors.Newf(brokererrors.IllegalState,
			"consumer %d has no delivered message %d", c.id, messageID)
	}
	ref := c.delivering[idx]
	c.delivering = append(c.delivering[:idx], c.delivering[idx+1:]...)
	return ref, nil
}

func (c *ServerConsumer) indexLocked(messageID int64) int {
	for i, ref := range c.delivering {
		if ref.Message.MessageID == messageID {
			return i
		}
	}
	return -1
}

// takeDelivering removes and returns every delivered reference.
func (c *ServerConsumer) takeDelivering() []*MessageReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := c.delivering
	c.delivering = nil
	return refs
}

// receiveCredits adds credits; -1 makes the consumer unbounded.
func (c *ServerConsumer) receiveCredits(credits int) {
	c.mu.Lock()
	if credits == -1 {
		c.unbounded = true
	} else {
		c.credits += credits
	}
	c.mu.Unlock()

	c.queue.deliver()
}

func (c *ServerConsumer) setStarted(started bool) {
	c.mu.Lock()
	c.started = started
	c.mu.Unlock()

	if started {
		c.queue.deliver()
	}
}

// close detaches the consumer and returns its unacknowledged references for
// the caller to cancel.
func (c *ServerConsumer) close() []*MessageReference {
	c.mu.Lock()
	c.closed = true
	refs := c.delivering
	c.delivering = nil
	c.mu.Unlock()

	c.queue.removeConsumer(c)
	return refs
}
