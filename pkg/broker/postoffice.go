package broker

import (
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittomq/internal/logger"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// Properties the broker sets on messages it produces.
const (
	// PropertyOriginalAddress carries the address an expired message was sent to.
	PropertyOriginalAddress = "_dmq_ORIG_ADDRESS"

	// PropertyForcedDeliverySeq carries the sequence of a forced delivery marker.
	PropertyForcedDeliverySeq = "_dmq_FORCED_DELIVERY_SEQ"
)

// PostOffice owns the queues, their address bindings and message routing.
//
// Thread Safety:
// All methods are safe for concurrent use. The post office lock may be held
// while a queue lock is taken, never the reverse.
type PostOffice struct {
	sm        *persistence.StorageManager
	metrics   *BrokerMetrics
	addresses *addressManager
	large     *largeMessageStore

	expiryAddress       string
	consumerWindowSize  int
	minLargeMessageSize int

	mu       sync.RWMutex
	queues   map[string]*Queue
	bindings map[string][]*Queue
}

func newPostOffice(sm *persistence.StorageManager, opts Options, m *BrokerMetrics) *PostOffice {
	return &PostOffice{
		sm:                  sm,
		metrics:             m,
		addresses:           newAddressManager(opts.AddressMaxSize),
		large:               newLargeMessageStore(sm),
		expiryAddress:       opts.ExpiryAddress,
		consumerWindowSize:  opts.ConsumerWindowSize,
		minLargeMessageSize: opts.MinLargeMessageSize,
		queues:              make(map[string]*Queue),
		bindings:            make(map[string][]*Queue),
	}
}

// detachedContext returns a context for durable writes no request waits on.
func detachedContext() *persistence.OperationContext {
	return persistence.NewOperationContext(persistence.InlineExecutor{})
}

// ============================================================================
// Queue Management
// ============================================================================

// createQueue binds a new queue to address and persists it when durable.
func (po *PostOffice) createQueue(ctx *persistence.OperationContext, address, name, filterExpr string, durable, temporary bool) (*Queue, error) {
	if name == "" {
		return nil, brokererrors.NewIllegalStateError("queue name is required")
	}
	if address == "" {
		return nil, brokererrors.Newf(brokererrors.IllegalState, "queue %s has no address", name)
	}
	if temporary && durable {
		return nil, brokererrors.Newf(brokererrors.IllegalState, "temporary queue %s cannot be durable", name)
	}

	filter, err := ParseFilter(filterExpr)
	if err != nil {
		return nil, brokererrors.NewInvalidFilterError(filterExpr, err)
	}

	q := &Queue{
		ID:        po.sm.NextID(),
		Name:      name,
		Address:   address,
		Filter:    filter,
		Durable:   durable,
		Temporary: temporary,
		CreatedAt: time.Now(),
		po:        po,
	}

	po.mu.Lock()
	if _, exists := po.queues[name]; exists {
		po.mu.Unlock()
		return nil, brokererrors.NewQueueExistsError(name)
	}
	po.bindLocked(q)
	po.mu.Unlock()

	if durable {
		po.sm.StoreQueue(ctx, persistence.QueueBinding{
			ID:        q.ID,
			Name:      q.Name,
			Address:   q.Address,
			Filter:    filterExpr,
			CreatedAt: q.CreatedAt,
		})
	}

	logger.Info("Queue created",
		logger.Queue(name),
		logger.Address(address),
		logger.KeyFilter, filterExpr,
		logger.KeyDurable, durable,
		"temporary", temporary)
	return q, nil
}

// restoreQueue binds a durable queue loaded from the binding store.
func (po *PostOffice) restoreQueue(b persistence.QueueBinding) error {
	filter, err := ParseFilter(b.Filter)
	if err != nil {
		return brokererrors.NewInvalidFilterError(b.Filter, err)
	}
	q := &Queue{
		ID:        b.ID,
		Name:      b.Name,
		Address:   b.Address,
		Filter:    filter,
		Durable:   true,
		CreatedAt: b.CreatedAt,
		po:        po,
	}

	po.mu.Lock()
	defer po.mu.Unlock()
	if _, exists := po.queues[b.Name]; exists {
		return brokererrors.NewQueueExistsError(b.Name)
	}
	po.bindLocked(q)
	return nil
}

func (po *PostOffice) bindLocked(q *Queue) {
	po.queues[q.Name] = q
	po.bindings[q.Address] = append(po.bindings[q.Address], q)
}

// deleteQueue unbinds a queue without consumers and drops its messages.
func (po *PostOffice) deleteQueue(ctx *persistence.OperationContext, name string) error {
	po.mu.Lock()
	q, ok := po.queues[name]
	if !ok {
		po.mu.Unlock()
		return brokererrors.NewQueueDoesNotExistError(name)
	}
	if n := q.ConsumerCount(); n > 0 {
		po.mu.Unlock()
		return brokererrors.Newf(brokererrors.IllegalState, "queue %s has %d consumers", name, n)
	}
	delete(po.queues, name)
	bound := po.bindings[q.Address]
	for i, b := range bound {
		if b == q {
			bound = append(bound[:i], bound[i+1:]...)
			break
		}
	}
	if len(bound) == 0 {
		delete(po.bindings, q.Address)
	} else {
		po.bindings[q.Address] = bound
	}
	po.mu.Unlock()

	refs := q.drain()
	for _, ref := range refs {
		if ref.durable() {
			journalDelete(po.sm, ctx, 0, ref)
		}
		po.release(ctx, ref)
	}
	po.metrics.dropped(len(refs))

	if q.Durable {
		po.sm.DeleteQueue(ctx, name)
	}

	logger.Info("Queue deleted", logger.Queue(name), logger.Address(q.Address), "dropped", len(refs))
	return nil
}

func (po *PostOffice) queue(name string) (*Queue, bool) {
	po.mu.RLock()
	defer po.mu.RUnlock()
	q, ok := po.queues[name]
	return q, ok
}

// listQueues returns every queue ordered by name.
func (po *PostOffice) listQueues() []*Queue {
	po.mu.RLock()
	out := make([]*Queue, 0, len(po.queues))
	for _, q := range po.queues {
		out = append(out, q)
	}
	po.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// bindingQuery returns the names of the queues bound to address, sorted.
func (po *PostOffice) bindingQuery(address string) []string {
	po.mu.RLock()
	names := make([]string, 0, len(po.bindings[address]))
	for _, q := range po.bindings[address] {
		names = append(names, q.Name)
	}
	po.mu.RUnlock()

	sort.Strings(names)
	return names
}

// ============================================================================
// Routing
// ============================================================================

// prepareRefs creates one reference per queue bound to the message address
// whose filter accepts it. The references are not yet in their queues.
func (po *PostOffice) prepareRefs(msg *protocol.Message, large bool, size int64) []*MessageReference {
	po.mu.RLock()
	bound := append([]*Queue(nil), po.bindings[msg.Address]...)
	po.mu.RUnlock()

	var refs []*MessageReference
	for _, q := range bound {
		if !q.Filter.Match(msg) {
			continue
		}
		refs = append(refs, &MessageReference{
			ID:      po.sm.NextID(),
			Message: msg,
			Large:   large,
			Size:    size,
			queue:   q,
		})
	}
	return refs
}

// route journals the durable references outside any transaction and adds
// every reference to its queue.
func (po *PostOffice) route(ctx *persistence.OperationContext, refs []*MessageReference) error {
	for _, ref := range refs {
		if ref.durable() {
			if err := journalAdd(po.sm, ctx, 0, ref); err != nil {
				return err
			}
		}
	}
	po.addRefs(refs)
	return nil
}

// addRefs places references in their queues, charging their addresses.
func (po *PostOffice) addRefs(refs []*MessageReference) {
	for _, ref := range refs {
		po.addresses.add(ref.Message.Address, ref.Size)
		if !ref.queue.add(ref) {
			po.release(nil, ref)
			continue
		}
		po.metrics.routed(1)
	}
}

// ============================================================================
// Settlement
// ============================================================================

// acknowledge settles a delivered reference. journal is false when the
// delete was already journalled inside a transaction.
func (po *PostOffice) acknowledge(ctx *persistence.OperationContext, ref *MessageReference, journal bool) {
	if ctx == nil {
		ctx = detachedContext()
	}
	if journal && ref.durable() {
		journalDelete(po.sm, ctx, 0, ref)
	}
	ref.queue.acknowledged(ref)
	po.release(ctx, ref)
	po.metrics.acknowledged()
}

// expire settles a delivered reference that expired, copying the message to
// the expiry address when one is configured.
func (po *PostOffice) expire(ctx *persistence.OperationContext, ref *MessageReference) {
	if ctx == nil {
		ctx = detachedContext()
	}

	if po.expiryAddress != "" && ref.Message.Address != po.expiryAddress {
		msg := ref.Message.Copy()
		msg.SetProperty(PropertyOriginalAddress, ref.Message.Address)
		msg.Address = po.expiryAddress
		msg.Expiration = 0

		refs := po.prepareRefs(msg, ref.Large, ref.Size)
		if ref.Large {
			po.large.retain(msg.MessageID, len(refs))
		}
		if err := po.route(ctx, refs); err != nil {
			logger.Error("Failed to route expired message",
				logger.MessageID(msg.MessageID),
				logger.Address(po.expiryAddress),
				logger.Err(err))
		}
	}

	if ref.durable() {
		journalDelete(po.sm, ctx, 0, ref)
	}
	ref.queue.expired(ref)
	po.release(ctx, ref)
	po.metrics.expired()

	logger.Debug("Message expired",
		logger.MessageID(ref.Message.MessageID),
		logger.Queue(ref.queue.Name),
		logger.Address(ref.Message.Address))
}

// release frees what a settled or discarded reference held: its address
// budget and its share of a large message body.
func (po *PostOffice) release(ctx *persistence.OperationContext, ref *MessageReference) {
	if ctx == nil {
		ctx = detachedContext()
	}
	po.addresses.release(ref.Message.Address, ref.Size)
	if ref.Large {
		po.large.release(ctx, ref.Message.MessageID)
	}
}

// cancel returns delivered references to their queues.
func (po *PostOffice) cancel(refs []*MessageReference) {
	byQueue := make(map[*Queue][]*MessageReference)
	for _, ref := range refs {
		byQueue[ref.queue] = append(byQueue[ref.queue], ref)
	}
	for q, qrefs := range byQueue {
		q.cancel(qrefs)
	}
}

// takeRef removes the reference with the given ID from whichever queue holds
// it. Used when recovery rebuilds the acknowledgements of a prepared
// transaction.
func (po *PostOffice) takeRef(id int64) *MessageReference {
	for _, q := range po.listQueues() {
		if ref := q.take(id); ref != nil {
			return ref
		}
	}
	return nil
}
