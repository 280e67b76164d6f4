package broker

import (
	"sync"

	"github.com/marmos91/dittomq/internal/logger"
)

// creditRequest is a producer credit request parked until its address has
// room again.
type creditRequest struct {
	owner   *ServerSession
	credits int
	grant   func(credits int)
}

type addressBudget struct {
	used    int64
	waiting []creditRequest
}

// addressManager tracks the bytes held by each address and hands out
// producer credits against the configured maximum.
//
// Grants run outside the manager lock.
type addressManager struct {
	maxSize int64 // <0 means unbounded

	mu        sync.Mutex
	addresses map[string]*addressBudget
}

func newAddressManager(maxSize int64) *addressManager {
	return &addressManager{
		maxSize:   maxSize,
		addresses: make(map[string]*addressBudget),
	}
}

func (m *addressManager) budget(address string) *addressBudget {
	b, ok := m.addresses[address]
	if !ok {
		b = &addressBudget{}
		m.addresses[address] = b
	}
	return b
}

// request grants credits immediately when the address has room, otherwise
// parks the request until acknowledgements free space.
func (m *addressManager) request(owner *ServerSession, address string, credits int, grant func(int)) {
	m.mu.Lock()
	b := m.budget(address)
	if m.maxSize < 0 || b.used < m.maxSize {
		m.mu.Unlock()
		grant(credits)
		return
	}
	b.waiting = append(b.waiting, creditRequest{owner: owner, credits: credits, grant: grant})
	used := b.used
	m.mu.Unlock()

	logger.Debug("Producer credits blocked",
		logger.Address(address),
		logger.KeyCredits, credits,
		logger.KeySize, used)
}

// add charges size bytes to address.
func (m *addressManager) add(address string, size int64) {
	if size == 0 {
		return
	}
	m.mu.Lock()
	m.budget(address).used += size
	m.mu.Unlock()
}

// release returns size bytes to address. Once the address drops below its
// maximum every parked request is granted, in arrival order.
func (m *addressManager) release(address string, size int64) {
	m.mu.Lock()
	b, ok := m.addresses[address]
	if !ok {
		m.mu.Unlock()
		return
	}
	b.used -= size
	if b.used < 0 {
		b.used = 0
	}

	var ready []creditRequest
	if m.maxSize < 0 || b.used < m.maxSize {
		ready = b.waiting
		b.waiting = nil
	}
	m.mu.Unlock()

	for _, r := range ready {
		r.grant(r.credits)
	}
}

// cancel drops every parked request owned by owner.
func (m *addressManager) cancel(owner *ServerSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.addresses {
		kept := b.waiting[:0]
		for _, r := range b.waiting {
			if r.owner != owner {
				kept = append(kept, r)
			}
		}
		b.waiting = kept
	}
}

// used returns the bytes currently held by address.
func (m *addressManager) used(address string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.addresses[address]; ok {
		return b.used
	}
	return 0
}

// waiting returns the number of parked requests on address.
func (m *addressManager) waiting(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.addresses[address]; ok {
		return len(b.waiting)
	}
	return 0
}
