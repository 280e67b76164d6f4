package handlers

import (
	"context"
	"net/http"

	"github.com/marmos91/dittomq/pkg/broker"
)

// Broker is the administrative surface of the broker the API exposes.
type Broker interface {
	Sessions() []broker.SessionInfo
	Queues() []broker.QueueInfo
	Transactions() []broker.TransactionInfo
	HeuristicCommit(ctx context.Context, xid string) error
	HeuristicRollback(ctx context.Context, xid string) error
	Healthcheck(ctx context.Context) error
}

// BrokerHandler serves read-only views of sessions and queues.
type BrokerHandler struct {
	broker Broker
}

// NewBrokerHandler creates a handler over b.
func NewBrokerHandler(b Broker) *BrokerHandler {
	return &BrokerHandler{broker: b}
}

// ListSessions handles GET /api/v1/sessions.
func (h *BrokerHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.broker.Sessions())
}

// ListQueues handles GET /api/v1/queues.
func (h *BrokerHandler) ListQueues(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.broker.Queues())
}
