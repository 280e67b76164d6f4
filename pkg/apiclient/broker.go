package apiclient

import (
	"net/url"

	"github.com/marmos91/dittomq/pkg/broker"
)

// Readiness is the payload of GET /health/ready.
type Readiness struct {
	Sessions int    `json:"sessions"`
	Queues   int    `json:"queues"`
	Latency  string `json:"latency"`
}

// Completion is the payload of a heuristic commit or rollback.
type Completion struct {
	Xid     string `json:"xid"`
	Outcome string `json:"outcome"`
}

// Ready checks broker readiness. An unhealthy broker returns an *APIError
// for which IsUnavailable is true.
func (c *Client) Ready() (*Readiness, error) {
	var r Readiness
	if err := c.get("/health/ready", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListSessions returns the open sessions.
func (c *Client) ListSessions() ([]broker.SessionInfo, error) {
	var sessions []broker.SessionInfo
	if err := c.get("/api/v1/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListQueues returns every queue.
func (c *Client) ListQueues() ([]broker.QueueInfo, error) {
	var queues []broker.QueueInfo
	if err := c.get("/api/v1/queues", &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

// ListTransactions returns the XA branches and heuristic outcomes.
func (c *Client) ListTransactions() ([]broker.TransactionInfo, error) {
	var txs []broker.TransactionInfo
	if err := c.get("/api/v1/transactions", &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// CommitTransaction heuristically commits the prepared branch xid.
func (c *Client) CommitTransaction(xid string) (*Completion, error) {
	return c.completeTransaction(xid, "commit")
}

// RollbackTransaction heuristically rolls back the prepared branch xid.
func (c *Client) RollbackTransaction(xid string) (*Completion, error) {
	return c.completeTransaction(xid, "rollback")
}

func (c *Client) completeTransaction(xid, outcome string) (*Completion, error) {
	var out Completion
	if err := c.post("/api/v1/transactions/"+url.PathEscape(xid)+"/"+outcome, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
