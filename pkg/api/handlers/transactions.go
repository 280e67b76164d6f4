package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/pkg/broker"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
)

// TransactionHandler lists XA branches and completes in-doubt ones
// heuristically.
type TransactionHandler struct {
	broker Broker
}

// NewTransactionHandler creates a handler over b.
func NewTransactionHandler(b Broker) *TransactionHandler {
	return &TransactionHandler{broker: b}
}

// List handles GET /api/v1/transactions.
func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	txs := h.broker.Transactions()
	if txs == nil {
		txs = []broker.TransactionInfo{}
	}
	writeOK(w, txs)
}

// Commit handles POST /api/v1/transactions/{xid}/commit.
func (h *TransactionHandler) Commit(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, "commit", h.broker.HeuristicCommit)
}

// Rollback handles POST /api/v1/transactions/{xid}/rollback.
func (h *TransactionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, "rollback", h.broker.HeuristicRollback)
}

func (h *TransactionHandler) complete(w http.ResponseWriter, r *http.Request, outcome string, fn func(context.Context, string) error) {
	xid := chi.URLParam(r, "xid")
	if xid == "" {
		writeError(w, http.StatusBadRequest, "xid is required")
		return
	}

	if err := fn(r.Context(), xid); err != nil {
		status := xaStatus(err)
		if status == http.StatusInternalServerError {
			logger.Error("Heuristic completion failed", "outcome", outcome, "xid", xid, logger.Err(err))
		}
		writeError(w, status, err.Error())
		return
	}

	logger.Info("Transaction completed heuristically", "outcome", outcome, "xid", xid)
	writeOK(w, map[string]string{"xid": xid, "outcome": outcome})
}

// xaStatus maps an XA failure to an HTTP status code.
func xaStatus(err error) int {
	xe, ok := brokererrors.AsXAError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch xe.Code {
	case brokererrors.XAErNoTA:
		return http.StatusNotFound
	case brokererrors.XAErInval:
		return http.StatusBadRequest
	case brokererrors.XAErProto, brokererrors.XAHeurCom, brokererrors.XAHeurRB:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
