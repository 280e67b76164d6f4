package server

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/internal/telemetry"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/remoting"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SessionPacketHandler serves one session channel.
//
// For every packet it binds the session's OperationContext, runs the
// matching Session command, and hands the response to the confirmation
// protocol: once every durable write the command caused has completed, the
// request is confirmed on the channel, then the response is sent, then the
// channel is closed when the command asked for it.
//
// It also listens for failure and close of the underlying connection and
// tears the session down once, whichever event comes first.
//
// Thread safety: HandlePacket must not be called concurrently; the transport
// calls it from the connection's read loop. Completions run on the
// OperationContext's executor.
type SessionPacketHandler struct {
	session Session
	storage OperationContext
	channel remoting.Channel
	conn    remoting.Connection
	metrics *SessionMetrics

	logCtx *logger.LogContext

	// detached is the one-shot teardown guard. Once set the connection
	// listeners are gone and lifecycle events are ignored.
	detached atomic.Bool
	// failed is set by ConnectionFailed. Requests arriving afterwards are
	// confirmed but never reach the session.
	failed atomic.Bool
	// closed makes session.Close run once across CLOSE, connection failure
	// and broker shutdown.
	closed atomic.Bool
}

var (
	_ remoting.ChannelHandler  = (*SessionPacketHandler)(nil)
	_ remoting.FailureListener = (*SessionPacketHandler)(nil)
	_ remoting.CloseListener   = (*SessionPacketHandler)(nil)
	_ SessionCallback          = (*SessionPacketHandler)(nil)
)

// NewSessionPacketHandler creates the handler for session on channel and
// registers it as a failure and close listener on the channel's connection.
// m may be nil.
func NewSessionPacketHandler(session Session, storage OperationContext, channel remoting.Channel, m *SessionMetrics) *SessionPacketHandler {
	h := &SessionPacketHandler{
		session: session,
		storage: storage,
		channel: channel,
		conn:    channel.Connection(),
		metrics: m,
		logCtx:  logger.NewLogContext(session.Name(), channel.ID()),
	}
	if addr := h.conn.RemoteAddr(); addr != "" {
		h.logCtx = h.logCtx.WithClientAddr(addr)
	}

	h.conn.AddFailureListener(h)
	h.conn.AddCloseListener(h)
	m.sessionOpened()
	return h
}

// ID returns the ID of the channel the session lives on.
func (h *SessionPacketHandler) ID() int64 {
	return h.channel.ID()
}

// Session returns the session the handler dispatches to.
func (h *SessionPacketHandler) Session() Session {
	return h.session
}

// Channel returns the session channel.
func (h *SessionPacketHandler) Channel() remoting.Channel {
	return h.channel
}

// ============================================================================
// Dispatch
// ============================================================================

// HandlePacket dispatches one request. It never returns an error: every
// outcome ends either in a response on the channel or in a log line.
func (h *SessionPacketHandler) HandlePacket(p protocol.Packet) {
	if h.failed.Load() {
		logger.Debug("Dropping packet for failed session",
			logger.Session(h.session.Name()), logger.KeyPacketType, uint8(p.Type()))
		h.channel.Confirm(p)
		return
	}

	start := time.Now()
	cmd := lookupCommand(p.Type())

	ctx, span := telemetry.StartPacketSpan(context.Background(), h.session.Name(), h.channel.ID(), p.Type().String())
	defer span.End()
	lc := h.logCtx.WithPacket(p.Type().String())
	lc = lc.WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	release := h.bindContext()
	defer release()

	if cmd == ignoredCommand {
		logger.DebugCtx(ctx, "Ignoring packet with no session command", logger.KeyPacketType, uint8(p.Type()))
	}

	r, err := h.execute(cmd, p)
	if err != nil {
		r = reply{response: h.responseForError(ctx, cmd, err)}
	}

	h.sendResponse(ctx, p, r)
	h.metrics.recordDispatch(cmd.Name, time.Since(start))
}

// bindContext binds the operation context and returns the function that
// completes and clears it. The returned function must run on every exit path.
func (h *SessionPacketHandler) bindContext() func() {
	h.storage.Bind()
	return func() {
		h.storage.CompleteScheduledOperations()
		h.storage.ClearBinding()
	}
}

// execute runs the command, turning a panic into an unclassified error.
func (h *SessionPacketHandler) execute(cmd *sessionCommand, p protocol.Packet) (r reply, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", cmd.Name, rec, debug.Stack())
		}
	}()
	return cmd.Handler(h, p)
}

// responseForError maps a command failure to its response. XA failures keep
// their XA status, broker failures become EXCEPTION, and anything else is
// logged and answered with nothing.
func (h *SessionPacketHandler) responseForError(ctx context.Context, cmd *sessionCommand, err error) protocol.Packet {
	telemetry.RecordError(ctx, err)

	if xaErr, ok := brokererrors.AsXAError(err); ok {
		telemetry.SetAttributes(ctx, telemetry.XACode(int(xaErr.Code)))
		return &protocol.SessXAResp{IsError: true, ResponseCode: int32(xaErr.Code), Message: xaErr.Message}
	}
	if be, ok := brokererrors.AsBrokerError(err); ok {
		telemetry.SetAttributes(ctx, telemetry.ErrorCode(int(be.Code)))
		return &protocol.Exception{Code: int32(be.Code), Message: be.Message}
	}

	logger.ErrorCtx(ctx, "Caught unexpected failure", logger.Err(err))
	h.metrics.recordUnexpected(cmd.Name)
	return nil
}

// ============================================================================
// Confirmation Protocol
// ============================================================================

// sendResponse defers the confirm and response until the durable writes
// lined up so far have completed. A storage failure replaces the response
// with an EXCEPTION carrying the storage error.
func (h *SessionPacketHandler) sendResponse(ctx context.Context, confirm protocol.Packet, r reply) {
	h.storage.ScheduleCompletion().Then(func(serr *persistence.StorageError) {
		if serr != nil {
			logger.WarnCtx(ctx, "Error processing storage completion",
				logger.ErrorCode(int(serr.Code)), "message", serr.Message)
			h.metrics.recordStorageError()
			r.response = &protocol.Exception{Code: int32(serr.Code), Message: serr.Message}
		}
		h.doConfirmAndResponse(ctx, confirm, r)
	})
}

// doConfirmAndResponse confirms the request, optionally flushes
// confirmations, sends the response and finally closes the channel.
func (h *SessionPacketHandler) doConfirmAndResponse(ctx context.Context, confirm protocol.Packet, r reply) {
	_, span := telemetry.StartSpan(ctx, telemetry.SpanConfirm)
	defer span.End()

	if confirm != nil {
		h.channel.Confirm(confirm)
		if r.flush {
			h.channel.FlushConfirmations()
		}
	}

	if r.response != nil {
		kind := responseKind(r.response)
		span.SetAttributes(telemetry.Response(kind))
		if err := h.channel.Send(r.response); err != nil {
			logger.DebugCtx(ctx, "Failed to send response", logger.Err(err))
			span.SetStatus(codes.Error, err.Error())
		}
		h.metrics.recordResponse(kind)
	}

	if r.closeChannel {
		if err := h.channel.Close(); err != nil {
			logger.DebugCtx(ctx, "Failed to close channel", logger.Err(err))
		}
	}
}

func responseKind(p protocol.Packet) string {
	switch resp := p.(type) {
	case *protocol.NullResponse:
		return "null"
	case *protocol.Exception:
		return "exception"
	case *protocol.SessXAResp:
		if resp.IsError {
			return "xa_error"
		}
		return "xa_ok"
	default:
		return "result"
	}
}

// ============================================================================
// Connection Lifecycle
// ============================================================================

// detach moves the handler to its terminal state and unregisters the
// connection listeners. It reports whether this call performed the
// transition.
func (h *SessionPacketHandler) detach(failed bool) bool {
	if !h.detached.CompareAndSwap(false, true) {
		return false
	}
	if failed {
		h.failed.Store(true)
	}
	h.conn.RemoveFailureListener(h)
	h.conn.RemoveCloseListener(h)
	h.metrics.sessionTornDown(failed)
	return true
}

// ConnectionFailed runs the session's failure runners and closes it.
func (h *SessionPacketHandler) ConnectionFailed(err error) {
	if !h.detach(true) {
		return
	}

	name := h.session.Name()
	logger.Warn("Client connection failed, clearing up resources for session",
		logger.Session(name), logger.Err(err))

	_, span := telemetry.StartSpan(context.Background(), telemetry.SpanConnectionFail,
		trace.WithAttributes(telemetry.Session(name), telemetry.ChannelID(h.channel.ID())))
	defer span.End()

	h.session.RunConnectionFailureRunners()
	h.closeSession()

	logger.Warn("Cleared up resources for session", logger.Session(name))
}

// ConnectionClosed runs the session's failure runners. The session itself
// is closed by its own CLOSE command or by ConnectionFailed.
func (h *SessionPacketHandler) ConnectionClosed() {
	if !h.detach(false) {
		return
	}
	h.session.RunConnectionFailureRunners()
}

// Close flushes pending confirmations and closes the session. Used when the
// broker shuts down with the session still open.
func (h *SessionPacketHandler) Close() {
	h.channel.FlushConfirmations()
	h.detach(false)
	h.closeSession()
}

// closeSession closes the session unless a CLOSE command or an earlier
// teardown got there first.
func (h *SessionPacketHandler) closeSession() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	if err := h.session.Close(); err != nil {
		logger.Error("Failed to close session", logger.Session(h.session.Name()), logger.Err(err))
	}
}

// IsDetached reports whether the handler has been torn down.
func (h *SessionPacketHandler) IsDetached() bool {
	return h.detached.Load()
}
