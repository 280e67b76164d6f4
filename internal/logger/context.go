package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds packet-scoped logging context
type LogContext struct {
	TraceID    string    // OpenTelemetry trace ID
	SpanID     string    // OpenTelemetry span ID
	Session    string    // Session name
	ChannelID  int64     // Channel carrying the session
	Packet     string    // Packet type name (SESS_SEND, SESS_XA_START, ...)
	ClientAddr string    // Remote address of the connection
	StartTime  time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a session bound to a channel.
func NewLogContext(session string, channelID int64) *LogContext {
	return &LogContext{
		Session:   session,
		ChannelID: channelID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithPacket returns a copy with the packet name set and the clock restarted.
func (lc *LogContext) WithPacket(packet string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Packet = packet
		clone.StartTime = time.Now()
	}
	return clone
}

// WithClientAddr returns a copy with the remote address set
func (lc *LogContext) WithClientAddr(addr string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ClientAddr = addr
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
