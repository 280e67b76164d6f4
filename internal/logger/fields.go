package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Connection & Session
	// ========================================================================
	KeyConnectionID = "connection_id" // Connection identifier (uuid)
	KeyClientAddr   = "client_addr"   // Remote address of the client
	KeySession      = "session"       // Session name
	KeyChannelID    = "channel_id"    // Channel ID carrying the session
	KeyPacket       = "packet"        // Packet type name
	KeyPacketType   = "packet_type"   // Numeric packet type
	KeyCommandID    = "command_id"    // Last confirmed command ID

	// ========================================================================
	// Messaging
	// ========================================================================
	KeyAddress    = "address"     // Routing address
	KeyQueue      = "queue"       // Queue name
	KeyFilter     = "filter"      // Filter expression
	KeyConsumerID = "consumer_id" // Consumer ID within a session
	KeyMessageID  = "message_id"  // Message ID
	KeyCredits    = "credits"     // Flow-control credits
	KeySize       = "size"        // Size in bytes
	KeyDurable    = "durable"     // Durable flag

	// ========================================================================
	// Transactions
	// ========================================================================
	KeyXid     = "xid"     // XA transaction identifier
	KeyTxID    = "tx_id"   // Journal transaction ID
	KeyTimeout = "timeout" // Transaction timeout
	KeyXACode  = "xa_code" // XA status code
	KeyRecords = "records" // Journal record count

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyPath       = "path"
	KeyComponent  = "component"
)

// ----------------------------------------------------------------------------
// Typed attribute constructors
// ----------------------------------------------------------------------------

// TraceID returns a slog.Attr for trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// ConnectionID returns a slog.Attr for connection identifier
func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnectionID, id)
}

// ClientAddr returns a slog.Attr for the remote address
func ClientAddr(addr string) slog.Attr {
	return slog.String(KeyClientAddr, addr)
}

// Session returns a slog.Attr for the session name
func Session(name string) slog.Attr {
	return slog.String(KeySession, name)
}

// ChannelID returns a slog.Attr for channel ID
func ChannelID(id int64) slog.Attr {
	return slog.Int64(KeyChannelID, id)
}

// Packet returns a slog.Attr for the packet type name
func Packet(name string) slog.Attr {
	return slog.String(KeyPacket, name)
}

// Queue returns a slog.Attr for queue name
func Queue(name string) slog.Attr {
	return slog.String(KeyQueue, name)
}

// Address returns a slog.Attr for routing address
func Address(addr string) slog.Attr {
	return slog.String(KeyAddress, addr)
}

// ConsumerID returns a slog.Attr for consumer ID
func ConsumerID(id int64) slog.Attr {
	return slog.Int64(KeyConsumerID, id)
}

// MessageID returns a slog.Attr for message ID
func MessageID(id int64) slog.Attr {
	return slog.Int64(KeyMessageID, id)
}

// Xid returns a slog.Attr for an XA transaction identifier rendered by its String method.
func Xid(xid fmt.Stringer) slog.Attr {
	return slog.String(KeyXid, xid.String())
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for numeric error code
func ErrorCode(code int) slog.Attr {
	return slog.Int(KeyErrorCode, code)
}

// Component returns a slog.Attr naming the subsystem that logs
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}
