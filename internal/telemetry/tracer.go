package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for broker spans.
// These follow OpenTelemetry messaging semantic conventions where applicable.
const (
	// ========================================================================
	// Client attributes
	// ========================================================================
	AttrClientAddr   = "client.address"
	AttrConnectionID = "messaging.client.connection_id"

	// ========================================================================
	// Messaging attributes
	// ========================================================================
	AttrSystem      = "messaging.system"
	AttrOperation   = "messaging.operation.name"
	AttrDestination = "messaging.destination.name"
	AttrQueue       = "dittomq.queue"
	AttrConsumerID  = "dittomq.consumer_id"
	AttrMessageID   = "messaging.message.id"
	AttrBodySize    = "messaging.message.body.size"

	// ========================================================================
	// Session attributes
	// ========================================================================
	AttrSession    = "dittomq.session"
	AttrChannelID  = "dittomq.channel_id"
	AttrPacketType = "dittomq.packet_type"
	AttrResponse   = "dittomq.response"

	// ========================================================================
	// Transaction & storage attributes
	// ========================================================================
	AttrXid        = "dittomq.xa.xid"
	AttrXACode     = "dittomq.xa.code"
	AttrErrorCode  = "dittomq.error_code"
	AttrJournalOps = "dittomq.journal.records"
)

// Span names.
// Format: <component>.<operation>
const (
	SpanPacket         = "session.packet"
	SpanConfirm        = "session.confirm"
	SpanCreateSession  = "control.create_session"
	SpanJournalAppend  = "journal.append"
	SpanJournalSync    = "journal.sync"
	SpanStoreWrite     = "store.write"
	SpanXAReaper       = "xa.reaper"
	SpanConnectionFail = "connection.fail"
)

// messagingSystem is the value reported for messaging.system.
const messagingSystem = "dittomq"

// ClientAddr returns an attribute for full client address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// ConnectionID returns an attribute for the connection identifier
func ConnectionID(id string) attribute.KeyValue {
	return attribute.String(AttrConnectionID, id)
}

// Session returns an attribute for the session name
func Session(name string) attribute.KeyValue {
	return attribute.String(AttrSession, name)
}

// ChannelID returns an attribute for the channel ID
func ChannelID(id int64) attribute.KeyValue {
	return attribute.Int64(AttrChannelID, id)
}

// PacketType returns an attribute for the packet type name
func PacketType(name string) attribute.KeyValue {
	return attribute.String(AttrPacketType, name)
}

// Response returns an attribute for the response packet type name
func Response(name string) attribute.KeyValue {
	return attribute.String(AttrResponse, name)
}

// Destination returns an attribute for the routing address
func Destination(address string) attribute.KeyValue {
	return attribute.String(AttrDestination, address)
}

// Queue returns an attribute for the queue name
func Queue(name string) attribute.KeyValue {
	return attribute.String(AttrQueue, name)
}

// ConsumerID returns an attribute for the consumer ID
func ConsumerID(id int64) attribute.KeyValue {
	return attribute.Int64(AttrConsumerID, id)
}

// BodySize returns an attribute for a message body size
func BodySize(n int) attribute.KeyValue {
	return attribute.Int(AttrBodySize, n)
}

// Xid returns an attribute for an XA transaction identifier
func Xid(xid string) attribute.KeyValue {
	return attribute.String(AttrXid, xid)
}

// XACode returns an attribute for an XA status code
func XACode(code int) attribute.KeyValue {
	return attribute.Int(AttrXACode, code)
}

// ErrorCode returns an attribute for a broker error code
func ErrorCode(code int) attribute.KeyValue {
	return attribute.Int(AttrErrorCode, code)
}

// JournalRecords returns an attribute for the number of records in a journal batch
func JournalRecords(n int) attribute.KeyValue {
	return attribute.Int(AttrJournalOps, n)
}

// StartPacketSpan starts a server span for one dispatched session packet.
func StartPacketSpan(ctx context.Context, session string, channelID int64, packet string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String(AttrSystem, messagingSystem),
		attribute.String(AttrOperation, packet),
		Session(session),
		ChannelID(channelID),
		PacketType(packet),
	}
	return StartSpan(ctx, SpanPacket,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(append(base, attrs...)...),
	)
}

// StartStorageSpan starts an internal span for journal and store operations.
func StartStorageSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}
