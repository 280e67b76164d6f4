// Package errors provides the broker error taxonomy shared by the session
// engine, the storage layer and the reference broker.
//
// This is a leaf package with no internal dependencies, so it can be imported
// from protocol, persistence and broker code without import cycles.
//
// Two error kinds cross the session boundary:
//   - *BrokerError carries a broker error code and becomes an EXCEPTION response
//   - *XAError carries an XA status code and becomes an XA_RESP error response
//
// Anything else is treated as an unexpected failure by the dispatcher.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode is a broker error code as carried on the wire.
type ErrorCode int32

const (
	// InternalError indicates an unexpected server-side failure.
	InternalError ErrorCode = 0

	// UnsupportedPacket indicates the server cannot handle the packet type.
	UnsupportedPacket ErrorCode = 1

	// NotConnected indicates the connection is not established.
	NotConnected ErrorCode = 2

	// ConnectionTimedOut indicates nothing was received within the connection TTL.
	ConnectionTimedOut ErrorCode = 3

	// Disconnected indicates the connection was closed by the server.
	Disconnected ErrorCode = 4

	// Unblocked indicates a blocking call was released by a connection failure.
	Unblocked ErrorCode = 5

	// IOError indicates a storage failure.
	IOError ErrorCode = 6

	// QueueDoesNotExist indicates the named queue is unknown.
	QueueDoesNotExist ErrorCode = 100

	// QueueExists indicates a queue with the same name is already bound.
	QueueExists ErrorCode = 101

	// ObjectClosed indicates an operation on a closed session or consumer.
	ObjectClosed ErrorCode = 102

	// InvalidFilterExpression indicates a filter string that does not parse.
	InvalidFilterExpression ErrorCode = 103

	// IllegalState indicates an operation not valid in the current state.
	IllegalState ErrorCode = 104

	// SecurityException indicates an authorization failure.
	SecurityException ErrorCode = 105

	// AddressDoesNotExist indicates the address has no bindings.
	AddressDoesNotExist ErrorCode = 106

	// AddressExists indicates the address is already defined.
	AddressExists ErrorCode = 107

	// IncompatibleClientServerVersions indicates a protocol version mismatch.
	IncompatibleClientServerVersions ErrorCode = 108

	// SessionExists indicates a session with the same name already exists.
	SessionExists ErrorCode = 109

	// LargeMessageErrorBody indicates a large message body could not be read.
	LargeMessageErrorBody ErrorCode = 110

	// TransactionRolledBack indicates the transaction was rolled back.
	TransactionRolledBack ErrorCode = 111

	// SessionCreationRejected indicates the server refused to create the session.
	SessionCreationRejected ErrorCode = 112
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case InternalError:
		return "INTERNAL_ERROR"
	case UnsupportedPacket:
		return "UNSUPPORTED_PACKET"
	case NotConnected:
		return "NOT_CONNECTED"
	case ConnectionTimedOut:
		return "CONNECTION_TIMEDOUT"
	case Disconnected:
		return "DISCONNECTED"
	case Unblocked:
		return "UNBLOCKED"
	case IOError:
		return "IO_ERROR"
	case QueueDoesNotExist:
		return "QUEUE_DOES_NOT_EXIST"
	case QueueExists:
		return "QUEUE_EXISTS"
	case ObjectClosed:
		return "OBJECT_CLOSED"
	case InvalidFilterExpression:
		return "INVALID_FILTER_EXPRESSION"
	case IllegalState:
		return "ILLEGAL_STATE"
	case SecurityException:
		return "SECURITY_EXCEPTION"
	case AddressDoesNotExist:
		return "ADDRESS_DOES_NOT_EXIST"
	case AddressExists:
		return "ADDRESS_EXISTS"
	case IncompatibleClientServerVersions:
		return "INCOMPATIBLE_CLIENT_SERVER_VERSIONS"
	case SessionExists:
		return "SESSION_EXISTS"
	case LargeMessageErrorBody:
		return "LARGE_MESSAGE_ERROR_BODY"
	case TransactionRolledBack:
		return "TRANSACTION_ROLLED_BACK"
	case SessionCreationRejected:
		return "SESSION_CREATION_REJECTED"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(c))
	}
}

// BrokerError is a domain failure with a broker error code.
type BrokerError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a BrokerError.
func New(code ErrorCode, message string) *BrokerError {
	return &BrokerError{Code: code, Message: message}
}

// Newf creates a BrokerError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *BrokerError {
	return &BrokerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ============================================================================
// Factory Functions
// ============================================================================

// NewQueueDoesNotExistError creates a QUEUE_DOES_NOT_EXIST error.
func NewQueueDoesNotExistError(queue string) *BrokerError {
	return Newf(QueueDoesNotExist, "queue %s does not exist", queue)
}

// NewQueueExistsError creates a QUEUE_EXISTS error.
func NewQueueExistsError(queue string) *BrokerError {
	return Newf(QueueExists, "queue %s already exists", queue)
}

// NewObjectClosedError creates an OBJECT_CLOSED error.
func NewObjectClosedError(what string) *BrokerError {
	return Newf(ObjectClosed, "%s is closed", what)
}

// NewIllegalStateError creates an ILLEGAL_STATE error.
func NewIllegalStateError(message string) *BrokerError {
	return New(IllegalState, message)
}

// NewInvalidFilterError creates an INVALID_FILTER_EXPRESSION error.
func NewInvalidFilterError(filter string, cause error) *BrokerError {
	return Newf(InvalidFilterExpression, "invalid filter %q: %v", filter, cause)
}

// NewIOError creates an IO_ERROR error.
func NewIOError(cause error) *BrokerError {
	return New(IOError, cause.Error())
}

// ============================================================================
// Error Type Checking Helpers
// ============================================================================

// AsBrokerError returns the first *BrokerError in err's chain.
func AsBrokerError(err error) (*BrokerError, bool) {
	var be *BrokerError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// HasCode returns true if err wraps a BrokerError with the given code.
func HasCode(err error, code ErrorCode) bool {
	be, ok := AsBrokerError(err)
	return ok && be.Code == code
}

// IsQueueDoesNotExist returns true if err is a QUEUE_DOES_NOT_EXIST error.
func IsQueueDoesNotExist(err error) bool {
	return HasCode(err, QueueDoesNotExist)
}

// IsIllegalState returns true if err is an ILLEGAL_STATE error.
func IsIllegalState(err error) bool {
	return HasCode(err, IllegalState)
}
