package errors

import (
	stderrors "errors"
	"fmt"
)

// XACode is an XA status code as defined by X/Open XA.
type XACode int32

const (
	XAOK         XACode = 0
	XARdOnly     XACode = 3
	XAHeurRB     XACode = 6
	XAHeurCom    XACode = 7
	XAErRMErr    XACode = -3
	XAErNoTA     XACode = -4
	XAErInval    XACode = -5
	XAErProto    XACode = -6
	XAErRMFail   XACode = -7
	XAErDupID    XACode = -8
	XAErOutside  XACode = -9
	XARBRollback XACode = 100
	XARBTimeout  XACode = 106
)

func (c XACode) String() string {
	switch c {
	case XAOK:
		return "XA_OK"
	case XARdOnly:
		return "XA_RDONLY"
	case XAHeurRB:
		return "XA_HEURRB"
	case XAHeurCom:
		return "XA_HEURCOM"
	case XAErRMErr:
		return "XAER_RMERR"
	case XAErNoTA:
		return "XAER_NOTA"
	case XAErInval:
		return "XAER_INVAL"
	case XAErProto:
		return "XAER_PROTO"
	case XAErRMFail:
		return "XAER_RMFAIL"
	case XAErDupID:
		return "XAER_DUPID"
	case XAErOutside:
		return "XAER_OUTSIDE"
	case XARBRollback:
		return "XA_RBROLLBACK"
	case XARBTimeout:
		return "XA_RBTIMEOUT"
	default:
		return fmt.Sprintf("XA(%d)", int32(c))
	}
}

// XAError is a distributed transaction failure carrying an XA status code.
type XAError struct {
	Code    XACode
	Message string
}

// Error implements the error interface.
func (e *XAError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewXAError creates an XAError.
func NewXAError(code XACode, format string, args ...any) *XAError {
	return &XAError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsXAError returns the first *XAError in err's chain.
func AsXAError(err error) (*XAError, bool) {
	var xe *XAError
	if stderrors.As(err, &xe) {
		return xe, true
	}
	return nil, false
}

// IsXAError returns true if err wraps an XAError.
func IsXAError(err error) bool {
	_, ok := AsXAError(err)
	return ok
}
