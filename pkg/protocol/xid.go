package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Xid identifies a distributed transaction branch.
type Xid struct {
	FormatID            int32
	GlobalTransactionID []byte
	BranchQualifier     []byte
}

// NewXid creates an Xid.
func NewXid(formatID int32, gtid, bq []byte) Xid {
	return Xid{FormatID: formatID, GlobalTransactionID: gtid, BranchQualifier: bq}
}

// String returns the canonical form "formatID:gtid-hex:bq-hex".
func (x Xid) String() string {
	return strconv.FormatInt(int64(x.FormatID), 10) + ":" +
		hex.EncodeToString(x.GlobalTransactionID) + ":" +
		hex.EncodeToString(x.BranchQualifier)
}

// Equal reports whether two Xids identify the same branch.
func (x Xid) Equal(o Xid) bool {
	return x.FormatID == o.FormatID &&
		bytes.Equal(x.GlobalTransactionID, o.GlobalTransactionID) &&
		bytes.Equal(x.BranchQualifier, o.BranchQualifier)
}

// ParseXid parses the canonical form produced by String.
func ParseXid(s string) (Xid, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("invalid xid %q: expected formatID:gtid:bq", s)
	}
	format, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("invalid xid format id %q: %w", parts[0], err)
	}
	gtid, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("invalid xid global transaction id: %w", err)
	}
	bq, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("invalid xid branch qualifier: %w", err)
	}
	return NewXid(int32(format), gtid, bq), nil
}
