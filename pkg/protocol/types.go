// Package protocol defines the broker wire protocol: the packet tagged union
// exchanged on session and control channels, and the frame codec.
package protocol

import "fmt"

// PacketType is the opcode identifying a packet variant.
type PacketType uint8

// Transport and control packets.
const (
	PING               PacketType = 10
	DISCONNECT         PacketType = 11
	EXCEPTION          PacketType = 20
	NULL_RESPONSE      PacketType = 21
	PACKETS_CONFIRMED  PacketType = 22
	CREATESESSION      PacketType = 30
	CREATESESSION_RESP PacketType = 31
	CREATE_QUEUE       PacketType = 34
	DELETE_QUEUE       PacketType = 35
)

// Session packets.
const (
	SESS_CREATECONSUMER           PacketType = 40
	SESS_ACKNOWLEDGE              PacketType = 41
	SESS_EXPIRED                  PacketType = 42
	SESS_COMMIT                   PacketType = 43
	SESS_ROLLBACK                 PacketType = 44
	SESS_QUEUEQUERY               PacketType = 45
	SESS_QUEUEQUERY_RESP          PacketType = 46
	SESS_BINDINGQUERY             PacketType = 49
	SESS_BINDINGQUERY_RESP        PacketType = 50
	SESS_XA_START                 PacketType = 51
	SESS_XA_END                   PacketType = 52
	SESS_XA_COMMIT                PacketType = 53
	SESS_XA_PREPARE               PacketType = 54
	SESS_XA_RESP                  PacketType = 55
	SESS_XA_ROLLBACK              PacketType = 56
	SESS_XA_JOIN                  PacketType = 57
	SESS_XA_SUSPEND               PacketType = 58
	SESS_XA_RESUME                PacketType = 59
	SESS_XA_FORGET                PacketType = 60
	SESS_XA_INDOUBT_XIDS          PacketType = 61
	SESS_XA_INDOUBT_XIDS_RESP     PacketType = 62
	SESS_XA_SET_TIMEOUT           PacketType = 63
	SESS_XA_SET_TIMEOUT_RESP      PacketType = 64
	SESS_XA_GET_TIMEOUT           PacketType = 65
	SESS_XA_GET_TIMEOUT_RESP      PacketType = 66
	SESS_START                    PacketType = 67
	SESS_STOP                     PacketType = 68
	SESS_CLOSE                    PacketType = 69
	SESS_FLOWTOKEN                PacketType = 70
	SESS_SEND                     PacketType = 71
	SESS_SEND_LARGE               PacketType = 72
	SESS_SEND_CONTINUATION        PacketType = 73
	SESS_CONSUMER_CLOSE           PacketType = 74
	SESS_RECEIVE_MSG              PacketType = 75
	SESS_RECEIVE_LARGE_MSG        PacketType = 76
	SESS_RECEIVE_CONTINUATION     PacketType = 77
	SESS_FORCE_CONSUMER_DELIVERY  PacketType = 78
	SESS_PRODUCER_REQUEST_CREDITS PacketType = 79
	SESS_PRODUCER_CREDITS         PacketType = 80
)

var packetTypeNames = map[PacketType]string{
	PING:                          "PING",
	DISCONNECT:                    "DISCONNECT",
	EXCEPTION:                     "EXCEPTION",
	NULL_RESPONSE:                 "NULL_RESPONSE",
	PACKETS_CONFIRMED:             "PACKETS_CONFIRMED",
	CREATESESSION:                 "CREATESESSION",
	CREATESESSION_RESP:            "CREATESESSION_RESP",
	CREATE_QUEUE:                  "CREATE_QUEUE",
	DELETE_QUEUE:                  "DELETE_QUEUE",
	SESS_CREATECONSUMER:           "SESS_CREATECONSUMER",
	SESS_ACKNOWLEDGE:              "SESS_ACKNOWLEDGE",
	SESS_EXPIRED:                  "SESS_EXPIRED",
	SESS_COMMIT:                   "SESS_COMMIT",
	SESS_ROLLBACK:                 "SESS_ROLLBACK",
	SESS_QUEUEQUERY:               "SESS_QUEUEQUERY",
	SESS_QUEUEQUERY_RESP:          "SESS_QUEUEQUERY_RESP",
	SESS_BINDINGQUERY:             "SESS_BINDINGQUERY",
	SESS_BINDINGQUERY_RESP:        "SESS_BINDINGQUERY_RESP",
	SESS_XA_START:                 "SESS_XA_START",
	SESS_XA_END:                   "SESS_XA_END",
	SESS_XA_COMMIT:                "SESS_XA_COMMIT",
	SESS_XA_PREPARE:               "SESS_XA_PREPARE",
	SESS_XA_RESP:                  "SESS_XA_RESP",
	SESS_XA_ROLLBACK:              "SESS_XA_ROLLBACK",
	SESS_XA_JOIN:                  "SESS_XA_JOIN",
	SESS_XA_SUSPEND:               "SESS_XA_SUSPEND",
	SESS_XA_RESUME:                "SESS_XA_RESUME",
	SESS_XA_FORGET:                "SESS_XA_FORGET",
	SESS_XA_INDOUBT_XIDS:          "SESS_XA_INDOUBT_XIDS",
	SESS_XA_INDOUBT_XIDS_RESP:     "SESS_XA_INDOUBT_XIDS_RESP",
	SESS_XA_SET_TIMEOUT:           "SESS_XA_SET_TIMEOUT",
	SESS_XA_SET_TIMEOUT_RESP:      "SESS_XA_SET_TIMEOUT_RESP",
	SESS_XA_GET_TIMEOUT:           "SESS_XA_GET_TIMEOUT",
	SESS_XA_GET_TIMEOUT_RESP:      "SESS_XA_GET_TIMEOUT_RESP",
	SESS_START:                    "SESS_START",
	SESS_STOP:                     "SESS_STOP",
	SESS_CLOSE:                    "SESS_CLOSE",
	SESS_FLOWTOKEN:                "SESS_FLOWTOKEN",
	SESS_SEND:                     "SESS_SEND",
	SESS_SEND_LARGE:               "SESS_SEND_LARGE",
	SESS_SEND_CONTINUATION:        "SESS_SEND_CONTINUATION",
	SESS_CONSUMER_CLOSE:           "SESS_CONSUMER_CLOSE",
	SESS_RECEIVE_MSG:              "SESS_RECEIVE_MSG",
	SESS_RECEIVE_LARGE_MSG:        "SESS_RECEIVE_LARGE_MSG",
	SESS_RECEIVE_CONTINUATION:     "SESS_RECEIVE_CONTINUATION",
	SESS_FORCE_CONSUMER_DELIVERY:  "SESS_FORCE_CONSUMER_DELIVERY",
	SESS_PRODUCER_REQUEST_CREDITS: "SESS_PRODUCER_REQUEST_CREDITS",
	SESS_PRODUCER_CREDITS:         "SESS_PRODUCER_CREDITS",
}

// String returns the opcode name, or UNKNOWN(n) for unassigned values.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Known reports whether t is an assigned opcode.
func (t PacketType) Known() bool {
	_, ok := packetTypeNames[t]
	return ok
}
