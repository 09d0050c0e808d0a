package bgpsession

import (
	"encoding/binary"

	"github.com/wobcom/fernglas/internal/bgp"
)

const (
	msgTypeOpen         = bgp.MsgTypeOpen
	msgTypeUpdate       = bgp.MsgTypeUpdate
	msgTypeNotification = bgp.MsgTypeNotification
	msgTypeKeepalive    = bgp.MsgTypeKeepalive
)

// encodeMessage wraps body in the 19-byte BGP header: a marker of 0xFF
// bytes (authentication via the marker was deprecated; this collector
// never uses it), the total length, and the message type.
func encodeMessage(msgType uint8, body []byte) []byte {
	out := make([]byte, bgp.HeaderSize, bgp.HeaderSize+len(body))
	for i := range out[:16] {
		out[i] = 0xFF
	}
	binary.BigEndian.PutUint16(out[16:18], uint16(bgp.HeaderSize+len(body)))
	out[18] = msgType
	out = append(out, body...)
	return out
}

// NotificationMessage is a decoded NOTIFICATION message body.
type NotificationMessage struct {
	ErrorCode    uint8
	ErrorSubcode uint8
	Data         []byte
}

func decodeNotification(body []byte) NotificationMessage {
	n := NotificationMessage{}
	if len(body) >= 1 {
		n.ErrorCode = body[0]
	}
	if len(body) >= 2 {
		n.ErrorSubcode = body[1]
	}
	if len(body) > 2 {
		n.Data = append([]byte(nil), body[2:]...)
	}
	return n
}

func encodeKeepalive() []byte {
	return encodeMessage(msgTypeKeepalive, nil)
}
