package bgp

import (
	"encoding/binary"
	"fmt"

	"github.com/wobcom/fernglas/internal/attrs"
	"github.com/wobcom/fernglas/internal/bitkey"
)

// Announcement is one announced prefix together with its own resolved
// attributes. A single UPDATE's legacy IPv4 NLRI and its MP_REACH_NLRI
// (for a different AFI) can be present at once, each with its own next
// hop — the base NEXT_HOP attribute for the former, the MP_REACH_NLRI's
// own next-hop field for the latter — so each Announcement carries its
// own fully-resolved Attrs rather than sharing one record with the rest
// of the message.
type Announcement struct {
	PathID uint32
	Net    bitkey.IPNet
	Attrs  attrs.RouteAttrs
}

// Update is a fully decoded UPDATE message. Withdrawals holds the IPv4
// withdrawn routes followed by the MP_UNREACH_NLRI ones; Announcements
// holds the IPv4 NLRI followed by the MP_REACH_NLRI ones. The store always applies
// announcements before withdrawals regardless of this decode order; see
// internal/store.InsertUpdateMessage.
type Update struct {
	Announcements []Announcement
	Withdrawals   []NLRI
}

// MessageHeader is the framing shared by every BGP message: a 16-byte
// marker (ignored; authentication via the marker was deprecated and this
// collector never authenticates at this layer), a total length including
// the header, and a message type.
type MessageHeader struct {
	Length int
	Type   uint8
}

// DecodeMessageHeader reads the fixed 19-byte BGP header from the front of
// data and returns it along with the message body (header.Length-19 bytes).
func DecodeMessageHeader(data []byte) (MessageHeader, []byte, error) {
	if len(data) < HeaderSize {
		return MessageHeader{}, nil, fmt.Errorf("bgp: message header truncated (%d bytes)", len(data))
	}
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < HeaderSize || length > len(data) {
		return MessageHeader{}, nil, fmt.Errorf("bgp: invalid message length %d", length)
	}
	h := MessageHeader{Length: length, Type: data[18]}
	return h, data[HeaderSize:length], nil
}

// DecodeUpdate decodes the body of an UPDATE message (the bytes following
// the 19-byte header). hasAddPath reflects whether ADD-PATH was negotiated
// for the relevant AFI/SAFI on this session.
func DecodeUpdate(body []byte, hasAddPath bool) (Update, error) {
	if len(body) < 4 {
		return Update{}, fmt.Errorf("bgp: update body too short (%d bytes)", len(body))
	}

	offset := 0
	withdrawnLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen > len(body) {
		return Update{}, fmt.Errorf("bgp: withdrawn length %d exceeds body", withdrawnLen)
	}
	withdrawn, err := parsePrefixes(body[offset:offset+withdrawnLen], 4, hasAddPath)
	if err != nil {
		return Update{}, fmt.Errorf("bgp: withdrawn routes: %w", err)
	}
	offset += withdrawnLen

	if offset+2 > len(body) {
		return Update{}, fmt.Errorf("bgp: missing path attribute length")
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+totalPathAttrLen > len(body) {
		return Update{}, fmt.Errorf("bgp: path attribute length %d exceeds body", totalPathAttrLen)
	}
	parsed, err := parsePathAttributes(body[offset:offset+totalPathAttrLen], hasAddPath)
	if err != nil {
		return Update{}, fmt.Errorf("bgp: path attributes: %w", err)
	}
	offset += totalPathAttrLen

	nlri, err := parsePrefixes(body[offset:], 4, hasAddPath)
	if err != nil {
		return Update{}, fmt.Errorf("bgp: NLRI: %w", err)
	}

	var out Update
	out.Withdrawals = append(out.Withdrawals, withdrawn...)
	out.Withdrawals = append(out.Withdrawals, parsed.MPUnreachNLRI...)

	// Legacy IPv4 NLRIs inherit the top-level NEXT_HOP attribute.
	for _, n := range nlri {
		out.Announcements = append(out.Announcements, Announcement{
			PathID: n.PathID,
			Net:    n.Net,
			Attrs:  parsed.Attrs,
		})
	}

	// MP_REACH_NLRI's next hop applies only to its own announcements, and
	// is independent of whatever legacy IPv4 NLRI the same UPDATE also
	// carries — each announcement gets its own Attrs clone with the
	// appropriate next hop rather than one record shared message-wide.
	if len(parsed.MPReachNLRI) > 0 {
		mpAttrs := parsed.Attrs
		if parsed.MPReachNexthop.IsValid() {
			mpAttrs.NextHop = parsed.MPReachNexthop
		}
		for _, n := range parsed.MPReachNLRI {
			out.Announcements = append(out.Announcements, Announcement{
				PathID: n.PathID,
				Net:    n.Net,
				Attrs:  mpAttrs,
			})
		}
	}

	return out, nil
}
