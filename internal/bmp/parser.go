package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// MessageLength reads the common header's declared length from the front
// of data (only CommonHeaderSize bytes are required) so a caller can
// buffer exactly that many bytes before calling Decode.
func MessageLength(data []byte) (int, error) {
	if len(data) < CommonHeaderSize {
		return 0, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}
	if data[0] != Version {
		return 0, fmt.Errorf("bmp: unsupported version %d (expected %d)", data[0], Version)
	}
	length := int(binary.BigEndian.Uint32(data[1:5]))
	if length < CommonHeaderSize {
		return 0, fmt.Errorf("bmp: declared length %d smaller than common header", length)
	}
	return length, nil
}

// Message is one decoded BMP message. Exactly the fields relevant to its
// Type are populated; a zero netip.Addr/empty string/nil slice means the
// message type doesn't carry that field.
type Message struct {
	Type uint8
	Peer PeerHeader // zero value when Type is Initiation or Termination

	// Initiation
	SysName  string
	SysDescr string

	// PeerUpNotification
	RouterID netip.Addr // the peer's own BGP Identifier, for client_up

	// RouteMonitoring
	BGPUpdate []byte // the encapsulated BGP UPDATE, header included
	TableName string // Loc-RIB table-name TLV (RFC 9069), if present

	// PeerDownNotification
	Reason uint8
}

// Decode decodes one complete BMP message (header and body both
// present; use MessageLength to know how many bytes to buffer first).
func Decode(data []byte) (Message, error) {
	length, err := MessageLength(data)
	if err != nil {
		return Message{}, err
	}
	if length > len(data) {
		return Message{}, fmt.Errorf("bmp: declared length %d exceeds available data %d", length, len(data))
	}
	msgType := data[5]
	body := data[CommonHeaderSize:length]

	m := Message{Type: msgType}

	switch msgType {
	case MsgTypeInitiation:
		parseTLVStrings(body, &m.SysName, &m.SysDescr)
		return m, nil
	case MsgTypeTermination:
		return m, nil
	}

	peer, err := decodePeerHeader(body)
	if err != nil {
		return Message{}, fmt.Errorf("bmp: %w", err)
	}
	m.Peer = peer
	rest := body[PerPeerHeaderSize:]

	switch msgType {
	case MsgTypeRouteMonitoring:
		bgpLen, err := bgpMessageLength(rest)
		if err != nil {
			m.BGPUpdate = rest
			return m, nil
		}
		if bgpLen > len(rest) {
			m.BGPUpdate = rest
			return m, nil
		}
		m.BGPUpdate = rest[:bgpLen]
		if peer.Type == PeerTypeLocRIB {
			m.TableName = tableNameTLV(rest[bgpLen:])
		}
		return m, nil
	case MsgTypePeerUp:
		// Sent/Received OPEN messages follow the per-peer header; the
		// peer's own identity is already in the per-peer header's BGP
		// ID field, which is what client_up registers as RouterID.
		m.RouterID = peer.BGPID
		return m, nil
	case MsgTypePeerDown:
		if len(rest) > 0 {
			m.Reason = rest[0]
		}
		return m, nil
	default:
		// Statistics Report, Route Mirroring: not consumed.
		return m, nil
	}
}

// bgpMessageLength reads the length field from an embedded BGP message
// header (marker(16) + length(2) + type(1)).
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < 19 {
		return 0, fmt.Errorf("bmp: embedded BGP message too short (%d bytes)", len(data))
	}
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < 19 {
		return 0, fmt.Errorf("bmp: invalid embedded BGP message length %d", length)
	}
	return length, nil
}

func parseTLVStrings(data []byte, sysName, sysDescr *string) {
	offset := 0
	for offset+4 <= len(data) {
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if offset+tlvLen > len(data) {
			break
		}
		switch tlvType {
		case TLVTypeSysName:
			*sysName = string(data[offset : offset+tlvLen])
		case TLVTypeSysDescr:
			*sysDescr = string(data[offset : offset+tlvLen])
		}
		offset += tlvLen
	}
}

func tableNameTLV(data []byte) string {
	offset := 0
	for offset+4 <= len(data) {
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if offset+tlvLen > len(data) {
			break
		}
		if tlvType == TLVTypeTableName {
			return string(data[offset : offset+tlvLen])
		}
		offset += tlvLen
	}
	return ""
}
