// Package bmp decodes BMP v3 (RFC 7854) messages far enough to route each
// one to the right route table: per-peer header fields, and the five
// message types the collector cares about. It deliberately does not
// decode BMP Stitching, Route Mirroring, or Statistics Report payloads,
// since nothing in the collector consumes them.
package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// BMP peer types (RFC 7854, RFC 9069).
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3
)

// postPolicyFlag is bit index 1 counting from the MSB (mask 0x40): set
// means the carried route reflects post-policy Adj-RIB-In.
const postPolicyFlag uint8 = 0x40

// CommonHeaderSize is the fixed BMP message envelope: version(1) +
// message length(4, includes this header) + message type(1).
const CommonHeaderSize = 6

// PerPeerHeaderSize is the fixed per-peer header every message but
// Initiation and Termination carries: type(1) + flags(1) +
// distinguisher(8) + address(16) + AS(4) + BGP ID(4) + timestamp(8).
const PerPeerHeaderSize = 42

// Version is the only BMP protocol version this decoder understands.
const Version uint8 = 3

// PeerHeader is one decoded per-peer header.
type PeerHeader struct {
	Type           uint8
	Flags          uint8
	Distinguisher  [8]byte
	Address        netip.Addr
	ASN            uint32
	BGPID          netip.Addr
	TimestampSec   uint32
	TimestampMicro uint32
}

// IsPostPolicy reports whether this peer's routes are post-policy.
func (h PeerHeader) IsPostPolicy() bool { return h.Flags&postPolicyFlag != 0 }

// isIPv6 reports whether the per-peer header's address field holds an
// IPv6 address (bit index 0, mask 0x80, "V" flag).
func (h PeerHeader) isIPv6() bool { return h.Flags&0x80 != 0 }

func decodePeerHeader(data []byte) (PeerHeader, error) {
	if len(data) < PerPeerHeaderSize {
		return PeerHeader{}, fmt.Errorf("bmp: per-peer header truncated (%d bytes)", len(data))
	}
	var h PeerHeader
	h.Type = data[0]
	h.Flags = data[1]
	copy(h.Distinguisher[:], data[2:10])

	if h.isIPv6() {
		var b [16]byte
		copy(b[:], data[10:26])
		h.Address = netip.AddrFrom16(b)
	} else {
		var b [4]byte
		copy(b[:], data[22:26])
		h.Address = netip.AddrFrom4(b)
	}

	h.ASN = binary.BigEndian.Uint32(data[26:30])
	var bgpID [4]byte
	copy(bgpID[:], data[30:34])
	h.BGPID = netip.AddrFrom4(bgpID)
	h.TimestampSec = binary.BigEndian.Uint32(data[34:38])
	h.TimestampMicro = binary.BigEndian.Uint32(data[38:42])

	return h, nil
}

// PeerClass is the table family a peer header maps to, per the
// collector's peer selector rules.
type PeerClass int

const (
	PeerClassUnknown PeerClass = iota
	PeerClassAdjIn
	PeerClassLocRib
)

// Classify maps a peer header's type to the table family it belongs in:
// types 0/1/2 (Global/RD/Local) are Adj-RIB peers, type 3 is Loc-RIB, any
// other value is unrecognized and should be logged and ignored.
func Classify(h PeerHeader) PeerClass {
	switch h.Type {
	case PeerTypeGlobal, PeerTypeRD, PeerTypeLocal:
		return PeerClassAdjIn
	case PeerTypeLocRIB:
		return PeerClassLocRib
	default:
		return PeerClassUnknown
	}
}

// TLV type codes (RFC 7854 §4.4, RFC 9069).
const (
	TLVTypeTableName uint16 = 0
	TLVTypeSysDescr  uint16 = 1
	TLVTypeSysName   uint16 = 2
)
