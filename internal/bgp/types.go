// Package bgp decodes the wire format of BGP-4 messages into typed,
// attribute-interner-ready values. It only understands as much of the
// protocol as the collector needs to drive a RIB: OPEN capability
// negotiation (see internal/bgpsession), UPDATE path attributes and NLRI,
// and the message framing shared by every message type.
package bgp

// BGP path attribute type codes (RFC 4271, RFC 4760, RFC 4360, RFC 8092).
const (
	AttrTypeOrigin         uint8 = 1
	AttrTypeASPath         uint8 = 2
	AttrTypeNextHop        uint8 = 3
	AttrTypeMED            uint8 = 4
	AttrTypeLocalPref      uint8 = 5
	AttrTypeAtomicAggr     uint8 = 6
	AttrTypeAggregator     uint8 = 7
	AttrTypeCommunity      uint8 = 8
	AttrTypeMPReachNLRI    uint8 = 14
	AttrTypeMPUnreachNLRI  uint8 = 15
	AttrTypeExtCommunity   uint8 = 16
	AttrTypeAS4Path        uint8 = 17
	AttrTypeAS4Aggregator  uint8 = 18
	AttrTypeLargeCommunity uint8 = 32
)

// AFI codes (RFC 4760).
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast uint8 = 1
)

// AS_PATH segment types.
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// BGP message types (RFC 4271 §4.1).
const (
	MsgTypeOpen         uint8 = 1
	MsgTypeUpdate       uint8 = 2
	MsgTypeNotification uint8 = 3
	MsgTypeKeepalive    uint8 = 4
	MsgTypeRouteRefresh uint8 = 5
)

// HeaderSize is the fixed BGP message header: a 16-byte marker (all-ones,
// unauthenticated), a 2-byte total length, and a 1-byte message type.
const HeaderSize = 19

// MaxMessageSize is the largest BGP message a speaker without the extended
// message capability may send.
const MaxMessageSize = 4096
