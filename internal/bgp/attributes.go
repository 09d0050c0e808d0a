package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/wobcom/fernglas/internal/attrs"
	"github.com/wobcom/fernglas/internal/bitkey"
)

// NLRI is one prefix carried in an UPDATE's withdrawn-routes, NLRI, or
// MP_REACH/MP_UNREACH field, together with its ADD-PATH path identifier
// (0 when the session has not negotiated ADD-PATH).
type NLRI struct {
	PathID uint32
	Net    bitkey.IPNet
}

// pathAttributes is the intermediate, still-AFI-segmented result of
// walking an UPDATE's path attribute section.
type pathAttributes struct {
	Attrs          attrs.RouteAttrs
	MPReachNLRI    []NLRI
	MPReachNexthop netip.Addr
	MPUnreachNLRI  []NLRI
}

// parsePathAttributes walks the path attribute TLV section of an UPDATE.
func parsePathAttributes(data []byte, hasAddPath bool) (pathAttributes, error) {
	var out pathAttributes

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return out, fmt.Errorf("bgp: attr header truncated at offset %d", offset)
		}
		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		var attrLen int
		if flags&0x10 != 0 { // Extended Length
			if offset+2 > len(data) {
				return out, fmt.Errorf("bgp: extended attr length truncated")
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return out, fmt.Errorf("bgp: attr length truncated")
			}
			attrLen = int(data[offset])
			offset++
		}

		if offset+attrLen > len(data) {
			return out, fmt.Errorf("bgp: attr data truncated (type %d, need %d, have %d)", typeCode, attrLen, len(data)-offset)
		}
		attrData := data[offset : offset+attrLen]
		offset += attrLen

		switch typeCode {
		case AttrTypeOrigin:
			parseOrigin(attrData, &out.Attrs)
		case AttrTypeASPath:
			out.Attrs.ASPath = parseASPath(attrData)
		case AttrTypeNextHop:
			if nh, ok := parseNextHopV4(attrData); ok {
				out.Attrs.NextHop = nh
			}
		case AttrTypeMED:
			if len(attrData) == 4 {
				out.Attrs.MED = binary.BigEndian.Uint32(attrData)
				out.Attrs.HasMED = true
			}
		case AttrTypeLocalPref:
			if len(attrData) == 4 {
				out.Attrs.LocalPref = binary.BigEndian.Uint32(attrData)
				out.Attrs.HasLocalPref = true
			}
		case AttrTypeCommunity:
			out.Attrs.Communities = parseCommunities(attrData)
		case AttrTypeLargeCommunity:
			out.Attrs.LargeCommunities = parseLargeCommunities(attrData)
		case AttrTypeMPReachNLRI:
			nh, nlri, err := parseMPReachNLRI(attrData, hasAddPath)
			if err != nil {
				return out, err
			}
			out.MPReachNexthop = nh
			out.MPReachNLRI = nlri
		case AttrTypeMPUnreachNLRI:
			nlri, err := parseMPUnreachNLRI(attrData, hasAddPath)
			if err != nil {
				return out, err
			}
			out.MPUnreachNLRI = nlri
		default:
			// Unknown or intentionally unmodeled (e.g. extended communities,
			// aggregator, atomic-aggregate): the collector has no use for
			// them, so they're skipped rather than stored.
		}
	}

	return out, nil
}

func parseOrigin(data []byte, out *attrs.RouteAttrs) {
	if len(data) < 1 {
		return
	}
	switch data[0] {
	case 0:
		out.Origin = attrs.OriginIGP
	case 1:
		out.Origin = attrs.OriginEGP
	case 2:
		out.Origin = attrs.OriginIncomplete
	}
}

func parseASPath(data []byte) []uint32 {
	var path []uint32
	offset := 0
	for offset+2 <= len(data) {
		segLen := int(data[offset+1])
		offset += 2
		if offset+segLen*4 > len(data) {
			break
		}
		for i := 0; i < segLen; i++ {
			path = append(path, binary.BigEndian.Uint32(data[offset:offset+4]))
			offset += 4
		}
	}
	return path
}

func parseNextHopV4(data []byte) (netip.Addr, bool) {
	if len(data) != 4 {
		return netip.Addr{}, false
	}
	var b [4]byte
	copy(b[:], data)
	return netip.AddrFrom4(b), true
}

func parseCommunities(data []byte) []attrs.Community {
	var out []attrs.Community
	for i := 0; i+4 <= len(data); i += 4 {
		out = append(out, attrs.Community{
			ASN:   binary.BigEndian.Uint16(data[i : i+2]),
			Value: binary.BigEndian.Uint16(data[i+2 : i+4]),
		})
	}
	return out
}

func parseLargeCommunities(data []byte) []attrs.LargeCommunity {
	var out []attrs.LargeCommunity
	for i := 0; i+12 <= len(data); i += 12 {
		out = append(out, attrs.LargeCommunity{
			GlobalAdmin: binary.BigEndian.Uint32(data[i : i+4]),
			LocalData1:  binary.BigEndian.Uint32(data[i+4 : i+8]),
			LocalData2:  binary.BigEndian.Uint32(data[i+8 : i+12]),
		})
	}
	return out
}

func parseMPReachNLRI(data []byte, hasAddPath bool) (netip.Addr, []NLRI, error) {
	if len(data) < 5 {
		return netip.Addr{}, nil, fmt.Errorf("bgp: MP_REACH_NLRI too short")
	}
	afi := binary.BigEndian.Uint16(data[0:2])
	safi := data[2]
	if safi != SAFIUnicast {
		return netip.Addr{}, nil, nil
	}
	nhLen := int(data[3])
	offset := 4
	if offset+nhLen > len(data) {
		return netip.Addr{}, nil, fmt.Errorf("bgp: MP_REACH_NLRI next hop truncated")
	}
	nexthop := decodeNextHop(data[offset : offset+nhLen])
	offset += nhLen

	if offset >= len(data) {
		return netip.Addr{}, nil, fmt.Errorf("bgp: MP_REACH_NLRI missing SNPA count")
	}
	snpaCount := int(data[offset])
	offset++
	for i := 0; i < snpaCount; i++ {
		if offset >= len(data) {
			return netip.Addr{}, nil, fmt.Errorf("bgp: MP_REACH_NLRI SNPA truncated")
		}
		snpaLen := int(data[offset])
		offset++
		snpaByteLen := (snpaLen + 1) / 2
		if offset+snpaByteLen > len(data) {
			return netip.Addr{}, nil, fmt.Errorf("bgp: MP_REACH_NLRI SNPA truncated")
		}
		offset += snpaByteLen
	}

	version := afiToVersion(afi)
	if version == 0 {
		return nexthop, nil, nil
	}
	nlri, err := parsePrefixes(data[offset:], version, hasAddPath)
	return nexthop, nlri, err
}

func parseMPUnreachNLRI(data []byte, hasAddPath bool) ([]NLRI, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("bgp: MP_UNREACH_NLRI too short")
	}
	afi := binary.BigEndian.Uint16(data[0:2])
	safi := data[2]
	if safi != SAFIUnicast {
		return nil, nil
	}
	version := afiToVersion(afi)
	if version == 0 {
		return nil, nil
	}
	return parsePrefixes(data[3:], version, hasAddPath)
}

// decodeNextHop takes the next-hop field of an MP_REACH_NLRI attribute,
// which for IPv6 may carry a global address plus a link-local address; the
// link-local half is discarded, matching the collector's historical
// behavior of only ever surfacing the global next hop.
func decodeNextHop(data []byte) netip.Addr {
	switch len(data) {
	case 4:
		var b [4]byte
		copy(b[:], data)
		return netip.AddrFrom4(b)
	case 16, 32:
		var b [16]byte
		copy(b[:], data[:16])
		return netip.AddrFrom16(b)
	default:
		return netip.Addr{}
	}
}

func parsePrefixes(data []byte, ipVersion int, hasAddPath bool) ([]NLRI, error) {
	var out []NLRI
	offset := 0
	for offset < len(data) {
		var pathID uint32
		if hasAddPath {
			if offset+4 > len(data) {
				return out, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
			}
			pathID = binary.BigEndian.Uint32(data[offset : offset+4])
			offset += 4
		}
		if offset >= len(data) {
			return out, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
		}
		prefixLen := int(data[offset])
		offset++

		maxBits := maxIPLen(ipVersion) * 8
		if prefixLen > maxBits {
			return out, fmt.Errorf("bgp: prefix length %d exceeds AFI max %d", prefixLen, maxBits)
		}
		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			return out, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
		}

		full := make([]byte, maxIPLen(ipVersion))
		copy(full, data[offset:offset+byteLen])
		offset += byteLen

		addr, ok := addrFromBytes(full, ipVersion)
		if !ok {
			continue
		}
		net, err := bitkey.NewIPNet(addr, prefixLen)
		if err != nil {
			return out, fmt.Errorf("bgp: %w", err)
		}
		out = append(out, NLRI{PathID: pathID, Net: net})
	}
	return out, nil
}

func addrFromBytes(b []byte, ipVersion int) (netip.Addr, bool) {
	if ipVersion == 4 {
		var a [4]byte
		copy(a[:], b[:4])
		return netip.AddrFrom4(a), true
	}
	var a [16]byte
	copy(a[:], b[:16])
	return netip.AddrFrom16(a), true
}

func afiToVersion(afi uint16) int {
	switch afi {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 6
	default:
		return 0
	}
}

func maxIPLen(version int) int {
	if version == 4 {
		return 4
	}
	return 16
}
