// Package bgpsession drives one active BGP-4 TCP connection: it performs
// the OPEN handshake, negotiates capabilities and hold time, runs the
// KEEPALIVE timer, and turns the decoded UPDATE stream into store calls.
// See internal/bgpcollector for the listener that accepts connections and
// hands them to a Session.
package bgpsession

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Capability codes (RFC 5492 and friends).
const (
	capMultiprotocol uint8 = 1
	capRouteRefresh  uint8 = 2
	capASN32         uint8 = 65
	capAddPath       uint8 = 69
	capFQDN          uint8 = 73
)

// asTrans is the placeholder 2-octet ASN advertised in the OPEN header by
// speakers whose real ASN needs the 4-octet capability to express.
const asTrans uint16 = 23456

// AddPathAFISAFI is one (AFI, SAFI) pair this session advertises ADD-PATH
// support for, always send+receive since the collector never originates
// routes of its own.
type AddPathAFISAFI struct {
	AFI  uint16
	SAFI uint8
}

// Params is what a Session advertises in its own OPEN message.
type Params struct {
	ASN          uint32
	RouterID     netip.Addr // must be a 4-byte address
	HoldTime     uint16
	MPAFISAFI    []AddPathAFISAFI // multiprotocol extensions to advertise
	RouteRefresh bool
	AddPath      []AddPathAFISAFI // AFI/SAFI pairs to advertise ADD-PATH for
	FQDNHostname string
	FQDNDomain   string
}

// OpenMessage is a decoded BGP OPEN message (the body following the
// 19-byte header).
type OpenMessage struct {
	Version  uint8
	ASN      uint16 // the 2-octet field; use ASN32 when AS_TRANS is set here
	HoldTime uint16
	RouterID netip.Addr

	ASN32        uint32 // resolved ASN: ASN32 if the capability was present, else ASN
	MPAFISAFI    []AddPathAFISAFI
	RouteRefresh bool
	AddPath      []AddPathAFISAFI
	FQDNHostname string
	FQDNDomain   string
}

// EncodeOpen builds a full OPEN message (header included), ready to write
// to the wire.
func EncodeOpen(p Params) []byte {
	// encodeCapabilities already wraps every capability in its own
	// optional parameter of type 2 (Capabilities).
	optParams := encodeCapabilities(p)

	asn16 := uint16(p.ASN)
	if p.ASN > 0xFFFF {
		asn16 = asTrans
	}

	body := make([]byte, 0, 10+len(optParams))
	body = append(body, 4) // BGP version 4
	body = binary.BigEndian.AppendUint16(body, asn16)
	body = binary.BigEndian.AppendUint16(body, p.HoldTime)
	rid4 := p.RouterID.As4()
	body = append(body, rid4[:]...)
	body = append(body, byte(len(optParams)))
	body = append(body, optParams...)

	return encodeMessage(msgTypeOpen, body)
}

func encodeCapabilities(p Params) []byte {
	var out []byte

	for _, as := range p.MPAFISAFI {
		out = appendCapability(out, capMultiprotocol, mpCapabilityValue(as))
	}
	if p.RouteRefresh {
		out = appendCapability(out, capRouteRefresh, nil)
	}
	if p.ASN != 0 {
		asn32 := make([]byte, 4)
		binary.BigEndian.PutUint32(asn32, p.ASN)
		out = appendCapability(out, capASN32, asn32)
	}
	if len(p.AddPath) > 0 {
		var v []byte
		for _, as := range p.AddPath {
			v = binary.BigEndian.AppendUint16(v, as.AFI)
			v = append(v, as.SAFI, 3) // 3 = send+receive
		}
		out = appendCapability(out, capAddPath, v)
	}
	if p.FQDNHostname != "" {
		v := []byte{byte(len(p.FQDNHostname))}
		v = append(v, p.FQDNHostname...)
		v = append(v, byte(len(p.FQDNDomain)))
		v = append(v, p.FQDNDomain...)
		out = appendCapability(out, capFQDN, v)
	}

	return out
}

func mpCapabilityValue(as AddPathAFISAFI) []byte {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], as.AFI)
	v[2] = 0 // reserved
	v[3] = as.SAFI
	return v
}

func appendCapability(out []byte, code uint8, value []byte) []byte {
	// Each capability is itself wrapped as an optional-parameter
	// capability TLV: code, length, value.
	out = append(out, 2, byte(2+len(value)), code, byte(len(value)))
	out = append(out, value...)
	return out
}

// DecodeOpen decodes the body of an OPEN message.
func DecodeOpen(body []byte) (OpenMessage, error) {
	if len(body) < 10 {
		return OpenMessage{}, fmt.Errorf("bgpsession: OPEN body too short (%d bytes)", len(body))
	}
	var m OpenMessage
	m.Version = body[0]
	m.ASN = binary.BigEndian.Uint16(body[1:3])
	m.HoldTime = binary.BigEndian.Uint16(body[3:5])
	var rid [4]byte
	copy(rid[:], body[5:9])
	m.RouterID = netip.AddrFrom4(rid)
	m.ASN32 = uint32(m.ASN)

	optLen := int(body[9])
	offset := 10
	if offset+optLen > len(body) {
		return OpenMessage{}, fmt.Errorf("bgpsession: OPEN optional parameters truncated")
	}
	opts := body[offset : offset+optLen]

	o := 0
	for o < len(opts) {
		if o+2 > len(opts) {
			return OpenMessage{}, fmt.Errorf("bgpsession: optional parameter header truncated")
		}
		paramType := opts[o]
		paramLen := int(opts[o+1])
		o += 2
		if o+paramLen > len(opts) {
			return OpenMessage{}, fmt.Errorf("bgpsession: optional parameter truncated")
		}
		if paramType == 2 {
			if err := decodeCapabilities(opts[o:o+paramLen], &m); err != nil {
				return OpenMessage{}, err
			}
		}
		o += paramLen
	}

	return m, nil
}

func decodeCapabilities(data []byte, m *OpenMessage) error {
	o := 0
	for o < len(data) {
		if o+2 > len(data) {
			return fmt.Errorf("bgpsession: capability header truncated")
		}
		code := data[o]
		length := int(data[o+1])
		o += 2
		if o+length > len(data) {
			return fmt.Errorf("bgpsession: capability value truncated")
		}
		value := data[o : o+length]
		o += length

		switch code {
		case capMultiprotocol:
			if len(value) >= 4 {
				m.MPAFISAFI = append(m.MPAFISAFI, AddPathAFISAFI{
					AFI:  binary.BigEndian.Uint16(value[0:2]),
					SAFI: value[3],
				})
			}
		case capRouteRefresh:
			m.RouteRefresh = true
		case capASN32:
			if len(value) == 4 {
				m.ASN32 = binary.BigEndian.Uint32(value)
			}
		case capAddPath:
			for i := 0; i+4 <= len(value); i += 4 {
				m.AddPath = append(m.AddPath, AddPathAFISAFI{
					AFI:  binary.BigEndian.Uint16(value[i : i+2]),
					SAFI: value[i+2],
				})
			}
		case capFQDN:
			if len(value) >= 1 {
				hlen := int(value[0])
				if 1+hlen <= len(value) {
					m.FQDNHostname = string(value[1 : 1+hlen])
					rest := value[1+hlen:]
					if len(rest) >= 1 {
						dlen := int(rest[0])
						if 1+dlen <= len(rest) {
							m.FQDNDomain = string(rest[1 : 1+dlen])
						}
					}
				}
			}
		}
	}
	return nil
}

// ClientName derives the name a peer should be known to the store by: the
// FQDN capability's hostname[.domain] if present, else the bare IP.
func (m OpenMessage) ClientName(peerIP netip.Addr) string {
	if m.FQDNHostname != "" {
		if m.FQDNDomain != "" {
			return m.FQDNHostname + "." + m.FQDNDomain
		}
		return m.FQDNHostname
	}
	return peerIP.String()
}

// hasAddPath reports whether both sides negotiated ADD-PATH send+receive
// for the given AFI/SAFI: this speaker must have advertised it locally,
// and the peer must have advertised it back.
func hasAddPath(local Params, peer OpenMessage, afi uint16, safi uint8) bool {
	localHas := false
	for _, as := range local.AddPath {
		if as.AFI == afi && as.SAFI == safi {
			localHas = true
			break
		}
	}
	if !localHas {
		return false
	}
	for _, as := range peer.AddPath {
		if as.AFI == afi && as.SAFI == safi {
			return true
		}
	}
	return false
}
