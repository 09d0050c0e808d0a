package bgp

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/wobcom/fernglas/internal/attrs"
)

// buildBGPUpdate constructs a BGP UPDATE message with the given components.
func buildBGPUpdate(withdrawn []byte, pathAttrs []byte, nlri []byte) []byte {
	bodyLen := 2 + len(withdrawn) + 2 + len(pathAttrs) + len(nlri)
	totalLen := 19 + bodyLen

	msg := make([]byte, totalLen)
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(totalLen))
	msg[18] = 2 // type = UPDATE

	offset := 19
	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(withdrawn)))
	offset += 2
	copy(msg[offset:], withdrawn)
	offset += len(withdrawn)

	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(pathAttrs)))
	offset += 2
	copy(msg[offset:], pathAttrs)
	offset += len(pathAttrs)

	copy(msg[offset:], nlri)
	return msg
}

// buildPathAttr constructs a single path attribute.
func buildPathAttr(flags byte, typeCode byte, data []byte) []byte {
	if len(data) > 255 {
		attr := make([]byte, 4+len(data))
		attr[0] = flags | 0x10
		attr[1] = typeCode
		binary.BigEndian.PutUint16(attr[2:4], uint16(len(data)))
		copy(attr[4:], data)
		return attr
	}
	attr := make([]byte, 3+len(data))
	attr[0] = flags
	attr[1] = typeCode
	attr[2] = byte(len(data))
	copy(attr[3:], data)
	return attr
}

func decodeBody(t *testing.T, msg []byte, hasAddPath bool) Update {
	t.Helper()
	hdr, body, err := DecodeMessageHeader(msg)
	if err != nil {
		t.Fatalf("DecodeMessageHeader: %v", err)
	}
	if hdr.Type != MsgTypeUpdate {
		t.Fatalf("message type = %d, want UPDATE", hdr.Type)
	}
	upd, err := DecodeUpdate(body, hasAddPath)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	return upd
}

func TestDecodeUpdate_IPv4Announcement(t *testing.T) {
	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, AttrTypeNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, nexthopAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 1 || len(upd.Withdrawals) != 0 {
		t.Fatalf("got %d announcements, %d withdrawals", len(upd.Announcements), len(upd.Withdrawals))
	}
	a := upd.Announcements[0]
	if a.Net.String() != "10.0.0.0/24" {
		t.Errorf("prefix = %s, want 10.0.0.0/24", a.Net.String())
	}
	if a.Attrs.Origin != attrs.OriginIGP {
		t.Errorf("origin = %v, want IGP", a.Attrs.Origin)
	}
	if a.Attrs.NextHop != netip.MustParseAddr("192.168.1.1") {
		t.Errorf("next hop = %v, want 192.168.1.1", a.Attrs.NextHop)
	}
}

func TestDecodeUpdate_IPv4Withdrawal(t *testing.T) {
	withdrawn := []byte{16, 172, 16}
	msg := buildBGPUpdate(withdrawn, nil, nil)
	upd := decodeBody(t, msg, false)

	if len(upd.Withdrawals) != 1 || len(upd.Announcements) != 0 {
		t.Fatalf("got %d withdrawals, %d announcements", len(upd.Withdrawals), len(upd.Announcements))
	}
	if upd.Withdrawals[0].Net.String() != "172.16.0.0/16" {
		t.Errorf("withdrawn prefix = %s, want 172.16.0.0/16", upd.Withdrawals[0].Net.String())
	}
}

func TestDecodeUpdate_ASPath(t *testing.T) {
	asPathData := []byte{
		ASPathSegmentSequence, 3,
		0, 0, 0xFB, 0xF0,
		0, 0, 0xFB, 0xF1,
		0, 0, 0xFB, 0xF2,
	}
	asPathAttr := buildPathAttr(0x40, AttrTypeASPath, asPathData)
	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, AttrTypeNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, append(asPathAttr, nexthopAttr...)...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 1 {
		t.Fatalf("got %d announcements, want 1", len(upd.Announcements))
	}
	asPath := upd.Announcements[0].Attrs.ASPath
	want := []uint32{64496, 64497, 64498}
	if len(asPath) != len(want) {
		t.Fatalf("AS_PATH = %v, want %v", asPath, want)
	}
	for i := range want {
		if asPath[i] != want[i] {
			t.Errorf("AS_PATH[%d] = %d, want %d", i, asPath[i], want[i])
		}
	}
}

func TestDecodeUpdate_StandardCommunities(t *testing.T) {
	commData := []byte{
		0xFB, 0xF0, 0x00, 0x64,
		0xFB, 0xF0, 0x00, 0xC8,
	}
	commAttr := buildPathAttr(0xC0, AttrTypeCommunity, commData)
	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	pathAttrs := append(originAttr, commAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 1 {
		t.Fatalf("got %d announcements, want 1", len(upd.Announcements))
	}
	communities := upd.Announcements[0].Attrs.Communities
	if len(communities) != 2 {
		t.Fatalf("got %d communities, want 2", len(communities))
	}
	if communities[0] != (attrs.Community{ASN: 64496, Value: 100}) {
		t.Errorf("communities[0] = %+v", communities[0])
	}
	if communities[1] != (attrs.Community{ASN: 64496, Value: 200}) {
		t.Errorf("communities[1] = %+v", communities[1])
	}
}

func TestDecodeUpdate_LargeCommunities(t *testing.T) {
	lcData := make([]byte, 12)
	binary.BigEndian.PutUint32(lcData[0:4], 64496)
	binary.BigEndian.PutUint32(lcData[4:8], 1)
	binary.BigEndian.PutUint32(lcData[8:12], 2)
	lcAttr := buildPathAttr(0xC0, AttrTypeLargeCommunity, lcData)
	nlri := []byte{24, 10, 0, 0}
	pathAttrs := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	pathAttrs = append(pathAttrs, lcAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 1 {
		t.Fatalf("got %d announcements, want 1", len(upd.Announcements))
	}
	largeCommunities := upd.Announcements[0].Attrs.LargeCommunities
	if len(largeCommunities) != 1 {
		t.Fatalf("got %d large communities, want 1", len(largeCommunities))
	}
	want := attrs.LargeCommunity{GlobalAdmin: 64496, LocalData1: 1, LocalData2: 2}
	if largeCommunities[0] != want {
		t.Errorf("large community = %+v, want %+v", largeCommunities[0], want)
	}
}

func TestDecodeUpdate_AddPath(t *testing.T) {
	nlri := []byte{
		0, 0, 0, 42,
		24, 10, 0, 0,
	}
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	msg := buildBGPUpdate(nil, originAttr, nlri)
	upd := decodeBody(t, msg, true)

	if len(upd.Announcements) != 1 {
		t.Fatalf("got %d announcements, want 1", len(upd.Announcements))
	}
	if upd.Announcements[0].PathID != 42 {
		t.Errorf("path id = %d, want 42", upd.Announcements[0].PathID)
	}
}

func TestDecodeUpdate_IPv6MPReach(t *testing.T) {
	nh := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	mpReach := make([]byte, 0, 4+16+1+5)
	mpReach = append(mpReach, 0, 2)
	mpReach = append(mpReach, 1)
	mpReach = append(mpReach, 16)
	mpReach = append(mpReach, nh...)
	mpReach = append(mpReach, 0)
	mpReach = append(mpReach, 32)
	mpReach = append(mpReach, 0x20, 0x01, 0x0d, 0xb8)

	mpReachAttr := buildPathAttr(0x80, AttrTypeMPReachNLRI, mpReach)
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	pathAttrs := append(originAttr, mpReachAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nil)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 1 {
		t.Fatalf("got %d announcements, want 1", len(upd.Announcements))
	}
	a := upd.Announcements[0]
	if a.Net.String() != "2001:db8::/32" {
		t.Errorf("prefix = %s, want 2001:db8::/32", a.Net.String())
	}
	if a.Attrs.NextHop != netip.MustParseAddr("2001:db8::1") {
		t.Errorf("next hop = %v, want 2001:db8::1", a.Attrs.NextHop)
	}
}

func TestDecodeUpdate_IPv6MPUnreach(t *testing.T) {
	mpUnreach := []byte{
		0, 2,
		1,
		48,
		0x20, 0x01, 0x0d, 0xb8, 0x00, 0x01,
	}
	mpUnreachAttr := buildPathAttr(0x80, AttrTypeMPUnreachNLRI, mpUnreach)
	msg := buildBGPUpdate(nil, mpUnreachAttr, nil)
	upd := decodeBody(t, msg, false)

	if len(upd.Withdrawals) != 1 {
		t.Fatalf("got %d withdrawals, want 1", len(upd.Withdrawals))
	}
	if upd.Withdrawals[0].Net.String() != "2001:db8:1::/48" {
		t.Errorf("withdrawn prefix = %s, want 2001:db8:1::/48", upd.Withdrawals[0].Net.String())
	}
}

func TestDecodeUpdate_MEDAndLocalPref(t *testing.T) {
	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})

	medData := make([]byte, 4)
	binary.BigEndian.PutUint32(medData, 100)
	medAttr := buildPathAttr(0x80, AttrTypeMED, medData)

	lpData := make([]byte, 4)
	binary.BigEndian.PutUint32(lpData, 200)
	lpAttr := buildPathAttr(0x40, AttrTypeLocalPref, lpData)

	pathAttrs := append(originAttr, medAttr...)
	pathAttrs = append(pathAttrs, lpAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 1 {
		t.Fatalf("got %d announcements, want 1", len(upd.Announcements))
	}
	a := upd.Announcements[0]
	if !a.Attrs.HasMED || a.Attrs.MED != 100 {
		t.Errorf("MED = %v (has=%v), want 100", a.Attrs.MED, a.Attrs.HasMED)
	}
	if !a.Attrs.HasLocalPref || a.Attrs.LocalPref != 200 {
		t.Errorf("LocalPref = %v (has=%v), want 200", a.Attrs.LocalPref, a.Attrs.HasLocalPref)
	}
}

func TestDecodeUpdate_UnknownAttributeIsSkipped(t *testing.T) {
	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	unknownAttr := buildPathAttr(0xC0, 99, []byte{0xDE, 0xAD})
	pathAttrs := append(originAttr, unknownAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 1 {
		t.Fatalf("got %d announcements, want 1", len(upd.Announcements))
	}
	if upd.Announcements[0].Attrs.Origin != attrs.OriginIGP {
		t.Errorf("origin should still decode past an unknown attribute, got %v", upd.Announcements[0].Attrs.Origin)
	}
}

func TestDecodeUpdate_TruncatedAttrHeader(t *testing.T) {
	pathAttrs := []byte{0x40}
	nlri := []byte{24, 10, 0, 0}
	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	hdr, body, err := DecodeMessageHeader(msg)
	if err != nil {
		t.Fatalf("DecodeMessageHeader: %v", err)
	}
	_ = hdr
	if _, err := DecodeUpdate(body, false); err == nil {
		t.Fatal("expected error for truncated attr header")
	}
}

func TestDecodeUpdate_TruncatedAttrLength(t *testing.T) {
	pathAttrs := []byte{0x50, AttrTypeOrigin}
	nlri := []byte{24, 10, 0, 0}
	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	_, body, err := DecodeMessageHeader(msg)
	if err != nil {
		t.Fatalf("DecodeMessageHeader: %v", err)
	}
	if _, err := DecodeUpdate(body, false); err == nil {
		t.Fatal("expected error for truncated extended attr length")
	}
}

func TestDecodeUpdate_AttrDataTruncated(t *testing.T) {
	pathAttrs := []byte{0x40, AttrTypeOrigin, 4, 0x00, 0x00}
	nlri := []byte{24, 10, 0, 0}
	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	_, body, err := DecodeMessageHeader(msg)
	if err != nil {
		t.Fatalf("DecodeMessageHeader: %v", err)
	}
	if _, err := DecodeUpdate(body, false); err == nil {
		t.Fatal("expected error for truncated attr data")
	}
}

func TestDecodeUpdate_UnsupportedAFI_MPReach(t *testing.T) {
	mpReach := make([]byte, 0, 32)
	mpReach = append(mpReach, 0, 3) // AFI=3 unsupported
	mpReach = append(mpReach, 1)
	mpReach = append(mpReach, 4)
	mpReach = append(mpReach, 192, 168, 1, 1)
	mpReach = append(mpReach, 0)
	mpReach = append(mpReach, 24, 10, 0, 0)

	mpReachAttr := buildPathAttr(0x80, AttrTypeMPReachNLRI, mpReach)
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	pathAttrs := append(originAttr, mpReachAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nil)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 0 {
		t.Errorf("expected 0 announcements for unsupported AFI, got %d", len(upd.Announcements))
	}
}

func TestDecodeUpdate_UnsupportedAFI_MPUnreach(t *testing.T) {
	mpUnreach := []byte{
		0, 3,
		1,
		24, 10, 0, 0,
	}
	mpUnreachAttr := buildPathAttr(0x80, AttrTypeMPUnreachNLRI, mpUnreach)
	msg := buildBGPUpdate(nil, mpUnreachAttr, nil)
	upd := decodeBody(t, msg, false)

	if len(upd.Withdrawals) != 0 {
		t.Errorf("expected 0 withdrawals for unsupported AFI, got %d", len(upd.Withdrawals))
	}
}

func TestDecodeUpdate_MPReachWithNonZeroSNPA(t *testing.T) {
	nh := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	mpReach := make([]byte, 0, 64)
	mpReach = append(mpReach, 0, 2)
	mpReach = append(mpReach, 1)
	mpReach = append(mpReach, 16)
	mpReach = append(mpReach, nh...)
	mpReach = append(mpReach, 1)
	mpReach = append(mpReach, 4)
	mpReach = append(mpReach, 0xAB, 0xCD)
	mpReach = append(mpReach, 32)
	mpReach = append(mpReach, 0x20, 0x01, 0x0d, 0xb8)

	mpReachAttr := buildPathAttr(0x80, AttrTypeMPReachNLRI, mpReach)
	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	pathAttrs := append(originAttr, mpReachAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nil)
	upd := decodeBody(t, msg, false)

	if len(upd.Announcements) != 1 {
		t.Fatalf("got %d announcements, want 1", len(upd.Announcements))
	}
	if upd.Announcements[0].Net.String() != "2001:db8::/32" {
		t.Errorf("prefix = %s, want 2001:db8::/32", upd.Announcements[0].Net.String())
	}
	if upd.Announcements[0].Attrs.NextHop != netip.MustParseAddr("2001:db8::1") {
		t.Errorf("next hop = %v, want 2001:db8::1", upd.Announcements[0].Attrs.NextHop)
	}
}
