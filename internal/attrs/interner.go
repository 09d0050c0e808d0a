package attrs

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"weak"
)

// Interner holds five weakly-referenced, keyed sets: one per interned
// substructure (AS paths, community lists, single large communities,
// large-community lists, and whole attribute records). Strong references
// to a handle live only in route tables and in-flight query results; once
// the last one drops, the entry becomes eligible for collection, and
// RemoveExpired prunes the now-dead map entry.
//
// All five caches share one mutex: writes are infrequent (only on
// update_route and lifecycle cleanup), so coarse locking is sufficient,
// matching the store's own locking discipline.
type Interner struct {
	mu sync.Mutex

	asPath           map[string]weak.Pointer[[]uint32]
	communities      map[string]weak.Pointer[[]Community]
	largeCommunity   map[LargeCommunity]weak.Pointer[LargeCommunity]
	largeCommunities map[string]weak.Pointer[[]*LargeCommunity]
	records          map[string]weak.Pointer[InternedAttrs]
}

// New returns a ready-to-use, empty Interner.
func New() *Interner {
	return &Interner{
		asPath:           make(map[string]weak.Pointer[[]uint32]),
		communities:      make(map[string]weak.Pointer[[]Community]),
		largeCommunity:   make(map[LargeCommunity]weak.Pointer[LargeCommunity]),
		largeCommunities: make(map[string]weak.Pointer[[]*LargeCommunity]),
		records:          make(map[string]weak.Pointer[InternedAttrs]),
	}
}

// InternedAttrs is RouteAttrs with every repeated substructure replaced by
// a handle into the Interner. Two InternedAttrs are equal iff they share
// the same handle pointers (Decompress is the only way back to value
// equality for the leaf types).
type InternedAttrs struct {
	Origin           Origin
	ASPath           *[]uint32
	Communities      *[]Community
	LargeCommunities *[]*LargeCommunity
	MED              uint32
	HasMED           bool
	LocalPref        uint32
	HasLocalPref     bool
	NextHop          [16]byte
	NextHopZone      string
	nextHopIs4       bool
	nextHopValid     bool
}

func nextHopFromHandle(h *InternedAttrs) netip.Addr {
	if h.nextHopIs4 {
		var b [4]byte
		copy(b[:], h.NextHop[12:16])
		return netip.AddrFrom4(b)
	}
	addr := netip.AddrFrom16(h.NextHop)
	if h.NextHopZone != "" {
		addr = addr.WithZone(h.NextHopZone)
	}
	return addr
}

func asPathKey(path []uint32) string {
	var b strings.Builder
	for _, asn := range path {
		fmt.Fprintf(&b, "%d,", asn)
	}
	return b.String()
}

func communitiesKey(cs []Community) string {
	var b strings.Builder
	for _, c := range cs {
		fmt.Fprintf(&b, "%d:%d,", c.ASN, c.Value)
	}
	return b.String()
}

func largeCommunitiesKey(handles []*LargeCommunity) string {
	var b strings.Builder
	for _, h := range handles {
		fmt.Fprintf(&b, "%p,", h)
	}
	return b.String()
}

// internSlice is the shared get-or-insert logic for the as_path and
// communities-list caches: look up a live weak handle by canonical string
// key; if none is live, box a copy of value and register it.
func internSlice[T any](mu *sync.Mutex, m map[string]weak.Pointer[T], key string, value T) *T {
	mu.Lock()
	defer mu.Unlock()
	if wp, ok := m[key]; ok {
		if p := wp.Value(); p != nil {
			return p
		}
	}
	boxed := new(T)
	*boxed = value
	m[key] = weak.Make(boxed)
	return boxed
}

// InternASPath returns the canonical handle for an AS_PATH sequence.
func (in *Interner) InternASPath(path []uint32) *[]uint32 {
	cp := append([]uint32(nil), path...)
	return internSlice(&in.mu, in.asPath, asPathKey(cp), cp)
}

// InternCommunities returns the canonical handle for a community list.
func (in *Interner) InternCommunities(cs []Community) *[]Community {
	cp := append([]Community(nil), cs...)
	return internSlice(&in.mu, in.communities, communitiesKey(cp), cp)
}

// InternLargeCommunity returns the canonical handle for a single large
// community value.
func (in *Interner) InternLargeCommunity(lc LargeCommunity) *LargeCommunity {
	in.mu.Lock()
	defer in.mu.Unlock()
	if wp, ok := in.largeCommunity[lc]; ok {
		if p := wp.Value(); p != nil {
			return p
		}
	}
	boxed := new(LargeCommunity)
	*boxed = lc
	in.largeCommunity[lc] = weak.Make(boxed)
	return boxed
}

// InternLargeCommunities interns each element individually, then interns
// the resulting slice of element-handles as a list.
func (in *Interner) InternLargeCommunities(lcs []LargeCommunity) *[]*LargeCommunity {
	handles := make([]*LargeCommunity, len(lcs))
	for i, lc := range lcs {
		handles[i] = in.InternLargeCommunity(lc)
	}
	key := largeCommunitiesKey(handles)
	return internSlice(&in.mu, in.largeCommunities, key, handles)
}

func recordKey(a *InternedAttrs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "o=%d;asp=%p;comm=%p;lcomm=%p;med=%d,%v;lp=%d,%v;nh=%x,%s,%v,%v",
		a.Origin, a.ASPath, a.Communities, a.LargeCommunities,
		a.MED, a.HasMED, a.LocalPref, a.HasLocalPref,
		a.NextHop, a.NextHopZone, a.nextHopIs4, a.nextHopValid)
	return b.String()
}

// internRecord returns the canonical handle for a fully-sub-interned
// attribute record.
func (in *Interner) internRecord(rec InternedAttrs) *InternedAttrs {
	key := recordKey(&rec)
	in.mu.Lock()
	defer in.mu.Unlock()
	if wp, ok := in.records[key]; ok {
		if p := wp.Value(); p != nil {
			return p
		}
	}
	boxed := new(InternedAttrs)
	*boxed = rec
	in.records[key] = weak.Make(boxed)
	return boxed
}

// Compress interns every sub-collection of a and then the resulting
// record, returning a stable handle.
func (in *Interner) Compress(a RouteAttrs) *InternedAttrs {
	rec := InternedAttrs{
		Origin:       a.Origin,
		MED:          a.MED,
		HasMED:       a.HasMED,
		LocalPref:    a.LocalPref,
		HasLocalPref: a.HasLocalPref,
	}
	if a.NextHop.IsValid() {
		rec.NextHop = a.NextHop.As16()
		rec.NextHopZone = a.NextHop.Zone()
		rec.nextHopIs4 = a.NextHop.Is4()
		rec.nextHopValid = true
	}
	if len(a.ASPath) > 0 {
		rec.ASPath = in.InternASPath(a.ASPath)
	}
	if len(a.Communities) > 0 {
		rec.Communities = in.InternCommunities(a.Communities)
	}
	if len(a.LargeCommunities) > 0 {
		rec.LargeCommunities = in.InternLargeCommunities(a.LargeCommunities)
	}
	return in.internRecord(rec)
}

// Decompress allocates a fresh, flat RouteAttrs by following handle
// pointers. It never mutates the interner.
func Decompress(h *InternedAttrs) RouteAttrs {
	out := RouteAttrs{
		Origin:       h.Origin,
		MED:          h.MED,
		HasMED:       h.HasMED,
		LocalPref:    h.LocalPref,
		HasLocalPref: h.HasLocalPref,
	}
	if h.nextHopValid {
		out.NextHop = nextHopFromHandle(h)
	}
	if h.ASPath != nil {
		out.ASPath = append([]uint32(nil), (*h.ASPath)...)
	}
	if h.Communities != nil {
		out.Communities = append([]Community(nil), (*h.Communities)...)
	}
	if h.LargeCommunities != nil {
		out.LargeCommunities = make([]LargeCommunity, len(*h.LargeCommunities))
		for i, p := range *h.LargeCommunities {
			out.LargeCommunities[i] = *p
		}
	}
	return out
}

// RemoveExpired prunes every cache entry whose weak handle no longer
// resolves to a live value. Idempotent and safe to call at any quiescent
// point; the store calls it after client/session teardown.
func (in *Interner) RemoveExpired() (removed int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for k, wp := range in.asPath {
		if wp.Value() == nil {
			delete(in.asPath, k)
			removed++
		}
	}
	for k, wp := range in.communities {
		if wp.Value() == nil {
			delete(in.communities, k)
			removed++
		}
	}
	for k, wp := range in.largeCommunity {
		if wp.Value() == nil {
			delete(in.largeCommunity, k)
			removed++
		}
	}
	for k, wp := range in.largeCommunities {
		if wp.Value() == nil {
			delete(in.largeCommunities, k)
			removed++
		}
	}
	for k, wp := range in.records {
		if wp.Value() == nil {
			delete(in.records, k)
			removed++
		}
	}
	return removed
}

// Len reports the total number of live cache entries across all five
// sets, used by tests to observe the baseline after RemoveExpired.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.asPath) + len(in.communities) + len(in.largeCommunity) + len(in.largeCommunities) + len(in.records)
}
