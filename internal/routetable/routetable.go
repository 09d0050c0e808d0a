// Package routetable implements a single RIB table: a trie-backed map from
// IP prefix to an ordered list of (path_id, attribute handle) pairs, plus a
// sorted prefix list that backs Prefixes and Len.
package routetable

import (
	"sort"
	"sync"

	"github.com/wobcom/fernglas/internal/attrs"
	"github.com/wobcom/fernglas/internal/bitkey"
	"github.com/wobcom/fernglas/internal/trie"
)

// pathEntry is one ADD-PATH path within a prefix's entry, kept sorted by
// PathID so lookups and updates can binary-search it.
type pathEntry struct {
	PathID uint32
	Attrs  *attrs.InternedAttrs
}

// RouteEntry is a single (prefix, path, attributes) tuple returned from a
// query, with attributes already decompressed for the caller's convenience.
type RouteEntry struct {
	Net    bitkey.IPNet
	PathID uint32
	Attrs  attrs.RouteAttrs
}

// NetQueryKind selects which trie operation backs a Query.
type NetQueryKind int

const (
	// NetQueryNone returns every entry in the table.
	NetQueryNone NetQueryKind = iota
	// NetQueryExact returns the entry whose prefix equals Net exactly.
	NetQueryExact
	// NetQueryMostSpecific returns the longest stored prefix containing Net.
	NetQueryMostSpecific
	// NetQueryContains returns every stored prefix that contains Net
	// (i.e. every prefix of Net present in the table).
	NetQueryContains
	// NetQueryOrLonger returns Net itself plus every more-specific prefix.
	NetQueryOrLonger
)

// NetQuery narrows a table query to a specific prefix relationship.
type NetQuery struct {
	Kind NetQueryKind
	Net  bitkey.IPNet
}

// RouteTable holds one RIB's worth of routes, split into separate tries per
// address family since bitkey.Key carries no family tag of its own.
type RouteTable struct {
	mu    sync.Mutex
	v4    *trie.Node[[]pathEntry]
	v6    *trie.Node[[]pathEntry]
	order []bitkey.IPNet
}

// New returns an empty route table.
func New() *RouteTable {
	return &RouteTable{
		v4: trie.New[[]pathEntry](),
		v6: trie.New[[]pathEntry](),
	}
}

func (t *RouteTable) treeFor(n bitkey.IPNet) *trie.Node[[]pathEntry] {
	if n.IsV4() {
		return t.v4
	}
	return t.v6
}

func (t *RouteTable) insertOrder(n bitkey.IPNet) {
	idx := sort.Search(len(t.order), func(i int) bool { return t.order[i].Compare(n) >= 0 })
	t.order = append(t.order, bitkey.IPNet{})
	copy(t.order[idx+1:], t.order[idx:])
	t.order[idx] = n
}

func (t *RouteTable) removeOrder(n bitkey.IPNet) {
	idx := sort.Search(len(t.order), func(i int) bool { return t.order[i].Compare(n) >= 0 })
	if idx < len(t.order) && t.order[idx].Equal(n) {
		t.order = append(t.order[:idx], t.order[idx+1:]...)
	}
}

// UpdateRouteCompressed inserts or replaces the path_id entry for net with
// an already-interned attribute handle.
func (t *RouteTable) UpdateRouteCompressed(pathID uint32, net bitkey.IPNet, compressed *attrs.InternedAttrs) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr := t.treeFor(net)
	key := net.Key()
	entry, existed := tr.Exact(key)

	idx := sort.Search(len(entry), func(i int) bool { return entry[i].PathID >= pathID })
	if idx < len(entry) && entry[idx].PathID == pathID {
		entry[idx].Attrs = compressed
	} else {
		entry = append(entry, pathEntry{})
		copy(entry[idx+1:], entry[idx:])
		entry[idx] = pathEntry{PathID: pathID, Attrs: compressed}
	}
	tr.Insert(key, entry)

	if !existed {
		t.insertOrder(net)
	}
}

// UpdateRoute interns route via in and stores it under (pathID, net).
func (t *RouteTable) UpdateRoute(in *attrs.Interner, pathID uint32, net bitkey.IPNet, route attrs.RouteAttrs) {
	t.UpdateRouteCompressed(pathID, net, in.Compress(route))
}

// WithdrawRoute removes the path_id entry for net. If that was the last
// path for net, the prefix itself is removed from the trie.
func (t *RouteTable) WithdrawRoute(pathID uint32, net bitkey.IPNet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr := t.treeFor(net)
	key := net.Key()
	entry, ok := tr.Exact(key)
	if !ok {
		return
	}
	idx := sort.Search(len(entry), func(i int) bool { return entry[i].PathID >= pathID })
	if idx >= len(entry) || entry[idx].PathID != pathID {
		return
	}
	entry = append(entry[:idx], entry[idx+1:]...)
	if len(entry) == 0 {
		tr.Remove(key)
		t.removeOrder(net)
		return
	}
	tr.Insert(key, entry)
}

func expand(net bitkey.IPNet, paths []pathEntry) []RouteEntry {
	out := make([]RouteEntry, len(paths))
	for i, p := range paths {
		out[i] = RouteEntry{Net: net, PathID: p.PathID, Attrs: attrs.Decompress(p.Attrs)}
	}
	return out
}

func collectAll(tr *trie.Node[[]pathEntry], family int) []RouteEntry {
	var out []RouteEntry
	for _, e := range tr.Iter() {
		net, err := bitkey.IPNetFromKey(e.Key, family)
		if err != nil {
			continue
		}
		out = append(out, expand(net, e.Value)...)
	}
	return out
}

// GetRoutes evaluates q (nil means "every entry") and returns matching
// routes with freshly decompressed attributes.
func (t *RouteTable) GetRoutes(q *NetQuery) []RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q == nil || q.Kind == NetQueryNone {
		out := collectAll(t.v4, 4)
		out = append(out, collectAll(t.v6, 6)...)
		return out
	}

	tr := t.treeFor(q.Net)
	family := q.Net.Family()
	var out []RouteEntry
	switch q.Kind {
	case NetQueryExact:
		if paths, ok := tr.Exact(q.Net.Key()); ok {
			out = expand(q.Net, paths)
		}
	case NetQueryMostSpecific:
		if k, paths, ok := tr.LongestMatch(q.Net.Key()); ok {
			if net, err := bitkey.IPNetFromKey(k, family); err == nil {
				out = expand(net, paths)
			}
		}
	case NetQueryContains:
		for _, e := range tr.Matches(q.Net.Key()) {
			if net, err := bitkey.IPNetFromKey(e.Key, family); err == nil {
				out = append(out, expand(net, e.Value)...)
			}
		}
	case NetQueryOrLonger:
		for _, e := range tr.OrLonger(q.Net.Key()) {
			if net, err := bitkey.IPNetFromKey(e.Key, family); err == nil {
				out = append(out, expand(net, e.Value)...)
			}
		}
	}
	return out
}

// Prefixes returns the sorted, deduplicated list of prefixes currently
// present in the table (both families, IPv4 first).
func (t *RouteTable) Prefixes() []bitkey.IPNet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]bitkey.IPNet, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of distinct prefixes stored (not counting
// multiple ADD-PATH paths under the same prefix separately).
func (t *RouteTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
