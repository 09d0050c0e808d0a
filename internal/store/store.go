// Package store holds the collector's in-memory RIB state: the set of
// connected clients and sessions, one route table per (session, adj-RIB
// side) plus one per LocRib, and the shared attribute interner all of them
// draw from. It also implements the streaming, parallel query engine used
// by the looking-glass query path.
package store

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wobcom/fernglas/internal/attrs"
	"github.com/wobcom/fernglas/internal/bitkey"
	"github.com/wobcom/fernglas/internal/routetable"
)

// RouteState classifies why a route is present in a given table.
type RouteState int

const (
	RouteStateSeen RouteState = iota
	RouteStateAccepted
	RouteStateActive
	RouteStateSelected
)

func (s RouteState) String() string {
	switch s {
	case RouteStateAccepted:
		return "accepted"
	case RouteStateActive:
		return "active"
	case RouteStateSelected:
		return "selected"
	default:
		return "seen"
	}
}

// DistinguisherKind selects which of the three peer-distinguisher variants a
// Distinguisher carries, matching BMP peer types 0/1/2 (Global/RD/Local-RD).
type DistinguisherKind int

const (
	// DistinguisherGlobal is the unit variant used by plain BGP sessions and
	// BMP Global Instance peers (type 0): there is no RD to disambiguate.
	DistinguisherGlobal DistinguisherKind = iota
	// DistinguisherRD carries an RD Instance peer's Route Distinguisher
	// (BMP peer type 1), encoded big-endian into Value.
	DistinguisherRD
	// DistinguisherLocal carries a Local Instance peer's locally-scoped
	// distinguisher (BMP peer type 2), encoded big-endian into Value.
	DistinguisherLocal
)

func (k DistinguisherKind) String() string {
	switch k {
	case DistinguisherRD:
		return "rd"
	case DistinguisherLocal:
		return "local-rd"
	default:
		return "global"
	}
}

// Distinguisher is the peer_distinguisher component of a SessionID: the unit
// Global value for ordinary BGP peers and BMP Global Instance peers, or an
// 8-byte RD/Local-RD value for BMP peer types 1/2. Comparable, so it can sit
// in a SessionID used as a map key.
type Distinguisher struct {
	Kind  DistinguisherKind
	Value uint64 // meaningful only when Kind != DistinguisherGlobal
}

// GlobalDistinguisher is the distinguisher every plain BGP session uses, and
// every BMP Global Instance (type 0) peer uses.
func GlobalDistinguisher() Distinguisher { return Distinguisher{Kind: DistinguisherGlobal} }

// SessionID identifies one BGP/BMP peering session: the client (collector
// connection) it arrived over, the peer's distinguisher (Global for plain
// BGP, RD or Local-RD for the corresponding BMP peer types), and the peer's
// own address.
type SessionID struct {
	FromClient    netip.AddrPort
	Distinguisher Distinguisher
	PeerAddress   netip.Addr
}

// TableKind distinguishes the three kinds of table a session or router can
// own.
type TableKind int

const (
	TablePrePolicyAdjIn TableKind = iota
	TablePostPolicyAdjIn
	TableLocRib
)

// TableSelector identifies one route table. It is comparable and safe to
// use as a map key.
type TableSelector struct {
	Kind        TableKind
	Session     SessionID     // valid when Kind is *AdjIn
	FromClient  netip.AddrPort // valid when Kind is TableLocRib
	LocRibState RouteState    // valid when Kind is TableLocRib
}

// ClientAddr returns the collector-side address that owns this table.
func (s TableSelector) ClientAddr() netip.AddrPort {
	if s.Kind == TableLocRib {
		return s.FromClient
	}
	return s.Session.FromClient
}

// SessionIDOf returns the session this table belongs to, if any (LocRib
// tables have no session).
func (s TableSelector) SessionIDOf() (SessionID, bool) {
	if s.Kind == TableLocRib {
		return SessionID{}, false
	}
	return s.Session, true
}

// RouteStateOf returns the RouteState implied by this table selector.
func (s TableSelector) RouteStateOf() RouteState {
	switch s.Kind {
	case TablePostPolicyAdjIn:
		return RouteStateAccepted
	case TableLocRib:
		return s.LocRibState
	default:
		return RouteStateSeen
	}
}

// Client is what the store remembers about a connected collector client
// (an active BGP session dumper, or a BMP-speaking router).
type Client struct {
	ClientName string
	RouterID   netip.Addr // identifies this client's LocRib
}

// Session is what the store remembers about one established peering.
// Presently empty, kept as a named type so session metadata can grow
// without reshaping SessionID (which must stay a comparable map key).
type Session struct{}

// QueryLimits bounds how many results a query returns. A zero value for
// either field is replaced at query time by the corresponding
// DefaultQueryLimits value.
type QueryLimits struct {
	MaxResultsPerTable int
	MaxResults         int
}

// DefaultQueryLimits matches the collector's historical defaults.
func DefaultQueryLimits() QueryLimits {
	return QueryLimits{MaxResultsPerTable: 200, MaxResults: 500}
}

// TableQueryKind selects how a Query narrows down candidate tables.
type TableQueryKind int

const (
	// TableQueryAll considers every table in the store.
	TableQueryAll TableQueryKind = iota
	TableQueryTable
	TableQuerySession
	TableQueryClient
	TableQueryRouter
)

// TableQuery narrows a Query to a subset of tables.
type TableQuery struct {
	Kind     TableQueryKind
	Table    TableSelector
	Session  SessionID
	Client   netip.AddrPort
	RouterID netip.Addr
}

// Query describes one looking-glass lookup.
type Query struct {
	TableQuery  TableQuery
	NetQuery    routetable.NetQuery
	Limits      QueryLimits
	ASPathRegex string
}

// QueryResult is one matched route, joined with its client/session/table
// context and decompressed attributes.
type QueryResult struct {
	State   RouteState
	Net     bitkey.IPNet
	Table   TableSelector
	Client  Client
	Session *Session
	PathID  uint32
	Attrs   attrs.RouteAttrs
}

// NLRI is one withdrawn prefix within an UpdateMessage.
type NLRI struct {
	PathID uint32
	Net    bitkey.IPNet
}

// Announcement is one announced prefix together with its own resolved
// attributes. A single UPDATE can carry both legacy IPv4 NLRI (inheriting
// the top-level NEXT_HOP) and an MP_REACH_NLRI for a different AFI (with its
// own next hop) at once, so each Announcement keeps its own Attrs rather
// than sharing one record across the whole message.
type Announcement struct {
	PathID uint32
	Net    bitkey.IPNet
	Attrs  attrs.RouteAttrs
}

// UpdateMessage is the store-facing shape of one decoded BGP UPDATE.
// Processing order is announcements first, then withdrawals, so a prefix
// both announced and withdrawn in one message ends up withdrawn.
type UpdateMessage struct {
	Announcements []Announcement
	Withdrawals   []NLRI
}

// Store is the collector's full in-memory state: connected clients,
// established sessions, one route table per TableSelector, and the shared
// attribute interner. All maps are protected by one mutex; see
// internal/routetable for the finer-grained per-table locking underneath.
type Store struct {
	mu       sync.Mutex
	clients  map[netip.AddrPort]Client
	sessions map[SessionID]Session
	tables   map[TableSelector]*routetable.RouteTable
	interner *attrs.Interner
}

// New returns an empty store.
func New() *Store {
	return &Store{
		clients:  make(map[netip.AddrPort]Client),
		sessions: make(map[SessionID]Session),
		tables:   make(map[TableSelector]*routetable.RouteTable),
		interner: attrs.New(),
	}
}

// Interner exposes the store's shared attribute interner, e.g. for
// periodic RemoveExpired sweeps driven by a maintenance loop.
func (s *Store) Interner() *attrs.Interner { return s.interner }

func (s *Store) getTable(sel TableSelector) *routetable.RouteTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[sel]
	if !ok {
		t = routetable.New()
		s.tables[sel] = t
	}
	return t
}

type tableEntry struct {
	sel   TableSelector
	table *routetable.RouteTable
}

func (s *Store) tablesForClient(addr netip.AddrPort) []tableEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tableEntry
	for sel, t := range s.tables {
		if sel.ClientAddr() == addr {
			out = append(out, tableEntry{sel: sel, table: t})
		}
	}
	return out
}

func (s *Store) tablesForSession(id SessionID) []tableEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tableEntry
	for sel, t := range s.tables {
		if sid, ok := sel.SessionIDOf(); ok && sid == id {
			out = append(out, tableEntry{sel: sel, table: t})
		}
	}
	return out
}

func (s *Store) allTables() []tableEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tableEntry, 0, len(s.tables))
	for sel, t := range s.tables {
		out = append(out, tableEntry{sel: sel, table: t})
	}
	return out
}

// UpdateRoute inserts or replaces one (path, prefix) entry within table sel.
func (s *Store) UpdateRoute(pathID uint32, net bitkey.IPNet, sel TableSelector, route attrs.RouteAttrs) {
	s.getTable(sel).UpdateRoute(s.interner, pathID, net, route)
}

// WithdrawRoute removes one (path, prefix) entry from table sel.
func (s *Store) WithdrawRoute(pathID uint32, net bitkey.IPNet, sel TableSelector) {
	s.getTable(sel).WithdrawRoute(pathID, net)
}

// InsertUpdateMessage applies every announcement, then every withdrawal,
// of a decoded BGP UPDATE to table sel.
func (s *Store) InsertUpdateMessage(sel TableSelector, msg UpdateMessage) {
	t := s.getTable(sel)
	for _, a := range msg.Announcements {
		t.UpdateRoute(s.interner, a.PathID, a.Net, a.Attrs)
	}
	for _, w := range msg.Withdrawals {
		t.WithdrawRoute(w.PathID, w.Net)
	}
}

// GetRouters returns a snapshot of every connected client.
func (s *Store) GetRouters() map[netip.AddrPort]Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[netip.AddrPort]Client, len(s.clients))
	for k, v := range s.clients {
		out[k] = v
	}
	return out
}

// ClientUp registers a newly connected client.
func (s *Store) ClientUp(addr netip.AddrPort, client Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[addr] = client
}

// ClientDown tears down a client: its entry, every session that arrived
// over it, and every table either owns. The interner is swept afterward
// since this is the main point where handles become garbage.
func (s *Store) ClientDown(addr netip.AddrPort) {
	s.mu.Lock()
	delete(s.clients, addr)
	for id := range s.sessions {
		if id.FromClient == addr {
			delete(s.sessions, id)
		}
	}
	for sel := range s.tables {
		if sel.ClientAddr() == addr {
			delete(s.tables, sel)
		}
	}
	s.mu.Unlock()
	s.interner.RemoveExpired()
}

// SessionUp registers a newly established peering.
func (s *Store) SessionUp(id SessionID, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
}

// SessionDown tears down a session's tables. If newState is non-nil the
// session entry is replaced rather than removed (a session that is being
// renegotiated in place still loses its adj-RIB tables, since those no
// longer reflect a live peering). The interner is swept afterward.
func (s *Store) SessionDown(id SessionID, newState *Session) {
	s.mu.Lock()
	if newState != nil {
		s.sessions[id] = *newState
	} else {
		delete(s.sessions, id)
	}
	for sel := range s.tables {
		if sid, ok := sel.SessionIDOf(); ok && sid == id {
			delete(s.tables, sel)
		}
	}
	s.mu.Unlock()
	s.interner.RemoveExpired()
}

func (s *Store) selectTables(tq TableQuery) []tableEntry {
	switch tq.Kind {
	case TableQueryTable:
		return []tableEntry{{sel: tq.Table, table: s.getTable(tq.Table)}}
	case TableQuerySession:
		return s.tablesForSession(tq.Session)
	case TableQueryClient:
		return s.tablesForClient(tq.Client)
	case TableQueryRouter:
		s.mu.Lock()
		var clientAddr netip.AddrPort
		found := false
		for addr, c := range s.clients {
			if c.RouterID == tq.RouterID {
				clientAddr, found = addr, true
				break
			}
		}
		s.mu.Unlock()
		if !found {
			return nil
		}
		return s.tablesForClient(clientAddr)
	default:
		return s.allTables()
	}
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func asPathText(path []uint32) string {
	if len(path) == 0 {
		return ""
	}
	out := fmt.Sprintf("%d", path[0])
	for _, asn := range path[1:] {
		out += fmt.Sprintf(" %d", asn)
	}
	return out
}

// GetRoutes evaluates query against the store and streams matches on the
// returned channel, closing it once every table has been scanned (or ctx
// is cancelled). Tables are scanned concurrently, at most 16 at a time,
// mirroring the collector's historical parallel-scan query path.
func (s *Store) GetRoutes(ctx context.Context, query Query) (<-chan QueryResult, error) {
	var asPathRe *regexp.Regexp
	if query.ASPathRegex != "" {
		re, err := regexp.Compile(query.ASPathRegex)
		if err != nil {
			return nil, fmt.Errorf("store: invalid as_path regex: %w", err)
		}
		asPathRe = re
	}

	tables := s.selectTables(query.TableQuery)
	defaults := DefaultQueryLimits()
	maxTotal := orDefault(query.Limits.MaxResults, defaults.MaxResults)
	maxPerTable := orDefault(query.Limits.MaxResultsPerTable, defaults.MaxResultsPerTable)

	out := make(chan QueryResult)

	go func() {
		defer close(out)

		sem := semaphore.NewWeighted(16)
		var mu sync.Mutex
		remaining := maxTotal

		g, gctx := errgroup.WithContext(ctx)
		for _, te := range tables {
			te := te
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				nq := query.NetQuery
				entries := te.table.GetRoutes(&nq)
				emitted := 0
				for _, e := range entries {
					if emitted >= maxPerTable {
						break
					}
					if asPathRe != nil && !asPathRe.MatchString(asPathText(e.Attrs.ASPath)) {
						continue
					}

					mu.Lock()
					if remaining <= 0 {
						mu.Unlock()
						return nil
					}
					remaining--
					mu.Unlock()
					emitted++

					qr, ok := s.buildResult(te.sel, e)
					if !ok {
						continue
					}
					select {
					case out <- qr:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out, nil
}

func (s *Store) buildResult(sel TableSelector, e routetable.RouteEntry) (QueryResult, bool) {
	s.mu.Lock()
	client, ok := s.clients[sel.ClientAddr()]
	var session *Session
	if sid, hasSession := sel.SessionIDOf(); hasSession {
		if sv, ok := s.sessions[sid]; ok {
			sessCopy := sv
			session = &sessCopy
		}
	}
	s.mu.Unlock()
	if !ok {
		return QueryResult{}, false
	}
	return QueryResult{
		State:   sel.RouteStateOf(),
		Net:     e.Net,
		Table:   sel,
		Client:  client,
		Session: session,
		PathID:  e.PathID,
		Attrs:   e.Attrs,
	}, true
}
