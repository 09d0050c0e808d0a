package store

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/wobcom/fernglas/internal/attrs"
	"github.com/wobcom/fernglas/internal/bitkey"
	"github.com/wobcom/fernglas/internal/routetable"
)

func mustNet(t *testing.T, s string) bitkey.IPNet {
	t.Helper()
	n, err := bitkey.ParseIPNet(s)
	if err != nil {
		t.Fatalf("ParseIPNet(%q): %v", s, err)
	}
	return n
}

func drain(t *testing.T, ch <-chan QueryResult) []QueryResult {
	t.Helper()
	var out []QueryResult
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("timed out draining query results")
		}
	}
}

func TestClientUpAndDown(t *testing.T) {
	s := New()
	addr := netip.MustParseAddrPort("192.0.2.1:179")
	s.ClientUp(addr, Client{ClientName: "peer1", RouterID: netip.MustParseAddr("192.0.2.1")})

	if _, ok := s.GetRouters()[addr]; !ok {
		t.Fatalf("client not registered")
	}

	sel := TableSelector{Kind: TableLocRib, FromClient: addr, LocRibState: RouteStateSelected}
	s.UpdateRoute(0, mustNet(t, "10.0.0.0/8"), sel, attrs.RouteAttrs{})

	s.ClientDown(addr)
	if _, ok := s.GetRouters()[addr]; ok {
		t.Fatalf("client should be gone after ClientDown")
	}

	ctx := context.Background()
	ch, err := s.GetRoutes(ctx, Query{TableQuery: TableQuery{Kind: TableQueryAll}})
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	results := drain(t, ch)
	if len(results) != 0 {
		t.Fatalf("expected no routes after client teardown, got %d", len(results))
	}
}

func TestSessionDownClearsItsTablesOnly(t *testing.T) {
	s := New()
	addr := netip.MustParseAddrPort("192.0.2.1:179")
	peer := netip.MustParseAddr("192.0.2.2")
	s.ClientUp(addr, Client{ClientName: "peer1", RouterID: netip.MustParseAddr("192.0.2.1")})

	sid := SessionID{FromClient: addr, Distinguisher: GlobalDistinguisher(), PeerAddress: peer}
	s.SessionUp(sid, Session{})

	preSel := TableSelector{Kind: TablePrePolicyAdjIn, Session: sid}
	locSel := TableSelector{Kind: TableLocRib, FromClient: addr, LocRibState: RouteStateSelected}
	s.UpdateRoute(0, mustNet(t, "10.0.0.0/8"), preSel, attrs.RouteAttrs{})
	s.UpdateRoute(0, mustNet(t, "10.0.0.0/8"), locSel, attrs.RouteAttrs{})

	s.SessionDown(sid, nil)

	ctx := context.Background()
	ch, err := s.GetRoutes(ctx, Query{TableQuery: TableQuery{Kind: TableQueryAll}})
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	results := drain(t, ch)
	if len(results) != 1 {
		t.Fatalf("expected LocRib route to survive session teardown, got %d results", len(results))
	}
	if results[0].Table.Kind != TableLocRib {
		t.Fatalf("surviving route should be in LocRib, got %+v", results[0].Table)
	}
}

func TestGetRoutesFiltersByASPathRegex(t *testing.T) {
	s := New()
	addr := netip.MustParseAddrPort("192.0.2.1:179")
	s.ClientUp(addr, Client{ClientName: "peer1", RouterID: netip.MustParseAddr("192.0.2.1")})
	sel := TableSelector{Kind: TableLocRib, FromClient: addr, LocRibState: RouteStateSelected}

	s.UpdateRoute(0, mustNet(t, "10.0.0.0/8"), sel, attrs.RouteAttrs{ASPath: []uint32{65001, 65002}})
	s.UpdateRoute(0, mustNet(t, "10.1.0.0/16"), sel, attrs.RouteAttrs{ASPath: []uint32{65003}})

	ch, err := s.GetRoutes(context.Background(), Query{
		TableQuery:  TableQuery{Kind: TableQueryAll},
		ASPathRegex: "^65001",
	})
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	results := drain(t, ch)
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}
	if results[0].Net.String() != "10.0.0.0/8" {
		t.Fatalf("unexpected match %+v", results[0])
	}
}

func TestGetRoutesRespectsLimits(t *testing.T) {
	s := New()
	addr := netip.MustParseAddrPort("192.0.2.1:179")
	s.ClientUp(addr, Client{ClientName: "peer1", RouterID: netip.MustParseAddr("192.0.2.1")})
	sel := TableSelector{Kind: TableLocRib, FromClient: addr, LocRibState: RouteStateSelected}

	nets := []string{"10.0.0.0/8", "10.1.0.0/16", "10.2.0.0/16", "10.3.0.0/16"}
	for _, n := range nets {
		s.UpdateRoute(0, mustNet(t, n), sel, attrs.RouteAttrs{})
	}

	ch, err := s.GetRoutes(context.Background(), Query{
		TableQuery: TableQuery{Kind: TableQueryAll},
		Limits:     QueryLimits{MaxResults: 2, MaxResultsPerTable: 2},
	})
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	results := drain(t, ch)
	if len(results) != 2 {
		t.Fatalf("expected limit of 2 results, got %d", len(results))
	}
}

func TestInsertUpdateMessageOrdersAnnouncementsBeforeWithdrawals(t *testing.T) {
	s := New()
	addr := netip.MustParseAddrPort("192.0.2.1:179")
	s.ClientUp(addr, Client{ClientName: "peer1", RouterID: netip.MustParseAddr("192.0.2.1")})
	sel := TableSelector{Kind: TableLocRib, FromClient: addr, LocRibState: RouteStateSelected}

	net := mustNet(t, "10.0.0.0/8")
	s.InsertUpdateMessage(sel, UpdateMessage{
		Announcements: []Announcement{{PathID: 0, Net: net, Attrs: attrs.RouteAttrs{ASPath: []uint32{65001}}}},
		Withdrawals:   []NLRI{{PathID: 0, Net: net}},
	})

	ch, err := s.GetRoutes(context.Background(), Query{TableQuery: TableQuery{Kind: TableQueryAll}})
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	results := drain(t, ch)
	if len(results) != 0 {
		t.Fatalf("announce-then-withdraw of the same path should leave nothing, got %d", len(results))
	}
}

func TestQueryByNetQueryExact(t *testing.T) {
	s := New()
	addr := netip.MustParseAddrPort("192.0.2.1:179")
	s.ClientUp(addr, Client{ClientName: "peer1", RouterID: netip.MustParseAddr("192.0.2.1")})
	sel := TableSelector{Kind: TableLocRib, FromClient: addr, LocRibState: RouteStateSelected}

	s.UpdateRoute(0, mustNet(t, "10.0.0.0/8"), sel, attrs.RouteAttrs{})
	s.UpdateRoute(0, mustNet(t, "10.1.0.0/16"), sel, attrs.RouteAttrs{})

	ch, err := s.GetRoutes(context.Background(), Query{
		TableQuery: TableQuery{Kind: TableQueryAll},
		NetQuery:   routetable.NetQuery{Kind: routetable.NetQueryExact, Net: mustNet(t, "10.0.0.0/8")},
	})
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	results := drain(t, ch)
	if len(results) != 1 || results[0].Net.String() != "10.0.0.0/8" {
		t.Fatalf("unexpected results %+v", results)
	}
}
