package bgpcollector

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wobcom/fernglas/internal/bgpsession"
	"github.com/wobcom/fernglas/internal/store"
)

func TestCollectorUsesPerPeerIdentityAndNameOverride(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	st := store.New()
	peerIP := netip.MustParseAddr("127.0.0.1")
	cfg := Config{
		Bind: ln.Addr().String(),
		Peers: map[netip.Addr]PeerConfig{
			peerIP: {
				ASN:          65010,
				RouterID:     netip.MustParseAddr("198.51.100.1"),
				NameOverride: "configured-name",
			},
		},
		HoldTime: 90,
	}
	c := New(cfg, st, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln.Close() // Collector.Run binds its own listener; release this one first.
	go func() {
		_ = c.Run(ctx)
	}()

	// Give Run a moment to bind before dialing.
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", cfg.Bind)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	peerParams := bgpsession.Params{
		ASN:      65020,
		RouterID: netip.MustParseAddr("203.0.113.9"),
		HoldTime: 90,
	}
	peerSess := bgpsession.NewSession(conn, peerParams, zap.NewNop())
	if _, err := peerSess.Start(ctx); err != nil {
		t.Fatalf("peer-side handshake failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		routers := st.GetRouters()
		found := false
		for _, client := range routers {
			if client.ClientName == "configured-name" {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for client_up with overridden name")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
