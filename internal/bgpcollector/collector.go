// Package bgpcollector is the passive side of the BGP session state
// machine: it listens for inbound TCP connections from routers and hands
// each one to a bgpsession.Session, which performs the active-dialer
// handshake described by internal/bgpsession. Grounded on the collector's
// historical per-connection accept loop: look up the peer's configuration
// by IP, falling back to a default, and always tear the client down on
// exit regardless of how the connection ended.
package bgpcollector

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/wobcom/fernglas/internal/bgp"
	"github.com/wobcom/fernglas/internal/bgpsession"
	"github.com/wobcom/fernglas/internal/store"
)

// PeerConfig is the identity the collector presents to one expected peer:
// its own ASN and router ID for that particular session (a collector can
// run distinct identities toward different routers), plus an optional
// override for the name this peer is known to the store by.
type PeerConfig struct {
	ASN          uint32
	RouterID     netip.Addr
	NameOverride string
}

// Config configures the passive listener.
type Config struct {
	Bind    string
	Peers   map[netip.Addr]PeerConfig
	Default *PeerConfig // used when the connecting IP has no entry in Peers

	HoldTime uint16
}

// Collector is the passive BGP listener.
type Collector struct {
	cfg    Config
	store  *store.Store
	logger *zap.Logger
}

// New returns a Collector bound to st, ready for Run.
func New(cfg Config, st *store.Store, logger *zap.Logger) *Collector {
	return &Collector{cfg: cfg, store: st, logger: logger}
}

// Run accepts connections until ctx is cancelled or the listener fails.
func (c *Collector) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", c.cfg.Bind)
	if err != nil {
		return fmt.Errorf("bgpcollector: listen on %s: %w", c.cfg.Bind, err)
	}
	c.logger.Info("bgpcollector: listening", zap.String("bind", c.cfg.Bind))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bgpcollector: accept: %w", err)
		}
		go c.handle(ctx, conn)
	}
}

func (c *Collector) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr, ok := netip.AddrFromSlice(conn.RemoteAddr().(*net.TCPAddr).IP)
	if !ok {
		c.logger.Warn("bgpcollector: could not parse remote address", zap.String("addr", conn.RemoteAddr().String()))
		return
	}
	remoteAddr = remoteAddr.Unmap()
	fromClient := netip.AddrPortFrom(remoteAddr, uint16(conn.RemoteAddr().(*net.TCPAddr).Port))

	peerCfg, found := c.cfg.Peers[remoteAddr]
	if !found {
		if c.cfg.Default == nil {
			c.logger.Warn("bgpcollector: no peer config and no default for", zap.Stringer("peer", remoteAddr))
			return
		}
		peerCfg = *c.cfg.Default
	}

	holdTime := c.cfg.HoldTime
	if holdTime == 0 {
		holdTime = 180
	}
	params := bgpsession.Params{
		ASN:          peerCfg.ASN,
		RouterID:     peerCfg.RouterID,
		HoldTime:     holdTime,
		MPAFISAFI:    []bgpsession.AddPathAFISAFI{{AFI: bgp.AFIIPv4, SAFI: bgp.SAFIUnicast}, {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIUnicast}},
		RouteRefresh: true,
		AddPath:      []bgpsession.AddPathAFISAFI{{AFI: bgp.AFIIPv4, SAFI: bgp.SAFIUnicast}, {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIUnicast}},
	}

	sess := bgpsession.NewSession(conn, params, c.logger)
	if _, err := sess.Start(ctx); err != nil {
		c.logger.Warn("bgpcollector: handshake failed", zap.Stringer("peer", remoteAddr), zap.Error(err))
		return
	}

	notif, err := sess.Run(ctx, c.store, fromClient, peerCfg.NameOverride)
	switch {
	case err != nil:
		c.logger.Info("bgpcollector: session ended", zap.Stringer("peer", remoteAddr), zap.Error(err))
	default:
		c.logger.Info("bgpcollector: session received NOTIFICATION",
			zap.Stringer("peer", remoteAddr),
			zap.Uint8("code", notif.ErrorCode),
			zap.Uint8("subcode", notif.ErrorSubcode))
	}
}
