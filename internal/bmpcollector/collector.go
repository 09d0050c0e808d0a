// Package bmpcollector is the passive BMP (RFC 7854) listener: for each
// accepted connection it reads the Initiation handshake, then
// demultiplexes RouteMonitoring and PeerUp/PeerDown messages by peer
// address to one goroutine per peer, each of which owns that peer's
// session lifecycle and applies its updates to the store in order.
package bmpcollector

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/wobcom/fernglas/internal/bgp"
	"github.com/wobcom/fernglas/internal/bmp"
	"github.com/wobcom/fernglas/internal/store"
)

// mailboxCapacity bounds each per-peer task's inbound queue; a producer
// exceeding it blocks the connection's reader, propagating as TCP
// backpressure to the router.
const mailboxCapacity = 16

// PeerConfig is what the collector knows ahead of time about one
// expected BMP-speaking router.
type PeerConfig struct {
	NameOverride string
}

// Config configures the passive listener.
type Config struct {
	Bind    string
	Peers   map[netip.Addr]PeerConfig
	Default *PeerConfig
}

// Collector is the passive BMP listener.
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
		return fmt.Errorf("bmpcollector: listen on %s: %w", c.cfg.Bind, err)
	}
	c.logger.Info("bmpcollector: listening", zap.String("bind", c.cfg.Bind))

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
			return fmt.Errorf("bmpcollector: accept: %w", err)
		}
		go c.handle(ctx, conn)
	}
}

func (c *Collector) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		c.logger.Warn("bmpcollector: unexpected remote address type", zap.String("addr", conn.RemoteAddr().String()))
		return
	}
	remoteAddr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return
	}
	remoteAddr = remoteAddr.Unmap()
	fromClient := netip.AddrPortFrom(remoteAddr, uint16(tcpAddr.Port))

	peerCfg, found := c.cfg.Peers[remoteAddr]
	if !found {
		if c.cfg.Default == nil {
			c.logger.Warn("bmpcollector: no peer config and no default for", zap.Stringer("peer", remoteAddr))
			return
		}
		peerCfg = *c.cfg.Default
	}

	r := &frameReader{conn: conn}

	first, err := r.next()
	if err != nil {
		c.logger.Warn("bmpcollector: reading initiation", zap.Stringer("peer", remoteAddr), zap.Error(err))
		return
	}
	if first.Type != bmp.MsgTypeInitiation {
		c.logger.Warn("bmpcollector: expected Initiation first", zap.Stringer("peer", remoteAddr), zap.Uint8("type", first.Type))
		return
	}

	clientName := peerCfg.NameOverride
	if clientName == "" {
		clientName = first.SysName
	}
	if clientName == "" {
		clientName = remoteAddr.String()
	}

	p := &peerDemux{
		store:      c.store,
		fromClient: fromClient,
		logger:     c.logger,
		mailboxes:  make(map[netip.Addr]chan bmp.Message),
	}
	clientRegistered := false
	defer func() {
		p.closeAll()
		if clientRegistered {
			c.store.ClientDown(fromClient)
		}
	}()

	for {
		msg, err := r.next()
		if err != nil {
			if err != io.EOF {
				c.logger.Info("bmpcollector: session ended", zap.Stringer("peer", remoteAddr), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case bmp.MsgTypeTermination:
			return
		case bmp.MsgTypePeerUp:
			if !clientRegistered {
				c.store.ClientUp(fromClient, store.Client{ClientName: clientName, RouterID: msg.RouterID})
				clientRegistered = true
			}
			p.dispatch(ctx, msg)
		case bmp.MsgTypeRouteMonitoring, bmp.MsgTypePeerDown:
			p.dispatch(ctx, msg)
		default:
			// Statistics Report, Route Mirroring: not consumed.
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// frameReader reads complete BMP messages off conn, one at a time.
type frameReader struct {
	conn net.Conn
}

func (r *frameReader) next() (bmp.Message, error) {
	head := make([]byte, bmp.CommonHeaderSize)
	if _, err := io.ReadFull(r.conn, head); err != nil {
		return bmp.Message{}, err
	}
	length := int(binary.BigEndian.Uint32(head[1:5]))
	if length < bmp.CommonHeaderSize {
		return bmp.Message{}, fmt.Errorf("bmpcollector: invalid message length %d", length)
	}
	full := make([]byte, length)
	copy(full, head)
	if length > bmp.CommonHeaderSize {
		if _, err := io.ReadFull(r.conn, full[bmp.CommonHeaderSize:]); err != nil {
			return bmp.Message{}, err
		}
	}
	return bmp.Decode(full)
}

// peerDemux owns one BMP client connection's per-peer mailboxes,
// keyed by the BMP peer's own address. Each mailbox feeds a dedicated
// goroutine that owns that peer's session lifecycle and applies its
// updates to the store in arrival order.
type peerDemux struct {
	store      *store.Store
	fromClient netip.AddrPort
	logger     *zap.Logger

	mu        sync.Mutex
	mailboxes map[netip.Addr]chan bmp.Message
}

func (p *peerDemux) dispatch(ctx context.Context, msg bmp.Message) {
	mailbox := p.mailboxFor(msg.Peer.Address)
	select {
	case mailbox <- msg:
	case <-ctx.Done():
	}
}

func (p *peerDemux) mailboxFor(peerAddr netip.Addr) chan bmp.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.mailboxes[peerAddr]; ok {
		return ch
	}
	ch := make(chan bmp.Message, mailboxCapacity)
	p.mailboxes[peerAddr] = ch
	go p.runPeerTask(ch)
	return ch
}

func (p *peerDemux) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.mailboxes {
		close(ch)
	}
}

// runPeerTask consumes one peer's messages in order: PeerUp registers
// the session (if this peer's table selector is session-scoped),
// RouteMonitoring applies the update, PeerDown ends the task.
func (p *peerDemux) runPeerTask(mailbox chan bmp.Message) {
	var sessionID store.SessionID
	sessionScoped := false

	for msg := range mailbox {
		sel, sid, ok := selectorFor(p.fromClient, msg.Peer)
		if !ok {
			p.logger.Debug("bmpcollector: unrecognized peer type/flags",
				zap.Uint8("peer_type", msg.Peer.Type), zap.Uint8("flags", msg.Peer.Flags))
			continue
		}

		switch msg.Type {
		case bmp.MsgTypePeerUp:
			if sid != nil {
				sessionID = *sid
				sessionScoped = true
				p.store.SessionUp(sessionID, store.Session{})
			}
		case bmp.MsgTypeRouteMonitoring:
			update, err := bgp.DecodeUpdate(msg.BGPUpdate[bgp.HeaderSize:], false)
			if err != nil {
				p.logger.Warn("bmpcollector: dropping malformed UPDATE", zap.Error(err))
				continue
			}
			p.store.InsertUpdateMessage(sel, toStoreUpdate(update))
		case bmp.MsgTypePeerDown:
			if sessionScoped {
				p.store.SessionDown(sessionID, nil)
			}
			return
		}
	}
	if sessionScoped {
		p.store.SessionDown(sessionID, nil)
	}
}

// selectorFor maps a BMP peer header to a store table selector, per the
// collector's peer selector rules: peer types 0/1/2 are Adj-RIB (the
// post-policy flag distinguishing which side), peer type 3 is Loc-RIB.
// The returned SessionID is non-nil only for the Adj-RIB case.
func selectorFor(fromClient netip.AddrPort, h bmp.PeerHeader) (store.TableSelector, *store.SessionID, bool) {
	switch bmp.Classify(h) {
	case bmp.PeerClassAdjIn:
		sid := store.SessionID{FromClient: fromClient, Distinguisher: distinguisherFor(h), PeerAddress: h.Address}
		kind := store.TablePrePolicyAdjIn
		if h.IsPostPolicy() {
			kind = store.TablePostPolicyAdjIn
		}
		return store.TableSelector{Kind: kind, Session: sid}, &sid, true
	case bmp.PeerClassLocRib:
		return store.TableSelector{
			Kind:        store.TableLocRib,
			FromClient:  fromClient,
			LocRibState: store.RouteStateSelected,
		}, nil, true
	default:
		return store.TableSelector{}, nil, false
	}
}

// distinguisherFor derives the SessionId's peer_distinguisher from a
// per-peer header's type: Global Instance peers (type 0) carry no RD, so
// they collapse to the unit Global value; RD Instance (type 1) and Local
// Instance (type 2) peers carry the per-peer header's 8-byte distinguisher
// field, read big-endian, so two peers sharing one IP under different RDs
// or local scopes land in distinct sessions/tables.
func distinguisherFor(h bmp.PeerHeader) store.Distinguisher {
	switch h.Type {
	case bmp.PeerTypeRD:
		return store.Distinguisher{Kind: store.DistinguisherRD, Value: binary.BigEndian.Uint64(h.Distinguisher[:])}
	case bmp.PeerTypeLocal:
		return store.Distinguisher{Kind: store.DistinguisherLocal, Value: binary.BigEndian.Uint64(h.Distinguisher[:])}
	default:
		return store.GlobalDistinguisher()
	}
}

func toStoreUpdate(u bgp.Update) store.UpdateMessage {
	return store.UpdateMessage{
		Announcements: toStoreAnnouncements(u.Announcements),
		Withdrawals:   toStoreNLRI(u.Withdrawals),
	}
}

func toStoreAnnouncements(in []bgp.Announcement) []store.Announcement {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.Announcement, len(in))
	for i, a := range in {
		out[i] = store.Announcement{PathID: a.PathID, Net: a.Net, Attrs: a.Attrs}
	}
	return out
}

func toStoreNLRI(in []bgp.NLRI) []store.NLRI {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.NLRI, len(in))
	for i, n := range in {
		out[i] = store.NLRI{PathID: n.PathID, Net: n.Net}
	}
	return out
}
