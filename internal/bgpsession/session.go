package bgpsession

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wobcom/fernglas/internal/bgp"
	"github.com/wobcom/fernglas/internal/store"
)

// Session drives one accepted TCP connection through the active BGP
// handshake and UPDATE lifecycle described by the collector's session
// state machine: Connected -> OpenSent -> Established -> Terminated.
type Session struct {
	conn   net.Conn
	local  Params
	logger *zap.Logger

	writeMu sync.Mutex
	reader  *bufio.Reader

	peer         OpenMessage
	holdTime     uint16
	addPathAFIs  map[uint16]bool // AFI -> negotiated ADD-PATH for SAFI unicast
}

// NewSession wraps an accepted connection. local describes the
// capabilities and hold time this side advertises.
func NewSession(conn net.Conn, local Params, logger *zap.Logger) *Session {
	return &Session{
		conn:   conn,
		local:  local,
		logger: logger,
		reader: bufio.NewReaderSize(conn, bgp.MaxMessageSize),
	}
}

// Start performs the Connected -> OpenSent -> Established handshake: send
// the local OPEN, then block for the peer's OPEN. The negotiated hold
// time is min(local, peer), per the collector's session state machine.
func (s *Session) Start(ctx context.Context) (OpenMessage, error) {
	if err := s.writeMessage(EncodeOpen(s.local)); err != nil {
		return OpenMessage{}, fmt.Errorf("bgpsession: sending OPEN: %w", err)
	}

	msgType, body, err := s.readMessage()
	if err != nil {
		return OpenMessage{}, fmt.Errorf("bgpsession: reading peer OPEN: %w", err)
	}
	if msgType != msgTypeOpen {
		return OpenMessage{}, fmt.Errorf("bgpsession: expected OPEN, got message type %d", msgType)
	}

	peer, err := DecodeOpen(body)
	if err != nil {
		return OpenMessage{}, fmt.Errorf("bgpsession: decoding peer OPEN: %w", err)
	}
	s.peer = peer

	s.holdTime = s.local.HoldTime
	if peer.HoldTime < s.holdTime {
		s.holdTime = peer.HoldTime
	}

	s.addPathAFIs = map[uint16]bool{
		bgp.AFIIPv4: hasAddPath(s.local, peer, bgp.AFIIPv4, bgp.SAFIUnicast),
		bgp.AFIIPv6: hasAddPath(s.local, peer, bgp.AFIIPv6, bgp.SAFIUnicast),
	}

	return peer, nil
}

// hasAddPathNegotiated reports whether the NLRI of either AFI carried in
// an UPDATE should be parsed with a leading ADD-PATH path identifier. BGP
// UPDATEs don't tag which AFI a given withdrawn-routes/NLRI field
// belongs to (that's only true of MP_REACH/MP_UNREACH), so the base IPv4
// fields use the IPv4 unicast negotiation outcome.
func (s *Session) hasAddPathNegotiated() bool {
	return s.addPathAFIs[bgp.AFIIPv4]
}

func (s *Session) writeMessage(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(msg)
	return err
}

// readMessage blocks for exactly one framed BGP message and returns its
// type and body (the bytes following the 19-byte header).
func (s *Session) readMessage() (uint8, []byte, error) {
	head := make([]byte, bgp.HeaderSize)
	if _, err := io.ReadFull(s.reader, head); err != nil {
		return 0, nil, err
	}
	length := int(head[16])<<8 | int(head[17])
	if length < bgp.HeaderSize || length > bgp.MaxMessageSize {
		return 0, nil, fmt.Errorf("bgpsession: invalid message length %d", length)
	}
	body := make([]byte, length-bgp.HeaderSize)
	if len(body) > 0 {
		if _, err := io.ReadFull(s.reader, body); err != nil {
			return 0, nil, err
		}
	}
	return head[18], body, nil
}

// runKeepalives sends a KEEPALIVE every holdTime/3 seconds until ctx is
// cancelled. A hold time of zero (negotiated "no keepalives") disables
// the timer entirely.
func (s *Session) runKeepalives(ctx context.Context) {
	if s.holdTime == 0 {
		return
	}
	interval := time.Duration(s.holdTime/3) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(encodeKeepalive()); err != nil {
				s.logger.Warn("bgpsession: keepalive send failed", zap.Error(err))
				return
			}
		}
	}
}

// Run drives the Established state until the peer closes the
// connection, sends a NOTIFICATION, or ctx is cancelled. Every decoded
// UPDATE is applied to st as a LocRib update for fromClient, matching
// the collector session state machine's `insert_bgp_update` side effect.
// Run registers and tears down the client in st itself; callers only
// need to close the connection afterward. clientName overrides the
// name derived from the peer's FQDN capability (or its bare IP) when
// non-empty, matching a configured name_override taking priority.
func (s *Session) Run(ctx context.Context, st *store.Store, fromClient netip.AddrPort, clientName string) (NotificationMessage, error) {
	if clientName == "" {
		clientName = s.peer.ClientName(fromClient.Addr())
	}
	st.ClientUp(fromClient, store.Client{ClientName: clientName, RouterID: s.peer.RouterID})
	defer st.ClientDown(fromClient)

	kaCtx, cancelKA := context.WithCancel(ctx)
	defer cancelKA()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runKeepalives(kaCtx)
	}()
	defer wg.Wait()

	sel := store.TableSelector{
		Kind:        store.TableLocRib,
		FromClient:  fromClient,
		LocRibState: store.RouteStateSelected,
	}

	for {
		select {
		case <-ctx.Done():
			return NotificationMessage{}, ctx.Err()
		default:
		}

		msgType, body, err := s.readMessage()
		if err != nil {
			return NotificationMessage{}, err
		}

		switch msgType {
		case msgTypeKeepalive:
			// no-op: Established -> Established.
		case msgTypeUpdate:
			update, err := bgp.DecodeUpdate(body, s.hasAddPathNegotiated())
			if err != nil {
				s.logger.Warn("bgpsession: dropping malformed UPDATE", zap.Error(err))
				continue
			}
			st.InsertUpdateMessage(sel, toStoreUpdate(update))
		case msgTypeNotification:
			return decodeNotification(body), nil
		case msgTypeOpen:
			return NotificationMessage{}, fmt.Errorf("bgpsession: unexpected OPEN in Established state")
		default:
			s.logger.Debug("bgpsession: ignoring message", zap.Uint8("type", msgType))
		}
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
