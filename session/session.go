package session

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"riptide/bitfield"
	"riptide/handshake"
	"riptide/message"
	"riptide/peers"
	"riptide/piece"
)

// Config bounds one peer session's behavior.
type Config struct {
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration // silent peers are dropped after this long
	KeepAliveInterval time.Duration
	PipelineDepth     int           // outstanding block requests kept on the wire
	Limiter           *rate.Limiter // shared download throttle, may be nil
}

// Session is the per-peer connection state machine. It is driven by the
// shared piece manager: requests are reserved from it, received blocks
// are delivered back to it, and closing the session returns every
// outstanding reservation to its pool.
type Session struct {
	conn net.Conn
	addr string

	infoHash [20]byte
	peerID   [20]byte

	peerBitfield   bitfield.Bitfield
	peerChoking    bool
	peerInterested bool
	amChoking      bool
	amInterested   bool

	outstanding map[piece.BlockRequest]bool

	mgr  *piece.Manager
	cfg  Config
	log  *logrus.Entry
	quit chan struct{}
}

// Dial connects to the peer, performs the handshake and reads the
// initial bitfield. On success the session is registered with the
// manager and ready to Run.
func Dial(p peers.Peer, infoHash, peerID [20]byte, mgr *piece.Manager, cfg Config, log *logrus.Logger) (*Session, error) {
	conn, err := net.DialTimeout("tcp", p.String(), cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	s, err := Attach(conn, p.String(), infoHash, peerID, mgr, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Attach runs the handshake and bitfield exchange over an established
// connection. Split from Dial so the wire protocol is testable over a
// pipe.
func Attach(conn net.Conn, addr string, infoHash, peerID [20]byte, mgr *piece.Manager, cfg Config, log *logrus.Logger) (*Session, error) {
	if log == nil {
		log = logrus.New()
	}
	s := &Session{
		conn:        conn,
		addr:        addr,
		infoHash:    infoHash,
		peerID:      peerID,
		peerChoking: true,
		amChoking:   true,
		outstanding: map[piece.BlockRequest]bool{},
		mgr:         mgr,
		cfg:         cfg,
		log:         log.WithField("peer", addr),
		quit:        make(chan struct{}),
	}

	if err := s.completeHandshake(); err != nil {
		return nil, err
	}
	if err := s.receiveBitfield(); err != nil {
		return nil, err
	}

	mgr.AddPeer(s.addr, s.peerBitfield)
	return s, nil
}

func (s *Session) completeHandshake() error {
	s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	request := handshake.New(s.infoHash, s.peerID)
	if _, err := s.conn.Write(request.Serialize()); err != nil {
		return err
	}

	result, err := handshake.Read(s.conn)
	if err != nil {
		return err
	}
	if !bytes.Equal(result.InfoHash[:], s.infoHash[:]) {
		return fmt.Errorf("expected infohash %x but got %x", s.infoHash, result.InfoHash)
	}
	return nil
}

// The bitfield is only ever sent as the first message after the
// handshake. Keep-alives before it are tolerated; anything else is a
// protocol violation.
func (s *Session) receiveBitfield() error {
	s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	for {
		msg, err := message.Read(s.conn)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		if msg.ID != message.Bitfield {
			return fmt.Errorf("expected bitfield but got %v", msg)
		}
		s.peerBitfield = bitfield.Bitfield(msg.Payload)
		return nil
	}
}

// Run drives the session until the torrent completes, the context is
// canceled, or the peer errors out. Outstanding block reservations are
// returned to the manager before Run returns, whatever the reason.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	if err := s.updateInterest(); err != nil {
		return err
	}

	haveCh := s.mgr.Subscribe()
	defer s.mgr.Unsubscribe(haveCh)

	msgCh := make(chan *message.Message, 16)
	errCh := make(chan error, 1)
	go s.readLoop(msgCh, errCh)

	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		if s.mgr.Done() {
			return nil
		}
		if s.mgr.Banned(s.addr) {
			return fmt.Errorf("peer supplied bad data repeatedly")
		}
		if err := s.mgr.Failed(); err != nil {
			return err
		}
		if err := s.fillPipeline(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case index := <-haveCh:
			if err := s.sendMessage(message.NewHave(index)); err != nil {
				return err
			}
		case <-keepAlive.C:
			if err := s.sendMessage(nil); err != nil {
				return err
			}
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			if err := s.handleMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// readLoop turns the byte stream into framed messages. The idle
// deadline is pushed forward on every message, so a read timeout here
// means a genuinely silent peer, and any error simply ends the session.
func (s *Session) readLoop(msgCh chan *message.Message, errCh chan error) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := message.Read(s.conn)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case msgCh <- msg:
		case <-s.quit:
			return
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg *message.Message) error {
	// keep-alive
	if msg == nil {
		return nil
	}

	switch msg.ID {
	case message.Choke:
		s.peerChoking = true
		// the peer discards our pending requests; make the blocks
		// selectable for other sessions right away
		s.mgr.ReleaseRequests(s.addr)
		s.outstanding = map[piece.BlockRequest]bool{}
	case message.Unchoke:
		s.peerChoking = false
	case message.Interested:
		s.peerInterested = true
	case message.NotInterested:
		s.peerInterested = false
	case message.Have:
		index, err := message.ParseHave(msg)
		if err != nil {
			return err
		}
		s.peerBitfield.SetPiece(index)
		s.mgr.PeerHave(s.addr, index)
		if err := s.updateInterest(); err != nil {
			return err
		}
	case message.Bitfield:
		return fmt.Errorf("peer sent a second bitfield")
	case message.Request:
		// the peer stays choked for the whole session, so it has no
		// business requesting; ignore it
	case message.Cancel:
		// nothing queued for upload, nothing to cancel
	case message.Piece:
		return s.handlePiece(ctx, msg)
	default:
		return fmt.Errorf("unknown message %v from peer", msg)
	}
	return nil
}

func (s *Session) handlePiece(ctx context.Context, msg *message.Message) error {
	index, begin, block, err := message.ParsePiece(msg)
	if err != nil {
		return err
	}

	req := piece.BlockRequest{Index: index, Begin: begin, Length: len(block)}
	if !s.outstanding[req] {
		s.log.WithFields(logrus.Fields{"piece": index, "begin": begin}).Debug("unsolicited block dropped")
		return nil
	}
	delete(s.outstanding, req)

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.WaitN(ctx, len(block)); err != nil {
			return err
		}
	}

	done, err := s.mgr.DeliverBlock(s.addr, index, begin, block)
	if err != nil {
		return err
	}
	if done {
		s.log.Debug("torrent complete, closing session")
	}
	return nil
}

// updateInterest announces interest once the peer's bitfield shows a
// piece we still lack. Interest is never withdrawn mid-session; the
// session ends when the torrent completes anyway.
func (s *Session) updateInterest() error {
	if s.amInterested {
		return nil
	}
	have := s.mgr.Bitfield()
	for i := 0; i < len(s.peerBitfield)*8; i++ {
		if s.peerBitfield.HasPiece(i) && !have.HasPiece(i) {
			if err := s.sendMessage(&message.Message{ID: message.Interested}); err != nil {
				return err
			}
			s.amInterested = true
			return nil
		}
	}
	return nil
}

func (s *Session) fillPipeline() error {
	if s.peerChoking {
		return nil
	}
	want := s.cfg.PipelineDepth - len(s.outstanding)
	if want <= 0 {
		return nil
	}
	for _, req := range s.mgr.NextRequests(s.addr, want) {
		if err := s.sendMessage(message.NewRequest(req.Index, req.Begin, req.Length)); err != nil {
			return err
		}
		s.outstanding[req] = true
	}
	return nil
}

func (s *Session) sendMessage(msg *message.Message) error {
	_, err := s.conn.Write(msg.Serialize())
	return err
}

// close tears the session down: the connection is closed and every
// reservation this peer held is synchronously returned to the pool.
func (s *Session) close() {
	close(s.quit)
	s.mgr.RemovePeer(s.addr)
	s.outstanding = map[piece.BlockRequest]bool{}
	s.conn.Close()
	s.log.Debug("session closed")
}
