package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"riptide/bitfield"
	"riptide/metainfo"
)

// State of one piece. A piece is Requested while any of its blocks are
// reserved or buffered, Verifying only for the instant its digest is
// checked, and moves back to Missing if the digest does not match.
type State int

const (
	Missing State = iota
	Requested
	Verifying
	Complete
)

// BlockRequest identifies one block on the wire: piece index, byte
// offset within the piece, and length.
type BlockRequest struct {
	Index  int
	Begin  int
	Length int
}

// Store is where verified piece bytes go. Implemented by the storage
// package; the manager never touches the filesystem itself.
type Store interface {
	WritePiece(index int, data []byte) error
}

// A peer that contributes to this many failed pieces is assumed
// hostile and no longer scheduled.
const maxStrikes = 3

// pendingPiece tracks the blocks of one piece currently being assembled.
type pendingPiece struct {
	buf         []byte
	received    map[int]bool   // block begin -> buffered
	reservedBy  map[int]string // block begin -> peer holding the reservation
	contributed map[int]string // block begin -> peer that supplied the bytes
}

// Manager is the per-torrent piece state machine. All methods are safe
// for concurrent use by the peer sessions driving it.
type Manager struct {
	mu sync.Mutex

	mi        *metainfo.Metainfo
	store     Store
	blockSize int
	log       *logrus.Logger

	have         bitfield.Bitfield
	pending      map[int]*pendingPiece
	availability []int
	peerFields   map[string]bitfield.Bitfield
	strikes      map[string]int
	subscribers  []chan int

	completed int
	failed    error
	fatal     chan struct{}
}

// NewManager builds a manager for the torrent. resume, when non-nil, is
// a bitfield of pieces already verified in a previous run; those pieces
// start Complete and are never re-requested.
func NewManager(mi *metainfo.Metainfo, store Store, blockSize int, resume bitfield.Bitfield, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	m := &Manager{
		mi:           mi,
		store:        store,
		blockSize:    blockSize,
		log:          log,
		have:         bitfield.New(mi.NumPieces()),
		pending:      map[int]*pendingPiece{},
		availability: make([]int, mi.NumPieces()),
		peerFields:   map[string]bitfield.Bitfield{},
		strikes:      map[string]int{},
		fatal:        make(chan struct{}),
	}
	if resume != nil {
		for i := 0; i < mi.NumPieces(); i++ {
			if resume.HasPiece(i) {
				m.have.SetPiece(i)
				m.completed++
			}
		}
	}
	return m
}

// AddPeer registers a peer's advertised bitfield for availability counting.
func (m *Manager) AddPeer(peer string, bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peerFields[peer]; ok {
		return
	}
	bf = bf.Clone()
	m.peerFields[peer] = bf
	for i := 0; i < m.mi.NumPieces(); i++ {
		if bf.HasPiece(i) {
			m.availability[i]++
		}
	}
}

// PeerHave records a have message from a connected peer.
func (m *Manager) PeerHave(peer string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerFields[peer]
	if !ok || index < 0 || index >= m.mi.NumPieces() || bf.HasPiece(index) {
		return
	}
	bf.SetPiece(index)
	m.availability[index]++
}

// RemovePeer drops a peer: its availability contribution is undone and
// every block it had reserved returns to the selectable pool before the
// call returns. Blocks it already delivered stay buffered.
func (m *Manager) RemovePeer(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bf, ok := m.peerFields[peer]; ok {
		for i := 0; i < m.mi.NumPieces(); i++ {
			if bf.HasPiece(i) {
				m.availability[i]--
			}
		}
		delete(m.peerFields, peer)
	}
	m.releaseLocked(peer)
}

// ReleaseRequests returns the peer's outstanding reservations to the
// pool without forgetting the peer itself.
func (m *Manager) ReleaseRequests(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(peer)
}

func (m *Manager) releaseLocked(peer string) {
	for index, pp := range m.pending {
		for begin, holder := range pp.reservedBy {
			if holder == peer {
				delete(pp.reservedBy, begin)
			}
		}
		// a piece with no buffered and no reserved blocks is plain Missing
		if len(pp.received) == 0 && len(pp.reservedBy) == 0 {
			delete(m.pending, index)
		}
	}
}

// NextRequests reserves up to max blocks for the peer, rarest piece
// first with the lowest index breaking ties, block offsets ascending
// within a piece. Returns nil when the peer has nothing we still need.
func (m *Manager) NextRequests(peer string, max int) []BlockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failed != nil || m.strikes[peer] >= maxStrikes {
		return nil
	}
	bf, ok := m.peerFields[peer]
	if !ok {
		return nil
	}

	var candidates []int
	for i := 0; i < m.mi.NumPieces(); i++ {
		if !m.have.HasPiece(i) && bf.HasPiece(i) {
			candidates = append(candidates, i)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if m.availability[candidates[a]] != m.availability[candidates[b]] {
			return m.availability[candidates[a]] < m.availability[candidates[b]]
		}
		return candidates[a] < candidates[b]
	})

	var out []BlockRequest
	for _, index := range candidates {
		if len(out) >= max {
			break
		}
		out = m.reserveBlocksLocked(peer, index, max-len(out), out)
	}
	return out
}

func (m *Manager) reserveBlocksLocked(peer string, index, budget int, out []BlockRequest) []BlockRequest {
	pieceSize := m.mi.PieceSize(index)
	pp, ok := m.pending[index]
	if !ok {
		pp = &pendingPiece{
			buf:         make([]byte, pieceSize),
			received:    map[int]bool{},
			reservedBy:  map[int]string{},
			contributed: map[int]string{},
		}
		m.pending[index] = pp
	}

	for begin := 0; begin < pieceSize && budget > 0; begin += m.blockSize {
		if pp.received[begin] {
			continue
		}
		if _, taken := pp.reservedBy[begin]; taken {
			continue
		}
		length := m.blockSize
		if pieceSize-begin < length {
			length = pieceSize - begin
		}
		pp.reservedBy[begin] = peer
		out = append(out, BlockRequest{Index: index, Begin: begin, Length: length})
		budget--
	}

	// nothing reservable and nothing buffered: drop the bookkeeping again
	if len(pp.received) == 0 && len(pp.reservedBy) == 0 {
		delete(m.pending, index)
	}
	return out
}

// DeliverBlock buffers a received block. When it completes its piece the
// bytes are verified and, on a digest match, handed to the store, the
// bitfield updated and the index broadcast to subscribers, all before
// DeliverBlock returns, so no one observes a Complete piece whose bytes
// are not durable. The return value is true once the whole torrent is done.
func (m *Manager) DeliverBlock(peer string, index, begin int, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.mi.NumPieces() {
		return false, fmt.Errorf("piece index %d out of range", index)
	}
	if m.have.HasPiece(index) {
		// duplicate of an already verified piece, drop it
		return m.doneLocked(), nil
	}
	pp, ok := m.pending[index]
	if !ok {
		return false, fmt.Errorf("piece %d has no outstanding requests", index)
	}
	if begin%m.blockSize != 0 || begin < 0 || begin+len(data) > len(pp.buf) {
		return false, fmt.Errorf("block %d+%d does not fit piece %d", begin, len(data), index)
	}
	if pp.received[begin] {
		return m.doneLocked(), nil
	}

	copy(pp.buf[begin:], data)
	pp.received[begin] = true
	pp.contributed[begin] = peer
	delete(pp.reservedBy, begin)

	if !m.pieceFullLocked(index, pp) {
		return false, nil
	}
	return m.finishPieceLocked(index, pp)
}

func (m *Manager) pieceFullLocked(index int, pp *pendingPiece) bool {
	pieceSize := m.mi.PieceSize(index)
	for begin := 0; begin < pieceSize; begin += m.blockSize {
		if !pp.received[begin] {
			return false
		}
	}
	return true
}

func (m *Manager) finishPieceLocked(index int, pp *pendingPiece) (bool, error) {
	hash := sha1.Sum(pp.buf)
	if !bytes.Equal(hash[:], m.mi.PieceHashes[index][:]) {
		// hash failure: every contributor is suspect, the piece goes
		// back to Missing and all of its blocks become re-requestable
		for _, peer := range pp.contributed {
			m.strikes[peer]++
			if m.strikes[peer] == maxStrikes {
				m.log.WithField("peer", peer).Warn("peer banned after repeated bad data")
			}
		}
		delete(m.pending, index)
		m.log.WithField("piece", index).Warn("piece failed integrity check")
		return false, nil
	}

	if err := m.store.WritePiece(index, pp.buf); err != nil {
		// progress can no longer be durably recorded, so the whole
		// download is dead; the piece stays incomplete
		delete(m.pending, index)
		if m.failed == nil {
			m.failed = fmt.Errorf("storing piece %d: %w", index, err)
			close(m.fatal)
		}
		return false, m.failed
	}

	delete(m.pending, index)
	m.have.SetPiece(index)
	m.completed++
	for _, ch := range m.subscribers {
		select {
		case ch <- index:
		default:
		}
	}
	return m.doneLocked(), nil
}

func (m *Manager) doneLocked() bool {
	return m.completed == m.mi.NumPieces()
}

// Subscribe returns a channel that receives the index of every piece
// completed from now on. Slow subscribers miss indices rather than
// blocking the manager.
func (m *Manager) Subscribe() chan int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan int, m.mi.NumPieces())
	m.subscribers = append(m.subscribers, ch)
	return ch
}

func (m *Manager) Unsubscribe(ch chan int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// State reports the lifecycle state of one piece.
func (m *Manager) State(index int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.have.HasPiece(index):
		return Complete
	case m.pending[index] != nil:
		return Requested
	default:
		return Missing
	}
}

// Bitfield returns a snapshot of the local possession state.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.have.Clone()
}

// Done reports whether every piece is Complete.
func (m *Manager) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doneLocked()
}

// CompletedPieces returns how many pieces have been verified.
func (m *Manager) CompletedPieces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// BytesLeft returns how many bytes are still missing, for tracker stats.
func (m *Manager) BytesLeft() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	left := 0
	for i := 0; i < m.mi.NumPieces(); i++ {
		if !m.have.HasPiece(i) {
			left += m.mi.PieceSize(i)
		}
	}
	return left
}

// Failed returns the storage error that killed the download, or nil
// while it is still viable. Once set it never clears: bytes that cannot
// be written cannot be verified durable, so no further progress counts.
func (m *Manager) Failed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Fatal is closed when a storage failure kills the download.
func (m *Manager) Fatal() <-chan struct{} {
	return m.fatal
}

// Banned reports whether a peer struck out supplying bad data.
func (m *Manager) Banned(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strikes[peer] >= maxStrikes
}
