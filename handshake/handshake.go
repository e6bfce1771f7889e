package handshake

import (
	"fmt"
	"io"
)

// The handshake is a fixed-format message exchanged once, immediately
// after the TCP connection opens. It consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - "BitTorrent protocol")
//   - 8 reserved bytes for extension support (none supported here)
//   - 20 bytes for infohash (SHA-1 of the bencoded info dictionary)
//   - 20 bytes for peerID (random id to identify ourselves)
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

const protocolIdentifier = "BitTorrent protocol"

// length of the handshake message in bytes
const handshakeLen = 68

// New creates a Handshake with the given infoHash and peerID.
func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     protocolIdentifier,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize puts together the handshake message.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	curr += copy(buf[curr:], h.PeerID[:])
	return buf
}

// Read parses a handshake from the wire.
func Read(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, pstrLenBuf); err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(protocolIdentifier) {
		return nil, fmt.Errorf("pstr length should be %d but is %d", len(protocolIdentifier), pstrLen)
	}

	handshakeBuf := make([]byte, handshakeLen-1)
	if _, err := io.ReadFull(r, handshakeBuf); err != nil {
		return nil, err
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(peerID[:], handshakeBuf[pstrLen+8+20:])

	return &Handshake{
		Pstr:     string(handshakeBuf[0:pstrLen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}, nil
}
