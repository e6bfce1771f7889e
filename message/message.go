package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

type messageID uint8

// Generally every two minutes a message of length zero (keep-alive) is sent.
//
// All non-keep-alive messages with their IDs:
//   - choke 0 (peer will not answer requests for now)
//   - unchoke 1 (peer is ready to answer requests)
//   - interested 2 (we want pieces the peer has)
//   - not interested 3 (we need nothing the peer has)
//   - have 4 (piece index the peer has completed)
//   - bitfield 5 (encodes which pieces the peer is able to send)
//   - request 6 (payload of the form <index><begin><length> requesting a block)
//   - piece 7 (payload of the form <index><begin><block> carrying a block)
//   - cancel 8 (identical payload to request, cancels a pending block request)
const (
	Choke         messageID = 0
	Unchoke       messageID = 1
	Interested    messageID = 2
	NotInterested messageID = 3
	Have          messageID = 4
	Bitfield      messageID = 5
	Request       messageID = 6
	Piece         messageID = 7
	Cancel        messageID = 8
)

// The largest legitimate non-bitfield payload is a piece message
// carrying one 128 KiB block plus its 8-byte header. Bitfield payloads
// scale with the torrent's piece count instead and get a generous
// bound of their own (enough for 64M pieces).
const (
	maxPayloadLen  = 1<<17 + 8
	maxBitfieldLen = 1 << 23
)

// Every message travels as:
// | 4-byte length prefix | Message ID | Optional Payload |
//
// The length prefix is not stored, it is only used to frame the message.
// A nil *Message stands for a keep-alive.
type Message struct {
	ID      messageID
	Payload []byte
}

// NewRequest builds a request message for one block.
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// NewCancel builds a cancel message for one in-flight block request.
func NewCancel(index, begin, length int) *Message {
	msg := NewRequest(index, begin, length)
	msg.ID = Cancel
	return msg
}

// NewHave builds a have message.
//
// Format of the message: <length=5><id=4><piece index>
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// NewBitfield wraps a raw possession vector in a bitfield message.
func NewBitfield(bf []byte) *Message {
	return &Message{ID: Bitfield, Payload: bf}
}

// NewPiece builds a piece message carrying one block.
func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have {
		return -1, fmt.Errorf("expected ID of %d (HAVE), got ID %d", Have, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return -1, fmt.Errorf("expected payload of length 4, got length %d", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParseRequest extracts (index, begin, length) from a request or cancel message.
func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Request && msg.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("expected ID of %d (REQUEST) or %d (CANCEL), got ID %d", Request, Cancel, msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("expected payload of length 12, got length %d", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts the block carried by a piece message.
func ParsePiece(msg *Message) (index, begin int, block []byte, err error) {
	if msg.ID != Piece {
		return 0, 0, nil, fmt.Errorf("expected ID of %d (PIECE), got ID %d", Piece, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("payload too short: %d < 8", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	return index, begin, msg.Payload[8:], nil
}

// Serialize puts together a message. A nil receiver serializes to a
// keep-alive, a bare zero length prefix.
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1) // payload + ID (1 byte)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Read consumes exactly one length-prefixed message from r. The stream
// may deliver bytes in arbitrary chunks; io.ReadFull blocks until the
// whole frame has arrived, so a partially delivered message is waited
// out, never treated as an error. A keep-alive is returned as (nil, nil).
func Read(r io.Reader) (*Message, error) {
	bufLen := make([]byte, 4)
	if _, err := io.ReadFull(r, bufLen); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(bufLen)

	// keep-alive
	if length == 0 {
		return nil, nil
	}

	idBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return nil, err
	}
	id := messageID(idBuf[0])

	limit := uint32(maxPayloadLen)
	if id == Bitfield {
		limit = maxBitfieldLen
	}
	if length-1 > limit {
		return nil, fmt.Errorf("%s payload of %d bytes exceeds protocol maximum", (&Message{ID: id}).name(), length-1)
	}

	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Message{
		ID:      id,
		Payload: payload,
	}, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("unknown message type with ID: %d", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}
	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
