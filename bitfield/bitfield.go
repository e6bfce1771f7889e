package bitfield

// Possession vector with one bit per piece, most significant bit first.
// The same layout travels on the wire in bitfield messages and is
// persisted verbatim in the resume file.
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are available)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 0 1] (only piece 15 is available)
type Bitfield []byte

// New returns an all-zero bitfield sized for numPieces pieces.
func New(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// HasPiece reports whether the piece at the given index is set.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8

	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece marks the piece at the given index as present.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8

	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Count returns the number of set pieces.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// Clone returns an independent copy.
func (bf Bitfield) Clone() Bitfield {
	out := make(Bitfield, len(bf))
	copy(out, bf)
	return out
}
