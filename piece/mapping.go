package piece

import "riptide/metainfo"

// WriteInstruction is one scoped write of a verified piece's bytes into
// an output file. A piece that straddles a file boundary produces one
// instruction per file it touches, in file order.
type WriteInstruction struct {
	FileIndex  int // index into the torrent's file list
	FileOffset int // where in that file the bytes land
	BufOffset  int // where in the piece buffer the bytes come from
	Length     int
}

// PieceWrites maps the absolute byte range of a piece onto the ordered
// file layout. The piece covers [index*pieceLength, index*pieceLength+pieceSize).
func PieceWrites(mi *metainfo.Metainfo, index int) []WriteInstruction {
	pieceStart, pieceEnd := mi.PieceBounds(index)

	var out []WriteInstruction
	fileStart := 0
	for i, f := range mi.Files {
		fileEnd := fileStart + f.Length

		// overlap of [pieceStart, pieceEnd) with [fileStart, fileEnd)
		begin := pieceStart
		if fileStart > begin {
			begin = fileStart
		}
		end := pieceEnd
		if fileEnd < end {
			end = fileEnd
		}
		if begin < end {
			out = append(out, WriteInstruction{
				FileIndex:  i,
				FileOffset: begin - fileStart,
				BufOffset:  begin - pieceStart,
				Length:     end - begin,
			})
		}

		fileStart = fileEnd
		if fileStart >= pieceEnd {
			break
		}
	}
	return out
}
