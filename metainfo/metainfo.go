package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"riptide/bencode"
)

// Returned (wrapped) when a .torrent file does not describe a torrent
// we can download.
var ErrMalformedTorrent = errors.New("malformed torrent")

// One output file of the torrent. Path is relative to the download
// directory; single-file torrents have exactly one entry named after
// the torrent.
type File struct {
	Path   string
	Length int
}

// Metainfo is the parsed, immutable description of one torrent.
type Metainfo struct {
	Announce     string
	AnnounceList []string
	Name         string
	InfoHash     [20]byte
	PieceLength  int
	PieceHashes  [][20]byte
	Files        []File
	TotalLength  int
}

// Open reads and parses a .torrent file.
func Open(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a bencoded torrent document.
func Parse(r io.Reader) (*Metainfo, error) {
	doc, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTorrent, err)
	}
	if doc.Kind != bencode.Dict {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrMalformedTorrent)
	}

	announce, ok := doc.Lookup("announce")
	if !ok || announce.Kind != bencode.String {
		return nil, fmt.Errorf("%w: missing announce URL", ErrMalformedTorrent)
	}

	info, ok := doc.Lookup("info")
	if !ok || info.Kind != bencode.Dict {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrMalformedTorrent)
	}

	// the torrent's identity is the SHA-1 of the canonical info bytes
	infoBytes, err := bencode.EncodeBytes(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTorrent, err)
	}

	mi := &Metainfo{
		Announce: string(announce.Str),
		InfoHash: sha1.Sum(infoBytes),
	}

	if list, ok := doc.Lookup("announce-list"); ok && list.Kind == bencode.List {
		mi.AnnounceList = flattenAnnounceList(list)
	}

	if err := mi.parseInfo(info); err != nil {
		return nil, err
	}
	return mi, nil
}

func (mi *Metainfo) parseInfo(info *bencode.Value) error {
	name, ok := info.Lookup("name")
	if !ok || name.Kind != bencode.String {
		return fmt.Errorf("%w: info has no name", ErrMalformedTorrent)
	}
	mi.Name = string(name.Str)

	pieceLength, ok := info.Lookup("piece length")
	if !ok || pieceLength.Kind != bencode.Integer || pieceLength.Int <= 0 {
		return fmt.Errorf("%w: bad piece length", ErrMalformedTorrent)
	}
	mi.PieceLength = int(pieceLength.Int)

	pieces, ok := info.Lookup("pieces")
	if !ok || pieces.Kind != bencode.String {
		return fmt.Errorf("%w: info has no pieces", ErrMalformedTorrent)
	}
	hashes, err := slicePieceHashes(pieces.Str)
	if err != nil {
		return err
	}
	mi.PieceHashes = hashes

	if length, ok := info.Lookup("length"); ok {
		// single-file layout
		if length.Kind != bencode.Integer || length.Int < 0 {
			return fmt.Errorf("%w: bad file length", ErrMalformedTorrent)
		}
		mi.Files = []File{{Path: mi.Name, Length: int(length.Int)}}
	} else if files, ok := info.Lookup("files"); ok && files.Kind == bencode.List {
		parsed, err := parseFileList(mi.Name, files)
		if err != nil {
			return err
		}
		mi.Files = parsed
	} else {
		return fmt.Errorf("%w: info has neither length nor files", ErrMalformedTorrent)
	}

	for _, f := range mi.Files {
		mi.TotalLength += f.Length
	}
	if mi.TotalLength <= 0 {
		return fmt.Errorf("%w: torrent is empty", ErrMalformedTorrent)
	}

	expected := (mi.TotalLength + mi.PieceLength - 1) / mi.PieceLength
	if len(mi.PieceHashes) != expected {
		return fmt.Errorf("%w: %d piece hashes for %d pieces of data",
			ErrMalformedTorrent, len(mi.PieceHashes), expected)
	}
	return nil
}

func slicePieceHashes(raw []byte) ([][20]byte, error) {
	const hashLength = 20
	if len(raw)%hashLength != 0 {
		return nil, fmt.Errorf("%w: pieces blob of %d bytes is not a multiple of %d",
			ErrMalformedTorrent, len(raw), hashLength)
	}

	numHashes := len(raw) / hashLength
	hashes := make([][20]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], raw[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

func parseFileList(name string, files *bencode.Value) ([]File, error) {
	if len(files.List) == 0 {
		return nil, fmt.Errorf("%w: empty file list", ErrMalformedTorrent)
	}

	out := make([]File, 0, len(files.List))
	for _, entry := range files.List {
		if entry.Kind != bencode.Dict {
			return nil, fmt.Errorf("%w: file entry is not a dictionary", ErrMalformedTorrent)
		}
		length, ok := entry.Lookup("length")
		if !ok || length.Kind != bencode.Integer || length.Int < 0 {
			return nil, fmt.Errorf("%w: file entry has a bad length", ErrMalformedTorrent)
		}
		pathList, ok := entry.Lookup("path")
		if !ok || pathList.Kind != bencode.List || len(pathList.List) == 0 {
			return nil, fmt.Errorf("%w: file entry has no path", ErrMalformedTorrent)
		}

		components := []string{name}
		for _, c := range pathList.List {
			if c.Kind != bencode.String || len(c.Str) == 0 {
				return nil, fmt.Errorf("%w: bad path component", ErrMalformedTorrent)
			}
			component := string(c.Str)
			if component == ".." || bytes.ContainsRune(c.Str, os.PathSeparator) {
				return nil, fmt.Errorf("%w: path component %q escapes the download directory",
					ErrMalformedTorrent, component)
			}
			components = append(components, component)
		}
		out = append(out, File{
			Path:   filepath.Join(components...),
			Length: int(length.Int),
		})
	}
	return out, nil
}

// announce-list is a list of tiers; we keep the first tracker of every
// tier as a fallback announce URL.
func flattenAnnounceList(list *bencode.Value) []string {
	var flat []string
	for _, tier := range list.List {
		if tier.Kind != bencode.List || len(tier.List) == 0 {
			continue
		}
		if tier.List[0].Kind == bencode.String {
			flat = append(flat, string(tier.List[0].Str))
		}
	}
	return flat
}

// NumPieces returns how many pieces the torrent has.
func (mi *Metainfo) NumPieces() int {
	return len(mi.PieceHashes)
}

// PieceBounds returns the absolute byte range [begin, end) covered by a piece.
func (mi *Metainfo) PieceBounds(index int) (begin, end int) {
	begin = index * mi.PieceLength
	end = begin + mi.PieceLength
	if end > mi.TotalLength {
		end = mi.TotalLength
	}
	return begin, end
}

// PieceSize returns the size of a piece; only the last one may be shorter.
func (mi *Metainfo) PieceSize(index int) int {
	begin, end := mi.PieceBounds(index)
	return end - begin
}

// MultiFile reports whether the torrent carries more than one file.
func (mi *Metainfo) MultiFile() bool {
	return len(mi.Files) > 1
}
