package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"riptide/bencode"
)

func buildTorrent(t *testing.T, mutate func(doc, info *bencode.Value)) []byte {
	t.Helper()

	info := bencode.NewDict()
	info.Set("name", bencode.NewString([]byte("data.bin")))
	info.Set("piece length", bencode.NewInteger(512))
	info.Set("length", bencode.NewInteger(1000))
	info.Set("pieces", bencode.NewString(bytes.Repeat([]byte("a"), 40)))

	doc := bencode.NewDict()
	doc.Set("announce", bencode.NewString([]byte("http://tracker.example/announce")))
	doc.Set("info", info)

	if mutate != nil {
		mutate(doc, info)
	}

	out, err := bencode.EncodeBytes(doc)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestParseSingleFile(t *testing.T) {
	raw := buildTorrent(t, nil)
	mi, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	if mi.Announce != "http://tracker.example/announce" {
		t.Errorf("announce: %s", mi.Announce)
	}
	if mi.Name != "data.bin" || mi.PieceLength != 512 || mi.TotalLength != 1000 {
		t.Errorf("basic fields wrong: %+v", mi)
	}
	if mi.NumPieces() != 2 {
		t.Fatalf("expected 2 pieces, got %d", mi.NumPieces())
	}
	if len(mi.Files) != 1 || mi.Files[0].Path != "data.bin" || mi.Files[0].Length != 1000 {
		t.Errorf("files wrong: %+v", mi.Files)
	}
	if mi.MultiFile() {
		t.Error("single-file torrent reported as multi-file")
	}

	// info hash is the SHA-1 of the info dictionary's canonical bytes
	infoStart := bytes.Index(raw, []byte("4:info")) + len("4:info")
	expected := sha1.Sum(raw[infoStart : len(raw)-1])
	if mi.InfoHash != expected {
		t.Errorf("info hash mismatch: %x vs %x", mi.InfoHash, expected)
	}
}

func TestParseMultiFile(t *testing.T) {
	raw := buildTorrent(t, func(doc, info *bencode.Value) {
		delete(info.Dict, "length")
		info.Keys = []string{"name", "piece length", "pieces"}

		fileA := bencode.NewDict()
		fileA.Set("length", bencode.NewInteger(700))
		fileA.Set("path", bencode.NewList(bencode.NewString([]byte("sub")), bencode.NewString([]byte("a.txt"))))
		fileB := bencode.NewDict()
		fileB.Set("length", bencode.NewInteger(300))
		fileB.Set("path", bencode.NewList(bencode.NewString([]byte("b.txt"))))
		info.Set("files", bencode.NewList(fileA, fileB))
	})

	mi, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !mi.MultiFile() || len(mi.Files) != 2 {
		t.Fatalf("expected 2 files, got %+v", mi.Files)
	}
	if mi.Files[0].Path != filepath.Join("data.bin", "sub", "a.txt") {
		t.Errorf("file path: %s", mi.Files[0].Path)
	}
	if mi.TotalLength != 1000 {
		t.Errorf("total length: %d", mi.TotalLength)
	}
}

func TestPieceArithmetic(t *testing.T) {
	raw := buildTorrent(t, nil)
	mi, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	sum := 0
	for i := 0; i < mi.NumPieces(); i++ {
		sum += mi.PieceSize(i)
	}
	if sum != mi.TotalLength {
		t.Errorf("piece sizes sum to %d, want %d", sum, mi.TotalLength)
	}
	if mi.PieceSize(0) != 512 || mi.PieceSize(1) != 488 {
		t.Errorf("piece sizes: %d, %d", mi.PieceSize(0), mi.PieceSize(1))
	}
	begin, end := mi.PieceBounds(1)
	if begin != 512 || end != 1000 {
		t.Errorf("piece 1 bounds: [%d, %d)", begin, end)
	}
}

func TestParseAnnounceList(t *testing.T) {
	raw := buildTorrent(t, func(doc, info *bencode.Value) {
		tier1 := bencode.NewList(bencode.NewString([]byte("http://a/announce")))
		tier2 := bencode.NewList(bencode.NewString([]byte("http://b/announce")), bencode.NewString([]byte("http://c/announce")))
		doc.Set("announce-list", bencode.NewList(tier1, tier2))
	})

	mi, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(mi.AnnounceList) != 2 || mi.AnnounceList[0] != "http://a/announce" || mi.AnnounceList[1] != "http://b/announce" {
		t.Errorf("announce list: %v", mi.AnnounceList)
	}
}

func TestParseMalformed(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(doc, info *bencode.Value)
	}{
		{"no announce", func(doc, info *bencode.Value) {
			delete(doc.Dict, "announce")
			doc.Keys = []string{"info"}
		}},
		{"no info", func(doc, info *bencode.Value) {
			delete(doc.Dict, "info")
			doc.Keys = []string{"announce"}
		}},
		{"zero piece length", func(doc, info *bencode.Value) {
			info.Set("piece length", bencode.NewInteger(0))
		}},
		{"ragged pieces blob", func(doc, info *bencode.Value) {
			info.Set("pieces", bencode.NewString(bytes.Repeat([]byte("a"), 41)))
		}},
		{"hash count mismatch", func(doc, info *bencode.Value) {
			info.Set("pieces", bencode.NewString(bytes.Repeat([]byte("a"), 60)))
		}},
		{"neither length nor files", func(doc, info *bencode.Value) {
			delete(info.Dict, "length")
			info.Keys = []string{"name", "piece length", "pieces"}
		}},
		{"path traversal", func(doc, info *bencode.Value) {
			delete(info.Dict, "length")
			info.Keys = []string{"name", "piece length", "pieces"}
			f := bencode.NewDict()
			f.Set("length", bencode.NewInteger(1000))
			f.Set("path", bencode.NewList(bencode.NewString([]byte(".."))))
			info.Set("files", bencode.NewList(f))
		}},
	}

	for _, tc := range testCases {
		raw := buildTorrent(t, tc.mutate)
		if _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrMalformedTorrent) {
			t.Errorf("%s: expected ErrMalformedTorrent, got %v", tc.name, err)
		}
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := Parse(strings.NewReader("this is not bencode")); !errors.Is(err, ErrMalformedTorrent) {
		t.Errorf("expected ErrMalformedTorrent, got %v", err)
	}
	if _, err := Parse(strings.NewReader("i42e")); !errors.Is(err, ErrMalformedTorrent) {
		t.Errorf("expected ErrMalformedTorrent for non-dict, got %v", err)
	}
}
