package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"

	"riptide/bitfield"
)

// The resume record is a small bencoded file next to the output files,
// named after the torrent's info hash. It survives process restarts and
// round-trips the bitfield exactly; in-flight blocks of incomplete
// pieces are deliberately not persisted and get re-requested on resume.
type resumeRecord struct {
	InfoHash   string `bencode:"info hash"`
	PieceCount int    `bencode:"piece count"`
	Bitfield   string `bencode:"bitfield"`
}

func (s *Store) resumePath() string {
	return filepath.Join(s.dir, fmt.Sprintf(".%x.resume", s.mi.InfoHash))
}

// SaveResume persists the current bitfield. The write goes through a
// temp file and a rename so a crash mid-save leaves the previous record
// intact.
func (s *Store) SaveResume(bf bitfield.Bitfield) error {
	record := resumeRecord{
		InfoHash:   string(s.mi.InfoHash[:]),
		PieceCount: s.mi.NumPieces(),
		Bitfield:   string(bf),
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, record); err != nil {
		return err
	}

	tmp := s.resumePath() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.resumePath())
}

// LoadResume reads the persisted bitfield for this torrent. A missing
// record is not an error: (nil, nil) means a fresh start. A record
// written for different metadata is ignored the same way.
func (s *Store) LoadResume() (bitfield.Bitfield, error) {
	f, err := os.Open(s.resumePath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	record := resumeRecord{}
	if err := bencode.Unmarshal(f, &record); err != nil {
		return nil, fmt.Errorf("reading resume state: %w", err)
	}

	if record.InfoHash != string(s.mi.InfoHash[:]) || record.PieceCount != s.mi.NumPieces() {
		return nil, nil
	}
	bf := bitfield.Bitfield(record.Bitfield)
	if len(bf) != len(bitfield.New(s.mi.NumPieces())) {
		return nil, nil
	}
	return bf.Clone(), nil
}

// RemoveResume deletes the record, typically after full completion.
func (s *Store) RemoveResume() error {
	err := os.Remove(s.resumePath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
