package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"riptide/metainfo"
	"riptide/piece"
)

// Store owns the torrent's output files. Files are created up front at
// their final size so verified pieces can be written at arbitrary
// offsets, in whatever order they arrive.
type Store struct {
	mi    *metainfo.Metainfo
	dir   string
	files []*os.File
}

func New(mi *metainfo.Metainfo, dir string) *Store {
	return &Store{mi: mi, dir: dir}
}

// Open creates every output file (and its parent directories) sized to
// its final length. Sizing with Truncate keeps the allocation sparse on
// filesystems that support it.
func (s *Store) Open() error {
	s.files = make([]*os.File, len(s.mi.Files))
	for i, mf := range s.mi.Files {
		path := filepath.Join(s.dir, mf.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", mf.Path, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", mf.Path, err)
		}
		if err := f.Truncate(int64(mf.Length)); err != nil {
			f.Close()
			return fmt.Errorf("sizing %s to %d bytes: %w", mf.Path, mf.Length, err)
		}
		s.files[i] = f
	}
	return nil
}

// WritePiece lands a verified piece's bytes in the output files. A piece
// straddling a file boundary becomes one sub-write per file, applied in
// file order; the first failing sub-write aborts so the caller never
// records the piece as complete on a partial write.
func (s *Store) WritePiece(index int, data []byte) error {
	if s.files == nil {
		return errors.New("store not opened")
	}
	for _, w := range piece.PieceWrites(s.mi, index) {
		f := s.files[w.FileIndex]
		if _, err := f.WriteAt(data[w.BufOffset:w.BufOffset+w.Length], int64(w.FileOffset)); err != nil {
			return fmt.Errorf("writing piece %d to %s: %w", index, s.mi.Files[w.FileIndex].Path, err)
		}
	}
	return nil
}

// Close flushes and closes all output files.
func (s *Store) Close() error {
	var firstErr error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = nil
	return firstErr
}
