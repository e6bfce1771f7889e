package client

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"riptide/bitfield"
	"riptide/handshake"
	"riptide/message"
	"riptide/metainfo"
	"riptide/storage"
)

func quietConfig() Config {
	cfg := DefaultConfig
	cfg.ShowProgress = false
	cfg.DialTimeout = time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.IdleTimeout = 5 * time.Second
	cfg.KeepAliveInterval = time.Second
	cfg.AnnounceRetries = 2
	cfg.AnnounceBackoff = 50 * time.Millisecond
	return cfg
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func smallTorrent(t *testing.T, announce string, pieceLength, totalLength int) (*metainfo.Metainfo, []byte) {
	t.Helper()
	content := make([]byte, totalLength)
	for i := range content {
		content[i] = byte(i*13 + 7)
	}
	numPieces := (totalLength + pieceLength - 1) / pieceLength
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		end := (i + 1) * pieceLength
		if end > totalLength {
			end = totalLength
		}
		hashes[i] = sha1.Sum(content[i*pieceLength : end])
	}
	return &metainfo.Metainfo{
		Announce:    announce,
		Name:        "payload.bin",
		InfoHash:    sha1.Sum(content),
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files:       []metainfo.File{{Path: "payload.bin", Length: totalLength}},
		TotalLength: totalLength,
	}, content
}

// compactTracker answers every announce with the given peer addresses.
func compactTracker(t *testing.T, peerAddrs []string) *httptest.Server {
	t.Helper()
	var compact []byte
	for _, addr := range peerAddrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			t.Fatal(err)
		}
		port, _ := strconv.Atoi(portStr)
		compact = append(compact, net.ParseIP(host).To4()...)
		compact = binary.BigEndian.AppendUint16(compact, uint16(port))
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "d8:intervali60e5:peers" + strconv.Itoa(len(compact)) + ":" + string(compact) + "e"
		w.Write([]byte(body))
	}))
}

// seedPeer serves the full torrent on a listener, one connection at a time.
func seedPeer(t *testing.T, ln net.Listener, mi *metainfo.Metainfo, content []byte) {
	t.Helper()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			if _, err := handshake.Read(conn); err != nil {
				return
			}
			var seedID [20]byte
			copy(seedID[:], "-RT0001-seedseedseed")
			conn.Write(handshake.New(mi.InfoHash, seedID).Serialize())

			full := bitfield.New(mi.NumPieces())
			for i := 0; i < mi.NumPieces(); i++ {
				full.SetPiece(i)
			}
			conn.Write(message.NewBitfield(full).Serialize())

			for {
				msg, err := message.Read(conn)
				if err != nil {
					return
				}
				if msg == nil {
					continue
				}
				switch msg.ID {
				case message.Interested:
					conn.Write((&message.Message{ID: message.Unchoke}).Serialize())
				case message.Request:
					index, begin, length, err := message.ParseRequest(msg)
					if err != nil {
						return
					}
					start := index*mi.PieceLength + begin
					conn.Write(message.NewPiece(index, begin, content[start:start+length]).Serialize())
				}
			}
		}(conn)
	}
}

func TestDownloadEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	trk := compactTracker(t, []string{ln.Addr().String()})
	defer trk.Close()

	mi, content := smallTorrent(t, trk.URL, 32, 80)
	go seedPeer(t, ln, mi, content)

	dir := t.TempDir()
	c := New(mi, dir, quietConfig(), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, content) {
		t.Error("downloaded bytes differ from content")
	}

	done, total := c.Progress()
	if done != total {
		t.Errorf("progress %d/%d after completion", done, total)
	}

	// completion removes the resume record
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".resume" {
			t.Errorf("resume record %s left behind", e.Name())
		}
	}
}

func TestPausePersistsAndResumeCompletes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	trk := compactTracker(t, []string{ln.Addr().String()})
	defer trk.Close()

	mi, content := smallTorrent(t, trk.URL, 32, 96)
	dir := t.TempDir()

	// first run: no seed is listening yet, so nothing downloads
	c := New(mi, dir, quietConfig(), quietLogger())
	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()
	time.Sleep(300 * time.Millisecond)
	c.Pause()
	if err := <-startErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("paused run returned %v", err)
	}

	// the pause left a resume record behind
	st := storage.New(mi, dir)
	bf, err := st.LoadResume()
	if err != nil || bf == nil {
		t.Fatalf("no resume state after pause: %v (%v)", bf, err)
	}

	// second run with a live seed finishes the download
	go seedPeer(t, ln, mi, content)
	c2 := New(mi, dir, quietConfig(), quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c2.Start(ctx); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, content) {
		t.Error("downloaded bytes differ from content")
	}
}

func TestStartWithCompleteResumeFinishesImmediately(t *testing.T) {
	trk := compactTracker(t, nil)
	defer trk.Close()

	mi, content := smallTorrent(t, trk.URL, 32, 64)
	dir := t.TempDir()

	// pretend a previous run verified everything
	st := storage.New(mi, dir)
	if err := st.Open(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < mi.NumPieces(); i++ {
		begin, end := mi.PieceBounds(i)
		if err := st.WritePiece(i, content[begin:end]); err != nil {
			t.Fatal(err)
		}
	}
	st.Close()
	full := bitfield.New(mi.NumPieces())
	for i := 0; i < mi.NumPieces(); i++ {
		full.SetPiece(i)
	}
	if err := st.SaveResume(full); err != nil {
		t.Fatal(err)
	}

	c := New(mi, dir, quietConfig(), quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, total := c.Progress()
	if done != total {
		t.Errorf("progress %d/%d", done, total)
	}
}

func TestStartSurfacesUnreachableTracker(t *testing.T) {
	mi, _ := smallTorrent(t, "http://127.0.0.1:1/announce", 32, 64)
	c := New(mi, t.TempDir(), quietConfig(), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err == nil {
		t.Error("expected error for unreachable tracker")
	}
}

func TestNewCollectsAnnounceURLs(t *testing.T) {
	mi, _ := smallTorrent(t, "http://a/announce", 32, 64)
	mi.AnnounceList = []string{"http://a/announce", "http://b/announce"}
	c := New(mi, t.TempDir(), quietConfig(), quietLogger())

	urls := c.trk.AnnounceURLs
	if len(urls) != 2 || urls[0] != "http://a/announce" || urls[1] != "http://b/announce" {
		t.Errorf("announce URLs: %v", urls)
	}
}

func TestGeneratePeerID(t *testing.T) {
	id := generatePeerID()
	if !bytes.HasPrefix(id[:], []byte(peerIDPrefix)) {
		t.Errorf("peer id missing client prefix: %q", id)
	}
	if bytes.Contains(id[len(peerIDPrefix):], []byte{0}) {
		t.Errorf("peer id padding not filled: %q", id)
	}
}
