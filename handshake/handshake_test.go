package handshake

import (
	"bytes"
	"testing"
)

func TestSerializeRead(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "-RT0001-bbbbbbbbbbbb")

	h := New(infoHash, peerID)
	wire := h.Serialize()
	if len(wire) != 68 {
		t.Fatalf("handshake should be 68 bytes, got %d", len(wire))
	}
	if wire[0] != 19 {
		t.Errorf("pstrlen byte should be 19, got %d", wire[0])
	}

	parsed, err := Read(bytes.NewReader(wire))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Pstr != "BitTorrent protocol" {
		t.Errorf("bad pstr %q", parsed.Pstr)
	}
	if parsed.InfoHash != infoHash || parsed.PeerID != peerID {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestReadRejectsBadPstrLen(t *testing.T) {
	wire := make([]byte, 68)
	wire[0] = 42
	if _, err := Read(bytes.NewReader(wire)); err == nil {
		t.Error("expected error for pstrlen 42")
	}
}

func TestReadRejectsTruncated(t *testing.T) {
	var infoHash, peerID [20]byte
	wire := New(infoHash, peerID).Serialize()
	if _, err := Read(bytes.NewReader(wire[:30])); err == nil {
		t.Error("expected error for truncated handshake")
	}
}
