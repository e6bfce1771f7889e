package peers

import "testing"

func TestUnmarshalCompact(t *testing.T) {
	// two peers: 192.168.0.1:6881 and 10.0.0.2:51413
	data := []byte{
		192, 168, 0, 1, 0x1a, 0xe1,
		10, 0, 0, 2, 0xc8, 0xd5,
	}

	peers, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if got := peers[0].String(); got != "192.168.0.1:6881" {
		t.Errorf("peer 0: %s", got)
	}
	if got := peers[1].String(); got != "10.0.0.2:51413" {
		t.Errorf("peer 1: %s", got)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	if _, err := Unmarshal(make([]byte, 7)); err == nil {
		t.Error("expected error for 7-byte peer list")
	}
}

func TestUnmarshalEmpty(t *testing.T) {
	peers, err := Unmarshal(nil)
	if err != nil || len(peers) != 0 {
		t.Errorf("expected empty peer list, got %v (%v)", peers, err)
	}
}

func TestStringWithHostname(t *testing.T) {
	p := Peer{Host: "seed.example.org", Port: 6881}
	if got := p.String(); got != "seed.example.org:6881" {
		t.Errorf("hostname peer: %s", got)
	}
}
