package client

import (
	"math/rand"
	"time"
)

// Azureus-style client prefix reported in the handshake and to trackers.
const peerIDPrefix = "-RT0001-"

// generatePeerID returns a fresh 20-byte peer id: the client prefix
// followed by random alphanumerics.
func generatePeerID() [20]byte {
	symbols := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	peerID := [20]byte{}
	n := copy(peerID[:], peerIDPrefix)
	for i := n; i < len(peerID); i++ {
		peerID[i] = symbols[rng.Intn(len(symbols))]
	}
	return peerID
}
