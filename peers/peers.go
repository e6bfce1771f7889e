package peers

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// A single swarm member as reported by the tracker. Dict-form tracker
// responses may carry a DNS name instead of an address; Host holds it
// and IP stays nil, the resolver sorts it out at dial time.
type Peer struct {
	IP   net.IP
	Port uint16
	Host string
}

// Unmarshal parses a compact peer list from the tracker.
//
// Each peer is 6 bytes long: 4 for the IP and 2 for the port number
// (big endian). The list therefore has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	const peerSize = 6
	if len(peersBinary)%peerSize != 0 {
		return nil, fmt.Errorf("received malformed compact peer list of %d bytes", len(peersBinary))
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(peersBinary[offset : offset+4])
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}

	return peers, nil
}

// String returns the peer address in host:port form, suitable for dialing.
func (p Peer) String() string {
	host := p.Host
	if p.IP != nil {
		host = p.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(p.Port)))
}
