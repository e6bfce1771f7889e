package client

import "time"

// Config collects the tunables of one torrent download.
type Config struct {
	Port              int     // port reported to the tracker
	BlockSize         int     // wire request granularity
	PipelineDepth     int     // outstanding requests per peer
	MaxPeers          int     // concurrent peer sessions
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
	AnnounceRetries   int           // attempts before a tracker is declared unreachable
	AnnounceBackoff   time.Duration // base delay between retries, grows linearly
	DownloadRate      float64       // bytes per second shared by all peers, 0 means unlimited
	ShowProgress      bool
}

// Data is downloaded in blocks (16 KiB), not whole pieces.
const defaultBlockSize = 16 * 1024

var DefaultConfig = Config{
	Port:              6881,
	BlockSize:         defaultBlockSize,
	PipelineDepth:     5,
	MaxPeers:          30,
	DialTimeout:       5 * time.Second,
	HandshakeTimeout:  5 * time.Second,
	IdleTimeout:       2 * time.Minute,
	KeepAliveInterval: 90 * time.Second,
	AnnounceRetries:   3,
	AnnounceBackoff:   2 * time.Second,
	DownloadRate:      0,
	ShowProgress:      true,
}
