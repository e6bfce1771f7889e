package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"riptide/bencode"
	"riptide/peers"
)

// Announce events defined by the tracker protocol. EventNone is the
// periodic re-announce.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// ErrFailure carries a failure reason reported by the tracker itself.
var ErrFailure = errors.New("tracker failure")

// ErrMalformedResponse means the tracker answered with bytes we could
// not interpret as an announce response.
var ErrMalformedResponse = errors.New("malformed tracker response")

const defaultTimeout = 15 * time.Second

// Client announces one torrent to its HTTP tracker(s). Announce URLs
// are tried in order until one answers.
type Client struct {
	AnnounceURLs []string
	InfoHash     [20]byte
	PeerID       [20]byte
	Port         int

	httpClient *http.Client
}

// Stats is the transfer bookkeeping the tracker wants on every announce.
type Stats struct {
	Uploaded   int
	Downloaded int
	Left       int
}

// Response is a decoded announce answer.
type Response struct {
	Interval time.Duration
	Peers    []peers.Peer
}

func New(announceURLs []string, infoHash, peerID [20]byte, port int) *Client {
	return &Client{
		AnnounceURLs: announceURLs,
		InfoHash:     infoHash,
		PeerID:       peerID,
		Port:         port,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
}

// Announce contacts the trackers in order and returns the first
// successful response. A tracker-reported failure reason stops the
// walk immediately: the tracker answered, it just said no.
func (c *Client) Announce(ctx context.Context, stats Stats, event Event) (*Response, error) {
	var lastErr error
	for _, announce := range c.AnnounceURLs {
		resp, err := c.announceOnce(ctx, announce, stats, event)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrFailure) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no announce URLs configured")
	}
	return nil, lastErr
}

func (c *Client) announceOnce(ctx context.Context, announce string, stats Stats, event Event) (*Response, error) {
	requestURL, err := c.buildURL(announce, stats, event)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker answered HTTP %d", httpResp.StatusCode)
	}

	doc, err := bencode.Decode(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return parseResponse(doc)
}

func (c *Client) buildURL(announce string, stats Stats, event Event) (string, error) {
	base, err := url.Parse(announce)
	if err != nil {
		return "", err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("unsupported announce scheme %q", base.Scheme)
	}

	// info_hash and peer_id are raw bytes; url.Values percent-encodes
	// them byte for byte, which is exactly what trackers expect.
	params := url.Values{
		"info_hash":  []string{string(c.InfoHash[:])},
		"peer_id":    []string{string(c.PeerID[:])},
		"port":       []string{strconv.Itoa(c.Port)},
		"uploaded":   []string{strconv.Itoa(stats.Uploaded)},
		"downloaded": []string{strconv.Itoa(stats.Downloaded)},
		"left":       []string{strconv.Itoa(stats.Left)},
		"compact":    []string{"1"},
	}
	if event != EventNone {
		params.Set("event", string(event))
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

func parseResponse(doc *bencode.Value) (*Response, error) {
	if doc.Kind != bencode.Dict {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformedResponse)
	}

	if reason, ok := doc.Lookup("failure reason"); ok && reason.Kind == bencode.String {
		return nil, fmt.Errorf("%w: %s", ErrFailure, reason.Str)
	}

	resp := &Response{}
	if interval, ok := doc.Lookup("interval"); ok && interval.Kind == bencode.Integer && interval.Int > 0 {
		resp.Interval = time.Duration(interval.Int) * time.Second
	}

	peersValue, ok := doc.Lookup("peers")
	if !ok {
		return nil, fmt.Errorf("%w: no peers key", ErrMalformedResponse)
	}

	switch peersValue.Kind {
	case bencode.String:
		// compact form: 6 bytes per peer
		list, err := peers.Unmarshal(peersValue.Str)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		resp.Peers = list
	case bencode.List:
		list, err := parseDictPeers(peersValue)
		if err != nil {
			return nil, err
		}
		resp.Peers = list
	default:
		return nil, fmt.Errorf("%w: peers is neither a string nor a list", ErrMalformedResponse)
	}
	return resp, nil
}

func parseDictPeers(list *bencode.Value) ([]peers.Peer, error) {
	out := make([]peers.Peer, 0, len(list.List))
	for _, entry := range list.List {
		if entry.Kind != bencode.Dict {
			return nil, fmt.Errorf("%w: peer entry is not a dictionary", ErrMalformedResponse)
		}
		ipValue, ok := entry.Lookup("ip")
		if !ok || ipValue.Kind != bencode.String {
			return nil, fmt.Errorf("%w: peer entry has no ip", ErrMalformedResponse)
		}
		portValue, ok := entry.Lookup("port")
		if !ok || portValue.Kind != bencode.Integer || portValue.Int < 0 || portValue.Int > 65535 {
			return nil, fmt.Errorf("%w: peer entry has a bad port", ErrMalformedResponse)
		}
		// the ip field may also carry a DNS name
		ip := net.ParseIP(string(ipValue.Str))
		if ip == nil {
			out = append(out, peers.Peer{Host: string(ipValue.Str), Port: uint16(portValue.Int)})
			continue
		}
		out = append(out, peers.Peer{IP: ip, Port: uint16(portValue.Int)})
	}
	return out, nil
}
