package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"riptide/metainfo"
	"riptide/peers"
	"riptide/piece"
	"riptide/session"
	"riptide/storage"
	"riptide/tracker"
)

// Client orchestrates one torrent's download: tracker announces, peer
// session supervision, piece management, durable storage and resume
// state. One Client per torrent; Clients share nothing.
type Client struct {
	mi     *metainfo.Metainfo
	cfg    Config
	peerID [20]byte
	log    *logrus.Logger

	store *storage.Store
	trk   *tracker.Client

	mu      sync.Mutex
	mgr     *piece.Manager
	cancel  context.CancelFunc
	running chan struct{} // closed when the current run has fully wound down
}

// New wires a client for the torrent, writing output under outputDir.
func New(mi *metainfo.Metainfo, outputDir string, cfg Config, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	peerID := generatePeerID()

	announceURLs := []string{mi.Announce}
	for _, u := range mi.AnnounceList {
		if u != mi.Announce {
			announceURLs = append(announceURLs, u)
		}
	}

	return &Client{
		mi:     mi,
		cfg:    cfg,
		peerID: peerID,
		log:    log,
		store:  storage.New(mi, outputDir),
		trk:    tracker.New(announceURLs, mi.InfoHash, peerID, cfg.Port),
	}
}

// Start runs the download until every piece is complete or ctx is
// canceled. A canceled run persists the bitfield so a later Start picks
// up where it left off; Start is therefore also the resume operation.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	running := make(chan struct{})
	defer close(running)
	c.mu.Lock()
	c.cancel = cancel
	c.running = running
	c.mu.Unlock()

	resume, err := c.store.LoadResume()
	if err != nil {
		return fmt.Errorf("loading resume state: %w", err)
	}
	mgr := piece.NewManager(c.mi, c.store, c.cfg.BlockSize, resume, c.log)
	c.mu.Lock()
	c.mgr = mgr
	c.mu.Unlock()
	if resume != nil {
		c.log.WithField("pieces", mgr.CompletedPieces()).Info("resuming from saved state")
	}

	if err := c.store.Open(); err != nil {
		return fmt.Errorf("preparing output files: %w", err)
	}
	defer c.store.Close()

	if mgr.Done() {
		// everything was already verified in a previous run
		return c.finalize(mgr)
	}

	resp, err := c.announceWithRetry(ctx, tracker.EventStarted)
	if err != nil {
		return fmt.Errorf("tracker unreachable: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"peers":    len(resp.Peers),
		"interval": resp.Interval,
	}).Info("tracker answered")

	if c.cfg.ShowProgress {
		stop := c.showProgress(ctx, mgr)
		defer stop()
	}

	peerCh := make(chan peers.Peer, 256)
	for _, p := range resp.Peers {
		select {
		case peerCh <- p:
		default:
		}
	}
	go c.announceLoop(ctx, mgr, resp.Interval, peerCh)

	completed := c.superviseSessions(ctx, mgr, peerCh)

	if completed {
		return c.finalize(mgr)
	}

	// a storage failure kills the download: verified progress is still
	// persisted, but the error is fatal and surfaced
	if err := mgr.Failed(); err != nil {
		if saveErr := c.store.SaveResume(mgr.Bitfield()); saveErr != nil {
			c.log.WithError(saveErr).Warn("could not persist resume state")
		}
		c.announceBestEffort(tracker.EventStopped, mgr)
		return fmt.Errorf("download failed: %w", err)
	}

	// paused or canceled: persist progress, tell the tracker we left
	if err := c.store.SaveResume(mgr.Bitfield()); err != nil {
		return fmt.Errorf("persisting resume state: %w", err)
	}
	c.announceBestEffort(tracker.EventStopped, mgr)
	c.log.WithField("pieces", mgr.CompletedPieces()).Info("download paused")
	return ctx.Err()
}

// Pause cancels the in-flight run and waits until every peer session
// has closed and the resume state is on disk.
func (c *Client) Pause() {
	c.mu.Lock()
	cancel, running := c.cancel, c.running
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-running
}

// Progress reports verified and total piece counts.
func (c *Client) Progress() (done, total int) {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr == nil {
		return 0, c.mi.NumPieces()
	}
	return mgr.CompletedPieces(), c.mi.NumPieces()
}

func (c *Client) finalize(mgr *piece.Manager) error {
	c.announceBestEffort(tracker.EventCompleted, mgr)
	if err := c.store.RemoveResume(); err != nil {
		c.log.WithError(err).Warn("could not remove resume state")
	}
	c.log.WithField("name", c.mi.Name).Info("download complete")
	return nil
}

// announceWithRetry distinguishes a flaky tracker from a dead one:
// transient errors are retried with a growing delay up to the
// configured bound, then surfaced.
func (c *Client) announceWithRetry(ctx context.Context, event tracker.Event) (*tracker.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.AnnounceRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.AnnounceBackoff):
			}
		}
		resp, err := c.trk.Announce(ctx, c.stats(nil), event)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.log.WithError(err).Warn("announce failed")
	}
	return nil, lastErr
}

// announceLoop re-announces on the tracker's interval and feeds any
// newly discovered peers to the supervisor.
func (c *Client) announceLoop(ctx context.Context, mgr *piece.Manager, interval time.Duration, peerCh chan<- peers.Peer) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := c.trk.Announce(ctx, c.stats(mgr), tracker.EventNone)
		if err != nil {
			c.log.WithError(err).Warn("re-announce failed")
			continue
		}
		for _, p := range resp.Peers {
			select {
			case peerCh <- p:
			default:
			}
		}
		if resp.Interval > 0 && resp.Interval != interval {
			interval = resp.Interval
			ticker.Reset(interval)
		}
	}
}

func (c *Client) stats(mgr *piece.Manager) tracker.Stats {
	left := c.mi.TotalLength
	if mgr != nil {
		left = mgr.BytesLeft()
	}
	return tracker.Stats{
		Uploaded:   0,
		Downloaded: c.mi.TotalLength - left,
		Left:       left,
	}
}

// announceBestEffort sends a lifecycle event on a fresh short-lived
// context; stopped/completed must go out even though the run's context
// is already canceled.
func (c *Client) announceBestEffort(event tracker.Event, mgr *piece.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.trk.Announce(ctx, c.stats(mgr), event); err != nil {
		c.log.WithError(err).WithField("event", event).Debug("lifecycle announce failed")
	}
}

// superviseSessions runs peer sessions, at most MaxPeers at a time,
// until the torrent completes or ctx is canceled. It returns true on
// completion, and only after every session has wound down, so all
// block reservations are back in the pool when it does.
func (c *Client) superviseSessions(ctx context.Context, mgr *piece.Manager, peerCh <-chan peers.Peer) bool {
	var limiter *rate.Limiter
	if c.cfg.DownloadRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.DownloadRate), 4*c.cfg.BlockSize)
	}
	sessionCfg := session.Config{
		DialTimeout:       c.cfg.DialTimeout,
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		IdleTimeout:       c.cfg.IdleTimeout,
		KeepAliveInterval: c.cfg.KeepAliveInterval,
		PipelineDepth:     c.cfg.PipelineDepth,
		Limiter:           limiter,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// watch for the last piece, or a dead store, and stop every
	// session either way
	completion := make(chan struct{})
	go func() {
		sub := mgr.Subscribe()
		defer mgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-mgr.Fatal():
				cancel()
				return
			case <-sub:
				if mgr.Done() {
					close(completion)
					cancel()
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.cfg.MaxPeers)

	// connected peers; a peer becomes dialable again once its session
	// ends, so a re-announce can bring flaky peers back
	var activeMu sync.Mutex
	active := map[string]bool{}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			select {
			case <-completion:
				return true
			default:
				return false
			}
		case p := <-peerCh:
			addr := p.String()
			activeMu.Lock()
			inUse := active[addr]
			if !inUse {
				active[addr] = true
			}
			activeMu.Unlock()
			if inUse {
				continue
			}
			select {
			case sem <- struct{}{}:
			default:
				activeMu.Lock()
				delete(active, addr)
				activeMu.Unlock()
				continue // at capacity, drop the candidate
			}
			wg.Add(1)
			go func(p peers.Peer, addr string) {
				defer wg.Done()
				defer func() {
					<-sem
					activeMu.Lock()
					delete(active, addr)
					activeMu.Unlock()
				}()
				c.runSession(ctx, p, mgr, sessionCfg)
			}(p, addr)
		}
	}
}

func (c *Client) runSession(ctx context.Context, p peers.Peer, mgr *piece.Manager, cfg session.Config) {
	s, err := session.Dial(p, c.mi.InfoHash, c.peerID, mgr, cfg, c.log)
	if err != nil {
		c.log.WithError(err).WithField("peer", p.String()).Debug("could not connect")
		return
	}
	c.log.WithField("peer", p.String()).Info("completed handshake")

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.WithError(err).WithField("peer", p.String()).Debug("session ended")
	}
}

func (c *Client) showProgress(ctx context.Context, mgr *piece.Manager) func() {
	uiprogress.Start()
	bar := uiprogress.AddBar(c.mi.NumPieces()).AppendCompleted()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bar.Set(mgr.CompletedPieces())
			}
		}
	}()
	return func() {
		<-done
		bar.Set(mgr.CompletedPieces())
		uiprogress.Stop()
	}
}
