// Package feed provides a background, heartbeat-monitored, auto-reconnecting
// one-way ingestion channel. The news stream is its one instantiation today;
// nothing in it is news-specific.
package feed

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tradedesk/internal/timeutil"
	"tradedesk/pkg/models"
)

// ItemHandler receives each non-heartbeat frame raw. Parsing and validation
// belong to the consumer; a panic there is contained so the channel stays up.
type ItemHandler func(raw []byte)

type Config struct {
	URL               string
	DialTimeout       time.Duration // default 10s
	HeartbeatInterval time.Duration // default 15s
	HeartbeatTimeout  time.Duration // default 30s, independent of interval
	BackoffBase       time.Duration // default 1s
	BackoffMax        time.Duration // default 30s
	JitterMax         time.Duration // default 500ms
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.JitterMax == 0 {
		c.JitterMax = 500 * time.Millisecond
	}
}

// Feed maintains the channel. The client sends a plain-text "ping" on the
// heartbeat interval; any inbound frame counts as liveness. A liveness gap
// beyond the timeout forces a reconnect even when the transport still looks
// open, which is how silently-dead connections get caught.
type Feed struct {
	cfg    Config
	onItem ItemHandler
	log    *logrus.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	status models.ConnStatus

	runCancel context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, onItem ItemHandler, log *logrus.Logger) *Feed {
	cfg.applyDefaults()
	return &Feed{
		cfg:    cfg,
		onItem: onItem,
		log:    log,
		status: models.StatusDisconnected,
	}
}

// Connect starts (or restarts after an explicit Disconnect) the background
// connection loop.
func (f *Feed) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.runCancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Disconnect sets the do-not-reconnect flag, cancels any pending retry, and
// tears down the transport. Only a later Connect clears the flag.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	cancel, done := f.runCancel, f.done
	f.runCancel = nil
	conn := f.conn
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

func (f *Feed) Status() models.ConnStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	defer f.setStatus(models.StatusDisconnected)

	bo := f.newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		f.setStatus(models.StatusConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: f.cfg.DialTimeout}
		conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
		if err != nil {
			f.log.WithError(err).Warn("Feed dial failed")
			f.setStatus(models.StatusDisconnected)
			if !timeutil.Sleep(ctx, f.nextDelay(bo)) {
				return
			}
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.setStatus(models.StatusConnected)
		bo.Reset()

		err = f.consume(ctx, conn)

		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		_ = conn.Close()
		f.setStatus(models.StatusDisconnected)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.log.WithError(err).Warn("Feed connection lost")
		}
		if !timeutil.Sleep(ctx, f.nextDelay(bo)) {
			return
		}
	}
}

// consume runs the read loop and the heartbeat for one connection, returning
// when either fails.
func (f *Feed) consume(ctx context.Context, conn *websocket.Conn) error {
	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	hbErr := make(chan error, 1)
	go func() {
		hbErr <- f.heartbeat(hbCtx, conn, &lastSeen)
	}()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			lastSeen.Store(time.Now().UnixNano())
			if string(data) == "pong" {
				continue
			}
			f.handleItem(data)
		}
	}()

	select {
	case err := <-hbErr:
		return err
	case err := <-readErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (f *Feed) heartbeat(ctx context.Context, conn *websocket.Conn, lastSeen *atomic.Int64) error {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			gap := time.Since(time.Unix(0, lastSeen.Load()))
			if gap > f.cfg.HeartbeatTimeout {
				// Force the read loop off the dead transport.
				_ = conn.Close()
				return &deadConnError{gap: gap}
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return err
			}
		}
	}
}

func (f *Feed) handleItem(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			f.log.WithField("panic", r).Error("Feed item handler panicked")
		}
	}()
	f.onItem(data)
}

func (f *Feed) setStatus(status models.ConnStatus) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *Feed) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.BackoffBase
	bo.MaxInterval = f.cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return bo
}

// nextDelay is the capped exponential backoff plus bounded random jitter, the
// jitter keeping a fleet of clients from retrying in lockstep.
func (f *Feed) nextDelay(bo *backoff.ExponentialBackOff) time.Duration {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		delay = f.cfg.BackoffMax
	}
	if f.cfg.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(f.cfg.JitterMax)))
	}
	return delay
}

type deadConnError struct {
	gap time.Duration
}

func (e *deadConnError) Error() string {
	return "feed heartbeat gap " + e.gap.String() + " exceeded timeout"
}
