package httpcatalog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	logx "buildrelay/pkg/logx"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHealthInterval = 30 * time.Second
)

// Pinger reports whether the upstream is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type SessionConfig struct {
	ReconnectDelay time.Duration
	HealthInterval time.Duration
	Clock          clock.Clock
}

// Session tracks upstream reachability for the poll loop.
//
// Ready closes after the first successful probe. A failed health check marks
// the session disconnected and probes again after the reconnect delay; it never
// closes Done. Only Close (the user stop) or Run's ctx ending does.
type Session struct {
	p   Pinger
	cfg SessionConfig
	log logx.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	reconnects atomic.Uint64
}

func NewSession(p Pinger, cfg SessionConfig, log logx.Logger) *Session {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{p: p, cfg: cfg, log: log, ready: make(chan struct{}), done: make(chan struct{})}
}

func (s *Session) Ready() <-chan struct{} { return s.ready }
func (s *Session) Done() <-chan struct{}  { return s.done }
func (s *Session) Connected() bool        { return s.connected.Load() }
func (s *Session) Reconnects() uint64     { return s.reconnects.Load() }

// Close stops the session for good.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Run probes the upstream until Close or ctx ends. It always returns nil on a user stop.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	everConnected := false
	for {
		err := s.p.Ping(ctx)
		var wait time.Duration
		switch {
		case err == nil:
			if !s.connected.Swap(true) {
				if everConnected {
					s.reconnects.Add(1)
					s.log.Info("upstream reconnected")
				} else {
					s.log.Info("upstream connected")
				}
			}
			everConnected = true
			s.readyOnce.Do(func() { close(s.ready) })
			wait = s.cfg.HealthInterval
		default:
			if s.connected.Swap(false) {
				s.log.Warn("upstream disconnected", logx.Err(err), logx.Duration("retry_in", s.cfg.ReconnectDelay))
			} else {
				s.log.Debug("upstream probe failed", logx.Err(err))
			}
			wait = s.cfg.ReconnectDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.cfg.Clock.After(wait):
		}
	}
}
