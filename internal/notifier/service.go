// Package notifier delivers text to relay destinations through a chat adapter.
//
// Sends are synchronous so callers see every failure, and paced by a shared
// token bucket so a burst of announcements stays under platform limits.
package notifier

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"buildrelay/internal/eventbus"
	kit "buildrelay/internal/transport"
	logx "buildrelay/pkg/logx"
)

const (
	defaultRatePerSec  = 3
	defaultSendTimeout = 10 * time.Second
	defaultHistory     = 300
)

var ErrNoAdapter = errors.New("notifier: no chat adapter")

// TextSender is the part of a chat adapter the notifier uses.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	adapter TextSender

	bus eventbus.Bus
	log logx.Logger

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter TextSender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{adapter: adapter, bus: bus, log: log, dedup: map[uint64]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistory
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers text to a relay destination.
func (s *Service) Send(ctx context.Context, destination uint64, text string) error {
	return s.deliver(ctx, destination, kit.Target(destination), text)
}

// Reply answers a chat message, keeping its forum thread.
func (s *Service) Reply(ctx context.Context, to kit.ChatTarget, text string) error {
	return s.deliver(ctx, kit.Destination(to.ChatID), to, text)
}

func (s *Service) deliver(ctx context.Context, dest uint64, to kit.ChatTarget, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil {
		return ErrNoAdapter
	}
	key := dedupKey(dest, text)
	if cfg.DedupWindow > 0 && s.dedupHit(key) {
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierDedup, Data: NotificationEvent{Destination: dest, At: time.Now()}})
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	_, err := ad.SendText(callCtx, to, text, nil)
	cancel()

	now := time.Now()
	item := HistoryItem{At: now, Destination: dest, Text: text}
	ev := NotificationEvent{Destination: dest, At: now}
	if err != nil {
		item.Err = err.Error()
		ev.Error = err.Error()
		s.appendHistory(item, cfg.HistorySize)
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierFailed, Time: now, Data: ev})
		s.log.Debug("send failed", logx.Uint64("destination", dest), logx.Err(err))
		return err
	}
	if cfg.DedupWindow > 0 {
		s.dedupMark(key, now.Add(cfg.DedupWindow))
	}
	s.appendHistory(item, cfg.HistorySize)
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifierSent, Time: now, Data: ev})
	return nil
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem, max int) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

func dedupKey(dest uint64, text string) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for i := range b {
		b[i] = byte(dest >> (8 * i))
	}
	_, _ = h.Write(b[:])
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// dedupHit reports whether key was delivered within its window.
func (s *Service) dedupHit(key uint64) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[key]
	return ok && now.Before(until)
}

// dedupMark records a successful delivery. Failed sends are never marked so a retry goes out.
func (s *Service) dedupMark(key uint64, until time.Time) {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
}
