package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"buildrelay/internal/catalog"
	"buildrelay/internal/eventbus"
	"buildrelay/internal/watch"
	logx "buildrelay/pkg/logx"
)

const DefaultInterval = 2 * time.Minute

// ErrLoopReused is returned by Run on a loop that already ran. Bind a new Loop to a new session instead.
var ErrLoopReused = errors.New("relay: poll loop already ran")

type State int32

const (
	StateIdle State = iota
	StateConnected
	StatePolling
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StatePolling:
		return "polling"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the upstream connection the loop is bound to.
// Ready closes once the session can serve requests. Done closes when the
// user stops the session; transient disconnects do not close it.
type Session interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
}

// NameStore is the name cache as seen by the loop.
type NameStore interface {
	Save(ctx context.Context) error
}

type LoopConfig struct {
	Interval time.Duration
}

type Deps struct {
	Registry   *watch.Registry
	Names      NameStore
	Detector   *Detector
	Resolver   *Resolver
	Dispatcher *Dispatcher
	Session    Session
	Bus        eventbus.Bus
	Clock      clock.Clock
	Log        logx.Logger
}

// PassSummary is published with pass events and kept as the last result.
type PassSummary struct {
	ID           string        `json:"id"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	CursorBefore uint64        `json:"cursor_before"`
	CursorAfter  uint64        `json:"cursor_after"`
	Changed      int           `json:"changed"`
	Watched      int           `json:"watched"`
	Resolved     int           `json:"resolved"`
	Messages     int           `json:"messages"`
	Failed       int           `json:"failed"`
	Err          string        `json:"err,omitempty"`
}

// Snapshot is a point-in-time view of the loop for status output.
type Snapshot struct {
	State     State
	Cursor    uint64
	Watched   int
	Passes    uint64
	Failures  uint64
	LastPass  PassSummary
	NextPass  time.Time
	StartedAt time.Time
}

// Loop runs passes sequentially on a fixed interval for as long as its session lives.
type Loop struct {
	cfg LoopConfig
	d   Deps

	state atomic.Int32
	ran   atomic.Bool

	mu        sync.Mutex
	passes    uint64
	failures  uint64
	last      PassSummary
	nextPass  time.Time
	startedAt time.Time
}

func NewLoop(cfg LoopConfig, d Deps) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Loop{cfg: cfg, d: d}
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{
		State:     l.State(),
		Passes:    l.passes,
		Failures:  l.failures,
		LastPass:  l.last,
		StartedAt: l.startedAt,
	}
	if snap.State == StateSleeping {
		snap.NextPass = l.nextPass
	}
	if l.d.Registry != nil {
		snap.Cursor = l.d.Registry.Cursor()
		snap.Watched = l.d.Registry.Len()
	}
	return snap
}

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.d.Log.Trace("state", logx.String("from", prev.String()), logx.String("to", s.String()))
	}
}

// Run blocks until the session is stopped or ctx is cancelled. It returns nil
// on a session stop and ctx.Err() on cancellation. A failed pass never ends Run.
func (l *Loop) Run(ctx context.Context) error {
	if !l.ran.CompareAndSwap(false, true) {
		return ErrLoopReused
	}
	defer l.setState(StateStopped)

	l.setState(StateIdle)
	l.d.Log.Info("waiting for upstream session")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.d.Session.Done():
		return nil
	case <-l.d.Session.Ready():
	}
	l.setState(StateConnected)
	l.mu.Lock()
	l.startedAt = l.d.Clock.Now()
	l.mu.Unlock()
	l.d.Log.Info("polling started", logx.Duration("interval", l.cfg.Interval), logx.Uint64("cursor", l.d.Registry.Cursor()))

	for {
		if l.stopRequested(ctx) {
			return ctx.Err()
		}
		l.setState(StatePolling)
		l.runPass(ctx)

		l.setState(StateSleeping)
		l.mu.Lock()
		l.nextPass = l.d.Clock.Now().Add(l.cfg.Interval)
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.d.Session.Done():
			l.d.Log.Info("session stopped; polling ends")
			return nil
		case <-l.d.Clock.After(l.cfg.Interval):
		}
	}
}

// stopRequested reports a session stop without blocking. ctx.Err() is then the return value.
func (l *Loop) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-l.d.Session.Done():
		return true
	default:
		return false
	}
}

func (l *Loop) runPass(ctx context.Context) {
	sum := PassSummary{ID: uuid.NewString(), Started: l.d.Clock.Now()}
	log := l.d.Log.With(logx.String("pass", sum.ID))

	err := l.pass(ctx, log, &sum)
	sum.Duration = l.d.Clock.Now().Sub(sum.Started)

	l.mu.Lock()
	l.passes++
	if err != nil {
		l.failures++
		sum.Err = err.Error()
	}
	l.last = sum
	l.mu.Unlock()

	if err != nil {
		log.Error("pass failed", logx.Err(err), logx.Duration("took", sum.Duration))
		l.d.Bus.Publish(eventbus.Event{Type: eventbus.PassFailed, Data: sum})
		return
	}
	log.Debug("pass done",
		logx.Uint64("cursor", sum.CursorAfter),
		logx.Int("changed", sum.Changed),
		logx.Int("watched", sum.Watched),
		logx.Int("messages", sum.Messages),
		logx.Duration("took", sum.Duration),
	)
	l.d.Bus.Publish(eventbus.Event{Type: eventbus.PassCompleted, Data: sum})
}

func (l *Loop) pass(ctx context.Context, log logx.Logger, sum *PassSummary) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pass panicked: %v", r)
		}
	}()

	sum.CursorBefore = l.d.Registry.Cursor()
	batch, err := l.d.Detector.Detect(ctx, sum.CursorBefore)
	if err != nil {
		return fmt.Errorf("detect changes: %w", err)
	}
	sum.CursorAfter = batch.CursorAfter
	sum.Changed = len(batch.ChangedIDs)
	if batch.Bootstrap {
		log.Debug("cursor adopted", logx.Uint64("from", batch.CursorBefore), logx.Uint64("to", batch.CursorAfter))
	}
	if batch.CursorAfter < batch.CursorBefore {
		log.Warn("upstream cursor moved backwards", logx.Uint64("from", batch.CursorBefore), logx.Uint64("to", batch.CursorAfter))
	}
	l.d.Registry.SetCursor(batch.CursorAfter)

	watched := l.d.Registry.Filter(batch.ChangedIDs)
	sum.Watched = len(watched)

	var res map[catalog.PackageID]uint32
	if len(watched) > 0 {
		res = l.d.Resolver.Resolve(ctx, watched)
	}
	sum.Resolved = len(res)

	rep, err := l.d.Dispatcher.RunPass(ctx, watched, res)
	sum.Messages = rep.Messages
	sum.Failed = rep.Failed
	if err != nil {
		return err
	}

	if l.d.Names != nil {
		if err := l.d.Names.Save(ctx); err != nil {
			log.Warn("name cache not saved", logx.Err(err))
		}
	}
	return nil
}
