// Package retry runs fallible upstream calls under the relay's fixed retry policy:
// a bounded number of attempts with a constant delay between them.
//
// The policy does not classify failures. Every error counts as a failed attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"

	logx "buildrelay/pkg/logx"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

// ErrExhausted is returned (wrapping the last attempt's error) once every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

type Config struct {
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// Executor is safe for concurrent use.
type Executor struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg.withDefaults(), log: log}
}

func (e *Executor) Attempts() int        { return e.cfg.Attempts }
func (e *Executor) Delay() time.Duration { return e.cfg.Delay }
func (e *Executor) Clock() clock.Clock   { return e.cfg.Clock }

// Do runs fn until it succeeds or the attempts run out. There is no delay
// before the first attempt. Cancelling ctx stops waiting between attempts.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error { return fn(ctx) },
		NotifyFunc: func(err error, attempt int) {
			e.log.Debug("attempt failed",
				logx.String("op", op),
				logx.Int("attempt", attempt),
				logx.Int("max", e.cfg.Attempts),
				logx.Err(err),
			)
		},
		Attempts: e.cfg.Attempts,
		Delay:    e.cfg.Delay,
		Clock:    e.cfg.Clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if jujuretry.IsAttemptsExceeded(err) {
		return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, e.cfg.Attempts, jujuretry.LastError(err))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Call is Do for operations that produce a value.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Wait blocks for the configured delay on the executor's clock, or until ctx is done.
// Loops that track partial progress across attempts use it between attempts.
func (e *Executor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.cfg.Clock.After(e.cfg.Delay):
		return nil
	}
}
