package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	kit "buildrelay/internal/transport"
	"buildrelay/internal/watch"
	logx "buildrelay/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// Stop shuts components down in dependency order. Each step gets its own
// deadline, capped by ctx; a step that overruns is left running and logged.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Closing the session is a user stop: the poll loop exits after its current pass.
	a.session.Close()

	a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	a.sup.Cancel()
	a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	a.step(ctx, "transport", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "state", 2*time.Second, func(c context.Context) error {
		return errors.Join(ignoreNoStore(a.registry.Save(c)), ignoreNoStore(a.names.Save(c)))
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func ignoreNoStore(err error) error {
	if errors.Is(err, watch.ErrNoStore) {
		return nil
	}
	return err
}

func destinationOf(chatID int64) uint64 {
	if chatID == 0 {
		return 0
	}
	return kit.Destination(chatID)
}
