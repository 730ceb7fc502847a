// Package scheduler runs named background jobs on cron schedules.
//
// Jobs never overlap with themselves: a run that is still in flight when the
// next activation fires causes that activation to be skipped. Panics are
// recovered and logged.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "buildrelay/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
}

// JobInfo describes one registered job.
type JobInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Runs    uint64
	Fails   uint64
	LastErr string
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entry   cron.EntryID

	mu      sync.Mutex
	runs    uint64
	fails   uint64
	lastErr string
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	c    *cron.Cron
	loc  *time.Location
	ctx  context.Context
	stop context.CancelFunc
	jobs map[string]*job
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, jobs: map[string]*job{}}
}

// AddJob registers or replaces the job called name. schedule accepts anything
// ParseSchedule does. Jobs added before Start are scheduled when it runs.
func (s *Service) AddJob(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: job name required")
	}
	if run == nil {
		return errors.New("scheduler: job func required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.entry)
	}
	j := &job{name: name, spec: spec, timeout: timeout, run: run}
	s.jobs[name] = j
	if s.c != nil {
		if err := s.scheduleLocked(j); err != nil {
			delete(s.jobs, name)
			return err
		}
		s.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec))
	}
	return nil
}

// Remove unregisters a job. In-flight runs finish.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(j.entry)
	}
	delete(s.jobs, name)
	return true
}

// Start begins triggering jobs. Job contexts derive from ctx. A disabled
// scheduler keeps its registrations but never fires.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled", logx.Int("jobs", len(s.jobs)))
		return nil
	}
	s.loc = s.location()
	s.ctx, s.stop = context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, j := range s.jobs {
		if err := s.scheduleLocked(j); err != nil {
			s.log.Error("job register failed", logx.String("name", j.name), logx.String("spec", j.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts triggering, cancels running jobs and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.stop
	s.c, s.stop = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Apply updates the config. Enabled and Timezone take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg != s.cfg && s.c != nil {
		s.log.Warn("scheduler config changed; restart required", logx.Bool("enabled", cfg.Enabled), logx.String("tz", cfg.Timezone))
	}
	s.cfg = cfg
}

// Jobs lists registered jobs by name.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	c := s.c
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		info := JobInfo{Name: j.name, Spec: j.spec, Timeout: j.timeout, Runs: j.runs, Fails: j.fails, LastErr: j.lastErr}
		j.mu.Unlock()
		if c != nil && j.entry != 0 {
			e := c.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) scheduleLocked(j *job) error {
	base := s.ctx
	id, err := s.c.AddFunc(j.spec, func() { s.execute(base, j) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", j.name, err)
	}
	j.entry = id
	return nil
}

func (s *Service) execute(base context.Context, j *job) {
	ctx := base
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, j.timeout)
		defer cancel()
	}
	log := s.log.With(logx.String("job", j.name))
	start := time.Now()
	err := j.run(ctx)

	j.mu.Lock()
	j.runs++
	if err != nil {
		j.fails++
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	j.mu.Unlock()

	if err != nil {
		log.Warn("job failed", logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	log.Debug("job ok", logx.Duration("dur", time.Since(start)))
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
