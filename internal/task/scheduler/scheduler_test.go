package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "buildrelay/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "@every 6h", want: "@every 6h"},
		{in: "@hourly", want: "@hourly"},
		{in: "*/5 * * * *", want: "*/5 * * * *"},
		{in: "0 30 3 * * *", want: "0 30 3 * * *"},
		{in: " 6h ", want: "@every 6h0m0s"},
		{in: "90m", want: "@every 1h30m0s"},
		{in: "06:00", want: "@every 6h0m0s"},
		{in: "00:45", want: "@every 45m0s"},
		{in: "", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "* * *", wantErr: true},
		{in: "500ms", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseSchedule(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseSchedule(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestNextRuns(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	runs, err := NextRuns("@every 6h", from, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || !runs[2].Equal(from.Add(18*time.Hour)) {
		t.Fatalf("runs = %v", runs)
	}
}

func TestAddJobValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	noop := func(context.Context) error { return nil }
	if err := s.AddJob("", "1h", 0, noop); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.AddJob("x", "1h", 0, nil); err == nil {
		t.Fatal("nil func accepted")
	}
	if err := s.AddJob("x", "whenever", 0, noop); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if err := s.AddJob("x", "1h", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob("x", "2h", 0, noop); err != nil {
		t.Fatal(err)
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].Spec != "@every 2h0m0s" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if !s.Remove("x") || s.Remove("x") {
		t.Fatal("Remove should succeed once")
	}
}

func TestJobsRunAfterStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	var runs atomic.Int32
	fired := make(chan struct{}, 8)
	err := s.AddJob("names", "@every 1s", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		fired <- struct{}{}
		return errors.New("upstream down")
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Fails == 0 || jobs[0].LastErr != "upstream down" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestDisabledNeverFires(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	_ = s.AddJob("x", "@every 1s", 0, func(context.Context) error {
		t.Error("disabled scheduler ran a job")
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1500 * time.Millisecond)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
