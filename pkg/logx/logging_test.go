package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatForward(t *testing.T) {
	t.Parallel()
	got := formatForward([]byte(`{"level":"warn","time":"x","message":"send failed","dest":9,"err":"boom"}`))
	want := "[WARN] send failed\n- dest=9\n- err=boom"
	if got != want {
		t.Fatalf("formatForward = %q, want %q", got, want)
	}
	if got := formatForward([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw fallback = %q", got)
	}
	long := strings.Repeat("x", 5000)
	if got := formatForward([]byte(long)); len(got) != 3500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated len = %d", len(got))
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "relay"))
	log.Info("pass done", Uint64("cursor", 42), Err(errors.New("partial")), Err(nil))
	log.Trace("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	if m["comp"] != "relay" || m["cursor"] != float64(42) || m["err"] != "partial" || m["message"] != "pass done" {
		t.Fatalf("record = %v", m)
	}
}

func TestNopAndZero(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
	zero.Error("dropped")
}

type recordingSender struct {
	mu   sync.Mutex
	got  []string
	dest []uint64
}

func (r *recordingSender) Send(_ context.Context, dest uint64, text string) error {
	r.mu.Lock()
	r.got = append(r.got, text)
	r.dest = append(r.dest, dest)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() ([]string, []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...), append([]uint64(nil), r.dest...)
}

func TestForwardWarnings(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{Level: "info", Forward: ForwardConfig{Enabled: true, Destination: 9, RatePerSec: 10}}, nil)
	defer svc.Close()
	svc.SetSender(sender)

	log.Info("routine")
	log.Warn("upstream disconnected", String("comp", "session"))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, dest := sender.snapshot(); len(got) > 0 {
			if len(got) != 1 || dest[0] != 9 || !strings.HasPrefix(got[0], "[WARN] upstream disconnected") {
				t.Fatalf("forwarded = %q to %v", got, dest)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("warning was not forwarded")
}
