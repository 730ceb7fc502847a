package httpcatalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"buildrelay/internal/catalog"
	logx "buildrelay/pkg/logx"
)

func newServer(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestChangesSince(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/changes", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "41" {
			t.Errorf("since = %q", got)
		}
		_, _ = w.Write([]byte(`{"current_cursor": 42, "changed_ids": [440, 10]}`))
	})
	cs, err := newServer(t, mux).ChangesSince(context.Background(), 41)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if cs.CurrentCursor != 42 || len(cs.PackageIDs) != 2 || cs.PackageIDs[0] != 440 {
		t.Fatalf("ChangeSet = %+v", cs)
	}
}

func TestBatchMetadata(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req struct {
			IDs []uint32 `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) != 2 {
			t.Errorf("request = %+v err=%v", req, err)
		}
		_, _ = w.Write([]byte(`{"packages": {
			"440": {"common": {"name": "Team Fortress 2"}, "depots": {"branches": {"public": {"buildid": 12345678901}}}},
			"730": {"common": {"name": "No build"}},
			"junk": {}
		}}`))
	})
	trees, err := newServer(t, mux).BatchMetadata(context.Background(), []catalog.PackageID{440, 730})
	if err != nil {
		t.Fatalf("BatchMetadata: %v", err)
	}
	if len(trees) != 2 {
		t.Fatalf("trees = %d, want 2", len(trees))
	}
	// Numeric values keep their exact text, so an out-of-range build id is rejected rather than rounded.
	if v, ok := trees[440].Lookup(catalog.BuildIDPath...); !ok || v != "12345678901" {
		t.Fatalf("buildid = %q ok=%v", v, ok)
	}
	if _, ok := catalog.BuildID(trees[440]); ok {
		t.Fatal("build id beyond 32 bits must not parse")
	}
	if name, _ := catalog.DisplayName(trees[730]); name != "No build" {
		t.Fatalf("name = %q", name)
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()
	c := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	_, err := c.ChangesSince(context.Background(), 1)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || se.Body != "overloaded" {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); !errors.Is(err, ErrNoBaseURL) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Config{BaseURL: "ftp://example.com"}, logx.Nop()); err == nil {
		t.Fatal("ftp scheme should be rejected")
	}
}

type flakyPinger struct {
	calls atomic.Int32
	// failFrom..failTo (1-based, inclusive) fail.
	failFrom, failTo int32
}

func (p *flakyPinger) Ping(context.Context) error {
	n := p.calls.Add(1)
	if n >= p.failFrom && n <= p.failTo {
		return errors.New("connection refused")
	}
	return nil
}

func TestSessionReconnectsAfterDelay(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	p := &flakyPinger{failFrom: 1, failTo: 1}
	s := NewSession(p, SessionConfig{ReconnectDelay: 5 * time.Second, HealthInterval: time.Minute, Clock: clk}, logx.Nop())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// First probe fails; the next one waits the reconnect delay.
	if err := clk.WaitAdvance(5*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("session never became ready")
	}
	if !s.Connected() {
		t.Fatal("session should be connected")
	}
	select {
	case <-s.Done():
		t.Fatal("a failed probe must not stop the session")
	default:
	}

	s.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestSessionCountsReconnects(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	p := &flakyPinger{failFrom: 2, failTo: 2}
	s := NewSession(p, SessionConfig{ReconnectDelay: 5 * time.Second, HealthInterval: time.Minute, Clock: clk}, logx.Nop())
	go func() { _ = s.Run(context.Background()) }()
	defer s.Close()

	<-s.Ready()
	if err := clk.WaitAdvance(time.Minute, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	if err := clk.WaitAdvance(5*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	// Wait for the third probe to land.
	if err := clk.WaitAdvance(0, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	if s.Reconnects() != 1 || !s.Connected() {
		t.Fatalf("reconnects = %d connected = %v", s.Reconnects(), s.Connected())
	}
}
