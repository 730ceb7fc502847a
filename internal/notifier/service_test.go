package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"buildrelay/internal/eventbus"
	kit "buildrelay/internal/transport"
	logx "buildrelay/pkg/logx"
)

type recordingAdapter struct {
	mu   sync.Mutex
	to   []kit.ChatTarget
	fail error
}

func (a *recordingAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return kit.MessageRef{}, a.fail
	}
	a.to = append(a.to, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.to)}, nil
}

func TestSendMapsDestinationToChat(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe("notifier.", 4)
	defer unsub()
	s := New(Config{RatePerSec: 100}, ad, bus, logx.Nop())

	group := int64(-1001234567890)
	if err := s.Send(context.Background(), kit.Destination(group), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ad.to) != 1 || ad.to[0].ChatID != group {
		t.Fatalf("targets = %+v", ad.to)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.NotifierSent {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	if h := s.History(); len(h) != 1 || h[0].Text != "hello" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendSurfacesFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("chat not found")
	s := New(Config{RatePerSec: 100}, &recordingAdapter{fail: boom}, nil, logx.Nop())
	if err := s.Send(context.Background(), 5, "x"); !errors.Is(err, boom) {
		t.Fatalf("Send = %v", err)
	}
	if h := s.History(); len(h) != 1 || h[0].Err == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendWithoutAdapter(t *testing.T) {
	t.Parallel()
	if err := New(Config{}, nil, nil, logx.Nop()).Send(context.Background(), 1, "x"); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("Send = %v", err)
	}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	s := New(Config{RatePerSec: 100, DedupWindow: time.Hour}, ad, nil, logx.Nop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Send(ctx, 1, "same"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := s.Send(ctx, 2, "same"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ad.to) != 2 {
		t.Fatalf("delivered = %d, want 2", len(ad.to))
	}
}

func TestDedupIgnoresFailedSends(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{fail: errors.New("telegram 502")}
	s := New(Config{RatePerSec: 100, DedupWindow: time.Minute}, ad, nil, logx.Nop())
	ctx := context.Background()

	if err := s.Send(ctx, 1, "update"); err == nil {
		t.Fatal("first Send should fail")
	}
	ad.mu.Lock()
	ad.fail = nil
	ad.mu.Unlock()

	if err := s.Send(ctx, 1, "update"); err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if len(ad.to) != 1 {
		t.Fatalf("delivered = %d, want 1", len(ad.to))
	}
	if err := s.Send(ctx, 1, "update"); err != nil {
		t.Fatalf("repeat Send: %v", err)
	}
	if len(ad.to) != 1 {
		t.Fatalf("repeat inside the window was delivered again: %d", len(ad.to))
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	s := New(Config{RatePerSec: 1000, HistorySize: 2}, &recordingAdapter{}, nil, logx.Nop())
	for i := 0; i < 5; i++ {
		_ = s.Send(context.Background(), uint64(i), "m")
	}
	if h := s.History(); len(h) != 2 || h[1].Destination != 4 {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	s := New(Config{RatePerSec: 1}, &recordingAdapter{}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, 1, "x"); err == nil {
		t.Fatal("Send with a cancelled context should fail")
	}
}
