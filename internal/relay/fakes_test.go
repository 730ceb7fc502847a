package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"buildrelay/internal/catalog"
	"buildrelay/internal/retry"
	"buildrelay/internal/storage"
	logx "buildrelay/pkg/logx"
)

var errUpstream = errors.New("upstream timeout")

func fastRetry() *retry.Executor {
	return retry.New(retry.Config{Attempts: 3, Delay: time.Millisecond}, logx.Nop())
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// tree builds an attribute tree with an optional build id and name.
func tree(id catalog.PackageID, build string, name string) *catalog.Node {
	doc := map[string]any{}
	if build != "" {
		doc["depots"] = map[string]any{"branches": map[string]any{"public": map[string]any{"buildid": build}}}
	}
	if name != "" {
		doc["common"] = map[string]any{"name": name}
	}
	return catalog.NodeFromJSON(strconv.Itoa(int(id)), doc)
}

type feedResponse struct {
	cs  catalog.ChangeSet
	err error
}

// fakeFeed replays responses in order and repeats the last one.
type fakeFeed struct {
	mu        sync.Mutex
	responses []feedResponse
	calls     int
	cursors   []uint64
}

func (f *fakeFeed) ChangesSince(_ context.Context, cursor uint64) (catalog.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	r := f.responses[i]
	return r.cs, r.err
}

func (f *fakeFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeMeta answers from a fixed table. The first failFirst calls fail outright.
type fakeMeta struct {
	mu        sync.Mutex
	trees     map[catalog.PackageID]*catalog.Node
	failFirst int
	requests  [][]catalog.PackageID
}

func (m *fakeMeta) BatchMetadata(_ context.Context, ids []catalog.PackageID) (map[catalog.PackageID]*catalog.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, append([]catalog.PackageID(nil), ids...))
	if len(m.requests) <= m.failFirst {
		return nil, errUpstream
	}
	out := map[catalog.PackageID]*catalog.Node{}
	for _, id := range ids {
		if t, ok := m.trees[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (m *fakeMeta) Requests() [][]catalog.PackageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]catalog.PackageID(nil), m.requests...)
}

type sent struct {
	dest uint64
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	fail map[uint64]bool
	msgs []sent
	// attempts counts every Send call, failed ones included.
	attempts map[uint64]int
}

func (s *fakeSender) Send(_ context.Context, dest uint64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		s.attempts = map[uint64]int{}
	}
	s.attempts[dest]++
	if s.fail[dest] {
		return fmt.Errorf("chat %d not found", dest)
	}
	s.msgs = append(s.msgs, sent{dest: dest, text: text})
	return nil
}

func (s *fakeSender) Sent() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]sent(nil), s.msgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].dest < out[j].dest })
	return out
}

type fakeSession struct {
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSession() *fakeSession {
	return &fakeSession{ready: make(chan struct{}), done: make(chan struct{})}
}

func (s *fakeSession) Ready() <-chan struct{} { return s.ready }
func (s *fakeSession) Done() <-chan struct{}  { return s.done }
func (s *fakeSession) MarkReady()             { close(s.ready) }
func (s *fakeSession) Stop()                  { s.once.Do(func() { close(s.done) }) }
