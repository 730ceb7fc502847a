package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"buildrelay/internal/catalog"
	"buildrelay/internal/relay"
	kit "buildrelay/internal/transport"
	"buildrelay/internal/watch"
	logx "buildrelay/pkg/logx"
)

// StatusSource exposes the poll loop's state.
type StatusSource interface {
	Snapshot() relay.Snapshot
}

// Seeder records the current build and name of freshly watched packages.
type Seeder interface {
	Seed(ctx context.Context, ids []catalog.PackageID) (int, error)
}

// RelayHandlers serves the subscription commands. Mutations reply with the
// registry result right away; persistence failures are only logged because the
// next poll pass saves the registry again.
type RelayHandlers struct {
	Registry *watch.Registry
	Names    *watch.NameCache
	Status   StatusSource
	Replier  Replier
	// Seeder is optional. Without it a new subscription starts at version 0.
	Seeder Seeder
}

const maxIDsPerCommand = 50

// Commands returns /watch, /unwatch, /watching and /status.
func (h *RelayHandlers) Commands() []Command {
	return []Command{
		{
			Name:        "watch",
			Aliases:     []string{"w"},
			Description: "get build updates for packages",
			Usage:       "/watch <id> [id...]",
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      h.watch,
		},
		{
			Name:        "unwatch",
			Description: "stop build updates for packages",
			Usage:       "/unwatch <id> [id...]",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      h.unwatch,
		},
		{
			Name:        "watching",
			Aliases:     []string{"list"},
			Description: "packages watched in this chat",
			Handle:      h.watching,
		},
		{
			Name:        "status",
			Description: "relay status",
			Handle:      h.status,
		},
	}
}

var errUsage = errors.New("usage")

func parseIDs(args []string) ([]catalog.PackageID, error) {
	if len(args) == 0 || len(args) > maxIDsPerCommand {
		return nil, errUsage
	}
	out := make([]catalog.PackageID, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(strings.Trim(a, ","), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%q is not a package id", a)
		}
		out = append(out, catalog.PackageID(v))
	}
	return catalog.UniqueIDs(out), nil
}

func (h *RelayHandlers) reply(ctx context.Context, req *Request, text string) error {
	if h.Replier == nil {
		return nil
	}
	return h.Replier.Reply(ctx, req.Chat, text)
}

func (h *RelayHandlers) display(id catalog.PackageID) string {
	if h.Names == nil {
		return fmt.Sprintf("App %d", id)
	}
	return h.Names.Display(id)
}

func (h *RelayHandlers) save(ctx context.Context, req *Request) {
	if err := h.Registry.Save(ctx); err != nil && !errors.Is(err, watch.ErrNoStore) {
		req.Logger.Warn("registry not saved; next pass retries", logx.Err(err))
	}
}

// mutate applies the change to every id in the request and returns the ids it changed.
func (h *RelayHandlers) mutate(ctx context.Context, req *Request, usage string, apply func(catalog.PackageID, watch.DestinationID) bool, done, noop string) ([]catalog.PackageID, error) {
	ids, err := parseIDs(req.Args)
	if errors.Is(err, errUsage) {
		return nil, h.reply(ctx, req, "usage: "+usage)
	}
	if err != nil {
		return nil, h.reply(ctx, req, err.Error())
	}
	dest := watch.DestinationID(kit.Destination(req.Chat.ChatID))
	var changed []catalog.PackageID
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		verb := noop
		if apply(id, dest) {
			verb = done
			changed = append(changed, id)
		}
		lines = append(lines, fmt.Sprintf("%s %s (%d)", verb, h.display(id), id))
	}
	if len(changed) > 0 {
		h.save(ctx, req)
	}
	return changed, h.reply(ctx, req, strings.Join(lines, "\n"))
}

func (h *RelayHandlers) watch(ctx context.Context, req *Request) error {
	added, err := h.mutate(ctx, req, "/watch <id> [id...]", h.Registry.AddSubscription, "Watching", "Already watching")
	if h.Seeder != nil && len(added) > 0 {
		// The scheduled refresh retries packages this misses.
		if _, serr := h.Seeder.Seed(ctx, added); serr != nil {
			req.Logger.Warn("starting builds not recorded", logx.Int("packages", len(added)), logx.Err(serr))
		}
	}
	return err
}

func (h *RelayHandlers) unwatch(ctx context.Context, req *Request) error {
	_, err := h.mutate(ctx, req, "/unwatch <id> [id...]", h.Registry.RemoveSubscription, "Stopped watching", "Was not watching")
	return err
}

func (h *RelayHandlers) watching(ctx context.Context, req *Request) error {
	dest := watch.DestinationID(kit.Destination(req.Chat.ChatID))
	entries := h.Registry.ListSubscriptions(dest)
	if len(entries) == 0 {
		return h.reply(ctx, req, "Not watching anything. Use /watch <id>.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Watching %d %s:", len(entries), plural(len(entries), "package", "packages"))
	for _, e := range entries {
		build := "build unknown"
		if e.CachedVersion != 0 {
			build = "build " + strconv.FormatUint(uint64(e.CachedVersion), 10)
		}
		fmt.Fprintf(&b, "\n- %s (%d): %s", h.display(e.PackageID), e.PackageID, build)
	}
	return h.reply(ctx, req, b.String())
}

func (h *RelayHandlers) status(ctx context.Context, req *Request) error {
	if h.Status == nil {
		return h.reply(ctx, req, "relay not running")
	}
	return h.reply(ctx, req, FormatStatus(h.Status.Snapshot()))
}

// FormatStatus renders a loop snapshot for chat.
func FormatStatus(s relay.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s", s.State)
	if s.Cursor == 0 {
		b.WriteString("\nCursor: not initialized")
	} else {
		fmt.Fprintf(&b, "\nCursor: %s", humanize.Comma(int64(s.Cursor)))
	}
	fmt.Fprintf(&b, "\nWatched packages: %d", s.Watched)
	fmt.Fprintf(&b, "\nPasses: %s", humanize.Comma(int64(s.Passes)))
	if s.Failures > 0 {
		fmt.Fprintf(&b, " (%s failed)", humanize.Comma(int64(s.Failures)))
	}
	if !s.LastPass.Started.IsZero() {
		outcome := "ok"
		if s.LastPass.Err != "" {
			outcome = "failed: " + s.LastPass.Err
		}
		fmt.Fprintf(&b, "\nLast pass: %s, %s", humanize.Time(s.LastPass.Started), outcome)
	}
	if !s.NextPass.IsZero() {
		fmt.Fprintf(&b, "\nNext pass: %s", humanize.Time(s.NextPass))
	}
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "\nPolling since: %s", humanize.Time(s.StartedAt))
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
