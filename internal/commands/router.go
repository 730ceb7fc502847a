// Package commands routes chat commands to handlers.
//
// The router owns parsing, access control and a bounded worker pool; the
// relay-specific handlers live in relay.go.
package commands

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "buildrelay/internal/runtime/supervisor"
	kit "buildrelay/internal/transport"
	logx "buildrelay/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOwnerOnly restricts a command to configured owners. With no owners configured it is open.
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

// Replier sends command responses.
type Replier interface {
	Reply(ctx context.Context, to kit.ChatTarget, text string) error
}

type Router struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	alias  map[string]string
	owners []int64

	log     logx.Logger
	replier Replier
	workers int
	jobs    chan func()
}

func NewRouter(log logx.Logger, replier Replier, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:    map[string]Command{},
		alias:   map[string]string{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		replier: replier,
		workers: 2,
		jobs:    make(chan func(), 64),
	}
}

// Register replaces the command set. /help is always added.
func (r *Router) Register(cmds ...Command) {
	help := Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return r.reply(ctx, req.Chat, r.helpText())
		},
	}
	cmds = append(cmds, help)

	byName := map[string]Command{}
	alias := map[string]string{}
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				alias[a] = name
			}
		}
	}
	r.mu.Lock()
	r.cmds = byName
	r.alias = alias
	r.mu.Unlock()
}

// SetOwners updates the owner list. Safe during config reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

// Menu lists registered commands for a platform command menu.
func (r *Router) Menu() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (r *Router) helpText() string {
	r.mu.RLock()
	cmds := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("\n" + usage + " - " + c.Description)
	}
	return b.String()
}

// parse splits "/cmd@bot a b" into its command word and arguments.
func parse(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}

// prepare resolves a message to a ready-to-run handler. ok=false means the message is not for us.
func (r *Router) prepare(ctx context.Context, msg kit.Message) (func(), bool) {
	word, args, ok := parse(msg.Text)
	if !ok {
		return nil, false
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	if name, ok := r.alias[word]; ok {
		word = name
	}
	cmd, found := r.cmds[word]
	owners := r.owners
	r.mu.RUnlock()

	if !found {
		if msg.IsGroup {
			// Other bots' commands are common in groups.
			return nil, false
		}
		return func() { _ = r.reply(ctx, chat, "unknown command, try /help") }, true
	}
	if cmd.Access == AccessOwnerOnly && len(owners) > 0 && !isOwner(msg.FromID, owners) {
		return func() { _ = r.reply(ctx, chat, "unauthorized") }, true
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Msg:     msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(), MWTimeout(cmd.Timeout))
	return func() { _ = final(ctx, req) }, true
}

// Handle runs the command in msg synchronously.
func (r *Router) Handle(ctx context.Context, msg kit.Message) {
	if job, ok := r.prepare(ctx, msg); ok {
		job()
	}
}

// Run dispatches incoming messages to a small worker pool until ctx ends or in closes.
func (r *Router) Run(ctx context.Context, in <-chan kit.Message) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "commands"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			job, ok := r.prepare(ctx, msg)
			if !ok {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				_ = r.reply(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "busy, try again")
			}
		}
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string) error {
	if r.replier == nil {
		return nil
	}
	return r.replier.Reply(ctx, to, text)
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
