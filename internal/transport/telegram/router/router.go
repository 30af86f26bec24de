// Package router dispatches transport updates to command, callback and
// free-text handlers on a bounded worker pool.
//
// Updates from one user always land on the same worker, so a user's
// messages are handled one at a time and in arrival order.
package router

import (
	"context"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"locatorbot/internal/runtime/supervisor"
	kit "locatorbot/internal/transport"
	logx "locatorbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
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

// CallbackRoute handles inline-button data of the form "<prefix>:<payload>".
type CallbackRoute struct {
	Prefix  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Text is the raw message text, or the callback payload.
	Text      string
	MessageID int
	ReqID     string
	Admin     bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	workers int

	mu        sync.RWMutex
	commands  []Command
	byName    map[string]*Command
	callbacks map[string]CallbackRoute
	text      HandlerFunc
	admins    []int64

	runMu  sync.Mutex
	sup    *supervisor.Supervisor
	shards []chan func()
}

type Option func(*Router)

// WithWorkers sets the worker count. Default is NumCPU, at least 2.
func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

const shardQueueCap = 64

func New(adapter kit.Adapter, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		workers:   max(runtime.NumCPU(), 2),
		byName:    map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers < 1 {
		r.workers = 1
	}
	return r
}

// SetAdmins replaces the admin list. Safe during hot reload.
func (r *Router) SetAdmins(ids []int64) {
	cp := slices.Clone(ids)
	r.mu.Lock()
	r.admins = cp
	r.mu.Unlock()
}

func (r *Router) isAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.admins, id)
}

// Register replaces every route. text handles non-command messages and may be nil.
func (r *Router) Register(cmds []Command, cbs []CallbackRoute, text HandlerFunc) {
	byName := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		list = append(list, c)
	}
	for i := range list {
		c := &list[i]
		byName[c.Name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
	}
	callbacks := map[string]CallbackRoute{}
	for _, cb := range cbs {
		if cb.Prefix != "" && cb.Handle != nil {
			callbacks[cb.Prefix] = cb
		}
	}

	r.mu.Lock()
	r.commands, r.byName, r.callbacks, r.text = list, byName, callbacks, text
	r.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.commands)
}

// UpdateMenu pushes the command list to the adapter's menu, if it has one.
func (r *Router) UpdateMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(cctx, menuCommands(r.Commands()))
}

// Supervisor returns the worker pool supervisor, nil when not dispatching.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	shards := make([]chan func(), r.workers)
	for i := range shards {
		shards[i] = make(chan func(), shardQueueCap)
	}
	r.runMu.Lock()
	r.sup, r.shards = sup, shards
	r.runMu.Unlock()

	for i, jobs := range shards {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", len(shards)))

	defer func() {
		r.runMu.Lock()
		r.sup, r.shards = nil, nil
		r.runMu.Unlock()
		for _, ch := range shards {
			close(ch)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, shards, up)
		}
	}
}

func (r *Router) route(ctx context.Context, shards []chan func(), up kit.Update) {
	var (
		req *Request
		h   HandlerFunc
	)
	switch {
	case up.Kind == kit.UpdateMessage && up.Message != nil:
		req, h = r.messageRequest(ctx, up)
	case up.Kind == kit.UpdateCallback && up.Callback != nil:
		req, h = r.callbackRequest(ctx, up)
	}
	if req == nil || h == nil {
		return
	}

	final := Chain(h, MWPanicRecover(r.log), MWRequestLog(r.log))
	job := func() {
		_ = final(ctx, req)
		if up.Callback != nil {
			_ = r.adapter.AnswerCallback(ctx, up.Callback.ID, "")
		}
	}

	shard := shards[uint64(req.FromID)%uint64(len(shards))]
	select {
	case shard <- job:
	default:
		if up.Callback != nil {
			_ = r.adapter.AnswerCallback(ctx, up.Callback.ID, "busy")
			return
		}
		_, _ = r.adapter.SendText(ctx, req.Chat, "Busy, try again in a moment.", nil)
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, cmd string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: cmd,
		ReqID:   rid,
		Admin:   r.isAdmin(from),
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd),
		),
	}
}

func (r *Router) messageRequest(ctx context.Context, up kit.Update) (*Request, HandlerFunc) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	text := strings.TrimSpace(msg.Text)

	name, args, isCmd := parseCommand(text)
	if !isCmd {
		r.mu.RLock()
		h := r.text
		r.mu.RUnlock()
		if h == nil || text == "" {
			return nil, nil
		}
		req := r.newRequest(up, chat, msg.FromID, "text")
		req.Text = text
		return req, h
	}

	r.mu.RLock()
	c := r.byName[name]
	r.mu.RUnlock()
	if c == nil {
		_, _ = r.adapter.SendText(ctx, chat, "I don't know this command. Try /help", nil)
		return nil, nil
	}
	req := r.newRequest(up, chat, msg.FromID, c.Name)
	if c.Access == AccessAdminOnly && !req.Admin {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return nil, nil
	}
	req.Args = args
	req.Text = text
	return req, MWTimeout(c.Timeout)(c.Handle)
}

func (r *Router) callbackRequest(ctx context.Context, up kit.Update) (*Request, HandlerFunc) {
	cb := up.Callback
	prefix, payload, _ := strings.Cut(strings.TrimSpace(cb.Data), ":")

	r.mu.RLock()
	route, ok := r.callbacks[prefix]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return nil, nil
	}
	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "cb:"+prefix)
	if route.Access == AccessAdminOnly && !req.Admin {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return nil, nil
	}
	req.Text = payload
	req.MessageID = cb.MessageID
	return req, MWTimeout(route.Timeout)(route.Handle)
}

// parseCommand splits "/name@bot a b" into ("name", ["a","b"], true).
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), parts[1:], true
}
