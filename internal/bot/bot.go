// Package bot is the Telegram front-end: it maps commands and free text
// onto the registration state machine and the tracked-object store.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"locatorbot/internal/eventbus"
	"locatorbot/internal/poller"
	"locatorbot/internal/registration"
	"locatorbot/internal/tracking"
	kit "locatorbot/internal/transport"
	"locatorbot/internal/transport/telegram/router"
	logx "locatorbot/pkg/logx"
)

// Poller is the part of the poller the bot drives.
type Poller interface {
	Update(ctx context.Context) error
	Snapshot() poller.Status
}

// StepRecorder receives one call per registration step.
type StepRecorder interface {
	RegistrationStep(state string, err error)
}

type Deps struct {
	Store    tracking.Store
	Provider tracking.Provider
	Poller   Poller
	Bus      eventbus.Bus
	Steps    StepRecorder
	Log      logx.Logger
}

// Bot holds no per-user state. The router runs one user's updates in order
// on one worker, so a machine is loaded fresh for every update.
type Bot struct {
	deps Deps
	log  logx.Logger
	cmds []router.Command
}

const (
	cbDelete     = "del"
	cbDeleteDone = "deldone"

	commandTimeout = 45 * time.Second
)

func New(deps Deps) *Bot {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	b := &Bot{deps: deps, log: deps.Log.With(logx.String("comp", "bot"))}
	b.cmds = []router.Command{
		{Name: "start", Description: "show the main keyboard", Handle: b.handleStart},
		{Name: "help", Aliases: []string{"h"}, Description: "list commands", Handle: b.handleHelp},
		{Name: "register", Description: "register or continue registration", Timeout: commandTimeout, Handle: b.handleRegister},
		{Name: "add", Description: "track another shared object", Timeout: commandTimeout, Handle: b.handleAdd},
		{Name: "delete", Description: "stop tracking objects and drop their history", Handle: b.handleDelete},
		{Name: "objects", Description: "list tracked objects", Handle: b.handleObjects},
		{Name: "where", Usage: "/where <name>", Description: "last known location of an object", Handle: b.handleWhere},
		{Name: "reset", Description: "forget registration progress and start over", Handle: b.handleReset},
		{Name: "cancel", Description: "close the current keyboard", Handle: b.handleCancel},
		{Name: "poller", Usage: "/poller [reload]", Description: "poller status, or reload it from storage", Access: router.AccessAdminOnly, Timeout: commandTimeout, Handle: b.handlePoller},
	}
	return b
}

// Register installs every route on r.
func (b *Bot) Register(r *router.Router) {
	r.Register(b.cmds, []router.CallbackRoute{
		{Prefix: cbDelete, Handle: b.handleDeleteButton},
		{Prefix: cbDeleteDone, Handle: b.handleDeleteDone},
	}, b.handleText)
}

func (b *Bot) machineDeps() registration.Deps {
	return registration.Deps{
		Store:    b.deps.Store,
		Provider: b.deps.Provider,
		Reloader: b.deps.Poller,
		Log:      b.deps.Log,
	}
}

func (b *Bot) load(ctx context.Context, req *router.Request) (*registration.Machine, error) {
	m, err := registration.Load(ctx, req.FromID, b.machineDeps())
	if err != nil {
		_ = req.Reply(ctx, "Storage is unavailable right now, try again later.", nil)
		return nil, err
	}
	return m, nil
}

func (b *Bot) step(state tracking.State, err error) {
	if b.deps.Steps != nil {
		b.deps.Steps.RegistrationStep(string(state), err)
	}
}

// userText renders a machine error for the owner. prompt is the message the
// machine returned alongside the error.
func userText(prompt string, err error) string {
	switch {
	case err == nil:
		return prompt
	case errors.Is(err, tracking.ErrAuth):
		return "The location service rejected these credentials.\n" + prompt
	case errors.Is(err, tracking.ErrNetwork):
		return "The location service is unavailable, try again later.\n" + prompt
	case errors.Is(err, tracking.ErrInvalidInput):
		return "That doesn't look right. " + prompt
	case errors.Is(err, tracking.ErrNotFound):
		return "Not found. " + prompt
	}
	// ErrInvalidTransition and ErrStorage show the current state's prompt.
	return prompt
}

func (b *Bot) handleStart(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, "I'm a location tracking bot. Send /help if you don't know how to use me.", &kit.SendOptions{
		Keyboard: [][]string{
			{"/register", "/add", "/delete"},
			{"/objects", "/where", "/help"},
		},
	})
}

func (b *Bot) handleHelp(ctx context.Context, req *router.Request) error {
	text := "This bot tracks objects shared with you over Google location sharing.\n\n" + router.HelpText(b.cmds, req.Admin)
	return req.Reply(ctx, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

func (b *Bot) handleCancel(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, "Conversation canceled.", &kit.SendOptions{RemoveKeyboard: true})
}

func (b *Bot) handleReset(ctx context.Context, req *router.Request) error {
	m, err := b.load(ctx, req)
	if err != nil {
		return err
	}
	msg, err := m.Reset(ctx)
	b.step(m.State(), err)
	if err != nil {
		_ = req.Reply(ctx, userText(msg, err), nil)
		return err
	}
	return req.Reply(ctx, msg+"\nSend /register to start again.", &kit.SendOptions{RemoveKeyboard: true})
}

func (b *Bot) handlePoller(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 && strings.EqualFold(req.Args[0], "reload") {
		if err := b.deps.Poller.Update(ctx); err != nil {
			_ = req.Reply(ctx, "Reload failed: "+err.Error(), nil)
			return err
		}
		req.Logger.Info("poller reloaded by admin")
	}
	return req.Reply(ctx, formatStatus(b.deps.Poller.Snapshot(), time.Now()), nil)
}

func formatStatus(st poller.Status, now time.Time) string {
	var sb strings.Builder
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(&sb, "Poller %s, tick %s, write threshold %.0f m, failure policy %s\n",
		state, st.Tick, st.MinWriteDistance, st.FailurePolicy)
	fmt.Fprintf(&sb, "%d entries", len(st.Entries))
	for _, e := range st.Entries {
		due := e.NextPoll.Sub(now).Round(time.Second)
		fmt.Fprintf(&sb, "\n%d/%s next in %s", e.OwnerID, e.Object, max(due, 0))
	}
	for _, o := range st.Owners {
		if o.Failures > 0 {
			fmt.Fprintf(&sb, "\nowner %d: %d consecutive failures", o.OwnerID, o.Failures)
		}
	}
	return sb.String()
}
