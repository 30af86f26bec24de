package bot

import (
	"context"
	"strings"
	"time"

	"locatorbot/internal/eventbus"
	"locatorbot/internal/registration"
	"locatorbot/internal/tracking"
	kit "locatorbot/internal/transport"
	"locatorbot/internal/transport/telegram/router"
	logx "locatorbot/pkg/logx"
)

func (b *Bot) handleRegister(ctx context.Context, req *router.Request) error {
	m, err := b.load(ctx, req)
	if err != nil {
		return err
	}
	switch m.State() {
	case tracking.StateRunning:
		return req.Reply(ctx, "You're already registered. Use /add to track another object.", nil)
	case tracking.StateWaitingEmail, tracking.StateWaitingCookies, tracking.StateWaitingObject, tracking.StateErrored:
		return req.Reply(ctx, registration.Message(m.State()), nil)
	}
	return b.advance(ctx, req, m, "")
}

// handleText feeds free text into the owner's current registration step.
func (b *Bot) handleText(ctx context.Context, req *router.Request) error {
	m, err := b.load(ctx, req)
	if err != nil {
		return err
	}
	switch m.State() {
	case tracking.StateWaitingEmail, tracking.StateWaitingCookies, tracking.StateWaitingObject:
		return b.advance(ctx, req, m, req.Text)
	case tracking.StateInitial:
		return req.Reply(ctx, "Send /register to start tracking, or /help for commands.", nil)
	}
	return nil
}

// advance runs one step and, once configured, activates the owner.
func (b *Bot) advance(ctx context.Context, req *router.Request, m *registration.Machine, input string) error {
	res, err := m.Run(ctx, input)
	b.step(res.State, err)
	if err != nil {
		return req.Reply(ctx, userText(res.Message, err), nil)
	}

	if res.State != tracking.StateConfigured {
		var opt *kit.SendOptions
		if len(res.Candidates) > 0 {
			opt = pickList(res.Candidates)
			res.Message += "\nShared with you: " + strings.Join(res.Candidates, ", ")
		}
		return req.Reply(ctx, res.Message, opt)
	}

	res, err = m.Run(ctx, "")
	b.step(res.State, err)
	if err != nil {
		_ = req.Reply(ctx, userText(res.Message, err), &kit.SendOptions{RemoveKeyboard: true})
		return err
	}
	owner := m.Owner()
	b.activated(owner)
	return req.Reply(ctx, res.Message+"\nTracked objects: "+strings.Join(owner.Objects, ", "), &kit.SendOptions{RemoveKeyboard: true})
}

func (b *Bot) activated(o tracking.Owner) {
	b.log.Info("owner activated", logx.Owner(o.ID), logx.Int("objects", len(o.Objects)))
	if b.deps.Bus == nil {
		return
	}
	b.deps.Bus.Publish(eventbus.Event{
		Type: eventbus.OwnerActivated,
		Time: time.Now(),
		Data: eventbus.Activation{OwnerID: o.ID, Objects: append([]string(nil), o.Objects...)},
	})
}

// pickList is a one-time reply keyboard, three names per row.
func pickList(names []string) *kit.SendOptions {
	var rows [][]string
	for i := 0; i < len(names); i += 3 {
		rows = append(rows, names[i:min(i+3, len(names))])
	}
	return &kit.SendOptions{Keyboard: rows, Placeholder: "Pick your object"}
}
