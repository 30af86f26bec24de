package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"locatorbot/internal/registration"
	"locatorbot/internal/tracking"
	kit "locatorbot/internal/transport"
	"locatorbot/internal/transport/telegram/router"
)

func (b *Bot) handleAdd(ctx context.Context, req *router.Request) error {
	m, err := b.load(ctx, req)
	if err != nil {
		return err
	}
	switch m.State() {
	case tracking.StateRunning:
	case tracking.StateWaitingObject:
		return req.Reply(ctx, registration.Message(m.State()), nil)
	default:
		return req.Reply(ctx, "Please /register before you can add an object for tracking.", nil)
	}

	candidates, msg, err := m.RequestAddObject(ctx)
	b.step(m.State(), err)
	if err != nil && m.State() != tracking.StateWaitingObject {
		return req.Reply(ctx, userText(msg, err), nil)
	}
	if len(candidates) == 0 {
		return req.Reply(ctx, "Every object shared with you is already tracked.\n"+msg, nil)
	}
	return req.Reply(ctx, msg, pickList(candidates))
}

func (b *Bot) handleObjects(ctx context.Context, req *router.Request) error {
	m, err := b.load(ctx, req)
	if err != nil {
		return err
	}
	o := m.Owner()
	if len(o.Objects) == 0 {
		return req.Reply(ctx, fmt.Sprintf("No tracked objects. Registration state: %s.", o.State), nil)
	}
	return req.Reply(ctx, fmt.Sprintf("Tracked objects: %s\nRegistration state: %s.", strings.Join(o.Objects, ", "), o.State), nil)
}

func deleteKeyboard(names []string) *kit.SendOptions {
	rows := make([][]kit.Button, 0, len(names)+1)
	for _, n := range names {
		rows = append(rows, []kit.Button{{Text: n, Data: cbDelete + ":" + n}})
	}
	rows = append(rows, []kit.Button{{Text: "done", Data: cbDeleteDone + ":"}})
	return &kit.SendOptions{Inline: rows}
}

const deletePrompt = "Pick the object you want to delete. All related data will be deleted as well."

func (b *Bot) handleDelete(ctx context.Context, req *router.Request) error {
	names, err := b.deps.Store.TrackedObjects(ctx, req.FromID)
	if err != nil && !errors.Is(err, tracking.ErrNotFound) {
		_ = req.Reply(ctx, "Storage is unavailable right now, try again later.", nil)
		return err
	}
	if len(names) == 0 {
		return req.Reply(ctx, "No tracked objects.", nil)
	}
	return req.Reply(ctx, deletePrompt, deleteKeyboard(names))
}

func (b *Bot) handleDeleteButton(ctx context.Context, req *router.Request) error {
	m, err := b.load(ctx, req)
	if err != nil {
		return err
	}
	name := req.Text
	text := fmt.Sprintf("Object %s has been deleted. %s Click 'done' to apply changes.", name, deletePrompt)
	if err := m.RemoveObject(ctx, name); err != nil {
		if !errors.Is(err, tracking.ErrNotFound) {
			_ = req.Reply(ctx, "Storage is unavailable right now, try again later.", nil)
			return err
		}
		text = fmt.Sprintf("%s is not tracked. %s", name, deletePrompt)
	}
	ref := kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: req.MessageID}
	return req.Adapter.EditText(ctx, ref, text, deleteKeyboard(m.Owner().Objects))
}

func (b *Bot) handleDeleteDone(ctx context.Context, req *router.Request) error {
	ref := kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: req.MessageID}
	_ = req.Adapter.DeleteMessage(ctx, ref)
	if err := b.deps.Poller.Update(ctx); err != nil {
		req.Logger.Error("poller reload after delete failed")
		_ = req.Reply(ctx, "Objects deleted, but the poller could not reload. An admin can run /poller reload.", nil)
		return err
	}
	names, err := b.deps.Store.TrackedObjects(ctx, req.FromID)
	if err != nil && !errors.Is(err, tracking.ErrNotFound) {
		return err
	}
	if len(names) == 0 {
		return req.Reply(ctx, "No tracked objects left.", nil)
	}
	return req.Reply(ctx, "Tracked objects: "+strings.Join(names, ", "), nil)
}

func (b *Bot) handleWhere(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		names, err := b.deps.Store.TrackedObjects(ctx, req.FromID)
		if err != nil || len(names) == 0 {
			return req.Reply(ctx, "No tracked objects.", nil)
		}
		rows := make([][]string, 0, len(names))
		for _, n := range names {
			rows = append(rows, []string{"/where " + n})
		}
		return req.Reply(ctx, "Choose your object to continue.", &kit.SendOptions{Keyboard: rows, Placeholder: "Pick your object"})
	}

	name := strings.Join(req.Args, " ")
	s, ok, err := b.deps.Store.LastSample(ctx, req.FromID, name)
	if err != nil {
		_ = req.Reply(ctx, "Storage is unavailable right now, try again later.", nil)
		return err
	}
	if !ok {
		return req.Reply(ctx, "No location recorded for "+name+" yet.", &kit.SendOptions{RemoveKeyboard: true})
	}
	return req.Reply(ctx, formatSample(s, time.Now()), &kit.SendOptions{RemoveKeyboard: true, DisablePreview: true})
}

func formatSample(s tracking.Sample, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %.5f, %.5f", s.Object, s.Latitude, s.Longitude)
	if s.AccuracyM > 0 {
		fmt.Fprintf(&sb, " (±%.0f m)", s.AccuracyM)
	}
	if s.Address != "" {
		sb.WriteString("\n" + s.Address)
	}
	fmt.Fprintf(&sb, "\nseen %s ago", now.Sub(s.Timestamp).Round(time.Minute))
	if s.Battery > 0 {
		fmt.Fprintf(&sb, ", battery %d%%", s.Battery)
		if s.Charging {
			sb.WriteString(" charging")
		}
	}
	fmt.Fprintf(&sb, "\nhttps://maps.google.com/?q=%.6f,%.6f", s.Latitude, s.Longitude)
	return sb.String()
}
