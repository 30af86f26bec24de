package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"locatorbot/internal/eventbus"
	"locatorbot/internal/poller"
	"locatorbot/internal/storage"
	"locatorbot/internal/tracking"
	kit "locatorbot/internal/transport"
	"locatorbot/internal/transport/telegram/router"
	logx "locatorbot/pkg/logx"
)

type sent struct {
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	edits   []sent
	deleted int
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{text: text, opt: opt})
	return kit.MessageRef{MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sent{text: text, opt: opt})
	return nil
}

func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sent{}
	}
	return f.sent[len(f.sent)-1]
}

type session struct{ email string }

func (s session) Account() string { return s.email }

type fakeProvider struct {
	names   []string
	authErr error
}

func (p *fakeProvider) Authenticate(_ context.Context, c tracking.Credentials) (tracking.Session, error) {
	if p.authErr != nil {
		return nil, p.authErr
	}
	return session{email: c.Email}, nil
}

func (p *fakeProvider) ListObjects(context.Context, tracking.Session) ([]tracking.ObjectInfo, error) {
	out := make([]tracking.ObjectInfo, 0, len(p.names))
	for _, n := range p.names {
		out = append(out, tracking.ObjectInfo{Name: n})
	}
	return out, nil
}

func (p *fakeProvider) FetchObject(context.Context, tracking.Session, string) (tracking.Reading, error) {
	return tracking.Reading{}, tracking.ErrNotFound
}

type countingPoller struct {
	mu      sync.Mutex
	updates int
}

func (p *countingPoller) Update(context.Context) error {
	p.mu.Lock()
	p.updates++
	p.mu.Unlock()
	return nil
}

func (p *countingPoller) Snapshot() poller.Status {
	return poller.Status{Running: true, Tick: time.Second, MinWriteDistance: 5, FailurePolicy: poller.FailureNone}
}

func (p *countingPoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates
}

type fixture struct {
	bot   *Bot
	ad    *fakeAdapter
	store *storage.Memory
	prov  *fakeProvider
	poll  *countingPoller
	bus   eventbus.Bus
}

func newFixture() *fixture {
	f := &fixture{
		ad:    &fakeAdapter{},
		store: storage.NewMemory(),
		prov:  &fakeProvider{names: []string{"Bob", "Alice"}},
		poll:  &countingPoller{},
		bus:   eventbus.New(),
	}
	f.bot = New(Deps{Store: f.store, Provider: f.prov, Poller: f.poll, Bus: f.bus, Log: logx.Nop()})
	return f
}

func (f *fixture) req(text string, args ...string) *router.Request {
	return &router.Request{
		Chat:    kit.ChatTarget{ChatID: 42},
		FromID:  42,
		Text:    text,
		Args:    args,
		Adapter: f.ad,
		Logger:  logx.Nop(),
	}
}

func (f *fixture) state(t *testing.T) tracking.State {
	t.Helper()
	o, err := f.store.GetOwner(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	return o.State
}

func mustContain(t *testing.T, got sent, want string) {
	t.Helper()
	if !strings.Contains(got.text, want) {
		t.Fatalf("reply %q does not contain %q", got.text, want)
	}
}

func TestRegistrationConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	if err := f.bot.handleRegister(ctx, f.req("/register")); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustContain(t, f.ad.last(), "Starting locator registration.")
	if st := f.state(t); st != tracking.StateWaitingEmail {
		t.Fatalf("state = %s", st)
	}

	_ = f.bot.handleText(ctx, f.req("not an email"))
	mustContain(t, f.ad.last(), "doesn't look right")
	if st := f.state(t); st != tracking.StateWaitingEmail {
		t.Fatalf("state after bad email = %s", st)
	}

	_ = f.bot.handleText(ctx, f.req("me@example.com"))
	mustContain(t, f.ad.last(), "cookies.txt")

	_ = f.bot.handleText(ctx, f.req("# Netscape HTTP Cookie File"))
	got := f.ad.last()
	mustContain(t, got, "Shared with you: Alice, Bob")
	if got.opt == nil || len(got.opt.Keyboard) != 1 || strings.Join(got.opt.Keyboard[0], ",") != "Alice,Bob" {
		t.Fatalf("pick list = %+v", got.opt)
	}

	_ = f.bot.handleText(ctx, f.req("Alice"))
	got = f.ad.last()
	mustContain(t, got, "Tracking is running.")
	mustContain(t, got, "Tracked objects: Alice")
	if got.opt == nil || !got.opt.RemoveKeyboard {
		t.Fatalf("keyboard not removed: %+v", got.opt)
	}
	if st := f.state(t); st != tracking.StateRunning {
		t.Fatalf("state = %s, want running", st)
	}
	if n := f.poll.count(); n != 1 {
		t.Fatalf("poller updates = %d, want 1", n)
	}
	select {
	case ev := <-events:
		a, ok := ev.Data.(eventbus.Activation)
		if ev.Type != eventbus.OwnerActivated || !ok || a.OwnerID != 42 {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatalf("no activation event")
	}

	_ = f.bot.handleRegister(ctx, f.req("/register"))
	mustContain(t, f.ad.last(), "already registered")
}

func TestAddObject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	if err := f.bot.handleAdd(ctx, f.req("/add")); err != nil {
		t.Fatalf("add: %v", err)
	}
	mustContain(t, f.ad.last(), "Please /register")

	runningOwner(t, f, "Alice")

	_ = f.bot.handleAdd(ctx, f.req("/add"))
	got := f.ad.last()
	if got.opt == nil || strings.Join(got.opt.Keyboard[0], ",") != "Bob" {
		t.Fatalf("candidates = %+v", got.opt)
	}
	if st := f.state(t); st != tracking.StateWaitingObject {
		t.Fatalf("state = %s", st)
	}

	_ = f.bot.handleText(ctx, f.req("Bob"))
	mustContain(t, f.ad.last(), "Tracked objects: Alice, Bob")
	if st := f.state(t); st != tracking.StateRunning {
		t.Fatalf("state = %s", st)
	}
	// RequestAddObject and Activate each reload.
	if n := f.poll.count(); n != 2 {
		t.Fatalf("poller updates = %d, want 2", n)
	}
}

func runningOwner(t *testing.T, f *fixture, objects ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.CreateOwner(ctx, 42); err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	for _, o := range objects {
		if err := f.store.AddTrackedObject(ctx, 42, o); err != nil {
			t.Fatalf("AddTrackedObject: %v", err)
		}
	}
	if err := f.store.SetOwnerState(ctx, 42, tracking.StateRunning); err != nil {
		t.Fatalf("SetOwnerState: %v", err)
	}
}

func TestAuthFailureThenReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	f.prov.authErr = tracking.ErrAuth

	_ = f.bot.handleRegister(ctx, f.req("/register"))
	_ = f.bot.handleText(ctx, f.req("me@example.com"))
	_ = f.bot.handleText(ctx, f.req("bad cookies"))
	mustContain(t, f.ad.last(), "rejected these credentials")
	if st := f.state(t); st != tracking.StateErrored {
		t.Fatalf("state = %s, want errored", st)
	}

	before := len(f.ad.sent)
	_ = f.bot.handleText(ctx, f.req("hello?"))
	if len(f.ad.sent) != before {
		t.Fatalf("errored owner got a reply to free text")
	}

	_ = f.bot.handleRegister(ctx, f.req("/register"))
	mustContain(t, f.ad.last(), "/reset")

	if err := f.bot.handleReset(ctx, f.req("/reset")); err != nil {
		t.Fatalf("reset: %v", err)
	}
	mustContain(t, f.ad.last(), "/register to start again")
	if st := f.state(t); st != tracking.StateInitial {
		t.Fatalf("state = %s, want initial", st)
	}
}

func TestDeleteFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	runningOwner(t, f, "Alice", "Bob")
	s := tracking.Sample{OwnerID: 42, Object: "Alice", Latitude: 1, Longitude: 2, Timestamp: time.Now()}
	if err := f.store.AppendSample(ctx, s); err != nil {
		t.Fatalf("AppendSample: %v", err)
	}

	_ = f.bot.handleDelete(ctx, f.req("/delete"))
	got := f.ad.last()
	if got.opt == nil || len(got.opt.Inline) != 3 || got.opt.Inline[0][0].Data != "del:Alice" || got.opt.Inline[2][0].Data != "deldone:" {
		t.Fatalf("delete keyboard = %+v", got.opt)
	}

	cb := f.req("Alice")
	cb.MessageID = 9
	if err := f.bot.handleDeleteButton(ctx, cb); err != nil {
		t.Fatalf("delete button: %v", err)
	}
	if len(f.ad.edits) != 1 || !strings.Contains(f.ad.edits[0].text, "Object Alice has been deleted") {
		t.Fatalf("edits = %+v", f.ad.edits)
	}
	if rows := f.ad.edits[0].opt.Inline; len(rows) != 2 || rows[0][0].Text != "Bob" {
		t.Fatalf("edited keyboard = %+v", rows)
	}
	if _, ok, _ := f.store.LastSample(ctx, 42, "Alice"); ok {
		t.Fatalf("samples of deleted object survived")
	}

	if err := f.bot.handleDeleteDone(ctx, f.req("")); err != nil {
		t.Fatalf("done: %v", err)
	}
	mustContain(t, f.ad.last(), "Tracked objects: Bob")
	if f.ad.deleted != 1 || f.poll.count() != 1 {
		t.Fatalf("deleted=%d updates=%d", f.ad.deleted, f.poll.count())
	}
}

func TestWhere(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	runningOwner(t, f, "Alice")

	_ = f.bot.handleWhere(ctx, f.req("/where"))
	if got := f.ad.last(); got.opt == nil || got.opt.Keyboard[0][0] != "/where Alice" {
		t.Fatalf("where keyboard = %+v", got.opt)
	}

	_ = f.bot.handleWhere(ctx, f.req("/where Alice", "Alice"))
	mustContain(t, f.ad.last(), "No location recorded for Alice")

	s := tracking.Sample{OwnerID: 42, Object: "Alice", Latitude: 52.52, Longitude: 13.405, Battery: 80, Charging: true, AccuracyM: 12, Timestamp: time.Now().Add(-10 * time.Minute)}
	if err := f.store.AppendSample(ctx, s); err != nil {
		t.Fatalf("AppendSample: %v", err)
	}
	_ = f.bot.handleWhere(ctx, f.req("/where Alice", "Alice"))
	got := f.ad.last()
	for _, want := range []string{"Alice: 52.52000, 13.40500", "±12 m", "seen 10m0s ago", "battery 80% charging", "maps.google.com/?q=52.520000,13.405000"} {
		mustContain(t, got, want)
	}
}

func TestPollerCommand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	if err := f.bot.handlePoller(ctx, f.req("/poller reload", "reload")); err != nil {
		t.Fatalf("poller: %v", err)
	}
	if f.poll.count() != 1 {
		t.Fatalf("updates = %d", f.poll.count())
	}
	mustContain(t, f.ad.last(), "Poller running, tick 1s")

	r := router.New(f.ad, logx.Nop())
	f.bot.Register(r)
	if cmds := r.Commands(); len(cmds) != len(f.bot.cmds) {
		t.Fatalf("registered %d commands", len(cmds))
	}
}
