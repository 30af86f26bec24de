package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"locatorbot/internal/eventbus"
	"locatorbot/internal/storage"
	"locatorbot/internal/tracking"
)

type stubSession struct{}

func (stubSession) Account() string { return "owner@example.com" }

// scriptProvider replays readings per object. The last reading repeats.
type scriptProvider struct {
	mu       sync.Mutex
	authErr  error
	errs     map[string]error
	readings map[string][]tracking.Reading
	auths    int
	fetches  int
}

func (p *scriptProvider) Authenticate(ctx context.Context, _ tracking.Credentials) (tracking.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auths++
	if p.authErr != nil {
		return nil, p.authErr
	}
	return stubSession{}, nil
}

func (p *scriptProvider) ListObjects(context.Context, tracking.Session) ([]tracking.ObjectInfo, error) {
	return nil, nil
}

func (p *scriptProvider) FetchObject(_ context.Context, _ tracking.Session, name string) (tracking.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if err := p.errs[name]; err != nil {
		return tracking.Reading{}, err
	}
	list := p.readings[name]
	if len(list) == 0 {
		return tracking.Reading{}, tracking.ErrNotFound
	}
	r := list[0]
	if len(list) > 1 {
		p.readings[name] = list[1:]
	}
	r.Name = name
	return r, nil
}

func (p *scriptProvider) counts() (auths, fetches int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.auths, p.fetches
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func at(lat, lon float64) tracking.Reading {
	return tracking.Reading{Latitude: lat, Longitude: lon}
}

// metersNorth is the latitude, in degrees, of a point d meters north of the equator.
func metersNorth(d float64) float64 {
	return d / tracking.EarthRadiusM * 180 / math.Pi
}

func runningOwner(t *testing.T, store tracking.Store, id int64, objects ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateOwner(ctx, id); err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	for _, o := range objects {
		if err := store.AddTrackedObject(ctx, id, o); err != nil {
			t.Fatalf("AddTrackedObject: %v", err)
		}
	}
	if err := store.SetOwnerState(ctx, id, tracking.StateRunning); err != nil {
		t.Fatalf("SetOwnerState: %v", err)
	}
}

func countSamples(t *testing.T, store tracking.Store, id int64, object string) int {
	t.Helper()
	list, err := store.Samples(context.Background(), id, object, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	return len(list)
}

func entryOf(t *testing.T, p *Poller, id int64, object string) EntryStatus {
	t.Helper()
	for _, e := range p.Snapshot().Entries {
		if e.OwnerID == id && e.Object == object {
			return e
		}
	}
	t.Fatalf("no entry for %d/%s", id, object)
	return EntryStatus{}
}

func near(a, b time.Duration) bool {
	d := a - b
	return d > -time.Millisecond && d < time.Millisecond
}

func TestInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    float64
		want time.Duration
	}{
		{0, 190 * time.Second},
		{10, 100 * time.Second},
		{200, 18571428571 * time.Nanosecond},
		{10000, 10179820179 * time.Nanosecond},
	}
	for _, tc := range cases {
		if got := Interval(tc.d); !near(got, tc.want) {
			t.Fatalf("Interval(%v) = %v, want %v", tc.d, got, tc.want)
		}
	}
	if got := Interval(200); !near(got, 18571*time.Millisecond) {
		t.Fatalf("Interval(200) = %v, want ~18.571s", got)
	}
	if got := Interval(1e12); got < 10*time.Second || got > 10*time.Second+time.Millisecond {
		t.Fatalf("Interval(huge) = %v, want ~10s", got)
	}
	prev := Interval(0)
	for d := 1.0; d < 5000; d *= 1.7 {
		cur := Interval(d)
		if cur >= prev {
			t.Fatalf("Interval not decreasing at d=%v: %v >= %v", d, cur, prev)
		}
		prev = cur
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	exp := Config{Failure: FailureExponential, BackoffBase: 2 * time.Second, BackoffMax: 10 * time.Second}.withDefaults()
	want := []time.Duration{0, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for n, w := range want {
		if got := exp.backoff(n); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", n, got, w)
		}
	}
	none := Config{}.withDefaults()
	if got := none.backoff(5); got != 0 {
		t.Fatalf("none backoff = %v", got)
	}
	if err := (Config{Failure: "linear"}).Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestOwnerScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 42, "Alice")
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.AppendSample(ctx, tracking.Sample{OwnerID: 42, Object: "Alice", Timestamp: t0}); err != nil {
		t.Fatalf("AppendSample: %v", err)
	}

	prov := &scriptProvider{readings: map[string][]tracking.Reading{
		"Alice": {at(0, 0), at(metersNorth(200), 0)},
	}}
	clock := &fakeClock{now: t0}
	p := New(store, prov, Config{}, WithClock(clock.Now))
	if err := p.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	p.tick(ctx, t0)
	if n := countSamples(t, store, 42, "Alice"); n != 1 {
		t.Fatalf("samples after stationary poll = %d, want 1", n)
	}
	if e := entryOf(t, p, 42, "Alice"); !e.NextPoll.Equal(t0.Add(190 * time.Second)) {
		t.Fatalf("next poll = %v, want t0+190s", e.NextPoll.Sub(t0))
	}

	p.tick(ctx, t0.Add(100*time.Second))
	if _, fetches := prov.counts(); fetches != 1 {
		t.Fatalf("fetches = %d, entry polled before due", fetches)
	}

	t1 := t0.Add(190 * time.Second)
	clock.Set(t1)
	p.tick(ctx, t1)
	if n := countSamples(t, store, 42, "Alice"); n != 2 {
		t.Fatalf("samples after 200m move = %d, want 2", n)
	}
	e := entryOf(t, p, 42, "Alice")
	if got := e.NextPoll.Sub(t1); !near(got, Interval(200)) {
		t.Fatalf("next poll in %v, want ~18.57s", got)
	}
	if math.Abs(e.Latitude-metersNorth(200)) > 1e-12 {
		t.Fatalf("last location not refreshed: %v", e.Latitude)
	}
}

func TestStationaryObjectWritesOnlySeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 7, "Bob")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{"Bob": {at(51.5, -0.12)}}}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	p := New(store, prov, Config{}, WithClock(clock.Now))

	if err := p.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := countSamples(t, store, 7, "Bob"); n != 1 {
		t.Fatalf("seed samples = %d, want 1", n)
	}
	for i := 0; i < 10; i++ {
		p.tick(ctx, now)
		now = now.Add(Interval(0))
	}
	if n := countSamples(t, store, 7, "Bob"); n != 1 {
		t.Fatalf("samples = %d, want 1", n)
	}
}

func TestSmallMovesUpdateLocationWithoutWriting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 7, "Bob")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{
		"Bob": {at(0, 0), at(metersNorth(3), 0), at(metersNorth(6), 0)},
	}}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(store, prov, Config{}, WithClock(func() time.Time { return now }))
	if err := p.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	p.tick(ctx, now)
	now = now.Add(time.Hour)
	p.tick(ctx, now)
	if n := countSamples(t, store, 7, "Bob"); n != 1 {
		t.Fatalf("3m move wrote a sample: %d", n)
	}
	if e := entryOf(t, p, 7, "Bob"); math.Abs(e.Latitude-metersNorth(6)) > 1e-12 {
		t.Fatalf("entry lat = %v, want the fetched point", e.Latitude)
	}
}

func TestFetchFailureLeavesEntryDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 1, "Alice")
	if err := store.AppendSample(ctx, tracking.Sample{OwnerID: 1, Object: "Alice", Timestamp: time.Unix(1, 0)}); err != nil {
		t.Fatalf("AppendSample: %v", err)
	}
	prov := &scriptProvider{errs: map[string]error{"Alice": tracking.ErrNetwork}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(store, prov, Config{}, WithClock(func() time.Time { return t0 }), WithBus(bus))
	if err := p.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	p.tick(ctx, t0)
	if e := entryOf(t, p, 1, "Alice"); !e.NextPoll.Equal(t0) {
		t.Fatalf("next poll moved to %v after failure", e.NextPoll)
	}
	p.tick(ctx, t0.Add(time.Second))
	if _, fetches := prov.counts(); fetches != 2 {
		t.Fatalf("fetches = %d, want retry on next tick", fetches)
	}
	ev := <-events
	if ev.Type != eventbus.PollFailed || ev.TickID == "" {
		t.Fatalf("event = %+v", ev)
	}
	if f, ok := ev.Data.(PollFailure); !ok || f.Result != ResultNetwork {
		t.Fatalf("payload = %+v", ev.Data)
	}
}

func TestNotFoundDoesNotBlockSiblings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 3, "Alice", "Bob")
	for _, o := range []string{"Alice", "Bob"} {
		if err := store.AppendSample(ctx, tracking.Sample{OwnerID: 3, Object: o, Timestamp: time.Unix(1, 0)}); err != nil {
			t.Fatalf("AppendSample: %v", err)
		}
	}
	prov := &scriptProvider{readings: map[string][]tracking.Reading{"Bob": {at(0, 0)}}}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(store, prov, Config{}, WithClock(func() time.Time { return t0 }))
	if err := p.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	p.tick(ctx, t0)

	if e := entryOf(t, p, 3, "Bob"); !e.NextPoll.Equal(t0.Add(190 * time.Second)) {
		t.Fatalf("Bob next poll = %v", e.NextPoll)
	}
	if e := entryOf(t, p, 3, "Alice"); !e.NextPoll.Equal(t0) {
		t.Fatalf("Alice next poll = %v", e.NextPoll)
	}
}

func TestExponentialPolicyDelaysFailingOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 5, "Alice")
	if err := store.AppendSample(ctx, tracking.Sample{OwnerID: 5, Object: "Alice", Timestamp: time.Unix(1, 0)}); err != nil {
		t.Fatalf("AppendSample: %v", err)
	}
	prov := &scriptProvider{authErr: tracking.ErrAuth}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Failure: FailureExponential, BackoffBase: 10 * time.Second, BackoffMax: time.Minute}
	p := New(store, prov, cfg, WithClock(func() time.Time { return t0 }))
	if err := p.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	p.tick(ctx, t0)
	p.tick(ctx, t0.Add(time.Second))
	if auths, _ := prov.counts(); auths != 1 {
		t.Fatalf("auths = %d, owner retried during backoff", auths)
	}
	p.tick(ctx, t0.Add(10*time.Second))
	if auths, _ := prov.counts(); auths != 2 {
		t.Fatalf("auths = %d, want retry after backoff", auths)
	}
	if e := entryOf(t, p, 5, "Alice"); !e.NextPoll.Equal(t0) {
		t.Fatalf("next poll moved: %v", e.NextPoll)
	}
	snap := p.Snapshot()
	if len(snap.Owners) != 1 || snap.Owners[0].Failures != 2 {
		t.Fatalf("owners = %+v", snap.Owners)
	}
}

func TestStartTwiceRunsOneLoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 1, "Alice")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{"Alice": {at(1, 1)}}}
	p := New(store, prov, Config{Tick: 5 * time.Millisecond})

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	p.Stop()
	p.Stop()

	if got := p.maxConcurrentLoops(); got != 1 {
		t.Fatalf("max loops = %d, want 1", got)
	}
	auths, fetches := prov.counts()
	// One seed authentication plus one due poll; afterwards the entry waits 190s.
	if auths != 2 || fetches != 2 {
		t.Fatalf("auths=%d fetches=%d, want 2/2 for a single loop", auths, fetches)
	}
	if p.Running() {
		t.Fatalf("still running after Stop")
	}
}

func TestConcurrentUpdatesNeverOverlap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 1, "Alice")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{"Alice": {at(1, 1)}}}
	p := New(store, prov, Config{Tick: time.Millisecond})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := p.Update(ctx); err != nil {
					t.Errorf("Update: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	p.Stop()

	if got := p.maxConcurrentLoops(); got != 1 {
		t.Fatalf("max loops = %d, want 1", got)
	}
}

func TestRemoveThenUpdateDropsEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 9, "Alice", "Bob")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{
		"Alice": {at(1, 1)},
		"Bob":   {at(2, 2)},
	}}
	p := New(store, prov, Config{Tick: time.Hour})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := store.RemoveTrackedObject(ctx, 9, "Alice"); err != nil {
		t.Fatalf("RemoveTrackedObject: %v", err)
	}
	if n := countSamples(t, store, 9, "Alice"); n != 0 {
		t.Fatalf("samples survived removal: %d", n)
	}
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update: %v", err)
	}
	for _, e := range p.Snapshot().Entries {
		if e.Object == "Alice" {
			t.Fatalf("entry for removed object still scheduled")
		}
	}
	if len(p.Snapshot().Entries) != 1 {
		t.Fatalf("entries = %+v", p.Snapshot().Entries)
	}
}

func TestOnlyRunningOwnersAreScheduled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 1, "Alice")
	runningOwner(t, store, 2, "Bob")
	if err := store.SetOwnerState(ctx, 2, tracking.StateWaitingObject); err != nil {
		t.Fatalf("SetOwnerState: %v", err)
	}
	p := New(store, &scriptProvider{authErr: errors.New("offline")}, Config{})
	if err := p.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	entries := p.Snapshot().Entries
	if len(entries) != 1 || entries[0].OwnerID != 1 || entries[0].Seeded {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestReconfigure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	runningOwner(t, store, 1, "Alice")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{"Alice": {at(1, 1)}}}
	p := New(store, prov, Config{Tick: time.Hour})

	// Not running: the config is stored for the next Start.
	if err := p.Reconfigure(ctx, Config{Tick: 5 * time.Millisecond, MinWriteDistance: 50, Failure: FailureExponential}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if p.Running() {
		t.Fatalf("Reconfigure started a stopped poller")
	}
	st := p.Snapshot()
	if st.Tick != 5*time.Millisecond || st.MinWriteDistance != 50 || st.FailurePolicy != FailureExponential {
		t.Fatalf("snapshot = %+v", st)
	}

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if err := p.Reconfigure(ctx, Config{Tick: 10 * time.Millisecond}); err != nil {
		t.Fatalf("Reconfigure running: %v", err)
	}
	st = p.Snapshot()
	if !st.Running || st.Tick != 10*time.Millisecond {
		t.Fatalf("after tick change: %+v", st)
	}
	if st.MinWriteDistance != DefaultMinWriteDistance || st.FailurePolicy != FailureNone {
		t.Fatalf("defaults not applied: %+v", st)
	}
	if len(st.Entries) != 1 || !st.Entries[0].Seeded {
		t.Fatalf("entries after restart = %+v", st.Entries)
	}
	if got := p.maxConcurrentLoops(); got != 1 {
		t.Fatalf("max loops = %d, want 1", got)
	}
}

// flakyStore fails ListRunningOwners while failing is set.
type flakyStore struct {
	*storage.Memory
	failing atomic.Bool
}

func (s *flakyStore) ListRunningOwners(ctx context.Context) ([]tracking.Owner, error) {
	if s.failing.Load() {
		return nil, errors.New("database is locked")
	}
	return s.Memory.ListRunningOwners(ctx)
}

func TestFailedUpdateKeepsPreviousSchedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &flakyStore{Memory: storage.NewMemory()}
	runningOwner(t, store, 1, "Alice")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{"Alice": {at(1, 1)}, "Bob": {at(2, 2)}}}
	p := New(store, prov, Config{Tick: time.Hour})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	store.failing.Store(true)
	if err := p.Update(ctx); err == nil {
		t.Fatalf("Update succeeded against a failing store")
	}
	st := p.Snapshot()
	if !st.Running || len(st.Entries) != 1 || st.Entries[0].Object != "Alice" {
		t.Fatalf("after failed update: %+v", st)
	}

	store.failing.Store(false)
	if err := store.AddTrackedObject(ctx, 1, "Bob"); err != nil {
		t.Fatalf("AddTrackedObject: %v", err)
	}
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update after recovery: %v", err)
	}
	if st := p.Snapshot(); !st.Running || len(st.Entries) != 2 {
		t.Fatalf("after recovery: %+v", st)
	}
	if got := p.maxConcurrentLoops(); got != 1 {
		t.Fatalf("max loops = %d, want 1", got)
	}
}

func TestFailedUpdateWhileStoppedStaysStopped(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Memory: storage.NewMemory()}
	store.failing.Store(true)
	p := New(store, &scriptProvider{}, Config{Tick: time.Hour})
	if err := p.Update(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if p.Running() {
		t.Fatalf("poller started without a schedule")
	}
}

func TestUpdateOutlivesCallerContext(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	runningOwner(t, store, 4, "Alice")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{"Alice": {at(1, 1)}}}
	p := New(store, prov, Config{Tick: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update with canceled ctx: %v", err)
	}
	defer p.Stop()
	if e := entryOf(t, p, 4, "Alice"); !e.Seeded {
		t.Fatalf("entry not seeded: %+v", e)
	}
	if n := countSamples(t, store, 4, "Alice"); n != 1 {
		t.Fatalf("seed samples = %d, want 1", n)
	}
}

// ctxRunner runs loops under a context the test can replace.
type ctxRunner struct {
	mu  sync.Mutex
	ctx context.Context
}

func (r *ctxRunner) set(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

func (r *ctxRunner) Go(_ string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	go func() { _ = fn(ctx) }()
}

func TestRunnerCancelClearsRunning(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	runningOwner(t, store, 1, "Alice")
	prov := &scriptProvider{readings: map[string][]tracking.Reading{"Alice": {at(1, 1)}}}
	runCtx, cancel := context.WithCancel(context.Background())
	runner := &ctxRunner{ctx: runCtx}
	p := New(store, prov, Config{Tick: time.Millisecond}, WithRunner(runner))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for p.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Running() {
		t.Fatalf("Running() still true after the runner context ended")
	}

	runner.set(context.Background())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer p.Stop()
	time.Sleep(20 * time.Millisecond)
	if !p.Running() {
		t.Fatalf("Start after cancellation did not launch a loop")
	}
}
