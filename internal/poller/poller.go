package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"locatorbot/internal/eventbus"
	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

// Runner launches a named goroutine. *supervisor.Supervisor satisfies it.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Observer receives poll outcomes, typically for metrics.
type Observer interface {
	FetchResult(result string)
	SampleWritten()
	TickDone(took time.Duration, due int)
	Entries(n int)
}

// Fetch results reported to the Observer.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultAuth     = "auth_error"
	ResultNetwork  = "network_error"
	ResultStorage  = "storage_error"
)

// PollFailure is the payload of eventbus.PollFailed.
type PollFailure struct {
	OwnerID int64  `json:"owner_id"`
	Object  string `json:"object,omitempty"`
	Result  string `json:"result"`
	Error   string `json:"error"`
}

type entryKey struct {
	owner  int64
	object string
}

// entry is the in-memory schedule of one (owner, object) pair.
type entry struct {
	last      tracking.Point
	hasLast   bool
	nextPoll  time.Time
	lastFetch time.Time
}

type ownerState struct {
	creds    tracking.Credentials
	failures int
	retryAt  time.Time
}

// reloadTimeout bounds one reload, seeding included.
const reloadTimeout = 2 * time.Minute

type Option func(*Poller)

func WithLogger(log logx.Logger) Option { return func(p *Poller) { p.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(p *Poller) { p.bus = b } }
func WithObserver(o Observer) Option    { return func(p *Poller) { p.obs = o } }
func WithRunner(r Runner) Option        { return func(p *Poller) { p.runner = r } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

// Poller re-fetches every tracked object of every running owner on a cadence
// adapted to how far the object moved since its previous poll.
//
// Start, Stop, Update and Reconfigure are serialized by one lifecycle mutex,
// so at most one loop goroutine exists at any time.
type Poller struct {
	store    tracking.Store
	provider tracking.Provider
	bus      eventbus.Bus
	obs      Observer
	runner   Runner
	log      logx.Logger
	now      func() time.Time

	life    sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	active  atomic.Bool

	mu      sync.Mutex
	cfg     Config
	entries map[entryKey]*entry
	owners  map[int64]*ownerState

	loops    atomic.Int32
	maxLoops atomic.Int32
}

func New(store tracking.Store, provider tracking.Provider, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		store:    store,
		provider: provider,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		entries:  map[entryKey]*entry{},
		owners:   map[int64]*ownerState{},
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(logx.String("comp", "poller"))
	return p
}

// Start loads every running owner and launches the loop. It is a no-op when
// the poller is already running.
func (p *Poller) Start(ctx context.Context) error {
	p.life.Lock()
	defer p.life.Unlock()
	return p.startLocked(ctx)
}

// Stop signals the loop and waits for the in-flight tick to finish. It is a
// no-op when the poller is not running.
func (p *Poller) Stop() {
	p.life.Lock()
	defer p.life.Unlock()
	p.stopLocked()
}

// Update restarts the poller against freshly loaded state. The reload runs
// detached from ctx's cancellation, bounded by reloadTimeout. When it fails,
// the previous schedule keeps running and the error is returned.
func (p *Poller) Update(ctx context.Context) error {
	p.life.Lock()
	defer p.life.Unlock()
	return p.restartLocked(ctx)
}

// Reconfigure applies cfg. A running loop is restarted when the tick changes;
// the other settings apply from the next tick.
func (p *Poller) Reconfigure(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	p.life.Lock()
	defer p.life.Unlock()

	p.mu.Lock()
	tickChanged := p.cfg.Tick != cfg.Tick
	p.cfg = cfg
	p.mu.Unlock()

	if !p.running || !tickChanged {
		return nil
	}
	return p.restartLocked(ctx)
}

// Running reports whether a loop is currently scheduled.
func (p *Poller) Running() bool { return p.active.Load() }

func (p *Poller) startLocked(ctx context.Context) error {
	if p.running {
		if !p.exited() {
			return nil
		}
		p.haltLocked()
	}
	if err := p.reload(ctx); err != nil {
		return err
	}
	p.launchLocked()
	return nil
}

func (p *Poller) restartLocked(ctx context.Context) error {
	wasRunning := p.running
	p.haltLocked()
	if err := p.reload(ctx); err != nil {
		if wasRunning {
			p.log.Warn("reload failed, keeping previous schedule", logx.Err(err))
			p.launchLocked()
		}
		return err
	}
	p.launchLocked()
	return nil
}

// launchLocked starts a loop over the entries already in memory.
func (p *Poller) launchLocked() {
	p.mu.Lock()
	tick := p.cfg.Tick
	p.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	p.stopCh, p.doneCh = stop, done
	p.running = true
	p.active.Store(true)

	run := func(ctx context.Context) error {
		p.loop(ctx, tick, stop, done)
		return nil
	}
	if p.runner != nil {
		p.runner.Go("poller.loop", run)
	} else {
		go func() { _ = run(context.Background()) }()
	}
	p.log.Info("poller started", logx.Int("entries", p.entryCount()), logx.Duration("tick", tick))
}

// haltLocked stops the loop but keeps the schedule.
func (p *Poller) haltLocked() {
	if !p.running {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.running = false
	p.active.Store(false)
}

// exited reports whether the loop returned on its own, which happens when
// the runner's context is canceled.
func (p *Poller) exited() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}

func (p *Poller) stopLocked() {
	if !p.running {
		return
	}
	p.haltLocked()

	p.mu.Lock()
	p.entries = map[entryKey]*entry{}
	p.owners = map[int64]*ownerState{}
	p.mu.Unlock()
	p.observeEntries()
	p.log.Info("poller stopped")
}

func (p *Poller) loop(ctx context.Context, tick time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	n := p.loops.Add(1)
	defer p.loops.Add(-1)
	for {
		m := p.maxLoops.Load()
		if n <= m || p.maxLoops.CompareAndSwap(m, n) {
			break
		}
	}

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		// A tick always runs to completion; Stop only takes effect between ticks.
		p.tick(context.WithoutCancel(ctx), p.now())
		select {
		case <-stop:
			return
		case <-ctx.Done():
			p.active.Store(false)
			p.log.Info("poller loop canceled")
			return
		case <-t.C:
		}
	}
}

// reload rebuilds the schedule from the store. Every entry is due now. The
// in-memory schedule is only replaced once every owner has loaded.
func (p *Poller) reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadTimeout)
	defer cancel()

	owners, err := p.store.ListRunningOwners(ctx)
	if err != nil {
		return fmt.Errorf("poller: list running owners: %w", err)
	}
	now := p.now()
	entries := map[entryKey]*entry{}
	states := map[int64]*ownerState{}
	for _, o := range owners {
		if len(o.Objects) == 0 {
			continue
		}
		states[o.ID] = &ownerState{creds: tracking.Credentials{Email: o.Email, Blob: o.Credential}}
		var unseeded []string
		for _, name := range o.Objects {
			e := &entry{nextPoll: now}
			s, ok, err := p.store.LastSample(ctx, o.ID, name)
			if err != nil {
				return fmt.Errorf("poller: last sample of %d/%s: %w", o.ID, name, err)
			}
			if ok {
				e.last, e.hasLast = s.Point(), true
			} else {
				unseeded = append(unseeded, name)
			}
			entries[entryKey{owner: o.ID, object: name}] = e
		}
		if len(unseeded) > 0 {
			p.seed(ctx, o.ID, states[o.ID].creds, unseeded, entries)
		}
	}

	p.mu.Lock()
	p.entries = entries
	p.owners = states
	p.mu.Unlock()
	p.observeEntries()
	return nil
}

// seed stores the provider's current reading as the first sample of objects
// that have none. Failures leave the entry unseeded; its first successful
// poll seeds it instead.
func (p *Poller) seed(ctx context.Context, ownerID int64, creds tracking.Credentials, names []string, entries map[entryKey]*entry) {
	sess, err := p.provider.Authenticate(ctx, creds)
	if err != nil {
		p.log.Warn("seed authenticate failed", logx.Owner(ownerID), logx.Err(err))
		return
	}
	for _, name := range names {
		r, err := p.provider.FetchObject(ctx, sess, name)
		if err != nil {
			p.log.Warn("seed fetch failed", logx.Owner(ownerID), logx.Object(name), logx.Err(err))
			continue
		}
		s := p.sampleOf(r, ownerID, name)
		if err := p.store.AppendSample(ctx, s); err != nil {
			p.log.Error("seed sample write failed", logx.Owner(ownerID), logx.Object(name), logx.Err(err))
			continue
		}
		e := entries[entryKey{owner: ownerID, object: name}]
		e.last, e.hasLast = r.Point(), true
		p.published(s, "")
	}
}

type dueEntry struct {
	key entryKey
	e   entry
}

// tick polls every due entry, one goroutine per owner, and returns once all
// owners are done.
func (p *Poller) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	tickID := uuid.NewString()

	p.mu.Lock()
	cfg := p.cfg
	byOwner := map[int64][]dueEntry{}
	creds := map[int64]tracking.Credentials{}
	due := 0
	for k, e := range p.entries {
		if e.nextPoll.After(now) {
			continue
		}
		ow := p.owners[k.owner]
		if ow == nil {
			continue
		}
		if ow.retryAt.After(now) {
			continue
		}
		byOwner[k.owner] = append(byOwner[k.owner], dueEntry{key: k, e: *e})
		creds[k.owner] = ow.creds
		due++
	}
	p.mu.Unlock()

	if due == 0 {
		return
	}

	var wg sync.WaitGroup
	for id, list := range byOwner {
		sort.Slice(list, func(i, j int) bool { return list[i].key.object < list[j].key.object })
		wg.Add(1)
		go func(id int64, list []dueEntry) {
			defer wg.Done()
			p.pollOwner(ctx, tickID, now, cfg, id, creds[id], list)
		}(id, list)
	}
	wg.Wait()

	if p.obs != nil {
		p.obs.TickDone(time.Since(start), due)
	}
}

func (p *Poller) pollOwner(ctx context.Context, tickID string, now time.Time, cfg Config, ownerID int64, creds tracking.Credentials, list []dueEntry) {
	log := p.log.With(logx.Owner(ownerID), logx.TickID(tickID))

	sess, err := p.provider.Authenticate(ctx, creds)
	if err != nil {
		p.ownerFailed(now, cfg, ownerID, "", tickID, err)
		return
	}

	for _, d := range list {
		r, err := p.provider.FetchObject(ctx, sess, d.key.object)
		if errors.Is(err, tracking.ErrNotFound) {
			log.Warn("object not shared", logx.Object(d.key.object))
			p.result(ResultNotFound)
			continue
		}
		if err != nil {
			p.ownerFailed(now, cfg, ownerID, d.key.object, tickID, err)
			return
		}

		next := d.e
		dist := 0.0
		write := !next.hasLast
		if next.hasLast {
			dist = tracking.Distance(next.last, r.Point())
			write = dist > cfg.MinWriteDistance
		}
		if write {
			s := p.sampleOf(r, ownerID, d.key.object)
			if err := p.store.AppendSample(ctx, s); err != nil {
				// The entry stays due so the sample is retried next tick.
				log.Error("sample write failed", logx.Object(d.key.object), logx.Err(err))
				p.result(ResultStorage)
				p.publishFailure(tickID, ownerID, d.key.object, ResultStorage, err)
				continue
			}
			if p.obs != nil {
				p.obs.SampleWritten()
			}
			p.published(s, tickID)
		}

		interval := Interval(dist)
		next.last, next.hasLast = r.Point(), true
		next.nextPoll = now.Add(interval)
		next.lastFetch = now
		p.mu.Lock()
		if e, ok := p.entries[d.key]; ok {
			*e = next
		}
		p.mu.Unlock()
		p.result(ResultOK)
		log.Debug("object polled",
			logx.Object(d.key.object),
			logx.Float64("distance_m", dist),
			logx.Bool("written", write),
			logx.Duration("next_in", interval),
		)
	}

	p.mu.Lock()
	if ow := p.owners[ownerID]; ow != nil {
		ow.failures = 0
		ow.retryAt = time.Time{}
	}
	p.mu.Unlock()
}

// ownerFailed leaves the owner's entries untouched so they stay due.
func (p *Poller) ownerFailed(now time.Time, cfg Config, ownerID int64, object, tickID string, err error) {
	res := ResultNetwork
	if errors.Is(err, tracking.ErrAuth) {
		res = ResultAuth
	}

	var wait time.Duration
	p.mu.Lock()
	if ow := p.owners[ownerID]; ow != nil {
		ow.failures++
		wait = cfg.backoff(ow.failures)
		if wait > 0 {
			ow.retryAt = now.Add(wait)
		}
	}
	p.mu.Unlock()

	p.log.Warn("poll failed",
		logx.Owner(ownerID),
		logx.Object(object),
		logx.String("result", res),
		logx.TickID(tickID),
		logx.Duration("backoff", wait),
		logx.Err(err),
	)
	p.result(res)
	p.publishFailure(tickID, ownerID, object, res, err)
}

func (p *Poller) sampleOf(r tracking.Reading, ownerID int64, object string) tracking.Sample {
	s := r.Sample(ownerID, object)
	if s.Timestamp.IsZero() {
		s.Timestamp = p.now()
	}
	return s
}

func (p *Poller) result(r string) {
	if p.obs != nil {
		p.obs.FetchResult(r)
	}
}

func (p *Poller) published(s tracking.Sample, tickID string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.SampleWritten, TickID: tickID, Data: s})
}

func (p *Poller) publishFailure(tickID string, ownerID int64, object, res string, err error) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{
		Type:   eventbus.PollFailed,
		TickID: tickID,
		Data:   PollFailure{OwnerID: ownerID, Object: object, Result: res, Error: err.Error()},
	})
}

func (p *Poller) entryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Poller) observeEntries() {
	if p.obs != nil {
		p.obs.Entries(p.entryCount())
	}
}
