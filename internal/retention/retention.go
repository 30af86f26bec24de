// Package retention prunes old location samples on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

const DefaultSchedule = "@daily"

type Config struct {
	Enabled  bool
	Schedule string
	// MaxAge is how long samples are kept. Must be positive when enabled.
	MaxAge   time.Duration
	Timezone string
}

type pruner interface {
	PruneSamples(ctx context.Context, before time.Time) (int64, error)
}

// Pruner deletes samples older than MaxAge each time the schedule fires.
type Pruner struct {
	store  pruner
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	lastRun time.Time
	lastN   int64
	lastErr error
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(store tracking.Store, log logx.Logger) *Pruner {
	return newPruner(store, log)
}

func newPruner(store pruner, log logx.Logger) *Pruner {
	return &Pruner{
		store:  store,
		log:    log.With(logx.String("comp", "retention")),
		parser: specParser,
		now:    time.Now,
	}
}

// Validate checks cfg without applying it.
func (p *Pruner) Validate(cfg Config) error { return Validate(cfg) }

// Validate checks cfg against the schedule syntax the Pruner accepts.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.MaxAge <= 0 {
		return errors.New("retention: max_age must be > 0")
	}
	if _, err := specParser.Parse(schedule(cfg)); err != nil {
		return fmt.Errorf("retention: invalid schedule %q: %w", cfg.Schedule, err)
	}
	if _, err := location(cfg.Timezone); err != nil {
		return err
	}
	return nil
}

// Apply replaces the running schedule with cfg. A disabled cfg stops pruning.
func (p *Pruner) Apply(ctx context.Context, cfg Config) error {
	if err := p.Validate(cfg); err != nil {
		return err
	}
	var c *cron.Cron
	if cfg.Enabled {
		loc, _ := location(cfg.Timezone)
		c = cron.New(cron.WithParser(p.parser), cron.WithLocation(loc))
		base := context.WithoutCancel(ctx)
		if _, err := c.AddFunc(schedule(cfg), func() {
			if _, err := p.RunOnce(base); err != nil {
				p.log.Warn("prune failed", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
	}

	p.mu.Lock()
	old := p.c
	p.cfg, p.c = cfg, c
	p.mu.Unlock()

	// The old job may be inside RunOnce, which takes mu.
	waitStopped(ctx, old)
	if c != nil {
		c.Start()
		p.log.Info("retention scheduled", logx.String("schedule", schedule(cfg)), logx.Duration("max_age", cfg.MaxAge))
	}
	return nil
}

// Stop halts the schedule and waits for a running prune, bounded by ctx.
func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	waitStopped(ctx, c)
}

func waitStopped(ctx context.Context, c *cron.Cron) {
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes immediately with the current MaxAge.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	p.mu.Lock()
	maxAge := p.cfg.MaxAge
	p.mu.Unlock()
	if maxAge <= 0 {
		return 0, errors.New("retention: max_age not configured")
	}

	now := p.now()
	n, err := p.store.PruneSamples(ctx, now.Add(-maxAge))

	p.mu.Lock()
	p.lastRun, p.lastN, p.lastErr = now, n, err
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Info("pruned samples", logx.Int64("deleted", n), logx.Time("before", now.Add(-maxAge)))
	}
	return n, nil
}

type Status struct {
	Enabled  bool      `json:"enabled"`
	Schedule string    `json:"schedule,omitempty"`
	NextRun  time.Time `json:"next_run,omitzero"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastN    int64     `json:"last_deleted"`
	LastErr  string    `json:"last_error,omitempty"`
}

func (p *Pruner) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Enabled: p.cfg.Enabled, LastRun: p.lastRun, LastN: p.lastN}
	if p.cfg.Enabled {
		st.Schedule = schedule(p.cfg)
	}
	if p.lastErr != nil {
		st.LastErr = p.lastErr.Error()
	}
	if p.c != nil {
		if es := p.c.Entries(); len(es) > 0 {
			st.NextRun = es[0].Next
		}
	}
	return st
}

func schedule(cfg Config) string {
	if s := strings.TrimSpace(cfg.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

func location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("retention: invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
