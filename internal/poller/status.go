package poller

import (
	"sort"
	"time"
)

type EntryStatus struct {
	OwnerID   int64     `json:"owner_id"`
	Object    string    `json:"object"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Seeded    bool      `json:"seeded"`
	NextPoll  time.Time `json:"next_poll"`
	LastFetch time.Time `json:"last_fetch,omitzero"`
}

type OwnerStatus struct {
	OwnerID  int64     `json:"owner_id"`
	Failures int       `json:"failures"`
	RetryAt  time.Time `json:"retry_at,omitzero"`
}

type Status struct {
	Running          bool          `json:"running"`
	Tick             time.Duration `json:"tick"`
	MinWriteDistance float64       `json:"min_write_distance_m"`
	FailurePolicy    FailurePolicy `json:"failure_policy"`
	Entries          []EntryStatus `json:"entries"`
	Owners           []OwnerStatus `json:"owners"`
}

// Snapshot returns the current schedule ordered by owner and object.
func (p *Poller) Snapshot() Status {
	st := Status{Running: p.Running()}

	p.mu.Lock()
	st.Tick = p.cfg.Tick
	st.MinWriteDistance = p.cfg.MinWriteDistance
	st.FailurePolicy = p.cfg.Failure
	st.Entries = make([]EntryStatus, 0, len(p.entries))
	for k, e := range p.entries {
		st.Entries = append(st.Entries, EntryStatus{
			OwnerID:   k.owner,
			Object:    k.object,
			Latitude:  e.last.Lat,
			Longitude: e.last.Lon,
			Seeded:    e.hasLast,
			NextPoll:  e.nextPoll,
			LastFetch: e.lastFetch,
		})
	}
	st.Owners = make([]OwnerStatus, 0, len(p.owners))
	for id, o := range p.owners {
		st.Owners = append(st.Owners, OwnerStatus{OwnerID: id, Failures: o.failures, RetryAt: o.retryAt})
	}
	p.mu.Unlock()

	sort.Slice(st.Entries, func(i, j int) bool {
		a, b := st.Entries[i], st.Entries[j]
		if a.OwnerID != b.OwnerID {
			return a.OwnerID < b.OwnerID
		}
		return a.Object < b.Object
	})
	sort.Slice(st.Owners, func(i, j int) bool { return st.Owners[i].OwnerID < st.Owners[j].OwnerID })
	return st
}

// maxConcurrentLoops is the highest number of loop goroutines ever observed
// running at once.
func (p *Poller) maxConcurrentLoops() int { return int(p.maxLoops.Load()) }
