package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"locatorbot/internal/tracking"
)

// Memory is an in-process Store. One mutex guards everything, which gives
// each call the same all-or-nothing visibility as a sqlite transaction.
type Memory struct {
	mu      sync.Mutex
	closed  bool
	owners  map[int64]*tracking.Owner
	samples map[sampleKey][]tracking.Sample
}

type sampleKey struct {
	owner  int64
	object string
}

func NewMemory() *Memory {
	return &Memory{
		owners:  map[int64]*tracking.Owner{},
		samples: map[sampleKey][]tracking.Sample{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) ownerLocked(id int64) (*tracking.Owner, error) {
	if m.closed {
		return nil, ErrClosed
	}
	o, ok := m.owners[id]
	if !ok {
		return nil, fmt.Errorf("owner %d: %w", id, tracking.ErrNotFound)
	}
	return o, nil
}

func cloneOwner(o *tracking.Owner) tracking.Owner {
	cp := *o
	cp.Objects = append([]string(nil), o.Objects...)
	sort.Strings(cp.Objects)
	return cp
}

func (m *Memory) GetOwner(_ context.Context, id int64) (tracking.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.ownerLocked(id)
	if err != nil {
		return tracking.Owner{}, err
	}
	return cloneOwner(o), nil
}

func (m *Memory) CreateOwner(_ context.Context, id int64) (tracking.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tracking.Owner{}, ErrClosed
	}
	o, ok := m.owners[id]
	if !ok {
		o = &tracking.Owner{ID: id, State: tracking.StateInitial}
		m.owners[id] = o
	}
	return cloneOwner(o), nil
}

func (m *Memory) ListRunningOwners(_ context.Context) ([]tracking.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []tracking.Owner
	for _, o := range m.owners {
		if o.State == tracking.StateRunning && len(o.Objects) > 0 {
			out = append(out, cloneOwner(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetOwnerState(_ context.Context, id int64, st tracking.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.ownerLocked(id)
	if err != nil {
		return err
	}
	o.State = st
	return nil
}

func (m *Memory) SetOwnerEmail(_ context.Context, id int64, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.ownerLocked(id)
	if err != nil {
		return err
	}
	o.Email = email
	return nil
}

func (m *Memory) SetOwnerCredential(_ context.Context, id int64, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.ownerLocked(id)
	if err != nil {
		return err
	}
	o.Credential = blob
	return nil
}

func (m *Memory) TrackedObjects(_ context.Context, id int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	o, ok := m.owners[id]
	if !ok {
		return nil, nil
	}
	return cloneOwner(o).Objects, nil
}

func (m *Memory) AddTrackedObject(_ context.Context, id int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.ownerLocked(id)
	if err != nil {
		return err
	}
	if !o.Tracks(name) {
		o.Objects = append(o.Objects, name)
	}
	return nil
}

func (m *Memory) RemoveTrackedObject(_ context.Context, id int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.ownerLocked(id)
	if err != nil {
		return err
	}
	idx := -1
	for i, n := range o.Objects {
		if n == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("object %q of owner %d: %w", name, id, tracking.ErrNotFound)
	}
	o.Objects = append(o.Objects[:idx], o.Objects[idx+1:]...)
	delete(m.samples, sampleKey{owner: id, object: name})
	return nil
}

func (m *Memory) LastSample(_ context.Context, id int64, name string) (tracking.Sample, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tracking.Sample{}, false, ErrClosed
	}
	list := m.samples[sampleKey{owner: id, object: name}]
	if len(list) == 0 {
		return tracking.Sample{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (m *Memory) AppendSample(_ context.Context, s tracking.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	k := sampleKey{owner: s.OwnerID, object: s.Object}
	list := append(m.samples[k], s)
	// Keep per-object order by timestamp even if a provider reports out of order.
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	m.samples[k] = list
	return nil
}

func (m *Memory) Samples(_ context.Context, id int64, name string, from, to time.Time) ([]tracking.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []tracking.Sample
	for _, s := range m.samples[sampleKey{owner: id, object: name}] {
		if s.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !s.Timestamp.Before(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) PruneSamples(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	for k, list := range m.samples {
		keep := list[:0]
		for _, s := range list {
			if s.Timestamp.Before(before) {
				n++
				continue
			}
			keep = append(keep, s)
		}
		if len(keep) == 0 {
			delete(m.samples, k)
		} else {
			m.samples[k] = keep
		}
	}
	return n, nil
}

var _ tracking.Store = (*Memory)(nil)
