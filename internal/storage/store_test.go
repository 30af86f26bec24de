package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]tracking.Store {
	t.Helper()

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "loc.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]tracking.Store{"sqlite": sq, "memory": mem}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestOwnerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, err := st.GetOwner(ctx, 42); !errors.Is(err, tracking.ErrNotFound) {
				t.Fatalf("GetOwner on missing owner: err=%v, want ErrNotFound", err)
			}
			o, err := st.CreateOwner(ctx, 42)
			if err != nil {
				t.Fatalf("CreateOwner: %v", err)
			}
			if o.State != tracking.StateInitial {
				t.Fatalf("new owner state = %q, want initial", o.State)
			}
			// Second create keeps existing data.
			if err := st.SetOwnerEmail(ctx, 42, "a@example.com"); err != nil {
				t.Fatalf("SetOwnerEmail: %v", err)
			}
			if o, err = st.CreateOwner(ctx, 42); err != nil || o.Email != "a@example.com" {
				t.Fatalf("CreateOwner again: owner=%+v err=%v", o, err)
			}
			if err := st.SetOwnerCredential(ctx, 42, "cookie-blob"); err != nil {
				t.Fatalf("SetOwnerCredential: %v", err)
			}
			if err := st.SetOwnerState(ctx, 42, tracking.StateRunning); err != nil {
				t.Fatalf("SetOwnerState: %v", err)
			}
			if err := st.SetOwnerState(ctx, 7, tracking.StateRunning); !errors.Is(err, tracking.ErrNotFound) {
				t.Fatalf("SetOwnerState on missing owner: err=%v", err)
			}

			got, err := st.GetOwner(ctx, 42)
			if err != nil {
				t.Fatalf("GetOwner: %v", err)
			}
			want := tracking.Owner{ID: 42, Email: "a@example.com", Credential: "cookie-blob", State: tracking.StateRunning}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("GetOwner = %+v, want %+v", got, want)
			}
		})
	}
}

func TestTrackedObjectsAndRunningOwners(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			for _, id := range []int64{1, 2, 3} {
				if _, err := st.CreateOwner(ctx, id); err != nil {
					t.Fatalf("CreateOwner(%d): %v", id, err)
				}
			}
			if err := st.AddTrackedObject(ctx, 99, "x"); !errors.Is(err, tracking.ErrNotFound) {
				t.Fatalf("AddTrackedObject for missing owner: err=%v", err)
			}
			mustAdd := func(id int64, n string) {
				t.Helper()
				if err := st.AddTrackedObject(ctx, id, n); err != nil {
					t.Fatalf("AddTrackedObject(%d,%q): %v", id, n, err)
				}
			}
			mustAdd(1, "Bob")
			mustAdd(1, "Alice")
			mustAdd(1, "Alice") // idempotent
			mustAdd(2, "Carol")

			_ = st.SetOwnerState(ctx, 1, tracking.StateRunning)
			_ = st.SetOwnerState(ctx, 2, tracking.StateConfigured)
			_ = st.SetOwnerState(ctx, 3, tracking.StateRunning) // running but nothing tracked

			names, err := st.TrackedObjects(ctx, 1)
			if err != nil {
				t.Fatalf("TrackedObjects: %v", err)
			}
			if !reflect.DeepEqual(names, []string{"Alice", "Bob"}) {
				t.Fatalf("TrackedObjects = %v", names)
			}

			owners, err := st.ListRunningOwners(ctx)
			if err != nil {
				t.Fatalf("ListRunningOwners: %v", err)
			}
			if len(owners) != 1 || owners[0].ID != 1 || !reflect.DeepEqual(owners[0].Objects, []string{"Alice", "Bob"}) {
				t.Fatalf("ListRunningOwners = %+v", owners)
			}
		})
	}
}

func TestSamples(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, err := st.CreateOwner(ctx, 42); err != nil {
				t.Fatalf("CreateOwner: %v", err)
			}
			_ = st.AddTrackedObject(ctx, 42, "Alice")

			if _, ok, err := st.LastSample(ctx, 42, "Alice"); err != nil || ok {
				t.Fatalf("LastSample on empty: ok=%v err=%v", ok, err)
			}

			for i := 0; i < 3; i++ {
				s := tracking.Sample{
					OwnerID: 42, Object: "Alice",
					Latitude: float64(i), Longitude: 1,
					Timestamp: t0.Add(time.Duration(i) * time.Minute),
					Charging:  i%2 == 0, Battery: 50 + i, AccuracyM: 12.5,
					Address: "Main St",
				}
				if err := st.AppendSample(ctx, s); err != nil {
					t.Fatalf("AppendSample: %v", err)
				}
			}

			last, ok, err := st.LastSample(ctx, 42, "Alice")
			if err != nil || !ok {
				t.Fatalf("LastSample: ok=%v err=%v", ok, err)
			}
			if last.Latitude != 2 || !last.Timestamp.Equal(t0.Add(2*time.Minute)) || !last.Charging || last.Battery != 52 || last.Address != "Main St" {
				t.Fatalf("LastSample = %+v", last)
			}

			got, err := st.Samples(ctx, 42, "Alice", t0.Add(time.Minute), time.Time{})
			if err != nil {
				t.Fatalf("Samples: %v", err)
			}
			if len(got) != 2 || got[0].Latitude != 1 || got[1].Latitude != 2 {
				t.Fatalf("Samples(from=t0+1m) = %+v", got)
			}
			got, _ = st.Samples(ctx, 42, "Alice", t0, t0.Add(time.Minute))
			if len(got) != 1 || got[0].Latitude != 0 {
				t.Fatalf("Samples(t0, t0+1m) = %+v", got)
			}

			n, err := st.PruneSamples(ctx, t0.Add(time.Minute))
			if err != nil || n != 1 {
				t.Fatalf("PruneSamples = %d, %v; want 1", n, err)
			}
			got, _ = st.Samples(ctx, 42, "Alice", time.Time{}, time.Time{})
			if len(got) != 2 {
				t.Fatalf("after prune: %d samples, want 2", len(got))
			}
		})
	}
}

func TestRemoveTrackedObjectCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			_, _ = st.CreateOwner(ctx, 42)
			_ = st.AddTrackedObject(ctx, 42, "Alice")
			_ = st.AddTrackedObject(ctx, 42, "Bob")
			for _, obj := range []string{"Alice", "Bob"} {
				if err := st.AppendSample(ctx, tracking.Sample{OwnerID: 42, Object: obj, Timestamp: time.Now()}); err != nil {
					t.Fatalf("AppendSample: %v", err)
				}
			}

			if err := st.RemoveTrackedObject(ctx, 42, "Alice"); err != nil {
				t.Fatalf("RemoveTrackedObject: %v", err)
			}
			if err := st.RemoveTrackedObject(ctx, 42, "Alice"); !errors.Is(err, tracking.ErrNotFound) {
				t.Fatalf("second remove: err=%v, want ErrNotFound", err)
			}
			if _, ok, _ := st.LastSample(ctx, 42, "Alice"); ok {
				t.Fatalf("samples of removed object survived")
			}
			if _, ok, _ := st.LastSample(ctx, 42, "Bob"); !ok {
				t.Fatalf("sibling samples were deleted")
			}
			names, _ := st.TrackedObjects(ctx, 42)
			if !reflect.DeepEqual(names, []string{"Bob"}) {
				t.Fatalf("TrackedObjects = %v", names)
			}
		})
	}
}
