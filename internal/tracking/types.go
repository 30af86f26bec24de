package tracking

import (
	"context"
	"time"
)

// State is an owner's registration state.
type State string

const (
	StateInitial        State = "initial"
	StateWaitingEmail   State = "waiting_email"
	StateWaitingCookies State = "waiting_cookies"
	StateWaitingObject  State = "waiting_object"
	StateConfigured     State = "configured"
	StateRunning        State = "running"
	StateErrored        State = "errored"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateInitial, StateWaitingEmail, StateWaitingCookies, StateWaitingObject,
		StateConfigured, StateRunning, StateErrored:
		return true
	}
	return false
}

// Owner is a registered user and the objects they track.
//
// Credential holds the provider credential blob (a Netscape cookies.txt export).
// It is never logged.
type Owner struct {
	ID         int64
	Email      string
	Credential string
	State      State
	Objects    []string
}

// Tracks reports whether name is in the owner's tracked set.
func (o Owner) Tracks(name string) bool {
	for _, n := range o.Objects {
		if n == name {
			return true
		}
	}
	return false
}

// Sample is one persisted location observation. Samples are append-only.
type Sample struct {
	OwnerID   int64     `json:"owner_id"`
	Object    string    `json:"object"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Charging  bool      `json:"charging"`
	Battery   int       `json:"battery"`
	AccuracyM float64   `json:"accuracy_m"`
	Address   string    `json:"address,omitempty"`
	FullName  string    `json:"full_name,omitempty"`
}

// Point returns the sample's coordinates.
func (s Sample) Point() Point { return Point{Lat: s.Latitude, Lon: s.Longitude} }

// Reading is the provider's current view of one shared object.
type Reading struct {
	Name      string
	FullName  string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
	Charging  bool
	Battery   int
	AccuracyM float64
	Address   string
}

// Point returns the reading's coordinates.
func (r Reading) Point() Point { return Point{Lat: r.Latitude, Lon: r.Longitude} }

// Sample converts the reading into a sample owned by ownerID.
func (r Reading) Sample(ownerID int64, object string) Sample {
	return Sample{
		OwnerID:   ownerID,
		Object:    object,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Timestamp: r.Timestamp,
		Charging:  r.Charging,
		Battery:   r.Battery,
		AccuracyM: r.AccuracyM,
		Address:   r.Address,
		FullName:  r.FullName,
	}
}

// ObjectInfo describes an object the provider is able to share.
type ObjectInfo struct {
	Name     string
	FullName string
	ID       string
}

// Credentials are what the provider needs to open a session.
type Credentials struct {
	Email string
	Blob  string
}

// Session is an authenticated provider handle. Its contents are provider specific.
type Session interface {
	Account() string
}

// Provider is the external location source.
//
// Authenticate fails with ErrAuth. ListObjects and FetchObject fail with
// ErrNotFound or ErrNetwork (or ErrAuth when the session was rejected).
type Provider interface {
	Authenticate(ctx context.Context, creds Credentials) (Session, error)
	ListObjects(ctx context.Context, s Session) ([]ObjectInfo, error)
	FetchObject(ctx context.Context, s Session, name string) (Reading, error)
}

// Store is the persistence gateway for owners, tracked objects and samples.
//
// Every method is a single atomic storage operation. RemoveTrackedObject
// deletes the object's samples in the same transaction.
type Store interface {
	GetOwner(ctx context.Context, id int64) (Owner, error)
	CreateOwner(ctx context.Context, id int64) (Owner, error)
	ListRunningOwners(ctx context.Context) ([]Owner, error)

	SetOwnerState(ctx context.Context, id int64, st State) error
	SetOwnerEmail(ctx context.Context, id int64, email string) error
	SetOwnerCredential(ctx context.Context, id int64, blob string) error

	TrackedObjects(ctx context.Context, id int64) ([]string, error)
	AddTrackedObject(ctx context.Context, id int64, name string) error
	RemoveTrackedObject(ctx context.Context, id int64, name string) error

	LastSample(ctx context.Context, id int64, name string) (Sample, bool, error)
	AppendSample(ctx context.Context, s Sample) error
	Samples(ctx context.Context, id int64, name string, from, to time.Time) ([]Sample, error)
	PruneSamples(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Reloader resynchronizes the poller with persisted state.
type Reloader interface {
	Update(ctx context.Context) error
}
