package registration

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

// Deps are the collaborators a Machine calls into.
type Deps struct {
	Store    tracking.Store
	Provider tracking.Provider
	Reloader tracking.Reloader
	Log      logx.Logger
}

// Machine walks one owner through registration. It is not safe for
// concurrent use; callers serialize per owner.
type Machine struct {
	owner tracking.Owner
	deps  Deps
	log   logx.Logger
}

// Result is what Run reports back to the front-end.
type Result struct {
	Message    string
	Candidates []string
	State      tracking.State
}

// New builds a machine from an already loaded owner record.
func New(owner tracking.Owner, deps Deps) *Machine {
	if !owner.State.Valid() {
		owner.State = tracking.StateInitial
	}
	return &Machine{
		owner: owner,
		deps:  deps,
		log:   deps.Log.With(logx.String("comp", "registration"), logx.Owner(owner.ID)),
	}
}

// Load reads the owner from the store, creating it on first contact.
func Load(ctx context.Context, ownerID int64, deps Deps) (*Machine, error) {
	o, err := deps.Store.GetOwner(ctx, ownerID)
	if errors.Is(err, tracking.ErrNotFound) {
		o, err = deps.Store.CreateOwner(ctx, ownerID)
	}
	if err != nil {
		deps.Log.Error("load owner failed", logx.Owner(ownerID), logx.Err(err))
		return nil, fmt.Errorf("%w: load owner: %v", tracking.ErrStorage, err)
	}
	return New(o, deps), nil
}

func (m *Machine) State() tracking.State { return m.owner.State }

// Owner returns a copy of the owner record as the machine sees it.
func (m *Machine) Owner() tracking.Owner {
	o := m.owner
	o.Objects = append([]string(nil), m.owner.Objects...)
	return o
}

// Transition fires ev. The new state is persisted before it becomes visible
// in memory. An undefined event changes nothing and returns a
// *tracking.TransitionError.
func (m *Machine) Transition(ctx context.Context, ev Event) (string, error) {
	from := m.owner.State
	to, ok := Next(from, ev)
	if !ok {
		return Message(from), &tracking.TransitionError{From: from, Event: string(ev)}
	}
	if err := m.deps.Store.SetOwnerState(ctx, m.owner.ID, to); err != nil {
		return Message(from), m.storageErr("set state", err)
	}
	m.owner.State = to
	m.log.Info("registration transition",
		logx.String("event", string(ev)),
		logx.String("from", string(from)),
		logx.String("to", string(to)),
	)
	return Message(to), nil
}

// SubmitEmail stores the account email and fires got_email.
func (m *Machine) SubmitEmail(ctx context.Context, email string) (string, error) {
	if err := m.expect(tracking.StateWaitingEmail, EventGotEmail); err != nil {
		return Message(m.owner.State), err
	}
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return Message(m.owner.State), fmt.Errorf("%w: %q is not an email address", tracking.ErrInvalidInput, email)
	}
	if err := m.deps.Store.SetOwnerEmail(ctx, m.owner.ID, email); err != nil {
		return Message(m.owner.State), m.storageErr("set email", err)
	}
	m.owner.Email = email
	m.log.Info("account email set", logx.Email(email))
	return m.Transition(ctx, EventGotEmail)
}

// SubmitCookies stores the credential and probes the provider with it. On
// success it fires got_cookies and returns the names the account shares.
// Any probe failure fires error.
func (m *Machine) SubmitCookies(ctx context.Context, blob string) ([]string, string, error) {
	if err := m.expect(tracking.StateWaitingCookies, EventGotCookie); err != nil {
		return nil, Message(m.owner.State), err
	}
	if strings.TrimSpace(blob) == "" {
		return nil, Message(m.owner.State), fmt.Errorf("%w: empty credential", tracking.ErrInvalidInput)
	}
	if err := m.deps.Store.SetOwnerCredential(ctx, m.owner.ID, blob); err != nil {
		return nil, Message(m.owner.State), m.storageErr("set credential", err)
	}
	m.owner.Credential = blob
	m.log.Debug("credential stored", logx.Secret("credential", blob))

	names, err := m.discover(ctx)
	if err != nil {
		m.log.Warn("credential probe failed", logx.Err(err))
		msg, terr := m.Transition(ctx, EventError)
		if terr != nil {
			return nil, msg, terr
		}
		return nil, msg, err
	}
	msg, err := m.Transition(ctx, EventGotCookie)
	if err != nil {
		return nil, msg, err
	}
	return names, msg, nil
}

// SubmitObjectName adds name to the tracked set and fires got_object.
func (m *Machine) SubmitObjectName(ctx context.Context, name string) (string, error) {
	if err := m.expect(tracking.StateWaitingObject, EventGotObject); err != nil {
		return Message(m.owner.State), err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Message(m.owner.State), fmt.Errorf("%w: empty object name", tracking.ErrInvalidInput)
	}
	if err := m.deps.Store.AddTrackedObject(ctx, m.owner.ID, name); err != nil {
		return Message(m.owner.State), m.storageErr("add tracked object", err)
	}
	if !m.owner.Tracks(name) {
		m.owner.Objects = append(m.owner.Objects, name)
	}
	return m.Transition(ctx, EventGotObject)
}

// Activate fires run and then reloads the poller so it picks up this owner.
// A reload failure is returned wrapped in ErrStorage; the owner stays running.
func (m *Machine) Activate(ctx context.Context) (string, error) {
	msg, err := m.Transition(ctx, EventRun)
	if err != nil {
		return msg, err
	}
	if err := m.reload(ctx); err != nil {
		return msg, err
	}
	return msg, nil
}

// RequestAddObject returns the shared names not yet tracked and fires
// add_object. The poller is reloaded so it stops polling this owner until
// it is activated again.
func (m *Machine) RequestAddObject(ctx context.Context) ([]string, string, error) {
	if err := m.expect(tracking.StateRunning, EventAddObject); err != nil {
		return nil, Message(m.owner.State), err
	}
	shared, err := m.discover(ctx)
	if err != nil {
		if errors.Is(err, tracking.ErrAuth) {
			msg, terr := m.Transition(ctx, EventError)
			if terr == nil {
				_ = m.reload(ctx)
				return nil, msg, err
			}
			return nil, msg, terr
		}
		return nil, Message(m.owner.State), err
	}
	tracked, err := m.deps.Store.TrackedObjects(ctx, m.owner.ID)
	if err != nil {
		return nil, Message(m.owner.State), m.storageErr("tracked objects", err)
	}
	m.owner.Objects = tracked

	candidates := make([]string, 0, len(shared))
	for _, n := range shared {
		if !m.owner.Tracks(n) {
			candidates = append(candidates, n)
		}
	}
	msg, err := m.Transition(ctx, EventAddObject)
	if err != nil {
		return nil, msg, err
	}
	if err := m.reload(ctx); err != nil {
		return candidates, msg, err
	}
	return candidates, msg, nil
}

// RemoveObject deletes name and its samples. The state is unchanged and the
// caller is responsible for reloading the poller.
func (m *Machine) RemoveObject(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if err := m.deps.Store.RemoveTrackedObject(ctx, m.owner.ID, name); err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			return fmt.Errorf("%w: %q is not tracked", tracking.ErrNotFound, name)
		}
		return m.storageErr("remove tracked object", err)
	}
	out := m.owner.Objects[:0]
	for _, n := range m.owner.Objects {
		if n != name {
			out = append(out, n)
		}
	}
	m.owner.Objects = out
	m.log.Info("tracked object removed", logx.Object(name))
	return nil
}

// Reset fires reset from any state.
func (m *Machine) Reset(ctx context.Context) (string, error) {
	msg, err := m.Transition(ctx, EventReset)
	if err != nil {
		return msg, err
	}
	return msg, m.reload(ctx)
}

// Run advances the registration by one step using input for the waiting
// states. A configured owner is activated.
func (m *Machine) Run(ctx context.Context, input string) (Result, error) {
	var (
		res Result
		err error
	)
	switch m.owner.State {
	case tracking.StateInitial:
		_, err = m.Transition(ctx, EventLocator)
		res.Message = "Starting locator registration.\n" + Message(m.owner.State)
		if err != nil {
			res.Message = Message(m.owner.State)
		}
	case tracking.StateWaitingEmail:
		res.Message, err = m.SubmitEmail(ctx, input)
	case tracking.StateWaitingCookies:
		res.Candidates, res.Message, err = m.SubmitCookies(ctx, input)
	case tracking.StateWaitingObject:
		res.Message, err = m.SubmitObjectName(ctx, input)
	case tracking.StateConfigured:
		res.Message, err = m.Activate(ctx)
	default:
		res.Message = Message(m.owner.State)
		err = &tracking.TransitionError{From: m.owner.State, Event: "run"}
	}
	res.State = m.owner.State
	return res, err
}

func (m *Machine) expect(st tracking.State, ev Event) error {
	if m.owner.State != st {
		return &tracking.TransitionError{From: m.owner.State, Event: string(ev)}
	}
	return nil
}

// discover opens a provider session with the owner's credential and lists
// the shared object names, sorted.
func (m *Machine) discover(ctx context.Context) ([]string, error) {
	sess, err := m.deps.Provider.Authenticate(ctx, tracking.Credentials{Email: m.owner.Email, Blob: m.owner.Credential})
	if err != nil {
		return nil, err
	}
	objs, err := m.deps.Provider.ListObjects(ctx, sess)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objs))
	for _, o := range objs {
		if o.Name != "" {
			names = append(names, o.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Machine) reload(ctx context.Context) error {
	if m.deps.Reloader == nil {
		return nil
	}
	if err := m.deps.Reloader.Update(ctx); err != nil {
		m.log.Error("poller reload failed", logx.Err(err))
		return fmt.Errorf("%w: poller reload: %v", tracking.ErrStorage, err)
	}
	return nil
}

func (m *Machine) storageErr(op string, err error) error {
	m.log.Error("registration storage failure", logx.String("op", op), logx.Err(err))
	return fmt.Errorf("%w: %s: %v", tracking.ErrStorage, op, err)
}
