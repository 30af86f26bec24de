package registration

import "locatorbot/internal/tracking"

// Event names a registration step.
type Event string

const (
	EventLocator   Event = "locator"
	EventGotEmail  Event = "got_email"
	EventGotCookie Event = "got_cookies"
	EventGotObject Event = "got_object"
	EventRun       Event = "run"
	EventAddObject Event = "add_object"
	EventError     Event = "error"
	EventReset     Event = "reset"
)

var transitions = map[tracking.State]map[Event]tracking.State{
	tracking.StateInitial:        {EventLocator: tracking.StateWaitingEmail},
	tracking.StateWaitingEmail:   {EventGotEmail: tracking.StateWaitingCookies},
	tracking.StateWaitingCookies: {EventGotCookie: tracking.StateWaitingObject},
	tracking.StateWaitingObject:  {EventGotObject: tracking.StateConfigured},
	tracking.StateConfigured:     {EventRun: tracking.StateRunning},
	tracking.StateRunning:        {EventAddObject: tracking.StateWaitingObject},
	tracking.StateErrored:        {},
}

var messages = map[tracking.State]string{
	tracking.StateInitial:        "Configurator started.",
	tracking.StateWaitingEmail:   "Send me the email address of the sharing account.",
	tracking.StateWaitingCookies: "Send me the cookies.txt export of that account.",
	tracking.StateWaitingObject:  "Send me the name of the object to track.",
	tracking.StateConfigured:     "Tracking configured.",
	tracking.StateRunning:        "Tracking is running.",
	tracking.StateErrored:        "Registration failed. Send /reset to start over.",
}

// Next returns the state reached from `from` by ev. error and reset are
// accepted from every state.
func Next(from tracking.State, ev Event) (tracking.State, bool) {
	switch ev {
	case EventError:
		return tracking.StateErrored, true
	case EventReset:
		return tracking.StateInitial, true
	}
	to, ok := transitions[from][ev]
	return to, ok
}

// Message is the prompt shown to the owner while in st.
func Message(st tracking.State) string {
	if m, ok := messages[st]; ok {
		return m
	}
	return "Unknown state."
}

// Events lists every event name, for exhaustive checks.
func Events() []Event {
	return []Event{EventLocator, EventGotEmail, EventGotCookie, EventGotObject, EventRun, EventAddObject, EventError, EventReset}
}
