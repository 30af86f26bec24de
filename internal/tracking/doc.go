// Package tracking holds the types shared by the registration machine, the
// poller and their collaborators: owners, samples, provider readings and the
// Store/Provider interfaces both sides are built against.
package tracking
