// Package storage implements the persistence gateway for owners, their
// tracked objects and the append-only location samples.
//
// Every Store method maps to one statement or one transaction, so the
// registration machine and the poller never observe a half-applied change.
package storage
