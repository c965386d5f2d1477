package sync

import (
	"context"
)

// Syncer runs reconciliation passes for signed-in identities.
//
// A pass never loses data the user wrote: every step that fails leaves its
// local state untouched for the next pass. Step failures are recorded in the
// Report rather than returned, so callers can always inspect what happened.
type Syncer interface {
	// Sync runs one pass for userID.
	//
	// If a pass for the same identity is already running the caller joins
	// it and receives its report instead of starting a second one. Passes
	// for different identities run independently.
	//
	// The pass itself is not cancelled when ctx ends; ctx only bounds how
	// long the caller waits for the report.
	//
	// Returns remote.ErrAuthRequired if userID is empty.
	//
	// Example:
	//   report, err := syncer.Sync(ctx, "u1")
	Sync(ctx context.Context, userID string) (*Report, error)

	// OnPass registers fn to receive every finished pass report. Observers
	// run on the goroutine that ran the pass, in registration order, and
	// must not block. The returned func removes the registration.
	OnPass(fn func(*Report)) (unregister func())
}
