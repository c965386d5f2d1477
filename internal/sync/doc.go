// Package sync reconciles the local task cache with the remote store.
//
// Overview
//
// A pass reconciles one identity's cached tasks with its remote documents
// in five steps:
//
//	1. drain   pending deletes are sent to the remote store; acknowledged
//	           ones are removed locally and their tombstones cleared
//	2. push    unsynced tasks are written remotely and marked synced
//	3. pull    the full remote task list is fetched
//	4. merge   each pulled task not tombstoned locally is applied with
//	           last-writer-wins on updatedAt (remote wins ties, a newer
//	           unsynced local copy is kept)
//	5. prune   synced local tasks missing from the pull are removed
//
// Error Handling
//
// Each step degrades on its own. A failed remote delete keeps its
// tombstone; a failed push keeps the task unsynced; a failed pull skips
// merge and prune because both depend on the full remote list. Once the
// remote store rejects the identity, the remaining remote calls of the pass
// are skipped. Failures are logged, counted in metrics and recorded in the
// Report.
//
// Concurrency
//
// Passes are serialized per identity: a Sync call that arrives while a
// pass for the same identity is running waits for it and shares its
// report. Local writes may happen at any time during a pass; MarkSynced
// and ApplyRemote re-check state inside their own transactions, so a
// concurrent edit is never overwritten or marked synced by mistake.
package sync
