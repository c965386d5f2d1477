// Package schema defines the task and tombstone records shared by the local
// cache, the remote document store and the sync engine.
//
// # Tasks
//
// A task is owned by exactly one identity (UserID). Its ID is unique within
// that identity's scope and is assigned client side when absent:
//
//	{
//	  "id": "5b0f4c1e-8d1a-4b7e-9a34-1f7e2b9c6d10",
//	  "user_id": "u1",
//	  "title": "Check flashlight",
//	  "description": "Replace batteries if dim",
//	  "folder": "Supplies",
//	  "updated_at": 1767225600000,
//	  "synced": false
//	}
//
// UpdatedAt is a millisecond Unix timestamp. It strictly increases on every
// local mutation (see NextTimestamp) and is the only input to conflict
// resolution: on equal timestamps the remote copy wins (see RemoteWins).
//
// Synced is false while the local copy has not been confirmed written to the
// remote store since its last mutation.
//
// # Tombstones
//
// A Tombstone records a local deletion that the remote store has not yet
// confirmed. While it exists, the task must not be re-created locally from a
// remote listing.
//
// # Remote documents
//
// Remote documents live at users/{user_id}/tasks/{id} and carry only Fields.
// Task.Fields and FromFields convert between the two shapes.
package schema
