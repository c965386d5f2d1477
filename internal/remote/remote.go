// Package remote defines the authenticated per-user document store that the
// sync engine reconciles the local cache against.
package remote

import (
	"context"
	"errors"

	"github.com/emergencyprep/prepsync/internal/schema"
)

var (
	// ErrNetwork indicates the remote store could not be reached or failed
	// transiently. The affected sync step is deferred to a later pass.
	ErrNetwork = errors.New("remote store unreachable")

	// ErrAuthRequired indicates there is no signed-in identity, or the
	// remote store rejected its credentials.
	ErrAuthRequired = errors.New("sign-in required")

	// ErrNotFound indicates the document does not exist remotely.
	ErrNotFound = errors.New("remote document not found")
)

// Document is one remote task: its id and field body.
type Document struct {
	ID     string        `json:"id"`
	Fields schema.Fields `json:"fields"`
}

// Task converts the document into a cached task owned by userID.
func (d Document) Task(userID string) *schema.Task {
	return schema.FromFields(userID, d.ID, d.Fields)
}

// Store is the remote document store for users/{userID}/tasks/{id}.
//
// Every operation fails with ErrAuthRequired when no identity is signed in.
type Store interface {
	// Write creates or replaces the document.
	Write(ctx context.Context, userID, id string, fields schema.Fields) error

	// Delete removes the document. A missing document is not an error.
	Delete(ctx context.Context, userID, id string) error

	// ListAll returns every task document of userID, in no particular order.
	ListAll(ctx context.Context, userID string) ([]Document, error)
}

// IsRetryable reports whether err is a transient failure worth retrying in a
// later pass.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
