// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/schema"
)

// FakeRemote is an in-memory implementation of remote.Store for testing.
type FakeRemote struct {
	mu   sync.Mutex
	docs map[string]map[string]schema.Fields // userID -> id -> fields

	// Error injection for testing. Per-id errors take precedence.
	WriteErr     error
	WriteErrFor  map[string]error
	DeleteErr    error
	DeleteErrFor map[string]error
	ListErr      error

	// OnList, if set, runs before ListAll returns. Tests use it to mutate
	// local state while a pass is between its push and merge steps.
	OnList func(userID string)

	// OnWrite and OnDelete, if set, run after a successful Write or Delete,
	// while the pass is still inside its push or drain step.
	OnWrite  func(userID, id string)
	OnDelete func(userID, id string)

	// Call counters.
	Writes  int
	Deletes int
	Lists   int
}

var _ remote.Store = (*FakeRemote)(nil)

// NewFakeRemote creates an empty FakeRemote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		docs:         make(map[string]map[string]schema.Fields),
		WriteErrFor:  make(map[string]error),
		DeleteErrFor: make(map[string]error),
	}
}

// Put stores a document directly, as another client would.
func (f *FakeRemote) Put(userID, id string, fields schema.Fields) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(userID, id, fields)
}

func (f *FakeRemote) put(userID, id string, fields schema.Fields) {
	if f.docs[userID] == nil {
		f.docs[userID] = make(map[string]schema.Fields)
	}
	f.docs[userID][id] = fields
}

// Remove deletes a document directly, as another client would.
func (f *FakeRemote) Remove(userID, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs[userID], id)
}

// Get returns a stored document.
func (f *FakeRemote) Get(userID, id string) (schema.Fields, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields, ok := f.docs[userID][id]
	return fields, ok
}

// Len returns the number of documents stored for userID.
func (f *FakeRemote) Len(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs[userID])
}

// SetWriteErr sets the error returned by every Write.
func (f *FakeRemote) SetWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WriteErr = err
}

// SetDeleteErr sets the error returned by every Delete.
func (f *FakeRemote) SetDeleteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteErr = err
}

// SetListErr sets the error returned by every ListAll.
func (f *FakeRemote) SetListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListErr = err
}

// Offline makes every operation fail with remote.ErrNetwork, or restores
// normal operation.
func (f *FakeRemote) Offline(offline bool) {
	var err error
	if offline {
		err = remote.ErrNetwork
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WriteErr = err
	f.DeleteErr = err
	f.ListErr = err
}

// Write implements remote.Store.Write.
func (f *FakeRemote) Write(ctx context.Context, userID, id string, fields schema.Fields) error {
	f.mu.Lock()
	f.Writes++
	err := f.WriteErrFor[id]
	if err == nil {
		err = f.WriteErr
	}
	if err == nil {
		f.put(userID, id, fields)
	}
	hook := f.OnWrite
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(userID, id)
	}
	return nil
}

// Delete implements remote.Store.Delete.
func (f *FakeRemote) Delete(ctx context.Context, userID, id string) error {
	f.mu.Lock()
	f.Deletes++
	err := f.DeleteErrFor[id]
	if err == nil {
		err = f.DeleteErr
	}
	if err == nil {
		delete(f.docs[userID], id)
	}
	hook := f.OnDelete
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(userID, id)
	}
	return nil
}

// ListAll implements remote.Store.ListAll. Documents are sorted by id.
func (f *FakeRemote) ListAll(ctx context.Context, userID string) ([]remote.Document, error) {
	f.mu.Lock()
	f.Lists++
	hook := f.OnList
	if f.ListErr != nil {
		err := f.ListErr
		f.mu.Unlock()
		return nil, err
	}
	docs := make([]remote.Document, 0, len(f.docs[userID]))
	for id, fields := range f.docs[userID] {
		docs = append(docs, remote.Document{ID: id, Fields: fields})
	}
	f.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	if hook != nil {
		hook(userID)
	}
	return docs, nil
}

// Counts returns the write, delete and list call counts.
func (f *FakeRemote) Counts() (writes, deletes, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Writes, f.Deletes, f.Lists
}
