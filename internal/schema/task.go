package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxTitleLen is the longest accepted title, in characters.
	MaxTitleLen = 500
	// MaxFolderLen is the longest accepted folder name, in characters.
	MaxFolderLen = 100
)

// ErrInvalidTask is wrapped by every Validate failure.
var ErrInvalidTask = errors.New("invalid task")

// Task is one cached task row.
type Task struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	UserID      string `json:"user_id" yaml:"user_id" toml:"user_id"`
	Title       string `json:"title" yaml:"title" toml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Folder      string `json:"folder" yaml:"folder" toml:"folder"`

	// UpdatedAt is milliseconds since the Unix epoch.
	UpdatedAt int64 `json:"updated_at" yaml:"updated_at" toml:"updated_at"`
	Synced    bool  `json:"synced" yaml:"synced" toml:"synced"`
}

// Tombstone marks a deletion not yet confirmed by the remote store.
type Tombstone struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

// Fields is the body of a remote task document.
type Fields struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Folder      string `json:"folder"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Validate checks required fields and length limits of a local edit.
func (t *Task) Validate() error {
	if err := t.ValidateRemote(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if n := utf8.RuneCountInString(t.Title); n > MaxTitleLen {
		return fmt.Errorf("%w: title must be %d characters or less (got %d)", ErrInvalidTask, MaxTitleLen, n)
	}
	if strings.TrimSpace(t.Folder) == "" {
		return fmt.Errorf("%w: folder is required", ErrInvalidTask)
	}
	if n := utf8.RuneCountInString(t.Folder); n > MaxFolderLen {
		return fmt.Errorf("%w: folder must be %d characters or less (got %d)", ErrInvalidTask, MaxFolderLen, n)
	}
	return nil
}

// ValidateRemote checks a task copied from the remote store. Only the keys
// and timestamp are checked: the text limits apply to edits made here, and
// content another client wrote is cached as it is.
func (t *Task) ValidateRemote() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if t.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidTask)
	}
	if t.UpdatedAt < 0 {
		return fmt.Errorf("%w: updated_at must not be negative", ErrInvalidTask)
	}
	return nil
}

// Normalize trims surrounding whitespace from the text fields.
func (t *Task) Normalize() {
	t.Title = strings.TrimSpace(t.Title)
	t.Folder = strings.TrimSpace(t.Folder)
	t.Description = strings.TrimSpace(t.Description)
}

// Fields returns the remote document body for t.
func (t *Task) Fields() Fields {
	return Fields{
		Title:       t.Title,
		Description: t.Description,
		Folder:      t.Folder,
		UpdatedAt:   t.UpdatedAt,
	}
}

// FromFields builds a task from a remote document. The result is marked
// synced since it mirrors what the remote store holds.
func FromFields(userID, id string, f Fields) *Task {
	return &Task{
		ID:          id,
		UserID:      userID,
		Title:       f.Title,
		Description: f.Description,
		Folder:      f.Folder,
		UpdatedAt:   f.UpdatedAt,
		Synced:      true,
	}
}

// SameContent reports whether a and b carry the same user-visible data and
// timestamp, ignoring the synced flag.
func SameContent(a, b *Task) bool {
	return a.ID == b.ID &&
		a.UserID == b.UserID &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.Folder == b.Folder &&
		a.UpdatedAt == b.UpdatedAt
}

// Updated returns UpdatedAt as a time.Time.
func (t *Task) Updated() time.Time {
	return time.UnixMilli(t.UpdatedAt)
}

// NewID returns a fresh task identifier.
func NewID() string {
	return uuid.NewString()
}

// NextTimestamp returns the timestamp for a mutation of a task whose current
// timestamp is prev. It never goes backwards, even if the wall clock does.
func NextTimestamp(prev int64, now time.Time) int64 {
	ms := now.UnixMilli()
	if ms <= prev {
		return prev + 1
	}
	return ms
}

// RemoteWins reports whether a remote copy should replace the local one.
// Ties go to the remote. A strictly newer local copy is kept only while it
// has not been pushed; once synced the remote is authoritative.
func RemoteWins(local, remote *Task) bool {
	if local.UpdatedAt <= remote.UpdatedAt {
		return true
	}
	return local.Synced
}
