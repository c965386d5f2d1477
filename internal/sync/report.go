package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emergencyprep/prepsync/internal/remote"
)

// Pass steps, in execution order.
const (
	StepDrain = "drain"
	StepPush  = "push"
	StepPull  = "pull"
	StepMerge = "merge"
	StepPrune = "prune"
	StepStats = "stats"
)

// Failure is one item a pass could not complete.
type Failure struct {
	Step string `json:"step"`
	ID   string `json:"id,omitempty"`
	Err  error  `json:"-"`

	// Message is Err rendered for JSON consumers.
	Message string `json:"error"`
}

func (f Failure) String() string {
	if f.ID == "" {
		return fmt.Sprintf("%s: %v", f.Step, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Step, f.ID, f.Err)
}

// Report describes one finished pass.
type Report struct {
	UserID   string        `json:"user_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Deleted     int `json:"deleted"`
	Pushed      int `json:"pushed"`
	Pulled      int `json:"pulled"`
	Inserted    int `json:"inserted"`
	Overwritten int `json:"overwritten"`
	Unchanged   int `json:"unchanged"`
	KeptLocal   int `json:"kept_local"`
	Tombstoned  int `json:"tombstoned"`
	Pruned      int `json:"pruned"`

	// Pending is the number of local changes still unconfirmed after the
	// pass, or -1 if it could not be counted.
	Pending int `json:"pending"`

	Failures []Failure `json:"failures,omitempty"`

	// Joined is set on the copy returned to a caller that joined a pass
	// started by someone else.
	Joined bool `json:"joined,omitempty"`
}

func (r *Report) fail(step, id string, err error) {
	r.Failures = append(r.Failures, Failure{Step: step, ID: id, Err: err, Message: err.Error()})
}

// OK reports whether every step completed for every item.
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

// NetworkFailed reports whether any step failed to reach the remote store.
func (r *Report) NetworkFailed() bool {
	return r.anyFailure(remote.ErrNetwork)
}

// AuthFailed reports whether the remote store rejected the identity.
func (r *Report) AuthFailed() bool {
	return r.anyFailure(remote.ErrAuthRequired)
}

func (r *Report) anyFailure(target error) bool {
	for _, f := range r.Failures {
		if errors.Is(f.Err, target) {
			return true
		}
	}
	return false
}

// FailuresIn returns the failures recorded for step.
func (r *Report) FailuresIn(step string) []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if f.Step == step {
			out = append(out, f)
		}
	}
	return out
}

// Summary renders the report counts on one line.
func (r *Report) Summary() string {
	parts := []string{
		fmt.Sprintf("deleted=%d", r.Deleted),
		fmt.Sprintf("pushed=%d", r.Pushed),
		fmt.Sprintf("pulled=%d", r.Pulled),
		fmt.Sprintf("inserted=%d", r.Inserted),
		fmt.Sprintf("overwritten=%d", r.Overwritten),
		fmt.Sprintf("kept_local=%d", r.KeptLocal),
		fmt.Sprintf("tombstoned=%d", r.Tombstoned),
		fmt.Sprintf("pruned=%d", r.Pruned),
	}
	if n := len(r.Failures); n > 0 {
		parts = append(parts, fmt.Sprintf("failures=%d", n))
	}
	return strings.Join(parts, " ")
}

func (r *Report) clone() *Report {
	c := *r
	c.Failures = append([]Failure(nil), r.Failures...)
	return &c
}
