package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
)

// Sync run states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Sync types.
const (
	TypeIncremental = "incremental"
	TypeFull        = "full"
	TypeUser        = "user"
)

// Status is a point-in-time snapshot of an instance's sync run.
type Status struct {
	InstanceID  uint       `json:"instance_id"`
	SyncType    string     `json:"sync_type"`
	State       string     `json:"state"`
	CurrentStep string     `json:"current_step,omitempty"`
	StepIndex   int        `json:"step_index"`
	TotalSteps  int        `json:"total_steps"`
	Progress    int        `json:"progress"`
	Processed   int        `json:"processed"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	Errors      []string   `json:"errors,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// computeProgress derives the 0-100 indicator from step position. A
// completed run always reads 100 regardless of step accounting.
func (s *Status) computeProgress() {
	switch {
	case s.State == StateCompleted:
		s.Progress = 100
	case s.TotalSteps <= 0 || s.StepIndex <= 0:
		s.Progress = 0
	default:
		s.Progress = s.StepIndex * 100 / s.TotalSteps
	}
}

func terminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// tracker holds the single non-terminal run per instance. All mutation
// goes through its mutex so TryStart is an atomic check-then-set.
type tracker struct {
	mu   sync.Mutex
	runs map[uint]*run
}

type run struct {
	status Status
	cancel context.CancelFunc
}

func newTracker() *tracker {
	return &tracker{runs: make(map[uint]*run)}
}

// tryStart registers a pending run for the instance. A run that is not
// yet terminal blocks any new run regardless of the requested type.
func (t *tracker) tryStart(
	instanceID uint, syncType string, totalSteps int,
	cancel context.CancelFunc,
) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.runs[instanceID]; ok && !terminal(existing.status.State) {
		return Status{}, apperrors.SyncInProgress(instanceID)
	}

	r := &run{
		status: Status{
			InstanceID: instanceID,
			SyncType:   syncType,
			State:      StatePending,
			TotalSteps: totalSteps,
			StartedAt:  time.Now(),
		},
		cancel: cancel,
	}
	t.runs[instanceID] = r

	return r.status, nil
}

// update applies fn to the instance's run under the lock. Updates after
// the run was reset are dropped.
func (t *tracker) update(instanceID uint, fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[instanceID]
	if !ok {
		return
	}

	fn(&r.status)
}

// get returns a snapshot of the instance's run.
func (t *tracker) get(instanceID uint) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[instanceID]
	if !ok {
		return Status{}, false
	}

	snapshot := r.status
	snapshot.computeProgress()

	return snapshot, true
}

// stop cancels the instance's running sync. It reports whether there
// was a non-terminal run to cancel.
func (t *tracker) stop(instanceID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[instanceID]
	if !ok || terminal(r.status.State) {
		return false
	}

	r.cancel()

	return true
}

// reset forgets the instance's run entirely. Running syncs are
// cancelled first.
func (t *tracker) reset(instanceID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.runs[instanceID]; ok {
		if !terminal(r.status.State) {
			r.cancel()
		}

		delete(t.runs, instanceID)
	}
}
