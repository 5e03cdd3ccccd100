package runstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder tracks one run through its lifecycle: Start, then Succeed or Fail.
type Recorder struct {
	Store *Store
	Now   func() time.Time

	run Run
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// RunID returns the id of the started run, or "" before Start.
func (r *Recorder) RunID() string { return r.run.RunID }

func (r *Recorder) Start(command string) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	r.run = Run{
		RunID:     uuid.NewString(),
		Command:   command,
		StartTime: r.Now(),
		Status:    RunStatusRunning,
	}
	if err := r.Store.SaveRun(r.run); err != nil {
		return Run{}, err
	}
	return r.run, nil
}

// SetGraphHash attaches the module graph hash once the graph is built.
func (r *Recorder) SetGraphHash(hash string) error {
	if r.run.RunID == "" {
		return errors.New("run not started")
	}
	r.run.GraphHash = hash
	return r.Store.SaveRun(r.run)
}

func (r *Recorder) Succeed() error {
	return r.finish(RunStatusSucceeded)
}

// Fail marks the run failed and writes failure.json for err.
func (r *Recorder) Fail(err error) error {
	if ferr := r.finish(RunStatusFailed); ferr != nil {
		return ferr
	}
	f, ferr := FailureFromError(err)
	if ferr != nil {
		return ferr
	}
	return r.Store.SaveFailure(r.run.RunID, f)
}

func (r *Recorder) finish(status RunStatus) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if r.run.RunID == "" {
		return fmt.Errorf("run not started")
	}
	r.run.Status = status
	r.run.EndTime = r.Now()
	return r.Store.SaveRun(r.run)
}
