package runstate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted metadata of one pipeline invocation.
type Run struct {
	RunID     string    `json:"run_id"`
	Command   string    `json:"command"`
	GraphHash string    `json:"graph_hash,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitzero"`
	Status    RunStatus `json:"status"`
}

func (r Run) Validate() error {
	var errs *multierror.Error
	if strings.TrimSpace(r.RunID) == "" {
		errs = multierror.Append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Command) == "" {
		errs = multierror.Append(errs, errors.New("command is required"))
	}
	if r.StartTime.IsZero() {
		errs = multierror.Append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
	default:
		errs = multierror.Append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errs.ErrorOrNil()
}

type FailureClass string

const (
	FailureClassConfiguration FailureClass = "configuration"
	FailureClassTool          FailureClass = "tool"
	FailureClassStructural    FailureClass = "structural"
	FailureClassSystem        FailureClass = "system"
)

// Failure records why a run terminated.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Module       string       `json:"module,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
}

func (f Failure) Validate() error {
	var errs *multierror.Error
	switch f.FailureClass {
	case FailureClassConfiguration, FailureClassTool, FailureClassStructural, FailureClassSystem:
	default:
		errs = multierror.Append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = multierror.Append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = multierror.Append(errs, errors.New("error_message is required"))
	}
	return errs.ErrorOrNil()
}
