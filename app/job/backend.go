package job

import (
	"context"
	"fmt"

	"github.com/umputun/ganga/app/schema"
)

// Backend is the capability set of an execution environment. Submit and Kill are called with the
// job locked in its registry. UpdateMonitoringInformation gets a detached snapshot of the job and
// may mutate only the snapshot; the returned Update is applied to the registry copy by the caller.
type Backend interface {
	schema.Object
	Submit(ctx context.Context, j *Job, workdir string) error
	Kill(ctx context.Context, j *Job) error
	UpdateMonitoringInformation(ctx context.Context, j *Job) (Update, error)
}

// Update is a result of a single backend poll
type Update struct {
	Status  Status  // new status, empty for no change
	Reason  string  // optional explanation, logged
	Backend Backend // updated backend state, nil for no change
}

// ApplyUpdate changes job status and backend state from a poll result. Nothing changed if the
// status transition is not allowed.
func (j *Job) ApplyUpdate(u Update) (changed bool, err error) {
	statusChange := u.Status != "" && u.Status != j.Status
	if statusChange && !j.Status.CanTransit(u.Status) {
		return false, fmt.Errorf("job %s: transition %s -> %s not allowed", j.FQID(), j.Status, u.Status)
	}
	if u.Backend != nil {
		j.Backend = u.Backend
	}
	if !statusChange {
		return false, nil
	}
	j.setStatus(u.Status)
	return true, nil
}

// JobError is returned for failed user actions like submit or kill
type JobError struct {
	ID  string
	Op  string
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s failed: %v", e.ID, e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
