package job

import (
	"context"
	"errors"
	"time"

	"github.com/umputun/ganga/app/schema"
)

var dummySchema = schema.MustNew("backends", "Dummy", schema.Version{Major: 1, Minor: 0},
	schema.Item{Name: "steps", Kind: schema.KindInt, Default: 2, Comparable: true},
	schema.Item{Name: "final", Kind: schema.KindString, Default: string(StatusCompleted), Comparable: true},
	schema.Item{Name: "polls", Kind: schema.KindInt, Default: 0},
	schema.Item{Name: "delay", Kind: schema.KindFloat, Default: 0.0, Comparable: true},
	schema.Item{Name: "fail_submit", Kind: schema.KindBool, Default: false, Comparable: true},
	schema.Item{Name: "fail_poll", Kind: schema.KindBool, Default: false, Comparable: true},
)

// errors reported by dummy backend on request
var (
	ErrDummySubmit = errors.New("dummy submit failure")
	ErrDummyPoll   = errors.New("dummy poll failure")
)

// Dummy backend doesn't run anything. Each poll moves the job one step towards the final status:
// running while polls < steps, final status after that. Used for tests and dry runs.
type Dummy struct {
	Steps      int
	Final      Status
	Polls      int
	Delay      float64 // seconds to block in each poll
	FailSubmit bool
	FailPoll   bool
}

// NewDummy makes dummy backend with defaults
func NewDummy() *Dummy {
	d := &Dummy{}
	_ = d.SetFields(dummySchema.Defaults())
	return d
}

// Schema returns dummy backend schema
func (d *Dummy) Schema() *schema.Schema { return dummySchema }

// Fields returns persisted attributes
func (d *Dummy) Fields() schema.Fields {
	return schema.Fields{"steps": d.Steps, "final": string(d.Final), "polls": d.Polls, "delay": d.Delay,
		"fail_submit": d.FailSubmit, "fail_poll": d.FailPoll}
}

// SetFields populates backend from stored attributes
func (d *Dummy) SetFields(f schema.Fields) error {
	final, err := ParseStatus(f.String("final"))
	if err != nil {
		return err
	}
	d.Steps, d.Final, d.Polls, d.Delay = f.Int("steps"), final, f.Int("polls"), f.Float("delay")
	d.FailSubmit, d.FailPoll = f.Bool("fail_submit"), f.Bool("fail_poll")
	return nil
}

// Submit resets poll counter
func (d *Dummy) Submit(_ context.Context, _ *Job, _ string) error {
	if d.FailSubmit {
		return ErrDummySubmit
	}
	d.Polls = 0
	return nil
}

// Kill always succeeds
func (d *Dummy) Kill(_ context.Context, _ *Job) error {
	return nil
}

// UpdateMonitoringInformation advances poll counter, optionally blocking for Delay
func (d *Dummy) UpdateMonitoringInformation(ctx context.Context, _ *Job) (Update, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(time.Duration(d.Delay * float64(time.Second))):
		case <-ctx.Done():
			return Update{}, ctx.Err()
		}
	}
	if d.FailPoll {
		return Update{}, ErrDummyPoll
	}
	d.Polls++
	if d.Polls >= d.Steps {
		return Update{Status: d.Final, Backend: d}, nil
	}
	return Update{Status: StatusRunning, Backend: d}, nil
}
