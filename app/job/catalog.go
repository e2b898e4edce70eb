package job

import (
	"fmt"

	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/stream"
)

// Catalog returns a new catalog with all job domain classes registered
func Catalog() *schema.Catalog {
	return schema.NewCatalog().MustRegister(
		func() schema.Object { return New() },
		func() schema.Object { return NewTemplate() },
		func() schema.Object { return NewExecutable() },
		func() schema.Object { return &ArgSplitter{} },
		func() schema.Object { return NewLocal() },
		func() schema.Object { return NewDummy() },
		func() schema.Object { return &BoxItem{} },
		func() schema.Object { return NewTask() },
	)
}

var copier = stream.New(Catalog())

// Copy makes a new job from this one: deep copy of application, backend and splitter,
// status reset to new, no subjobs. Copy of a template is a regular job.
func (j *Job) Copy() (*Job, error) {
	res, err := j.subjobCopy()
	if err != nil {
		return nil, err
	}
	res.Splitter = nil
	if j.Splitter != nil {
		obj, err := copier.Clone(j.Splitter)
		if err != nil {
			return nil, fmt.Errorf("can't copy splitter: %w", err)
		}
		res.Splitter = obj.(Splitter)
	}
	return res, nil
}

// AsTemplate makes a template from this job
func (j *Job) AsTemplate() (*Job, error) {
	res, err := j.Copy()
	if err != nil {
		return nil, err
	}
	res.sch, res.Status = templateSchema, StatusTemplate
	return res, nil
}

// subjobCopy copies everything except splitter and subjobs, status reset to new
func (j *Job) subjobCopy() (*Job, error) {
	res := New()
	res.Name, res.Comment, res.AutoResubmit = j.Name, j.Comment, j.AutoResubmit
	res.InputFiles = append([]string{}, j.InputFiles...)
	res.OutputFiles = append([]string{}, j.OutputFiles...)
	if j.Application != nil {
		obj, err := copier.Clone(j.Application)
		if err != nil {
			return nil, fmt.Errorf("can't copy application: %w", err)
		}
		res.Application = obj.(Application)
	}
	if j.Backend != nil {
		obj, err := copier.Clone(j.Backend)
		if err != nil {
			return nil, fmt.Errorf("can't copy backend: %w", err)
		}
		res.Backend = obj.(Backend)
	}
	return res, nil
}

// Snapshot makes a detached deep copy of the job including backend state, used for polling.
// Master of a subjob snapshot is a detached copy with id, name and status only.
func (j *Job) Snapshot() (*Job, error) {
	res, err := j.subjobCopy()
	if err != nil {
		return nil, err
	}
	res.ID, res.Status = j.ID, j.Status
	res.Timestamps = copyMap(j.Timestamps)
	if j.master != nil {
		res.master = &Job{ID: j.master.ID, Name: j.master.Name, Status: j.master.Status, sch: j.master.sch}
	}
	return res, nil
}
