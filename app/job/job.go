// Package job defines persisted job domain objects: jobs and templates, applications, splitters,
// backends, box items and tasks. All of them implement schema.Object and are registered in the
// catalog returned by Catalog.
package job

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/umputun/ganga/app/schema"
)

func jobItems() []schema.Item {
	return []schema.Item{
		{Name: "name", Kind: schema.KindString, Default: "", Comparable: true},
		{Name: "comment", Kind: schema.KindString, Default: ""},
		{Name: "status", Kind: schema.KindString, Default: string(StatusNew), Comparable: true},
		{Name: "application", Kind: schema.KindObject, Category: "applications", Comparable: true},
		{Name: "backend", Kind: schema.KindObject, Category: "backends", Comparable: true},
		{Name: "splitter", Kind: schema.KindObject, Category: "splitters", Comparable: true},
		{Name: "inputfiles", Kind: schema.KindStrings, Comparable: true},
		{Name: "outputfiles", Kind: schema.KindStrings, Comparable: true},
		{Name: "subjobs", Kind: schema.KindInts, Comparable: true},
		{Name: "timestamps", Kind: schema.KindStringMap},
		{Name: "do_auto_resubmit", Kind: schema.KindBool, Default: false, Comparable: true},
		{Name: "resubmit_count", Kind: schema.KindInt, Default: 0},
	}
}

var (
	jobSchema      = schema.MustNew("jobs", "Job", schema.Version{Major: 1, Minor: 3}, jobItems()...)
	templateSchema = schema.MustNew("jobs", "JobTemplate", schema.Version{Major: 1, Minor: 3}, jobItems()...)
)

// Job is a unit of work submitted to a backend. Master job exclusively owns its subjobs,
// subjobs keep a back-link to the master which is never serialized.
type Job struct {
	ID           int // registry id for masters, index for subjobs
	Name         string
	Comment      string
	Status       Status
	Application  Application
	Backend      Backend
	Splitter     Splitter
	InputFiles   []string
	OutputFiles  []string
	Timestamps   map[string]string // status -> RFC3339 time of the transition
	AutoResubmit bool              // failed job or its failed subjobs resubmitted by the monitor
	Resubmits    int               // automatic resubmits done

	subjobIDs []int
	subjobs   []*Job
	master    *Job
	sch       *schema.Schema
}

// New makes job with default fields
func New() *Job {
	return &Job{Status: StatusNew, Timestamps: map[string]string{}, sch: jobSchema}
}

// NewTemplate makes job template, templates are never submitted
func NewTemplate() *Job {
	return &Job{Status: StatusTemplate, Timestamps: map[string]string{}, sch: templateSchema}
}

// IsTemplate reports template jobs
func (j *Job) IsTemplate() bool {
	return j.sch == templateSchema
}

// Schema returns job or template schema
func (j *Job) Schema() *schema.Schema {
	if j.sch == nil {
		return jobSchema
	}
	return j.sch
}

// Fields returns persisted attributes, subjobs stored as ids only
func (j *Job) Fields() schema.Fields {
	f := schema.Fields{
		"name":             j.Name,
		"comment":          j.Comment,
		"status":           string(j.Status),
		"inputfiles":       append([]string{}, j.InputFiles...),
		"outputfiles":      append([]string{}, j.OutputFiles...),
		"subjobs":          j.ChildIDs(),
		"timestamps":       copyMap(j.Timestamps),
		"do_auto_resubmit": j.AutoResubmit,
		"resubmit_count":   j.Resubmits,
		"application":      nil,
		"backend":          nil,
		"splitter":         nil,
	}
	if j.Application != nil {
		f["application"] = schema.Object(j.Application)
	}
	if j.Backend != nil {
		f["backend"] = schema.Object(j.Backend)
	}
	if j.Splitter != nil {
		f["splitter"] = schema.Object(j.Splitter)
	}
	return f
}

// SetFields populates job from stored attributes
func (j *Job) SetFields(f schema.Fields) error {
	st, err := ParseStatus(f.String("status"))
	if err != nil {
		return err
	}
	j.Name, j.Comment, j.Status = f.String("name"), f.String("comment"), st
	j.InputFiles, j.OutputFiles = f.Strings("inputfiles"), f.Strings("outputfiles")
	j.Timestamps = f.StringMap("timestamps")
	j.AutoResubmit, j.Resubmits = f.Bool("do_auto_resubmit"), f.Int("resubmit_count")
	j.subjobIDs = f.Ints("subjobs")
	j.Application, j.Backend, j.Splitter = nil, nil, nil

	if obj := f.Object("application"); obj != nil {
		app, ok := obj.(Application)
		if !ok {
			return fmt.Errorf("%s is not an application", obj.Schema().Key())
		}
		j.Application = app
	}
	if obj := f.Object("backend"); obj != nil {
		b, ok := obj.(Backend)
		if !ok {
			return fmt.Errorf("%s is not a backend", obj.Schema().Key())
		}
		j.Backend = b
	}
	if obj := f.Object("splitter"); obj != nil {
		s, ok := obj.(Splitter)
		if !ok {
			return fmt.Errorf("%s is not a splitter", obj.Schema().Key())
		}
		j.Splitter = s
	}
	return nil
}

// FQID returns fully qualified id, "3" for masters and "3.1" for subjobs
func (j *Job) FQID() string {
	if j.master != nil {
		return j.master.FQID() + "." + strconv.Itoa(j.ID)
	}
	return strconv.Itoa(j.ID)
}

// Master returns the master job of a subjob, nil for masters
func (j *Job) Master() *Job {
	return j.master
}

// Subjobs returns loaded subjobs
func (j *Job) Subjobs() []*Job {
	return append([]*Job{}, j.subjobs...)
}

// ChildIDs returns ids of subjobs. Loaded subjobs take precedence over stored ids.
func (j *Job) ChildIDs() []int {
	if len(j.subjobs) > 0 {
		res := make([]int, 0, len(j.subjobs))
		for _, sj := range j.subjobs {
			res = append(res, sj.ID)
		}
		return res
	}
	return append([]int{}, j.subjobIDs...)
}

// Children returns subjobs as schema objects
func (j *Job) Children() []schema.Object {
	res := make([]schema.Object, 0, len(j.subjobs))
	for _, sj := range j.subjobs {
		res = append(res, sj)
	}
	return res
}

// Adopt links loaded subjobs to this master, children must be jobs with ids set by caller
func (j *Job) Adopt(children []schema.Object) error {
	subjobs := make([]*Job, 0, len(children))
	for i, c := range children {
		sj, ok := c.(*Job)
		if !ok {
			return fmt.Errorf("child %d of job %d is %T, not a job", i, j.ID, c)
		}
		subjobs = append(subjobs, sj)
	}
	sort.Slice(subjobs, func(a, b int) bool { return subjobs[a].ID < subjobs[b].ID })
	j.linkSubjobs(subjobs)
	return nil
}

// SetID sets registry id of a master or index of a subjob
func (j *Job) SetID(id int) {
	j.ID = id
}

// Child returns subjob as schema object
func (j *Job) Child(id int) (schema.Object, bool) {
	sj, ok := j.Subjob(id)
	if !ok {
		return nil, false
	}
	return sj, true
}

// SetSubjobs replaces subjobs, ids assigned as 0..n-1. Nil drops all subjobs.
func (j *Job) SetSubjobs(subjobs []*Job) {
	for i, sj := range subjobs {
		sj.ID = i
	}
	j.linkSubjobs(subjobs)
}

// linkSubjobs replaces subjobs keeping their ids
func (j *Job) linkSubjobs(subjobs []*Job) {
	ids := make([]int, 0, len(subjobs))
	for _, sj := range subjobs {
		sj.master = j
		ids = append(ids, sj.ID)
	}
	j.subjobs, j.subjobIDs = subjobs, ids
}

// Subjob returns subjob by index
func (j *Job) Subjob(id int) (*Job, bool) {
	for _, sj := range j.subjobs {
		if sj.ID == id {
			return sj, true
		}
	}
	return nil, false
}

// UpdateStatus changes status if transition is allowed and records the transition time
func (j *Job) UpdateStatus(to Status) error {
	if !j.Status.CanTransit(to) {
		return fmt.Errorf("job %s: transition %s -> %s not allowed", j.FQID(), j.Status, to)
	}
	j.setStatus(to)
	return nil
}

func (j *Job) setStatus(to Status) {
	if j.Status == to {
		return
	}
	j.Status = to
	if j.Timestamps == nil {
		j.Timestamps = map[string]string{}
	}
	j.Timestamps[string(to)] = time.Now().UTC().Format(time.RFC3339)
}

// RollupStatus sets master status from statuses of its subjobs, returns true if changed
func (j *Job) RollupStatus() bool {
	if len(j.subjobs) == 0 {
		return false
	}
	present := map[Status]bool{}
	for _, sj := range j.subjobs {
		present[sj.Status] = true
	}
	for _, st := range rollupOrder {
		if present[st] {
			if j.Status == st {
				return false
			}
			j.setStatus(st)
			return true
		}
	}
	return false
}

// Index returns short summary stored next to the job data
func (j *Job) Index() map[string]string {
	res := map[string]string{
		"name":    j.Name,
		"status":  string(j.Status),
		"class":   j.Schema().Name,
		"subjobs": strconv.Itoa(len(j.ChildIDs())),
	}
	if j.Application != nil {
		res["application"] = j.Application.Schema().Name
	}
	if j.Backend != nil {
		res["backend"] = j.Backend.Schema().Name
	}
	return res
}

// String implements fmt.Stringer
func (j *Job) String() string {
	return fmt.Sprintf("Job(%s, name:%q, status:%s)", j.FQID(), j.Name, j.Status)
}

func copyMap(m map[string]string) map[string]string {
	res := make(map[string]string, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
