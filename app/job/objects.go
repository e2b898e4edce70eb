package job

import (
	"fmt"
	"strconv"

	"github.com/umputun/ganga/app/schema"
)

var boxItemSchema = schema.MustNew("box", "BoxItem", schema.Version{Major: 1, Minor: 0},
	schema.Item{Name: "name", Kind: schema.KindString, Default: "", Comparable: true},
	schema.Item{Name: "object", Kind: schema.KindObject, Comparable: true},
)

// BoxItem keeps any named object in the box registry
type BoxItem struct {
	Name   string
	Object schema.Object
}

// Schema returns box item schema
func (b *BoxItem) Schema() *schema.Schema { return boxItemSchema }

// Fields returns persisted attributes
func (b *BoxItem) Fields() schema.Fields {
	f := schema.Fields{"name": b.Name, "object": nil}
	if !schema.IsNil(b.Object) {
		f["object"] = b.Object
	}
	return f
}

// SetFields populates box item from stored attributes
func (b *BoxItem) SetFields(f schema.Fields) error {
	b.Name, b.Object = f.String("name"), f.Object("object")
	return nil
}

// Index returns summary of the box item
func (b *BoxItem) Index() map[string]string {
	res := map[string]string{"name": b.Name, "class": boxItemSchema.Name}
	if !schema.IsNil(b.Object) {
		res["object"] = b.Object.Schema().Key()
	}
	return res
}

// task statuses
const (
	TaskNew       = "new"
	TaskRunning   = "running"
	TaskPaused    = "pause"
	TaskCompleted = "completed"
)

var taskSchema = schema.MustNew("tasks", "Task", schema.Version{Major: 1, Minor: 0},
	schema.Item{Name: "name", Kind: schema.KindString, Default: "", Comparable: true},
	schema.Item{Name: "comment", Kind: schema.KindString, Default: ""},
	schema.Item{Name: "status", Kind: schema.KindString, Default: TaskNew, Comparable: true},
	schema.Item{Name: "float", Kind: schema.KindInt, Default: 0, Comparable: true},
	schema.Item{Name: "jobs", Kind: schema.KindInts, Comparable: true},
)

// Task groups jobs from the jobs registry, Float limits how many of them run at once
type Task struct {
	Name    string
	Comment string
	Status  string
	Float   int
	Jobs    []int
}

// NewTask makes task with defaults
func NewTask() *Task {
	return &Task{Status: TaskNew}
}

// Schema returns task schema
func (t *Task) Schema() *schema.Schema { return taskSchema }

// Fields returns persisted attributes
func (t *Task) Fields() schema.Fields {
	return schema.Fields{"name": t.Name, "comment": t.Comment, "status": t.Status, "float": t.Float,
		"jobs": append([]int{}, t.Jobs...)}
}

// SetFields populates task from stored attributes
func (t *Task) SetFields(f schema.Fields) error {
	switch st := f.String("status"); st {
	case TaskNew, TaskRunning, TaskPaused, TaskCompleted:
		t.Status = st
	default:
		return fmt.Errorf("unknown task status %q", st)
	}
	t.Name, t.Comment, t.Float, t.Jobs = f.String("name"), f.String("comment"), f.Int("float"), f.Ints("jobs")
	return nil
}

// Index returns summary of the task
func (t *Task) Index() map[string]string {
	return map[string]string{"name": t.Name, "status": t.Status, "class": taskSchema.Name, "jobs": strconv.Itoa(len(t.Jobs))}
}
