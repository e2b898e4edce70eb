// Package jobfile loads job definitions from yaml files used by "ganga submit -f" and by the
// watched spool file of "ganga run --watch".
package jobfile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"

	"github.com/umputun/ganga/app/job"
)

// File is the root of a job file
type File struct {
	Jobs []Definition `yaml:"jobs" json:"jobs" jsonschema:"required,minItems=1"`
}

// Definition describes a single job
type Definition struct {
	Name         string            `yaml:"name" json:"name" jsonschema:"required,description=job name"`
	Comment      string            `yaml:"comment" json:"comment,omitempty"`
	Exe          string            `yaml:"exe" json:"exe" jsonschema:"required,description=executable to run"`
	Args         []string          `yaml:"args" json:"args,omitempty"`
	Env          map[string]string `yaml:"env" json:"env,omitempty"`
	Backend      string            `yaml:"backend" json:"backend,omitempty" jsonschema:"enum=local,enum=dummy,default=local"`
	Dummy        *DummyParams      `yaml:"dummy" json:"dummy,omitempty" jsonschema:"description=parameters of the dummy backend"`
	Split        [][]string        `yaml:"split" json:"split,omitempty" jsonschema:"description=argument rows; one subjob per row"`
	InputFiles   []string          `yaml:"inputfiles" json:"inputfiles,omitempty"`
	OutputFiles  []string          `yaml:"outputfiles" json:"outputfiles,omitempty"`
	AutoResubmit bool              `yaml:"auto_resubmit" json:"auto_resubmit,omitempty"`
}

// DummyParams scripts the dummy backend
type DummyParams struct {
	Steps      int     `yaml:"steps" json:"steps,omitempty" jsonschema:"minimum=0"`
	Final      string  `yaml:"final" json:"final,omitempty" jsonschema:"enum=completed,enum=failed,enum=killed"`
	Delay      float64 `yaml:"delay" json:"delay,omitempty" jsonschema:"minimum=0"`
	FailSubmit bool    `yaml:"fail_submit" json:"fail_submit,omitempty"`
	FailPoll   bool    `yaml:"fail_poll" json:"fail_poll,omitempty"`
}

// backend names
const (
	BackendLocal = "local"
	BackendDummy = "dummy"
)

// Load reads and verifies job file
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // job file path from user
	if err != nil {
		return nil, fmt.Errorf("can't read job file %s: %w", path, err)
	}
	res, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("job file %s: %w", path, err)
	}
	return res, nil
}

// Parse decodes and verifies job definitions, unknown keys rejected
func Parse(data []byte) ([]Definition, error) {
	f := File{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("can't parse: %w", err)
	}
	if err := f.Verify(); err != nil {
		return nil, err
	}
	return f.Jobs, nil
}

// Job makes a new job from the definition
func (d Definition) Job() (*job.Job, error) {
	j := job.New()
	j.Name, j.Comment, j.AutoResubmit = d.Name, d.Comment, d.AutoResubmit
	j.InputFiles = append([]string{}, d.InputFiles...)
	j.OutputFiles = append([]string{}, d.OutputFiles...)

	app := job.NewExecutable()
	app.Exe = d.Exe
	app.Args = append([]string{}, d.Args...)
	app.Env = map[string]string{}
	for k, v := range d.Env {
		app.Env[k] = v
	}
	j.Application = app

	switch d.Backend {
	case BackendLocal, "":
		j.Backend = job.NewLocal()
	case BackendDummy:
		dm := job.NewDummy()
		if p := d.Dummy; p != nil {
			dm.Steps, dm.Delay, dm.FailSubmit, dm.FailPoll = p.Steps, p.Delay, p.FailSubmit, p.FailPoll
			if p.Final != "" {
				dm.Final = job.Status(p.Final)
			}
		}
		j.Backend = dm
	default:
		return nil, fmt.Errorf("job %q: unknown backend %q", d.Name, d.Backend)
	}

	if len(d.Split) > 0 {
		j.Splitter = job.NewArgSplitter(d.Split...)
	}
	return j, nil
}

// Watcher reports changes of a job file
type Watcher struct {
	File     string
	Interval time.Duration // how often to check file modification time
}

// Changes returns channel with definitions reloaded on every change of the file. The first
// load happens right away. Channel closed on ctx done.
func (w Watcher) Changes(ctx context.Context) (<-chan []Definition, error) {
	if w.Interval <= 0 {
		return nil, fmt.Errorf("watch interval must be positive, got %v", w.Interval)
	}
	ch := make(chan []Definition)
	mtime := func() (time.Time, error) {
		fi, err := os.Stat(w.File)
		if err != nil {
			return time.Time{}, err
		}
		return fi.ModTime(), nil
	}

	go func() {
		defer close(ch)
		var lastMtime time.Time
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		check := func() {
			m, err := mtime()
			if err != nil {
				log.Printf("[WARN] can't get info about %s, %v", w.File, err)
				return
			}
			// change should be at least interval/2 old to skip intermediate saves
			if m.Equal(lastMtime) || time.Since(m) < w.Interval/2 {
				return
			}
			lastMtime = m
			defs, err := Load(w.File)
			if err != nil {
				log.Printf("[WARN] can't load jobs from %s, %v", w.File, err)
				return
			}
			select {
			case ch <- defs:
			case <-ctx.Done():
			}
		}
		for {
			check()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}
