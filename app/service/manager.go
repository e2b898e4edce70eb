// Package service provides job management actions (submit, kill, resubmit, copy, remove) and the
// monitor polling backends of active jobs in the background.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/registry"
	"github.com/umputun/ganga/app/schema"
)

//go:generate moq -out mocks/cron.go -pkg mocks -skip-ensure -fmt goimports . Cron
//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Gate checks host conditions before jobs started on the local host
type Gate interface {
	Check(ctx context.Context) (ok bool, reason string)
}

// Manager performs user actions on jobs of the jobs registry. Every action runs under the
// registry entry lock and is flushed right away.
type Manager struct {
	Registries   *registry.Set
	WorkDir      string   // workspace root, job dirs made as WorkDir/<id>[/<subjob>]
	Repeater     Repeater // retries of backend submit, single attempt if nil
	Conditions   Gate     // optional, checked for jobs with local backend
	MaxResubmits int      // automatic resubmits of a failed job or subjob, none if 0
}

// Create adds a new job to the jobs registry
func (m *Manager) Create(j *job.Job) (int, error) {
	if j.IsTemplate() {
		return 0, fmt.Errorf("template can't be added as a job")
	}
	if j.Status != job.StatusNew {
		return 0, fmt.Errorf("new job expected, got %s", j.Status)
	}
	id, err := m.Registries.Jobs().Add(j)
	if err != nil {
		return 0, fmt.Errorf("can't add job: %w", err)
	}
	log.Printf("[INFO] job %d created, %s", id, j.Name)
	return id, nil
}

// Submit splits the job if it has a splitter and submits the job or all its subjobs.
// Submitting status with the subjobs is stored before any backend call, so a crashed submit is
// found by Recover. On failure the job rolls back to new, subjobs made by the split dropped.
func (m *Manager) Submit(ctx context.Context, id int) error {
	return m.updateCommit(id, func(j *job.Job, commit func() error) error {
		if j.IsTemplate() {
			return &job.JobError{ID: j.FQID(), Op: "submit", Err: errors.New("templates can't be submitted")}
		}
		if j.Status != job.StatusNew {
			return &job.JobError{ID: j.FQID(), Op: "submit", Err: fmt.Errorf("status %s, only new jobs can be submitted", j.Status)}
		}
		if j.Backend == nil {
			return &job.JobError{ID: j.FQID(), Op: "submit", Err: errors.New("no backend")}
		}
		if err := m.checkConditions(ctx, j); err != nil {
			return &job.JobError{ID: j.FQID(), Op: "submit", Err: err}
		}
		if err := j.UpdateStatus(job.StatusSubmitting); err != nil {
			return &job.JobError{ID: j.FQID(), Op: "submit", Err: err}
		}

		split := false
		if j.Splitter != nil && len(j.Subjobs()) == 0 {
			subjobs, err := j.Splitter.Split(j)
			if err != nil {
				m.rollback(ctx, j, nil, false)
				return &job.JobError{ID: j.FQID(), Op: "split", Err: err}
			}
			j.SetSubjobs(subjobs)
			split = true
			log.Printf("[INFO] job %s split into %d subjobs", j.FQID(), len(subjobs))
		}

		targets := j.Subjobs()
		if len(targets) == 0 {
			targets = []*job.Job{j}
		}
		for _, t := range targets {
			if t.Status == job.StatusSubmitting {
				continue
			}
			if err := t.UpdateStatus(job.StatusSubmitting); err != nil {
				m.rollback(ctx, j, nil, split)
				return &job.JobError{ID: t.FQID(), Op: "submit", Err: err}
			}
		}
		if err := commit(); err != nil {
			m.rollback(ctx, j, nil, split)
			return &job.JobError{ID: j.FQID(), Op: "submit", Err: fmt.Errorf("can't store submitting status: %w", err)}
		}

		submitted := make([]*job.Job, 0, len(targets))
		for _, t := range targets {
			if err := m.submitOne(ctx, t); err != nil {
				m.rollback(ctx, j, submitted, split)
				return &job.JobError{ID: t.FQID(), Op: "submit", Err: err}
			}
			submitted = append(submitted, t)
		}
		j.RollupStatus()
		log.Printf("[INFO] job %s submitted, status %s", j.FQID(), j.Status)
		return nil
	})
}

// Kill kills the job or all its active subjobs
func (m *Manager) Kill(ctx context.Context, id int) error {
	return m.update(id, func(j *job.Job) error {
		targets := j.Subjobs()
		if len(targets) == 0 {
			targets = []*job.Job{j}
		}
		var errs *multierror.Error
		killed := 0
		for _, t := range targets {
			if !t.Status.IsActive() && t.Status != job.StatusSubmitting {
				continue
			}
			if err := t.Backend.Kill(ctx, t); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("job %s: %w", t.FQID(), err))
				continue
			}
			if err := t.UpdateStatus(job.StatusKilled); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			killed++
		}
		j.RollupStatus()
		if killed == 0 && errs == nil {
			return &job.JobError{ID: j.FQID(), Op: "kill", Err: fmt.Errorf("status %s, nothing to kill", j.Status)}
		}
		if err := errs.ErrorOrNil(); err != nil {
			return &job.JobError{ID: j.FQID(), Op: "kill", Err: err}
		}
		log.Printf("[INFO] job %s killed", j.FQID())
		return nil
	})
}

// Resubmit submits again a finished job, for split jobs only failed and killed subjobs resubmitted
func (m *Manager) Resubmit(ctx context.Context, id int) error {
	return m.update(id, func(j *job.Job) error {
		targets := []*job.Job{}
		for _, sj := range j.Subjobs() {
			if sj.Status == job.StatusFailed || sj.Status == job.StatusKilled {
				targets = append(targets, sj)
			}
		}
		if len(j.Subjobs()) == 0 {
			if !j.Status.IsFinal() {
				return &job.JobError{ID: j.FQID(), Op: "resubmit", Err: fmt.Errorf("status %s, only finished jobs can be resubmitted", j.Status)}
			}
			targets = []*job.Job{j}
		}
		if len(targets) == 0 {
			return &job.JobError{ID: j.FQID(), Op: "resubmit", Err: errors.New("no failed or killed subjobs")}
		}
		if err := m.checkConditions(ctx, j); err != nil {
			return &job.JobError{ID: j.FQID(), Op: "resubmit", Err: err}
		}
		var errs *multierror.Error
		for _, t := range targets {
			prev := t.Status
			if err := t.UpdateStatus(job.StatusSubmitting); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if err := m.submitOne(ctx, t); err != nil {
				t.Status = prev // restore without a transition record
				errs = multierror.Append(errs, fmt.Errorf("job %s: %w", t.FQID(), err))
			}
		}
		j.RollupStatus()
		if err := errs.ErrorOrNil(); err != nil {
			return &job.JobError{ID: j.FQID(), Op: "resubmit", Err: err}
		}
		log.Printf("[INFO] job %s resubmitted, %d jobs", j.FQID(), len(targets))
		return nil
	})
}

// AutoResubmit resubmits failed job id or its failed subjob sub (-1 for the job itself) if the job
// has auto resubmit set and the target was resubmitted less than MaxResubmits times.
// Returns true if resubmitted.
func (m *Manager) AutoResubmit(ctx context.Context, id, sub int) (bool, error) {
	resubmitted := false
	err := m.update(id, func(j *job.Job) error {
		if !j.AutoResubmit {
			return nil
		}
		t := j
		if sub >= 0 {
			sj, ok := j.Subjob(sub)
			if !ok {
				return fmt.Errorf("job %d has no subjob %d", id, sub)
			}
			t = sj
		}
		if t.Status != job.StatusFailed {
			return nil
		}
		if t.Resubmits >= m.MaxResubmits {
			log.Printf("[INFO] job %s failed after %d automatic resubmits, give up", t.FQID(), t.Resubmits)
			return nil
		}
		if err := m.checkConditions(ctx, j); err != nil {
			return &job.JobError{ID: t.FQID(), Op: "auto resubmit", Err: err}
		}
		t.Resubmits++
		if err := m.submitOne(ctx, t); err != nil {
			t.Status = job.StatusFailed // restore without a transition record
			j.RollupStatus()
			return &job.JobError{ID: t.FQID(), Op: "auto resubmit", Err: err}
		}
		j.RollupStatus()
		resubmitted = true
		log.Printf("[INFO] job %s resubmitted automatically, attempt %d of %d", t.FQID(), t.Resubmits, m.MaxResubmits)
		return nil
	})
	return resubmitted, err
}

// Remove kills the job if active and removes it with all subjobs and its workspace
func (m *Manager) Remove(ctx context.Context, id int) error {
	obj, err := m.Registries.Jobs().Get(id)
	if err != nil {
		return err
	}
	if j, ok := obj.(*job.Job); ok && (j.Status.IsActive() || j.Status == job.StatusSubmitting) {
		if err := m.Kill(ctx, id); err != nil {
			log.Printf("[WARN] can't kill job %d before removal, %v", id, err)
		}
	}
	if err := m.Registries.Jobs().Remove(id); err != nil {
		return fmt.Errorf("can't remove job %d: %w", id, err)
	}
	if m.WorkDir != "" {
		if err := os.RemoveAll(filepath.Join(m.WorkDir, strconv.Itoa(id))); err != nil {
			log.Printf("[WARN] can't remove workspace of job %d, %v", id, err)
		}
	}
	log.Printf("[INFO] job %d removed", id)
	return nil
}

// Copy makes a new job from an existing one
func (m *Manager) Copy(id int) (int, error) {
	src, err := m.job(m.Registries.Jobs(), id)
	if err != nil {
		return 0, err
	}
	j, err := src.Copy()
	if err != nil {
		return 0, fmt.Errorf("can't copy job %d: %w", id, err)
	}
	return m.Create(j)
}

// FromTemplate makes a new job from a template of the templates registry
func (m *Manager) FromTemplate(templateID int) (int, error) {
	tmpl, err := m.job(m.Registries.Templates(), templateID)
	if err != nil {
		return 0, err
	}
	j, err := tmpl.Copy()
	if err != nil {
		return 0, fmt.Errorf("can't make job from template %d: %w", templateID, err)
	}
	return m.Create(j)
}

// SaveTemplate stores a template made from the job
func (m *Manager) SaveTemplate(id int) (int, error) {
	src, err := m.job(m.Registries.Jobs(), id)
	if err != nil {
		return 0, err
	}
	tmpl, err := src.AsTemplate()
	if err != nil {
		return 0, fmt.Errorf("can't make template of job %d: %w", id, err)
	}
	return m.Registries.Templates().Add(tmpl)
}

// submitOne moves a single job or subjob from submitting to submitted via its backend
func (m *Manager) submitOne(ctx context.Context, t *job.Job) error {
	if t.Status != job.StatusSubmitting {
		if err := t.UpdateStatus(job.StatusSubmitting); err != nil {
			return err
		}
	}
	if t.Backend == nil {
		return errors.New("no backend")
	}
	rep := m.Repeater
	if rep == nil {
		rep = repeater.New(&strategy.Once{})
	}
	workdir := m.workDir(t)
	if err := rep.Do(ctx, func() error { return t.Backend.Submit(ctx, t, workdir) }); err != nil {
		return err
	}
	return t.UpdateStatus(job.StatusSubmitted)
}

// checkConditions runs the gate for jobs started on the local host
func (m *Manager) checkConditions(ctx context.Context, j *job.Job) error {
	if m.Conditions == nil {
		return nil
	}
	if _, local := j.Backend.(*job.Local); !local {
		return nil
	}
	if ok, reason := m.Conditions.Check(ctx); !ok {
		return fmt.Errorf("host conditions not met: %s", reason)
	}
	return nil
}

// rollback kills already submitted subjobs, drops subjobs made by this submit and moves
// the job back to new
func (m *Manager) rollback(ctx context.Context, j *job.Job, submitted []*job.Job, dropSubjobs bool) {
	for _, t := range submitted {
		if t == j {
			continue
		}
		if err := t.Backend.Kill(ctx, t); err != nil {
			log.Printf("[WARN] can't kill %s on rollback, %v", t.FQID(), err)
		}
	}
	if dropSubjobs {
		j.SetSubjobs(nil)
	}
	for _, sj := range j.Subjobs() {
		if sj.Status == job.StatusSubmitting || sj.Status == job.StatusSubmitted {
			sj.Status = job.StatusNew
		}
	}
	if err := j.UpdateStatus(job.StatusNew); err != nil {
		log.Printf("[WARN] can't roll back job %s, %v", j.FQID(), err)
	}
	log.Printf("[INFO] job %s rolled back to %s", j.FQID(), j.Status)
}

// update runs fn for the job under the registry lock and flushes the jobs registry
func (m *Manager) update(id int, fn func(j *job.Job) error) error {
	return m.updateCommit(id, func(j *job.Job, _ func() error) error { return fn(j) })
}

// updateCommit is update with fn able to store the job before it returns
func (m *Manager) updateCommit(id int, fn func(j *job.Job, commit func() error) error) error {
	jobs := m.Registries.Jobs()
	err := jobs.UpdateCommit(id, func(obj schema.Object, commit func() error) error {
		j, ok := obj.(*job.Job)
		if !ok {
			return fmt.Errorf("object %d is %T, not a job", id, obj)
		}
		return fn(j, commit)
	})
	if fErr := jobs.Flush(); fErr != nil {
		return multierror.Append(err, fErr).ErrorOrNil()
	}
	return err
}

func (m *Manager) job(r *registry.Registry, id int) (*job.Job, error) {
	obj, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	j, ok := obj.(*job.Job)
	if !ok {
		return nil, fmt.Errorf("object %d of %s is %T, not a job", id, r.Name(), obj)
	}
	return j, nil
}

func (m *Manager) workDir(t *job.Job) string {
	if master := t.Master(); master != nil {
		return filepath.Join(m.WorkDir, strconv.Itoa(master.ID), strconv.Itoa(t.ID))
	}
	return filepath.Join(m.WorkDir, strconv.Itoa(t.ID))
}
