package service

import (
	"context"

	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/registry"
)

// Recover handles jobs left in submitting status by an interrupted process. Such jobs rolled
// back to new with already submitted subjobs killed, or removed if remove is set.
// Returns number of recovered jobs.
func (m *Manager) Recover(ctx context.Context, remove bool) (int, error) {
	stuck := m.Registries.Jobs().Select(func(s registry.Summary) bool {
		return s.Err == nil && job.Status(s.Index["status"]) == job.StatusSubmitting
	})
	if len(stuck) > 0 {
		log.Printf("[INFO] interrupted submits detected, %d jobs", len(stuck))
	}

	var errs *multierror.Error
	count := 0
	for _, s := range stuck {
		if remove {
			if err := m.Remove(ctx, s.ID); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			count++
			continue
		}
		err := m.update(s.ID, func(j *job.Job) error {
			if j.Status != job.StatusSubmitting {
				return nil // recovered by another session
			}
			submitted := []*job.Job{}
			for _, sj := range j.Subjobs() {
				if sj.Status == job.StatusSubmitted {
					submitted = append(submitted, sj)
				}
			}
			m.rollback(ctx, j, submitted, false)
			return nil
		})
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		count++
	}
	return count, errs.ErrorOrNil()
}
