package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/repository"
	"github.com/umputun/ganga/app/schema"
)

func TestManager_Recover(t *testing.T) {
	m := Manager{Registries: newTestSet(t, t.TempDir())}
	ctx := context.Background()

	// simulate submits interrupted by a crash
	interrupt := func(id int) {
		require.NoError(t, m.Registries.Jobs().Update(id, func(obj schema.Object) error {
			return obj.(*job.Job).UpdateStatus(job.StatusSubmitting)
		}))
	}

	single, err := m.Create(newDummyJob("single", job.NewDummy()))
	require.NoError(t, err)
	interrupt(single)

	split, err := m.Create(newDummyJob("split", job.NewDummy(), []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, split))
	require.NoError(t, m.Registries.Jobs().Update(split, func(obj schema.Object) error {
		j := obj.(*job.Job)
		sj, _ := j.Subjob(1)
		if err := sj.UpdateStatus(job.StatusSubmitting); err != nil {
			return err
		}
		j.RollupStatus()
		return nil
	}))
	require.NoError(t, m.Registries.Jobs().Flush())
	assert.Equal(t, job.StatusSubmitting, jobStatus(t, m.Registries, split))

	fine, err := m.Create(newDummyJob("fine", job.NewDummy()))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, fine))

	n, err := m.Recover(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, job.StatusNew, jobStatus(t, m.Registries, single))
	assert.Equal(t, job.StatusNew, jobStatus(t, m.Registries, split))
	assert.Equal(t, job.StatusSubmitted, jobStatus(t, m.Registries, fine), "submitted job untouched")

	obj, err := m.Registries.Jobs().Get(split)
	require.NoError(t, err)
	for _, sj := range obj.(*job.Job).Subjobs() {
		assert.Equal(t, job.StatusNew, sj.Status)
	}

	interrupt(single)
	n, err = m.Recover(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Registries.Jobs().Get(single)
	var notFound *repository.ObjectNotInRegistryError
	assert.ErrorAs(t, err, &notFound)

	n, err = m.Recover(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing left to recover")
}
