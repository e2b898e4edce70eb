package repository

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/schema"
)

func newTestSQLite(t *testing.T) *SQLite {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "jobs.db"), job.Catalog(), SQLiteOpts{Name: "jobs"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_WriteRead(t *testing.T) {
	s := newTestSQLite(t)
	j := newTestJob("job1")
	master := newTestJob("master")
	master.SetSubjobs([]*job.Job{newTestJob("sub0"), newTestJob("sub1")})

	require.NoError(t, s.Write(1, j))
	require.NoError(t, s.Write(2, master))
	for _, sj := range master.Subjobs() {
		require.NoError(t, s.WriteChild(2, sj.ID, sj))
	}

	obj, err := s.Read(1)
	require.NoError(t, err)
	assert.True(t, schema.Equal(j, obj))

	j.Name = "job1-renamed"
	require.NoError(t, s.Write(1, j))
	obj, err = s.Read(1)
	require.NoError(t, err)
	assert.Equal(t, "job1-renamed", obj.(*job.Job).Name)

	obj, err = s.Read(2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, obj.(*job.Job).ChildIDs())
	child, err := s.ReadChild(2, 1)
	require.NoError(t, err)
	assert.Equal(t, "sub1", child.(*job.Job).Name)

	idx, err := s.Index(2)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "master", "status": "new", "class": "Job", "subjobs": "2",
		"application": "Executable", "backend": "Dummy"}, idx)

	ids, err := s.IDs()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)
}

func TestSQLite_Missing(t *testing.T) {
	s := newTestSQLite(t)
	var notFound *ObjectNotInRegistryError

	_, err := s.Read(5)
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, -1, notFound.Sub)

	_, err = s.ReadChild(5, 0)
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, notFound.Sub)

	_, err = s.Index(5)
	require.ErrorAs(t, err, &notFound)
}

func TestSQLite_AllocateIDs(t *testing.T) {
	s := newTestSQLite(t)
	ids, err := s.AllocateIDs(2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, ids)
	ids, err = s.AllocateIDs(3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, ids)

	var mu sync.Mutex
	all := []int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := s.AllocateIDs(2)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			all = append(all, ids...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Ints(all)
	require.Len(t, all, 20)
	for i, id := range all {
		assert.Equal(t, i+5, id)
	}
}

func TestSQLite_DeleteIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	master := newTestJob("master")
	master.SetSubjobs([]*job.Job{newTestJob("sub0")})
	require.NoError(t, s.Write(3, master))
	require.NoError(t, s.WriteChild(3, 0, master.Subjobs()[0]))

	require.NoError(t, s.Delete(3))
	require.NoError(t, s.Delete(3))

	var notFound *ObjectNotInRegistryError
	_, err := s.Read(3)
	assert.ErrorAs(t, err, &notFound)
	_, err = s.ReadChild(3, 0)
	assert.ErrorAs(t, err, &notFound)
}

func TestSQLite_CorruptedRecord(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Write(1, newTestJob("one")))
	require.NoError(t, s.Write(2, newTestJob("two")))
	_, err := s.db.Exec("UPDATE objects SET data = ? WHERE id = 1", []byte("{broken"))
	require.NoError(t, err)

	_, err = s.Read(1)
	var repErr *RepositoryError
	require.ErrorAs(t, err, &repErr)
	assert.Equal(t, 1, repErr.ID)

	obj, err := s.Read(2)
	require.NoError(t, err)
	assert.Equal(t, "two", obj.(*job.Job).Name)
}
