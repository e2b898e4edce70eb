package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/repository"
	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/session"
)

type testEnv struct {
	dir  string
	repo *repository.File
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	repo, err := repository.NewFile(filepath.Join(dir, "data"), job.Catalog(),
		repository.FileOpts{Name: "jobs", LockAttempts: 100, LockDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	return &testEnv{dir: dir, repo: repo}
}

// registry makes a registry with its own session, like another ganga process would have
func (e *testEnv) registry(t *testing.T) *Registry {
	sess, err := session.Open(session.Opts{Dir: e.dir, Registry: "jobs", LockAttempts: 100, LockDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	r := New("jobs", e.repo, sess)
	require.NoError(t, r.Startup())
	return r
}

func newJob(name string) *job.Job {
	j := job.New()
	j.Name = name
	j.Application = &job.Executable{Exe: "echo", Args: []string{name}}
	j.Backend = job.NewDummy()
	return j
}

func TestRegistry_AddGet(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry(t)

	id, err := r.Add(newJob("first"))
	require.NoError(t, err)
	assert.Equal(t, 0, id)
	id, err = r.Add(newJob("second"))
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.Equal(t, StateClean, r.State(1))

	other := env.registry(t)
	assert.Equal(t, []int{0, 1}, other.IDs())
	assert.Equal(t, StateNotLoaded, other.State(1), "startup doesn't load objects")

	obj, err := other.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateClean, other.State(1))
	j := obj.(*job.Job)
	assert.Equal(t, "second", j.Name)
	assert.Equal(t, 1, j.ID)

	_, err = other.Get(10)
	var notFound *repository.ObjectNotInRegistryError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 10, notFound.ID)
}

func TestRegistry_UpdateFlush(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry(t)
	id, err := r.Add(newJob("job"))
	require.NoError(t, err)

	err = r.Update(id, func(obj schema.Object) error {
		obj.(*job.Job).Comment = "changed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateDirty, r.State(id))

	stored, err := env.repo.Read(id)
	require.NoError(t, err)
	assert.Empty(t, stored.(*job.Job).Comment, "not flushed yet")

	require.NoError(t, r.Flush())
	assert.Equal(t, StateFlushed, r.State(id))
	stored, err = env.repo.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "changed", stored.(*job.Job).Comment)

	err = r.Update(id, func(obj schema.Object) error { return errors.New("oops") })
	require.EqualError(t, err, "oops")
	assert.Equal(t, StateDirty, r.State(id))
	require.NoError(t, r.Shutdown())
	assert.Equal(t, StateFlushed, r.State(id))
}

func TestRegistry_UpdateCommit(t *testing.T) {
	env := newTestEnv(t)
	r1, r2 := env.registry(t), env.registry(t)
	id, err := r1.Add(newJob("job"))
	require.NoError(t, err)
	require.NoError(t, r2.Startup())

	err = r1.UpdateCommit(id, func(obj schema.Object, commit func() error) error {
		obj.(*job.Job).Comment = "committed"
		require.NoError(t, commit())
		stored, err := env.repo.Read(id)
		require.NoError(t, err)
		assert.Equal(t, "committed", stored.(*job.Job).Comment, "written before fn returns")

		err = r2.Update(id, func(obj schema.Object) error { return nil })
		var lockErr *repository.RegistryLockError
		assert.ErrorAs(t, err, &lockErr, "ownership kept after commit")

		obj.(*job.Job).Comment = "final"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateDirty, r1.State(id))
	require.NoError(t, r1.Flush())
	stored, err := env.repo.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "final", stored.(*job.Job).Comment)
}

func TestRegistry_SubjobParentLink(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry(t)

	master := newJob("master")
	master.Splitter = job.NewArgSplitter([]string{"a"}, []string{"b"}, []string{"c"})
	id, err := r.Add(master)
	require.NoError(t, err)

	subjobs, err := master.Splitter.Split(master)
	require.NoError(t, err)
	children := make([]schema.Object, 0, len(subjobs))
	for _, sj := range subjobs {
		children = append(children, sj)
	}
	require.NoError(t, r.AddChildren(id, children))
	require.NoError(t, r.Flush())

	other := env.registry(t)
	obj, err := other.Get(id)
	require.NoError(t, err)
	loaded := obj.(*job.Job)
	require.Len(t, loaded.Subjobs(), 3)
	for i, sj := range loaded.Subjobs() {
		assert.Equal(t, i, sj.ID)
		assert.Same(t, loaded, sj.Master())
		assert.Equal(t, id, sj.Master().ID)
		app := sj.Application.(*job.Executable)
		assert.Equal(t, []string{string(rune('a' + i))}, app.Args)
	}

	child, err := other.Lookup("0.2")
	require.NoError(t, err)
	assert.Equal(t, "0.2", child.(*job.Job).FQID())

	require.NoError(t, other.Remove(id))
	assert.Empty(t, other.IDs())
	for sub := 0; sub < 3; sub++ {
		_, err := env.repo.ReadChild(id, sub)
		var notFound *repository.ObjectNotInRegistryError
		assert.ErrorAs(t, err, &notFound, "subjob %d removed with master", sub)
	}
	_, err = other.Get(id)
	assert.Error(t, err)
}

func TestRegistry_UpdateChild(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry(t)
	master := newJob("master")
	master.SetSubjobs([]*job.Job{newJob("s0"), newJob("s1")})
	id, err := r.Add(master)
	require.NoError(t, err)

	err = r.UpdateChild(id, 1, func(obj schema.Object) error {
		obj.(*job.Job).Comment = "child changed"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, r.Flush())

	child, err := env.repo.ReadChild(id, 1)
	require.NoError(t, err)
	assert.Equal(t, "child changed", child.(*job.Job).Comment)

	err = r.UpdateChild(id, 7, func(schema.Object) error { return nil })
	var notFound *repository.ObjectNotInRegistryError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 7, notFound.Sub)
}

func TestRegistry_LockFailFast(t *testing.T) {
	env := newTestEnv(t)
	r1, r2 := env.registry(t), env.registry(t)
	id, err := r1.Add(newJob("shared"))
	require.NoError(t, err)
	require.NoError(t, r2.Startup())

	require.NoError(t, r1.Update(id, func(obj schema.Object) error {
		obj.(*job.Job).Comment = "from r1"
		return nil
	}))

	start := time.Now()
	err = r2.Update(id, func(obj schema.Object) error { return nil })
	var lockErr *repository.RegistryLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, id, lockErr.ID)
	assert.Less(t, time.Since(start), 2*time.Second, "fail fast")

	err = r2.Remove(id)
	require.ErrorAs(t, err, &lockErr)

	require.NoError(t, r1.Flush(), "flush releases ownership")
	var comment string
	require.NoError(t, r2.Update(id, func(obj schema.Object) error {
		comment = obj.(*job.Job).Comment
		return nil
	}))
	assert.Equal(t, "from r1", comment, "reloaded after ownership taken")
}

func TestRegistry_SliceLookup(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry(t)
	for i := 0; i < 5; i++ {
		_, err := r.Add(newJob("j"))
		require.NoError(t, err)
	}
	require.NoError(t, r.Remove(2))

	tbl := []struct {
		lo, hi int
		res    []int
		err    bool
	}{
		{0, 4, []int{0, 1, 3, 4}, false},
		{1, 3, []int{1, 3}, false},
		{-2, 4, []int{3, 4}, false},
		{0, -1, []int{0, 1, 3}, false},
		{2, 2, []int{}, false},
		{3, 1, nil, true},
		{0, 10, nil, true},
		{-10, 2, nil, true},
	}
	for _, tt := range tbl {
		res, err := r.Slice(tt.lo, tt.hi)
		if tt.err {
			var keyErr *RegistryKeyError
			assert.ErrorAs(t, err, &keyErr, "%d:%d", tt.lo, tt.hi)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.res, res, "%d:%d", tt.lo, tt.hi)
	}

	obj, err := r.Lookup("-1")
	require.NoError(t, err)
	assert.Equal(t, 4, obj.(*job.Job).ID)

	for _, key := range []string{"abc", "1.2.3", "1.x", ""} {
		_, err := r.Lookup(key)
		var keyErr *RegistryKeyError
		assert.ErrorAs(t, err, &keyErr, key)
	}
	_, err = r.Lookup("2")
	var notFound *repository.ObjectNotInRegistryError
	assert.ErrorAs(t, err, &notFound)
	_, err = r.Lookup("1.0")
	assert.ErrorAs(t, err, &notFound, "no subjobs")
}

func TestRegistry_CorruptedRecordIsolated(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry(t)
	for _, name := range []string{"a", "b", "c"} {
		_, err := r.Add(newJob(name))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "data", "0xxx", "1", "data"), []byte("{{{"), 0o600))

	other := env.registry(t)
	errs := other.LoadAll()
	require.Len(t, errs, 1)
	var repErr *repository.RepositoryError
	assert.ErrorAs(t, errs[1], &repErr)

	for _, id := range []int{0, 2} {
		_, err := other.Get(id)
		assert.NoError(t, err)
	}
	_, err := other.Get(1)
	assert.ErrorAs(t, err, &repErr)
}

func TestRegistry_Summaries(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry(t)
	j := newJob("running one")
	j.Status = job.StatusRunning
	_, err := r.Add(j)
	require.NoError(t, err)
	_, err = r.Add(newJob("new one"))
	require.NoError(t, err)

	other := env.registry(t)
	sums := other.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "running one", sums[0].Index["name"])
	assert.Equal(t, "running", sums[0].Index["status"])
	assert.Equal(t, StateNotLoaded, other.State(0), "summaries taken from index")

	active := other.Select(func(s Summary) bool { return s.Index["status"] == "running" })
	require.Len(t, active, 1)
	assert.Equal(t, 0, active[0].ID)
}

func TestRegistry_StartupRescan(t *testing.T) {
	env := newTestEnv(t)
	r1, r2 := env.registry(t), env.registry(t)

	id, err := r1.Add(newJob("added by r1"))
	require.NoError(t, err)
	assert.Empty(t, r2.IDs())

	obj, err := r2.Get(id)
	require.NoError(t, err, "unknown id checked in repository")
	assert.Equal(t, "added by r1", obj.(*job.Job).Name)

	id2, err := r1.Add(newJob("another"))
	require.NoError(t, err)
	require.NoError(t, r2.Startup())
	assert.Equal(t, []int{id, id2}, r2.IDs())

	require.NoError(t, r1.Remove(id))
	require.NoError(t, r2.Startup())
	assert.Equal(t, []int{id2}, r2.IDs())
}

func TestSet_OpenClose(t *testing.T) {
	for _, typ := range []string{RepoFile, RepoSQLite} {
		t.Run(typ, func(t *testing.T) {
			dir := t.TempDir()
			cfg := Config{Dir: dir, Type: typ, Catalog: job.Catalog(), LockAttempts: 50, LockDelay: 5 * time.Millisecond}
			set, err := Open(cfg)
			require.NoError(t, err)

			id, err := set.Jobs().Add(newJob("persisted"))
			require.NoError(t, err)
			tmpl, err := newJob("tmpl").AsTemplate()
			require.NoError(t, err)
			_, err = set.Templates().Add(tmpl)
			require.NoError(t, err)
			_, err = set.Box().Add(&job.BoxItem{Name: "item", Object: job.NewExecutable()})
			require.NoError(t, err)
			require.NoError(t, set.Jobs().Update(id, func(obj schema.Object) error {
				obj.(*job.Job).Comment = "dirty at close"
				return nil
			}))
			require.NoError(t, set.Close())

			set, err = Open(cfg)
			require.NoError(t, err)
			defer set.Close()
			obj, err := set.Jobs().Get(id)
			require.NoError(t, err)
			assert.Equal(t, "dirty at close", obj.(*job.Job).Comment, "flushed on close")
			assert.Equal(t, 1, set.Templates().Len())
			box, err := set.Box().Get(0)
			require.NoError(t, err)
			assert.Equal(t, "item", box.(*job.BoxItem).Name)
			assert.Equal(t, 0, set.Tasks().Len())

			_, err = set.Get("unknown")
			var keyErr *RegistryKeyError
			assert.ErrorAs(t, err, &keyErr)
			reg, err := set.Get(Templates)
			require.NoError(t, err)
			assert.Equal(t, Templates, reg.Name())
		})
	}
}

func TestSet_UnknownType(t *testing.T) {
	_, err := Open(Config{Dir: t.TempDir(), Type: "pickle", Catalog: job.Catalog()})
	assert.ErrorContains(t, err, "unknown repository type")
}
