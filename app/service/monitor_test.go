package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/service/mocks"
)

func TestMonitor_PollToCompletion(t *testing.T) {
	set := newTestSet(t, t.TempDir())
	m := Manager{Registries: set}
	ctx := context.Background()

	id, err := m.Create(newDummyJob("single", job.NewDummy()))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, id))

	notif := &mocks.NotifierMock{
		IsOnErrorFunc:      func() bool { return true },
		IsOnCompletionFunc: func() bool { return true },
		MakeCompletionHTMLFunc: func(id, name, backend string) (string, error) {
			return "done " + id + " " + name + " " + backend, nil
		},
		SendFunc: func(ctx context.Context, subj, text string) error { return nil },
	}
	mon := Monitor{Registries: set, Notifier: notif}

	mon.Poll(ctx)
	assert.Equal(t, job.StatusRunning, jobStatus(t, set, id))
	assert.Empty(t, notif.SendCalls())

	mon.Poll(ctx)
	assert.Equal(t, job.StatusCompleted, jobStatus(t, set, id))
	require.Len(t, notif.SendCalls(), 1)
	assert.Equal(t, "ganga job "+strconv.Itoa(id)+" completed", notif.SendCalls()[0].Subj)
	assert.Equal(t, "done "+strconv.Itoa(id)+" single Dummy", notif.SendCalls()[0].Text)

	mon.Poll(ctx)
	assert.Len(t, notif.SendCalls(), 1, "finished job not polled")

	st := mon.Stats()
	assert.Equal(t, 3, st.Cycles)
	assert.Equal(t, 2, st.Polls)
	assert.Equal(t, 2, st.Changes)
	assert.Equal(t, 0, st.Failures)
}

func TestMonitor_PollIsolation(t *testing.T) {
	set := newTestSet(t, t.TempDir())
	m := Manager{Registries: set}
	ctx := context.Background()

	fine := job.NewDummy()
	fine.Steps = 1
	broken := job.NewDummy()
	broken.FailPoll = true
	stuck := job.NewDummy()
	stuck.Delay = 5

	ids := []int{}
	for i, d := range []*job.Dummy{fine, broken, stuck} {
		id, err := m.Create(newDummyJob("job"+strconv.Itoa(i), d))
		require.NoError(t, err)
		require.NoError(t, m.Submit(ctx, id))
		ids = append(ids, id)
	}

	mon := Monitor{Registries: set, PollTimeout: 200 * time.Millisecond, Concurrency: 2}
	st := time.Now()
	mon.Poll(ctx)
	assert.Less(t, time.Since(st), 2*time.Second, "stuck poll doesn't block the cycle")

	assert.Equal(t, job.StatusCompleted, jobStatus(t, set, ids[0]))
	assert.Equal(t, job.StatusSubmitted, jobStatus(t, set, ids[1]), "failed poll leaves job as is")
	assert.Equal(t, job.StatusSubmitted, jobStatus(t, set, ids[2]), "timed out poll leaves job as is")
	assert.Equal(t, 2, mon.Stats().Failures)
}

func TestMonitor_SkipInFlight(t *testing.T) {
	set := newTestSet(t, t.TempDir())
	m := Manager{Registries: set}
	ctx := context.Background()

	id, err := m.Create(newDummyJob("single", job.NewDummy()))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, id))

	dedup := NewDeDup()
	dedup.Add(strconv.Itoa(id)) // poll of previous cycle still running
	mon := Monitor{Registries: set, DeDup: dedup}
	mon.Poll(ctx)
	assert.Equal(t, job.StatusSubmitted, jobStatus(t, set, id))
	assert.Equal(t, 1, mon.Stats().Skipped)

	dedup.Remove(strconv.Itoa(id))
	mon.Poll(ctx)
	assert.Equal(t, job.StatusRunning, jobStatus(t, set, id))
}

func TestMonitor_SubjobsRollup(t *testing.T) {
	set := newTestSet(t, t.TempDir())
	m := Manager{Registries: set}
	ctx := context.Background()

	d := job.NewDummy()
	d.Steps = 1
	id, err := m.Create(newDummyJob("split", d, []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, id))

	// second subjob ends up failed
	err = set.Jobs().UpdateChild(id, 1, func(obj schema.Object) error {
		obj.(*job.Job).Backend.(*job.Dummy).Final = job.StatusFailed
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, set.Jobs().Flush())

	var mu sync.Mutex
	sent := 0
	notif := &mocks.NotifierMock{
		IsOnErrorFunc:      func() bool { return true },
		IsOnCompletionFunc: func() bool { return true },
		MakeErrorHTMLFunc: func(id, name, backend, reason string) (string, error) {
			return "failed " + id, nil
		},
		SendFunc: func(ctx context.Context, subj, text string) error {
			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		},
	}
	mon := Monitor{Registries: set, Notifier: notif}
	mon.Poll(ctx)

	obj, err := set.Jobs().Get(id)
	require.NoError(t, err)
	j := obj.(*job.Job)
	sj0, _ := j.Subjob(0)
	sj1, _ := j.Subjob(1)
	assert.Equal(t, job.StatusCompleted, sj0.Status)
	assert.Equal(t, job.StatusFailed, sj1.Status)
	assert.Equal(t, job.StatusFailed, j.Status, "master status rolled up")

	require.Len(t, notif.MakeErrorHTMLCalls(), 1)
	assert.Equal(t, strconv.Itoa(id), notif.MakeErrorHTMLCalls()[0].ID)
	assert.Equal(t, 1, sent)
}

func TestMonitor_AutoResubmit(t *testing.T) {
	set := newTestSet(t, t.TempDir())
	m := Manager{Registries: set, MaxResubmits: 2}
	ctx := context.Background()

	d := job.NewDummy()
	d.Steps = 1
	j := newDummyJob("split", d, []string{"a"}, []string{"b"})
	j.AutoResubmit = true
	id, err := m.Create(j)
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, id))
	require.NoError(t, set.Jobs().UpdateChild(id, 1, func(obj schema.Object) error {
		obj.(*job.Job).Backend.(*job.Dummy).Final = job.StatusFailed
		return nil
	}))
	require.NoError(t, set.Jobs().Flush())

	plain, err := m.Create(newDummyJob("plain", job.NewDummy()))
	require.NoError(t, err)

	notif := &mocks.NotifierMock{
		IsOnErrorFunc:      func() bool { return true },
		IsOnCompletionFunc: func() bool { return false },
		MakeErrorHTMLFunc: func(id, name, backend, reason string) (string, error) {
			return "failed " + id, nil
		},
		SendFunc: func(ctx context.Context, subj, text string) error { return nil },
	}
	mon := Monitor{Registries: set, Notifier: notif, Resubmitter: &m}

	subjob := func() *job.Job {
		obj, err := set.Jobs().Get(id)
		require.NoError(t, err)
		sj, ok := obj.(*job.Job).Subjob(1)
		require.True(t, ok)
		return sj
	}

	for i := 1; i <= 2; i++ {
		mon.Poll(ctx)
		assert.Equal(t, job.StatusSubmitted, subjob().Status, "resubmitted after failure %d", i)
		assert.Equal(t, i, subjob().Resubmits)
		assert.Equal(t, job.StatusSubmitted, jobStatus(t, set, id))
		assert.Empty(t, notif.SendCalls(), "no notification for resubmitted job")
	}

	mon.Poll(ctx)
	assert.Equal(t, job.StatusFailed, subjob().Status, "limit reached")
	assert.Equal(t, 2, subjob().Resubmits)
	assert.Equal(t, job.StatusFailed, jobStatus(t, set, id))
	assert.Len(t, notif.SendCalls(), 1)
	assert.Equal(t, 2, mon.Stats().Resubmits)

	ok, err := m.AutoResubmit(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, ok, "limit reached")
	ok, err = m.AutoResubmit(ctx, plain, -1)
	require.NoError(t, err)
	assert.False(t, ok, "auto resubmit not set")
	_, err = m.AutoResubmit(ctx, id, 5)
	assert.Error(t, err, "no such subjob")
}

func TestMonitor_Do(t *testing.T) {
	set := newTestSet(t, t.TempDir())
	m := Manager{Registries: set}
	id, err := m.Create(newDummyJob("single", job.NewDummy()))
	require.NoError(t, err)
	require.NoError(t, m.Submit(context.Background(), id))

	cr := &mocks.CronMock{
		ScheduleFunc: func(schedule cron.Schedule, cmd cron.Job) cron.EntryID { return 1 },
		StartFunc:    func() {},
		StopFunc: func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		},
	}
	mon := Monitor{Cron: cr, Registries: set, Interval: 5 * time.Second, FlushInterval: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Do(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(cr.StartCalls()) == 1 }, time.Second, 10*time.Millisecond)

	calls := cr.ScheduleCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, cron.ConstantDelaySchedule{Delay: 5 * time.Second}, calls[0].Schedule)
	assert.Equal(t, cron.ConstantDelaySchedule{Delay: time.Minute}, calls[1].Schedule)

	calls[0].Cmd.Run() // poll cycle
	assert.Equal(t, job.StatusRunning, jobStatus(t, set, id))
	calls[1].Cmd.Run() // flush

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor not stopped")
	}
	assert.Len(t, cr.StopCalls(), 1)
}
