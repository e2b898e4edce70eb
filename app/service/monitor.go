package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"

	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/registry"
	"github.com/umputun/ganga/app/schema"
)

// Cron interface defines basic robfig/cron methods used by monitor
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
}

// Notifier interface defines notification delivery on finished jobs
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(id, name, backend, reason string) (string, error)
	MakeCompletionHTML(id, name, backend string) (string, error)
}

// Resubmitter resubmits failed jobs with auto resubmit set, sub is -1 for jobs without subjobs
type Resubmitter interface {
	AutoResubmit(ctx context.Context, id, sub int) (bool, error)
}

// Dedupper defines a set of in-flight polls
type Dedupper interface {
	Add(key string) bool
	Remove(key string)
}

// Monitor polls backends of all active jobs and subjobs on every cycle. Polls run concurrently,
// each with its own timeout; a failed, panicked or stuck poll affects only its own job.
// Results applied to the jobs registry under the entry lock.
type Monitor struct {
	Cron
	Registries      *registry.Set
	Notifier        Notifier    // optional
	Resubmitter     Resubmitter // optional, failed jobs not resubmitted without it
	DeDup           Dedupper
	Interval        time.Duration // poll cycle interval
	FlushInterval   time.Duration // autoflush of all registries, disabled if 0
	Concurrency     int
	PollTimeout     time.Duration // timeout of a single backend call
	ShutdownTimeout time.Duration // how long to wait for the running cycle on stop
	NotifyTimeout   time.Duration

	statsMu sync.Mutex
	stats   Stats
}

// Stats of the monitor
type Stats struct {
	Cycles    int       `json:"cycles"`
	Polls     int       `json:"polls"`
	Failures  int       `json:"failures"`
	Skipped   int       `json:"skipped"`
	Changes   int       `json:"changes"`
	Resubmits int       `json:"resubmits"`
	LastCycle time.Time `json:"last_cycle"`
}

// pollTarget is a job or subjob to poll, Sub is -1 for jobs without subjobs
type pollTarget struct {
	ID   int
	Sub  int
	FQID string
}

type pollResult struct {
	update job.Update
	err    error
}

// Do runs blocking monitor until ctx is done, then waits for the running cycle up to
// ShutdownTimeout and flushes registries
func (m *Monitor) Do(ctx context.Context) {
	m.setDefaults()
	log.Printf("[INFO] monitor started, interval %v, concurrency %d, poll timeout %v", m.Interval, m.Concurrency, m.PollTimeout)
	m.Schedule(cron.Every(m.Interval), cron.FuncJob(func() { m.Poll(ctx) }))
	if m.FlushInterval > 0 {
		m.Schedule(cron.Every(m.FlushInterval), cron.FuncJob(m.flush))
	}
	m.Start()
	<-ctx.Done()
	log.Print("[DEBUG] terminate monitor")
	select {
	case <-m.Stop().Done():
	case <-time.After(m.ShutdownTimeout):
		log.Printf("[WARN] poll cycle not finished in %v, stop anyway", m.ShutdownTimeout)
	}
	m.flush()
}

// Poll runs a single poll cycle over all active jobs and waits for it
func (m *Monitor) Poll(ctx context.Context) {
	m.setDefaults()
	if ctx.Err() != nil {
		return
	}
	jobs := m.Registries.Jobs()
	if err := jobs.Startup(); err != nil {
		log.Printf("[WARN] can't rescan jobs, %v", err)
	}

	targets := m.targets()
	gr := syncs.NewSizedGroup(m.Concurrency, syncs.Context(ctx))
	for _, t := range targets {
		gr.Go(func(ctx context.Context) {
			m.pollTarget(ctx, t)
		})
	}
	gr.Wait()

	if err := jobs.Flush(); err != nil {
		log.Printf("[WARN] can't flush jobs after poll, %v", err)
	}
	m.statsMu.Lock()
	m.stats.Cycles++
	m.stats.LastCycle = time.Now()
	m.statsMu.Unlock()
	log.Printf("[DEBUG] poll cycle done, %d targets", len(targets))
}

// Stats returns copy of monitor stats
func (m *Monitor) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// targets lists active jobs without subjobs and active subjobs of split jobs
func (m *Monitor) targets() []pollTarget {
	jobs := m.Registries.Jobs()
	active := jobs.Select(func(s registry.Summary) bool {
		return s.Err == nil && job.Status(s.Index["status"]).IsActive()
	})
	res := []pollTarget{}
	for _, s := range active {
		err := jobs.View(s.ID, func(obj schema.Object) error {
			j, ok := obj.(*job.Job)
			if !ok {
				return fmt.Errorf("not a job, %T", obj)
			}
			subjobs := j.Subjobs()
			if len(subjobs) == 0 {
				if j.Status.IsActive() {
					res = append(res, pollTarget{ID: j.ID, Sub: -1, FQID: j.FQID()})
				}
				return nil
			}
			for _, sj := range subjobs {
				if sj.Status.IsActive() {
					res = append(res, pollTarget{ID: j.ID, Sub: sj.ID, FQID: sj.FQID()})
				}
			}
			return nil
		})
		if err != nil {
			log.Printf("[WARN] can't select job %d for polling, %v", s.ID, err)
		}
	}
	return res
}

// pollTarget polls a single job. The backend call gets a snapshot of the job and runs in its own
// goroutine, so a stuck call holds only its dedup key and not the pool slot.
func (m *Monitor) pollTarget(ctx context.Context, t pollTarget) {
	if !m.DeDup.Add(t.FQID) {
		log.Printf("[DEBUG] previous poll of %s still in flight, skip", t.FQID)
		m.count(func(s *Stats) { s.Skipped++ })
		return
	}

	snap, err := m.snapshot(t)
	if err != nil || snap == nil {
		m.DeDup.Remove(t.FQID)
		if err != nil {
			log.Printf("[WARN] can't snapshot job %s, %v", t.FQID, err)
		}
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.PollTimeout)
	defer cancel()
	done := make(chan pollResult, 1)
	go func() {
		defer m.DeDup.Remove(t.FQID)
		defer func() {
			if r := recover(); r != nil {
				done <- pollResult{err: fmt.Errorf("backend panic: %v", r)}
			}
		}()
		u, err := snap.Backend.UpdateMonitoringInformation(pctx, snap)
		done <- pollResult{update: u, err: err}
	}()

	var res pollResult
	select {
	case res = <-done:
	case <-pctx.Done():
		log.Printf("[WARN] poll of job %s not finished in %v, %v", t.FQID, m.PollTimeout, pctx.Err())
		m.count(func(s *Stats) { s.Failures++ })
		return
	}
	m.count(func(s *Stats) { s.Polls++ })
	if res.err != nil {
		log.Printf("[WARN] can't poll job %s, %v", t.FQID, res.err)
		m.count(func(s *Stats) { s.Failures++ })
		return
	}
	m.apply(ctx, t, res.update)
}

// snapshot makes a detached copy of the target, nil if it is not active anymore
func (m *Monitor) snapshot(t pollTarget) (*job.Job, error) {
	var res *job.Job
	err := m.Registries.Jobs().View(t.ID, func(obj schema.Object) error {
		j, ok := obj.(*job.Job)
		if !ok {
			return fmt.Errorf("not a job, %T", obj)
		}
		target := j
		if t.Sub >= 0 {
			sj, ok := j.Subjob(t.Sub)
			if !ok {
				return fmt.Errorf("no subjob %d", t.Sub)
			}
			target = sj
		}
		if !target.Status.IsActive() || target.Backend == nil {
			return nil
		}
		snap, err := target.Snapshot()
		if err != nil {
			return err
		}
		res = snap
		return nil
	})
	return res, err
}

// apply stores poll result in the registry, resubmits failed jobs with auto resubmit set and
// notifies on finished jobs
func (m *Monitor) apply(ctx context.Context, t pollTarget, u job.Update) {
	var before, after job.Status
	var master *job.Job
	var changed, failed bool
	fn := func(target *job.Job) error {
		master = target
		if target.Master() != nil {
			master = target.Master()
		}
		before = master.Status
		prev := target.Status
		ok, err := target.ApplyUpdate(u)
		if err != nil {
			return err
		}
		if ok {
			changed = true
			failed = target.Status == job.StatusFailed && master.AutoResubmit
			log.Printf("[INFO] job %s status %s -> %s %s", target.FQID(), prev, target.Status, u.Reason)
		}
		if target != master {
			master.RollupStatus()
		}
		after = master.Status
		return nil
	}

	jobs := m.Registries.Jobs()
	var err error
	if t.Sub < 0 {
		err = jobs.Update(t.ID, func(obj schema.Object) error { return fn(obj.(*job.Job)) })
	} else {
		err = jobs.UpdateChild(t.ID, t.Sub, func(obj schema.Object) error { return fn(obj.(*job.Job)) })
	}
	if err != nil {
		log.Printf("[WARN] can't apply poll result of job %s, %v", t.FQID, err)
		m.count(func(s *Stats) { s.Failures++ })
		return
	}
	if changed {
		m.count(func(s *Stats) { s.Changes++ })
	}
	if failed && m.Resubmitter != nil {
		ok, err := m.Resubmitter.AutoResubmit(ctx, t.ID, t.Sub)
		if err != nil {
			log.Printf("[WARN] can't resubmit failed job %s, %v", t.FQID, err)
		}
		if ok {
			m.count(func(s *Stats) { s.Resubmits++ })
			return
		}
	}
	if before != after && after.IsFinal() {
		log.Printf("[INFO] job %d finished, %s", t.ID, after)
		m.notify(ctx, master, u.Reason)
	}
}

func (m *Monitor) notify(ctx context.Context, j *job.Job, reason string) {
	if m.Notifier == nil {
		return
	}
	id, name, status := j.FQID(), j.Name, j.Status
	backend := ""
	if j.Backend != nil {
		backend = j.Backend.Schema().Name
	}

	var subj, text string
	var err error
	switch {
	case status == job.StatusFailed && m.Notifier.IsOnError():
		subj = fmt.Sprintf("ganga job %s failed", id)
		text, err = m.Notifier.MakeErrorHTML(id, name, backend, reason)
	case status == job.StatusCompleted && m.Notifier.IsOnCompletion():
		subj = fmt.Sprintf("ganga job %s completed", id)
		text, err = m.Notifier.MakeCompletionHTML(id, name, backend)
	default:
		return
	}
	if err != nil {
		log.Printf("[WARN] can't make notification for job %s, %v", id, err)
		return
	}
	nctx, cancel := context.WithTimeout(ctx, m.NotifyTimeout)
	defer cancel()
	if err := m.Notifier.Send(nctx, subj, text); err != nil {
		log.Printf("[WARN] can't send notification for job %s, %v", id, err)
	}
}

func (m *Monitor) flush() {
	if err := m.Registries.Flush(); err != nil {
		log.Printf("[WARN] autoflush failed, %v", err)
	}
}

func (m *Monitor) count(fn func(s *Stats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}

func (m *Monitor) setDefaults() {
	if m.Interval <= 0 {
		m.Interval = 10 * time.Second
	}
	if m.Concurrency <= 0 {
		m.Concurrency = 4
	}
	if m.PollTimeout <= 0 {
		m.PollTimeout = time.Minute
	}
	if m.ShutdownTimeout <= 0 {
		m.ShutdownTimeout = 10 * time.Second
	}
	if m.NotifyTimeout <= 0 {
		m.NotifyTimeout = 10 * time.Second
	}
	if m.DeDup == nil {
		m.DeDup = NewDeDup()
	}
}
