package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/go-pkgz/lgr"
	gonotify "github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/umputun/ganga/app/conditions"
	"github.com/umputun/ganga/app/config"
	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/jobfile"
	"github.com/umputun/ganga/app/notify"
	"github.com/umputun/ganga/app/registry"
	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/service"
	"github.com/umputun/ganga/app/stream"
	"github.com/umputun/ganga/app/web"
)

// backend submit attempts
const (
	submitAttempts = 3
	submitDelay    = time.Second
)

// app holds everything opened for a command
type app struct {
	cfg      *config.Config
	catalog  *schema.Catalog
	set      *registry.Set
	manager  *service.Manager
	streamer *stream.Streamer
}

type runParams struct {
	watch         string
	watchInterval time.Duration
}

func newApp(cfg *config.Config) (*app, error) {
	catalog := job.Catalog()
	set, err := registry.Open(registryConfig(cfg, catalog))
	if err != nil {
		return nil, fmt.Errorf("can't open registries: %w", err)
	}
	mgr := &service.Manager{
		Registries:   set,
		WorkDir:      filepath.Join(cfg.GangaDir, "workspace"),
		Repeater:     repeater.New(&strategy.FixedDelay{Repeats: submitAttempts, Delay: submitDelay}),
		MaxResubmits: cfg.Polling.MaxResubmits,
	}
	if cfg.Conditions.Enabled() {
		mgr.Conditions = conditions.NewChecker(cfg.Conditions, cfg.Polling.Concurrency)
	}
	return &app{cfg: cfg, catalog: catalog, set: set, manager: mgr, streamer: stream.New(catalog)}, nil
}

func (a *app) close() {
	if err := a.set.Close(); err != nil {
		log.Printf("[WARN] can't close registries, %v", err)
	}
}

// run recovers interrupted submits and monitors jobs until ctx is done
func (a *app) run(ctx context.Context, params runParams) error {
	log.Printf("[INFO] ganga %s, gangadir %s", revision, a.cfg.GangaDir)

	recovered, err := a.manager.Recover(ctx, a.cfg.Cleanup.RemoveIncomplete)
	if err != nil {
		log.Printf("[WARN] failed to recover interrupted submits, %v", err)
	}
	if recovered > 0 {
		log.Printf("[INFO] %d interrupted submits recovered", recovered)
	}

	monitor := &service.Monitor{
		Cron:            cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(cronLogger{})))),
		Registries:      a.set,
		Resubmitter:     a.manager,
		Interval:        a.cfg.Polling.Interval.D(),
		FlushInterval:   a.cfg.Registry.AutoflushInterval.D(),
		Concurrency:     a.cfg.Polling.Concurrency,
		PollTimeout:     a.cfg.Polling.Timeout.D(),
		ShutdownTimeout: a.cfg.Polling.ShutdownTimeout.D(),
		NotifyTimeout:   a.cfg.Notify.Timeout.D(),
	}
	if notifier := makeNotifier(a.cfg); notifier != nil {
		monitor.Notifier = notifier
	}

	if a.cfg.Web.Enabled {
		srv, err := web.New(web.Config{Registries: a.set, Catalog: a.catalog, Monitor: monitor, Version: revision,
			Hostname: makeHostName(a.cfg), PasswordHash: a.cfg.Web.PasswordHash, RateLimit: a.cfg.Web.RateLimit})
		if err != nil {
			return fmt.Errorf("can't make web server: %w", err)
		}
		go func() {
			if err := srv.Run(ctx, a.cfg.Web.Address); err != nil {
				log.Printf("[ERROR] web server failed, %v", err)
			}
		}()
	}

	if params.watch != "" {
		ch, err := jobfile.Watcher{File: params.watch, Interval: params.watchInterval}.Changes(ctx)
		if err != nil {
			return fmt.Errorf("can't watch %s: %w", params.watch, err)
		}
		log.Printf("[INFO] watching %s for new jobs", params.watch)
		go func() {
			for defs := range ch {
				a.submitNew(ctx, defs)
			}
		}()
	}

	monitor.Do(ctx)
	log.Print("[INFO] ganga stopped")
	return nil
}

// submitFile creates and submits all jobs from the definitions file
func (a *app) submitFile(ctx context.Context, w io.Writer, file string, createOnly bool) error {
	defs, err := jobfile.Load(file)
	if err != nil {
		return err
	}
	return a.submit(ctx, w, defs, createOnly)
}

// submitNew submits definitions with names not used by existing jobs
func (a *app) submitNew(ctx context.Context, defs []jobfile.Definition) {
	known := map[string]bool{}
	for _, s := range a.set.Jobs().Summaries() {
		if s.Err == nil {
			known[s.Index["name"]] = true
		}
	}
	fresh := []jobfile.Definition{}
	for _, d := range defs {
		if !known[d.Name] {
			fresh = append(fresh, d)
		}
	}
	log.Printf("[DEBUG] jobs file update, %d definitions, %d new", len(defs), len(fresh))
	if len(fresh) == 0 {
		return
	}
	if err := a.submit(ctx, io.Discard, fresh, false); err != nil {
		log.Printf("[WARN] failed to submit new jobs, %v", err)
	}
}

func (a *app) submit(ctx context.Context, w io.Writer, defs []jobfile.Definition, createOnly bool) error {
	var errs *multierror.Error
	for _, d := range defs {
		j, err := d.Job()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		id, err := a.manager.Create(j)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("job %q: %w", d.Name, err))
			continue
		}
		if createOnly {
			fmt.Fprintf(w, "%d\t%s\tcreated\n", id, d.Name)
			continue
		}
		if err := a.manager.Submit(ctx, id); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("job %d %q: %w", id, d.Name, err))
			continue
		}
		fmt.Fprintf(w, "%d\t%s\tsubmitted\n", id, d.Name)
	}
	return errs.ErrorOrNil()
}

// list prints summaries of the registry objects, one per line
func (a *app) list(w io.Writer, name, status string) error {
	reg, err := a.set.Get(name)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range reg.Select(func(s registry.Summary) bool { return status == "" || s.Index["status"] == status }) {
		if s.Err != nil {
			fmt.Fprintf(tw, "%d\terror: %v\n", s.ID, s.Err)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\n", s.ID, formatIndex(s.Index))
	}
	return tw.Flush()
}

// formatIndex makes "key=value" columns sorted by key
func formatIndex(idx map[string]string) string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols := make([]string, 0, len(keys))
	for _, k := range keys {
		cols = append(cols, k+"="+idx[k])
	}
	return strings.Join(cols, "\t")
}

// show dumps the object the way it's stored
func (a *app) show(w io.Writer, name, key string) error {
	reg, err := a.set.Get(name)
	if err != nil {
		return err
	}
	return reg.LookupView(key, func(obj schema.Object) error {
		data, err := a.streamer.ToStream(obj)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	})
}

// peek prints stdout of the local job, or of all its subjobs, every line prefixed with fqid
func (a *app) peek(w io.Writer, key string) error {
	type output struct{ fqid, dir string }
	outputs := []output{}
	err := a.set.Jobs().LookupView(key, func(obj schema.Object) error {
		j, ok := obj.(*job.Job)
		if !ok {
			return fmt.Errorf("%s is not a job", key)
		}
		targets := j.Subjobs()
		if len(targets) == 0 {
			targets = []*job.Job{j}
		}
		for _, t := range targets {
			if lb, ok := t.Backend.(*job.Local); ok && lb.WorkDir != "" {
				outputs = append(outputs, output{fqid: t.FQID(), dir: lb.WorkDir})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(outputs) == 0 {
		return fmt.Errorf("no local output for %s", key)
	}

	for _, o := range outputs {
		if err := copyOutput(job.NewPrefixWriter(w, o.fqid), filepath.Join(o.dir, job.StdoutFile)); err != nil {
			return fmt.Errorf("can't read output of %s: %w", o.fqid, err)
		}
	}
	return nil
}

func copyOutput(w io.Writer, path string) error {
	fh, err := os.Open(path) //nolint:gosec // path from the job backend
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer fh.Close() //nolint:errcheck // read-only
	_, err = io.Copy(w, fh)
	return err
}

// eachJob runs fn for every job id, failed ids don't stop the rest
func (a *app) eachJob(w io.Writer, ids []int, done string, fn func(id int) error) error {
	var errs *multierror.Error
	for _, id := range ids {
		if err := fn(id); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("job %d: %w", id, err))
			continue
		}
		fmt.Fprintf(w, "job %d %s\n", id, done)
	}
	return errs.ErrorOrNil()
}

// eachNew makes a new object from every id and prints ids of the new ones
func (a *app) eachNew(w io.Writer, ids []int, kind string, fn func(id int) (int, error)) error {
	var errs *multierror.Error
	for _, id := range ids {
		newID, err := fn(id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%d: %w", id, err))
			continue
		}
		fmt.Fprintf(w, "%d -> %s %d\n", id, kind, newID)
	}
	return errs.ErrorOrNil()
}

// printSchema writes json schema of the config file or of the job definitions file
func printSchema(w io.Writer, kind string) error {
	gen := config.GenerateSchema
	if kind == "jobs" {
		gen = jobfile.GenerateSchema
	}
	sch, err := gen()
	if err != nil {
		return fmt.Errorf("can't generate schema: %w", err)
	}
	data, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal schema: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// makeNotifier makes notification service, nil if notifications disabled or nowhere to send
func makeNotifier(cfg *config.Config) *notify.Service {
	if !cfg.Notify.OnError && !cfg.Notify.OnCompletion {
		return nil
	}
	return notify.NewService(
		notify.Params{
			EnabledError:       cfg.Notify.OnError,
			EnabledCompletion:  cfg.Notify.OnCompletion,
			ErrorTemplate:      cfg.Notify.ErrorTemplate,
			CompletionTemplate: cfg.Notify.DoneTemplate,
			HostName:           makeHostName(cfg),
		},
		notify.SendersParams{
			SMTP: gonotify.SMTPParams{
				Host:     cfg.Notify.SMTP.Host,
				Port:     cfg.Notify.SMTP.Port,
				TLS:      cfg.Notify.SMTP.TLS,
				Username: cfg.Notify.SMTP.Username,
				Password: cfg.Notify.SMTP.Password,
				TimeOut:  cfg.Notify.SMTP.Timeout.D(),
			},
			FromEmail:     cfg.Notify.From,
			ToEmails:      cfg.Notify.To,
			SlackToken:    cfg.Notify.SlackToken,
			SlackChannels: cfg.Notify.SlackChannels,
			WebhookURLs:   cfg.Notify.Webhooks,
			WebhookTime:   cfg.Notify.Timeout.D(),
		},
	)
}

// cronLogger sends cron messages to lgr
type cronLogger struct{}

func (cronLogger) Printf(format string, args ...any) { log.Printf("[DEBUG] cron: "+format, args...) }
