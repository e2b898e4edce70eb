package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/ganga/app/config"
	"github.com/umputun/ganga/app/registry"
	"github.com/umputun/ganga/app/schema"
)

type idsCmd struct {
	Args struct {
		IDs []int `positional-arg-name:"id" required:"1" description:"job ids"`
	} `positional-args:"yes" required:"yes"`
}

type keyCmd struct {
	Args struct {
		Key string `positional-arg-name:"key" description:"object id, 3.1 for a subjob, -1 for the last one"`
	} `positional-args:"yes" required:"yes"`
}

var opts struct {
	Config   string `short:"c" long:"config" env:"GANGA_CONFIG" default:"~/.gangarc.yml" description:"config file"`
	GangaDir string `short:"d" long:"gangadir" env:"GANGA_DIR" description:"gangadir, overrides config"`
	RepoType string `long:"repo-type" env:"GANGA_REPO_TYPE" choice:"file" choice:"sqlite" description:"repository type, overrides config"`
	Dbg      bool   `long:"dbg" env:"GANGA_DEBUG" description:"debug mode"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"file to write logs to, stderr if empty"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes before it gets rotated"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"GANGA_LOG"`

	Run struct {
		Watch         string        `short:"w" long:"watch" description:"job definitions file, jobs with new names submitted on change"`
		WatchInterval time.Duration `long:"watch-interval" default:"10s" description:"how often to check the watched file"`
		Web           bool          `long:"web" description:"enable web api, overrides config"`
		WebAddress    string        `long:"web-address" description:"web api listen address, overrides config"`
	} `command:"run" description:"monitor jobs until terminated"`

	Submit struct {
		File       string `short:"f" long:"file" required:"true" description:"job definitions file"`
		CreateOnly bool   `long:"create-only" description:"create jobs without submitting"`
	} `command:"submit" description:"create and submit jobs from a definitions file"`

	List struct {
		Registry string `short:"r" long:"registry" default:"jobs" choice:"jobs" choice:"templates" choice:"box" choice:"tasks" description:"registry name"`
		Status   string `short:"s" long:"status" description:"show objects with this status only"`
	} `command:"list" description:"list objects of a registry"`

	Show struct {
		Registry string `short:"r" long:"registry" default:"jobs" choice:"jobs" choice:"templates" choice:"box" choice:"tasks" description:"registry name"`
		Args     struct {
			Key string `positional-arg-name:"key" description:"object id, 3.1 for a subjob, -1 for the last one"`
		} `positional-args:"yes" required:"yes"`
	} `command:"show" description:"dump stored object"`

	Peek         keyCmd `command:"peek" description:"print stdout of a local job and its subjobs"`
	Kill         idsCmd `command:"kill" description:"kill running jobs"`
	Resubmit     idsCmd `command:"resubmit" description:"resubmit failed or killed jobs"`
	Remove       idsCmd `command:"remove" description:"kill and remove jobs"`
	Copy         idsCmd `command:"copy" description:"copy jobs as new ones"`
	SaveTemplate idsCmd `command:"save-template" description:"save jobs as templates"`
	FromTemplate idsCmd `command:"from-template" description:"make new jobs from templates"`

	Schema struct {
		Kind string `short:"k" long:"kind" default:"config" choice:"config" choice:"jobs" description:"schema kind"`
	} `command:"schema" description:"print json schema of the config or job definitions file"`
}

var revision = "unknown"

func main() {
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGINT and SIGTERM

	if err := execute(ctx, p.Active.Name, os.Stdout); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "ganga %s: %v\n", p.Active.Name, err)
		os.Exit(1)
	}
	cancel()
}

// execute runs the command with output to w
func execute(ctx context.Context, cmd string, w io.Writer) error {
	if cmd == "schema" {
		return printSchema(w, opts.Schema.Kind)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	switch cmd {
	case "run":
		return a.run(ctx, runParams{watch: opts.Run.Watch, watchInterval: opts.Run.WatchInterval})
	case "submit":
		return a.submitFile(ctx, w, opts.Submit.File, opts.Submit.CreateOnly)
	case "list":
		return a.list(w, opts.List.Registry, opts.List.Status)
	case "show":
		return a.show(w, opts.Show.Registry, opts.Show.Args.Key)
	case "peek":
		return a.peek(w, opts.Peek.Args.Key)
	case "kill":
		return a.eachJob(w, opts.Kill.Args.IDs, "killed", func(id int) error { return a.manager.Kill(ctx, id) })
	case "resubmit":
		return a.eachJob(w, opts.Resubmit.Args.IDs, "resubmitted", func(id int) error { return a.manager.Resubmit(ctx, id) })
	case "remove":
		return a.eachJob(w, opts.Remove.Args.IDs, "removed", func(id int) error { return a.manager.Remove(ctx, id) })
	case "copy":
		return a.eachNew(w, opts.Copy.Args.IDs, "job", a.manager.Copy)
	case "save-template":
		return a.eachNew(w, opts.SaveTemplate.Args.IDs, "template", a.manager.SaveTemplate)
	case "from-template":
		return a.eachNew(w, opts.FromTemplate.Args.IDs, "job", a.manager.FromTemplate)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// loadConfig reads config file, default config used if the file is missing.
// Command line values override the file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(config.ExpandHome(opts.Config))
	if err != nil {
		return nil, err
	}
	if opts.GangaDir != "" {
		cfg.GangaDir = config.ExpandHome(opts.GangaDir)
	}
	if opts.RepoType != "" {
		cfg.Repository.Type = opts.RepoType
	}
	if opts.Run.Web {
		cfg.Web.Enabled = true
	}
	if opts.Run.WebAddress != "" {
		cfg.Web.Address = opts.Run.WebAddress
	}
	if err := cfg.Verify(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Printf("[DEBUG] config: gangadir %s, repository %s", cfg.GangaDir, cfg.Repository.Type)
	return cfg, nil
}

// registryConfig makes registries config from the app config
func registryConfig(cfg *config.Config, catalog *schema.Catalog) registry.Config {
	return registry.Config{
		Dir:           cfg.GangaDir,
		Type:          cfg.Repository.Type,
		Catalog:       catalog,
		LockAttempts:  cfg.Repository.LockAttempts,
		LockDelay:     cfg.Repository.LockDelay.D(),
		SessionMaxAge: cfg.Cleanup.SessionMaxAge.D(),
		CleanStale:    cfg.Cleanup.StaleSessions,
	}
}

func makeHostName(cfg *config.Config) string {
	if cfg.Notify.HostName != "" {
		return cfg.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures lgr and returns the logs destination
func setupLogs() io.Writer {
	var out io.Writer = os.Stderr
	if opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return out
	}

	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return out
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, terminating", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
