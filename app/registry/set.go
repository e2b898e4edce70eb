package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/ganga/app/repository"
	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/session"
)

// registry names
const (
	Jobs      = "jobs"
	Templates = "templates"
	Box       = "box"
	Tasks     = "tasks"
)

// Names lists registries of a set in the startup order
var Names = []string{Jobs, Templates, Box, Tasks}

// repository types
const (
	RepoFile   = "file"
	RepoSQLite = "sqlite"
)

// Config defines how registries of a set are opened
type Config struct {
	Dir           string // root of all registries, every registry in its own sub-dir
	Type          string // repository type, RepoFile or RepoSQLite
	Catalog       *schema.Catalog
	LockAttempts  int
	LockDelay     time.Duration
	SessionMaxAge time.Duration
	CleanStale    bool
}

// Set holds named registries of the process and passed to everything that needs them
type Set struct {
	registries map[string]*Registry
	repos      []repository.Repository
	sessions   []*session.Session
}

// Open opens all registries of the set and scans their ids
func Open(cfg Config) (*Set, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("no catalog")
	}
	res := &Set{registries: map[string]*Registry{}}
	for _, name := range Names {
		if err := res.open(cfg, name); err != nil {
			if cErr := res.Close(); cErr != nil {
				log.Printf("[WARN] can't close registries, %v", cErr)
			}
			return nil, err
		}
	}
	log.Printf("[INFO] registries opened in %s (%s)", cfg.Dir, cfg.Type)
	return res, nil
}

func (s *Set) open(cfg Config, name string) error {
	dir := filepath.Join(cfg.Dir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("can't make registry dir %s: %w", dir, err)
	}

	var repo repository.Repository
	var err error
	switch cfg.Type {
	case RepoFile, "":
		repo, err = repository.NewFile(filepath.Join(dir, "data"), cfg.Catalog,
			repository.FileOpts{Name: name, LockAttempts: cfg.LockAttempts, LockDelay: cfg.LockDelay})
	case RepoSQLite:
		repo, err = repository.NewSQLite(filepath.Join(dir, name+".db"), cfg.Catalog, repository.SQLiteOpts{Name: name})
	default:
		return fmt.Errorf("unknown repository type %q", cfg.Type)
	}
	if err != nil {
		return fmt.Errorf("can't open repository %s: %w", name, err)
	}
	s.repos = append(s.repos, repo)

	sess, err := session.Open(session.Opts{Dir: dir, Registry: name, LockAttempts: cfg.LockAttempts,
		LockDelay: cfg.LockDelay, MaxAge: cfg.SessionMaxAge, CleanStale: cfg.CleanStale})
	if err != nil {
		return fmt.Errorf("can't open session for %s: %w", name, err)
	}
	s.sessions = append(s.sessions, sess)

	reg := New(name, repo, sess)
	if err := reg.Startup(); err != nil {
		return err
	}
	s.registries[name] = reg
	return nil
}

// Get returns registry by name
func (s *Set) Get(name string) (*Registry, error) {
	r, ok := s.registries[name]
	if !ok {
		return nil, &RegistryKeyError{Registry: "set", Key: name, Reason: "unknown registry"}
	}
	return r, nil
}

// Jobs returns jobs registry
func (s *Set) Jobs() *Registry { return s.registries[Jobs] }

// Templates returns templates registry
func (s *Set) Templates() *Registry { return s.registries[Templates] }

// Box returns box registry
func (s *Set) Box() *Registry { return s.registries[Box] }

// Tasks returns tasks registry
func (s *Set) Tasks() *Registry { return s.registries[Tasks] }

// Flush flushes all registries and touches sessions
func (s *Set) Flush() error {
	var errs *multierror.Error
	for _, name := range Names {
		if r, ok := s.registries[name]; ok {
			if err := r.Flush(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	for _, sess := range s.sessions {
		if err := sess.Touch(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Rescan picks up objects added or removed by other sessions
func (s *Set) Rescan() error {
	var errs *multierror.Error
	for _, name := range Names {
		if r, ok := s.registries[name]; ok {
			if err := r.Startup(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

// Close shuts down registries, closes sessions and repositories
func (s *Set) Close() error {
	var errs *multierror.Error
	for _, name := range Names {
		if r, ok := s.registries[name]; ok {
			if err := r.Shutdown(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	for _, sess := range s.sessions {
		if err := sess.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, repo := range s.repos {
		if err := repo.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.registries, s.sessions, s.repos = map[string]*Registry{}, nil, nil
	return errs.ErrorOrNil()
}
