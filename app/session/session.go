// Package session tracks which live ganga session owns which registry objects. Every session
// keeps a file in the sessions dir with the ids it holds; an object owned by another live
// session can't be modified. All session files are changed under a shared lock file.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danjacques/gofslock/fslock"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/umputun/ganga/app/repository"
)

const fileExt = ".session"

// in-process sessions, used to tell live sessions of this process from leftovers of a dead
// process with the same pid
var (
	liveMu sync.Mutex
	live   = map[string]bool{}
	seq    uint64
)

// Opts defines session parameters
type Opts struct {
	Dir          string        // registry dir, session files kept in Dir/sessions
	Registry     string        // registry name, used in errors
	LockAttempts int           // attempts to take the sessions lock
	LockDelay    time.Duration // delay between lock attempts
	MaxAge       time.Duration // sessions of other hosts not touched for this long are stale
	CleanStale   bool          // remove files of stale sessions
}

// Session owns registry objects on behalf of the current process
type Session struct {
	Opts
	name     string
	host     string
	pid      int
	started  time.Time
	lockPath string

	mu    sync.Mutex
	owned map[int]bool
}

// info is the content of a session file
type info struct {
	Host    string    `json:"host"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
	IDs     []int     `json:"ids"`
}

// Open makes session in opts.Dir and writes its file. Stale sessions removed if CleanStale set.
func Open(opts Opts) (*Session, error) {
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = 10
	}
	if opts.LockDelay <= 0 {
		opts.LockDelay = 100 * time.Millisecond
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, "sessions"), 0o750); err != nil {
		return nil, fmt.Errorf("can't make sessions dir: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	host = strings.ReplaceAll(host, string(filepath.Separator), "_")

	s := &Session{Opts: opts, host: host, pid: os.Getpid(), started: time.Now(),
		lockPath: filepath.Join(opts.Dir, "sessions.lock"), owned: map[int]bool{}}
	s.name = fmt.Sprintf("%s.%d.%d", host, s.pid, atomic.AddUint64(&seq, 1))

	liveMu.Lock()
	live[s.name] = true
	liveMu.Unlock()

	if err := s.withLock(func() error { return s.save() }); err != nil {
		s.forget()
		return nil, err
	}
	if opts.CleanStale {
		if _, err := s.Cleanup(); err != nil {
			log.Printf("[WARN] can't clean stale sessions of %s, %v", opts.Registry, err)
		}
	}
	log.Printf("[DEBUG] session %s opened for %s", s.name, opts.Registry)
	return s, nil
}

// Name returns session name, host.pid.seq
func (s *Session) Name() string { return s.name }

// Acquire takes ownership of id. Returns true if the ownership is new for this session and
// RegistryLockError if another live session owns the id.
func (s *Session) Acquire(id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned[id] {
		return false, nil
	}
	err := s.withLock(func() error {
		others, err := s.others()
		if err != nil {
			return err
		}
		for name, inf := range others {
			if !contains(inf.IDs, id) {
				continue
			}
			if s.isAlive(name, inf) {
				return &repository.RegistryLockError{Registry: s.Registry, ID: id, Owner: name}
			}
			log.Printf("[DEBUG] object %d held by stale session %s, ignored", id, name)
		}
		s.owned[id] = true
		if err := s.save(); err != nil {
			delete(s.owned, id)
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release gives up ownership of ids. Not owned ids are ignored.
func (s *Session) Release(ids ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, id := range ids {
		if s.owned[id] {
			delete(s.owned, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.withLock(func() error { return s.save() })
}

// ReleaseAll gives up all owned ids, the session stays open
func (s *Session) ReleaseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.owned) == 0 {
		return nil
	}
	s.owned = map[int]bool{}
	return s.withLock(func() error { return s.save() })
}

// Owned returns sorted ids owned by this session
func (s *Session) Owned() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownedIDs()
}

// Touch updates session file time, keeps long running sessions of other hosts from being stale
func (s *Session) Touch() error {
	now := time.Now()
	if err := os.Chtimes(s.path(s.name), now, now); err != nil {
		return fmt.Errorf("can't touch session %s: %w", s.name, err)
	}
	return nil
}

// Close removes session file, all ownership released
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned = map[int]bool{}
	defer s.forget()
	return s.withLock(func() error {
		if err := os.Remove(s.path(s.name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("can't remove session file: %w", err)
		}
		log.Printf("[DEBUG] session %s closed", s.name)
		return nil
	})
}

// Cleanup removes files of dead sessions, returns names of removed sessions
func (s *Session) Cleanup() ([]string, error) {
	res := []string{}
	err := s.withLock(func() error {
		others, err := s.others()
		if err != nil {
			return err
		}
		for name, inf := range others {
			if s.isAlive(name, inf) {
				continue
			}
			if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
				log.Printf("[WARN] can't delete stale session %s, %v", name, err)
				continue
			}
			log.Printf("[INFO] removed stale session %s (host %s, pid %d), released %v", name, inf.Host, inf.PID, inf.IDs)
			res = append(res, name)
		}
		return nil
	})
	sort.Strings(res)
	return res, err
}

// isAlive checks a session of this host by its pid, sessions of other hosts by the file age
func (s *Session) isAlive(name string, inf info) bool {
	if inf.Host == s.host && inf.PID == s.pid {
		liveMu.Lock()
		defer liveMu.Unlock()
		return live[name]
	}
	if inf.Host == s.host {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ok, err := process.PidExistsWithContext(ctx, int32(inf.PID)) //nolint:gosec // pid fits int32
		if err != nil {
			log.Printf("[WARN] can't check pid %d of session %s, %v", inf.PID, name, err)
			return true
		}
		return ok
	}
	fi, err := os.Stat(s.path(name))
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) < s.MaxAge
}

// others reads session files of all other sessions, unreadable files are skipped
func (s *Session) others() (map[string]info, error) {
	entries, err := os.ReadDir(filepath.Join(s.Dir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("can't list sessions: %w", err)
	}
	res := map[string]info{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileExt)
		if name == s.name {
			continue
		}
		data, err := os.ReadFile(s.path(name)) // nolint gosec
		if err != nil {
			log.Printf("[WARN] can't read session %s, %v", name, err)
			continue
		}
		inf := info{}
		if err := json.Unmarshal(data, &inf); err != nil {
			log.Printf("[WARN] invalid session file %s, %v", name, err)
			continue
		}
		res[name] = inf
	}
	return res, nil
}

// save writes session file with owned ids, must be called under the sessions lock
func (s *Session) save() error {
	data, err := json.Marshal(info{Host: s.host, PID: s.pid, Started: s.started, IDs: s.ownedIDs()})
	if err != nil {
		return fmt.Errorf("can't marshal session: %w", err)
	}
	tmp := s.path(s.name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("can't write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path(s.name)); err != nil {
		return fmt.Errorf("can't save session file: %w", err)
	}
	return nil
}

func (s *Session) withLock(fn func() error) error {
	var handle fslock.Handle
	rep := repeater.New(&strategy.FixedDelay{Repeats: s.LockAttempts, Delay: s.LockDelay})
	err := rep.Do(context.Background(), func() error {
		h, err := fslock.Lock(s.lockPath)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return &repository.RegistryLockError{Registry: s.Registry, ID: -1, Err: fmt.Errorf("sessions lock: %w", err)}
		}
		return fmt.Errorf("can't lock sessions: %w", err)
	}
	defer func() {
		if err := handle.Unlock(); err != nil {
			log.Printf("[WARN] can't unlock sessions of %s, %v", s.Registry, err)
		}
	}()
	return fn()
}

func (s *Session) ownedIDs() []int {
	res := make([]int, 0, len(s.owned))
	for id := range s.owned {
		res = append(res, id)
	}
	sort.Ints(res)
	return res
}

func (s *Session) forget() {
	liveMu.Lock()
	delete(live, s.name)
	liveMu.Unlock()
}

func (s *Session) path(name string) string {
	return filepath.Join(s.Dir, "sessions", name+fileExt)
}

func (s *Session) String() string {
	return fmt.Sprintf("session:%s, registry:%s, dir:%s", s.name, s.Registry, s.Dir)
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
