package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/stream"
)

const (
	dataFile    = "data"
	backupExt   = "~"
	indexExt    = ".index"
	tmpMarker   = ".tmp."
	counterFile = "cnt"
	blockSuffix = "xxx"

	staleTempAge = time.Minute
)

// FileOpts defines optional parameters of the file repository
type FileOpts struct {
	Name         string        // registry name, used in errors
	LockAttempts int           // attempts to take the counter lock
	LockDelay    time.Duration // delay between lock attempts
}

// File repository keeps every object in its own directory, grouped by blocks of 1000 ids:
// <dir>/<id/1000>xxx/<id>/data, children in <id>/<sub>/data, summary in <id>.index.
// Ids allocated from the <dir>/cnt counter locked across processes.
type File struct {
	dir      string
	name     string
	streamer *stream.Streamer
	attempts int
	delay    time.Duration

	counterMu    sync.Mutex // counter lock file is per process, goroutines serialized here
	beforeRename func(tmp, dst string) error
}

// NewFile makes file repository in dir, creates it if missing and removes stray temp files
// left by interrupted writes.
func NewFile(dir string, catalog *schema.Catalog, opts FileOpts) (*File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("can't make repository dir %s: %w", dir, err)
	}
	res := &File{dir: dir, name: opts.Name, streamer: stream.New(catalog), attempts: opts.LockAttempts, delay: opts.LockDelay}
	if res.name == "" {
		res.name = filepath.Base(dir)
	}
	if res.attempts <= 0 {
		res.attempts = 10
	}
	if res.delay <= 0 {
		res.delay = 100 * time.Millisecond
	}
	res.removeTemps()
	log.Printf("[DEBUG] file repository %s in %s", res.name, dir)
	return res, nil
}

// AllocateIDs reserves n sequential ids under the counter lock
func (f *File) AllocateIDs(n int) ([]int, error) {
	if n <= 0 {
		return nil, &RepositoryError{Registry: f.name, Op: "allocate", ID: -1, Err: fmt.Errorf("invalid count %d", n)}
	}
	f.counterMu.Lock()
	defer f.counterMu.Unlock()

	var res []int
	err := f.withLock(filepath.Join(f.dir, counterFile+".lock"), func() error {
		next, err := f.readCounter()
		if err != nil {
			return err
		}
		if err := f.writeFile(filepath.Join(f.dir, counterFile), []byte(strconv.Itoa(next+n)), false); err != nil {
			return err
		}
		res = make([]int, 0, n)
		for i := next; i < next+n; i++ {
			res = append(res, i)
		}
		return nil
	})
	if err != nil {
		var lockErr *RegistryLockError
		if errors.As(err, &lockErr) {
			return nil, err
		}
		return nil, &RepositoryError{Registry: f.name, Op: "allocate", ID: -1, Err: err}
	}
	log.Printf("[DEBUG] allocated ids %v in %s", res, f.name)
	return res, nil
}

// IDs returns sorted ids of all stored objects
func (f *File) IDs() ([]int, error) {
	blocks, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, &RepositoryError{Registry: f.name, Op: "list", ID: -1, Err: err}
	}
	res := []int{}
	for _, b := range blocks {
		if !b.IsDir() || !strings.HasSuffix(b.Name(), blockSuffix) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(f.dir, b.Name()))
		if err != nil {
			log.Printf("[WARN] can't list %s, %v", b.Name(), err)
			continue
		}
		for _, e := range entries {
			id, err := strconv.Atoi(e.Name())
			if err != nil || !e.IsDir() {
				continue
			}
			if f.exists(f.dataPath(id)) || f.exists(f.dataPath(id)+backupExt) {
				res = append(res, id)
			}
		}
	}
	sort.Ints(res)
	return res, nil
}

// Write stores object and its index atomically. The previous data is kept as backup.
// Index removed before the data written, an interrupted write leaves no index rather than a stale one.
func (f *File) Write(id int, obj schema.Object) error {
	data, err := f.streamer.ToStream(obj)
	if err != nil {
		return &RepositoryError{Registry: f.name, Op: "write", ID: id, Err: err}
	}
	idx, indexed := obj.(Indexer)
	if indexed {
		if err := os.Remove(f.indexPath(id)); err != nil && !os.IsNotExist(err) {
			return &RepositoryError{Registry: f.name, Op: "index", ID: id, Err: err}
		}
	}
	if err := f.writeFile(f.dataPath(id), data, true); err != nil {
		return &RepositoryError{Registry: f.name, Op: "write", ID: id, Err: err}
	}
	if indexed {
		idxData, err := json.Marshal(idx.Index())
		if err != nil {
			return &RepositoryError{Registry: f.name, Op: "index", ID: id, Err: err}
		}
		if err := f.writeFile(f.indexPath(id), idxData, false); err != nil {
			return &RepositoryError{Registry: f.name, Op: "index", ID: id, Err: err}
		}
	}
	return nil
}

// Read loads object, falls back to the backup if the data is corrupted
func (f *File) Read(id int) (schema.Object, error) {
	return f.read(f.dataPath(id), id, -1)
}

// WriteChild stores child object of id
func (f *File) WriteChild(id, sub int, obj schema.Object) error {
	data, err := f.streamer.ToStream(obj)
	if err != nil {
		return &RepositoryError{Registry: f.name, Op: "write child", ID: id, Err: err}
	}
	if err := f.writeFile(f.childPath(id, sub), data, true); err != nil {
		return &RepositoryError{Registry: f.name, Op: "write child", ID: id, Err: err}
	}
	return nil
}

// ReadChild loads child object of id
func (f *File) ReadChild(id, sub int) (schema.Object, error) {
	return f.read(f.childPath(id, sub), id, sub)
}

// Delete removes object with all children and index. Deleting missing object is not an error.
func (f *File) Delete(id int) error {
	if err := os.RemoveAll(f.objDir(id)); err != nil {
		return &RepositoryError{Registry: f.name, Op: "delete", ID: id, Err: err}
	}
	if err := os.Remove(f.indexPath(id)); err != nil && !os.IsNotExist(err) {
		return &RepositoryError{Registry: f.name, Op: "delete", ID: id, Err: err}
	}
	log.Printf("[DEBUG] deleted %d from %s", id, f.name)
	return nil
}

// Index returns stored summary of the object
func (f *File) Index(id int) (map[string]string, error) {
	data, err := os.ReadFile(f.indexPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ObjectNotInRegistryError{Registry: f.name, ID: id, Sub: -1}
		}
		return nil, &RepositoryError{Registry: f.name, Op: "index", ID: id, Err: err}
	}
	res := map[string]string{}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &RepositoryError{Registry: f.name, Op: "index", ID: id, Err: err}
	}
	return res, nil
}

// Close does nothing, all writes are synced
func (f *File) Close() error { return nil }

func (f *File) read(path string, id, sub int) (schema.Object, error) {
	data, err := os.ReadFile(path) // nolint gosec
	if err != nil {
		if os.IsNotExist(err) {
			if obj, bErr := f.readBackup(path); bErr == nil {
				return obj, nil
			}
			return nil, &ObjectNotInRegistryError{Registry: f.name, ID: id, Sub: sub}
		}
		return nil, &RepositoryError{Registry: f.name, Op: "read", ID: id, Err: err}
	}
	obj, err := f.streamer.FromStream(data)
	if err == nil {
		return obj, nil
	}
	log.Printf("[WARN] corrupted %s, %v", path, err)
	if obj, bErr := f.readBackup(path); bErr == nil {
		log.Printf("[INFO] restored %s from backup", path)
		return obj, nil
	}
	return nil, &RepositoryError{Registry: f.name, Op: "read", ID: id, Err: err}
}

func (f *File) readBackup(path string) (schema.Object, error) {
	data, err := os.ReadFile(path + backupExt) // nolint gosec
	if err != nil {
		return nil, err
	}
	return f.streamer.FromStream(data)
}

// writeFile writes data to a synced temp file in the same dir and renames it over dst.
// With backup the current dst is hard-linked to dst~ first, so dst is never missing.
func (f *File) writeFile(dst string, data []byte, backup bool) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("can't make %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+tmpMarker+"*")
	if err != nil {
		return fmt.Errorf("can't make temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("can't write %s: %w", tmpName, err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("can't sync %s: %w", tmpName, err))
	}
	if err := tmp.Close(); err != nil {
		return cleanup(fmt.Errorf("can't close %s: %w", tmpName, err))
	}
	if f.beforeRename != nil {
		if err := f.beforeRename(tmpName, dst); err != nil {
			return cleanup(err)
		}
	}
	if backup && f.exists(dst) {
		_ = os.Remove(dst + backupExt)
		if err := os.Link(dst, dst+backupExt); err != nil {
			log.Printf("[WARN] can't keep backup of %s, %v", dst, err)
		}
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return cleanup(fmt.Errorf("can't rename %s: %w", tmpName, err))
	}
	return nil
}

// withLock runs fn under the file lock, retries a bounded number of times if it is held
func (f *File) withLock(lockPath string, fn func() error) error {
	var handle fslock.Handle
	rep := repeater.New(&strategy.FixedDelay{Repeats: f.attempts, Delay: f.delay})
	err := rep.Do(context.Background(), func() error {
		h, err := fslock.Lock(lockPath)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return &RegistryLockError{Registry: f.name, ID: -1, Err: fmt.Errorf("%s: %w", lockPath, err)}
		}
		return fmt.Errorf("can't lock %s: %w", lockPath, err)
	}
	defer func() {
		if err := handle.Unlock(); err != nil {
			log.Printf("[WARN] can't unlock %s, %v", lockPath, err)
		}
	}()
	return fn()
}

// readCounter returns the next free id. Missing or broken counter is rebuilt from stored ids.
func (f *File) readCounter() (int, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, counterFile))
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("can't read counter: %w", err)
	}
	if err == nil {
		next, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && next >= 0 {
			return next, nil
		}
		log.Printf("[WARN] invalid counter %q in %s, rebuild from ids", string(data), f.dir)
	}
	ids, err := f.IDs()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1] + 1, nil
}

func (f *File) removeTemps() {
	err := filepath.WalkDir(f.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if d.IsDir() || !strings.Contains(d.Name(), tmpMarker) {
			return nil
		}
		if info, err := d.Info(); err != nil || time.Since(info.ModTime()) < staleTempAge {
			return nil //nolint:nilerr // could be in-flight write of another session
		}
		log.Printf("[DEBUG] remove stray temp file %s", path)
		if err := os.Remove(path); err != nil {
			log.Printf("[WARN] can't remove %s, %v", path, err)
		}
		return nil
	})
	if err != nil {
		log.Printf("[WARN] can't scan %s for temp files, %v", f.dir, err)
	}
}

func (f *File) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (f *File) blockDir(id int) string {
	return filepath.Join(f.dir, strconv.Itoa(id/1000)+blockSuffix)
}

func (f *File) objDir(id int) string {
	return filepath.Join(f.blockDir(id), strconv.Itoa(id))
}

func (f *File) dataPath(id int) string {
	return filepath.Join(f.objDir(id), dataFile)
}

func (f *File) childPath(id, sub int) string {
	return filepath.Join(f.objDir(id), strconv.Itoa(sub), dataFile)
}

func (f *File) indexPath(id int) string {
	return filepath.Join(f.blockDir(id), strconv.Itoa(id)+indexExt)
}
