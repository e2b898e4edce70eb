// Package registry provides in-memory indexed collections of persisted objects (jobs, templates,
// box items, tasks) on top of a repository. Objects loaded on first access, mutated under a
// per-entry lock and written back on flush. Modification of an object owned by another live
// session fails fast with repository.RegistryLockError.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/ganga/app/repository"
	"github.com/umputun/ganga/app/schema"
)

// State of a registry entry
type State int

// entry states
const (
	StateNotLoaded State = iota
	StateClean
	StateDirty
	StateFlushed
	StateRemoved
)

var stateNames = map[State]string{StateNotLoaded: "not-loaded", StateClean: "clean", StateDirty: "dirty",
	StateFlushed: "flushed", StateRemoved: "removed"}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Composite is implemented by objects owning children stored separately, like jobs with subjobs.
// Children() and ChildIDs() must be in the same order.
type Composite interface {
	ChildIDs() []int
	Children() []schema.Object
	Child(id int) (schema.Object, bool)
	Adopt(children []schema.Object) error
}

// IDSetter is implemented by objects keeping their own id
type IDSetter interface {
	SetID(id int)
}

// Locker grants cross-session ownership of objects. Acquire returns true if the ownership is new.
type Locker interface {
	Acquire(id int) (bool, error)
	Release(ids ...int) error
	ReleaseAll() error
}

// RegistryKeyError returned for invalid keys and slices
type RegistryKeyError struct { //nolint:revive // name is part of the public error taxonomy
	Registry string
	Key      string
	Reason   string
}

func (e *RegistryKeyError) Error() string {
	return fmt.Sprintf("registry %s: invalid key %q, %s", e.Registry, e.Key, e.Reason)
}

// Summary is a short description of the object, taken from the stored index when not loaded
type Summary struct {
	ID    int
	Index map[string]string
	Err   error
}

type entry struct {
	mu            sync.Mutex
	id            int
	state         State
	obj           schema.Object
	dirtyAll      bool
	dirtyChildren map[int]bool
}

// Registry keeps objects of one repository. Entries index guarded by the registry lock,
// every entry has its own lock serializing access to the object.
type Registry struct {
	name   string
	repo   repository.Repository
	locker Locker

	mu      sync.Mutex
	entries map[int]*entry
}

// New makes registry. Locker is optional, without it no cross-session ownership checked.
func New(name string, repo repository.Repository, locker Locker) *Registry {
	return &Registry{name: name, repo: repo, locker: locker, entries: map[int]*entry{}}
}

// Name returns registry name
func (r *Registry) Name() string { return r.name }

// Startup scans repository ids without loading objects. Called again it picks up objects added
// and drops unmodified objects removed by other sessions.
func (r *Registry) Startup() error {
	ids, err := r.repo.IDs()
	if err != nil {
		return fmt.Errorf("can't start registry %s: %w", r.name, err)
	}
	stored := make(map[int]bool, len(ids))
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, id := range ids {
		stored[id] = true
		if _, ok := r.entries[id]; !ok {
			r.entries[id] = &entry{id: id, state: StateNotLoaded}
			added++
		}
	}
	for id, e := range r.entries {
		if stored[id] {
			continue
		}
		if e.mu.TryLock() {
			if e.state != StateDirty {
				e.state = StateRemoved
				delete(r.entries, id)
			}
			e.mu.Unlock()
		}
	}
	log.Printf("[DEBUG] registry %s started, %d objects, %d new", r.name, len(r.entries), added)
	return nil
}

// Get returns object, loading it on first access. The object is shared, use View for reads
// concurrent with Update and Update for changes.
func (r *Registry) Get(id int) (schema.Object, error) {
	var res schema.Object
	err := r.View(id, func(obj schema.Object) error {
		res = obj
		return nil
	})
	return res, err
}

// View runs fn with the object under the entry lock, fn must not modify the object
func (r *Registry) View(id int, fn func(obj schema.Object) error) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := r.ensureLoaded(e); err != nil {
		return err
	}
	return fn(e.obj)
}

// Add stores new object under a newly allocated id, children written before the object
func (r *Registry) Add(obj schema.Object) (int, error) {
	ids, err := r.repo.AllocateIDs(1)
	if err != nil {
		return 0, err
	}
	id := ids[0]
	if s, ok := obj.(IDSetter); ok {
		s.SetID(id)
	}
	e := &entry{id: id, obj: obj, dirtyAll: true}
	if err := r.write(e); err != nil {
		return 0, err
	}
	e.state, e.dirtyAll = StateClean, false
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	log.Printf("[DEBUG] added %d to %s", id, r.name)
	return id, nil
}

// Update takes ownership of the object and runs fn under the entry lock. The object and all its
// children are marked dirty even if fn fails, fn has to leave the object consistent.
func (r *Registry) Update(id int, fn func(obj schema.Object) error) error {
	return r.update(id, func(e *entry) error {
		e.dirtyAll = true
		return fn(e.obj)
	})
}

// UpdateCommit runs fn as Update does. Calling commit inside fn writes the object with all its
// children to the repository right away, ownership kept until the next Flush.
func (r *Registry) UpdateCommit(id int, fn func(obj schema.Object, commit func() error) error) error {
	return r.update(id, func(e *entry) error {
		e.dirtyAll = true
		return fn(e.obj, func() error { return r.write(e) })
	})
}

// UpdateChild runs fn for child sub of the object, marks the child and the object dirty
func (r *Registry) UpdateChild(id, sub int, fn func(child schema.Object) error) error {
	return r.update(id, func(e *entry) error {
		c, ok := e.obj.(Composite)
		if !ok {
			return fmt.Errorf("object %d of %s has no children", id, r.name)
		}
		child, ok := c.Child(sub)
		if !ok {
			return &repository.ObjectNotInRegistryError{Registry: r.name, ID: id, Sub: sub}
		}
		if e.dirtyChildren == nil {
			e.dirtyChildren = map[int]bool{}
		}
		e.dirtyChildren[sub] = true
		return fn(child)
	})
}

// AddChildren replaces children of the object, ids assigned as 0..n-1
func (r *Registry) AddChildren(id int, children []schema.Object) error {
	return r.Update(id, func(obj schema.Object) error {
		c, ok := obj.(Composite)
		if !ok {
			return fmt.Errorf("object %d of %s can't have children", id, r.name)
		}
		for i, ch := range children {
			if s, ok := ch.(IDSetter); ok {
				s.SetID(i)
			}
		}
		return c.Adopt(children)
	})
}

// Children returns loaded children of the object
func (r *Registry) Children(id int) ([]schema.Object, error) {
	var res []schema.Object
	err := r.View(id, func(obj schema.Object) error {
		if c, ok := obj.(Composite); ok {
			res = c.Children()
		}
		return nil
	})
	return res, err
}

// Flush writes all dirty entries and releases their ownership. Failed entries stay dirty,
// all errors returned together.
func (r *Registry) Flush() error {
	var errs *multierror.Error
	flushed := []*entry{}
	for _, e := range r.snapshot() {
		e.mu.Lock()
		if e.state != StateDirty {
			e.mu.Unlock()
			continue
		}
		if err := r.write(e); err != nil {
			errs = multierror.Append(errs, err)
			e.mu.Unlock()
			continue
		}
		e.state, e.dirtyAll, e.dirtyChildren = StateFlushed, false, nil
		e.mu.Unlock()
		flushed = append(flushed, e)
	}
	if len(flushed) > 0 {
		log.Printf("[DEBUG] flushed %d objects of %s", len(flushed), r.name)
		if err := r.release(flushed); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Remove deletes the object with its children from repository
func (r *Registry) Remove(id int) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRemoved {
		return &repository.ObjectNotInRegistryError{Registry: r.name, ID: id, Sub: -1}
	}
	if r.locker != nil {
		if _, err := r.locker.Acquire(id); err != nil {
			return err
		}
	}
	if err := r.repo.Delete(id); err != nil {
		return err
	}
	e.state, e.obj = StateRemoved, nil
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	if r.locker != nil {
		if err := r.locker.Release(id); err != nil {
			log.Printf("[WARN] can't release %d of %s, %v", id, r.name, err)
		}
	}
	log.Printf("[DEBUG] removed %d from %s", id, r.name)
	return nil
}

// IDs returns sorted ids of all objects
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]int, 0, len(r.entries))
	for id := range r.entries {
		res = append(res, id)
	}
	sort.Ints(res)
	return res
}

// Len returns number of objects
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// State returns entry state, StateRemoved for unknown ids
func (r *Registry) State(id int) State {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return StateRemoved
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Slice returns ids at positions [lo, hi) of sorted ids. Negative positions count from the end.
func (r *Registry) Slice(lo, hi int) ([]int, error) {
	ids := r.IDs()
	key := fmt.Sprintf("%d:%d", lo, hi)
	n := len(ids)
	if lo < 0 {
		lo += n
	}
	if hi < 0 {
		hi += n
	}
	if lo < 0 || hi > n || lo > hi {
		return nil, &RegistryKeyError{Registry: r.name, Key: key, Reason: fmt.Sprintf("out of range for %d objects", n)}
	}
	return append([]int{}, ids[lo:hi]...), nil
}

// Lookup finds object by key, "3" for the object with id 3, "3.1" for child 1 of object 3,
// "-1" for the last object
func (r *Registry) Lookup(key string) (schema.Object, error) {
	var res schema.Object
	err := r.LookupView(key, func(obj schema.Object) error {
		res = obj
		return nil
	})
	return res, err
}

// LookupView finds object by key as Lookup does and calls fn with it under the entry lock
func (r *Registry) LookupView(key string, fn func(obj schema.Object) error) error {
	parts := strings.Split(strings.TrimSpace(key), ".")
	if len(parts) > 2 {
		return &RegistryKeyError{Registry: r.name, Key: key, Reason: "too many parts"}
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return &RegistryKeyError{Registry: r.name, Key: key, Reason: "not a number"}
	}
	if id < 0 {
		ids, err := r.Slice(id, len(r.IDs()))
		if err != nil || len(ids) == 0 {
			return &RegistryKeyError{Registry: r.name, Key: key, Reason: "no such position"}
		}
		id = ids[0]
	}
	if len(parts) == 1 {
		return r.View(id, fn)
	}
	sub, err := strconv.Atoi(parts[1])
	if err != nil || sub < 0 {
		return &RegistryKeyError{Registry: r.name, Key: key, Reason: "invalid child id"}
	}
	return r.View(id, func(obj schema.Object) error {
		c, ok := obj.(Composite)
		if !ok {
			return &RegistryKeyError{Registry: r.name, Key: key, Reason: "object has no children"}
		}
		child, ok := c.Child(sub)
		if !ok {
			return &repository.ObjectNotInRegistryError{Registry: r.name, ID: id, Sub: sub}
		}
		return fn(child)
	})
}

// Summaries returns summaries of all objects. Loaded objects summarized from memory, others
// from the stored index.
func (r *Registry) Summaries() []Summary {
	res := []Summary{}
	for _, e := range r.snapshot() {
		e.mu.Lock()
		s := r.summary(e)
		e.mu.Unlock()
		res = append(res, s)
	}
	return res
}

// Select returns summaries accepted by filter
func (r *Registry) Select(filter func(s Summary) bool) []Summary {
	res := []Summary{}
	for _, s := range r.Summaries() {
		if filter(s) {
			res = append(res, s)
		}
	}
	return res
}

// LoadAll loads every object, returns load errors by id. A broken object doesn't stop loading
// of others.
func (r *Registry) LoadAll() map[int]error {
	res := map[int]error{}
	for _, e := range r.snapshot() {
		e.mu.Lock()
		if err := r.ensureLoaded(e); err != nil {
			log.Printf("[WARN] can't load %d of %s, %v", e.id, r.name, err)
			res[e.id] = err
		}
		e.mu.Unlock()
	}
	return res
}

// Shutdown flushes dirty objects and releases all ownership
func (r *Registry) Shutdown() error {
	var errs *multierror.Error
	if err := r.Flush(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if r.locker != nil {
		if err := r.locker.ReleaseAll(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	log.Printf("[DEBUG] registry %s shut down", r.name)
	return errs.ErrorOrNil()
}

func (r *Registry) update(id int, fn func(e *entry) error) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRemoved {
		return &repository.ObjectNotInRegistryError{Registry: r.name, ID: id, Sub: -1}
	}
	fresh := false
	if r.locker != nil {
		if fresh, err = r.locker.Acquire(id); err != nil {
			return err
		}
	}
	if fresh && (e.state == StateClean || e.state == StateFlushed) {
		e.state, e.obj = StateNotLoaded, nil // could be changed by another session before we owned it
	}
	if err := r.ensureLoaded(e); err != nil {
		if fresh {
			if rErr := r.locker.Release(id); rErr != nil {
				log.Printf("[WARN] can't release %d of %s, %v", id, r.name, rErr)
			}
		}
		return err
	}
	err = fn(e)
	e.state = StateDirty
	return err
}

// entry returns entry by id. Ids unknown to this registry checked in repository, those could be
// added by another session.
func (r *Registry) entry(id int) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if ok {
		return e, nil
	}
	if id < 0 {
		return nil, &repository.ObjectNotInRegistryError{Registry: r.name, ID: id, Sub: -1}
	}
	e = &entry{id: id, state: StateNotLoaded}
	if err := r.load(e); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[id]; ok {
		return existing, nil
	}
	r.entries[id] = e
	return e, nil
}

// ensureLoaded loads entry if not loaded yet, must be called with entry locked
func (r *Registry) ensureLoaded(e *entry) error {
	switch e.state {
	case StateRemoved:
		return &repository.ObjectNotInRegistryError{Registry: r.name, ID: e.id, Sub: -1}
	case StateNotLoaded:
		return r.load(e)
	}
	return nil
}

// load reads object and all its children, children linked to the object
func (r *Registry) load(e *entry) error {
	obj, err := r.repo.Read(e.id)
	if err != nil {
		return err
	}
	if s, ok := obj.(IDSetter); ok {
		s.SetID(e.id)
	}
	if c, ok := obj.(Composite); ok {
		subs := c.ChildIDs()
		children := make([]schema.Object, 0, len(subs))
		for _, sub := range subs {
			child, err := r.repo.ReadChild(e.id, sub)
			if err != nil {
				return fmt.Errorf("can't load child %d.%d of %s: %w", e.id, sub, r.name, err)
			}
			if s, ok := child.(IDSetter); ok {
				s.SetID(sub)
			}
			children = append(children, child)
		}
		if len(children) > 0 {
			if err := c.Adopt(children); err != nil {
				return &repository.RepositoryError{Registry: r.name, Op: "load", ID: e.id, Err: err}
			}
		}
	}
	e.obj, e.state = obj, StateClean
	return nil
}

// write stores dirty children first, then the object itself
func (r *Registry) write(e *entry) error {
	if c, ok := e.obj.(Composite); ok {
		subs, children := c.ChildIDs(), c.Children()
		if len(subs) != len(children) {
			return &repository.RepositoryError{Registry: r.name, Op: "write", ID: e.id,
				Err: fmt.Errorf("%d child ids for %d children", len(subs), len(children))}
		}
		for i, child := range children {
			if !e.dirtyAll && !e.dirtyChildren[subs[i]] {
				continue
			}
			if err := r.repo.WriteChild(e.id, subs[i], child); err != nil {
				return err
			}
		}
	}
	return r.repo.Write(e.id, e.obj)
}

// release gives up ownership of flushed entries still not modified again
func (r *Registry) release(entries []*entry) error {
	if r.locker == nil {
		return nil
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		defer e.mu.Unlock() //nolint:gocritic // all entries stay locked until released
		if e.state == StateFlushed {
			ids = append(ids, e.id)
		}
	}
	return r.locker.Release(ids...)
}

func (r *Registry) summary(e *entry) Summary {
	if e.obj != nil {
		if ix, ok := e.obj.(repository.Indexer); ok {
			return Summary{ID: e.id, Index: ix.Index()}
		}
	}
	idx, err := r.repo.Index(e.id)
	if err == nil {
		return Summary{ID: e.id, Index: idx}
	}
	var notFound *repository.ObjectNotInRegistryError
	if !errors.As(err, &notFound) {
		return Summary{ID: e.id, Index: map[string]string{}, Err: err}
	}
	if err := r.ensureLoaded(e); err != nil {
		return Summary{ID: e.id, Index: map[string]string{}, Err: err}
	}
	if ix, ok := e.obj.(repository.Indexer); ok {
		return Summary{ID: e.id, Index: ix.Index()}
	}
	return Summary{ID: e.id, Index: map[string]string{"class": e.obj.Schema().Name}}
}

// snapshot returns entries sorted by id
func (r *Registry) snapshot() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].id < res[j].id })
	return res
}
