package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog maps "category/name" to constructors of registered classes.
// Catalog is passed explicitly to whoever needs to make objects from stored data.
type Catalog struct {
	mu    sync.RWMutex
	ctors map[string]func() Object
}

// NewCatalog makes empty catalog
func NewCatalog() *Catalog {
	return &Catalog{ctors: map[string]func() Object{}}
}

// Register adds constructor, the key taken from the schema of a fresh object
func (c *Catalog) Register(ctor func() Object) error {
	obj := ctor()
	if IsNil(obj) || obj.Schema() == nil {
		return &ConfigError{Schema: fmt.Sprintf("%T", obj), Reason: "constructor returned object without schema"}
	}
	key := obj.Schema().Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.ctors[key]; found {
		return &ConfigError{Schema: key, Reason: "already registered"}
	}
	c.ctors[key] = ctor
	return nil
}

// MustRegister registers all constructors or panics
func (c *Catalog) MustRegister(ctors ...func() Object) *Catalog {
	for _, ctor := range ctors {
		if err := c.Register(ctor); err != nil {
			panic(err)
		}
	}
	return c
}

// New makes object of the given class with its registered constructor
func (c *Catalog) New(category, name string) (Object, error) {
	c.mu.RLock()
	ctor, found := c.ctors[category+"/"+name]
	c.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("unknown class %s/%s", category, name)
	}
	return ctor(), nil
}

// Names lists registered class names for the category, sorted
func (c *Catalog) Names(category string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := []string{}
	for _, ctor := range c.ctors {
		s := ctor().Schema()
		if s.Category == category {
			res = append(res, s.Name)
		}
	}
	sort.Strings(res)
	return res
}
