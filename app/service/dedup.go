package service

import (
	"sort"
	"sync"
	"time"
)

// DeDup implements thread safe set of in-flight polls, keyed by job fqid. A job stays in the set
// until its backend call returns, even if the poll cycle gave up waiting for it.
type DeDup struct {
	active map[string]time.Time
	lock   sync.Mutex
}

// NewDeDup creates empty DeDup
func NewDeDup() *DeDup {
	return &DeDup{active: make(map[string]time.Time)}
}

// Add key to the set, fail if already in
func (d *DeDup) Add(key string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, found := d.active[key]; found {
		return false
	}
	d.active[key] = time.Now()
	return true
}

// Remove key from the set. Safe to call multiple times
func (d *DeDup) Remove(key string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.active, key)
}

// Stuck returns keys in the set for longer than age
func (d *DeDup) Stuck(age time.Duration) []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	res := []string{}
	for k, ts := range d.active {
		if time.Since(ts) > age {
			res = append(res, k)
		}
	}
	sort.Strings(res)
	return res
}
