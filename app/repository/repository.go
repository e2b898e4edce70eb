// Package repository provides durable storage of registry objects. Two implementations are
// available: File keeps one directory per object with atomically replaced data files and a
// locked counter file, SQLite keeps rows in a per-registry database.
package repository

import (
	"fmt"

	"github.com/umputun/ganga/app/schema"
)

// Repository stores objects by integer id. Children (subjobs) are stored under the id of their
// owner and removed with it.
type Repository interface {
	AllocateIDs(n int) ([]int, error)
	IDs() ([]int, error)
	Write(id int, obj schema.Object) error
	Read(id int) (schema.Object, error)
	WriteChild(id, sub int, obj schema.Object) error
	ReadChild(id, sub int) (schema.Object, error)
	Delete(id int) error
	Index(id int) (map[string]string, error)
	Close() error
}

// Indexer is implemented by objects providing a short summary stored next to the data,
// so listings don't need to deserialize objects
type Indexer interface {
	Index() map[string]string
}

// ObjectNotInRegistryError returned for ids without stored data
type ObjectNotInRegistryError struct {
	Registry string
	ID       int
	Sub      int // -1 for top level objects
}

func (e *ObjectNotInRegistryError) Error() string {
	if e.Sub >= 0 {
		return fmt.Sprintf("object %d.%d not in registry %s", e.ID, e.Sub, e.Registry)
	}
	return fmt.Sprintf("object %d not in registry %s", e.ID, e.Registry)
}

// RepositoryError returned for I/O failures and corrupted records
type RepositoryError struct { //nolint:revive // name is part of the public error taxonomy
	Registry string
	Op       string
	ID       int
	Err      error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %s %d: %v", e.Registry, e.Op, e.ID, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// RegistryLockError returned when a lock can't be taken, either because of a timeout on a
// shared lock file or because another live session owns the object
type RegistryLockError struct {
	Registry string
	ID       int    // -1 for registry level locks
	Owner    string // session holding the lock, if known
	Err      error
}

func (e *RegistryLockError) Error() string {
	msg := fmt.Sprintf("registry %s: can't lock", e.Registry)
	if e.ID >= 0 {
		msg += fmt.Sprintf(" object %d", e.ID)
	}
	if e.Owner != "" {
		msg += ", held by " + e.Owner
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistryLockError) Unwrap() error {
	return e.Err
}
