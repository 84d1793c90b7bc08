// Package dblayer packages up all accesses to the remote document store.
//
// Callers talk to the Store interface.  Firestore is the production
// implementation; Memory is an in-process implementation with the same
// semantics, used by tests and by the command-line tool's dry-run mode.
package dblayer

import (
	"context"
	"errors"
	"time"
)

// MaxInQuery is the largest number of document IDs the store accepts in a
// single "in" query.
const MaxInQuery = 10

var (
	ErrNotFound       = errors.New("document not found")
	ErrAlreadyExists  = errors.New("document already exists")
	ErrReadAfterWrite = errors.New("transaction reads must happen before writes")
	ErrTooManyIDs     = errors.New("too many document IDs in one query")
)

// Snapshot is a point-in-time copy of one document.
type Snapshot interface {
	ID() string
	Exists() bool
	DataTo(v interface{}) error
	UpdateTime() time.Time
}

// FieldUpdate replaces one top-level field of a document.
type FieldUpdate struct {
	Path  string
	Value interface{}
}

// Tx is a read-modify-write transaction.  All reads must precede all writes.
// The writes of one transaction commit atomically, across every document they
// touch.
type Tx interface {
	// Get returns a snapshot whose Exists method reports false if the
	// document is absent.
	Get(collection, id string) (Snapshot, error)
	Create(collection, id string, data interface{}) error
	Set(collection, id string, data interface{}) error
	Update(collection, id string, updates ...FieldUpdate) error
	Delete(collection, id string) error
}

// Store is the remote document store.
type Store interface {
	// Get returns a snapshot whose Exists method reports false if the
	// document is absent.
	Get(ctx context.Context, collection, id string) (Snapshot, error)

	// List returns every document in a collection.
	List(ctx context.Context, collection string) ([]Snapshot, error)

	Create(ctx context.Context, collection, id string, data interface{}) error
	Set(ctx context.Context, collection, id string, data interface{}) error
	Delete(ctx context.Context, collection, id string) error

	// RunTransaction runs fn and commits its writes atomically.  fn may be
	// invoked more than once if the documents it read changed underneath it.
	RunTransaction(ctx context.Context, fn func(context.Context, Tx) error) error

	// Subscribe listens to one document.  onData receives the full document
	// on every change, or nil if the document does not exist.  onError is
	// called at most once, after which no more callbacks arrive.  The
	// returned function stops the listener.
	Subscribe(ctx context.Context, collection, id string, onData func(Snapshot), onError func(error)) (stop func())

	// SubscribeIn listens to the documents of a collection whose IDs are in
	// ids.  len(ids) must not exceed MaxInQuery.  onData receives every
	// existing matching document on each change.
	SubscribeIn(ctx context.Context, collection string, ids []string, onData func([]Snapshot), onError func(error)) (stop func())
}

// Chunk splits ids into consecutive slices of at most size entries.
func Chunk(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n:n])
		ids = ids[n:]
	}
	return chunks
}
