package dblayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// maxTransactionAttempts mirrors the Firestore client's default retry budget.
const maxTransactionAttempts = 5

var errConflict = errors.New("transaction conflict")

type docKey struct {
	collection string
	id         string
}

type memDoc struct {
	data       map[string]interface{}
	version    int64
	updateTime time.Time
}

type memSnapshot struct {
	id         string
	exists     bool
	data       map[string]interface{}
	updateTime time.Time
}

func (s *memSnapshot) ID() string            { return s.id }
func (s *memSnapshot) Exists() bool          { return s.exists }
func (s *memSnapshot) UpdateTime() time.Time { return s.updateTime }

func (s *memSnapshot) DataTo(v interface{}) error {
	if !s.exists {
		return ErrNotFound
	}
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("while marshaling document %s: %w", s.id, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("while unmarshaling document %s: %w", s.id, err)
	}
	return nil
}

type memSub struct {
	collection string
	id         string
	ids        map[string]bool
	query      bool
	onDoc      func(Snapshot)
	onQuery    func([]Snapshot)
}

// Memory is an in-process Store.
//
// Writes are delivered to subscribers synchronously, after the write has
// committed and before the writing call returns.  No locks are held during
// delivery, so callbacks may read from and write to the store.
type Memory struct {
	mu      sync.Mutex
	docs    map[docKey]*memDoc
	subs    map[int]*memSub
	nextSub int

	failWrite  func(collection, id string) error
	querySizes []int
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs: map[docKey]*memDoc{},
		subs: map[int]*memSub{},
		now:  time.Now,
	}
}

// SetFailWrite installs a hook consulted for every document written by a
// commit.  If it returns an error for any document, the whole commit fails
// and nothing is written.  Pass nil to remove the hook.
func (m *Memory) SetFailWrite(f func(collection, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = f
}

// QuerySizes returns the number of IDs in each SubscribeIn call so far.
func (m *Memory) QuerySizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.querySizes...)
}

// ActiveSubscriptions returns the number of listeners not yet stopped.
func (m *Memory) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func toDocData(data interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toFieldValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// snapshotLocked copies the current state of a document.  m.mu must be held.
func (m *Memory) snapshotLocked(key docKey) (*memSnapshot, int64) {
	doc, ok := m.docs[key]
	if !ok {
		return &memSnapshot{id: key.id}, 0
	}
	// Round-trip through JSON so callers never alias stored maps.
	data, _ := toDocData(doc.data)
	return &memSnapshot{id: key.id, exists: true, data: data, updateTime: doc.updateTime}, doc.version
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, _ := m.snapshotLocked(docKey{collection, id})
	return snap, nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := []string{}
	for key := range m.docs {
		if key.collection == collection {
			ids = append(ids, key.id)
		}
	}
	sort.Strings(ids)

	snaps := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, _ := m.snapshotLocked(docKey{collection, id})
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

type writeKind int

const (
	writeCreate writeKind = iota
	writeSet
	writeUpdate
	writeDelete
)

type pendingWrite struct {
	key     docKey
	kind    writeKind
	data    map[string]interface{}
	updates []FieldUpdate
}

func (m *Memory) Create(ctx context.Context, collection, id string, data interface{}) error {
	tx := m.newTx()
	if err := tx.Create(collection, id, data); err != nil {
		return err
	}
	return m.commit(ctx, tx)
}

func (m *Memory) Set(ctx context.Context, collection, id string, data interface{}) error {
	tx := m.newTx()
	if err := tx.Set(collection, id, data); err != nil {
		return err
	}
	return m.commit(ctx, tx)
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	tx := m.newTx()
	if err := tx.Delete(collection, id); err != nil {
		return err
	}
	return m.commit(ctx, tx)
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(context.Context, Tx) error) error {
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		tx := m.newTx()
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := m.commit(ctx, tx)
		if errors.Is(err, errConflict) {
			glog.V(2).Infof("Retrying transaction after conflict (attempt %d)", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("while committing transaction: %w", errConflict)
}

func (m *Memory) newTx() *memTx {
	return &memTx{m: m, readVersions: map[docKey]int64{}}
}

type memTx struct {
	m            *Memory
	readVersions map[docKey]int64
	writes       []pendingWrite
}

func (t *memTx) Get(collection, id string) (Snapshot, error) {
	if len(t.writes) != 0 {
		return nil, ErrReadAfterWrite
	}
	key := docKey{collection, id}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	snap, version := t.m.snapshotLocked(key)
	t.readVersions[key] = version
	return snap, nil
}

func (t *memTx) Create(collection, id string, data interface{}) error {
	docData, err := toDocData(data)
	if err != nil {
		return fmt.Errorf("while encoding %s/%s: %w", collection, id, err)
	}
	t.writes = append(t.writes, pendingWrite{key: docKey{collection, id}, kind: writeCreate, data: docData})
	return nil
}

func (t *memTx) Set(collection, id string, data interface{}) error {
	docData, err := toDocData(data)
	if err != nil {
		return fmt.Errorf("while encoding %s/%s: %w", collection, id, err)
	}
	t.writes = append(t.writes, pendingWrite{key: docKey{collection, id}, kind: writeSet, data: docData})
	return nil
}

func (t *memTx) Update(collection, id string, updates ...FieldUpdate) error {
	encoded := make([]FieldUpdate, 0, len(updates))
	for _, u := range updates {
		v, err := toFieldValue(u.Value)
		if err != nil {
			return fmt.Errorf("while encoding %s/%s field %s: %w", collection, id, u.Path, err)
		}
		encoded = append(encoded, FieldUpdate{Path: u.Path, Value: v})
	}
	t.writes = append(t.writes, pendingWrite{key: docKey{collection, id}, kind: writeUpdate, updates: encoded})
	return nil
}

func (t *memTx) Delete(collection, id string) error {
	t.writes = append(t.writes, pendingWrite{key: docKey{collection, id}, kind: writeDelete})
	return nil
}

func (m *Memory) commit(ctx context.Context, tx *memTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()

	for key, version := range tx.readVersions {
		current := int64(0)
		if doc, ok := m.docs[key]; ok {
			current = doc.version
		}
		if current != version {
			m.mu.Unlock()
			return errConflict
		}
	}

	// Validate every write before applying any of them.
	exists := map[docKey]bool{}
	for key := range m.docs {
		exists[key] = true
	}
	for _, w := range tx.writes {
		if m.failWrite != nil {
			if err := m.failWrite(w.key.collection, w.key.id); err != nil {
				m.mu.Unlock()
				return fmt.Errorf("while writing %s/%s: %w", w.key.collection, w.key.id, err)
			}
		}
		switch w.kind {
		case writeCreate:
			if exists[w.key] {
				m.mu.Unlock()
				return ErrAlreadyExists
			}
			exists[w.key] = true
		case writeSet:
			exists[w.key] = true
		case writeUpdate:
			if !exists[w.key] {
				m.mu.Unlock()
				return fmt.Errorf("while updating %s/%s: %w", w.key.collection, w.key.id, ErrNotFound)
			}
		case writeDelete:
			exists[w.key] = false
		}
	}

	now := m.now()
	touched := []docKey{}
	for _, w := range tx.writes {
		touched = append(touched, w.key)
		switch w.kind {
		case writeCreate, writeSet:
			version := int64(1)
			if prev, ok := m.docs[w.key]; ok {
				version = prev.version + 1
			}
			m.docs[w.key] = &memDoc{data: w.data, version: version, updateTime: now}
		case writeUpdate:
			doc := m.docs[w.key]
			for _, u := range w.updates {
				doc.data[u.Path] = u.Value
			}
			doc.version++
			doc.updateTime = now
		case writeDelete:
			delete(m.docs, w.key)
		}
	}

	m.mu.Unlock()

	m.notify(touched)
	return nil
}

// notify delivers the current state of the touched documents to every
// interested subscriber.
func (m *Memory) notify(touched []docKey) {
	m.mu.Lock()
	subIDs := []int{}
	for subID, sub := range m.subs {
		for _, key := range touched {
			if key.collection == sub.collection && sub.ids[key.id] {
				subIDs = append(subIDs, subID)
				break
			}
		}
	}
	m.mu.Unlock()

	sort.Ints(subIDs)
	for _, subID := range subIDs {
		m.deliver(subID)
	}
}

func (m *Memory) deliver(subID int) {
	m.mu.Lock()
	sub, ok := m.subs[subID]
	if !ok {
		// Stopped since the write committed.
		m.mu.Unlock()
		return
	}

	if !sub.query {
		snap, _ := m.snapshotLocked(docKey{sub.collection, sub.id})
		m.mu.Unlock()
		if !snap.exists {
			sub.onDoc(nil)
			return
		}
		sub.onDoc(snap)
		return
	}

	ids := make([]string, 0, len(sub.ids))
	for id := range sub.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snaps := []Snapshot{}
	for _, id := range ids {
		snap, _ := m.snapshotLocked(docKey{sub.collection, id})
		if snap.exists {
			snaps = append(snaps, snap)
		}
	}
	m.mu.Unlock()
	sub.onQuery(snaps)
}

func (m *Memory) addSub(sub *memSub) (int, func()) {
	m.mu.Lock()
	subID := m.nextSub
	m.nextSub++
	m.subs[subID] = sub
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, subID)
	}
	return subID, stop
}

func (m *Memory) Subscribe(ctx context.Context, collection, id string, onData func(Snapshot), onError func(error)) func() {
	if err := ctx.Err(); err != nil {
		onError(err)
		return func() {}
	}
	subID, stop := m.addSub(&memSub{
		collection: collection,
		id:         id,
		ids:        map[string]bool{id: true},
		onDoc:      onData,
	})
	m.deliver(subID)
	return stop
}

func (m *Memory) SubscribeIn(ctx context.Context, collection string, ids []string, onData func([]Snapshot), onError func(error)) func() {
	if len(ids) > MaxInQuery {
		onError(fmt.Errorf("%w: %d > %d", ErrTooManyIDs, len(ids), MaxInQuery))
		return func() {}
	}
	if err := ctx.Err(); err != nil {
		onError(err)
		return func() {}
	}

	m.mu.Lock()
	m.querySizes = append(m.querySizes, len(ids))
	m.mu.Unlock()

	idSet := map[string]bool{}
	for _, id := range ids {
		idSet[id] = true
	}
	subID, stop := m.addSub(&memSub{
		collection: collection,
		ids:        idSet,
		query:      true,
		onQuery:    onData,
	})
	m.deliver(subID)
	return stop
}
