package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"tokoku/backend/internal/store"
)

type entry struct {
	data    []byte
	version uint64
}

type key struct {
	collection store.Collection
	id         string
}

type account struct {
	docs  map[store.Collection]map[string]entry
	scans map[store.Collection]uint64
}

// Store is an in-process document store. Every write stamps the document and
// its collection with a fresh clock value; transactions remember what they
// read and refuse to commit if any of it moved.
type Store struct {
	mu          sync.RWMutex
	accounts    map[string]*account
	clock       uint64
	maxAttempts int
	offline     atomic.Bool
}

type Option func(*Store)

func WithMaxAttempts(n int) Option {
	return func(s *Store) { s.maxAttempts = n }
}

func New(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[string]*account),
		maxAttempts: store.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOffline makes every call fail with store.ErrUnavailable until reset.
func (s *Store) SetOffline(offline bool) {
	s.offline.Store(offline)
}

func (s *Store) Ping(_ context.Context) error {
	if s.offline.Load() {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Scope(accountID string) store.Docs {
	return &scope{s: s, account: accountID}
}

func (s *Store) RunTransaction(ctx context.Context, accountID string, fn store.TxFunc) error {
	return store.Retry(ctx, s.maxAttempts, func() error {
		if s.offline.Load() {
			return store.ErrUnavailable
		}
		t := &tx{
			s:       s,
			account: accountID,
			reads:   make(map[key]uint64),
			scans:   make(map[store.Collection]uint64),
			writes:  make(map[key]pending),
		}
		if err := fn(ctx, t); err != nil {
			return err
		}
		return t.commit()
	})
}

func (s *Store) ReplaceCollections(_ context.Context, accountID string, docs map[store.Collection][]store.Document) error {
	if s.offline.Load() {
		return store.ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountLocked(accountID)
	for c, list := range docs {
		bucket := make(map[string]entry, len(list))
		for _, doc := range list {
			s.clock++
			bucket[doc.ID] = entry{data: bytes.Clone(doc.Data), version: s.clock}
		}
		s.clock++
		acct.docs[c] = bucket
		acct.scans[c] = s.clock
	}
	return nil
}

func (s *Store) accountLocked(accountID string) *account {
	acct, ok := s.accounts[accountID]
	if !ok {
		acct = &account{
			docs:  make(map[store.Collection]map[string]entry),
			scans: make(map[store.Collection]uint64),
		}
		s.accounts[accountID] = acct
	}
	return acct
}

// lookup returns the entry and its version; version 0 means absent.
func (s *Store) lookup(accountID string, c store.Collection, id string) (entry, bool) {
	acct, ok := s.accounts[accountID]
	if !ok {
		return entry{}, false
	}
	e, ok := acct.docs[c][id]
	return e, ok
}

func (s *Store) scanVersion(accountID string, c store.Collection) uint64 {
	acct, ok := s.accounts[accountID]
	if !ok {
		return 0
	}
	return acct.scans[c]
}

func (s *Store) snapshot(accountID string, c store.Collection) []store.Document {
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil
	}
	bucket := acct.docs[c]
	out := make([]store.Document, 0, len(bucket))
	for id, e := range bucket {
		out = append(out, store.Document{ID: id, Data: bytes.Clone(e.data)})
	}
	return out
}

func (s *Store) writeLocked(accountID string, c store.Collection, id string, data []byte, deleted bool) {
	acct := s.accountLocked(accountID)
	s.clock++
	if deleted {
		delete(acct.docs[c], id)
	} else {
		bucket, ok := acct.docs[c]
		if !ok {
			bucket = make(map[string]entry)
			acct.docs[c] = bucket
		}
		bucket[id] = entry{data: bytes.Clone(data), version: s.clock}
	}
	acct.scans[c] = s.clock
}

type scope struct {
	s       *Store
	account string
}

func (d *scope) Get(_ context.Context, c store.Collection, id string) (store.Document, error) {
	if d.s.offline.Load() {
		return store.Document{}, store.ErrUnavailable
	}
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	e, ok := d.s.lookup(d.account, c, id)
	if !ok {
		return store.Document{}, store.Wrap("get", store.Path(c, id), store.ErrNotFound)
	}
	return store.Document{ID: id, Data: bytes.Clone(e.data)}, nil
}

func (d *scope) List(_ context.Context, c store.Collection) ([]store.Document, error) {
	if d.s.offline.Load() {
		return nil, store.ErrUnavailable
	}
	d.s.mu.RLock()
	docs := d.s.snapshot(d.account, c)
	d.s.mu.RUnlock()
	sortByID(docs)
	return docs, nil
}

func (d *scope) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	docs, err := d.List(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs)
}

func (d *scope) Put(_ context.Context, c store.Collection, doc store.Document) error {
	if d.s.offline.Load() {
		return store.ErrUnavailable
	}
	if doc.ID == "" {
		return store.Invalid("id", "is required")
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.writeLocked(d.account, c, doc.ID, doc.Data, false)
	return nil
}

func (d *scope) Delete(_ context.Context, c store.Collection, id string) error {
	if d.s.offline.Load() {
		return store.ErrUnavailable
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.s.lookup(d.account, c, id); !ok {
		return store.Wrap("delete", store.Path(c, id), store.ErrNotFound)
	}
	d.s.writeLocked(d.account, c, id, nil, true)
	return nil
}

type pending struct {
	data    []byte
	deleted bool
}

type tx struct {
	s       *Store
	account string
	reads   map[key]uint64
	scans   map[store.Collection]uint64
	writes  map[key]pending
}

func (t *tx) Get(_ context.Context, c store.Collection, id string) (store.Document, error) {
	k := key{collection: c, id: id}
	if w, ok := t.writes[k]; ok {
		if w.deleted {
			return store.Document{}, store.Wrap("get", store.Path(c, id), store.ErrNotFound)
		}
		return store.Document{ID: id, Data: bytes.Clone(w.data)}, nil
	}

	t.s.mu.RLock()
	e, ok := t.s.lookup(t.account, c, id)
	t.s.mu.RUnlock()
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = e.version
	}
	if !ok {
		return store.Document{}, store.Wrap("get", store.Path(c, id), store.ErrNotFound)
	}
	return store.Document{ID: id, Data: bytes.Clone(e.data)}, nil
}

func (t *tx) List(_ context.Context, c store.Collection) ([]store.Document, error) {
	t.s.mu.RLock()
	docs := t.s.snapshot(t.account, c)
	version := t.s.scanVersion(t.account, c)
	t.s.mu.RUnlock()
	if _, seen := t.scans[c]; !seen {
		t.scans[c] = version
	}

	byID := make(map[string]store.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	for k, w := range t.writes {
		if k.collection != c {
			continue
		}
		if w.deleted {
			delete(byID, k.id)
			continue
		}
		byID[k.id] = store.Document{ID: k.id, Data: bytes.Clone(w.data)}
	}

	out := make([]store.Document, 0, len(byID))
	for _, doc := range byID {
		out = append(out, doc)
	}
	sortByID(out)
	return out, nil
}

func (t *tx) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	docs, err := t.List(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs)
}

func (t *tx) Put(_ context.Context, c store.Collection, doc store.Document) error {
	if doc.ID == "" {
		return store.Invalid("id", "is required")
	}
	t.writes[key{collection: c, id: doc.ID}] = pending{data: bytes.Clone(doc.Data)}
	return nil
}

func (t *tx) Delete(ctx context.Context, c store.Collection, id string) error {
	if _, err := t.Get(ctx, c, id); err != nil {
		return err
	}
	t.writes[key{collection: c, id: id}] = pending{deleted: true}
	return nil
}

func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for k, seen := range t.reads {
		e, _ := t.s.lookup(t.account, k.collection, k.id)
		if e.version != seen {
			return store.ErrConflict
		}
	}
	for c, seen := range t.scans {
		if t.s.scanVersion(t.account, c) != seen {
			return store.ErrConflict
		}
	}
	for k, w := range t.writes {
		t.s.writeLocked(t.account, k.collection, k.id, w.data, w.deleted)
	}
	return nil
}

func sortByID(docs []store.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
