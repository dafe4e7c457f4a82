// Package storetest provides an in-memory store.Store for tests. Entries are
// round-tripped through JSON on every write so tests observe the same value
// shapes (float64 numbers, []any lists) the Redis-backed store produces.
package storetest

import (
	"context"
	"encoding/json"
	"iter"
	"reflect"
	"sort"
	"sync"

	"github.com/Cray-HPE/cfs-api/internal/store"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	mu       sync.Mutex
	name     string
	entries  map[string]store.Entry
	pingErr  error
	failNext error
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store for the named database.
func New(name string) *Store {
	return &Store{name: name, entries: map[string]store.Entry{}}
}

// Seed loads entries without going through the Store interface.
func (s *Store) Seed(entries map[string]store.Entry) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range entries {
		s.entries[key] = normalize(entry)
	}
	return s
}

// SetPingError makes Ping fail, for health probe tests.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// FailNext makes the next operation return err.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Store) noEntry(key string) error {
	return &store.NoEntryError{Database: s.name, Key: key}
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	_, ok := s.entries[key]
	return ok, nil
}

func (s *Store) Get(ctx context.Context, key string) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, s.noEntry(key)
	}
	return store.CopyEntry(entry), nil
}

func (s *Store) GetDelete(ctx context.Context, key string) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, s.noEntry(key)
	}
	delete(s.entries, key)
	return entry, nil
}

func (s *Store) Put(ctx context.Context, key string, entry store.Entry) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	normalized := normalize(entry)
	s.entries[key] = normalized
	return store.CopyEntry(normalized), nil
}

func (s *Store) PutIfNotSet(ctx context.Context, key string, entry store.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = normalize(entry)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.GetDelete(ctx, key)
	return err
}

func (s *Store) Patch(ctx context.Context, key string, patch store.Entry, opts ...store.PatchOption) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	return s.patchLocked(key, patch, store.ApplyPatchOptions(opts))
}

func (s *Store) patchLocked(key string, patch store.Entry, cfg store.PatchConfig) (store.Entry, error) {
	orig, ok := s.entries[key]
	var next store.Entry
	switch {
	case ok:
		next = cfg.Apply(store.CopyEntry(orig), normalize(patch))
	case cfg.DefaultEntry != nil:
		next = cfg.Apply(store.CopyEntry(cfg.DefaultEntry), normalize(patch))
	default:
		return nil, s.noEntry(key)
	}
	if !ok || !reflect.DeepEqual(orig, next) {
		s.entries[key] = next
	}
	return store.CopyEntry(next), nil
}

func (s *Store) PatchList(ctx context.Context, patches []store.KeyPatch, opts ...store.PatchOption) ([]store.KeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	cfg := store.ApplyPatchOptions(opts)
	for _, kp := range patches {
		if _, ok := s.entries[kp.Key]; !ok {
			return nil, s.noEntry(kp.Key)
		}
	}
	var results []store.KeyEntry
	for _, kp := range patches {
		entry, err := s.patchLocked(kp.Key, kp.Patch, cfg)
		if err != nil {
			return nil, err
		}
		results = append(results, store.KeyEntry{Key: kp.Key, Entry: entry})
	}
	return results, nil
}

func (s *Store) PatchAll(ctx context.Context, filter store.Filter, patch store.Entry, opts ...store.PatchOption) ([]store.KeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	cfg := store.ApplyPatchOptions(opts)
	var results []store.KeyEntry
	for _, key := range s.sortedKeysLocked("") {
		orig := s.entries[key]
		if filter != nil && !filter(orig) {
			continue
		}
		next := cfg.Apply(store.CopyEntry(orig), normalize(patch))
		if reflect.DeepEqual(orig, next) {
			continue
		}
		s.entries[key] = next
		results = append(results, store.KeyEntry{Key: key, Entry: store.CopyEntry(next)})
	}
	return results, nil
}

func (s *Store) ConditionalDelete(ctx context.Context, key string, checker store.EntryChecker) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	entry, ok := s.entries[key]
	if !ok {
		return false, s.noEntry(key)
	}
	if !checker(entry) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *Store) DeleteAll(ctx context.Context, filter store.Filter, handler store.DeletionHandler) ([]string, error) {
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var deleted []string
	var doomed []store.Entry
	for _, key := range s.sortedKeysLocked("") {
		entry := s.entries[key]
		if filter != nil && !filter(entry) {
			continue
		}
		delete(s.entries, key)
		deleted = append(deleted, key)
		doomed = append(doomed, entry)
	}
	s.mu.Unlock()
	if handler != nil {
		for _, entry := range doomed {
			handler(entry)
		}
	}
	return deleted, nil
}

func (s *Store) GetAll(ctx context.Context, opts store.ListOptions) (store.Page, error) {
	var page store.Page
	pageFull := false
	for entry, err := range s.IterValues(ctx, opts.AfterID) {
		if err != nil {
			return store.Page{}, err
		}
		passes := true
		for _, f := range opts.Filters {
			if !f(entry) {
				passes = false
				break
			}
		}
		if !passes {
			continue
		}
		if pageFull {
			page.NextPageExists = true
			break
		}
		page.Entries = append(page.Entries, entry)
		if opts.Limit > 0 && len(page.Entries) >= opts.Limit {
			pageFull = true
		}
	}
	return page, nil
}

func (s *Store) GetKeys(ctx context.Context, startAfterKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	return s.sortedKeysLocked(startAfterKey), nil
}

func (s *Store) IterValues(ctx context.Context, startAfterKey string) iter.Seq2[store.Entry, error] {
	return func(yield func(store.Entry, error) bool) {
		keys, err := s.GetKeys(ctx, startAfterKey)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, key := range keys {
			s.mu.Lock()
			entry, ok := s.entries[key]
			if ok {
				entry = store.CopyEntry(entry)
			}
			s.mu.Unlock()
			if !ok {
				continue
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (s *Store) sortedKeysLocked(startAfterKey string) []string {
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if startAfterKey != "" && key <= startAfterKey {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalize round-trips a value through JSON so stored entries match the
// shapes the Redis client decodes.
func normalize(entry store.Entry) store.Entry {
	if entry == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		panic(err)
	}
	var out store.Entry
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}
