// Package store provides a typed wrapper around the Redis databases that hold
// all CFS records. Every record is a JSON object stored under a single key.
// Multi-key mutations run inside optimistic-concurrency WATCH/MULTI/EXEC
// pipelines and retry on conflict until the retry budget is exhausted.
package store

import (
	"context"
	"iter"
)

// Entry is one decoded database record. All CFS records are JSON objects.
type Entry = map[string]any

// Filter reports whether an entry should be included in a scan result.
// Filters must be pure functions of the entry: bulk mutations re-apply them
// on every retry.
type Filter func(Entry) bool

// PatchHandler merges a patch into a base entry and returns the result. It
// may modify base in place; callers always pass a private copy.
type PatchHandler func(base Entry, patch Entry) Entry

// UpdateHandler post-processes a fully patched entry before it is written.
type UpdateHandler func(Entry) Entry

// DeletionHandler is invoked with each deleted entry after a bulk delete
// batch commits.
type DeletionHandler func(Entry)

// EntryChecker decides whether ConditionalDelete should remove an entry.
type EntryChecker func(Entry) bool

// KeyPatch is one (key, patch) element of a PatchList request.
type KeyPatch struct {
	Key   string
	Patch Entry
}

// KeyEntry pairs a key with its entry value at some point in a mutation.
type KeyEntry struct {
	Key   string
	Entry Entry
}

// Page is the result of a paged scan.
type Page struct {
	Entries []Entry
	// NextPageExists is true when at least one more matching entry exists
	// beyond this page.
	NextPageExists bool
}

// Store is the contract the HTTP controllers program against. *Client is the
// Redis implementation; storetest provides an in-memory one.
type Store interface {
	Contains(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (Entry, error)
	GetDelete(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, entry Entry) (Entry, error)
	PutIfNotSet(ctx context.Context, key string, entry Entry) (bool, error)
	Patch(ctx context.Context, key string, patch Entry, opts ...PatchOption) (Entry, error)
	PatchList(ctx context.Context, patches []KeyPatch, opts ...PatchOption) ([]KeyEntry, error)
	PatchAll(ctx context.Context, filter Filter, patch Entry, opts ...PatchOption) ([]KeyEntry, error)
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context, filter Filter, handler DeletionHandler) ([]string, error)
	ConditionalDelete(ctx context.Context, key string, checker EntryChecker) (bool, error)
	GetAll(ctx context.Context, opts ListOptions) (Page, error)
	GetKeys(ctx context.Context, startAfterKey string) ([]string, error)
	IterValues(ctx context.Context, startAfterKey string) iter.Seq2[Entry, error]
	Ping(ctx context.Context) error
}

// ListOptions control a paged GetAll scan.
type ListOptions struct {
	// Limit caps the number of returned entries. Zero or negative means no
	// limit.
	Limit int
	// AfterID restricts the scan to keys lexically greater than this value.
	AfterID string
	// Filters must all pass for an entry to be included.
	Filters []Filter
}

// PatchConfig is the resolved set of patch options. It is exported so that
// alternate Store implementations can honor the same options.
type PatchConfig struct {
	PatchHandler  PatchHandler
	UpdateHandler UpdateHandler
	DefaultEntry  Entry
}

// Apply merges patch into base with the configured handlers.
func (c PatchConfig) Apply(base Entry, patch Entry) Entry {
	next := c.PatchHandler(base, patch)
	if c.UpdateHandler != nil {
		next = c.UpdateHandler(next)
	}
	return next
}

// PatchOption customises the behavior of Patch, PatchList and PatchAll.
type PatchOption func(*PatchConfig)

// WithPatchHandler replaces the default recursive merge.
func WithPatchHandler(h PatchHandler) PatchOption {
	return func(c *PatchConfig) { c.PatchHandler = h }
}

// WithUpdateHandler runs h on the patched entry before it is written back.
func WithUpdateHandler(h UpdateHandler) PatchOption {
	return func(c *PatchConfig) { c.UpdateHandler = h }
}

// WithDefaultEntry applies the patch on top of entry when the key is absent,
// instead of failing with NoEntryError.
func WithDefaultEntry(entry Entry) PatchOption {
	return func(c *PatchConfig) { c.DefaultEntry = entry }
}

// ApplyPatchOptions resolves a list of options against the defaults.
func ApplyPatchOptions(opts []PatchOption) PatchConfig {
	c := PatchConfig{PatchHandler: MergePatch}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func passesAll(entry Entry, filters []Filter) bool {
	for _, f := range filters {
		if !f(entry) {
			return false
		}
	}
	return true
}
