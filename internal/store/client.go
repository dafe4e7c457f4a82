package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// The five CFS databases. The index in this list is the Redis database id.
const (
	OptionsDB        = "options"
	SessionsDB       = "sessions"
	ComponentsDB     = "components"
	ConfigurationsDB = "configurations"
	SourcesDB        = "sources"
)

var databases = []string{OptionsDB, SessionsDB, ComponentsDB, ConfigurationsDB, SourcesDB}

const (
	// DefaultBusyBudget bounds how long a mutation keeps retrying after
	// optimistic-concurrency conflicts. It is not a hard timeout: an attempt
	// already in flight when the budget expires is allowed to finish.
	DefaultBusyBudget = 60 * time.Second

	// DefaultBatchSize is the number of keys per MGET/MSET round trip in
	// scans and bulk mutations. Larger batches reduce network round trips;
	// smaller batches reduce the cost of a conflicted transaction retry.
	DefaultBatchSize = 500
)

// Config describes one database connection.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Database is one of the named CFS databases.
	Database string
	// BusyBudget overrides DefaultBusyBudget when positive.
	BusyBudget time.Duration
	// BatchSize overrides DefaultBatchSize when positive.
	BatchSize int

	Logger logr.Logger
}

// Client is the Redis-backed Store implementation. The underlying go-redis
// client is safe for concurrent use, so Client is as well.
type Client struct {
	rdb       *redis.Client
	name      string
	budget    time.Duration
	batchSize int
	log       logr.Logger
}

var _ Store = (*Client)(nil)

// Open creates a client for one of the named CFS databases.
func Open(cfg Config) (*Client, error) {
	id := slices.Index(databases, cfg.Database)
	if id < 0 {
		return nil, fmt.Errorf("unknown database %q", cfg.Database)
	}
	budget := cfg.BusyBudget
	if budget <= 0 {
		budget = DefaultBusyBudget
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Client{
		rdb:       redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: id}),
		name:      cfg.Database,
		budget:    budget,
		batchSize: batchSize,
		log:       cfg.Logger.WithName("store").WithValues("database", cfg.Database),
	}, nil
}

func (c *Client) noEntry(key string) error {
	return &NoEntryError{Database: c.name, Key: key}
}

func (c *Client) tooBusy() error {
	return &TooBusyError{Database: c.name, Budget: c.budget}
}

// Ping verifies that the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Info(ctx).Err()
}

// Contains reports whether the key exists.
func (c *Client) Contains(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the entry for key, or NoEntryError.
func (c *Client) Get(ctx context.Context, key string) (Entry, error) {
	data, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, c.noEntry(key)
	}
	if err != nil {
		return nil, err
	}
	return c.decode(key, data)
}

// GetDelete atomically removes the entry for key and returns its previous
// value, or NoEntryError.
func (c *Client) GetDelete(ctx context.Context, key string) (Entry, error) {
	data, err := c.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, c.noEntry(key)
	}
	if err != nil {
		return nil, err
	}
	return c.decode(key, data)
}

// Put unconditionally replaces the entry for key.
func (c *Client) Put(ctx context.Context, key string, entry Entry) (Entry, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return nil, err
	}
	return entry, nil
}

// PutIfNotSet writes the entry only when the key is absent. It reports
// whether the write occurred.
func (c *Client) PutIfNotSet(ctx context.Context, key string, entry Entry) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	return c.rdb.SetNX(ctx, key, data, 0).Result()
}

// Delete removes the entry for key, failing with NoEntryError when absent.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.GetDelete(ctx, key)
	return err
}

// GetKeys returns a sorted list of every key in the database, restricted to
// keys lexically greater than startAfterKey when it is non-empty. SCAN can
// report duplicates, so results are deduplicated.
func (c *Client) GetKeys(ctx context.Context, startAfterKey string) ([]string, error) {
	seen := map[string]struct{}{}
	it := c.rdb.Scan(ctx, 0, "", int64(c.batchSize)).Iterator()
	for it.Next(ctx) {
		seen[it.Val()] = struct{}{}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		if startAfterKey != "" && key <= startAfterKey {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// IterValues lazily yields every entry in the database in key order. The
// iteration can be restarted by supplying the last seen key as
// startAfterKey. Entries deleted between the key scan and the value fetch
// are skipped.
func (c *Client) IterValues(ctx context.Context, startAfterKey string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		keys, err := c.GetKeys(ctx, startAfterKey)
		if err != nil {
			yield(nil, err)
			return
		}
		for batch := range slices.Chunk(keys, c.batchSize) {
			values, err := c.rdb.MGet(ctx, batch...).Result()
			if err != nil {
				yield(nil, err)
				return
			}
			for i, value := range values {
				data, ok := value.(string)
				if !ok || data == "" {
					continue
				}
				entry, err := c.decode(batch[i], data)
				if err != nil {
					if !yield(nil, err) {
						return
					}
					continue
				}
				if !yield(entry, nil) {
					return
				}
			}
		}
	}
}

// GetAll returns a page of entries in key order. Filtering happens during
// the scan rather than on the full result set, so arbitrarily large
// databases can be paged with bounded memory.
func (c *Client) GetAll(ctx context.Context, opts ListOptions) (Page, error) {
	var page Page
	pageFull := false
	for entry, err := range c.IterValues(ctx, opts.AfterID) {
		if err != nil {
			return Page{}, err
		}
		if !passesAll(entry, opts.Filters) {
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

// Patch reads the entry for key, merges the patch into a copy, applies the
// optional update handler and writes the result back, all inside a
// WATCH/MULTI/EXEC pipeline over the key. A patch that does not change the
// entry performs no write. When the key is absent the patch is applied on
// the configured default entry instead, or NoEntryError is returned when no
// default was supplied.
func (c *Client) Patch(ctx context.Context, key string, patch Entry, opts ...PatchOption) (Entry, error) {
	cfg := ApplyPatchOptions(opts)
	var result Entry
	err := c.watchRetry(ctx, []string{key}, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var orig, next Entry
		switch {
		case err == nil && data != "":
			if orig, err = c.decode(key, data); err != nil {
				return err
			}
			next = cfg.Apply(CopyEntry(orig), patch)
		case cfg.DefaultEntry != nil:
			next = cfg.Apply(CopyEntry(cfg.DefaultEntry), patch)
		default:
			return c.noEntry(key)
		}
		result = next
		if reflect.DeepEqual(orig, next) {
			return nil
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PatchList applies a sequence of (key, patch) tuples as one transaction
// over the set of distinct keys. Any missing key fails the whole call with
// NoEntryError. The returned slice holds one element per input tuple with
// the entry value at that point in the sequence; when the same key appears
// more than once only the final value is written.
func (c *Client) PatchList(ctx context.Context, patches []KeyPatch, opts ...PatchOption) ([]KeyEntry, error) {
	cfg := ApplyPatchOptions(opts)
	uniqueKeys := make([]string, 0, len(patches))
	seen := map[string]struct{}{}
	for _, kp := range patches {
		if _, ok := seen[kp.Key]; ok {
			continue
		}
		seen[kp.Key] = struct{}{}
		uniqueKeys = append(uniqueKeys, kp.Key)
	}

	var results []KeyEntry
	err := c.watchRetry(ctx, uniqueKeys, func(tx *redis.Tx) error {
		results = nil
		values, err := tx.MGet(ctx, uniqueKeys...).Result()
		if err != nil {
			return err
		}
		original := map[string]Entry{}
		current := map[string]Entry{}
		for i, value := range values {
			data, ok := value.(string)
			if !ok || data == "" {
				return c.noEntry(uniqueKeys[i])
			}
			entry, err := c.decode(uniqueKeys[i], data)
			if err != nil {
				return err
			}
			original[uniqueKeys[i]] = entry
			current[uniqueKeys[i]] = entry
		}
		for _, kp := range patches {
			next := cfg.Apply(CopyEntry(current[kp.Key]), kp.Patch)
			current[kp.Key] = next
			results = append(results, KeyEntry{Key: kp.Key, Entry: next})
		}
		changed := map[string]any{}
		for key, entry := range current {
			if reflect.DeepEqual(entry, original[key]) {
				continue
			}
			encoded, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			changed[key] = encoded
		}
		if len(changed) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.MSet(ctx, changed)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// PatchAll scans every key in the database and applies the patch to each
// entry that passes the filter. Keys are processed in batches; each batch
// commits atomically and retries independently on conflict. Partially
// applied bulk patches are observable across batches. Returns the patched
// entries sorted by key.
func (c *Client) PatchAll(ctx context.Context, filter Filter, patch Entry, opts ...PatchOption) ([]KeyEntry, error) {
	cfg := ApplyPatchOptions(opts)
	deadline := time.Now().Add(c.budget)
	keysLeft, err := c.GetKeys(ctx, "")
	if err != nil {
		return nil, err
	}

	patched := map[string]Entry{}
	keysDone := map[string]struct{}{}
	for len(keysLeft) > 0 {
		if len(keysDone) > 0 {
			keysLeft = slices.DeleteFunc(keysLeft, func(key string) bool {
				_, done := keysDone[key]
				return done
			})
			if len(keysLeft) == 0 {
				break
			}
			clear(keysDone)
		}
		err := c.forEachBatch(ctx, keysLeft, deadline, func(batch []string) error {
			return c.patchBatch(ctx, batch, filter, patch, cfg, keysDone, patched)
		})
		if err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(patched))
	for key := range patched {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	results := make([]KeyEntry, 0, len(keys))
	for _, key := range keys {
		results = append(results, KeyEntry{Key: key, Entry: patched[key]})
	}
	return results, nil
}

func (c *Client) patchBatch(ctx context.Context, batch []string, filter Filter, patch Entry, cfg PatchConfig, keysDone map[string]struct{}, patched map[string]Entry) error {
	return c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.MGet(ctx, batch...).Result()
		if err != nil {
			return err
		}
		changed := map[string]any{}
		batchPatched := map[string]Entry{}
		for i, value := range values {
			key := batch[i]
			data, ok := value.(string)
			if !ok || data == "" {
				keysDone[key] = struct{}{}
				continue
			}
			orig, err := c.decode(key, data)
			if err != nil {
				return err
			}
			if filter != nil && !filter(orig) {
				keysDone[key] = struct{}{}
				continue
			}
			next := cfg.Apply(CopyEntry(orig), patch)
			if reflect.DeepEqual(next, orig) {
				keysDone[key] = struct{}{}
				continue
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			changed[key] = encoded
			batchPatched[key] = next
		}
		if len(changed) > 0 {
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.MSet(ctx, changed)
				return nil
			}); err != nil {
				return err
			}
		}
		for key, entry := range batchPatched {
			keysDone[key] = struct{}{}
			patched[key] = entry
		}
		return nil
	}, batch...)
}

// ConditionalDelete reads the entry for key and deletes it iff the checker
// approves, inside a watch transaction. It reports whether the delete
// happened. A missing key fails with NoEntryError.
func (c *Client) ConditionalDelete(ctx context.Context, key string, checker EntryChecker) (bool, error) {
	deleted := false
	err := c.watchRetry(ctx, []string{key}, func(tx *redis.Tx) error {
		deleted = false
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) || data == "" {
			return c.noEntry(key)
		}
		if err != nil {
			return err
		}
		entry, err := c.decode(key, data)
		if err != nil {
			return err
		}
		if !checker(entry) {
			return nil
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		}); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// DeleteAll removes every entry that passes the filter, in batched watch
// transactions. The optional handler runs for each deleted entry after its
// batch commits. Returns the deleted keys in sorted order.
func (c *Client) DeleteAll(ctx context.Context, filter Filter, handler DeletionHandler) ([]string, error) {
	deadline := time.Now().Add(c.budget)
	keysLeft, err := c.GetKeys(ctx, "")
	if err != nil {
		return nil, err
	}

	var deletedKeys []string
	keysDone := map[string]struct{}{}
	for len(keysLeft) > 0 {
		if len(keysDone) > 0 {
			keysLeft = slices.DeleteFunc(keysLeft, func(key string) bool {
				_, done := keysDone[key]
				return done
			})
			if len(keysLeft) == 0 {
				break
			}
			clear(keysDone)
		}
		err := c.forEachBatch(ctx, keysLeft, deadline, func(batch []string) error {
			return c.deleteBatch(ctx, batch, filter, handler, keysDone, &deletedKeys)
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(deletedKeys)
	return deletedKeys, nil
}

func (c *Client) deleteBatch(ctx context.Context, batch []string, filter Filter, handler DeletionHandler, keysDone map[string]struct{}, deletedKeys *[]string) error {
	return c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.MGet(ctx, batch...).Result()
		if err != nil {
			return err
		}
		doomed := map[string]Entry{}
		for i, value := range values {
			key := batch[i]
			data, ok := value.(string)
			if !ok || data == "" {
				keysDone[key] = struct{}{}
				continue
			}
			entry, err := c.decode(key, data)
			if err != nil {
				return err
			}
			if filter != nil && !filter(entry) {
				keysDone[key] = struct{}{}
				continue
			}
			doomed[key] = entry
		}
		if len(doomed) > 0 {
			keys := make([]string, 0, len(doomed))
			for key := range doomed {
				keys = append(keys, key)
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, keys...)
				return nil
			}); err != nil {
				return err
			}
		}
		for key, entry := range doomed {
			keysDone[key] = struct{}{}
			*deletedKeys = append(*deletedKeys, key)
			if handler != nil {
				handler(entry)
			}
		}
		return nil
	}, batch...)
}

// watchRetry runs fn in a watch transaction over keys, retrying on conflict
// until the busy budget is exhausted.
func (c *Client) watchRetry(ctx context.Context, keys []string, fn func(tx *redis.Tx) error) error {
	deadline := time.Now().Add(c.budget)
	for {
		err := c.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if time.Now().After(deadline) {
			return c.tooBusy()
		}
		c.log.Info("watched key changed; retrying", "keys", keys)
	}
}

// forEachBatch feeds fn with batches of keys, mapping a conflicted batch
// into either a budget failure or a silent restart (the caller's outer loop
// re-derives the remaining keys).
func (c *Client) forEachBatch(ctx context.Context, keys []string, deadline time.Time, fn func(batch []string) error) error {
	for batch := range slices.Chunk(keys, c.batchSize) {
		if err := fn(batch); err != nil {
			if errors.Is(err, redis.TxFailedErr) {
				if time.Now().After(deadline) {
					return c.tooBusy()
				}
				c.log.Info("watched key changed during bulk mutation; retrying")
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Client) decode(key, data string) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("decoding entry %q in %q database: %w", key, c.name, err)
	}
	if entry == nil {
		return nil, c.noEntry(key)
	}
	return entry, nil
}
