// Package options maintains the process-wide view of the single options
// record. Handlers read an immutable snapshot; a refresh replaces the whole
// snapshot atomically and re-applies the dynamic logging level.
package options

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Cray-HPE/cfs-api/internal/store"
)

// Key is the fixed key the options record lives under.
const Key = "options"

// Option keys, stored in snake_case.
const (
	KeyDefaultPlaybook           = "default_playbook"
	KeyDefaultAnsibleConfig      = "default_ansible_config"
	KeyDefaultBatcherRetryPolicy = "default_batcher_retry_policy"
	KeyBatcherCheckInterval      = "batcher_check_interval"
	KeyBatchSize                 = "batch_size"
	KeyBatchWindow               = "batch_window"
	KeyDefaultPageSize           = "default_page_size"
	KeyLoggingLevel              = "logging_level"
	KeyIncludeARALinks           = "include_ara_links"
	KeyAdditionalInventorySource = "additional_inventory_source"
)

// seededDefaults are written back into the store when missing, so that
// workers reading the record directly see them too.
var seededDefaults = store.Entry{
	KeyDefaultPlaybook:      "site.yml",
	KeyDefaultAnsibleConfig: "cfs-default-ansible-cfg",
}

// Cache is the process-wide options snapshot holder.
type Cache struct {
	store    store.Store
	log      logr.Logger
	level    zap.AtomicLevel
	snapshot atomic.Pointer[Snapshot]
	levelMu  sync.Mutex
}

// Snapshot is one immutable view of the options record with typed accessors.
// Accessors fall back to per-accessor defaults when a key is missing or has
// an unexpected type.
type Snapshot struct {
	data store.Entry
}

// NewCache creates a cache bound to the options database. level is the
// process root log level; refreshes keep it in sync with the stored
// logging_level option.
func NewCache(s store.Store, level zap.AtomicLevel, log logr.Logger) *Cache {
	c := &Cache{store: s, log: log.WithName("options"), level: level}
	c.snapshot.Store(&Snapshot{data: store.Entry{}})
	return c
}

// Refresh re-reads the options record, seeding missing defaults back into
// the store in the same transaction. The read value replaces the current
// snapshot wholesale.
func (c *Cache) Refresh(ctx context.Context) error {
	entry, err := c.store.Patch(ctx, Key, store.Entry{},
		store.WithDefaultEntry(store.Entry{}),
		store.WithUpdateHandler(injectSeededDefaults))
	if err != nil {
		return err
	}
	c.snapshot.Store(&Snapshot{data: entry})
	c.applyLogLevel(entry)
	return nil
}

func injectSeededDefaults(entry store.Entry) store.Entry {
	for key, value := range seededDefaults {
		if _, ok := entry[key]; !ok {
			entry[key] = value
		}
	}
	return entry
}

// Current returns the latest snapshot. Never nil.
func (c *Cache) Current() *Snapshot {
	return c.snapshot.Load()
}

// Run refreshes the snapshot periodically until the context is cancelled.
// Handlers also refresh per request; the background pass keeps the logging
// level current on an otherwise idle server.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Error(err, "options refresh failed")
			}
		}
	}
}

// applyLogLevel reconciles the process log level with the stored option.
// Level mutation is serialised so concurrent refreshes cannot interleave the
// compare and the set.
func (c *Cache) applyLogLevel(entry store.Entry) {
	name := store.StringField(entry, KeyLoggingLevel)
	if name == "" {
		return
	}
	level, ok := parseLevel(name)
	if !ok {
		c.log.Info("ignoring unrecognised logging_level option", "value", name)
		return
	}
	c.levelMu.Lock()
	defer c.levelMu.Unlock()
	if c.level.Level() != level {
		c.log.Info("changing log level", "level", name)
		c.level.SetLevel(level)
	}
}

// parseLevel maps the stored level names onto zap levels.
func parseLevel(name string) (zapcore.Level, bool) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return zapcore.DebugLevel, true
	case "INFO":
		return zapcore.InfoLevel, true
	case "WARN", "WARNING":
		return zapcore.WarnLevel, true
	case "ERROR":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// Data returns the raw record. Callers must not mutate it.
func (s *Snapshot) Data() store.Entry { return s.data }

func (s *Snapshot) DefaultPlaybook() string {
	return s.stringOption(KeyDefaultPlaybook, "site.yml")
}

func (s *Snapshot) DefaultAnsibleConfig() string {
	return s.stringOption(KeyDefaultAnsibleConfig, "cfs-default-ansible-cfg")
}

// DefaultBatcherRetryPolicy is the retry ceiling for components without
// their own retry_policy. -1 means unlimited retries.
func (s *Snapshot) DefaultBatcherRetryPolicy() int {
	return store.IntField(s.data, KeyDefaultBatcherRetryPolicy, 1)
}

func (s *Snapshot) BatcherCheckInterval() int {
	return store.IntField(s.data, KeyBatcherCheckInterval, 60)
}

func (s *Snapshot) BatchSize() int {
	return store.IntField(s.data, KeyBatchSize, 100)
}

func (s *Snapshot) BatchWindow() int {
	return store.IntField(s.data, KeyBatchWindow, 60)
}

func (s *Snapshot) DefaultPageSize() int {
	return store.IntField(s.data, KeyDefaultPageSize, 1000)
}

func (s *Snapshot) LoggingLevel() string {
	return s.stringOption(KeyLoggingLevel, "INFO")
}

func (s *Snapshot) IncludeARALinks() bool {
	value, ok := store.AsBool(s.data[KeyIncludeARALinks])
	if !ok {
		return true
	}
	return value
}

func (s *Snapshot) AdditionalInventorySource() string {
	return s.stringOption(KeyAdditionalInventorySource, "")
}

// PageLimit resolves a caller-supplied limit against the default page size.
func (s *Snapshot) PageLimit(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.DefaultPageSize()
}

func (s *Snapshot) stringOption(key, fallback string) string {
	if value, ok := store.AsString(s.data[key]); ok && value != "" {
		return value
	}
	return fallback
}
