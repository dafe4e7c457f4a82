// Package migrations brings stored records forward to the current storage
// form on startup. Earlier releases stored camelCase wire documents; current
// records are snake_case. Every step is idempotent, so a crashed migration
// simply reruns.
package migrations

import (
	"context"
	"reflect"
	"slices"

	"github.com/go-logr/logr"

	"github.com/Cray-HPE/cfs-api/internal/store"
	"github.com/Cray-HPE/cfs-api/internal/xlate"
)

// Stores are the databases the migration touches.
type Stores struct {
	Options        store.Store
	Components     store.Store
	Configurations store.Store
	Sessions       store.Store
}

// Run applies all migrations.
func Run(ctx context.Context, stores Stores, log logr.Logger) error {
	log = log.WithName("migrations")
	if err := cleanOptions(ctx, stores.Options, log); err != nil {
		return err
	}
	if err := convertRecords(ctx, stores.Components, xlate.ComponentFromV2, log.WithValues("database", "components")); err != nil {
		return err
	}
	if err := convertRecords(ctx, stores.Configurations, xlate.ConfigurationFromV2, log.WithValues("database", "configurations")); err != nil {
		return err
	}
	return convertRecords(ctx, stores.Sessions, xlate.SessionFromV2, log.WithValues("database", "sessions"))
}

// cleanOptions drops option keys the service no longer recognises, including
// leftover camelCase spellings, converting any camelCase values first so
// their settings survive.
func cleanOptions(ctx context.Context, options store.Store, log logr.Logger) error {
	entry, err := options.Get(ctx, "options")
	if err != nil {
		if store.IsNoEntry(err) {
			return nil
		}
		return err
	}
	known := xlate.OptionKeys()
	next := store.Entry{}
	// camelCase spellings convert first so their settings survive, but a
	// snake_case key always wins over its converted twin.
	for key, value := range xlate.OptionsFromV2(entry) {
		next[key] = value
	}
	for key, value := range entry {
		if slices.Contains(known, key) {
			next[key] = value
		}
	}
	if reflect.DeepEqual(next, entry) {
		return nil
	}
	log.Info("rewriting the options record", "dropped", len(entry)-len(next))
	_, err = options.Put(ctx, "options", next)
	return err
}

// camelMarkers are keys that only occur in the legacy wire form.
var camelMarkers = []string{
	"errorCount", "desiredConfig", "desiredState", "retryPolicy",
	"stateAppend", "lastUpdated", "cloneUrl", "sessionName",
	"configurationStatus", "debugOnFailure", "additionalInventory",
	"tenantName", "startTime", "completionTime", "imsJob", "imageId",
}

func isLegacyRecord(entry store.Entry) bool {
	for _, marker := range camelMarkers {
		if _, ok := entry[marker]; ok {
			return true
		}
	}
	// Nested markers show up in session status and configuration layers.
	for _, value := range entry {
		if nested, ok := store.AsMap(value); ok && isLegacyRecord(nested) {
			return true
		}
		for _, item := range toSlice(value) {
			if nested, ok := store.AsMap(item); ok && isLegacyRecord(nested) {
				return true
			}
		}
	}
	return false
}

func toSlice(value any) []any {
	items, _ := value.([]any)
	return items
}

// convertRecords rewrites every legacy record through the v2 converter.
func convertRecords(ctx context.Context, s store.Store, convert func(map[string]any) map[string]any, log logr.Logger) error {
	keys, err := s.GetKeys(ctx, "")
	if err != nil {
		return err
	}
	converted := 0
	for _, key := range keys {
		entry, err := s.Get(ctx, key)
		if err != nil {
			if store.IsNoEntry(err) {
				continue
			}
			return err
		}
		if !isLegacyRecord(entry) {
			continue
		}
		if _, err := s.Put(ctx, key, convert(entry)); err != nil {
			return err
		}
		converted++
	}
	if converted > 0 {
		log.Info("converted legacy records", "count", converted)
	}
	return nil
}
