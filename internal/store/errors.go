package store

import (
	"errors"
	"fmt"
	"time"
)

// NoEntryError is returned when a targeted key does not exist.
type NoEntryError struct {
	Database string
	Key      string
}

func (e *NoEntryError) Error() string {
	return fmt.Sprintf("no entry for %q in %q database", e.Key, e.Database)
}

// TooBusyError is returned when an optimistic-concurrency mutation could not
// complete within the retry budget because of concurrent writers.
type TooBusyError struct {
	Database string
	Budget   time.Duration
}

func (e *TooBusyError) Error() string {
	return fmt.Sprintf("could not complete %q database operation within %s", e.Database, e.Budget)
}

// IsNoEntry reports whether err indicates a missing entry.
func IsNoEntry(err error) bool {
	var noEntry *NoEntryError
	return errors.As(err, &noEntry)
}

// IsTooBusy reports whether err indicates an exhausted retry budget.
func IsTooBusy(err error) bool {
	var tooBusy *TooBusyError
	return errors.As(err, &tooBusy)
}
