package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("store: not found")

// Journal persists unreportable outcomes.
type Journal interface {
	// Record stores a new entry. A zero ID is replaced with a fresh UUID.
	Record(ctx context.Context, outcome *UnreportedOutcome) error

	// Get returns the entry with the given ID or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*UnreportedOutcome, error)

	// List returns the newest entries first.
	List(ctx context.Context, limit int) ([]UnreportedOutcome, error)

	// Delete removes an entry after a successful replay.
	Delete(ctx context.Context, id uuid.UUID) error
}
