package worker

import (
	"context"
	"fmt"

	"jobagent/internal/gateway"
	"jobagent/internal/store"

	"github.com/google/uuid"
)

// ReplayUnreported re-sends one journaled outcome and removes the entry once
// the orchestrator has accepted it.
func ReplayUnreported(ctx context.Context, gw gateway.Gateway, journal store.Journal, id uuid.UUID) error {
	entry, err := journal.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := sendOutcome(ctx, gw, entry.JobID, entry.Outcome()); err != nil {
		return fmt.Errorf("replay outcome of job %s: %w", entry.JobID, err)
	}

	if err := journal.Delete(ctx, id); err != nil {
		return fmt.Errorf("outcome of job %s was delivered but the entry was not removed: %w", entry.JobID, err)
	}
	return nil
}
