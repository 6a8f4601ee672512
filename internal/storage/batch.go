package storage

import (
	"context"
	"fmt"

	"github.com/fidde/radar/pkg/models"
)

// StoreBatch writes every record of a capture batch. Spans go first so a
// request never references a trace the store has not seen.
func StoreBatch(ctx context.Context, s Storage, batch *models.CaptureBatch) error {
	if batch == nil || batch.Empty() {
		return nil
	}

	if len(batch.Spans) > 0 {
		if err := s.StoreSpans(ctx, batch.Spans); err != nil {
			return fmt.Errorf("storing spans: %w", err)
		}
	}
	for i := range batch.Requests {
		if err := s.StoreRequest(ctx, &batch.Requests[i]); err != nil {
			return fmt.Errorf("storing request %s: %w", batch.Requests[i].ID, err)
		}
	}
	for i := range batch.Queries {
		if err := s.StoreQuery(ctx, &batch.Queries[i]); err != nil {
			return fmt.Errorf("storing query %s: %w", batch.Queries[i].ID, err)
		}
	}
	for i := range batch.Exceptions {
		if err := s.StoreException(ctx, &batch.Exceptions[i]); err != nil {
			return fmt.Errorf("storing exception %s: %w", batch.Exceptions[i].ID, err)
		}
	}
	for i := range batch.Tasks {
		if err := s.StoreTask(ctx, &batch.Tasks[i]); err != nil {
			return fmt.Errorf("storing task %s: %w", batch.Tasks[i].ID, err)
		}
	}
	return nil
}
