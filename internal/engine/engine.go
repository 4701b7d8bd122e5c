// Package engine declares the surface the streaming driver needs from a
// simulation engine. Matching, accounting and reporting live behind it.
package engine

import (
	"context"

	"tickstream/internal/schema"
)

// Engine is driven one window at a time:
//
//	AddInstrument (once) -> [Ingest -> Advance -> ClearWindowCache]* -> Finalize -> Dispose
//
// Ingest must not retain the batch after ClearWindowCache returns; the driver
// releases the batch right after. ClearWindowCache must be idempotent and must
// not block. Dispose is always called, also after failures.
type Engine interface {
	AddInstrument(ctx context.Context, inst schema.Instrument) error
	Ingest(ctx context.Context, batch *schema.Batch) error
	Advance(ctx context.Context, runID string) error
	ClearWindowCache()
	Finalize(ctx context.Context) (Reporter, error)
	Dispose() error
}

// Reporter is the read-only reporting view of a finalized engine.
type Reporter interface {
	Account(ctx context.Context) (schema.AccountReport, error)
	Fills(ctx context.Context) ([]schema.Fill, error)
	Orders(ctx context.Context) ([]schema.Order, error)
}
