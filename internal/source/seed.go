package source

import (
	"context"
	"io"
	"iter"

	"tickstream/internal/errors"
	"tickstream/internal/schema"
)

// SeedStats counts what Seed wrote.
type SeedStats struct {
	Windows int
	Rows    int
	Skipped int
}

// Seed copies rows from src into the store window by window. At most one
// insert chunk is held in memory. Rows marked invalid are skipped.
func (s *QuoteStore) Seed(ctx context.Context, src Source, inst schema.Instrument, windows iter.Seq[schema.Window]) (SeedStats, error) {
	var stats SeedStats
	chunk := make([]QuoteRow, 0, s.batchSize)

	flush := func() error {
		if err := s.Insert(ctx, chunk); err != nil {
			return err
		}
		stats.Rows += len(chunk)
		clear(chunk)
		chunk = chunk[:0]
		return nil
	}

	for w := range windows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.seedWindow(ctx, src, inst, w, &chunk, &stats, flush); err != nil {
			return stats, errors.Wrap(err, "seed window "+w.String())
		}
		stats.Windows++
	}
	if len(chunk) > 0 {
		if err := flush(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (s *QuoteStore) seedWindow(ctx context.Context, src Source, inst schema.Instrument, w schema.Window, chunk *[]QuoteRow, stats *SeedStats, flush func() error) error {
	rows, err := src.Rows(ctx, w, inst)
	if err != nil {
		return err
	}
	defer rows.Close()

	for {
		row, err := rows.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if row.Invalid {
			stats.Skipped++
			continue
		}
		*chunk = append(*chunk, NewQuoteRow(inst.ID, row))
		if len(*chunk) >= s.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
