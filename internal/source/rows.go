// Package source produces the raw rows of one time window, lazily.
package source

import (
	"context"
	"io"

	"tickstream/internal/schema"
)

// RawRow is one sampled point before precision normalization. ValueA/ValueB carry
// the ask/bid pair and AuxA/AuxB the matching ask/bid sizes, as decimal strings.
type RawRow struct {
	Timestamp int64
	ValueA    string
	ValueB    string
	AuxA      string
	AuxB      string
	// Invalid marks a row the source wants dropped (fault injection).
	Invalid bool
}

// Rows is a single-pass iterator over one window's rows in ascending timestamp
// order. Next returns io.EOF once exhausted. Close releases the underlying
// resources and must be called even after io.EOF.
type Rows interface {
	Next() (RawRow, error)
	Close() error
}

// SizeHint is implemented by Rows that know how many rows remain.
type SizeHint interface {
	Len() int
}

// Source yields the rows of one window. Every call starts a fresh pass; nothing
// is cached between calls.
type Source interface {
	Rows(ctx context.Context, w schema.Window, inst schema.Instrument) (Rows, error)
}

// NewSliceRows iterates over rows, zeroing each slot as it is consumed.
func NewSliceRows(rows []RawRow) Rows {
	return &sliceRows{rows: rows}
}

type sliceRows struct {
	rows []RawRow
	pos  int
}

func (r *sliceRows) Next() (RawRow, error) {
	if r.pos >= len(r.rows) {
		return RawRow{}, io.EOF
	}
	row := r.rows[r.pos]
	r.rows[r.pos] = RawRow{}
	r.pos++
	return row, nil
}

func (r *sliceRows) Len() int {
	return len(r.rows) - r.pos
}

func (r *sliceRows) Close() error {
	r.rows = nil
	r.pos = 0
	return nil
}
