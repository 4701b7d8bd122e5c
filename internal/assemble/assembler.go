// Package assemble turns one window's raw rows into a canonical Batch.
package assemble

import (
	"fmt"
	"io"
	"math"

	"tickstream/internal/errors"
	"tickstream/internal/precision"
	"tickstream/internal/schema"
	"tickstream/internal/source"
	"tickstream/pkg/exception"
)

// RowError attaches the offending row timestamp to an assembly failure.
type RowError struct {
	Timestamp int64
	Err       error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row ts=%d: %v", e.Timestamp, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Assemble drains rows into a Batch of the given kind and closes rows. Ticks keep
// input order and are stamped EventTime == IngestTime == row timestamp. Rows the
// source marked invalid are skipped and counted in Batch.Dropped. Rows going
// backwards in time or outside w fail the whole batch.
func Assemble(rows source.Rows, w schema.Window, inst schema.Instrument, kind schema.RecordKind) (batch *schema.Batch, err error) {
	if rows == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "assemble rows")
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			batch, err = nil, cerr
		}
	}()
	if kind != schema.RecordQuoteTick {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "unsupported record kind "+kind.String())
	}

	var ticks []schema.Tick
	if h, ok := rows.(source.SizeHint); ok {
		ticks = make([]schema.Tick, 0, h.Len())
	}

	dropped := 0
	prev := int64(math.MinInt64)
	for {
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if row.Invalid {
			dropped++
			continue
		}
		if !w.ContainsNano(row.Timestamp) {
			return nil, &RowError{Timestamp: row.Timestamp, Err: exception.ErrRowOutsideWindow}
		}
		if row.Timestamp < prev {
			return nil, &RowError{Timestamp: row.Timestamp, Err: exception.ErrOutOfOrder}
		}
		prev = row.Timestamp

		tick, err := quoteTick(row, inst.ID)
		if err != nil {
			return nil, &RowError{Timestamp: row.Timestamp, Err: err}
		}
		ticks = append(ticks, tick)
	}

	return &schema.Batch{
		Kind:    kind,
		Window:  w,
		Ticks:   ticks,
		Dropped: dropped,
	}, nil
}

func quoteTick(row source.RawRow, instrumentID string) (schema.Tick, error) {
	ask, bid, err := precision.Normalize(row.ValueA, row.ValueB)
	if err != nil {
		return schema.Tick{}, err
	}
	askSize, bidSize, err := precision.Normalize(row.AuxA, row.AuxB)
	if err != nil {
		return schema.Tick{}, err
	}
	return schema.Tick{
		InstrumentID: instrumentID,
		Bid:          bid,
		Ask:          ask,
		BidSize:      bidSize,
		AskSize:      askSize,
		EventTime:    row.Timestamp,
		IngestTime:   row.Timestamp,
	}, nil
}
