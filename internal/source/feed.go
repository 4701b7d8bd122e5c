package source

import (
	"context"
	"fmt"
	"io"
	"math"

	"tickstream/internal/errors"
	"tickstream/internal/schema"
	"tickstream/pkg/exception"
)

// FetchError reports a failure of the external feed for one window.
type FetchError struct {
	Window       schema.Window
	InstrumentID string
	Err          error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.InstrumentID, e.Window, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{exception.ErrFetch, e.Err}
}

// Fetcher is the external data collaborator, scoped to one window per call.
type Fetcher interface {
	Fetch(ctx context.Context, w schema.Window, inst schema.Instrument) (Rows, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, w schema.Window, inst schema.Instrument) (Rows, error)

func (f FetcherFunc) Fetch(ctx context.Context, w schema.Window, inst schema.Instrument) (Rows, error) {
	return f(ctx, w, inst)
}

// Feed adapts a Fetcher to Source. Every failure, including rows that fall
// outside the window or go backwards in time, surfaces as *FetchError.
type Feed struct {
	fetcher Fetcher
}

func NewFeed(fetcher Fetcher) (*Feed, error) {
	if fetcher == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "feed fetcher")
	}
	return &Feed{fetcher: fetcher}, nil
}

func (f *Feed) Rows(ctx context.Context, w schema.Window, inst schema.Instrument) (Rows, error) {
	rows, err := f.fetcher.Fetch(ctx, w, inst)
	if err != nil {
		return nil, &FetchError{Window: w, InstrumentID: inst.ID, Err: err}
	}
	if rows == nil {
		rows = NewSliceRows(nil)
	}
	return &checkedRows{inner: rows, window: w, instrumentID: inst.ID, prev: math.MinInt64}, nil
}

type checkedRows struct {
	inner        Rows
	window       schema.Window
	instrumentID string
	prev         int64
}

func (r *checkedRows) fail(err error) error {
	return &FetchError{Window: r.window, InstrumentID: r.instrumentID, Err: err}
}

func (r *checkedRows) Next() (RawRow, error) {
	row, err := r.inner.Next()
	if err != nil {
		if err == io.EOF {
			return RawRow{}, io.EOF
		}
		return RawRow{}, r.fail(err)
	}
	if !r.window.ContainsNano(row.Timestamp) {
		return RawRow{}, r.fail(fmt.Errorf("%w: ts=%d", exception.ErrRowOutsideWindow, row.Timestamp))
	}
	if row.Timestamp < r.prev {
		return RawRow{}, r.fail(fmt.Errorf("%w: ts=%d after %d", exception.ErrOutOfOrder, row.Timestamp, r.prev))
	}
	r.prev = row.Timestamp
	return row, nil
}

func (r *checkedRows) Len() int {
	if h, ok := r.inner.(SizeHint); ok {
		return h.Len()
	}
	return 0
}

func (r *checkedRows) Close() error {
	if err := r.inner.Close(); err != nil {
		return r.fail(err)
	}
	return nil
}
