package schema

import (
	"fmt"
	"time"
)

// RecordKind tags the record type carried by a Batch. Engines dispatch ingestion on it.
type RecordKind uint16

const (
	RecordUnknown RecordKind = iota
	RecordQuoteTick
	RecordTradeTick
)

func (k RecordKind) String() string {
	switch k {
	case RecordQuoteTick:
		return "QuoteTick"
	case RecordTradeTick:
		return "TradeTick"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(k))
	}
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// ContainsNano reports whether unix nanoseconds ts lies in [Start, End).
func (w Window) ContainsNano(ts int64) bool {
	return ts >= w.Start.UnixNano() && ts < w.End.UnixNano()
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return "[" + w.Start.UTC().Format(time.RFC3339Nano) + ", " + w.End.UTC().Format(time.RFC3339Nano) + ")"
}

// Tick is the canonical quote record. Bid/Ask share precision, as do BidSize/AskSize.
// Times are unix nanoseconds.
type Tick struct {
	InstrumentID string
	Bid          string
	Ask          string
	BidSize      string
	AskSize      string
	EventTime    int64
	IngestTime   int64
}

// Batch is one window's worth of records. It is owned by a single driver iteration
// and must not be referenced after Release.
type Batch struct {
	Kind    RecordKind
	Window  Window
	Ticks   []Tick
	Dropped int
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Ticks)
}

// FirstEventTime returns the event time of the first tick.
func (b *Batch) FirstEventTime() (int64, bool) {
	if b.Len() == 0 {
		return 0, false
	}
	return b.Ticks[0].EventTime, true
}

// LastEventTime returns the event time of the last tick.
func (b *Batch) LastEventTime() (int64, bool) {
	if b.Len() == 0 {
		return 0, false
	}
	return b.Ticks[len(b.Ticks)-1].EventTime, true
}

// Release zeroes the ticks and drops the backing array.
func (b *Batch) Release() {
	if b == nil {
		return
	}
	clear(b.Ticks)
	b.Ticks = nil
}
