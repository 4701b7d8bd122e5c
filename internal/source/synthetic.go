package source

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"tickstream/internal/chaos"
	"tickstream/internal/schema"
)

const (
	defaultSyntheticAsk     = "11"
	defaultSyntheticBid     = "10"
	defaultSyntheticAskSize = "111"
	defaultSyntheticBidSize = "100"
)

// SyntheticConfig controls the synthetic generator.
type SyntheticConfig struct {
	Interval time.Duration
	Seed     uint64
	DropRate float64
	Ask      string
	Bid      string
	AskSize  string
	BidSize  string
	// Jitter is the maximum upward offset applied to ask and bid, counted in
	// increments of the instrument's price precision.
	Jitter int64
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	if c.Ask == "" {
		c.Ask = defaultSyntheticAsk
	}
	if c.Bid == "" {
		c.Bid = defaultSyntheticBid
	}
	if c.AskSize == "" {
		c.AskSize = defaultSyntheticAskSize
	}
	if c.BidSize == "" {
		c.BidSize = defaultSyntheticBidSize
	}
	return c
}

// Validate checks if the config is usable.
func (c SyntheticConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("invalid synthetic config: Interval must be > 0")
	}
	if c.Jitter < 0 {
		return fmt.Errorf("invalid synthetic config: Jitter must be >= 0")
	}
	if err := (chaos.Config{DropRate: c.DropRate}).Validate(); err != nil {
		return fmt.Errorf("invalid synthetic config: %w", err)
	}
	for _, v := range []string{c.Ask, c.Bid, c.AskSize, c.BidSize} {
		if _, err := decimal.NewFromString(v); err != nil {
			return fmt.Errorf("invalid synthetic config: value %q: %w", v, err)
		}
	}
	return nil
}

// Synthetic generates evenly spaced rows inside each window. Output depends only
// on the window, the interval, the seed and the configured values.
type Synthetic struct {
	cfg     SyntheticConfig
	ask     decimal.Decimal
	bid     decimal.Decimal
	askSize string
	bidSize string
}

// NewSynthetic validates the config and creates a generator.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synthetic{
		cfg:     cfg,
		ask:     decimal.RequireFromString(cfg.Ask),
		bid:     decimal.RequireFromString(cfg.Bid),
		askSize: cfg.AskSize,
		bidSize: cfg.BidSize,
	}, nil
}

// Rows starts a fresh generation pass over w.
func (s *Synthetic) Rows(_ context.Context, w schema.Window, inst schema.Instrument) (Rows, error) {
	key := uint64(w.Start.UnixNano())
	faults, err := chaos.NewEngine(chaos.Config{Seed: s.cfg.Seed, DropRate: s.cfg.DropRate}, key)
	if err != nil {
		return nil, err
	}
	return &syntheticRows{
		gen:    s,
		faults: faults,
		unit:   decimal.New(1, -inst.PricePrecision),
		next:   w.Start.UnixNano(),
		end:    w.End.UnixNano(),
		step:   s.cfg.Interval.Nanoseconds(),
	}, nil
}

type syntheticRows struct {
	gen    *Synthetic
	faults *chaos.Engine
	unit   decimal.Decimal
	next   int64
	end    int64
	step   int64
}

func (r *syntheticRows) Next() (RawRow, error) {
	if r.gen == nil || r.next >= r.end {
		return RawRow{}, io.EOF
	}
	ts := r.next
	r.next += r.step

	ask, bid := r.gen.cfg.Ask, r.gen.cfg.Bid
	if r.gen.cfg.Jitter > 0 {
		offset := r.unit.Mul(decimal.NewFromInt(r.faults.Jitter(r.gen.cfg.Jitter)))
		ask = r.gen.ask.Add(offset).String()
		bid = r.gen.bid.Add(offset).String()
	}
	return RawRow{
		Timestamp: ts,
		ValueA:    ask,
		ValueB:    bid,
		AuxA:      r.gen.askSize,
		AuxB:      r.gen.bidSize,
		Invalid:   r.faults.ShouldDrop(),
	}, nil
}

func (r *syntheticRows) Len() int {
	if r.gen == nil || r.next >= r.end {
		return 0
	}
	return int((r.end - r.next + r.step - 1) / r.step)
}

func (r *syntheticRows) Close() error {
	r.gen = nil
	r.faults = nil
	return nil
}
