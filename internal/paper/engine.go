// Package paper is an in-memory reference engine. It sends market orders on
// a fixed tick cadence, fills them against the last quote and keeps a single
// currency margin account.
package paper

import (
	"context"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"tickstream/internal/engine"
	"tickstream/internal/errors"
	"tickstream/internal/schema"
	"tickstream/pkg/exception"
)

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Reporter = (*Engine)(nil)
	_ engine.Reporter = (*Report)(nil)
)

// Config controls the simulated account and the order cadence.
type Config struct {
	Venue           string          `json:"venue"`
	Currency        string          `json:"currency"`
	StartingBalance decimal.Decimal `json:"startingBalance"`
	// OrderEvery sends one order every N ticks. Zero disables order flow.
	OrderEvery int             `json:"orderEvery"`
	OrderQty   decimal.Decimal `json:"orderQty"`
	FeeRate    decimal.Decimal `json:"feeRate"`
	Risk       RiskConfig      `json:"risk"`
}

// DefaultConfig returns the account used when no config is given.
func DefaultConfig() Config {
	return Config{
		Currency:        "USDT",
		StartingBalance: decimal.NewFromInt(1_000_000),
		OrderEvery:      10,
		OrderQty:        decimal.NewFromInt(1),
		FeeRate:         decimal.RequireFromString("0.0004"),
		Risk: RiskConfig{
			MaxOrderQty: decimal.NewFromInt(10),
			MaxPosition: decimal.NewFromInt(50),
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Currency == "" {
		c.Currency = def.Currency
	}
	if c.StartingBalance.IsZero() {
		c.StartingBalance = def.StartingBalance
	}
	if c.OrderQty.IsZero() {
		c.OrderQty = def.OrderQty
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c Config) Validate() error {
	switch {
	case c.OrderEvery < 0:
		return errors.Wrap(exception.ErrInvalidArgument, "paper: orderEvery must be >= 0")
	case c.StartingBalance.IsNegative():
		return errors.Wrap(exception.ErrInvalidArgument, "paper: startingBalance must be >= 0")
	case !c.OrderQty.IsPositive():
		return errors.Wrap(exception.ErrInvalidArgument, "paper: orderQty must be > 0")
	case c.FeeRate.IsNegative():
		return errors.Wrap(exception.ErrInvalidArgument, "paper: feeRate must be >= 0")
	}
	return nil
}

type quote struct {
	bid, ask decimal.Decimal
}

func (q quote) mid() decimal.Decimal {
	switch {
	case q.bid.IsPositive() && q.ask.IsPositive():
		return q.bid.Add(q.ask).Div(decimal.NewFromInt(2))
	case q.bid.IsPositive():
		return q.bid
	default:
		return q.ask
	}
}

type lifecycle uint8

const (
	lifecycleOpen lifecycle = iota
	lifecycleFinalized
	lifecycleDisposed
)

// Engine is the paper engine. It holds at most one batch at a time.
type Engine struct {
	mu sync.Mutex

	cfg   Config
	risk  *riskEngine
	state lifecycle

	instruments map[string]schema.Instrument
	venue       string

	pending  *schema.Batch
	consumed bool

	quotes    map[string]quote
	positions *positionReducer
	balance   decimal.Decimal

	lastEventTime int64
	tickCount     uint64
	nextSide      schema.OrderSide
	orderSeq      uint64
	tradeSeq      uint64
	orders        []schema.Order
	fills         []schema.Fill
}

// New creates a paper engine.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:         cfg,
		risk:        newRiskEngine(cfg.Risk),
		instruments: make(map[string]schema.Instrument),
		venue:       cfg.Venue,
		quotes:      make(map[string]quote),
		positions:   newPositionReducer(),
		balance:     cfg.StartingBalance,
		nextSide:    schema.OrderSideBuy,
	}, nil
}

// AddInstrument registers an instrument for ingestion.
func (e *Engine) AddInstrument(_ context.Context, inst schema.Instrument) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != lifecycleOpen {
		return exception.ErrEngineClosed
	}
	if err := inst.Validate(); err != nil {
		return errors.Wrap(err, "paper: add instrument")
	}
	e.instruments[inst.ID] = inst
	if e.venue == "" {
		e.venue = inst.Venue
	}
	return nil
}

// Ingest stores the batch until the next ClearWindowCache.
func (e *Engine) Ingest(_ context.Context, batch *schema.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != lifecycleOpen {
		return exception.ErrEngineClosed
	}
	if batch == nil {
		return errors.Wrap(exception.ErrEngineIngestion, "paper: nil batch")
	}
	if e.pending != nil {
		return errors.Wrap(exception.ErrEngineIngestion, "paper: previous window not cleared")
	}
	if batch.Kind != schema.RecordQuoteTick {
		return errors.Wrap(exception.ErrEngineIngestion, "paper: unsupported record kind "+batch.Kind.String())
	}
	for i := range batch.Ticks {
		if _, ok := e.instruments[batch.Ticks[i].InstrumentID]; !ok {
			return errors.Wrap(exception.ErrEngineIngestion, "paper: unknown instrument "+batch.Ticks[i].InstrumentID)
		}
	}

	e.pending = batch
	e.consumed = false
	return nil
}

// Advance replays the pending batch in event time order.
func (e *Engine) Advance(_ context.Context, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != lifecycleOpen {
		return exception.ErrEngineClosed
	}
	if e.pending == nil || e.consumed {
		return nil
	}
	e.consumed = true

	ticks := e.pending.Ticks
	for i := range ticks {
		if err := e.onTick(&ticks[i]); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) onTick(t *schema.Tick) error {
	if t.EventTime < e.lastEventTime {
		return errors.Wrap(exception.ErrEngineAdvance, "paper: event time moved backwards")
	}

	bid, err := decimal.NewFromString(t.Bid)
	if err != nil {
		return errors.Wrap(exception.ErrEngineAdvance, "paper: parse bid "+t.Bid)
	}
	ask, err := decimal.NewFromString(t.Ask)
	if err != nil {
		return errors.Wrap(exception.ErrEngineAdvance, "paper: parse ask "+t.Ask)
	}

	e.lastEventTime = t.EventTime
	e.quotes[t.InstrumentID] = quote{bid: bid, ask: ask}
	e.tickCount++

	if e.cfg.OrderEvery > 0 && e.tickCount%uint64(e.cfg.OrderEvery) == 0 {
		e.submitMarket(t.InstrumentID, t.EventTime)
	}
	return nil
}

func (e *Engine) submitMarket(instrumentID string, ts int64) {
	side := e.nextSide
	if side == schema.OrderSideBuy {
		e.nextSide = schema.OrderSideSell
	} else {
		e.nextSide = schema.OrderSideBuy
	}

	e.orderSeq++
	order := schema.Order{
		ID:           e.orderSeq,
		InstrumentID: instrumentID,
		Side:         side,
		Type:         schema.OrderTypeMarket,
		Qty:          e.cfg.OrderQty,
		TsEvent:      ts,
	}

	q := e.quotes[instrumentID]
	price := q.ask
	if side == schema.OrderSideSell {
		price = q.bid
	}
	fee := price.Mul(order.Qty).Mul(e.cfg.FeeRate)

	reason := e.risk.Evaluate(side, order.Qty, e.positions.Position(instrumentID).Qty)
	switch {
	case reason != schema.RejectReasonNone:
	case !price.IsPositive():
		reason = schema.RejectReasonNoQuote
	case fee.GreaterThan(e.balance):
		reason = schema.RejectReasonInsufficientBalance
	}
	if reason != schema.RejectReasonNone {
		order.Status = schema.OrderStatusRejected
		order.Reason = reason
		e.orders = append(e.orders, order)
		return
	}

	e.tradeSeq++
	fill := schema.Fill{
		TradeID:      e.tradeSeq,
		OrderID:      order.ID,
		InstrumentID: instrumentID,
		Side:         side,
		Price:        price,
		Qty:          order.Qty,
		Fee:          fee,
		FeeAsset:     e.cfg.Currency,
		TsEvent:      ts,
	}
	realized := e.positions.ApplyFill(fill)
	e.balance = e.balance.Add(realized).Sub(fee)

	order.Status = schema.OrderStatusFilled
	order.AvgPrice = price
	e.orders = append(e.orders, order)
	e.fills = append(e.fills, fill)
}

// ClearWindowCache drops the pending batch.
func (e *Engine) ClearWindowCache() {
	e.mu.Lock()
	e.pending = nil
	e.consumed = false
	e.mu.Unlock()
}

// Finalize closes the engine for ingestion and returns a detached report.
func (e *Engine) Finalize(_ context.Context) (engine.Reporter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != lifecycleOpen {
		return nil, exception.ErrEngineClosed
	}
	e.state = lifecycleFinalized
	e.pending = nil

	return &Report{
		account: e.accountLocked(),
		fills:   slices.Clone(e.fills),
		orders:  slices.Clone(e.orders),
	}, nil
}

// Dispose releases engine state. It is safe to call more than once.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == lifecycleDisposed {
		return nil
	}
	e.state = lifecycleDisposed
	e.pending = nil
	clear(e.quotes)
	return nil
}

// Account returns the live account view.
func (e *Engine) Account(_ context.Context) (schema.AccountReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accountLocked(), nil
}

// Fills returns a copy of the fills so far.
func (e *Engine) Fills(_ context.Context) ([]schema.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.fills), nil
}

// Orders returns a copy of the orders so far.
func (e *Engine) Orders(_ context.Context) ([]schema.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.orders), nil
}

func (e *Engine) accountLocked() schema.AccountReport {
	report := schema.AccountReport{
		Venue:    e.venue,
		Starting: e.cfg.StartingBalance,
		Equity:   e.balance,
		TsEvent:  e.lastEventTime,
	}

	ids := make([]string, 0, len(e.positions.positions))
	for id := range e.positions.positions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		pos := e.positions.Position(id)
		if pos.Qty.IsZero() {
			continue
		}
		mark := e.quotes[id].mid()
		if mark.IsZero() {
			mark = pos.AvgPrice
		}
		report.Positions = append(report.Positions, schema.Position{
			InstrumentID: id,
			Qty:          pos.Qty,
			MarkPrice:    mark,
			Notional:     pos.Qty.Mul(mark),
		})
		report.Equity = report.Equity.Add(pos.Qty.Mul(mark.Sub(pos.AvgPrice)))
	}

	report.Balances = []schema.Balance{{
		Currency: e.cfg.Currency,
		Total:    e.balance,
		Locked:   decimal.Zero,
		Free:     e.balance,
	}}
	return report
}

// Report is a detached snapshot of a finalized engine. It stays readable
// after Dispose.
type Report struct {
	account schema.AccountReport
	fills   []schema.Fill
	orders  []schema.Order
}

// Account implements engine.Reporter.
func (r *Report) Account(_ context.Context) (schema.AccountReport, error) {
	return r.account, nil
}

// Fills implements engine.Reporter.
func (r *Report) Fills(_ context.Context) ([]schema.Fill, error) {
	return slices.Clone(r.fills), nil
}

// Orders implements engine.Reporter.
func (r *Report) Orders(_ context.Context) ([]schema.Order, error) {
	return slices.Clone(r.orders), nil
}
