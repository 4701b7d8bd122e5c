// Package driver replays a time range through an engine one window at a time.
//
// Each window is fetched, assembled, ingested and advanced before the next one
// is fetched. The batch is released at the end of its iteration so memory held
// by the driver stays bounded by one window.
package driver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"tickstream/internal/assemble"
	"tickstream/internal/engine"
	"tickstream/internal/errors"
	"tickstream/internal/metadata"
	"tickstream/internal/obs"
	"tickstream/internal/schema"
	"tickstream/internal/source"
	"tickstream/internal/window"
	"tickstream/pkg/exception"
)

// State is the driver lifecycle. Done and Failed are terminal.
type State uint32

const (
	StateIdle State = iota
	StateResolving
	StateStreaming
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config describes one run.
type Config struct {
	InstrumentID string
	Start        time.Time
	End          time.Time
	Step         time.Duration
	Kind         schema.RecordKind
	// RunID is passed to every Advance call. Empty generates a uuid.
	RunID string
	// LogBalances logs the account after every window when the engine is a Reporter.
	LogBalances bool
	// MemoryEvery samples heap stats every N windows. Zero disables sampling.
	MemoryEvery int
}

func (c Config) withDefaults() Config {
	if c.Kind == schema.RecordUnknown {
		c.Kind = schema.RecordQuoteTick
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c Config) Validate() error {
	if c.InstrumentID == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "driver: instrument id is empty")
	}
	if c.MemoryEvery < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "driver: memoryEvery must be >= 0")
	}
	return window.Validate(c.Start, c.End, c.Step)
}

// Result summarises a finished run. Reporter is set only when the run reached Done.
type Result struct {
	RunID      string
	Instrument schema.Instrument
	Windows    int
	Ticks      int
	Dropped    int
	Reporter   engine.Reporter
}

// Option customises a Driver.
type Option func(*Driver)

// WithMetrics records per-window counters and stage latencies.
func WithMetrics(m *obs.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithMemoryMetric sets the sampler used when Config.MemoryEvery > 0.
func WithMemoryMetric(m *obs.MemoryMetric) Option {
	return func(d *Driver) { d.memory = m }
}

// Driver runs once. A new run needs a new Driver.
type Driver struct {
	cfg      Config
	resolver metadata.Resolver
	source   source.Source
	engine   engine.Engine
	metrics  *obs.Metrics
	memory   *obs.MemoryMetric

	state atomic.Uint32
}

// New validates the config and collaborators.
func New(cfg Config, resolver metadata.Resolver, src source.Source, eng engine.Engine, opts ...Option) (*Driver, error) {
	switch {
	case resolver == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "driver: resolver")
	case src == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "driver: source")
	case eng == nil:
		return nil, errors.Wrap(exception.ErrNilInstance, "driver: engine")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:      cfg,
		resolver: resolver,
		source:   src,
		engine:   eng,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.MemoryEvery > 0 && d.memory == nil {
		d.memory = &obs.MemoryMetric{}
	}
	return d, nil
}

// State returns the current lifecycle state. Safe for concurrent use.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	prev := State(d.state.Swap(uint32(s)))
	logs.Infof("driver: %s -> %s", prev, s)
}

// Run drives the whole range. The engine is disposed on every path. A dispose
// error is returned only when nothing else failed. Cancellation is observed
// between windows only.
func (d *Driver) Run(ctx context.Context) (res Result, err error) {
	if !d.state.CompareAndSwap(uint32(StateIdle), uint32(StateResolving)) {
		return Result{}, exception.ErrDriverUsed
	}
	res.RunID = d.cfg.RunID

	defer func() {
		if derr := d.engine.Dispose(); derr != nil {
			if err == nil {
				err = errors.Wrap(derr, "dispose engine")
			} else {
				logs.Errorf("driver: run %s, dispose engine, err: %+v", res.RunID, derr)
			}
		}
		if err != nil {
			res.Reporter = nil
			d.setState(StateFailed)
			logs.Errorf("driver: run %s failed after %d windows, err: %+v", res.RunID, res.Windows, err)
			return
		}
		d.setState(StateDone)
	}()

	inst, err := d.resolve(ctx)
	if err != nil {
		return res, err
	}
	res.Instrument = inst

	if err := d.engine.AddInstrument(ctx, inst); err != nil {
		return res, err
	}

	planner, err := window.Plan(d.cfg.Start, d.cfg.End, d.cfg.Step)
	if err != nil {
		return res, err
	}

	d.setState(StateStreaming)
	logs.Infof("driver: run %s, instrument %s, windows %d, step %s", res.RunID, inst.ID, planner.Len(), d.cfg.Step)

	cursor := planner.Cursor()
	for w, ok := cursor.Next(); ok; w, ok = cursor.Next() {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "run cancelled before window "+w.String())
		}

		ticks, dropped, err := d.streamWindow(ctx, inst, w)
		if err != nil {
			d.metrics.IncFailure()
			return res, err
		}
		res.Windows++
		res.Ticks += ticks
		res.Dropped += dropped

		if d.cfg.MemoryEvery > 0 && res.Windows%d.cfg.MemoryEvery == 0 {
			sample := d.memory.Snapshot()
			logs.Infof("driver: window %d, heap_alloc=%d, heap_objects=%d, growth=%d, gc=%d",
				res.Windows, sample.HeapAlloc, sample.HeapObjects, sample.Growth, sample.NumGC)
		}
	}

	d.setState(StateFinalizing)
	reporter, err := d.engine.Finalize(ctx)
	if err != nil {
		return res, err
	}
	res.Reporter = reporter

	logs.Infof("driver: run %s done, windows %d, ticks %d, dropped %d", res.RunID, res.Windows, res.Ticks, res.Dropped)
	return res, nil
}

func (d *Driver) resolve(ctx context.Context) (schema.Instrument, error) {
	inst, err := d.resolver.ResolveInstrument(ctx, d.cfg.InstrumentID)
	if err != nil {
		return schema.Instrument{}, &InstrumentResolutionError{InstrumentID: d.cfg.InstrumentID, Err: err}
	}
	if err := inst.Validate(); err != nil {
		return schema.Instrument{}, &InstrumentResolutionError{InstrumentID: d.cfg.InstrumentID, Err: err}
	}
	return inst, nil
}

// streamWindow owns the batch for exactly one iteration. Engine errors are
// returned unchanged.
func (d *Driver) streamWindow(ctx context.Context, inst schema.Instrument, w schema.Window) (ticks, dropped int, err error) {
	started := time.Now()

	rows, err := d.source.Rows(ctx, w, inst)
	if err != nil {
		return 0, 0, &WindowError{Window: w, Stage: StageFetch, Err: err}
	}

	batch, err := assemble.Assemble(rows, w, inst, d.cfg.Kind)
	if err != nil {
		stage := StageAssemble
		if errors.Is(err, exception.ErrFetch) {
			stage = StageFetch
		}
		return 0, 0, &WindowError{Window: w, Stage: stage, Err: err}
	}
	defer func() {
		d.engine.ClearWindowCache()
		batch.Release()
	}()
	d.metrics.ObserveFetch(time.Since(started))

	started = time.Now()
	if err := d.engine.Ingest(ctx, batch); err != nil {
		return 0, 0, err
	}
	d.metrics.ObserveIngest(time.Since(started))

	started = time.Now()
	if err := d.engine.Advance(ctx, d.cfg.RunID); err != nil {
		return 0, 0, err
	}
	d.metrics.ObserveAdvance(time.Since(started))

	ticks, dropped = batch.Len(), batch.Dropped
	first, _ := batch.FirstEventTime()
	last, _ := batch.LastEventTime()
	d.metrics.ObserveWindow(ticks, dropped, last)
	logs.Infof("driver: window %s, ticks %d, dropped %d, events %d..%d", w, ticks, dropped, first, last)

	if d.cfg.LogBalances {
		d.logBalances(ctx, w)
	}
	return ticks, dropped, nil
}

// logBalances is read-only; failures are logged and never abort the run.
func (d *Driver) logBalances(ctx context.Context, w schema.Window) {
	reporter, ok := d.engine.(engine.Reporter)
	if !ok {
		return
	}
	account, err := reporter.Account(ctx)
	if err != nil {
		logs.Errorf("driver: read balances after window %s, err: %+v", w, err)
		return
	}
	for _, b := range account.Balances {
		logs.Infof("driver: window %s, %s total=%s free=%s locked=%s", w, b.Currency, b.Total, b.Free, b.Locked)
	}
}
