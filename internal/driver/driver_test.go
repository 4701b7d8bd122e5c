package driver

import (
	"context"
	"runtime"
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/pkg/sys"

	"tickstream/internal/engine"
	"tickstream/internal/errors"
	"tickstream/internal/metadata"
	"tickstream/internal/obs"
	"tickstream/internal/paper"
	"tickstream/internal/schema"
	"tickstream/internal/source"
	"tickstream/pkg/exception"
)

var (
	day1 = time.Date(2021, 10, 17, 0, 0, 0, 0, time.UTC)
	day2 = day1.Add(24 * time.Hour)
	day3 = day2.Add(24 * time.Hour)

	perp = schema.Instrument{
		ID:             "BTCUSDT-PERP.BINANCE",
		Symbol:         "BTCUSDT",
		Venue:          "BINANCE",
		Contract:       schema.ContractPerpetual,
		BaseAsset:      "BTC",
		QuoteAsset:     "USDT",
		PricePrecision: 1,
		SizePrecision:  3,
	}
)

func twoDays() Config {
	return Config{InstrumentID: perp.ID, Start: day1, End: day3, Step: 24 * time.Hour, RunID: "run-1"}
}

func resolver(t *testing.T) metadata.Resolver {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Add(perp))
	return metadata.NewStatic(reg)
}

func hourly(t *testing.T) source.Source {
	t.Helper()
	src, err := source.NewSynthetic(source.SyntheticConfig{Interval: time.Hour})
	require.NoError(t, err)
	return src
}

// recordingEngine records calls and checks that no earlier batch is still
// reachable whenever a new one arrives.
type recordingEngine struct {
	calls      []string
	eventTimes []int64
	sizes      []int
	batches    []weak.Pointer[schema.Batch]
	arrays     []weak.Pointer[schema.Tick]
	leaked     int
	held       *schema.Batch
	disposed   int

	addErr      error
	ingestErr   error
	advanceErr  error
	disposeErr  error
	finalizeErr error
	onAdvance   func(n int)
}

var _ engine.Engine = (*recordingEngine)(nil)

func (e *recordingEngine) AddInstrument(_ context.Context, inst schema.Instrument) error {
	e.calls = append(e.calls, "add:"+inst.ID)
	return e.addErr
}

func (e *recordingEngine) Ingest(_ context.Context, b *schema.Batch) error {
	e.calls = append(e.calls, "ingest")
	if e.ingestErr != nil {
		return e.ingestErr
	}

	runtime.GC()
	for i := range e.batches {
		if e.batches[i].Value() != nil || e.arrays[i].Value() != nil {
			e.leaked++
		}
	}

	e.held = b
	e.sizes = append(e.sizes, b.Len())
	e.batches = append(e.batches, weak.Make(b))
	var first *schema.Tick
	if len(b.Ticks) > 0 {
		first = &b.Ticks[0]
	}
	e.arrays = append(e.arrays, weak.Make(first))
	for _, tick := range b.Ticks {
		e.eventTimes = append(e.eventTimes, tick.EventTime)
	}
	return nil
}

func (e *recordingEngine) Advance(_ context.Context, runID string) error {
	e.calls = append(e.calls, "advance:"+runID)
	if e.onAdvance != nil {
		e.onAdvance(len(e.sizes))
	}
	return e.advanceErr
}

func (e *recordingEngine) ClearWindowCache() {
	e.calls = append(e.calls, "clear")
	e.held = nil
}

func (e *recordingEngine) Finalize(context.Context) (engine.Reporter, error) {
	e.calls = append(e.calls, "finalize")
	if e.finalizeErr != nil {
		return nil, e.finalizeErr
	}
	return nopReporter{}, nil
}

func (e *recordingEngine) Dispose() error {
	e.calls = append(e.calls, "dispose")
	e.disposed++
	return e.disposeErr
}

type nopReporter struct{}

func (nopReporter) Account(context.Context) (schema.AccountReport, error) {
	return schema.AccountReport{}, nil
}
func (nopReporter) Fills(context.Context) ([]schema.Fill, error)   { return nil, nil }
func (nopReporter) Orders(context.Context) ([]schema.Order, error) { return nil, nil }

func TestRunTwoDaySyntheticScenario(t *testing.T) {
	eng := &recordingEngine{}
	d, err := New(twoDays(), resolver(t), hourly(t), eng)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, d.State())

	res, err := d.Run(t.Context())
	require.NoError(t, err)

	assert.Equal(t, StateDone, d.State())
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, perp, res.Instrument)
	assert.Equal(t, 2, res.Windows)
	assert.Equal(t, 48, res.Ticks)
	assert.Zero(t, res.Dropped)
	assert.NotNil(t, res.Reporter)
	assert.Equal(t, []int{24, 24}, eng.sizes)
	assert.Equal(t, []string{
		"add:" + perp.ID,
		"ingest", "advance:run-1", "clear",
		"ingest", "advance:run-1", "clear",
		"finalize", "dispose",
	}, eng.calls)
}

func TestRunFetchErrorAfterFirstWindow(t *testing.T) {
	synthetic := hourly(t)
	fetchErr := errors.New("feed unavailable")
	feed, err := source.NewFeed(source.FetcherFunc(func(ctx context.Context, w schema.Window, inst schema.Instrument) (source.Rows, error) {
		if !w.Start.Before(day2) {
			return nil, fetchErr
		}
		return synthetic.Rows(ctx, w, inst)
	}))
	require.NoError(t, err)

	eng := &recordingEngine{}
	d, err := New(twoDays(), resolver(t), feed, eng)
	require.NoError(t, err)

	res, err := d.Run(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrFetch)
	assert.ErrorIs(t, err, fetchErr)

	var werr *WindowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageFetch, werr.Stage)
	assert.Equal(t, schema.Window{Start: day2, End: day3}, werr.Window)

	var ferr *source.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, perp.ID, ferr.InstrumentID)

	assert.Equal(t, 1, res.Windows)
	assert.Nil(t, res.Reporter)
	assert.Equal(t, StateFailed, d.State())
	assert.Equal(t, []string{
		"add:" + perp.ID,
		"ingest", "advance:run-1", "clear",
		"dispose",
	}, eng.calls)
	assert.Equal(t, 1, eng.disposed)
}

func TestRunAssembleErrorCarriesWindow(t *testing.T) {
	feed, err := source.NewFeed(source.FetcherFunc(func(_ context.Context, w schema.Window, _ schema.Instrument) (source.Rows, error) {
		return source.NewSliceRows([]source.RawRow{
			{Timestamp: w.Start.UnixNano(), ValueA: "11", ValueB: "ten", AuxA: "1", AuxB: "1"},
		}), nil
	}))
	require.NoError(t, err)

	eng := &recordingEngine{}
	d, err := New(twoDays(), resolver(t), feed, eng)
	require.NoError(t, err)

	_, err = d.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrPrecisionFormat)

	var werr *WindowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageAssemble, werr.Stage)
	assert.Equal(t, day1, werr.Window.Start)
	assert.Equal(t, 1, eng.disposed)
	assert.NotContains(t, eng.calls, "ingest")
}

func TestRunReleasesEveryWindow(t *testing.T) {
	cfg := twoDays()
	cfg.End = day1.Add(6 * 24 * time.Hour)
	eng := &recordingEngine{}
	d, err := New(cfg, resolver(t), hourly(t), eng)
	require.NoError(t, err)

	res, err := d.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 6, res.Windows)

	assert.Zero(t, eng.leaked, "a previous window's batch was still reachable")

	runtime.GC()
	for i := range eng.batches {
		assert.Nil(t, eng.batches[i].Value(), "batch %d", i)
		assert.Nil(t, eng.arrays[i].Value(), "ticks %d", i)
	}
}

func TestRunEventTimesNeverGoBackwards(t *testing.T) {
	cfg := twoDays()
	cfg.Step = 5 * time.Hour
	src, err := source.NewSynthetic(source.SyntheticConfig{Interval: 7 * time.Minute, Seed: 3, Jitter: 4})
	require.NoError(t, err)

	eng := &recordingEngine{}
	d, err := New(cfg, resolver(t), src, eng)
	require.NoError(t, err)

	_, err = d.Run(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, eng.eventTimes)
	assert.IsNonDecreasing(t, eng.eventTimes)
}

func TestRunIsNotReusable(t *testing.T) {
	eng := &recordingEngine{}
	d, err := New(twoDays(), resolver(t), hourly(t), eng)
	require.NoError(t, err)

	_, err = d.Run(t.Context())
	require.NoError(t, err)

	_, err = d.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrDriverUsed)
	assert.Equal(t, 1, eng.disposed)
	assert.Equal(t, StateDone, d.State())
}

func TestRunResolutionFailureStillDisposes(t *testing.T) {
	eng := &recordingEngine{}
	d, err := New(twoDays(), metadata.NewStatic(schema.NewRegistry()), hourly(t), eng)
	require.NoError(t, err)

	_, err = d.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrInstrumentResolution)
	require.ErrorIs(t, err, exception.ErrInstrumentNotFound)

	var rerr *InstrumentResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, perp.ID, rerr.InstrumentID)

	assert.Equal(t, []string{"dispose"}, eng.calls)
	assert.Equal(t, StateFailed, d.State())
}

func TestRunEngineErrorsPassThroughUnchanged(t *testing.T) {
	boom := errors.New("engine exploded")

	tests := []struct {
		name string
		eng  *recordingEngine
	}{
		{name: "add instrument", eng: &recordingEngine{addErr: boom}},
		{name: "ingest", eng: &recordingEngine{ingestErr: boom}},
		{name: "advance", eng: &recordingEngine{advanceErr: boom}},
		{name: "finalize", eng: &recordingEngine{finalizeErr: boom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(twoDays(), resolver(t), hourly(t), tt.eng)
			require.NoError(t, err)

			_, err = d.Run(t.Context())
			assert.Same(t, boom, err)
			assert.Equal(t, 1, tt.eng.disposed)
			assert.Equal(t, StateFailed, d.State())
		})
	}
}

func TestRunIngestFailureStillClearsWindow(t *testing.T) {
	eng := &recordingEngine{ingestErr: exception.ErrEngineIngestion}
	d, err := New(twoDays(), resolver(t), hourly(t), eng)
	require.NoError(t, err)

	_, err = d.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrEngineIngestion)
	assert.Equal(t, []string{"add:" + perp.ID, "ingest", "clear", "dispose"}, eng.calls)
}

func TestRunDisposeError(t *testing.T) {
	disposeErr := errors.New("dispose failed")

	eng := &recordingEngine{disposeErr: disposeErr}
	d, err := New(twoDays(), resolver(t), hourly(t), eng)
	require.NoError(t, err)
	_, err = d.Run(t.Context())
	require.ErrorIs(t, err, disposeErr)
	assert.Equal(t, StateFailed, d.State())

	boom := errors.New("advance failed")
	eng = &recordingEngine{disposeErr: disposeErr, advanceErr: boom}
	d, err = New(twoDays(), resolver(t), hourly(t), eng)
	require.NoError(t, err)
	_, err = d.Run(t.Context())
	assert.Same(t, boom, err)
}

func TestRunCancelledBetweenWindows(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	eng := &recordingEngine{onAdvance: func(int) { cancel() }}
	d, err := New(twoDays(), resolver(t), hourly(t), eng)
	require.NoError(t, err)

	res, err := d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Windows)
	assert.Equal(t, []string{
		"add:" + perp.ID,
		"ingest", "advance:run-1", "clear",
		"dispose",
	}, eng.calls)
}

func TestRunEmptyRange(t *testing.T) {
	cfg := twoDays()
	cfg.End = cfg.Start
	eng := &recordingEngine{}
	d, err := New(cfg, resolver(t), hourly(t), eng)
	require.NoError(t, err)

	res, err := d.Run(t.Context())
	require.NoError(t, err)
	assert.Zero(t, res.Windows)
	assert.Equal(t, []string{"add:" + perp.ID, "finalize", "dispose"}, eng.calls)
}

func TestRunGeneratesRunID(t *testing.T) {
	cfg := twoDays()
	cfg.RunID = ""
	d, err := New(cfg, resolver(t), hourly(t), &recordingEngine{})
	require.NoError(t, err)

	res, err := d.Run(t.Context())
	require.NoError(t, err)
	assert.Len(t, res.RunID, 36)
}

func TestRunRecordsMetrics(t *testing.T) {
	cfg := twoDays()
	cfg.MemoryEvery = 1
	metrics := obs.NewMetrics()
	memory := &obs.MemoryMetric{}

	src, err := source.NewSynthetic(source.SyntheticConfig{Interval: time.Hour, Seed: 1, DropRate: 0.5})
	require.NoError(t, err)

	d, err := New(cfg, resolver(t), src, &recordingEngine{}, WithMetrics(metrics), WithMemoryMetric(memory))
	require.NoError(t, err)

	res, err := d.Run(t.Context())
	require.NoError(t, err)

	snap := metrics.Snapshot()
	assert.EqualValues(t, 2, snap.Windows)
	assert.EqualValues(t, res.Ticks, snap.Ticks)
	assert.EqualValues(t, res.Dropped, snap.Dropped)
	assert.EqualValues(t, 48, res.Ticks+res.Dropped)
	assert.EqualValues(t, 2, snap.AdvanceLatency.Count)
	assert.False(t, memory.Last().At.IsZero())
}

func TestRunWithPaperEngine(t *testing.T) {
	cfg := twoDays()
	cfg.LogBalances = true

	eng, err := paper.New(paper.Config{OrderEvery: 10})
	require.NoError(t, err)

	d, err := New(cfg, resolver(t), hourly(t), eng)
	require.NoError(t, err)

	res, err := d.Run(t.Context())
	require.NoError(t, err)
	require.NotNil(t, res.Reporter)

	orders, err := res.Reporter.Orders(t.Context())
	require.NoError(t, err)
	assert.Len(t, orders, 4)

	fills, err := res.Reporter.Fills(t.Context())
	require.NoError(t, err)
	require.Len(t, fills, 4)
	assert.Equal(t, "11", fills[0].Price.String())
	assert.Equal(t, "10", fills[1].Price.String())

	account, err := res.Reporter.Account(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "BINANCE", account.Venue)

	// engine is disposed, the report is detached
	_, err = eng.Finalize(t.Context())
	require.ErrorIs(t, err, exception.ErrEngineClosed)
}

// heapTrackingEngine wraps the paper engine and records, at chosen windows,
// the heap after a full GC and how many earlier batches are still reachable.
type heapTrackingEngine struct {
	*paper.Engine
	checkAt map[int]bool
	batches []weak.Pointer[schema.Batch]
	heap    map[int]uint64
	live    map[int]int
}

func newHeapTrackingEngine(eng *paper.Engine, checkAt ...int) *heapTrackingEngine {
	e := &heapTrackingEngine{
		Engine:  eng,
		checkAt: map[int]bool{},
		heap:    map[int]uint64{},
		live:    map[int]int{},
	}
	for _, n := range checkAt {
		e.checkAt[n] = true
	}
	return e
}

func (e *heapTrackingEngine) Ingest(ctx context.Context, b *schema.Batch) error {
	n := len(e.batches) + 1
	if e.checkAt[n] {
		runtime.GC()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		e.heap[n] = ms.HeapAlloc

		live := 0
		for i := range e.batches {
			if e.batches[i].Value() != nil {
				live++
			}
		}
		e.live[n] = live
	}
	e.batches = append(e.batches, weak.Make(b))
	return e.Engine.Ingest(ctx, b)
}

func TestRunMemoryStaysFlat(t *testing.T) {
	if testing.Short() {
		t.Skip("long replay")
	}
	const days = 60
	cfg := twoDays()
	cfg.End = day1.Add(days * 24 * time.Hour)
	cfg.MemoryEvery = 10
	rsv := resolver(t)

	var (
		res    Result
		runErr error
		eng    *heapTrackingEngine
	)
	alloc, bytes := sys.MeasureMem(func() {
		src, err := source.NewSynthetic(source.SyntheticConfig{Interval: time.Minute})
		if err != nil {
			runErr = err
			return
		}
		pe, err := paper.New(paper.Config{OrderEvery: 100})
		if err != nil {
			runErr = err
			return
		}
		eng = newHeapTrackingEngine(pe, 10, days)
		d, err := New(cfg, rsv, src, eng)
		if err != nil {
			runErr = err
			return
		}
		res, runErr = d.Run(context.Background())
	})
	require.NoError(t, runErr)
	t.Logf("windows: %d, ticks: %d, allocs/op: %d, bytes/op: %d, heap@10: %d, heap@%d: %d",
		res.Windows, res.Ticks, alloc, bytes, eng.heap[10], days, eng.heap[days])

	assert.Equal(t, days, res.Windows)
	assert.Equal(t, days*1440, res.Ticks)

	assert.Zero(t, eng.live[10], "batches reachable at window 10")
	assert.Zero(t, eng.live[days], "batches reachable at window %d", days)

	// fifty more windows of minute ticks must not add more than a few
	// windows' worth of heap
	const budget = 4 << 20
	growth := int64(eng.heap[days]) - int64(eng.heap[10])
	assert.Less(t, growth, int64(budget), "heap grew %d bytes between window 10 and %d", growth, days)
}

func TestNewValidation(t *testing.T) {
	eng := &recordingEngine{}

	_, err := New(twoDays(), nil, hourly(t), eng)
	require.ErrorIs(t, err, exception.ErrNilInstance)
	_, err = New(twoDays(), resolver(t), nil, eng)
	require.ErrorIs(t, err, exception.ErrNilInstance)
	_, err = New(twoDays(), resolver(t), hourly(t), nil)
	require.ErrorIs(t, err, exception.ErrNilInstance)

	cfg := twoDays()
	cfg.InstrumentID = ""
	_, err = New(cfg, resolver(t), hourly(t), eng)
	require.ErrorIs(t, err, exception.ErrInvalidArgument)

	cfg = twoDays()
	cfg.Step = 0
	_, err = New(cfg, resolver(t), hourly(t), eng)
	require.ErrorIs(t, err, exception.ErrInvalidRange)

	cfg = twoDays()
	cfg.Start, cfg.End = cfg.End, cfg.Start
	_, err = New(cfg, resolver(t), hourly(t), eng)
	require.ErrorIs(t, err, exception.ErrInvalidRange)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
