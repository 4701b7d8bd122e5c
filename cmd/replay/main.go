package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"tickstream/internal/driver"
	"tickstream/internal/metadata"
	"tickstream/internal/obs"
	"tickstream/internal/ops"
	"tickstream/internal/paper"
	"tickstream/internal/report"
	"tickstream/internal/source"
	"tickstream/pkg/conn"
)

func main() {
	if err := run(); err != nil {
		log.Printf("replay: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON config (empty: built-in defaults)")
	envFile := flag.String("env-file", ".env", "Optional .env file")
	instrument := flag.String("instrument", "", "Override run.instrument")
	start := flag.String("start", "", "Override run.start (RFC3339 or YYYY-MM-DD)")
	end := flag.String("end", "", "Override run.end (RFC3339 or YYYY-MM-DD)")
	step := flag.String("step", "", "Override run.step (e.g. 1d, 6h)")
	sourceKind := flag.String("source", "", "Override source.kind: synthetic|postgres")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("replay: load %s: %v", *envFile, err)
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := applyFlags(&loaded, *instrument, *start, *end, *step, *sourceKind); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Info("replay: shutdown requested, stopping after the current window")
			cancel()
		case <-ctx.Done():
		}
	}()

	if addr := loaded.Obs.Pyroscope.ServerAddress; addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: loaded.Obs.Pyroscope.AppName,
			ServerAddress:   addr,
			Tags:            map[string]string{"instrument": loaded.Driver.InstrumentID},
			Logger:          pyroscopeLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("pyroscope start failed: %w", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	resolver := buildResolver(loaded)
	src, closeSource, err := buildSource(ctx, loaded)
	if err != nil {
		return err
	}
	defer closeSource()

	eng, err := paper.New(loaded.Engine)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}

	metrics := obs.NewMetrics()
	windowMemory := &obs.MemoryMetric{}
	d, err := driver.New(loaded.Driver, resolver, src, eng,
		driver.WithMetrics(metrics),
		driver.WithMemoryMetric(windowMemory),
	)
	if err != nil {
		return fmt.Errorf("driver init failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, runDone := context.WithCancel(gctx)
	defer runDone()

	var srv *http.Server
	if addr := loaded.Obs.MetricsAddr; addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics, collectors.NewGoCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logs.Infof("replay: metrics listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if interval := loaded.Obs.MemoryReportInterval.Std(); interval > 0 {
		// sampled on its own clock, apart from the per-window samples
		scheduled := &obs.MemoryMetric{}
		g.Go(func() error {
			scheduled.RunReportSchedule(runCtx, interval)
			return nil
		})
	}

	var result driver.Result
	g.Go(func() error {
		defer runDone()
		if srv != nil {
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		res, err := d.Run(gctx)
		result = res
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run %s failed after %d windows: %w", result.RunID, result.Windows, err)
	}

	rep, err := report.Report(ctx, result.Reporter)
	if err != nil {
		return err
	}
	if _, err := rep.WriteTo(os.Stdout); err != nil {
		return err
	}

	snap := metrics.Snapshot()
	log.Printf("replay completed: run=%s windows=%d ticks=%d dropped=%d fetch_avg=%s advance_avg=%s heap_growth=%d",
		result.RunID, snap.Windows, snap.Ticks, snap.Dropped,
		snap.FetchLatency.Avg, snap.AdvanceLatency.Avg, windowMemory.Snapshot().Growth)
	return nil
}

func applyFlags(loaded *ops.Loaded, instrument, start, end, step, sourceKind string) error {
	if instrument != "" {
		loaded.Driver.InstrumentID = instrument
	}
	if start != "" {
		t, err := ops.ParseTime(start)
		if err != nil {
			return err
		}
		loaded.Driver.Start = t
	}
	if end != "" {
		t, err := ops.ParseTime(end)
		if err != nil {
			return err
		}
		loaded.Driver.End = t
	}
	if step != "" {
		d, err := ops.ParseDuration(step)
		if err != nil {
			return err
		}
		loaded.Driver.Step = d
	}
	switch sourceKind {
	case "":
	case ops.SourceSynthetic, ops.SourcePostgres:
		loaded.Source = sourceKind
	default:
		return fmt.Errorf("unknown source kind: %q", sourceKind)
	}
	return nil
}

func buildResolver(loaded ops.Loaded) metadata.Resolver {
	if loaded.Metadata.Provider == ops.MetadataBinance {
		return metadata.NewBinance(loaded.Metadata.BaseURL, loaded.Metadata.Timeout.Std())
	}
	return metadata.NewStatic(loaded.Registry)
}

func buildSource(ctx context.Context, loaded ops.Loaded) (source.Source, func(), error) {
	if loaded.Source != ops.SourcePostgres {
		src, err := source.NewSynthetic(loaded.Synthetic)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	}

	client, err := conn.New(loaded.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres connect failed: %w", err)
	}
	closeClient := func() { _ = client.Close() }

	pingCtx, done := context.WithTimeout(ctx, 10*time.Second)
	defer done()
	if err := client.Ping(pingCtx); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	store, err := source.NewQuoteStore(client.DB())
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	feed, err := source.NewFeed(store)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	return feed, closeClient, nil
}

type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...interface{})  { logs.Infof(format, args...) }
func (pyroscopeLogger) Debugf(_ string, _ ...interface{})         {}
func (pyroscopeLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
