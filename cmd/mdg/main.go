package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/pkg/sys"

	"tickstream/internal/metadata"
	"tickstream/internal/ops"
	"tickstream/internal/source"
	"tickstream/internal/window"
	"tickstream/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config (empty: built-in defaults)")
	envFile := flag.String("env-file", ".env", "Optional .env file")
	start := flag.String("start", "", "Override run.start (RFC3339 or YYYY-MM-DD)")
	end := flag.String("end", "", "Override run.end (RFC3339 or YYYY-MM-DD)")
	migrate := flag.Bool("migrate", true, "Create the quote table before seeding")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("mdg: load %s: %v", *envFile, err)
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *start != "" {
		if loaded.Driver.Start, err = ops.ParseTime(*start); err != nil {
			log.Fatalf("invalid start: %v", err)
		}
	}
	if *end != "" {
		if loaded.Driver.End, err = ops.ParseTime(*end); err != nil {
			log.Fatalf("invalid end: %v", err)
		}
	}
	if !loaded.Postgres.Enabled() {
		log.Fatalf("postgres is not configured; set postgres.dsn or TICKSTREAM_PG_DSN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			cancel()
		case <-ctx.Done():
		}
	}()

	inst, err := metadata.NewStatic(loaded.Registry).ResolveInstrument(ctx, loaded.Driver.InstrumentID)
	if err != nil {
		log.Fatalf("instrument lookup failed: %v", err)
	}

	planner, err := window.Plan(loaded.Driver.Start, loaded.Driver.End, loaded.Driver.Step)
	if err != nil {
		log.Fatalf("window plan failed: %v", err)
	}

	src, err := source.NewSynthetic(loaded.Synthetic)
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}

	client, err := conn.New(loaded.Postgres)
	if err != nil {
		log.Fatalf("postgres connect failed: %v", err)
	}
	defer client.Close()

	store, err := source.NewQuoteStore(client.DB())
	if err != nil {
		log.Fatalf("quote store init failed: %v", err)
	}
	if *migrate {
		if err := store.Migrate(ctx); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
	}

	began := time.Now()
	stats, err := store.Seed(ctx, src, inst, planner.All())
	if err != nil {
		log.Fatalf("seed failed after %d windows: %v", stats.Windows, err)
	}
	log.Printf("seeded %s: windows=%d rows=%d skipped=%d elapsed=%s",
		inst.ID, stats.Windows, stats.Rows, stats.Skipped, time.Since(began))
}
