package ops

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"tickstream/internal/driver"
	"tickstream/internal/paper"
	"tickstream/internal/schema"
	"tickstream/internal/source"
	"tickstream/pkg/conn"
)

const (
	SourceSynthetic = "synthetic"
	SourcePostgres  = "postgres"

	MetadataStatic  = "static"
	MetadataBinance = "binance"

	envPrefix = "TICKSTREAM_"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Run      RunConfig      `json:"run"`
	Source   SourceConfig   `json:"source"`
	Postgres PostgresConfig `json:"postgres"`
	Metadata MetadataConfig `json:"metadata"`
	Engine   paper.Config   `json:"engine"`
	Obs      ObsConfig      `json:"obs"`
}

// RunConfig describes the replayed range.
type RunConfig struct {
	Instrument  string   `json:"instrument"`
	Start       Time     `json:"start"`
	End         Time     `json:"end"`
	Step        Duration `json:"step"`
	LogBalances bool     `json:"logBalances"`
	MemoryEvery int      `json:"memoryEvery"`
}

// SourceConfig selects where rows come from.
type SourceConfig struct {
	Kind     string   `json:"kind"`
	Interval Duration `json:"interval"`
	Seed     uint64   `json:"seed"`
	DropRate float64  `json:"dropRate"`
	Ask      string   `json:"ask"`
	Bid      string   `json:"bid"`
	AskSize  string   `json:"askSize"`
	BidSize  string   `json:"bidSize"`
	Jitter   int64    `json:"jitter"`
}

// PostgresConfig is the quote feed database.
type PostgresConfig struct {
	DSN             string            `json:"dsn"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	User            string            `json:"user"`
	Password        string            `json:"password"`
	Database        string            `json:"database"`
	SSLMode         string            `json:"sslMode"`
	Params          map[string]string `json:"params"`
	MaxOpenConns    int               `json:"maxOpenConns"`
	ConnMaxLifetime Duration          `json:"connMaxLifetime"`
}

// MetadataConfig selects the instrument resolver.
type MetadataConfig struct {
	Provider    string             `json:"provider"`
	BaseURL     string             `json:"baseUrl"`
	Timeout     Duration           `json:"timeout"`
	Instruments []InstrumentConfig `json:"instruments"`
}

// InstrumentConfig is a static instrument entry. Symbol, contract and venue
// come from the id.
type InstrumentConfig struct {
	ID             string `json:"id"`
	BaseAsset      string `json:"baseAsset"`
	QuoteAsset     string `json:"quoteAsset"`
	PricePrecision int32  `json:"pricePrecision"`
	SizePrecision  int32  `json:"sizePrecision"`
	TickSize       string `json:"tickSize"`
	StepSize       string `json:"stepSize"`
}

// ObsConfig controls metrics and profiling.
type ObsConfig struct {
	MetricsAddr          string          `json:"metricsAddr"`
	MemoryReportInterval Duration        `json:"memoryReportInterval"`
	Pyroscope            PyroscopeConfig `json:"pyroscope"`
}

// PyroscopeConfig enables continuous profiling when ServerAddress is set.
type PyroscopeConfig struct {
	ServerAddress string `json:"serverAddress"`
	AppName       string `json:"appName"`
}

// envOverrides are read from TICKSTREAM_* variables and win over the file.
type envOverrides struct {
	Instrument  string `env:"INSTRUMENT"`
	PostgresDSN string `env:"PG_DSN"`
	MetadataURL string `env:"METADATA_URL"`
	Source      string `env:"SOURCE"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Driver    driver.Config
	Source    string
	Synthetic source.SyntheticConfig
	Postgres  conn.Option
	Metadata  MetadataConfig
	Registry  *schema.Registry
	Engine    paper.Config
	Obs       ObsConfig
}

// Default returns the built-in config: two days of hourly synthetic quotes for
// BTCUSDT-PERP.BINANCE with static metadata.
func Default() FileConfig {
	start := time.Date(2021, 10, 17, 0, 0, 0, 0, time.UTC)
	return FileConfig{
		Run: RunConfig{
			Instrument: "BTCUSDT-PERP.BINANCE",
			Start:      Time{start},
			End:        Time{start.Add(48 * time.Hour)},
			Step:       Duration(24 * time.Hour),
		},
		Source: SourceConfig{
			Kind:     SourceSynthetic,
			Interval: Duration(time.Hour),
		},
		Metadata: MetadataConfig{
			Provider: MetadataStatic,
			Timeout:  Duration(15 * time.Second),
			Instruments: []InstrumentConfig{{
				ID:             "BTCUSDT-PERP.BINANCE",
				BaseAsset:      "BTC",
				QuoteAsset:     "USDT",
				PricePrecision: 2,
				SizePrecision:  3,
				TickSize:       "0.10",
				StepSize:       "0.001",
			}},
		},
		Engine: paper.DefaultConfig(),
		Obs: ObsConfig{
			Pyroscope: PyroscopeConfig{AppName: "tickstream.replay"},
		},
	}
}

// Load reads a JSON config file over the defaults, applies environment
// overrides and resolves everything. An empty path uses the defaults.
func Load(path string) (Loaded, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, err
		}
		if err := sonic.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Loaded{}, err
	}
	return cfg.Resolve()
}

func (c *FileConfig) applyEnv() error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment variables: %w", err)
	}
	if o.Instrument != "" {
		c.Run.Instrument = o.Instrument
	}
	if o.PostgresDSN != "" {
		c.Postgres.DSN = o.PostgresDSN
	}
	if o.MetadataURL != "" {
		c.Metadata.BaseURL = o.MetadataURL
	}
	if o.Source != "" {
		c.Source.Kind = o.Source
	}
	if o.MetricsAddr != "" {
		c.Obs.MetricsAddr = o.MetricsAddr
	}
	return nil
}

// Validate checks the sections that Resolve does not check by construction.
func (c FileConfig) Validate() error {
	switch strings.ToLower(c.Source.Kind) {
	case SourceSynthetic, SourcePostgres:
	default:
		return fmt.Errorf("unknown source kind: %q", c.Source.Kind)
	}
	switch strings.ToLower(c.Metadata.Provider) {
	case MetadataStatic, MetadataBinance:
	default:
		return fmt.Errorf("unknown metadata provider: %q", c.Metadata.Provider)
	}
	if strings.EqualFold(c.Source.Kind, SourcePostgres) && !c.Postgres.option().Enabled() {
		return fmt.Errorf("postgres source needs postgres.dsn or postgres.host")
	}
	if c.Obs.MemoryReportInterval < 0 {
		return fmt.Errorf("obs.memoryReportInterval must be >= 0")
	}
	return nil
}

// Resolve validates the config and builds the runtime values.
func (c FileConfig) Resolve() (Loaded, error) {
	if err := c.Validate(); err != nil {
		return Loaded{}, err
	}

	registry, err := buildRegistry(c.Metadata.Instruments)
	if err != nil {
		return Loaded{}, err
	}

	drv := driver.Config{
		InstrumentID: c.Run.Instrument,
		Start:        c.Run.Start.Time,
		End:          c.Run.End.Time,
		Step:         c.Run.Step.Std(),
		Kind:         schema.RecordQuoteTick,
		LogBalances:  c.Run.LogBalances,
		MemoryEvery:  c.Run.MemoryEvery,
	}
	if err := drv.Validate(); err != nil {
		return Loaded{}, err
	}

	synthetic := source.SyntheticConfig{
		Interval: c.Source.Interval.Std(),
		Seed:     c.Source.Seed,
		DropRate: c.Source.DropRate,
		Ask:      c.Source.Ask,
		Bid:      c.Source.Bid,
		AskSize:  c.Source.AskSize,
		BidSize:  c.Source.BidSize,
		Jitter:   c.Source.Jitter,
	}

	return Loaded{
		Driver:    drv,
		Source:    strings.ToLower(c.Source.Kind),
		Synthetic: synthetic,
		Postgres:  c.Postgres.option(),
		Metadata:  c.Metadata,
		Registry:  registry,
		Engine:    c.Engine,
		Obs:       c.Obs,
	}, nil
}

func (p PostgresConfig) option() conn.Option {
	return conn.Option{
		Host:            p.Host,
		Port:            p.Port,
		User:            p.User,
		Password:        p.Password,
		Database:        p.Database,
		SSLMode:         p.SSLMode,
		Params:          p.Params,
		ConnString:      p.DSN,
		MaxOpenConns:    p.MaxOpenConns,
		ConnMaxLifetime: p.ConnMaxLifetime.Std(),
	}
}

func buildRegistry(entries []InstrumentConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, e := range entries {
		symbol, contract, venue, err := schema.ParseInstrumentID(e.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range []string{e.TickSize, e.StepSize} {
			if v == "" {
				continue
			}
			if _, err := decimal.NewFromString(v); err != nil {
				return nil, fmt.Errorf("instrument %s: invalid increment %q", e.ID, v)
			}
		}
		if err := reg.Add(schema.Instrument{
			ID:             e.ID,
			Symbol:         symbol,
			Venue:          venue,
			Contract:       contract,
			BaseAsset:      e.BaseAsset,
			QuoteAsset:     e.QuoteAsset,
			PricePrecision: e.PricePrecision,
			SizePrecision:  e.SizePrecision,
			TickSize:       e.TickSize,
			StepSize:       e.StepSize,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
