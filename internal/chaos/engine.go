package chaos

import (
	"fmt"
	"math/rand/v2"
)

// Config controls fault injection on sampled rows.
type Config struct {
	Seed     uint64
	DropRate float64
}

// Engine decides which rows a source marks invalid. It is deterministic for a
// given seed and stream key, so repeated passes over a window drop the same rows.
type Engine struct {
	cfg Config
	rng *rand.Rand
}

// NewEngine creates a chaos engine with validation. The key separates the random
// streams of independent passes, e.g. one per window.
func NewEngine(cfg Config, key uint64) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, key)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("dropRate must be between 0 and 1")
	}
	return nil
}

// Enabled reports whether any fault can be injected.
func (c Config) Enabled() bool {
	return c.DropRate > 0
}

// ShouldDrop draws the next drop decision. A nil engine never drops.
func (e *Engine) ShouldDrop() bool {
	if e == nil || e.cfg.DropRate <= 0 {
		return false
	}
	if e.cfg.DropRate >= 1 {
		return true
	}
	return e.rng.Float64() < e.cfg.DropRate
}

// Jitter returns a deterministic offset in [0, n]. Zero or negative n returns 0.
func (e *Engine) Jitter(n int64) int64 {
	if e == nil || n <= 0 {
		return 0
	}
	return e.rng.Int64N(n + 1)
}
