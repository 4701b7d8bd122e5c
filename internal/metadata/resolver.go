// Package metadata resolves static instrument metadata before a run starts.
package metadata

import (
	"context"
	"fmt"

	"tickstream/internal/schema"
	"tickstream/pkg/exception"
)

// NotFoundError is returned when the venue does not list the instrument.
type NotFoundError struct {
	InstrumentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instrument not found: %s", e.InstrumentID)
}

func (e *NotFoundError) Unwrap() error {
	return exception.ErrInstrumentNotFound
}

// Resolver looks up one instrument. It is called once per run.
type Resolver interface {
	ResolveInstrument(ctx context.Context, instrumentID string) (schema.Instrument, error)
}

// Static resolves instruments from a registry built ahead of time.
type Static struct {
	reg *schema.Registry
}

func NewStatic(reg *schema.Registry) *Static {
	return &Static{reg: reg}
}

func (s *Static) ResolveInstrument(_ context.Context, instrumentID string) (schema.Instrument, error) {
	inst, ok := s.reg.Instrument(instrumentID)
	if !ok {
		return schema.Instrument{}, &NotFoundError{InstrumentID: instrumentID}
	}
	return inst, nil
}
