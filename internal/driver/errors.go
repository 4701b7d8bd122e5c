package driver

import (
	"fmt"

	"tickstream/internal/schema"
	"tickstream/pkg/exception"
)

// Stage names the per-window step that failed.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageAssemble Stage = "assemble"
)

// WindowError attaches the window bounds to a fetch or assemble failure.
type WindowError struct {
	Window schema.Window
	Stage  Stage
	Err    error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("%s window %s: %v", e.Stage, e.Window, e.Err)
}

func (e *WindowError) Unwrap() error {
	return e.Err
}

// InstrumentResolutionError aborts a run before streaming starts.
type InstrumentResolutionError struct {
	InstrumentID string
	Err          error
}

func (e *InstrumentResolutionError) Error() string {
	return fmt.Sprintf("resolve instrument %s: %v", e.InstrumentID, e.Err)
}

func (e *InstrumentResolutionError) Unwrap() []error {
	return []error{exception.ErrInstrumentResolution, e.Err}
}
