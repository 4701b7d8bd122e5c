package exception

import "github.com/yanun0323/errors"

// Streaming driver errors
var (
	ErrInvalidRange         = errors.New("stream: invalid window range")
	ErrInstrumentResolution = errors.New("stream: instrument resolution failed")
	ErrDriverUsed           = errors.New("stream: driver already used")
)

// Data errors
var (
	ErrInstrumentNotFound = errors.New("data: instrument not found")
	ErrFetch              = errors.New("data: fetch failed")
	ErrPrecisionFormat    = errors.New("data: malformed decimal")
	ErrOutOfOrder         = errors.New("data: timestamp out of order")
	ErrRowOutsideWindow   = errors.New("data: row outside window")
)
