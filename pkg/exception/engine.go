package exception

import "github.com/yanun0323/errors"

// Engine errors. The driver never wraps these; engines return them as-is.
var (
	ErrEngineIngestion = errors.New("engine: ingestion failed")
	ErrEngineAdvance   = errors.New("engine: advance failed")
	ErrEngineClosed    = errors.New("engine: closed")
)
