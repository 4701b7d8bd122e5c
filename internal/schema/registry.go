package schema

import (
	"fmt"
	"strings"
)

// ContractType describes how an instrument settles.
type ContractType uint16

const (
	ContractUnknown ContractType = iota
	ContractSpot
	ContractPerpetual
	ContractFuture
)

func (c ContractType) String() string {
	switch c {
	case ContractSpot:
		return "SPOT"
	case ContractPerpetual:
		return "PERPETUAL"
	case ContractFuture:
		return "FUTURE"
	default:
		return "UNKNOWN"
	}
}

// ParseContractType accepts both instrument id suffixes (PERP) and exchange names (PERPETUAL).
func ParseContractType(s string) ContractType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SPOT":
		return ContractSpot
	case "PERP", "PERPETUAL":
		return ContractPerpetual
	case "FUT", "FUTURE", "CURRENT_QUARTER", "NEXT_QUARTER":
		return ContractFuture
	default:
		return ContractUnknown
	}
}

// Instrument is static metadata resolved once per run and shared read-only.
type Instrument struct {
	ID             string
	Symbol         string
	Venue          string
	Contract       ContractType
	BaseAsset      string
	QuoteAsset     string
	PricePrecision int32
	SizePrecision  int32
	TickSize       string
	StepSize       string
}

// Validate checks the fields every consumer relies on.
func (i Instrument) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("instrument id is empty")
	}
	if i.Symbol == "" {
		return fmt.Errorf("instrument %s: symbol is empty", i.ID)
	}
	if i.PricePrecision < 0 || i.SizePrecision < 0 {
		return fmt.Errorf("instrument %s: precision must be >= 0", i.ID)
	}
	return nil
}

// ParseInstrumentID splits ids shaped like BTCUSDT-PERP.BINANCE into symbol,
// contract and venue. The contract part is optional (ETHUSDT.BINANCE is spot).
func ParseInstrumentID(id string) (symbol string, contract ContractType, venue string, err error) {
	id = strings.TrimSpace(id)
	dot := strings.LastIndexByte(id, '.')
	if dot <= 0 || dot == len(id)-1 {
		return "", ContractUnknown, "", fmt.Errorf("invalid instrument id: %q", id)
	}
	venue = id[dot+1:]
	symbol = id[:dot]
	contract = ContractSpot
	if dash := strings.LastIndexByte(symbol, '-'); dash >= 0 {
		contract = ParseContractType(symbol[dash+1:])
		symbol = symbol[:dash]
		if contract == ContractUnknown {
			return "", ContractUnknown, "", fmt.Errorf("invalid contract in instrument id: %q", id)
		}
	}
	if symbol == "" {
		return "", ContractUnknown, "", fmt.Errorf("invalid instrument id: %q", id)
	}
	return symbol, contract, venue, nil
}

// Registry stores instruments by id.
type Registry struct {
	instruments []Instrument
	byID        map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]int)}
}

// Add registers a new instrument.
func (r *Registry) Add(inst Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	if _, ok := r.byID[inst.ID]; ok {
		return fmt.Errorf("instrument already exists: %s", inst.ID)
	}
	r.byID[inst.ID] = len(r.instruments)
	r.instruments = append(r.instruments, inst)
	return nil
}

// Instrument returns the instrument by id.
func (r *Registry) Instrument(id string) (Instrument, bool) {
	if r == nil {
		return Instrument{}, false
	}
	idx, ok := r.byID[id]
	if !ok {
		return Instrument{}, false
	}
	return r.instruments[idx], true
}

// Count returns the number of instruments in the registry.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	return len(r.instruments)
}
