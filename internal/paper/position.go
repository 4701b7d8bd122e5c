package paper

import (
	"github.com/shopspring/decimal"

	"tickstream/internal/schema"
)

// netPosition is a netted position with its average entry price.
type netPosition struct {
	Qty      decimal.Decimal
	AvgPrice decimal.Decimal
}

// positionReducer updates netted positions from fills.
type positionReducer struct {
	positions map[string]*netPosition
}

func newPositionReducer() *positionReducer {
	return &positionReducer{positions: make(map[string]*netPosition)}
}

// ApplyFill updates the position and returns the realized PnL of the fill.
func (r *positionReducer) ApplyFill(fill schema.Fill) decimal.Decimal {
	pos, ok := r.positions[fill.InstrumentID]
	if !ok {
		pos = &netPosition{}
		r.positions[fill.InstrumentID] = pos
	}

	signed := fill.Qty
	if fill.Side == schema.OrderSideSell {
		signed = signed.Neg()
	} else if fill.Side != schema.OrderSideBuy {
		return decimal.Zero
	}

	// opening or extending
	if pos.Qty.IsZero() || pos.Qty.Sign() == signed.Sign() {
		total := pos.Qty.Abs().Add(fill.Qty)
		pos.AvgPrice = pos.Qty.Abs().Mul(pos.AvgPrice).Add(fill.Qty.Mul(fill.Price)).Div(total)
		pos.Qty = pos.Qty.Add(signed)
		return decimal.Zero
	}

	closing := decimal.Min(pos.Qty.Abs(), fill.Qty)
	realized := closing.Mul(fill.Price.Sub(pos.AvgPrice))
	if pos.Qty.IsNegative() {
		realized = realized.Neg()
	}

	remaining := fill.Qty.Sub(closing)
	switch {
	case remaining.IsPositive():
		pos.Qty = remaining
		if signed.IsNegative() {
			pos.Qty = remaining.Neg()
		}
		pos.AvgPrice = fill.Price
	default:
		pos.Qty = pos.Qty.Add(signed)
		if pos.Qty.IsZero() {
			pos.AvgPrice = decimal.Zero
		}
	}
	return realized
}

// Position returns the current position for an instrument.
func (r *positionReducer) Position(instrumentID string) netPosition {
	if pos, ok := r.positions[instrumentID]; ok {
		return *pos
	}
	return netPosition{}
}

// Count returns the number of tracked instruments.
func (r *positionReducer) Count() int {
	return len(r.positions)
}
