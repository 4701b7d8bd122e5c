package paper

import (
	"github.com/shopspring/decimal"

	"tickstream/internal/schema"
)

// RiskConfig defines simple pre-trade limits. Zero limits are disabled.
type RiskConfig struct {
	KillSwitch  bool            `json:"killSwitch"`
	MaxOrderQty decimal.Decimal `json:"maxOrderQty"`
	MaxPosition decimal.Decimal `json:"maxPosition"`
}

// riskEngine evaluates orders before they reach the simulated venue.
type riskEngine struct {
	cfg RiskConfig
}

func newRiskEngine(cfg RiskConfig) *riskEngine {
	return &riskEngine{cfg: cfg}
}

// Evaluate returns RejectReasonNone when the order may be sent.
func (e *riskEngine) Evaluate(side schema.OrderSide, qty, position decimal.Decimal) schema.RejectReason {
	if e.cfg.KillSwitch {
		return schema.RejectReasonKillSwitch
	}

	if e.cfg.MaxOrderQty.IsPositive() && qty.GreaterThan(e.cfg.MaxOrderQty) {
		return schema.RejectReasonMaxQty
	}

	next := applySide(position, side, qty)
	if e.cfg.MaxPosition.IsPositive() && next.Abs().GreaterThan(e.cfg.MaxPosition) {
		return schema.RejectReasonPositionLimit
	}

	return schema.RejectReasonNone
}

func applySide(pos decimal.Decimal, side schema.OrderSide, qty decimal.Decimal) decimal.Decimal {
	switch side {
	case schema.OrderSideBuy:
		return pos.Add(qty)
	case schema.OrderSideSell:
		return pos.Sub(qty)
	default:
		return pos
	}
}
