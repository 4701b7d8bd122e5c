package schema

import "github.com/shopspring/decimal"

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus describes the terminal state of a simulated order.
type OrderStatus uint16

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusRejected
	OrderStatusFilled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusFilled:
		return "FILLED"
	default:
		return "UNKNOWN"
	}
}

// RejectReason is a coarse reason code for rejected orders.
type RejectReason uint16

const (
	RejectReasonNone RejectReason = iota
	RejectReasonKillSwitch
	RejectReasonMaxQty
	RejectReasonPositionLimit
	RejectReasonInsufficientBalance
	RejectReasonNoQuote
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonNone:
		return ""
	case RejectReasonKillSwitch:
		return "kill switch"
	case RejectReasonMaxQty:
		return "max qty"
	case RejectReasonPositionLimit:
		return "position limit"
	case RejectReasonInsufficientBalance:
		return "insufficient balance"
	case RejectReasonNoQuote:
		return "no quote"
	default:
		return "unknown"
	}
}

// Order is one row of the order report.
type Order struct {
	ID           uint64
	InstrumentID string
	Side         OrderSide
	Type         OrderType
	Status       OrderStatus
	Reason       RejectReason
	Qty          decimal.Decimal
	AvgPrice     decimal.Decimal
	TsEvent      int64
}

// Fill is one row of the fill report.
type Fill struct {
	TradeID      uint64
	OrderID      uint64
	InstrumentID string
	Side         OrderSide
	Price        decimal.Decimal
	Qty          decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
	TsEvent      int64
}

// Balance is the account balance in one currency.
type Balance struct {
	Currency string
	Total    decimal.Decimal
	Locked   decimal.Decimal
	Free     decimal.Decimal
}

// Position is a netted position marked to the last quote.
type Position struct {
	InstrumentID string
	Qty          decimal.Decimal
	MarkPrice    decimal.Decimal
	Notional     decimal.Decimal
}

// AccountReport summarises the simulated account.
type AccountReport struct {
	Venue     string
	Starting  decimal.Decimal
	Balances  []Balance
	Positions []Position
	Equity    decimal.Decimal
	TsEvent   int64
}
