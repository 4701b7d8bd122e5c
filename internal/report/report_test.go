package report

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/errors"
	"tickstream/internal/schema"
	"tickstream/pkg/exception"
)

type stubReporter struct {
	account schema.AccountReport
	fills   []schema.Fill
	orders  []schema.Order
	err     error
	calls   int
}

func (s *stubReporter) Account(context.Context) (schema.AccountReport, error) {
	s.calls++
	return s.account, nil
}

func (s *stubReporter) Fills(context.Context) ([]schema.Fill, error) {
	s.calls++
	return s.fills, s.err
}

func (s *stubReporter) Orders(context.Context) ([]schema.Order, error) {
	s.calls++
	return s.orders, nil
}

func sample() *stubReporter {
	d := decimal.RequireFromString
	return &stubReporter{
		account: schema.AccountReport{
			Venue:    "BINANCE",
			Starting: d("1000000"),
			Equity:   d("999998.979"),
			Balances: []schema.Balance{{Currency: "USDT", Total: d("999998.979"), Locked: d("0"), Free: d("999998.979")}},
			Positions: []schema.Position{{
				InstrumentID: "BTCUSDT-PERP.BINANCE", Qty: d("1"), MarkPrice: d("10.5"), Notional: d("10.5"),
			}},
			TsEvent: 1_634_428_800_000_000_000,
		},
		fills: []schema.Fill{{
			TradeID: 1, OrderID: 1, InstrumentID: "BTCUSDT-PERP.BINANCE", Side: schema.OrderSideBuy,
			Price: d("11"), Qty: d("1"), Fee: d("0.011"), FeeAsset: "USDT", TsEvent: 1_634_428_800_000_000_000,
		}},
		orders: []schema.Order{
			{ID: 1, InstrumentID: "BTCUSDT-PERP.BINANCE", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket,
				Status: schema.OrderStatusFilled, Qty: d("1"), AvgPrice: d("11")},
			{ID: 2, InstrumentID: "BTCUSDT-PERP.BINANCE", Side: schema.OrderSideSell, Type: schema.OrderTypeMarket,
				Status: schema.OrderStatusRejected, Reason: schema.RejectReasonPositionLimit, Qty: d("1")},
		},
	}
}

func TestReportReadsEverySection(t *testing.T) {
	stub := sample()
	res, err := Report(t.Context(), stub)
	require.NoError(t, err)

	assert.Equal(t, 3, stub.calls)
	assert.Equal(t, "BINANCE", res.Account.Venue)
	assert.Len(t, res.Fills, 1)
	assert.Len(t, res.Orders, 2)
}

func TestReportErrors(t *testing.T) {
	_, err := Report(t.Context(), nil)
	require.ErrorIs(t, err, exception.ErrNilInstance)

	boom := errors.New("reporter closed")
	stub := sample()
	stub.err = boom
	_, err = Report(t.Context(), stub)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "report: fills")
}

func TestResultWriteTo(t *testing.T) {
	res, err := Report(t.Context(), sample())
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := res.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)

	out := buf.String()
	assert.Contains(t, out, "ACCOUNT BINANCE")
	assert.Contains(t, out, "equity=999998.979")
	assert.Contains(t, out, "2021-10-17T00:00:00Z")
	assert.Contains(t, out, "FILLS (1)")
	assert.Contains(t, out, "0.011 USDT")
	assert.Contains(t, out, "ORDERS (2)")
	assert.Contains(t, out, "position limit")

	for _, line := range strings.Split(out, "\n") {
		assert.NotContains(t, line, "\t")
	}
}

func TestResultWriteToEmpty(t *testing.T) {
	var buf bytes.Buffer
	_, err := Result{}.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "FILLS (0)")
	assert.Contains(t, buf.String(), "ORDERS (0)")
}
