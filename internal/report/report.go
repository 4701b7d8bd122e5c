// Package report pulls the terminal account, fills and orders out of a
// finalized engine and renders them as text tables.
package report

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"tickstream/internal/engine"
	"tickstream/internal/errors"
	"tickstream/internal/schema"
	"tickstream/pkg/exception"
)

// Result holds the three terminal reports.
type Result struct {
	Account schema.AccountReport
	Fills   []schema.Fill
	Orders  []schema.Order
}

// Report reads every report once. It never mutates the engine.
func Report(ctx context.Context, r engine.Reporter) (Result, error) {
	if r == nil {
		return Result{}, errors.Wrap(exception.ErrNilInstance, "report: reporter")
	}

	account, err := r.Account(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "report: account")
	}
	fills, err := r.Fills(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "report: fills")
	}
	orders, err := r.Orders(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "report: orders")
	}

	return Result{Account: account, Fills: fills, Orders: orders}, nil
}

// WriteTo renders the account, fills and orders tables.
func (r Result) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "ACCOUNT %s\tstarting=%s\tequity=%s\tts=%s\n",
		r.Account.Venue, r.Account.Starting, r.Account.Equity, formatNanos(r.Account.TsEvent))
	fmt.Fprintln(tw, "currency\ttotal\tlocked\tfree")
	for _, b := range r.Account.Balances {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Currency, b.Total, b.Locked, b.Free)
	}
	if len(r.Account.Positions) > 0 {
		fmt.Fprintln(tw, "\ninstrument\tqty\tmark\tnotional")
		for _, p := range r.Account.Positions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.InstrumentID, p.Qty, p.MarkPrice, p.Notional)
		}
	}

	fmt.Fprintf(tw, "\nFILLS (%d)\n", len(r.Fills))
	fmt.Fprintln(tw, "trade\torder\tinstrument\tside\tprice\tqty\tfee\tts")
	for _, f := range r.Fills {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s %s\t%s\n",
			f.TradeID, f.OrderID, f.InstrumentID, f.Side, f.Price, f.Qty, f.Fee, f.FeeAsset, formatNanos(f.TsEvent))
	}

	fmt.Fprintf(tw, "\nORDERS (%d)\n", len(r.Orders))
	fmt.Fprintln(tw, "order\tinstrument\tside\ttype\tstatus\tqty\tavg_px\treason\tts")
	for _, o := range r.Orders {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.InstrumentID, o.Side, o.Type, o.Status, o.Qty, o.AvgPrice, o.Reason, formatNanos(o.TsEvent))
	}

	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, cw.err
}

func formatNanos(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(0, ts).UTC().Format(time.RFC3339Nano)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
