package source

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/schema"
)

var (
	day1 = schema.Window{
		Start: time.Date(2021, 10, 17, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2021, 10, 18, 0, 0, 0, 0, time.UTC),
	}
	perp = schema.Instrument{ID: "BTCUSDT-PERP.BINANCE", Symbol: "BTCUSDT", PricePrecision: 1, SizePrecision: 3}
)

func drain(t *testing.T, rows Rows) []RawRow {
	t.Helper()
	defer func() { require.NoError(t, rows.Close()) }()
	var out []RawRow
	for {
		row, err := rows.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, row)
	}
}

func TestSyntheticHourlyRows(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Interval: time.Hour})
	require.NoError(t, err)

	rows, err := src.Rows(t.Context(), day1, perp)
	require.NoError(t, err)
	assert.Equal(t, 24, rows.(SizeHint).Len())

	got := drain(t, rows)
	require.Len(t, got, 24)
	for i, row := range got {
		assert.Equal(t, day1.Start.Add(time.Duration(i)*time.Hour).UnixNano(), row.Timestamp)
		assert.True(t, day1.ContainsNano(row.Timestamp))
		assert.Equal(t, "11", row.ValueA)
		assert.Equal(t, "10", row.ValueB)
		assert.Equal(t, "111", row.AuxA)
		assert.Equal(t, "100", row.AuxB)
		assert.False(t, row.Invalid)
	}
}

func TestSyntheticUnevenInterval(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Interval: 7 * time.Hour})
	require.NoError(t, err)

	rows, err := src.Rows(t.Context(), day1, perp)
	require.NoError(t, err)
	assert.Equal(t, 4, rows.(SizeHint).Len())

	got := drain(t, rows)
	require.Len(t, got, 4)
	assert.Less(t, got[3].Timestamp, day1.End.UnixNano())
}

func TestSyntheticDeterministic(t *testing.T) {
	cfg := SyntheticConfig{Interval: 10 * time.Minute, Seed: 42, DropRate: 0.25, Jitter: 50}
	a, err := NewSynthetic(cfg)
	require.NoError(t, err)
	b, err := NewSynthetic(cfg)
	require.NoError(t, err)

	rowsA, err := a.Rows(t.Context(), day1, perp)
	require.NoError(t, err)
	rowsB, err := b.Rows(t.Context(), day1, perp)
	require.NoError(t, err)
	first := drain(t, rowsA)
	assert.Equal(t, first, drain(t, rowsB))

	again, err := a.Rows(t.Context(), day1, perp)
	require.NoError(t, err)
	assert.Equal(t, first, drain(t, again))

	var dropped int
	var jittered bool
	for _, row := range first {
		if row.Invalid {
			dropped++
		}
		if row.ValueA != "11" {
			jittered = true
		}
	}
	assert.Greater(t, dropped, 0)
	assert.Less(t, dropped, len(first))
	assert.True(t, jittered)
}

func TestSyntheticJitterKeepsSpread(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Interval: time.Hour, Jitter: 9, Seed: 1})
	require.NoError(t, err)
	rows, err := src.Rows(t.Context(), day1, perp)
	require.NoError(t, err)

	for _, row := range drain(t, rows) {
		ask := mustDecimal(t, row.ValueA)
		bid := mustDecimal(t, row.ValueB)
		assert.Equal(t, "1", ask.Sub(bid).String())
		assert.True(t, ask.GreaterThanOrEqual(mustDecimal(t, "11")))
		assert.True(t, ask.LessThanOrEqual(mustDecimal(t, "11.9")))
	}
}

func TestSyntheticValidate(t *testing.T) {
	_, err := NewSynthetic(SyntheticConfig{})
	require.Error(t, err)
	_, err = NewSynthetic(SyntheticConfig{Interval: time.Second, DropRate: 2})
	require.Error(t, err)
	_, err = NewSynthetic(SyntheticConfig{Interval: time.Second, Ask: "x"})
	require.Error(t, err)
}

func TestSliceRowsZeroesConsumed(t *testing.T) {
	backing := []RawRow{{Timestamp: 1, ValueA: "1"}, {Timestamp: 2, ValueA: "2"}}
	rows := NewSliceRows(backing)
	assert.Equal(t, 2, rows.(SizeHint).Len())

	row, err := rows.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 1, row.Timestamp)
	assert.Equal(t, RawRow{}, backing[0])
	assert.Equal(t, 1, rows.(SizeHint).Len())

	require.NoError(t, rows.Close())
	_, err = rows.Next()
	assert.Equal(t, io.EOF, err)
}
