// Package precision aligns the fractional digits of paired decimal strings
// without passing through binary floating point.
package precision

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tickstream/pkg/exception"
)

// MaxDecimals bounds the decimal exponent accepted by Normalize and Decimals.
const MaxDecimals = 18

// FormatError reports an input that is not a finite decimal number.
type FormatError struct {
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed decimal %q", e.Value)
	}
	return fmt.Sprintf("malformed decimal %q: %v", e.Value, e.Err)
}

func (e *FormatError) Unwrap() []error {
	if e.Err == nil {
		return []error{exception.ErrPrecisionFormat}
	}
	return []error{exception.ErrPrecisionFormat, e.Err}
}

// Normalize formats a and b with the same number of fractional digits,
// max(Decimals(a), Decimals(b)). Whole numbers count as zero decimals.
//
// Inputs whose exponent lies outside [-MaxDecimals, MaxDecimals] are rejected
// so the formatted output stays proportional to the input length.
func Normalize(a, b string) (string, string, error) {
	da, pa, err := parse(a)
	if err != nil {
		return "", "", err
	}
	db, pb, err := parse(b)
	if err != nil {
		return "", "", err
	}
	places := max(pa, pb)
	return da.StringFixed(places), db.StringFixed(places), nil
}

// Decimals returns the number of fractional digits carried by s.
func Decimals(s string) (int32, error) {
	_, places, err := parse(s)
	return places, err
}

func parse(raw string) (decimal.Decimal, int32, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Decimal{}, 0, &FormatError{Value: raw}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, 0, &FormatError{Value: raw, Err: err}
	}
	if exp := d.Exponent(); exp < -MaxDecimals || exp > MaxDecimals {
		return decimal.Decimal{}, 0, &FormatError{
			Value: raw,
			Err:   fmt.Errorf("exponent %d outside [-%d, %d]", exp, MaxDecimals, MaxDecimals),
		}
	}
	return d, places(d), nil
}

func places(d decimal.Decimal) int32 {
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
