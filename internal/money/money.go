package money

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Stored amounts are float64 in the account's base currency. Arithmetic goes
// through decimal so totals do not drift, and results are rounded to cents.

func D(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func Line(quantity int, unitPrice float64) decimal.Decimal {
	return D(unitPrice).Mul(decimal.NewFromInt(int64(quantity)))
}

func Float(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func Round(v float64) float64 {
	return Float(D(v))
}

func Add(a float64, b float64) float64 {
	return Float(D(a).Add(D(b)))
}

func Sub(a float64, b float64) float64 {
	return Float(D(a).Sub(D(b)))
}

// Sum adds amounts exactly and rounds once at the end.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(D(v))
	}
	return Float(total)
}

// NonNegative floors an amount at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

var printer = message.NewPrinter(language.English)

// Format renders an amount for audit descriptions, e.g. "USD 1,250.00".
// Unknown currency codes fall back to the raw code with two decimals.
func Format(amount float64, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		if code == "" {
			return D(amount).StringFixed(2)
		}
		return code + " " + D(amount).StringFixed(2)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return printer.Sprintf("%v %v", unit, number.Decimal(amount, number.Scale(scale)))
}
