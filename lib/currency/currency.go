package currency

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Money is a scraped monetary value. amounts with no recognizable
// currency marker are rejected rather than guessed.
type Money struct {
	// ISO 4217 code, e.g. "INR"
	Currency string
	Amount   float64
}

var ErrNoAmount = fmt.Errorf("no recognizable currency amount")

var symbolToCode = map[string]string{
	"₹": "INR",
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

const codeAlternates = `INR|USD|EUR|GBP|JPY|AED|SGD|CAD|AUD`
const amountPattern = `([0-9][0-9,]*(?:\.[0-9]+)?)`

// ordered fallback chain: a currency symbol directly before the amount
// is the strongest signal, then an ISO code before, then an ISO code after
var (
	symbolBeforeRegex = regexp.MustCompile(`(₹|\$|€|£|¥)\s*` + amountPattern)
	codeBeforeRegex   = regexp.MustCompile(`\b(` + codeAlternates + `)\b\s*` + amountPattern)
	amountCodeRegex   = regexp.MustCompile(amountPattern + `\s*\b(` + codeAlternates + `)\b`)
)

// Parse scans free-form page text for a currency-marked amount.
// thousands separators are commas, the decimal separator is ".".
func Parse(text string) (Money, error) {
	if groups := symbolBeforeRegex.FindStringSubmatch(text); groups != nil {
		return newMoney(symbolToCode[groups[1]], groups[2])
	}
	if groups := codeBeforeRegex.FindStringSubmatch(text); groups != nil {
		return newMoney(groups[1], groups[2])
	}
	if groups := amountCodeRegex.FindStringSubmatch(text); groups != nil {
		return newMoney(groups[2], groups[1])
	}
	return Money{}, ErrNoAmount
}

// ParseAmount reads a bare numeric amount, e.g. "1,234.56".
func ParseAmount(raw string) (float64, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return 0, ErrNoAmount
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return amount, nil
}

func newMoney(code, rawAmount string) (Money, error) {
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return Money{}, err
	}
	return Money{Currency: code, Amount: amount}, nil
}
