package currency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		text     string
		currency string
		amount   float64
	}{
		{"₹ 1,234.56", "INR", 1234.56},
		{"USD 12.00", "USD", 12.0},
		{"Your balance is $5.20 today", "USD", 5.2},
		{"Total: 99.95 EUR", "EUR", 99.95},
		{"Amount Payable ₹2,045", "INR", 2045},
	} {
		money, err := Parse(tc.text)
		require.NoError(t, err, tc.text)
		require.Equal(t, tc.currency, money.Currency, tc.text)
		require.InDelta(t, tc.amount, money.Amount, 1e-9, tc.text)
	}
}

func TestParseNoMarker(t *testing.T) {
	for _, text := range []string{
		"",
		"no money here",
		"1,234.56", // bare number, no currency marker
	} {
		_, err := Parse(text)
		require.ErrorIs(t, err, ErrNoAmount, text)
	}
}

func TestParsePrefersSymbolOverTrailingCode(t *testing.T) {
	money, err := Parse("₹ 100.00 (approx 1.20 USD)")
	require.NoError(t, err)
	require.Equal(t, "INR", money.Currency)
	require.InDelta(t, 100.0, money.Amount, 1e-9)
}

func TestParseAmount(t *testing.T) {
	amount, err := ParseAmount("12,34,567.89")
	require.NoError(t, err)
	require.InDelta(t, 1234567.89, amount, 1e-9)

	_, err = ParseAmount("n/a")
	require.Error(t, err)
}
