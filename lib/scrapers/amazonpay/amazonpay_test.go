package amazonpay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchBalanceUnsupportedRegion(t *testing.T) {
	client := NewClient(ClientOptions{})

	_, err := client.FetchBalance(context.Background(), Request{
		Region: "mars",
		Email:  "user@example.com",
	})
	require.ErrorIs(t, err, ErrUnsupportedRegion)
}

func TestRegionStorefronts(t *testing.T) {
	for _, region := range []string{"in", "com", "uk", "de"} {
		_, ok := regionStorefronts[region]
		require.True(t, ok, region)
	}
}

func TestBalanceMarkerRegex(t *testing.T) {
	require.True(t, balanceMarkerRegex.MatchString("Your Amazon Pay balance is ₹ 1,240.00"))
	require.True(t, balanceMarkerRegex.MatchString("Gift Card Balance\n₹0.00"))
	require.False(t, balanceMarkerRegex.MatchString("Sign in to view your orders"))
}

func TestLoginErrorRegex(t *testing.T) {
	require.True(t, loginErrorRegex.MatchString("There was a problem\nYour password is incorrect"))
	require.False(t, loginErrorRegex.MatchString("Hello, Arjun. Your account."))
}
