package storage

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rolegate/rolegate/pkg/gate"
)

func TestRuleRowRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		rule gate.Rule
	}{
		{"token amount", gate.Rule{
			ID: "a", ServerID: "g", RoleID: "r", Enabled: true,
			Kind: gate.TokenAmount, Mint: "Mint111", ThresholdAmount: decimal.RequireFromString("100.5"),
		}},
		{"token usd", gate.Rule{
			ID: "b", ServerID: "g", RoleID: "r", Enabled: true,
			Kind: gate.TokenUSD, Mint: "Mint111", ThresholdUSD: decimal.RequireFromString("25"),
			PriceAssetID: "solana",
		}},
		{"nft collection", gate.Rule{
			ID: "c", ServerID: "g", RoleID: "r", Enabled: false,
			Kind: gate.NFTCollection, CollectionAddress: "Coll111", ThresholdCount: 3,
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			row := RowFromRule(tc.rule, "operator")
			require.Equal(t, "operator", row.CreatedBy)
			back, err := row.Rule()
			require.NoError(t, err)
			require.Equal(t, tc.rule, back)
		})
	}
}

func TestRuleRowUSDCarriesSource(t *testing.T) {
	row := RowFromRule(gate.Rule{
		ID: "b", ServerID: "g", RoleID: "r", Kind: gate.TokenUSD,
		Mint: "M", ThresholdUSD: decimal.New(1, 0), PriceAssetID: "solana",
	}, "op")
	require.NotNil(t, row.PriceSource)
	require.Equal(t, PriceSourceCoinGecko, *row.PriceSource)
}

func TestRuleRowRejectsIncomplete(t *testing.T) {
	mint := "M"
	row := RuleRow{ID: "x", Kind: "TOKEN_USD", Mint: &mint} // no threshold, no asset id
	_, err := row.Rule()
	require.Error(t, err)

	row = RuleRow{ID: "y", Kind: "SOMETHING_ELSE"}
	_, err = row.Rule()
	require.Error(t, err)
}
