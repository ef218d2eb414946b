package gate

import "github.com/shopspring/decimal"

// Snapshot is a point-in-time view of the holdings of one wallet,
// restricted to what the rule set being evaluated actually needs.
type Snapshot struct {
	Wallet string
	// TokenBalances maps mint address to the aggregated UI-scaled
	// balance across every token account the wallet owns for the mint.
	TokenBalances map[string]decimal.Decimal
	// NFTCounts maps verified collection address to the number of
	// assets the wallet holds from it. Assets without a verified
	// collection grouping never appear here.
	NFTCounts map[string]int64
}

// EmptySnapshot returns a snapshot with no holdings for the wallet.
func EmptySnapshot(wallet string) Snapshot {
	return Snapshot{
		Wallet:        wallet,
		TokenBalances: make(map[string]decimal.Decimal),
		NFTCounts:     make(map[string]int64),
	}
}

// Balance returns the balance for mint, or zero when the wallet holds
// no accounts for it.
func (s Snapshot) Balance(mint string) decimal.Decimal {
	if b, ok := s.TokenBalances[mint]; ok {
		return b
	}
	return decimal.Zero
}

// NFTCount returns the verified-collection count, or zero when absent.
func (s Snapshot) NFTCount(collection string) int64 {
	return s.NFTCounts[collection]
}
