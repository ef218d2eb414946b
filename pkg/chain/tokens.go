package chain

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

type (
	tokenAccountsResult struct {
		Value []tokenAccountEntry `json:"value"`
	}

	tokenAccountEntry struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string      `json:"mint"`
						TokenAmount tokenAmount `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	}

	tokenAmount struct {
		Amount         string `json:"amount"`
		Decimals       int32  `json:"decimals"`
		UIAmountString string `json:"uiAmountString"`
	}
)

// tokenBalances aggregates UI-scaled balances per mint over every SPL
// token account the wallet owns. Duplicate accounts for one mint are
// summed; zero balances are kept.
func (a *Adapter) tokenBalances(ctx context.Context, owner solana.PublicKey) (map[string]decimal.Decimal, error) {
	var result tokenAccountsResult
	params := []any{
		owner.String(),
		map[string]string{"programId": solana.TokenProgramID.String()},
		map[string]string{"encoding": "jsonParsed"},
	}
	err := withRetry(ctx, func(ctx context.Context) error {
		result = tokenAccountsResult{}
		return a.rpc.performRequest(ctx, "getTokenAccountsByOwner", params, &result)
	})
	if err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(result.Value))
	for _, entry := range result.Value {
		info := entry.Account.Data.Parsed.Info
		if info.Mint == "" {
			continue
		}
		amount, err := parseUIAmount(info.TokenAmount)
		if err != nil {
			a.log.Warn("skipping unparsable token amount")
			continue
		}
		balances[info.Mint] = balances[info.Mint].Add(amount)
	}
	return balances, nil
}

// parseUIAmount prefers the exact uiAmountString and falls back to
// shifting the raw integer amount by the mint's decimals.
func parseUIAmount(ta tokenAmount) (decimal.Decimal, error) {
	if ta.UIAmountString != "" {
		return decimal.NewFromString(ta.UIAmountString)
	}
	raw, err := decimal.NewFromString(ta.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	return raw.Shift(-ta.Decimals), nil
}
