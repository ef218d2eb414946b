package gate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind distinguishes gating rule variants.
type Kind byte

const (
	// TokenAmount gates on the raw UI-scaled balance of a token mint.
	TokenAmount Kind = iota
	// TokenUSD gates on the USD value of a token balance.
	TokenUSD
	// NFTCollection gates on the number of NFTs held from a verified
	// collection.
	NFTCollection
)

// String implements the Stringer interface.
func (k Kind) String() string {
	switch k {
	case TokenAmount:
		return "TOKEN_AMOUNT"
	case TokenUSD:
		return "TOKEN_USD"
	case NFTCollection:
		return "NFT_COLLECTION"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// KindFromString is the inverse of Kind.String. It returns an error for
// unknown names.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "TOKEN_AMOUNT":
		return TokenAmount, nil
	case "TOKEN_USD":
		return TokenUSD, nil
	case "NFT_COLLECTION":
		return NFTCollection, nil
	default:
		return 0, fmt.Errorf("unknown rule kind %q", s)
	}
}

type (
	// Rule is a gating rule bound to a role within one server. It is a
	// tagged variant: exactly one of the kind-specific field sets is
	// meaningful, selected by Kind.
	Rule struct {
		ID       string
		ServerID string
		RoleID   string
		Enabled  bool
		Kind     Kind

		// TokenAmount and TokenUSD.
		Mint string
		// TokenAmount only.
		ThresholdAmount decimal.Decimal
		// TokenUSD only.
		ThresholdUSD decimal.Decimal
		PriceAssetID string
		// NFTCollection only.
		CollectionAddress string
		ThresholdCount    int64
	}

	// Evaluation is the outcome of a single rule against a snapshot.
	Evaluation struct {
		RuleID    string
		RoleID    string
		Satisfied Tristate
		Reason    string
	}

	// RoleDecision is the disjunction of all evaluations that target a
	// single role.
	RoleDecision struct {
		RoleID         string
		ShouldHave     Tristate
		MatchedRuleIDs []string
	}
)

// Validate checks the variant-specific constraints of the rule.
func (r *Rule) Validate() error {
	switch r.Kind {
	case TokenAmount:
		if r.Mint == "" {
			return errors.New("token amount rule requires a mint")
		}
		if r.ThresholdAmount.IsNegative() {
			return errors.New("threshold amount must be non-negative")
		}
	case TokenUSD:
		if r.Mint == "" {
			return errors.New("token USD rule requires a mint")
		}
		if r.PriceAssetID == "" {
			return errors.New("token USD rule requires a price asset id")
		}
		if r.ThresholdUSD.IsNegative() {
			return errors.New("threshold USD must be non-negative")
		}
	case NFTCollection:
		if r.CollectionAddress == "" {
			return errors.New("NFT rule requires a collection address")
		}
		if r.ThresholdCount < 0 {
			return errors.New("threshold count must be non-negative")
		}
	default:
		return fmt.Errorf("unknown rule kind %d", r.Kind)
	}
	if r.RoleID == "" {
		return errors.New("rule requires a role id")
	}
	return nil
}

// NeedTokenBalances reports whether any rule in the set requires token
// balances in the wallet snapshot.
func NeedTokenBalances(rules []Rule) bool {
	for i := range rules {
		if rules[i].Kind == TokenAmount || rules[i].Kind == TokenUSD {
			return true
		}
	}
	return false
}

// NeedNFTCounts reports whether any rule in the set requires NFT counts
// in the wallet snapshot.
func NeedNFTCounts(rules []Rule) bool {
	for i := range rules {
		if rules[i].Kind == NFTCollection {
			return true
		}
	}
	return false
}

// PriceAssetIDs returns the distinct price-provider asset ids referenced
// by USD rules, in first-seen order.
func PriceAssetIDs(rules []Rule) []string {
	var (
		ids  []string
		seen = make(map[string]bool)
	)
	for i := range rules {
		if rules[i].Kind != TokenUSD {
			continue
		}
		if id := rules[i].PriceAssetID; id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
