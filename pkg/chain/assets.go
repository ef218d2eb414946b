package chain

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// defaultAssetPageLimit is the indexer page size. Iteration stops on
// the first short page.
const defaultAssetPageLimit = 1000

type (
	assetsByOwnerParams struct {
		OwnerAddress string `json:"ownerAddress"`
		Page         int    `json:"page"`
		Limit        int    `json:"limit"`
	}

	assetsByOwnerResult struct {
		Total int     `json:"total"`
		Items []asset `json:"items"`
	}

	asset struct {
		ID       string         `json:"id"`
		Grouping []assetGroup   `json:"grouping"`
		Content  *assetContent  `json:"content"`
	}

	assetGroup struct {
		GroupKey           string `json:"group_key"`
		GroupValue         string `json:"group_value"`
		Verified           *bool  `json:"verified"`
		CollectionVerified *bool  `json:"collection_verified"`
	}

	assetContent struct {
		Metadata struct {
			Collection *struct {
				Key      string `json:"key"`
				Verified bool   `json:"verified"`
			} `json:"collection"`
		} `json:"metadata"`
	}
)

// verifiedCollection returns the collection address the asset verifiably
// belongs to, or "" when the asset carries no verified collection
// grouping. Either the DAS grouping entry or the token metadata
// collection field may assert verification.
func (a asset) verifiedCollection() string {
	for _, g := range a.Grouping {
		if g.GroupKey != "collection" || g.GroupValue == "" {
			continue
		}
		if (g.Verified != nil && *g.Verified) || (g.CollectionVerified != nil && *g.CollectionVerified) {
			return g.GroupValue
		}
	}
	if c := a.Content; c != nil && c.Metadata.Collection != nil &&
		c.Metadata.Collection.Verified && c.Metadata.Collection.Key != "" {
		return c.Metadata.Collection.Key
	}
	return ""
}

// nftCounts pages through getAssetsByOwner and counts assets per
// verified collection. Unverified memberships are skipped entirely.
func (a *Adapter) nftCounts(ctx context.Context, owner solana.PublicKey) (map[string]int64, error) {
	counts := make(map[string]int64)
	for page := 1; ; page++ {
		var result assetsByOwnerResult
		params := assetsByOwnerParams{
			OwnerAddress: owner.String(),
			Page:         page,
			Limit:        a.pageLimit,
		}
		err := withRetry(ctx, func(ctx context.Context) error {
			result = assetsByOwnerResult{}
			return a.das.performRequest(ctx, "getAssetsByOwner", params, &result)
		})
		if err != nil {
			return nil, err
		}
		for _, item := range result.Items {
			if collection := item.verifiedCollection(); collection != "" {
				counts[collection]++
			}
		}
		if len(result.Items) < a.pageLimit {
			return counts, nil
		}
	}
}
