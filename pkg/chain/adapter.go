package chain

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rolegate/rolegate/pkg/gate"
)

type (
	// Adapter reads wallet holdings from the chain. It talks to two
	// upstreams: the Solana RPC node for token balances and the DAS
	// indexer for NFTs.
	Adapter struct {
		rpc       *rpcClient
		das       *rpcClient
		pageLimit int
		log       *zap.Logger
	}

	// Config contains adapter parameters.
	Config struct {
		RPCURL     string
		IndexerURL string
		// Client overrides the HTTP client, used in tests.
		Client httpDoer
		// PageLimit overrides the indexer page size, used in tests.
		PageLimit int
		Log       *zap.Logger
	}

	// SnapshotOpts selects which holdings slices the snapshot includes.
	// Fetching only what the rule set needs keeps upstream load down.
	SnapshotOpts struct {
		IncludeTokens bool
		IncludeNFTs   bool
	}
)

// NewAdapter creates a chain-holdings adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	limit := cfg.PageLimit
	if limit <= 0 {
		limit = defaultAssetPageLimit
	}
	return &Adapter{
		rpc:       newRPCClient(cfg.RPCURL, cfg.Client),
		das:       newRPCClient(cfg.IndexerURL, cfg.Client),
		pageLimit: limit,
		log:       cfg.Log,
	}
}

// Snapshot fetches the requested holdings slices for the wallet. When
// both include flags are false it returns an empty snapshot without any
// network calls. Upstream failures surface as ErrUpstreamUnavailable
// after the retry schedule is exhausted.
func (a *Adapter) Snapshot(ctx context.Context, wallet string, opts SnapshotOpts) (gate.Snapshot, error) {
	snap := gate.EmptySnapshot(wallet)
	if !opts.IncludeTokens && !opts.IncludeNFTs {
		return snap, nil
	}

	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return snap, fmt.Errorf("invalid wallet pubkey %q: %w", wallet, err)
	}

	if opts.IncludeTokens {
		balances, err := a.tokenBalances(ctx, owner)
		if err != nil {
			return snap, err
		}
		snap.TokenBalances = balances
	}
	if opts.IncludeNFTs {
		counts, err := a.nftCounts(ctx, owner)
		if err != nil {
			return snap, err
		}
		snap.NFTCounts = counts
	}
	return snap, nil
}

var _ httpDoer = (*http.Client)(nil)
