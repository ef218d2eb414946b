package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testWallet = "So11111111111111111111111111111111111111112"

func shortBackoff(t *testing.T) {
	t.Helper()
	saved := backoffSchedule
	backoffSchedule = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { backoffSchedule = saved })
}

// rpcHandler answers JSON-RPC requests with canned per-method results.
func rpcHandler(t *testing.T, results map[string]func(params json.RawMessage) any) (*httptest.Server, *int) {
	t.Helper()
	calls := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fn, ok := results[req.Method]
		if !ok {
			http.Error(w, "no such method", http.StatusInternalServerError)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": fn(req.Params)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func tokenAccount(mint, uiAmount string) map[string]any {
	return map[string]any{
		"pubkey": "acc",
		"account": map[string]any{
			"data": map[string]any{
				"parsed": map[string]any{
					"info": map[string]any{
						"mint":        mint,
						"tokenAmount": map[string]any{"uiAmountString": uiAmount, "amount": "0", "decimals": 9},
					},
				},
			},
		},
	}
}

func TestSnapshotTokenAggregation(t *testing.T) {
	srv, _ := rpcHandler(t, map[string]func(json.RawMessage) any{
		"getTokenAccountsByOwner": func(json.RawMessage) any {
			return map[string]any{"value": []any{
				tokenAccount("MintA", "10.5"),
				tokenAccount("MintA", "4.5"), // duplicate account for the same mint
				tokenAccount("MintB", "0"),
			}}
		},
	})

	a := NewAdapter(Config{RPCURL: srv.URL, IndexerURL: srv.URL, Log: zaptest.NewLogger(t)})
	snap, err := a.Snapshot(context.Background(), testWallet, SnapshotOpts{IncludeTokens: true})
	require.NoError(t, err)
	require.Equal(t, "15", snap.Balance("MintA").String())
	require.True(t, snap.Balance("MintB").IsZero())
	_, hasB := snap.TokenBalances["MintB"]
	require.True(t, hasB, "zero-balance accounts are kept")
	require.Empty(t, snap.NFTCounts)
}

func TestSnapshotNFTVerifiedFilterAndPagination(t *testing.T) {
	verified := true
	unverified := false
	pages := [][]map[string]any{
		{
			{"id": "1", "grouping": []any{map[string]any{"group_key": "collection", "group_value": "CollA", "verified": verified}}},
			{"id": "2", "grouping": []any{map[string]any{"group_key": "collection", "group_value": "CollA", "collection_verified": verified}}},
			{"id": "3", "grouping": []any{map[string]any{"group_key": "collection", "group_value": "CollB", "verified": unverified}}},
		},
		{
			{"id": "4", "content": map[string]any{"metadata": map[string]any{"collection": map[string]any{"key": "CollC", "verified": true}}}},
			{"id": "5"}, // no collection at all
		},
	}
	page := 0
	srv, _ := rpcHandler(t, map[string]func(json.RawMessage) any{
		"getAssetsByOwner": func(json.RawMessage) any {
			items := pages[page]
			page++
			return map[string]any{"total": 5, "items": items}
		},
	})

	a := NewAdapter(Config{RPCURL: srv.URL, IndexerURL: srv.URL, PageLimit: 3, Log: zaptest.NewLogger(t)})
	snap, err := a.Snapshot(context.Background(), testWallet, SnapshotOpts{IncludeNFTs: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), snap.NFTCount("CollA"))
	require.Equal(t, int64(0), snap.NFTCount("CollB"), "unverified grouping is skipped")
	require.Equal(t, int64(1), snap.NFTCount("CollC"))
	require.Equal(t, 2, page, "stops on first short page")
}

func TestSnapshotNoFlagsNoNetwork(t *testing.T) {
	srv, calls := rpcHandler(t, nil)
	a := NewAdapter(Config{RPCURL: srv.URL, IndexerURL: srv.URL, Log: zaptest.NewLogger(t)})

	snap, err := a.Snapshot(context.Background(), "not-even-a-valid-key!", SnapshotOpts{})
	require.NoError(t, err)
	require.Empty(t, snap.TokenBalances)
	require.Empty(t, snap.NFTCounts)
	require.Zero(t, *calls)
}

func TestSnapshotUpstreamUnavailableAfterRetries(t *testing.T) {
	shortBackoff(t)
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	a := NewAdapter(Config{RPCURL: srv.URL, IndexerURL: srv.URL, Log: zaptest.NewLogger(t)})
	_, err := a.Snapshot(context.Background(), testWallet, SnapshotOpts{IncludeTokens: true})
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.Equal(t, 4, attempts, "bounded retry schedule")
}

func TestSnapshotRecoversWithinRetryBudget(t *testing.T) {
	shortBackoff(t)
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			ID uint64 `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{"value": []any{tokenAccount("MintA", "1")}},
		})
	}))
	t.Cleanup(srv.Close)

	a := NewAdapter(Config{RPCURL: srv.URL, IndexerURL: srv.URL, Log: zaptest.NewLogger(t)})
	snap, err := a.Snapshot(context.Background(), testWallet, SnapshotOpts{IncludeTokens: true})
	require.NoError(t, err)
	require.Equal(t, "1", snap.Balance("MintA").String())
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, func(context.Context) error { return errors.New("always fails") })
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}
