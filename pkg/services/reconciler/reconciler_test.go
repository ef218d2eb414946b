package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rolegate/rolegate/pkg/chain"
	"github.com/rolegate/rolegate/pkg/gate"
	"github.com/rolegate/rolegate/pkg/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	rules   map[string][]gate.Rule
	links   map[string][]storage.WalletLink
	audits  []storage.AuditEntry
	touched []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rules: make(map[string][]gate.Rule),
		links: make(map[string][]storage.WalletLink),
	}
}

func (f *fakeStore) ServerIDsWithEnabledRules(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.rules {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) ListRules(_ context.Context, serverID string, enabledOnly bool) ([]gate.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gate.Rule
	for _, r := range f.rules[serverID] {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) RoleIDsWithRules(_ context.Context, serverID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		ids  []string
		seen = make(map[string]bool)
	)
	for _, r := range f.rules[serverID] {
		if !seen[r.RoleID] {
			seen[r.RoleID] = true
			ids = append(ids, r.RoleID)
		}
	}
	return ids, nil
}

func (f *fakeStore) ListWalletLinks(_ context.Context, serverID string) ([]storage.WalletLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[serverID], nil
}

func (f *fakeStore) GetWalletLink(_ context.Context, serverID, memberID string) (storage.WalletLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links[serverID] {
		if l.MemberID == memberID {
			return l, nil
		}
	}
	return storage.WalletLink{}, storage.ErrNotFound
}

func (f *fakeStore) TouchLastChecked(_ context.Context, serverID, memberID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, serverID+"/"+memberID)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) DeleteFinishedSessions(context.Context, time.Time) (int64, error)    { return 0, nil }
func (f *fakeStore) DeleteFinishedOAuthStates(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeStore) DeleteAuditBefore(context.Context, time.Time) (int64, error)         { return 0, nil }

type fakeChain struct {
	mu        sync.Mutex
	snapshots map[string]gate.Snapshot
	err       error
	calls     int
}

func (f *fakeChain) Snapshot(_ context.Context, wallet string, _ chain.SnapshotOpts) (gate.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return gate.EmptySnapshot(wallet), f.err
	}
	if snap, ok := f.snapshots[wallet]; ok {
		return snap, nil
	}
	return gate.EmptySnapshot(wallet), nil
}

type fakePrices struct {
	prices map[string]decimal.Decimal
	err    error
}

func (f *fakePrices) GetUSDPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return f.prices, f.err
}

type fakeRoles struct {
	mu           sync.Mutex
	members      map[string]*discordgo.Member
	unmanageable map[string]bool
	added        []string
	removed      []string
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{
		members:      make(map[string]*discordgo.Member),
		unmanageable: make(map[string]bool),
	}
}

func (f *fakeRoles) Member(guildID, userID string) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[guildID+"/"+userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return m, nil
}

func (f *fakeRoles) CanManageRole(_, roleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unmanageable[roleID], nil
}

func (f *fakeRoles) AddRole(guildID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, fmt.Sprintf("%s/%s/%s", guildID, userID, roleID))
	return nil
}

func (f *fakeRoles) RemoveRole(guildID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, fmt.Sprintf("%s/%s/%s", guildID, userID, roleID))
	return nil
}

type fakeLock struct{ held bool }

func (f *fakeLock) TryAcquire(context.Context) (bool, error) { return !f.held, nil }
func (f *fakeLock) Release(context.Context)                  {}

func newTestService(t *testing.T, store *fakeStore, ch *fakeChain, prices *fakePrices, roles *fakeRoles) *Service {
	return New(Config{
		Store:          store,
		Chain:          ch,
		Prices:         prices,
		Roles:          roles,
		Lock:           &fakeLock{},
		Concurrency:    4,
		CronSpec:       "0 */12 * * *",
		AuditRetention: 90 * 24 * time.Hour,
		Log:            zaptest.NewLogger(t),
	})
}

func amountRule(id, serverID, roleID, mint, threshold string) gate.Rule {
	return gate.Rule{
		ID:              id,
		ServerID:        serverID,
		RoleID:          roleID,
		Enabled:         true,
		Kind:            gate.TokenAmount,
		Mint:            mint,
		ThresholdAmount: decimal.RequireFromString(threshold),
	}
}

func usdRule(id, serverID, roleID, mint, asset, threshold string) gate.Rule {
	return gate.Rule{
		ID:           id,
		ServerID:     serverID,
		RoleID:       roleID,
		Enabled:      true,
		Kind:         gate.TokenUSD,
		Mint:         mint,
		PriceAssetID: asset,
		ThresholdUSD: decimal.RequireFromString(threshold),
	}
}

const (
	srv    = "guild1"
	mem    = "user1"
	wallet = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	mint   = "So11111111111111111111111111111111111111112"
)

func linkFor(serverID, memberID, w string) storage.WalletLink {
	return storage.WalletLink{ServerID: serverID, MemberID: memberID, WalletPubkey: w}
}

func TestReconcileGrantsSatisfiedRole(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "10")}
	store.links[srv] = []storage.WalletLink{linkFor(srv, mem, wallet)}

	ch := &fakeChain{snapshots: map[string]gate.Snapshot{
		wallet: {Wallet: wallet, TokenBalances: map[string]decimal.Decimal{
			mint: decimal.RequireFromString("10"),
		}},
	}}
	roles := newFakeRoles()
	roles.members[srv+"/"+mem] = &discordgo.Member{}

	svc := newTestService(t, store, ch, &fakePrices{}, roles)
	require.NoError(t, svc.ReconcileAll(context.Background()))

	require.Equal(t, []string{srv + "/" + mem + "/role1"}, roles.added)
	require.Empty(t, roles.removed)
	require.Len(t, store.audits, 1)
	require.Equal(t, storage.AuditRoleAdded, store.audits[0].Action)
	require.NotNil(t, store.audits[0].RuleID)
	require.Equal(t, "r1", *store.audits[0].RuleID)
	require.Contains(t, store.audits[0].Reason, "balance 10")
	require.Equal(t, []string{srv + "/" + mem}, store.touched)
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "5")}
	store.links[srv] = []storage.WalletLink{linkFor(srv, mem, wallet)}

	ch := &fakeChain{snapshots: map[string]gate.Snapshot{
		wallet: {Wallet: wallet, TokenBalances: map[string]decimal.Decimal{
			mint: decimal.RequireFromString("7"),
		}},
	}}
	roles := newFakeRoles()
	roles.members[srv+"/"+mem] = &discordgo.Member{Roles: []string{"role1"}}

	svc := newTestService(t, store, ch, &fakePrices{}, roles)
	require.NoError(t, svc.ReconcileAll(context.Background()))
	require.NoError(t, svc.ReconcileAll(context.Background()))

	require.Empty(t, roles.added)
	require.Empty(t, roles.removed)
	require.Empty(t, store.audits)
}

func TestReconcileRevokesUnsatisfiedRole(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "100")}
	store.links[srv] = []storage.WalletLink{linkFor(srv, mem, wallet)}

	ch := &fakeChain{snapshots: map[string]gate.Snapshot{
		wallet: {Wallet: wallet, TokenBalances: map[string]decimal.Decimal{
			mint: decimal.RequireFromString("1"),
		}},
	}}
	roles := newFakeRoles()
	roles.members[srv+"/"+mem] = &discordgo.Member{Roles: []string{"role1"}}

	svc := newTestService(t, store, ch, &fakePrices{}, roles)
	require.NoError(t, svc.ReconcileAll(context.Background()))

	require.Empty(t, roles.added)
	require.Equal(t, []string{srv + "/" + mem + "/role1"}, roles.removed)
	require.Len(t, store.audits, 1)
	require.Equal(t, storage.AuditRoleRemoved, store.audits[0].Action)
	require.Nil(t, store.audits[0].RuleID)
	require.Equal(t, "no active rule satisfied for role", store.audits[0].Reason)
}

func TestChainFailureLeavesRolesUntouched(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "100")}
	store.links[srv] = []storage.WalletLink{linkFor(srv, mem, wallet)}

	ch := &fakeChain{err: chain.ErrUpstreamUnavailable}
	roles := newFakeRoles()
	roles.members[srv+"/"+mem] = &discordgo.Member{Roles: []string{"role1"}}

	svc := newTestService(t, store, ch, &fakePrices{}, roles)
	require.NoError(t, svc.ReconcileAll(context.Background()))

	require.Empty(t, roles.added)
	require.Empty(t, roles.removed)
	require.Empty(t, store.audits)
	// The check still counts as attempted.
	require.Equal(t, []string{srv + "/" + mem}, store.touched)
}

func TestPriceFailureBlocksRevocationOnly(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{
		usdRule("usd1", srv, "role1", mint, "solana", "50"),
		amountRule("amt1", srv, "role2", mint, "1"),
	}
	store.links[srv] = []storage.WalletLink{linkFor(srv, mem, wallet)}

	ch := &fakeChain{snapshots: map[string]gate.Snapshot{
		wallet: {Wallet: wallet, TokenBalances: map[string]decimal.Decimal{
			mint: decimal.RequireFromString("2"),
		}},
	}}
	roles := newFakeRoles()
	roles.members[srv+"/"+mem] = &discordgo.Member{Roles: []string{"role1"}}

	svc := newTestService(t, store, ch, &fakePrices{err: errors.New("provider down")}, roles)
	require.NoError(t, svc.ReconcileAll(context.Background()))

	// The indeterminate USD rule must not revoke role1; the amount rule
	// still grants role2 from the same snapshot.
	require.Equal(t, []string{srv + "/" + mem + "/role2"}, roles.added)
	require.Empty(t, roles.removed)
}

func TestUnmanageableRoleIsSkipped(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "1")}
	store.links[srv] = []storage.WalletLink{linkFor(srv, mem, wallet)}

	ch := &fakeChain{snapshots: map[string]gate.Snapshot{
		wallet: {Wallet: wallet, TokenBalances: map[string]decimal.Decimal{
			mint: decimal.RequireFromString("5"),
		}},
	}}
	roles := newFakeRoles()
	roles.members[srv+"/"+mem] = &discordgo.Member{}
	roles.unmanageable["role1"] = true

	svc := newTestService(t, store, ch, &fakePrices{}, roles)
	require.NoError(t, svc.ReconcileAll(context.Background()))

	require.Empty(t, roles.added)
	require.Empty(t, store.audits)
}

// blockingChain parks every snapshot call until release is closed;
// arrivals observes which calls are in flight.
type blockingChain struct {
	arrivals chan string
	release  chan struct{}
}

func (f *blockingChain) Snapshot(_ context.Context, wallet string, _ chain.SnapshotOpts) (gate.Snapshot, error) {
	f.arrivals <- wallet
	<-f.release
	return gate.EmptySnapshot(wallet), nil
}

func TestCycleFansOutMembersWithinServer(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "1")}
	store.links[srv] = []storage.WalletLink{
		linkFor(srv, "m1", "wallet1"),
		linkFor(srv, "m2", "wallet2"),
	}
	roles := newFakeRoles()
	roles.members[srv+"/m1"] = &discordgo.Member{}
	roles.members[srv+"/m2"] = &discordgo.Member{}

	ch := &blockingChain{arrivals: make(chan string, 4), release: make(chan struct{})}
	svc := New(Config{
		Store:       store,
		Chain:       ch,
		Prices:      &fakePrices{},
		Roles:       roles,
		Lock:        &fakeLock{},
		Concurrency: 2,
		CronSpec:    "0 */12 * * *",
		Log:         zaptest.NewLogger(t),
	})

	done := make(chan error, 1)
	go func() { done <- svc.ReconcileAll(context.Background()) }()

	// Both member snapshots must be in flight at once: the first call
	// blocks until release, so the second can only arrive if members
	// fan out in parallel.
	for i := 0; i < 2; i++ {
		select {
		case <-ch.arrivals:
		case <-time.After(5 * time.Second):
			t.Fatal("second member snapshot never started while the first was blocked")
		}
	}
	close(ch.release)
	require.NoError(t, <-done)
}

func TestCycleWalksServersSequentially(t *testing.T) {
	store := newFakeStore()
	store.rules["guildA"] = []gate.Rule{amountRule("ra", "guildA", "role1", mint, "1")}
	store.rules["guildB"] = []gate.Rule{amountRule("rb", "guildB", "role1", mint, "1")}
	store.links["guildA"] = []storage.WalletLink{linkFor("guildA", mem, "wallet1")}
	store.links["guildB"] = []storage.WalletLink{linkFor("guildB", mem, "wallet2")}
	roles := newFakeRoles()
	roles.members["guildA/"+mem] = &discordgo.Member{}
	roles.members["guildB/"+mem] = &discordgo.Member{}

	ch := &blockingChain{arrivals: make(chan string, 4), release: make(chan struct{})}
	svc := New(Config{
		Store:       store,
		Chain:       ch,
		Prices:      &fakePrices{},
		Roles:       roles,
		Lock:        &fakeLock{},
		Concurrency: 4,
		CronSpec:    "0 */12 * * *",
		Log:         zaptest.NewLogger(t),
	})

	done := make(chan error, 1)
	go func() { done <- svc.ReconcileAll(context.Background()) }()

	select {
	case <-ch.arrivals:
	case <-time.After(5 * time.Second):
		t.Fatal("first snapshot never started")
	}
	// While the first server's only member blocks, the other server must
	// not start.
	select {
	case w := <-ch.arrivals:
		t.Fatalf("snapshot for %s started before the first server finished", w)
	case <-time.After(100 * time.Millisecond):
	}
	close(ch.release)
	require.NoError(t, <-done)
}

func TestMissingMemberIsSkipped(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "1")}
	store.links[srv] = []storage.WalletLink{linkFor(srv, "gone", wallet)}

	ch := &fakeChain{}
	svc := newTestService(t, store, ch, &fakePrices{}, newFakeRoles())
	require.NoError(t, svc.ReconcileAll(context.Background()))

	require.Zero(t, ch.calls)
	require.Empty(t, store.touched)
}

func TestStripRemovesOnlyHeldGatedRoles(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{
		amountRule("r1", srv, "role1", mint, "1"),
		amountRule("r2", srv, "role2", mint, "1"),
	}
	roles := newFakeRoles()
	roles.members[srv+"/"+mem] = &discordgo.Member{Roles: []string{"role1", "unrelated"}}

	svc := newTestService(t, store, &fakeChain{}, &fakePrices{}, roles)
	require.NoError(t, svc.processTask(context.Background(), task{ServerID: srv, MemberID: mem, Strip: true}))

	require.Equal(t, []string{srv + "/" + mem + "/role1"}, roles.removed)
	require.Len(t, store.audits, 1)
	require.Equal(t, storage.AuditRoleRemoved, store.audits[0].Action)
	require.Equal(t, "wallet unlinked", store.audits[0].Reason)
}

func TestMemberTaskWithoutLinkIsNoop(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "1")}

	ch := &fakeChain{}
	svc := newTestService(t, store, ch, &fakePrices{}, newFakeRoles())
	require.NoError(t, svc.processTask(context.Background(), task{ServerID: srv, MemberID: "unlinked"}))
	require.Zero(t, ch.calls)
}

func TestMemberTaskChecksOneMember(t *testing.T) {
	store := newFakeStore()
	store.rules[srv] = []gate.Rule{amountRule("r1", srv, "role1", mint, "1")}
	store.links[srv] = []storage.WalletLink{
		linkFor(srv, mem, wallet),
		linkFor(srv, "other", "4Nd1mYtJDSoXyQmVEK2RCVoTmnsYJ1Q66fWzk8gNkQmV"),
	}

	ch := &fakeChain{snapshots: map[string]gate.Snapshot{
		wallet: {Wallet: wallet, TokenBalances: map[string]decimal.Decimal{
			mint: decimal.RequireFromString("3"),
		}},
	}}
	roles := newFakeRoles()
	roles.members[srv+"/"+mem] = &discordgo.Member{}

	svc := newTestService(t, store, ch, &fakePrices{}, roles)
	require.NoError(t, svc.processTask(context.Background(), task{ServerID: srv, MemberID: mem}))

	require.Equal(t, 1, ch.calls)
	require.Equal(t, []string{srv + "/" + mem + "/role1"}, roles.added)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeChain{}, &fakePrices{}, newFakeRoles())
	// Without a consumer the queue fills to capacity; further enqueues
	// must drop instead of blocking.
	for i := 0; i < queueCap+10; i++ {
		svc.EnqueueRecheck(srv, fmt.Sprintf("member%d", i))
	}
	require.Len(t, svc.queue, queueCap)
}

func TestStartShutdown(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeChain{}, &fakePrices{}, newFakeRoles())
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Start()) // second call is a no-op
	svc.Shutdown()
}
