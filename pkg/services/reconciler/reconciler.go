// Package reconciler runs the periodic and on-demand role
// reconciliation: it reads wallet holdings, evaluates the server's
// gating rules and converges Discord roles to the decisions.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rolegate/rolegate/pkg/chain"
	"github.com/rolegate/rolegate/pkg/discord"
	"github.com/rolegate/rolegate/pkg/gate"
	"github.com/rolegate/rolegate/pkg/storage"
)

const (
	// queueCap bounds the on-demand recheck queue; enqueues beyond it
	// are dropped and counted.
	queueCap = 1024
	// taskTimeout bounds one on-demand task.
	taskTimeout = 2 * time.Minute
	// cycleTimeout bounds one full scheduled cycle.
	cycleTimeout = 30 * time.Minute
	// cleanupSpec schedules the daily retention pass.
	cleanupSpec = "30 4 * * *"
)

type (
	// Store is the part of the persistence layer the worker needs.
	Store interface {
		ServerIDsWithEnabledRules(ctx context.Context) ([]string, error)
		ListRules(ctx context.Context, serverID string, enabledOnly bool) ([]gate.Rule, error)
		RoleIDsWithRules(ctx context.Context, serverID string) ([]string, error)
		ListWalletLinks(ctx context.Context, serverID string) ([]storage.WalletLink, error)
		GetWalletLink(ctx context.Context, serverID, memberID string) (storage.WalletLink, error)
		TouchLastChecked(ctx context.Context, serverID, memberID string, at time.Time) error
		AppendAudit(ctx context.Context, e storage.AuditEntry) error
		DeleteFinishedSessions(ctx context.Context, now time.Time) (int64, error)
		DeleteFinishedOAuthStates(ctx context.Context, now time.Time) (int64, error)
		DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}

	// HoldingsSource reads wallet holdings from the chain.
	HoldingsSource interface {
		Snapshot(ctx context.Context, wallet string, opts chain.SnapshotOpts) (gate.Snapshot, error)
	}

	// PriceSource serves USD quotes for price-provider asset ids.
	PriceSource interface {
		GetUSDPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error)
	}

	// RoleManager is the part of the Discord client the worker needs.
	RoleManager interface {
		Member(guildID, userID string) (*discordgo.Member, error)
		CanManageRole(guildID, roleID string) (bool, error)
		AddRole(guildID, userID, roleID string) error
		RemoveRole(guildID, userID, roleID string) error
	}

	// Locker serializes scheduled cycles across processes.
	Locker interface {
		TryAcquire(ctx context.Context) (bool, error)
		Release(ctx context.Context)
	}

	// Service is the reconciliation worker.
	Service struct {
		Config

		started *atomic.Bool
		queue   chan task
		stopCh  chan struct{}
		done    chan struct{}
		cron    *cron.Cron
	}

	// Config contains worker parameters.
	Config struct {
		Store  Store
		Chain  HoldingsSource
		Prices PriceSource
		Roles  RoleManager
		Lock   Locker

		// Concurrency caps the number of members reconciled in parallel
		// within one server during a scheduled cycle.
		Concurrency int
		// CronSpec schedules the full cycle, in standard cron syntax.
		CronSpec string
		// AuditRetention bounds how long audit entries are kept.
		AuditRetention time.Duration

		Log *zap.Logger
		// Now is the clock, overridable in tests.
		Now func() time.Time
	}

	// task is one queued on-demand job. An empty MemberID means the
	// whole server; Strip removes every gated role instead of
	// evaluating rules.
	task struct {
		ServerID string
		MemberID string
		Strip    bool
	}
)

// New creates the worker. Call Start to launch the queue consumer and
// the cron schedule.
func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Service{
		Config:  cfg,
		started: atomic.NewBool(false),
		queue:   make(chan task, queueCap),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the queue consumer and the cron schedule. Calling it
// twice is a no-op.
func (s *Service) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.CronSpec, s.runScheduledCycle); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.CronSpec, err)
	}
	if _, err := s.cron.AddFunc(cleanupSpec, s.runCleanup); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.cron.Start()
	go s.consumeQueue()
	s.Log.Info("reconciliation worker started", zap.String("schedule", s.CronSpec))
	return nil
}

// Shutdown stops the schedule and the queue consumer. Queued tasks not
// yet picked up are dropped; the next scheduled cycle covers them.
func (s *Service) Shutdown() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	<-s.cron.Stop().Done()
	close(s.stopCh)
	<-s.done
	s.Log.Info("reconciliation worker stopped")
}

// EnqueueRecheck queues a holdings recheck for one member, or for every
// linked member of the server when memberID is empty. It never blocks;
// when the queue is full the task is dropped and the scheduled cycle
// picks the member up later.
func (s *Service) EnqueueRecheck(serverID, memberID string) {
	s.enqueue(task{ServerID: serverID, MemberID: memberID})
}

// EnqueueRoleStrip queues removal of every gated role from the member,
// used after a wallet unlink.
func (s *Service) EnqueueRoleStrip(serverID, memberID string) {
	s.enqueue(task{ServerID: serverID, MemberID: memberID, Strip: true})
}

func (s *Service) enqueue(t task) {
	select {
	case s.queue <- t:
	default:
		droppedTasks.Inc()
		s.Log.Warn("recheck queue full, dropping task",
			zap.String("server", t.ServerID), zap.String("member", t.MemberID))
	}
}

func (s *Service) consumeQueue() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
			if err := s.processTask(ctx, t); err != nil {
				s.Log.Error("recheck task failed",
					zap.String("server", t.ServerID), zap.String("member", t.MemberID), zap.Error(err))
			}
			cancel()
		}
	}
}

func (s *Service) processTask(ctx context.Context, t task) error {
	if t.Strip {
		return s.stripRoles(ctx, t.ServerID, t.MemberID)
	}
	if t.MemberID == "" {
		return s.reconcileServer(ctx, t.ServerID)
	}
	link, err := s.Store.GetWalletLink(ctx, t.ServerID, t.MemberID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rules, err := s.Store.ListRules(ctx, t.ServerID, true)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	return s.reconcileMember(ctx, link, rules, s.loadPrices(ctx, rules))
}

// runScheduledCycle is the cron entry point for the full cycle. The
// advisory lock ensures at most one process runs it at a time.
func (s *Service) runScheduledCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	acquired, err := s.Lock.TryAcquire(ctx)
	if err != nil {
		s.Log.Error("failed to acquire run lock", zap.Error(err))
		return
	}
	if !acquired {
		s.Log.Info("another process holds the run lock, skipping cycle")
		return
	}
	defer s.Lock.Release(ctx)

	if err := s.ReconcileAll(ctx); err != nil {
		s.Log.Error("reconciliation cycle failed", zap.Error(err))
	}
}

// ReconcileAll runs one full cycle over every server with enabled
// rules. Servers are walked one at a time; the fan-out happens over the
// members of each server. Server failures are isolated: one failing
// server does not abort the others.
func (s *Service) ReconcileAll(ctx context.Context) error {
	start := s.Now()
	serverIDs, err := s.Store.ServerIDsWithEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}

	for _, serverID := range serverIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.reconcileServer(ctx, serverID); err != nil {
			s.Log.Error("server reconciliation failed",
				zap.String("server", serverID), zap.Error(err))
		}
	}

	cyclesDone.Inc()
	s.Log.Info("reconciliation cycle finished",
		zap.Int("servers", len(serverIDs)), zap.Duration("took", s.Now().Sub(start)))
	return nil
}

func (s *Service) reconcileServer(ctx context.Context, serverID string) error {
	rules, err := s.Store.ListRules(ctx, serverID, true)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	links, err := s.Store.ListWalletLinks(ctx, serverID)
	if err != nil {
		return err
	}
	prices := s.loadPrices(ctx, rules)

	var g errgroup.Group
	g.SetLimit(s.Concurrency)
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			break
		}
		link := link
		g.Go(func() error {
			if err := s.reconcileMember(ctx, link, rules, prices); err != nil {
				s.Log.Error("member reconciliation failed",
					zap.String("server", serverID), zap.String("member", link.MemberID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// loadPrices fetches the quotes the rule set needs. A provider failure
// yields an empty map, which makes USD rules indeterminate so no role
// is revoked on stale pricing.
func (s *Service) loadPrices(ctx context.Context, rules []gate.Rule) map[string]decimal.Decimal {
	assetIDs := gate.PriceAssetIDs(rules)
	if len(assetIDs) == 0 {
		return nil
	}
	prices, err := s.Prices.GetUSDPrices(ctx, assetIDs)
	if err != nil {
		upstreamFailures.WithLabelValues("prices").Inc()
		s.Log.Warn("price provider unavailable, USD rules indeterminate", zap.Error(err))
		return nil
	}
	return prices
}

func (s *Service) reconcileMember(ctx context.Context, link storage.WalletLink, rules []gate.Rule, prices map[string]decimal.Decimal) error {
	member, err := s.Roles.Member(link.ServerID, link.MemberID)
	if err != nil {
		// The member left the server or is otherwise unreachable;
		// nothing to converge.
		s.Log.Debug("member not resolvable, skipping",
			zap.String("server", link.ServerID), zap.String("member", link.MemberID), zap.Error(err))
		return nil
	}

	opts := chain.SnapshotOpts{
		IncludeTokens: gate.NeedTokenBalances(rules),
		IncludeNFTs:   gate.NeedNFTCounts(rules),
	}
	snap, err := s.Chain.Snapshot(ctx, link.WalletPubkey, opts)
	if err != nil {
		// Fail open: an unreadable chain must never strip roles.
		upstreamFailures.WithLabelValues("chain").Inc()
		s.Log.Warn("holdings unavailable, leaving roles untouched",
			zap.String("wallet", link.WalletPubkey), zap.Error(err))
		s.touch(ctx, link)
		return nil
	}

	evals := gate.Evaluate(rules, snap, prices)
	byRule := make(map[string]gate.Evaluation, len(evals))
	for _, ev := range evals {
		byRule[ev.RuleID] = ev
	}
	for _, d := range gate.Decide(evals) {
		s.applyDecision(ctx, link, member, d, byRule)
	}

	membersChecked.Inc()
	s.touch(ctx, link)
	return nil
}

// applyDecision converges one role of one member. Indeterminate
// decisions and no-op states leave the role as is. A grant is audited
// with the first matched rule's id and reason.
func (s *Service) applyDecision(ctx context.Context, link storage.WalletLink, member *discordgo.Member, d gate.RoleDecision, byRule map[string]gate.Evaluation) {
	has := discord.MemberHasRole(member, d.RoleID)
	var (
		grant  = d.ShouldHave == gate.True && !has
		revoke = d.ShouldHave == gate.False && has
	)
	if !grant && !revoke {
		return
	}
	if !s.manageable(link.ServerID, d.RoleID) {
		return
	}

	if grant {
		if err := s.Roles.AddRole(link.ServerID, link.MemberID, d.RoleID); err != nil {
			s.Log.Error("failed to grant role",
				zap.String("role", d.RoleID), zap.String("member", link.MemberID), zap.Error(err))
			return
		}
		roleMutations.WithLabelValues("add").Inc()
		ruleID := d.MatchedRuleIDs[0]
		s.audit(ctx, link, d.RoleID, storage.AuditRoleAdded, &ruleID, byRule[ruleID].Reason)
		return
	}

	if err := s.Roles.RemoveRole(link.ServerID, link.MemberID, d.RoleID); err != nil {
		s.Log.Error("failed to revoke role",
			zap.String("role", d.RoleID), zap.String("member", link.MemberID), zap.Error(err))
		return
	}
	roleMutations.WithLabelValues("remove").Inc()
	s.audit(ctx, link, d.RoleID, storage.AuditRoleRemoved, nil, "no active rule satisfied for role")
}

// stripRoles removes every gated role the member still holds. Used
// after an unlink, where no snapshot is taken at all.
func (s *Service) stripRoles(ctx context.Context, serverID, memberID string) error {
	roleIDs, err := s.Store.RoleIDsWithRules(ctx, serverID)
	if err != nil {
		return err
	}
	member, err := s.Roles.Member(serverID, memberID)
	if err != nil {
		s.Log.Debug("member not resolvable, skipping strip",
			zap.String("server", serverID), zap.String("member", memberID), zap.Error(err))
		return nil
	}
	link := storage.WalletLink{ServerID: serverID, MemberID: memberID}
	for _, roleID := range roleIDs {
		if !discord.MemberHasRole(member, roleID) {
			continue
		}
		if !s.manageable(serverID, roleID) {
			continue
		}
		if err := s.Roles.RemoveRole(serverID, memberID, roleID); err != nil {
			s.Log.Error("failed to strip role",
				zap.String("role", roleID), zap.String("member", memberID), zap.Error(err))
			continue
		}
		roleMutations.WithLabelValues("remove").Inc()
		s.audit(ctx, link, roleID, storage.AuditRoleRemoved, nil, "wallet unlinked")
	}
	return nil
}

func (s *Service) manageable(serverID, roleID string) bool {
	ok, err := s.Roles.CanManageRole(serverID, roleID)
	if err != nil {
		s.Log.Warn("manageability check failed",
			zap.String("server", serverID), zap.String("role", roleID), zap.Error(err))
		return false
	}
	if !ok {
		s.Log.Warn("role not manageable by bot, skipping",
			zap.String("server", serverID), zap.String("role", roleID))
	}
	return ok
}

func (s *Service) audit(ctx context.Context, link storage.WalletLink, roleID string, action storage.AuditAction, ruleID *string, reason string) {
	err := s.Store.AppendAudit(ctx, storage.AuditEntry{
		ServerID: link.ServerID,
		MemberID: link.MemberID,
		RuleID:   ruleID,
		RoleID:   roleID,
		Action:   action,
		Reason:   reason,
	})
	if err != nil {
		s.Log.Warn("failed to record audit entry", zap.Error(err))
	}
}

func (s *Service) touch(ctx context.Context, link storage.WalletLink) {
	if err := s.Store.TouchLastChecked(ctx, link.ServerID, link.MemberID, s.Now()); err != nil {
		s.Log.Warn("failed to touch wallet link", zap.Error(err))
	}
}

// runCleanup is the cron entry point for the daily retention pass.
func (s *Service) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	if err := s.Cleanup(ctx); err != nil {
		s.Log.Error("cleanup failed", zap.Error(err))
	}
}

// Cleanup prunes finished verification sessions, finished login states
// and audit entries past retention.
func (s *Service) Cleanup(ctx context.Context) error {
	now := s.Now()
	sessions, err := s.Store.DeleteFinishedSessions(ctx, now)
	if err != nil {
		return fmt.Errorf("prune verify sessions: %w", err)
	}
	states, err := s.Store.DeleteFinishedOAuthStates(ctx, now)
	if err != nil {
		return fmt.Errorf("prune oauth states: %w", err)
	}
	audits, err := s.Store.DeleteAuditBefore(ctx, now.Add(-s.AuditRetention))
	if err != nil {
		return fmt.Errorf("prune audit entries: %w", err)
	}
	s.Log.Info("cleanup finished",
		zap.Int64("sessions", sessions), zap.Int64("states", states), zap.Int64("audits", audits))
	return nil
}
