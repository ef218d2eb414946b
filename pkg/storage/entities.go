package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rolegate/rolegate/pkg/gate"
)

// AuditAction enumerates the recorded audit entry kinds.
type AuditAction string

// Audit actions.
const (
	AuditRoleAdded      AuditAction = "ROLE_ADDED"
	AuditRoleRemoved    AuditAction = "ROLE_REMOVED"
	AuditVerifySuccess  AuditAction = "VERIFY_SUCCESS"
	AuditVerifyReplaced AuditAction = "VERIFY_REPLACED"
	AuditVerifyUnlinked AuditAction = "VERIFY_UNLINKED"
)

// PriceSourceCoinGecko is the only supported price source.
const PriceSourceCoinGecko = "COINGECKO"

type (
	// Server is a chat community known to the service. Created on first
	// interaction, never deleted.
	Server struct {
		ServerID  string
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// WalletLink binds one member of one server to a wallet public key.
	WalletLink struct {
		ID            string
		ServerID      string
		MemberID      string
		WalletPubkey  string
		VerifiedAt    time.Time
		LastCheckedAt *time.Time
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// VerifySession is a single-use wallet verification challenge.
	VerifySession struct {
		ID               string
		ServerID         string
		MemberID         string
		Nonce            string
		ChallengeMessage string
		ExpiresAt        time.Time
		UsedAt           *time.Time
		CreatedAt        time.Time
	}

	// RuleRow is the wide stored form of a gating rule. The in-memory
	// value handed to the evaluator is the gate.Rule sum type.
	RuleRow struct {
		ID                string
		ServerID          string
		RoleID            string
		Enabled           bool
		Kind              string
		Mint              *string
		ThresholdAmount   *decimal.Decimal
		ThresholdUSD      *decimal.Decimal
		PriceSource       *string
		PriceAssetID      *string
		CollectionAddress *string
		ThresholdCount    *int64
		CreatedBy         string
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	// AuditEntry is an append-only record of a role or verification
	// event.
	AuditEntry struct {
		ID       string
		At       time.Time
		ServerID string
		MemberID string
		RuleID   *string
		RoleID   string
		Action   AuditAction
		Reason   string
	}

	// PriceQuote is a cached USD quote for one provider asset id.
	PriceQuote struct {
		AssetID   string
		PriceUSD  decimal.Decimal
		FetchedAt time.Time
	}

	// OAuthState is a single-use CSRF state for the admin login flow.
	OAuthState struct {
		State        string
		Nonce        string
		RedirectPath string
		ExpiresAt    time.Time
		UsedAt       *time.Time
	}
)

// Rule converts the wide row into the tagged in-memory variant.
func (r RuleRow) Rule() (gate.Rule, error) {
	kind, err := gate.KindFromString(r.Kind)
	if err != nil {
		return gate.Rule{}, err
	}
	rule := gate.Rule{
		ID:       r.ID,
		ServerID: r.ServerID,
		RoleID:   r.RoleID,
		Enabled:  r.Enabled,
		Kind:     kind,
	}
	switch kind {
	case gate.TokenAmount:
		if r.Mint == nil || r.ThresholdAmount == nil {
			return gate.Rule{}, fmt.Errorf("rule %s: token amount fields missing", r.ID)
		}
		rule.Mint = *r.Mint
		rule.ThresholdAmount = *r.ThresholdAmount
	case gate.TokenUSD:
		if r.Mint == nil || r.ThresholdUSD == nil || r.PriceAssetID == nil {
			return gate.Rule{}, fmt.Errorf("rule %s: token USD fields missing", r.ID)
		}
		rule.Mint = *r.Mint
		rule.ThresholdUSD = *r.ThresholdUSD
		rule.PriceAssetID = *r.PriceAssetID
	case gate.NFTCollection:
		if r.CollectionAddress == nil || r.ThresholdCount == nil {
			return gate.Rule{}, fmt.Errorf("rule %s: NFT collection fields missing", r.ID)
		}
		rule.CollectionAddress = *r.CollectionAddress
		rule.ThresholdCount = *r.ThresholdCount
	}
	return rule, nil
}

// RowFromRule converts a validated gate.Rule into its stored form.
func RowFromRule(rule gate.Rule, createdBy string) RuleRow {
	row := RuleRow{
		ID:        rule.ID,
		ServerID:  rule.ServerID,
		RoleID:    rule.RoleID,
		Enabled:   rule.Enabled,
		Kind:      rule.Kind.String(),
		CreatedBy: createdBy,
	}
	switch rule.Kind {
	case gate.TokenAmount:
		mint, amount := rule.Mint, rule.ThresholdAmount
		row.Mint, row.ThresholdAmount = &mint, &amount
	case gate.TokenUSD:
		mint, usd, asset, src := rule.Mint, rule.ThresholdUSD, rule.PriceAssetID, PriceSourceCoinGecko
		row.Mint, row.ThresholdUSD, row.PriceAssetID, row.PriceSource = &mint, &usd, &asset, &src
	case gate.NFTCollection:
		addr, count := rule.CollectionAddress, rule.ThresholdCount
		row.CollectionAddress, row.ThresholdCount = &addr, &count
	}
	return row
}
