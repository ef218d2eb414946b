package gate

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Evaluate runs every rule against the snapshot and returns exactly one
// evaluation per rule, in rule order. prices maps price-provider asset
// ids to USD quotes; a missing entry makes the corresponding USD rule
// indeterminate. Evaluate has no side effects.
func Evaluate(rules []Rule, snap Snapshot, prices map[string]decimal.Decimal) []Evaluation {
	evals := make([]Evaluation, 0, len(rules))
	for i := range rules {
		evals = append(evals, evaluateOne(&rules[i], snap, prices))
	}
	return evals
}

func evaluateOne(r *Rule, snap Snapshot, prices map[string]decimal.Decimal) Evaluation {
	ev := Evaluation{RuleID: r.ID, RoleID: r.RoleID}
	switch r.Kind {
	case TokenAmount:
		balance := snap.Balance(r.Mint)
		ev.Satisfied = fromBool(balance.GreaterThanOrEqual(r.ThresholdAmount))
		ev.Reason = fmt.Sprintf("balance %s of mint %s %s threshold %s",
			balance, r.Mint, cmpWord(ev.Satisfied), r.ThresholdAmount)
	case TokenUSD:
		price, ok := prices[r.PriceAssetID]
		if !ok {
			ev.Satisfied = Indeterminate
			ev.Reason = fmt.Sprintf("no USD price available for asset %s", r.PriceAssetID)
			break
		}
		balance := snap.Balance(r.Mint)
		value := balance.Mul(price)
		ev.Satisfied = fromBool(value.GreaterThanOrEqual(r.ThresholdUSD))
		ev.Reason = fmt.Sprintf("value %s USD (%s × %s) of mint %s %s threshold %s USD",
			value, balance, price, r.Mint, cmpWord(ev.Satisfied), r.ThresholdUSD)
	case NFTCollection:
		count := snap.NFTCount(r.CollectionAddress)
		ev.Satisfied = fromBool(count >= r.ThresholdCount)
		ev.Reason = fmt.Sprintf("%d verified NFTs in collection %s %s threshold %d",
			count, r.CollectionAddress, cmpWord(ev.Satisfied), r.ThresholdCount)
	default:
		ev.Satisfied = Indeterminate
		ev.Reason = fmt.Sprintf("unknown rule kind %d", r.Kind)
	}
	return ev
}

// Decide folds evaluations into one decision per distinct role. Rules
// targeting the same role compose disjunctively: any satisfied rule
// grants the role; otherwise any indeterminate rule blocks mutation;
// only an all-false group revokes. Decisions come out in first-seen
// role order, so the result is deterministic for a given input.
func Decide(evals []Evaluation) []RoleDecision {
	var (
		order   []string
		grouped = make(map[string][]Evaluation)
	)
	for _, ev := range evals {
		if _, ok := grouped[ev.RoleID]; !ok {
			order = append(order, ev.RoleID)
		}
		grouped[ev.RoleID] = append(grouped[ev.RoleID], ev)
	}

	decisions := make([]RoleDecision, 0, len(order))
	for _, roleID := range order {
		d := RoleDecision{RoleID: roleID, ShouldHave: False}
		anyIndeterminate := false
		for _, ev := range grouped[roleID] {
			switch ev.Satisfied {
			case True:
				d.MatchedRuleIDs = append(d.MatchedRuleIDs, ev.RuleID)
			case Indeterminate:
				anyIndeterminate = true
			}
		}
		if len(d.MatchedRuleIDs) > 0 {
			d.ShouldHave = True
		} else if anyIndeterminate {
			d.ShouldHave = Indeterminate
		}
		decisions = append(decisions, d)
	}
	return decisions
}

func fromBool(b bool) Tristate {
	if b {
		return True
	}
	return False
}

func cmpWord(t Tristate) string {
	if t == True {
		return "meets"
	}
	return "is below"
}
