package eligibility

import (
	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/shopspring/decimal"
)

// Standing describes whether a participant may currently be credited commission.
type Standing string

const (
	// StandingEligible participants receive PENDING commissions.
	StandingEligible Standing = "eligible"
	// StandingBlocked participants reached their reconsumption threshold; their commissions are BLOCKED.
	StandingBlocked Standing = "blocked"
	// StandingNoTier participants never held a tier and receive nothing.
	StandingNoTier Standing = "no_tier"
)

// TransitionReason names why a purchase moved a participant between tiers.
type TransitionReason string

const (
	ReasonNone    TransitionReason = ""
	ReasonUpgrade TransitionReason = "upgrade"
	ReasonRestore TransitionReason = "restore"
)

// Transition is the tier outcome of a single purchase.
type Transition struct {
	From   string
	To     string
	Reason TransitionReason
}

// Changed reports whether the purchase moved the participant into a different tier period.
func (t Transition) Changed() bool {
	return t.Reason != ReasonNone
}

// Evaluate applies the reconsumption check to p priced by tier. A participant locked into NONE
// after tripping the threshold is reported as blocked rather than tierless.
func Evaluate(p tree.Participant, tier catalog.Package) Standing {
	if !p.HasTier() {
		if p.RateTier() != "" {
			return StandingBlocked
		}
		return StandingNoTier
	}
	if p.TotalCommissionReceived.LessThan(tier.ReconsumptionThreshold) {
		return StandingEligible
	}
	return StandingBlocked
}

// CanReceive reports whether p may be credited a PENDING commission under tier.
func CanReceive(p tree.Participant, tier catalog.Package) bool {
	return Evaluate(p, tier) == StandingEligible
}

// NextTier computes the tier transition caused by a purchase of orderAmount. tiers must be ordered
// by descending price. A NONE participant with prior commission is restored into the highest tier
// this single order pays for; otherwise the participant is upgraded into the highest tier the new
// lifetime total pays for, provided it outranks the current one.
func NextTier(p tree.Participant, orderAmount decimal.Decimal, tiers []catalog.Package) Transition {
	transition := Transition{From: p.PackageType, To: p.PackageType}
	if transition.From == "" {
		transition.From = catalog.NoPackage
		transition.To = catalog.NoPackage
	}

	if !p.HasTier() && p.TotalCommissionReceived.IsPositive() {
		for _, tier := range tiers {
			if orderAmount.GreaterThanOrEqual(tier.Price) {
				transition.To = tier.Code
				transition.Reason = ReasonRestore
				return transition
			}
		}
		return transition
	}

	lifetime := p.TotalPurchaseAmount.Add(orderAmount)
	current, hasCurrent := findTier(tiers, p.PackageType)
	for _, tier := range tiers {
		if lifetime.LessThan(tier.Price) {
			continue
		}
		if hasCurrent && !tier.Outranks(current) {
			break
		}
		transition.To = tier.Code
		transition.Reason = ReasonUpgrade
		return transition
	}
	return transition
}

// IsReconsumption reports whether a purchase of orderAmount is a reconsumption purchase: the buyer
// has reached a tier's threshold and the order pays that tier's price again.
func IsReconsumption(p tree.Participant, orderAmount decimal.Decimal, tiers []catalog.Package) bool {
	if p.HasTier() {
		current, ok := findTier(tiers, p.PackageType)
		if !ok {
			return false
		}
		return p.TotalCommissionReceived.GreaterThanOrEqual(current.ReconsumptionThreshold) &&
			orderAmount.GreaterThanOrEqual(current.Price)
	}
	if !p.TotalCommissionReceived.IsPositive() {
		return false
	}
	for _, tier := range tiers {
		if p.TotalCommissionReceived.GreaterThanOrEqual(tier.ReconsumptionThreshold) &&
			orderAmount.GreaterThanOrEqual(tier.Price) {
			return true
		}
	}
	return false
}

func findTier(tiers []catalog.Package, code string) (catalog.Package, bool) {
	normalized := catalog.NormalizeCode(code)
	for _, tier := range tiers {
		if tier.Code == normalized {
			return tier, true
		}
	}
	return catalog.Package{}, false
}
