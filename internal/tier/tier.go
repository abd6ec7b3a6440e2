package tier

import (
	"math"

	"protovault/internal/domain"
)

// Tier is a ranked license level. Higher levels unlock more expensive protocols.
type Tier string

const (
	Observer  Tier = "observer"
	Operator  Tier = "operator"
	Commander Tier = "commander"
	Authority Tier = "authority"
	Sovereign Tier = "sovereign"
)

var levels = map[Tier]int{
	Observer:  0,
	Operator:  1,
	Commander: 2,
	Authority: 3,
	Sovereign: 4,
}

// Level returns the numeric rank of a tier, or -1 for an unknown label.
func Level(t Tier) int {
	l, ok := levels[t]
	if !ok {
		return -1
	}
	return l
}

// Valid reports whether t names one of the five tiers.
func Valid(t Tier) bool {
	_, ok := levels[t]
	return ok
}

// All lists the tiers in ascending order.
func All() []Tier {
	return []Tier{Observer, Operator, Commander, Authority, Sovereign}
}

// RequiredTier returns the minimum tier needed to run a protocol. A declared
// tier_access override wins; otherwise the tier derives from the price with
// inclusive-lower/exclusive-upper breakpoints at 0, 100, 200 and 500.
func RequiredTier(p domain.Protocol) Tier {
	if p.TierAccess != "" && Valid(Tier(p.TierAccess)) {
		return Tier(p.TierAccess)
	}
	switch {
	case p.Price == 0:
		return Observer
	case p.Price < 100:
		return Operator
	case p.Price < 200:
		return Commander
	case p.Price < 500:
		return Authority
	default:
		return Sovereign
	}
}

// ExecutionCost returns the credits deducted to start a run. A declared
// execution_weight override costs weight*10; otherwise free protocols cost 1
// and paid ones ceil(price/50)+1. Always >= 1.
func ExecutionCost(p domain.Protocol) int {
	if p.ExecutionWeight > 0 {
		return p.ExecutionWeight * 10
	}
	if p.Price == 0 {
		return 1
	}
	return int(math.Ceil(p.Price/50)) + 1
}
