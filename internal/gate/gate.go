package gate

import (
	"fmt"

	"protovault/internal/domain"
	"protovault/internal/tier"
)

// UnlimitedBalance marks an entitlement whose balance check always passes.
// Balances are otherwise non-negative.
const UnlimitedBalance = -1

// Denial reasons. The set is closed; callers switch on Reason.
const (
	ReasonInsufficientTier    = "insufficient_tier"
	ReasonInsufficientBalance = "insufficient_balance"
)

// Decision is the outcome of an authorization check. When Allowed is true,
// Cost is the number of credits the caller must deduct atomically with
// starting the run; the gate itself mutates nothing.
type Decision struct {
	Allowed      bool
	Cost         int
	Reason       string
	RequiredTier tier.Tier
}

// DeniedError surfaces a denial as an error for callers that want one.
type DeniedError struct {
	Decision Decision
}

func (e DeniedError) Error() string {
	switch e.Decision.Reason {
	case ReasonInsufficientTier:
		return fmt.Sprintf("access restricted: protocol requires the %s license", e.Decision.RequiredTier)
	case ReasonInsufficientBalance:
		return fmt.Sprintf("insufficient execution balance: run requires %d credits", e.Decision.Cost)
	default:
		return "authorization denied"
	}
}

// Authorize decides whether an entitlement may start a run of the protocol.
// Tier is checked before balance so an under-tiered user never sees a
// balance message that implies topping up credits would help.
func Authorize(p domain.Protocol, ent domain.Entitlement) Decision {
	required := tier.RequiredTier(p)
	cost := tier.ExecutionCost(p)
	if tier.Level(tier.Tier(ent.Tier)) < tier.Level(required) {
		return Decision{Reason: ReasonInsufficientTier, RequiredTier: required, Cost: cost}
	}
	if ent.Balance != UnlimitedBalance && ent.Balance < cost {
		return Decision{Reason: ReasonInsufficientBalance, RequiredTier: required, Cost: cost}
	}
	return Decision{Allowed: true, Cost: cost, RequiredTier: required}
}
