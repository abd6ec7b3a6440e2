package tier_test

import (
	"testing"

	"protovault/internal/domain"
	"protovault/internal/tier"
)

func TestRequiredTierBreakpoints(t *testing.T) {
	cases := []struct {
		price float64
		want  tier.Tier
	}{
		{0, tier.Observer},
		{0.01, tier.Operator},
		{50, tier.Operator},
		{99.99, tier.Operator},
		{100, tier.Commander},
		{199.99, tier.Commander},
		{200, tier.Authority},
		{499.99, tier.Authority},
		{500, tier.Sovereign},
		{10000, tier.Sovereign},
	}
	for _, c := range cases {
		got := tier.RequiredTier(domain.Protocol{Price: c.price})
		if got != c.want {
			t.Errorf("price %v: got %s want %s", c.price, got, c.want)
		}
	}
}

func TestRequiredTierMonotonic(t *testing.T) {
	prev := -1
	for p := 0.0; p <= 600; p += 0.5 {
		lvl := tier.Level(tier.RequiredTier(domain.Protocol{Price: p}))
		if lvl < prev {
			t.Fatalf("tier level decreased at price %v: %d -> %d", p, prev, lvl)
		}
		prev = lvl
	}
}

func TestRequiredTierOverride(t *testing.T) {
	p := domain.Protocol{Price: 900, TierAccess: "operator"}
	if got := tier.RequiredTier(p); got != tier.Operator {
		t.Fatalf("override ignored: got %s", got)
	}
	// unknown override falls back to price derivation
	p = domain.Protocol{Price: 900, TierAccess: "emperor"}
	if got := tier.RequiredTier(p); got != tier.Sovereign {
		t.Fatalf("bad override should derive from price: got %s", got)
	}
}

func TestExecutionCost(t *testing.T) {
	cases := []struct {
		price  float64
		weight int
		want   int
	}{
		{0, 0, 1},
		{73, 0, 3}, // ceil(73/50)+1
		{50, 0, 2},
		{51, 0, 3},
		{500, 0, 11},
		{0, 3, 30},
		{999, 5, 50},
	}
	for _, c := range cases {
		got := tier.ExecutionCost(domain.Protocol{Price: c.price, ExecutionWeight: c.weight})
		if got != c.want {
			t.Errorf("price %v weight %d: got %d want %d", c.price, c.weight, got, c.want)
		}
		if got < 1 {
			t.Errorf("cost must be positive, got %d", got)
		}
	}
}

func TestLevels(t *testing.T) {
	if tier.Level("nope") != -1 {
		t.Fatalf("unknown tier should be -1")
	}
	for i, tr := range tier.All() {
		if tier.Level(tr) != i {
			t.Fatalf("tier %s level %d, want %d", tr, tier.Level(tr), i)
		}
	}
}
