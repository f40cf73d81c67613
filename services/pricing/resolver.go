package pricing

import (
	"fmt"

	"jam3a-engine/pkg/errutil"
)

// Validate checks the tier table invariants: a positive base price,
// thresholds of at least 2 that strictly increase, and unit prices that
// never increase (and never exceed the base price). Deals reference the
// table many times per second, so this runs once when a deal is created,
// not on every resolve.
func (t Table) Validate() error {
	if t.BasePrice <= 0 {
		return errutil.UnprocessableEntity("invalid tier table", nil,
			errutil.WithDetails(errutil.Detail{Field: "base_price", Message: "must be positive"}))
	}

	prevThreshold := 1
	prevPrice := t.BasePrice
	for i, tier := range t.Tiers {
		if tier.MinParticipants < 2 {
			return invalidTier(i, "min_participants must be at least 2")
		}
		if tier.MinParticipants <= prevThreshold {
			return invalidTier(i, "min_participants must be strictly increasing")
		}
		if tier.UnitPrice < 0 {
			return invalidTier(i, "unit_price must not be negative")
		}
		if tier.UnitPrice > prevPrice {
			return invalidTier(i, "unit_price must be non-increasing")
		}
		prevThreshold = tier.MinParticipants
		prevPrice = tier.UnitPrice
	}

	return nil
}

func invalidTier(index int, msg string) error {
	return errutil.UnprocessableEntity("invalid tier table", nil,
		errutil.WithDetails(errutil.Detail{
			Field:   fmt.Sprintf("tiers[%d]", index),
			Message: msg,
		}))
}

// Resolve returns the unit price for the given participant count: the tier
// with the largest qualifying threshold wins, otherwise the base price with
// zero savings. Pure function, assumes a validated table.
func (t Table) Resolve(participantCount int) Quote {
	unitPrice := t.BasePrice
	for _, tier := range t.Tiers {
		if tier.MinParticipants > participantCount {
			break
		}
		unitPrice = tier.UnitPrice
	}

	return t.QuoteAt(unitPrice)
}

// QuoteAt builds a quote for an already-locked unit price, used when a deal
// has filled and the final tier is recorded on the aggregate.
func (t Table) QuoteAt(unitPrice int64) Quote {
	savings := t.BasePrice - unitPrice
	return Quote{
		UnitPrice:      unitPrice,
		SavingsAmount:  savings,
		SavingsPercent: savingsPercent(t.BasePrice, savings),
	}
}

// savingsPercent rounds half-up to a whole percent for display. Integer
// arithmetic keeps the .5 boundary deterministic: floor((s*100)/b + 1/2)
// computed as (s*200 + b) / (2*b).
func savingsPercent(basePrice, savings int64) int {
	if basePrice <= 0 || savings <= 0 {
		return 0
	}
	return int((savings*200 + basePrice) / (2 * basePrice))
}
