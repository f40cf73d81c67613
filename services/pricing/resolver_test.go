package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"jam3a-engine/pkg/errutil"
)

func demoTable() Table {
	return Table{
		BasePrice: 4999,
		Currency:  "SAR",
		Tiers: []Tier{
			{MinParticipants: 2, UnitPrice: 4799},
			{MinParticipants: 3, UnitPrice: 4599},
			{MinParticipants: 5, UnitPrice: 4199},
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, demoTable().Validate())
}

func TestValidateRejectsThresholdBelowTwo(t *testing.T) {
	table := Table{BasePrice: 100, Tiers: []Tier{{MinParticipants: 1, UnitPrice: 90}}}

	err := table.Validate()
	require.Error(t, err)

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusUnprocessableEntity, be.Status())
}

func TestValidateRejectsNonIncreasingThresholds(t *testing.T) {
	table := Table{BasePrice: 100, Tiers: []Tier{
		{MinParticipants: 3, UnitPrice: 90},
		{MinParticipants: 3, UnitPrice: 80},
	}}
	require.Error(t, table.Validate())
}

func TestValidateRejectsIncreasingPrices(t *testing.T) {
	table := Table{BasePrice: 100, Tiers: []Tier{
		{MinParticipants: 2, UnitPrice: 80},
		{MinParticipants: 4, UnitPrice: 90},
	}}
	require.Error(t, table.Validate())
}

func TestValidateRejectsPriceAboveBase(t *testing.T) {
	table := Table{BasePrice: 100, Tiers: []Tier{{MinParticipants: 2, UnitPrice: 110}}}
	require.Error(t, table.Validate())
}

func TestResolveWalksTiers(t *testing.T) {
	table := demoTable()

	cases := []struct {
		count int
		price int64
	}{
		{0, 4999},
		{1, 4999}, // no tier qualifies, base price
		{2, 4799},
		{3, 4599},
		{4, 4599}, // still in the 3+ tier
		{5, 4199},
		{9, 4199},
	}

	for _, tc := range cases {
		quote := table.Resolve(tc.count)
		require.Equal(t, tc.price, quote.UnitPrice, "count=%d", tc.count)
		require.Equal(t, table.BasePrice-tc.price, quote.SavingsAmount, "count=%d", tc.count)
	}
}

func TestResolveMonotonicPricing(t *testing.T) {
	table := demoTable()

	prev := table.Resolve(0).UnitPrice
	for count := 1; count <= 20; count++ {
		cur := table.Resolve(count).UnitPrice
		require.LessOrEqual(t, cur, prev, "price increased at count=%d", count)
		prev = cur
	}
}

func TestSavingsPercentRoundHalfUp(t *testing.T) {
	// 25/1000 = 2.5% -> rounds up to 3
	quote := Table{BasePrice: 1000, Tiers: []Tier{{MinParticipants: 2, UnitPrice: 975}}}.Resolve(2)
	require.Equal(t, 3, quote.SavingsPercent)

	// 24/1000 = 2.4% -> 2
	quote = Table{BasePrice: 1000, Tiers: []Tier{{MinParticipants: 2, UnitPrice: 976}}}.Resolve(2)
	require.Equal(t, 2, quote.SavingsPercent)

	// 35/1000 = 3.5% -> 4
	quote = Table{BasePrice: 1000, Tiers: []Tier{{MinParticipants: 2, UnitPrice: 965}}}.Resolve(2)
	require.Equal(t, 4, quote.SavingsPercent)

	// 800/4999 = 16.0032% -> 16, matches the storefront example
	quote = demoTable().Resolve(5)
	require.Equal(t, 16, quote.SavingsPercent)
}

func TestResolveNoSavingsBelowFirstTier(t *testing.T) {
	quote := demoTable().Resolve(1)
	require.Equal(t, int64(0), quote.SavingsAmount)
	require.Equal(t, 0, quote.SavingsPercent)
}
