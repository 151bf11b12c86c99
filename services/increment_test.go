package services

import (
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func TestParseIncrementScheduleRejectsMalformedSpecs(t *testing.T) {
	cases := []string{
		"",
		"5",
		"500:25",     // no zero tier
		"0:abc",      // bad step
		"x:5",        // bad threshold
		"0:0",        // zero step
		"0:5,500:-1", // negative step
	}
	for _, spec := range cases {
		_, err := ParseIncrementSchedule(spec)
		check.Error(t, err)
	}
}

func TestIncrementStepTiers(t *testing.T) {
	schedule, err := ParseIncrementSchedule("0:5,500:25,5000:100")
	assert.NoError(t, err)

	cases := []struct {
		amount string
		step   string
	}{
		{"0", "5"},
		{"100", "5"},
		{"499.99", "5"},
		{"500", "25"},
		{"4999", "25"},
		{"5000", "100"},
		{"250000", "100"},
	}
	for _, tc := range cases {
		got := schedule.StepFor(decimal.RequireFromString(tc.amount))
		check.True(t, got.Equal(decimal.RequireFromString(tc.step)))
	}
}

func TestIncrementTierOrderIsNormalized(t *testing.T) {
	// Tiers given out of order parse to the same step function.
	schedule, err := ParseIncrementSchedule("5000:100,0:5,500:25")
	assert.NoError(t, err)

	got := schedule.StepFor(decimal.RequireFromString("600"))
	check.True(t, got.Equal(decimal.RequireFromString("25")))
}

func TestMinimumNextBid(t *testing.T) {
	schedule, err := ParseIncrementSchedule("0:5,500:25,5000:100")
	assert.NoError(t, err)

	starting := decimal.RequireFromString("100")

	// No bids yet: the starting price itself is admissible.
	min := schedule.MinimumNextBid(decimal.Zero, starting, false)
	check.True(t, min.Equal(starting))

	// Current winning 100: next must clear 105.
	min = schedule.MinimumNextBid(decimal.RequireFromString("100"), starting, true)
	check.True(t, min.Equal(decimal.RequireFromString("105")))

	// Crossing a tier boundary: at 500 the step becomes 25.
	min = schedule.MinimumNextBid(decimal.RequireFromString("500"), starting, true)
	check.True(t, min.Equal(decimal.RequireFromString("525")))
}
