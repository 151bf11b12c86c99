package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// IncrementSchedule maps a current winning amount to the minimum step the
// next bid must clear. Tiers are a monotonic step function over the amount:
// the tier whose threshold is the largest one not exceeding the amount wins.
type IncrementSchedule struct {
	tiers []incrementTier
}

type incrementTier struct {
	threshold decimal.Decimal
	step      decimal.Decimal
}

// ParseIncrementSchedule parses a schedule of the form
// "0:5,500:25,5000:100" (threshold:step pairs). The schedule must contain a
// tier at threshold zero so every amount maps to a step.
func ParseIncrementSchedule(spec string) (*IncrementSchedule, error) {
	parts := strings.Split(spec, ",")
	tiers := make([]incrementTier, 0, len(parts))
	for _, part := range parts {
		pair := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(pair) != 2 {
			return nil, fmt.Errorf("invalid increment tier %q", part)
		}
		threshold, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("invalid increment threshold %q: %w", pair[0], err)
		}
		step, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("invalid increment step %q: %w", pair[1], err)
		}
		if !step.IsPositive() {
			return nil, fmt.Errorf("increment step must be positive, got %s", step)
		}
		tiers = append(tiers, incrementTier{threshold: threshold, step: step})
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].threshold.LessThan(tiers[j].threshold) })
	if len(tiers) == 0 || !tiers[0].threshold.IsZero() {
		return nil, fmt.Errorf("increment schedule must start at threshold 0")
	}
	return &IncrementSchedule{tiers: tiers}, nil
}

// StepFor returns the minimum increment for the given current amount.
func (s *IncrementSchedule) StepFor(amount decimal.Decimal) decimal.Decimal {
	step := s.tiers[0].step
	for _, tier := range s.tiers[1:] {
		if amount.LessThan(tier.threshold) {
			break
		}
		step = tier.step
	}
	return step
}

// MinimumNextBid returns the lowest admissible amount given the lot's
// current winning amount, or the starting price when no bids exist.
func (s *IncrementSchedule) MinimumNextBid(currentAmount decimal.Decimal, startingPrice decimal.Decimal, hasBids bool) decimal.Decimal {
	if !hasBids {
		return startingPrice
	}
	return currentAmount.Add(s.StepFor(currentAmount))
}
