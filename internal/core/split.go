package core

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PercentageDigits is the number of decimal places a share percentage may
// carry. Stores keep percentages at exactly this scale.
const PercentageDigits = 4

// ShareInput is one requested portion of an expense.
type ShareInput struct {
	Participant ParticipantRef
	Percentage  decimal.Decimal
}

func validPercentage(p decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s", ErrInvalidPercentage, p.String())
	}
	if !p.Equal(p.Truncate(PercentageDigits)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidPercentage, p.String(), PercentageDigits)
	}
	return nil
}

// SplitShares turns percentages into share amounts of total.
//
// Each share first gets percentage x total truncated to whole minor units.
// The leftover units are handed out one at a time, largest percentage first,
// ties broken by participant order, so the amounts sum to total exactly.
// Shares are returned in input order.
func SplitShares(expenseID uuid.UUID, total Money, inputs []ShareInput) ([]Share, error) {
	if err := total.Validate(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, ErrNoShares
	}

	seen := make(map[ParticipantRef]struct{}, len(inputs))
	sum := decimal.Zero
	for _, in := range inputs {
		if err := in.Participant.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[in.Participant]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, in.Participant)
		}
		seen[in.Participant] = struct{}{}
		if err := validPercentage(in.Percentage); err != nil {
			return nil, err
		}
		sum = sum.Add(in.Percentage)
	}
	if !sum.Equal(hundred) {
		return nil, fmt.Errorf("%w: got %s", ErrPercentageSum, sum.String())
	}

	totalDec := decimal.NewFromInt(total.Amount)
	shares := make([]Share, len(inputs))
	var allocated int64
	for i, in := range inputs {
		amount := totalDec.Mul(in.Percentage).Div(hundred).Truncate(0).IntPart()
		allocated += amount
		shares[i] = Share{
			ExpenseID:   expenseID,
			Participant: in.Participant,
			Percentage:  in.Percentage,
			Amount:      Money{Amount: amount, Currency: total.Currency},
		}
	}

	order := make([]int, len(inputs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := inputs[order[a]].Percentage, inputs[order[b]].Percentage
		if !pa.Equal(pb) {
			return pa.GreaterThan(pb)
		}
		return inputs[order[a]].Participant.Less(inputs[order[b]].Participant)
	})
	for remainder, i := total.Amount-allocated, 0; remainder > 0; remainder, i = remainder-1, i+1 {
		shares[order[i%len(order)]].Amount.Amount++
	}
	return shares, nil
}

// EqualPercentages splits 100 across n participants in hundredths of a
// percent. The first participants in the given order absorb the leftover
// hundredths, e.g. three participants get 33.34, 33.33, 33.33.
func EqualPercentages(participants []ParticipantRef) []ShareInput {
	if len(participants) == 0 {
		return nil
	}
	n := int64(len(participants))
	base := int64(10000) / n
	extra := int64(10000) % n
	out := make([]ShareInput, len(participants))
	for i, p := range participants {
		units := base
		if int64(i) < extra {
			units++
		}
		out[i] = ShareInput{Participant: p, Percentage: decimal.New(units, -2)}
	}
	return out
}
