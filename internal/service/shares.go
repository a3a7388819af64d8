package service

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/splitops/internal/models"
)

// computeShares rounds every participant amount to two decimals (half away
// from zero) and validates the set: no duplicates, the payer must not appear,
// every amount finite and positive, and the rounded sum must not exceed the
// total. Returns the participants in input order alongside their shares.
func computeShares(payerID string, total decimal.Decimal, splits []models.SplitParticipant) ([]string, map[string]decimal.Decimal, error) {
	if !total.IsPositive() {
		return nil, nil, &ValidationError{Msg: "Total amount must be a positive finite number"}
	}

	order := make([]string, 0, len(splits))
	shares := make(map[string]decimal.Decimal, len(splits))
	seen := map[string]struct{}{payerID: {}}
	sum := decimal.Zero

	for _, p := range splits {
		if _, dup := seen[p.UserID]; dup {
			return nil, nil, validationErrorf("Duplicate participant: %s", p.UserID)
		}
		seen[p.UserID] = struct{}{}

		if math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) {
			return nil, nil, &ValidationError{Msg: "Amount must be a valid finite number"}
		}
		if p.Amount <= 0 {
			return nil, nil, &ValidationError{Msg: "Amount must be positive"}
		}

		share := decimal.NewFromFloat(p.Amount).Round(2)
		if !share.IsPositive() {
			return nil, nil, &ValidationError{Msg: "Amount must be positive"}
		}

		order = append(order, p.UserID)
		shares[p.UserID] = share
		sum = sum.Add(share)
	}

	if sum.GreaterThan(total) {
		return nil, nil, &ValidationError{Msg: "Split sum exceeds total"}
	}
	return order, shares, nil
}
