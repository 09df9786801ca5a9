package auction

import (
	"github.com/shopspring/decimal"

	"github.com/gridgame/market-engine/internal/model"
)

// Allocate computes one user's fills for a cleared phase from their own
// bids. Bids priced strictly better than the side's marginal price fill
// in full, bids exactly at the marginal price fill pro rata by the
// side's fill fraction, and worse bids fill nothing. The per-bid fills
// are summed into at most one Exchange per side; zero-volume sides are
// omitted.
//
// Allocate touches no shared state, so callers may run it for all of a
// phase's users concurrently.
func Allocate(userID string, userBids []model.Bid, result model.ClearingResult, internals *model.ClearingInternals) ([]model.Exchange, error) {
	if internals == nil || !result.Volume.IsPositive() {
		return nil, nil
	}

	sell, buy, err := SortAndMerge(userBids)
	if err != nil {
		return nil, err
	}

	sellVolume := filledVolume(sell, internals.SellMarginalPrice, internals.SellFillFraction, func(price, marginal int64) bool {
		return price < marginal
	})
	buyVolume := filledVolume(buy, internals.BuyMarginalPrice, internals.BuyFillFraction, func(price, marginal int64) bool {
		return price > marginal
	})

	var exchanges []model.Exchange
	if sellVolume.IsPositive() {
		exchanges = append(exchanges, model.Exchange{
			UserID:    userID,
			SessionID: result.SessionID,
			Phase:     result.Phase,
			Side:      model.SideSell,
			Volume:    sellVolume,
			Price:     result.Price,
		})
	}
	if buyVolume.IsPositive() {
		exchanges = append(exchanges, model.Exchange{
			UserID:    userID,
			SessionID: result.SessionID,
			Phase:     result.Phase,
			Side:      model.SideBuy,
			Volume:    buyVolume,
			Price:     result.Price,
		})
	}
	return exchanges, nil
}

// filledVolume sums the filled volume of one side's merged bids. better
// reports whether a price beats the marginal price on this side.
func filledVolume(merged []model.Bid, marginal int64, fraction decimal.Decimal, better func(price, marginal int64) bool) decimal.Decimal {
	total := decimal.Zero
	for _, b := range merged {
		switch {
		case better(b.Price, marginal):
			total = total.Add(b.Volume)
		case b.Price == marginal:
			total = total.Add(b.Volume.Mul(fraction))
		}
	}
	return total
}
