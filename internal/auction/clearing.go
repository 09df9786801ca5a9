package auction

import (
	"github.com/shopspring/decimal"

	"github.com/gridgame/market-engine/internal/model"
)

// Intersect computes the clearing price and volume of a supply curve
// (ascending in price) and a demand curve (descending in price). It is a
// merge-style sweep over the two step functions: at each step the curve
// whose current segment ends at the smaller cumulative volume advances,
// and the sweep checks whether that boundary volume is the clearing
// point by looking up the opposite curve's price there.
//
// The returned internals are nil when no trade happens. A clearing that
// finds no intersection is an ordinary {0, 0} result, not an error; only
// malformed curves produce one.
//
// The equal-volume tie branch and the finished-curve branches apply
// different fallback rules on purpose. They look unifiable but are not:
// collapsing them changes the clearing price in boundary cases.
func Intersect(sell, buy []model.Segment) (model.ClearingResult, *model.ClearingInternals, error) {
	if err := validateCurve(sell); err != nil {
		return noTrade(), nil, err
	}
	if err := validateCurve(buy); err != nil {
		return noTrade(), nil, err
	}
	if len(sell) == 0 || len(buy) == 0 {
		return noTrade(), nil, nil
	}

	is, ib := 0, 0
	for is < len(sell) && ib < len(buy) {
		sellEnd := sell[is].VolumeEnd
		buyEnd := buy[ib].VolumeEnd

		switch cmp := sellEnd.Cmp(buyEnd); {
		case cmp < 0:
			// Supply segment ends first. Clearing here requires the
			// demand price at this volume to sit between the current
			// and the next supply step.
			v := sellEnd
			counter := priceAt(buy, v)
			sellLast := is == len(sell)-1
			if sell[is].Price <= counter && (sellLast || counter < sell[is+1].Price) {
				return clearAt(sell, buy, is, ib, v, sell[is].Price)
			}
			is++

		case cmp > 0:
			// Demand segment ends first; symmetric check against a
			// curve that descends in price. The supply lookup price is
			// the clearing price when it straddles the demand step.
			v := buyEnd
			counter := priceAt(sell, v)
			buyLast := ib == len(buy)-1
			if counter <= buy[ib].Price && (buyLast || buy[ib+1].Price < counter) {
				return clearAt(sell, buy, is, ib, v, counter)
			}
			ib++

		default:
			// Both segments end at the same cumulative volume. Clear
			// here only if the current prices still trade and the next
			// steps have already crossed (a missing next step counts
			// as crossed — that curve is exhausted); otherwise advance
			// both pointers.
			v := sellEnd
			sellLast := is == len(sell)-1
			buyLast := ib == len(buy)-1
			if sell[is].Price <= buy[ib].Price &&
				(sellLast || buyLast || sell[is+1].Price >= buy[ib+1].Price) {
				return clearAt(sell, buy, is, ib, v, sell[is].Price)
			}
			is++
			ib++
		}
	}

	// One curve was exhausted without the crossing condition ever
	// holding: the cheapest remaining seller wants more than the
	// richest remaining buyer will pay.
	return noTrade(), nil, nil
}

func noTrade() model.ClearingResult {
	return model.ClearingResult{Price: 0, Volume: decimal.Zero}
}

// priceAt returns the price the curve quotes at cumulative volume v, or
// zero when v lies beyond the curve's total range (no counter-offer at
// that volume).
func priceAt(curve []model.Segment, v decimal.Decimal) int64 {
	for _, s := range curve {
		if v.Cmp(s.VolumeStart) >= 0 && v.Cmp(s.VolumeEnd) < 0 {
			return s.Price
		}
	}
	return 0
}

// clearAt builds the result and the marginal-bid internals from the
// final sweep indices. Each side's fill fraction is the share of its
// boundary segment that actually trades; the allocator later scales the
// bids merged into that segment by it.
func clearAt(sell, buy []model.Segment, is, ib int, volume decimal.Decimal, price int64) (model.ClearingResult, *model.ClearingInternals, error) {
	result := model.ClearingResult{Price: price, Volume: volume}
	internals := &model.ClearingInternals{
		SellMarginalPrice: sell[is].Price,
		SellFillFraction:  fillFraction(sell[is], volume),
		BuyMarginalPrice:  buy[ib].Price,
		BuyFillFraction:   fillFraction(buy[ib], volume),
	}
	return result, internals, nil
}

func fillFraction(seg model.Segment, volume decimal.Decimal) decimal.Decimal {
	width := seg.VolumeEnd.Sub(seg.VolumeStart)
	return volume.Sub(seg.VolumeStart).Div(width)
}
