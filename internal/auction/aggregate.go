// Package auction implements the uniform-price double-auction clearing
// engine: aggregation of raw bids into monotonic supply/demand step
// functions, the sweep that finds their intersection, and per-user fill
// allocation with pro-rata treatment of the marginal bids.
//
// Energy volumes and fill fractions use shopspring/decimal — never
// float64. Prices are plain int64 and compared with ordinary equality.
package auction

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/gridgame/market-engine/internal/model"
)

var (
	// ErrInvalidBid is returned for bids with non-positive volume or a
	// negative price. These are programming errors upstream, never
	// best-effort input.
	ErrInvalidBid = errors.New("auction: bid volume must be positive and price non-negative")

	// ErrMalformedCurve is returned when a segment list violates the
	// contiguity invariant (seg[0] starts at zero, each segment ends
	// where the next begins, start < end).
	ErrMalformedCurve = errors.New("auction: segment list violates contiguity invariant")
)

// SortAndMerge partitions bids by side and merges same-price bids within
// a side into one synthetic bid carrying the summed volume. Price ties
// are economically indistinguishable; merging them keeps the clearing
// sweep from seeing several zero-width steps at one price.
//
// Sell bids are returned ascending by price, buy bids descending. The
// output depends only on price equality, never on input order, so the
// result is deterministic for any permutation of the input.
func SortAndMerge(bids []model.Bid) (sell, buy []model.Bid, err error) {
	var sells, buys []model.Bid
	for _, b := range bids {
		if !b.Volume.IsPositive() || b.Price < 0 {
			return nil, nil, ErrInvalidBid
		}
		switch b.Side {
		case model.SideSell:
			sells = append(sells, b)
		case model.SideBuy:
			buys = append(buys, b)
		default:
			return nil, nil, ErrInvalidBid
		}
	}

	sell = mergeByPrice(sells)
	buy = mergeByPrice(buys)

	// Demand is consumed from the highest price down.
	for i, j := 0, len(buy)-1; i < j; i, j = i+1, j-1 {
		buy[i], buy[j] = buy[j], buy[i]
	}
	return sell, buy, nil
}

// mergeByPrice sorts ascending by price and collapses equal-price bids
// into one. Decimal addition is exact, so the merged volume does not
// depend on the order ties arrived in.
func mergeByPrice(bids []model.Bid) []model.Bid {
	if len(bids) == 0 {
		return nil
	}
	sorted := make([]model.Bid, len(bids))
	copy(sorted, bids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	merged := make([]model.Bid, 0, len(sorted))
	for _, b := range sorted {
		if n := len(merged); n > 0 && merged[n-1].Price == b.Price {
			merged[n-1].Volume = merged[n-1].Volume.Add(b.Volume)
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

// BuildStepFunction walks an ordered bid list and accumulates volume into
// contiguous [start, end) segments; segment i trades at orderedBids[i]'s
// price. Empty input yields an empty curve, which is a valid "no bids on
// this side" state.
func BuildStepFunction(orderedBids []model.Bid) []model.Segment {
	if len(orderedBids) == 0 {
		return nil
	}
	segments := make([]model.Segment, len(orderedBids))
	cursor := decimal.Zero
	for i, b := range orderedBids {
		end := cursor.Add(b.Volume)
		segments[i] = model.Segment{
			VolumeStart: cursor,
			VolumeEnd:   end,
			Price:       b.Price,
		}
		cursor = end
	}
	return segments
}

// validateCurve fails fast on malformed segment sequences instead of
// computing a wrong clearing from them.
func validateCurve(segments []model.Segment) error {
	for i, s := range segments {
		if s.VolumeStart.Cmp(s.VolumeEnd) >= 0 {
			return ErrMalformedCurve
		}
		if i == 0 {
			if !s.VolumeStart.IsZero() {
				return ErrMalformedCurve
			}
			continue
		}
		if !s.VolumeStart.Equal(segments[i-1].VolumeEnd) {
			return ErrMalformedCurve
		}
	}
	return nil
}
