package auction

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gridgame/market-engine/internal/model"
)

// curve builds a step function from (volume, price) pairs, cumulative in
// the order given.
func curve(steps ...[2]float64) []model.Segment {
	var segments []model.Segment
	cursor := decimal.Zero
	for _, s := range steps {
		end := cursor.Add(d(s[0]))
		segments = append(segments, model.Segment{
			VolumeStart: cursor,
			VolumeEnd:   end,
			Price:       int64(s[1]),
		})
		cursor = end
	}
	return segments
}

func TestIntersect_EmptyCurves(t *testing.T) {
	tests := []struct {
		name      string
		sell, buy []model.Segment
	}{
		{"both empty", nil, nil},
		{"no supply", nil, curve([2]float64{10, 20})},
		{"no demand", curve([2]float64{10, 20}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, internals, err := Intersect(tt.sell, tt.buy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Volume.IsZero() || result.Price != 0 {
				t.Errorf("expected no trade, got %d @ %s", result.Price, result.Volume)
			}
			if internals != nil {
				t.Error("no-trade result must not carry internals")
			}
		})
	}
}

func TestIntersect_CurvesNeverCross(t *testing.T) {
	// Cheapest seller wants more than the richest buyer will pay.
	sell := curve([2]float64{12, 20})
	buy := curve([2]float64{15, 16})

	result, internals, err := Intersect(sell, buy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Volume.IsZero() || result.Price != 0 {
		t.Errorf("expected {0, 0}, got %d @ %s", result.Price, result.Volume)
	}
	if internals != nil {
		t.Error("expected nil internals for no trade")
	}
}

func TestIntersect_EqualVolumesNeverCross(t *testing.T) {
	// Same shape as above but with equal total volumes, which routes
	// through the tie branch instead of the finished-curve one.
	result, _, err := Intersect(curve([2]float64{12, 20}), curve([2]float64{12, 16}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Volume.IsZero() || result.Price != 0 {
		t.Errorf("expected {0, 0}, got %d @ %s", result.Price, result.Volume)
	}
}

func TestIntersect_SimpleCrossing(t *testing.T) {
	result, internals, err := Intersect(curve([2]float64{100, 10}), curve([2]float64{100, 20}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Volume.Equal(d(100)) || result.Price != 10 {
		t.Errorf("expected 100 @ 10, got %s @ %d", result.Volume, result.Price)
	}
	if internals == nil {
		t.Fatal("expected internals for a positive-volume clearing")
	}
	if !internals.SellFillFraction.Equal(d(1)) || !internals.BuyFillFraction.Equal(d(1)) {
		t.Errorf("both sides fully used: sell=%s buy=%s",
			internals.SellFillFraction, internals.BuyFillFraction)
	}
}

func TestIntersect_VolumeLimitedByShorterSide(t *testing.T) {
	tests := []struct {
		name       string
		sell, buy  []model.Segment
		wantVolume float64
		wantPrice  int64
	}{
		{"demand shorter", curve([2]float64{100, 10}), curve([2]float64{50, 20}), 50, 10},
		{"supply shorter", curve([2]float64{50, 10}), curve([2]float64{100, 20}), 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, _, err := Intersect(tt.sell, tt.buy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Volume.Equal(d(tt.wantVolume)) || result.Price != tt.wantPrice {
				t.Errorf("expected %v @ %d, got %s @ %d",
					tt.wantVolume, tt.wantPrice, result.Volume, result.Price)
			}
		})
	}
}

func TestIntersect_ExactEqualBoundary(t *testing.T) {
	result, _, err := Intersect(curve([2]float64{10, 10}), curve([2]float64{10, 10}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Volume.Equal(d(10)) || result.Price != 10 {
		t.Errorf("expected 10 @ 10, got %s @ %d", result.Volume, result.Price)
	}
}

func TestIntersect_CheapestPriceAcrossTiers(t *testing.T) {
	sell := curve([2]float64{100, 5}, [2]float64{100, 10})

	tests := []struct {
		name string
		buy  []model.Segment
	}{
		{"two buy tiers", curve([2]float64{100, 20}, [2]float64{100, 5})},
		{"single buy tier", curve([2]float64{100, 20})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, _, err := Intersect(sell, tt.buy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Volume.Equal(d(100)) || result.Price != 5 {
				t.Errorf("expected 100 @ 5, got %s @ %d", result.Volume, result.Price)
			}
		})
	}
}

func TestIntersect_MultiTierBuyExhaustion(t *testing.T) {
	sell := curve([2]float64{400, 25})
	buy := curve([2]float64{200, 40}, [2]float64{200, 25})

	result, internals, err := Intersect(sell, buy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Volume.Equal(d(400)) || result.Price != 25 {
		t.Errorf("expected 400 @ 25, got %s @ %d", result.Volume, result.Price)
	}
	if internals.BuyMarginalPrice != 25 || !internals.BuyFillFraction.Equal(d(1)) {
		t.Errorf("marginal buy tier fully used: price=%d fraction=%s",
			internals.BuyMarginalPrice, internals.BuyFillFraction)
	}
}

func TestIntersect_WorkedExample(t *testing.T) {
	// Supply ascending: 3@1, 6@3, 5@5. Demand descending: 1@7, 4@5,
	// 2@4, 4@2, 3@1. The curves intersect at volume 7, price 3.
	sell := curve([2]float64{3, 1}, [2]float64{6, 3}, [2]float64{5, 5})
	buy := curve([2]float64{1, 7}, [2]float64{4, 5}, [2]float64{2, 4}, [2]float64{4, 2}, [2]float64{3, 1})

	result, internals, err := Intersect(sell, buy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Volume.Equal(d(7)) || result.Price != 3 {
		t.Fatalf("expected 7 @ 3, got %s @ %d", result.Volume, result.Price)
	}

	// The marginal sell segment [3, 9) @ 3 trades 4 of its 6 units.
	if internals.SellMarginalPrice != 3 {
		t.Errorf("sell marginal price = %d, want 3", internals.SellMarginalPrice)
	}
	wantFraction := d(4).Div(d(6))
	if !internals.SellFillFraction.Sub(wantFraction).Abs().LessThan(d(1e-9)) {
		t.Errorf("sell fill fraction = %s, want %s", internals.SellFillFraction, wantFraction)
	}

	// The marginal buy segment [5, 7) @ 4 trades entirely.
	if internals.BuyMarginalPrice != 4 {
		t.Errorf("buy marginal price = %d, want 4", internals.BuyMarginalPrice)
	}
	if !internals.BuyFillFraction.Equal(d(1)) {
		t.Errorf("buy fill fraction = %s, want 1", internals.BuyFillFraction)
	}
}

func TestIntersect_MalformedCurves(t *testing.T) {
	good := curve([2]float64{10, 10})

	tests := []struct {
		name string
		bad  []model.Segment
	}{
		{
			"gap between segments",
			[]model.Segment{
				{VolumeStart: decimal.Zero, VolumeEnd: d(5), Price: 10},
				{VolumeStart: d(6), VolumeEnd: d(9), Price: 12},
			},
		},
		{
			"nonzero origin",
			[]model.Segment{{VolumeStart: d(1), VolumeEnd: d(5), Price: 10}},
		},
		{
			"inverted segment",
			[]model.Segment{{VolumeStart: decimal.Zero, VolumeEnd: decimal.Zero, Price: 10}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Intersect(tt.bad, good); err != ErrMalformedCurve {
				t.Errorf("sell side: expected ErrMalformedCurve, got %v", err)
			}
			if _, _, err := Intersect(good, tt.bad); err != ErrMalformedCurve {
				t.Errorf("buy side: expected ErrMalformedCurve, got %v", err)
			}
		})
	}
}

func TestIntersect_FractionalVolumes(t *testing.T) {
	// Decimal volumes must not accumulate drift across the sweep.
	sell := curve([2]float64{0.5, 3}, [2]float64{1.25, 4})
	buy := curve([2]float64{0.75, 9}, [2]float64{1.5, 4})

	result, internals, err := Intersect(sell, buy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Volume.Equal(d(1.75)) || result.Price != 4 {
		t.Errorf("expected 1.75 @ 4, got %s @ %d", result.Volume, result.Price)
	}
	if internals == nil {
		t.Fatal("expected internals")
	}
	if !internals.SellFillFraction.Equal(d(1)) {
		t.Errorf("sell fill fraction = %s, want 1", internals.SellFillFraction)
	}
}
