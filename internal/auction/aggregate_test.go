package auction

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gridgame/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func bid(side model.Side, volume float64, price int64) model.Bid {
	return model.Bid{Side: side, Volume: d(volume), Price: price}
}

func TestSortAndMerge_PartitionsAndOrders(t *testing.T) {
	sell, buy, err := SortAndMerge([]model.Bid{
		bid(model.SideBuy, 4, 5),
		bid(model.SideSell, 6, 3),
		bid(model.SideBuy, 1, 7),
		bid(model.SideSell, 3, 1),
		bid(model.SideBuy, 2, 4),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sellPrices := []int64{1, 3}
	for i, want := range sellPrices {
		if sell[i].Price != want {
			t.Errorf("sell[%d] price = %d, want %d (ascending)", i, sell[i].Price, want)
		}
	}
	buyPrices := []int64{7, 5, 4}
	for i, want := range buyPrices {
		if buy[i].Price != want {
			t.Errorf("buy[%d] price = %d, want %d (descending)", i, buy[i].Price, want)
		}
	}
}

func TestSortAndMerge_DuplicatePricesMerge(t *testing.T) {
	// P1: one output bid per distinct price, volume = sum of duplicates.
	sell, _, err := SortAndMerge([]model.Bid{
		bid(model.SideSell, 3, 10),
		bid(model.SideSell, 7, 10),
		bid(model.SideSell, 5, 20),
		bid(model.SideSell, 2, 10),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sell) != 2 {
		t.Fatalf("expected 2 merged bids (2 distinct prices), got %d", len(sell))
	}
	if !sell[0].Volume.Equal(d(12)) {
		t.Errorf("merged volume at price 10 = %s, want 12", sell[0].Volume)
	}
	if !sell[1].Volume.Equal(d(5)) {
		t.Errorf("merged volume at price 20 = %s, want 5", sell[1].Volume)
	}
}

func TestSortAndMerge_OrderIndependent(t *testing.T) {
	// Merging keys on price equality only, so any permutation of the
	// input produces the same curves.
	a := []model.Bid{
		bid(model.SideSell, 3, 10),
		bid(model.SideSell, 7, 10),
		bid(model.SideBuy, 4, 8),
		bid(model.SideBuy, 6, 8),
	}
	b := []model.Bid{a[3], a[1], a[2], a[0]}

	sellA, buyA, _ := SortAndMerge(a)
	sellB, buyB, _ := SortAndMerge(b)

	if len(sellA) != len(sellB) || !sellA[0].Volume.Equal(sellB[0].Volume) {
		t.Errorf("sell merge depends on input order: %v vs %v", sellA, sellB)
	}
	if len(buyA) != len(buyB) || !buyA[0].Volume.Equal(buyB[0].Volume) {
		t.Errorf("buy merge depends on input order: %v vs %v", buyA, buyB)
	}
}

func TestSortAndMerge_RejectsInvalidBids(t *testing.T) {
	tests := []struct {
		name string
		bid  model.Bid
	}{
		{"zero volume", bid(model.SideSell, 0, 10)},
		{"negative volume", bid(model.SideBuy, -5, 10)},
		{"negative price", bid(model.SideSell, 5, -1)},
		{"unknown side", model.Bid{Side: "SHORT", Volume: d(5), Price: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := SortAndMerge([]model.Bid{tt.bid}); err != ErrInvalidBid {
				t.Errorf("expected ErrInvalidBid, got %v", err)
			}
		})
	}
}

func TestBuildStepFunction_Shape(t *testing.T) {
	// P2: n merged bids produce n contiguous segments starting at zero
	// and ending at the total volume.
	sell, _, err := SortAndMerge([]model.Bid{
		bid(model.SideSell, 3, 1),
		bid(model.SideSell, 6, 3),
		bid(model.SideSell, 5, 5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	segments := BuildStepFunction(sell)

	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	if !segments[0].VolumeStart.IsZero() {
		t.Errorf("first segment starts at %s, want 0", segments[0].VolumeStart)
	}
	for i := 1; i < len(segments); i++ {
		if !segments[i].VolumeStart.Equal(segments[i-1].VolumeEnd) {
			t.Errorf("segment %d not contiguous: start %s, previous end %s",
				i, segments[i].VolumeStart, segments[i-1].VolumeEnd)
		}
	}
	if !segments[2].VolumeEnd.Equal(d(14)) {
		t.Errorf("last segment ends at %s, want 14 (total volume)", segments[2].VolumeEnd)
	}
	for i, b := range sell {
		if segments[i].Price != b.Price {
			t.Errorf("segment %d price = %d, want %d", i, segments[i].Price, b.Price)
		}
	}
}

func TestBuildStepFunction_Empty(t *testing.T) {
	if segs := BuildStepFunction(nil); segs != nil {
		t.Errorf("expected nil curve for no bids, got %v", segs)
	}
}
