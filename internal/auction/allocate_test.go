package auction

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gridgame/market-engine/internal/model"
)

func userBid(userID string, side model.Side, volume float64, price int64) model.Bid {
	return model.Bid{UserID: userID, Side: side, Volume: d(volume), Price: price}
}

func TestAllocate_NoTrade(t *testing.T) {
	bids := []model.Bid{userBid("u1", model.SideSell, 10, 5)}

	exchanges, err := Allocate("u1", bids, model.ClearingResult{Price: 0, Volume: decimal.Zero}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exchanges != nil {
		t.Errorf("no-trade clearing must produce no exchanges, got %v", exchanges)
	}
}

func TestAllocate_FullPartialAndNoFill(t *testing.T) {
	result := model.ClearingResult{SessionID: "s1", Phase: 2, Price: 10, Volume: d(100)}
	internals := &model.ClearingInternals{
		SellMarginalPrice: 10, SellFillFraction: d(0.5),
		BuyMarginalPrice: 10, BuyFillFraction: d(0.25),
	}

	bids := []model.Bid{
		userBid("u1", model.SideSell, 20, 5),  // better than marginal → full
		userBid("u1", model.SideSell, 40, 10), // at marginal → 40 * 0.5
		userBid("u1", model.SideSell, 30, 15), // worse → nothing
		userBid("u1", model.SideBuy, 8, 12),   // better → full
		userBid("u1", model.SideBuy, 16, 10),  // at marginal → 16 * 0.25
		userBid("u1", model.SideBuy, 50, 3),   // worse → nothing
	}

	exchanges, err := Allocate("u1", bids, result, internals)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exchanges) != 2 {
		t.Fatalf("expected one exchange per side, got %d", len(exchanges))
	}

	sell, buy := exchanges[0], exchanges[1]
	if sell.Side != model.SideSell || buy.Side != model.SideBuy {
		t.Fatalf("unexpected sides: %s, %s", sell.Side, buy.Side)
	}
	if !sell.Volume.Equal(d(40)) { // 20 + 40*0.5
		t.Errorf("sell volume = %s, want 40", sell.Volume)
	}
	if !buy.Volume.Equal(d(12)) { // 8 + 16*0.25
		t.Errorf("buy volume = %s, want 12", buy.Volume)
	}
	for _, e := range exchanges {
		if e.Price != result.Price {
			t.Errorf("exchange price = %d, want clearing price %d", e.Price, result.Price)
		}
		if e.SessionID != "s1" || e.Phase != 2 || e.UserID != "u1" {
			t.Errorf("exchange not tagged with session/phase/user: %+v", e)
		}
	}
}

func TestAllocate_ZeroVolumeSideOmitted(t *testing.T) {
	result := model.ClearingResult{Price: 10, Volume: d(100)}
	internals := &model.ClearingInternals{
		SellMarginalPrice: 10, SellFillFraction: d(0.5),
		BuyMarginalPrice: 10, BuyFillFraction: d(1),
	}

	// Only a hopeless buy bid: nothing fills on either side.
	exchanges, err := Allocate("u1", []model.Bid{userBid("u1", model.SideBuy, 10, 1)}, result, internals)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exchanges) != 0 {
		t.Errorf("expected no exchanges, got %v", exchanges)
	}
}

func TestAllocate_MergesOwnBidsBeforeFilling(t *testing.T) {
	// Two same-price marginal bids scale as one merged bid.
	result := model.ClearingResult{Price: 10, Volume: d(100)}
	internals := &model.ClearingInternals{
		SellMarginalPrice: 10, SellFillFraction: d(0.5),
		BuyMarginalPrice: 99, BuyFillFraction: d(1),
	}

	exchanges, err := Allocate("u1", []model.Bid{
		userBid("u1", model.SideSell, 10, 10),
		userBid("u1", model.SideSell, 30, 10),
	}, result, internals)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exchanges) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(exchanges))
	}
	if !exchanges[0].Volume.Equal(d(20)) { // (10 + 30) * 0.5
		t.Errorf("sell volume = %s, want 20", exchanges[0].Volume)
	}
}

func TestAllocate_ReconcilesWithClearingVolume(t *testing.T) {
	// Full pipeline over the worked example: the per-user fills on each
	// side must sum back to the clearing volume.
	phaseBids := []model.Bid{
		userBid("u1", model.SideSell, 3, 1),
		userBid("u2", model.SideSell, 6, 3),
		userBid("u3", model.SideSell, 5, 5),
		userBid("u1", model.SideBuy, 1, 7),
		userBid("u2", model.SideBuy, 4, 5),
		userBid("u3", model.SideBuy, 2, 4),
		userBid("u4", model.SideBuy, 4, 2),
		userBid("u5", model.SideBuy, 3, 1),
	}

	sellBids, buyBids, err := SortAndMerge(phaseBids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, internals, err := Intersect(BuildStepFunction(sellBids), BuildStepFunction(buyBids))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Volume.Equal(d(7)) || result.Price != 3 {
		t.Fatalf("expected clearing 7 @ 3, got %s @ %d", result.Volume, result.Price)
	}

	sellTotal, buyTotal := decimal.Zero, decimal.Zero
	for _, userID := range []string{"u1", "u2", "u3", "u4", "u5"} {
		var own []model.Bid
		for _, b := range phaseBids {
			if b.UserID == userID {
				own = append(own, b)
			}
		}
		exchanges, err := Allocate(userID, own, result, internals)
		if err != nil {
			t.Fatalf("allocate %s: %v", userID, err)
		}
		for _, e := range exchanges {
			switch e.Side {
			case model.SideSell:
				sellTotal = sellTotal.Add(e.Volume)
			case model.SideBuy:
				buyTotal = buyTotal.Add(e.Volume)
			}
		}
	}

	tolerance := d(1)
	if sellTotal.Sub(result.Volume).Abs().GreaterThan(tolerance) {
		t.Errorf("sell fills sum to %s, want %s", sellTotal, result.Volume)
	}
	if buyTotal.Sub(result.Volume).Abs().GreaterThan(tolerance) {
		t.Errorf("buy fills sum to %s, want %s", buyTotal, result.Volume)
	}
}
