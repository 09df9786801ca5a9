// Package model defines the core domain types shared across the game engine.
// Energy volumes and fill fractions use shopspring/decimal — never float64.
// Prices are integer currency units per MWh so they survive persistence
// round-trips without drift.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of a bid: buying or selling energy.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Bid is a single-sided offer of volume at a price for one phase.
// Immutable once placed; deletable only while the owning phase still
// accepts bids.
type Bid struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	UserID    string          `json:"user_id" db:"user_id"` // empty for scenario bids
	Phase     int             `json:"phase" db:"phase"`
	Side      Side            `json:"side" db:"side"`
	Volume    decimal.Decimal `json:"volume" db:"volume"` // MWh, > 0
	Price     int64           `json:"price" db:"price"`   // currency/MWh
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Segment is one contiguous interval of a monotonic step function built
// from ordered bids: volume in [VolumeStart, VolumeEnd) trades at Price.
// Segments are contiguous (seg[i].VolumeEnd == seg[i+1].VolumeStart) and
// the first segment starts at zero.
type Segment struct {
	VolumeStart decimal.Decimal `json:"volume_start"`
	VolumeEnd   decimal.Decimal `json:"volume_end"`
	Price       int64           `json:"price"`
}

// ClearingResult is the uniform price and total volume for one phase.
// Volume zero means no trade occurred; in that case Price is zero too.
// No-trade is a valid terminal outcome, not an error.
type ClearingResult struct {
	SessionID string          `json:"session_id" db:"session_id"`
	Phase     int             `json:"phase" db:"phase"`
	Price     int64           `json:"price" db:"price"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
}

// ClearingInternals is the bookkeeping needed to allocate fills to the
// bids sitting exactly at the clearing boundary. It exists only when a
// clearing with positive volume was found.
type ClearingInternals struct {
	BuyMarginalPrice  int64           `json:"buy_marginal_price" db:"buy_marginal_price"`
	BuyFillFraction   decimal.Decimal `json:"buy_fill_fraction" db:"buy_fill_fraction"`
	SellMarginalPrice int64           `json:"sell_marginal_price" db:"sell_marginal_price"`
	SellFillFraction  decimal.Decimal `json:"sell_fill_fraction" db:"sell_fill_fraction"`
}

// Exchange is a per-user fill record derived from a clearing result and
// the user's own bids. At most one per side per user per phase; records
// with zero volume are never persisted.
type Exchange struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	SessionID string          `json:"session_id" db:"session_id"`
	Phase     int             `json:"phase" db:"phase"`
	Side      Side            `json:"side" db:"side"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
	Price     int64           `json:"price" db:"price"`
}

// Phase statuses.
const (
	PhaseStatusOpen   = "open"
	PhaseStatusClosed = "closed"
)

// PhaseGate names one of the four independent capability gates of a phase.
type PhaseGate string

const (
	GateBids      PhaseGate = "bids_allowed"
	GateClearing  PhaseGate = "clearing_available"
	GatePlannings PhaseGate = "plannings_allowed"
	GateResults   PhaseGate = "results_available"
)

// Phase is one discrete round of the game. The four booleans are kept as
// independent gates for external consumers; all transitions run through
// the scheduler so invalid combinations are unreachable.
type Phase struct {
	SessionID         string    `json:"session_id" db:"session_id"`
	Number            int       `json:"number" db:"number"` // 0-based, monotonically increasing
	Status            string    `json:"status" db:"status"`
	BidsAllowed       bool      `json:"bids_allowed" db:"bids_allowed"`
	ClearingAvailable bool      `json:"clearing_available" db:"clearing_available"`
	PlanningsAllowed  bool      `json:"plannings_allowed" db:"plannings_allowed"`
	ResultsAvailable  bool      `json:"results_available" db:"results_available"`
	ClearingAt        time.Time `json:"clearing_at" db:"clearing_at"`
	ResultsAt         time.Time `json:"results_at" db:"results_at"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Stage is a derived read-only view of the gate booleans for consumers
// that want a single enum. Storage stays on the four gates.
type Stage string

const (
	StageBidding  Stage = "bidding"
	StageClearing Stage = "clearing"
	StagePlanning Stage = "planning"
	StageResults  Stage = "results"
	StageClosed   Stage = "closed"
)

// Stage derives the current stage from the gate booleans.
func (p *Phase) Stage() Stage {
	switch {
	case p.Status == PhaseStatusClosed:
		return StageClosed
	case p.BidsAllowed:
		return StageBidding
	case !p.ClearingAvailable:
		return StageClearing
	case p.PlanningsAllowed:
		return StagePlanning
	default:
		return StageResults
	}
}

// Session statuses.
const (
	SessionStatusPending = "pending"
	SessionStatusRunning = "running"
	SessionStatusEnded   = "ended"
)

// Session is one game instance. CurrentPhase is the number of the most
// recently opened phase, -1 before the first phase starts. PhaseCount is
// decided outside the scheduler; the scheduler reads it and obeys.
type Session struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	MultiGame    bool      `json:"multi_game" db:"multi_game"` // true → ≥2 ready users required for skip-ahead
	PhaseCount   int       `json:"phase_count" db:"phase_count"`
	Status       string    `json:"status" db:"status"`
	CurrentPhase int       `json:"current_phase" db:"current_phase"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// User is a participant in one session. Ready is the skip-ahead flag,
// reset to false after every forced transition.
type User struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	Name      string `json:"name" db:"name"`
	Ready     bool   `json:"ready" db:"ready"`
}
