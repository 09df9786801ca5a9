// Package store defines the persistence interface for the game engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/gridgame/market-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache for the hot phase/clearing reads.
type Store interface {
	// --- Sessions ---

	// CreateSession persists a new game session.
	CreateSession(ctx context.Context, session *model.Session) error

	// GetSession retrieves a session by its ID.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// UpdateSessionStatus moves a session between pending/running/ended.
	UpdateSessionStatus(ctx context.Context, id, status string) error

	// SetCurrentPhase records the most recently opened phase number.
	SetCurrentPhase(ctx context.Context, id string, phase int) error

	// --- Users ---

	// AddUser registers a participant in a session.
	AddUser(ctx context.Context, user *model.User) error

	// GetUsers returns all participants of a session.
	GetUsers(ctx context.Context, sessionID string) ([]model.User, error)

	// SetUserReady flips one user's skip-ahead readiness flag.
	SetUserReady(ctx context.Context, sessionID, userID string, ready bool) error

	// ResetReady clears every user's readiness flag in a session.
	ResetReady(ctx context.Context, sessionID string) error

	// --- Phases ---

	// CreatePhase persists a newly opened phase record.
	CreatePhase(ctx context.Context, phase *model.Phase) error

	// GetPhase retrieves one phase of a session.
	GetPhase(ctx context.Context, sessionID string, number int) (*model.Phase, error)

	// SetPhaseGate flips one of the four capability gates of a phase.
	SetPhaseGate(ctx context.Context, sessionID string, number int, gate model.PhaseGate, open bool) error

	// ClosePhase marks a phase closed after results are computed.
	ClosePhase(ctx context.Context, sessionID string, number int) error

	// --- Bids ---

	// InsertBid appends a bid to its session and phase.
	InsertBid(ctx context.Context, bid *model.Bid) error

	// DeleteBid removes a bid while its phase still accepts bids.
	DeleteBid(ctx context.Context, sessionID, bidID string) error

	// GetBidsForPhase returns every bid of one phase, scenario bids included.
	GetBidsForPhase(ctx context.Context, sessionID string, phase int) ([]model.Bid, error)

	// GetBidsForUserInPhase returns one user's bids for one phase.
	GetBidsForUserInPhase(ctx context.Context, sessionID, userID string, phase int) ([]model.Bid, error)

	// --- Clearing results ---

	// SaveClearing persists a clearing result with its marginal-bid
	// internals. Results are computed once per phase and immutable;
	// saving a second result for the same phase is an error.
	SaveClearing(ctx context.Context, result *model.ClearingResult, internals *model.ClearingInternals) error

	// GetClearing retrieves a phase's clearing result, if computed.
	GetClearing(ctx context.Context, sessionID string, phase int) (*model.ClearingResult, error)

	// --- Exchanges ---

	// SaveExchanges appends per-user fill records for a cleared phase.
	SaveExchanges(ctx context.Context, exchanges []model.Exchange) error

	// GetExchangesForUser returns one user's fills for one phase.
	GetExchangesForUser(ctx context.Context, sessionID, userID string, phase int) ([]model.Exchange, error)
}
