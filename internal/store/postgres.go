package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridgame/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Energy volumes are stored as NUMERIC for exact decimal precision;
// prices are BIGINT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, name, multi_game, phase_count, status, current_phase, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.Name, sess.MultiGame, sess.PhaseCount, sess.Status, sess.CurrentPhase, sess.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, multi_game, phase_count, status, current_phase, created_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Name, &sess.MultiGame, &sess.PhaseCount,
			&sess.Status, &sess.CurrentPhase, &sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	return err
}

func (s *PostgresStore) SetCurrentPhase(ctx context.Context, id string, phase int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET current_phase = $2 WHERE id = $1`, id, phase)
	return err
}

// --- Users ---

func (s *PostgresStore) AddUser(ctx context.Context, user *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, session_id, name, ready) VALUES ($1, $2, $3, $4)`,
		user.ID, user.SessionID, user.Name, user.Ready,
	)
	return err
}

func (s *PostgresStore) GetUsers(ctx context.Context, sessionID string) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, name, ready FROM users WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.SessionID, &u.Name, &u.Ready); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SetUserReady(ctx context.Context, sessionID, userID string, ready bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET ready = $3 WHERE session_id = $1 AND id = $2`,
		sessionID, userID, ready)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found in session %s", userID, sessionID)
	}
	return nil
}

func (s *PostgresStore) ResetReady(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET ready = FALSE WHERE session_id = $1`, sessionID)
	return err
}

// --- Phases ---

func (s *PostgresStore) CreatePhase(ctx context.Context, p *model.Phase) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO phases (session_id, number, status, bids_allowed, clearing_available,
		                     plannings_allowed, results_available, clearing_at, results_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.SessionID, p.Number, p.Status, p.BidsAllowed, p.ClearingAvailable,
		p.PlanningsAllowed, p.ResultsAvailable, p.ClearingAt, p.ResultsAt, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPhase(ctx context.Context, sessionID string, number int) (*model.Phase, error) {
	var p model.Phase
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, number, status, bids_allowed, clearing_available,
		        plannings_allowed, results_available, clearing_at, results_at, created_at
		 FROM phases WHERE session_id = $1 AND number = $2`, sessionID, number).
		Scan(&p.SessionID, &p.Number, &p.Status, &p.BidsAllowed, &p.ClearingAvailable,
			&p.PlanningsAllowed, &p.ResultsAvailable, &p.ClearingAt, &p.ResultsAt, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get phase %d of session %s: %w", number, sessionID, err)
	}
	return &p, nil
}

// gateColumns maps phase gates to their column names. Keys mirror the
// model.PhaseGate constants; anything else is rejected before touching SQL.
var gateColumns = map[model.PhaseGate]string{
	model.GateBids:      "bids_allowed",
	model.GateClearing:  "clearing_available",
	model.GatePlannings: "plannings_allowed",
	model.GateResults:   "results_available",
}

func (s *PostgresStore) SetPhaseGate(ctx context.Context, sessionID string, number int, gate model.PhaseGate, open bool) error {
	column, ok := gateColumns[gate]
	if !ok {
		return fmt.Errorf("unknown phase gate %q", gate)
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE phases SET %s = $3 WHERE session_id = $1 AND number = $2`, column),
		sessionID, number, open)
	return err
}

func (s *PostgresStore) ClosePhase(ctx context.Context, sessionID string, number int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE phases SET status = $3 WHERE session_id = $1 AND number = $2`,
		sessionID, number, model.PhaseStatusClosed)
	return err
}

// --- Bids ---

func (s *PostgresStore) InsertBid(ctx context.Context, b *model.Bid) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bids (id, session_id, user_id, phase, side, volume, price, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::NUMERIC, $7, $8)`,
		b.ID, b.SessionID, b.UserID, b.Phase, string(b.Side),
		b.Volume.String(), b.Price, b.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteBid(ctx context.Context, sessionID, bidID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM bids WHERE session_id = $1 AND id = $2`, sessionID, bidID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bid %s not found in session %s", bidID, sessionID)
	}
	return nil
}

func (s *PostgresStore) GetBidsForPhase(ctx context.Context, sessionID string, phase int) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, COALESCE(user_id, ''), phase, side, volume::TEXT, price, created_at
		 FROM bids WHERE session_id = $1 AND phase = $2 ORDER BY created_at`, sessionID, phase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

func (s *PostgresStore) GetBidsForUserInPhase(ctx context.Context, sessionID, userID string, phase int) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, COALESCE(user_id, ''), phase, side, volume::TEXT, price, created_at
		 FROM bids WHERE session_id = $1 AND user_id = $2 AND phase = $3 ORDER BY created_at`,
		sessionID, userID, phase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

// --- Clearing results ---

func (s *PostgresStore) SaveClearing(ctx context.Context, result *model.ClearingResult, internals *model.ClearingInternals) error {
	buyMarginal, sellMarginal := int64(0), int64(0)
	buyFraction, sellFraction := "0", "0"
	if internals != nil {
		buyMarginal = internals.BuyMarginalPrice
		sellMarginal = internals.SellMarginalPrice
		buyFraction = internals.BuyFillFraction.String()
		sellFraction = internals.SellFillFraction.String()
	}

	// (session_id, phase) is the primary key, so re-clearing a phase
	// fails here instead of silently overwriting an immutable result.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clearings (session_id, phase, price, volume,
		                        buy_marginal_price, buy_fill_fraction,
		                        sell_marginal_price, sell_fill_fraction)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7, $8::NUMERIC)`,
		result.SessionID, result.Phase, result.Price, result.Volume.String(),
		buyMarginal, buyFraction, sellMarginal, sellFraction,
	)
	return err
}

func (s *PostgresStore) GetClearing(ctx context.Context, sessionID string, phase int) (*model.ClearingResult, error) {
	var r model.ClearingResult
	var volume string

	err := s.pool.QueryRow(ctx,
		`SELECT session_id, phase, price, volume::TEXT
		 FROM clearings WHERE session_id = $1 AND phase = $2`, sessionID, phase).
		Scan(&r.SessionID, &r.Phase, &r.Price, &volume)
	if err != nil {
		return nil, fmt.Errorf("get clearing for session %s phase %d: %w", sessionID, phase, err)
	}
	r.Volume, _ = decimal.NewFromString(volume)
	return &r, nil
}

// --- Exchanges ---

func (s *PostgresStore) SaveExchanges(ctx context.Context, exchanges []model.Exchange) error {
	for _, e := range exchanges {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO exchanges (id, user_id, session_id, phase, side, volume, price)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
			e.ID, e.UserID, e.SessionID, e.Phase, string(e.Side), e.Volume.String(), e.Price,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetExchangesForUser(ctx context.Context, sessionID, userID string, phase int) ([]model.Exchange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, phase, side, volume::TEXT, price
		 FROM exchanges WHERE session_id = $1 AND user_id = $2 AND phase = $3 ORDER BY side`,
		sessionID, userID, phase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []model.Exchange
	for rows.Next() {
		var e model.Exchange
		var side, volume string
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Phase, &side, &volume, &e.Price); err != nil {
			return nil, err
		}
		e.Side = model.Side(side)
		e.Volume, _ = decimal.NewFromString(volume)
		exchanges = append(exchanges, e)
	}
	return exchanges, rows.Err()
}

// scanBids reads pgx rows into Bid slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanBids(rows pgxRows) ([]model.Bid, error) {
	var bids []model.Bid
	for rows.Next() {
		var b model.Bid
		var side, volume string

		if err := rows.Scan(&b.ID, &b.SessionID, &b.UserID, &b.Phase, &side, &volume, &b.Price, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Side = model.Side(side)
		b.Volume, _ = decimal.NewFromString(volume)
		bids = append(bids, b)
	}
	return bids, rows.Err()
}
