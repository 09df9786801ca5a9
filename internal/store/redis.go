package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridgame/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot reads: session, phase, and clearing lookups, which every
// bid placement and every timer callback performs. Writes go to the primary
// store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Sessions ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheJSON(ctx, sessionKey(sess.ID), sess)
	return nil
}

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == nil {
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}

	sess, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, sessionKey(id), sess)
	return sess, nil
}

func (s *CachedStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	if err := s.primary.UpdateSessionStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(id))
	return nil
}

func (s *CachedStore) SetCurrentPhase(ctx context.Context, id string, phase int) error {
	if err := s.primary.SetCurrentPhase(ctx, id, phase); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(id))
	return nil
}

// --- Phases ---

func (s *CachedStore) CreatePhase(ctx context.Context, p *model.Phase) error {
	if err := s.primary.CreatePhase(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, phaseCacheKey(p.SessionID, p.Number), p)
	return nil
}

func (s *CachedStore) GetPhase(ctx context.Context, sessionID string, number int) (*model.Phase, error) {
	data, err := s.rdb.Get(ctx, phaseCacheKey(sessionID, number)).Bytes()
	if err == nil {
		var p model.Phase
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPhase(ctx, sessionID, number)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, phaseCacheKey(sessionID, number), p)
	return p, nil
}

func (s *CachedStore) SetPhaseGate(ctx context.Context, sessionID string, number int, gate model.PhaseGate, open bool) error {
	if err := s.primary.SetPhaseGate(ctx, sessionID, number, gate, open); err != nil {
		return err
	}
	s.rdb.Del(ctx, phaseCacheKey(sessionID, number))
	return nil
}

func (s *CachedStore) ClosePhase(ctx context.Context, sessionID string, number int) error {
	if err := s.primary.ClosePhase(ctx, sessionID, number); err != nil {
		return err
	}
	s.rdb.Del(ctx, phaseCacheKey(sessionID, number))
	return nil
}

// --- Clearing results ---

func (s *CachedStore) SaveClearing(ctx context.Context, result *model.ClearingResult, internals *model.ClearingInternals) error {
	if err := s.primary.SaveClearing(ctx, result, internals); err != nil {
		return err
	}
	s.cacheJSON(ctx, clearingKey(result.SessionID, result.Phase), result)
	return nil
}

func (s *CachedStore) GetClearing(ctx context.Context, sessionID string, phase int) (*model.ClearingResult, error) {
	data, err := s.rdb.Get(ctx, clearingKey(sessionID, phase)).Bytes()
	if err == nil {
		var r model.ClearingResult
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetClearing(ctx, sessionID, phase)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, clearingKey(sessionID, phase), r)
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) AddUser(ctx context.Context, user *model.User) error {
	return s.primary.AddUser(ctx, user)
}

func (s *CachedStore) GetUsers(ctx context.Context, sessionID string) ([]model.User, error) {
	return s.primary.GetUsers(ctx, sessionID)
}

func (s *CachedStore) SetUserReady(ctx context.Context, sessionID, userID string, ready bool) error {
	return s.primary.SetUserReady(ctx, sessionID, userID, ready)
}

func (s *CachedStore) ResetReady(ctx context.Context, sessionID string) error {
	return s.primary.ResetReady(ctx, sessionID)
}

func (s *CachedStore) InsertBid(ctx context.Context, bid *model.Bid) error {
	return s.primary.InsertBid(ctx, bid)
}

func (s *CachedStore) DeleteBid(ctx context.Context, sessionID, bidID string) error {
	return s.primary.DeleteBid(ctx, sessionID, bidID)
}

func (s *CachedStore) GetBidsForPhase(ctx context.Context, sessionID string, phase int) ([]model.Bid, error) {
	return s.primary.GetBidsForPhase(ctx, sessionID, phase)
}

func (s *CachedStore) GetBidsForUserInPhase(ctx context.Context, sessionID, userID string, phase int) ([]model.Bid, error) {
	return s.primary.GetBidsForUserInPhase(ctx, sessionID, userID, phase)
}

func (s *CachedStore) SaveExchanges(ctx context.Context, exchanges []model.Exchange) error {
	return s.primary.SaveExchanges(ctx, exchanges)
}

func (s *CachedStore) GetExchangesForUser(ctx context.Context, sessionID, userID string, phase int) ([]model.Exchange, error) {
	return s.primary.GetExchangesForUser(ctx, sessionID, userID, phase)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func sessionKey(id string) string                { return fmt.Sprintf("session:%s", id) }
func phaseCacheKey(id string, n int) string      { return fmt.Sprintf("phase:%s:%d", id, n) }
func clearingKey(id string, n int) string        { return fmt.Sprintf("clearing:%s:%d", id, n) }
