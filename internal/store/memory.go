package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridgame/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*model.Session
	users     map[string][]*model.User // keyed by session ID
	phases    map[string]*model.Phase  // keyed by session ID + phase number
	bids      map[string][]model.Bid   // keyed by session ID
	clearings map[string]*clearingRecord
	exchanges map[string][]model.Exchange // keyed by session ID
}

type clearingRecord struct {
	result    model.ClearingResult
	internals model.ClearingInternals
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*model.Session),
		users:     make(map[string][]*model.User),
		phases:    make(map[string]*model.Phase),
		bids:      make(map[string][]model.Bid),
		clearings: make(map[string]*clearingRecord),
		exchanges: make(map[string][]model.Exchange),
	}
}

func phaseKey(sessionID string, number int) string {
	return fmt.Sprintf("%s/%d", sessionID, number)
}

// --- Sessions ---

func (s *MemoryStore) CreateSession(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	copy := *session
	s.sessions[session.ID] = &copy
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	copy := *sess
	return &copy, nil
}

func (s *MemoryStore) UpdateSessionStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	sess.Status = status
	return nil
}

func (s *MemoryStore) SetCurrentPhase(_ context.Context, id string, phase int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	sess.CurrentPhase = phase
	return nil
}

// --- Users ---

func (s *MemoryStore) AddUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *user
	s.users[user.SessionID] = append(s.users[user.SessionID], &copy)
	return nil
}

func (s *MemoryStore) GetUsers(_ context.Context, sessionID string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users[sessionID]))
	for _, u := range s.users[sessionID] {
		users = append(users, *u)
	}
	return users, nil
}

func (s *MemoryStore) SetUserReady(_ context.Context, sessionID, userID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users[sessionID] {
		if u.ID == userID {
			u.Ready = ready
			return nil
		}
	}
	return fmt.Errorf("user %s not found in session %s", userID, sessionID)
}

func (s *MemoryStore) ResetReady(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users[sessionID] {
		u.Ready = false
	}
	return nil
}

// --- Phases ---

func (s *MemoryStore) CreatePhase(_ context.Context, phase *model.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := phaseKey(phase.SessionID, phase.Number)
	if _, exists := s.phases[key]; exists {
		return fmt.Errorf("phase %d already exists for session %s", phase.Number, phase.SessionID)
	}
	copy := *phase
	s.phases[key] = &copy
	return nil
}

func (s *MemoryStore) GetPhase(_ context.Context, sessionID string, number int) (*model.Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.phases[phaseKey(sessionID, number)]
	if !ok {
		return nil, fmt.Errorf("phase %d not found for session %s", number, sessionID)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) SetPhaseGate(_ context.Context, sessionID string, number int, gate model.PhaseGate, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.phases[phaseKey(sessionID, number)]
	if !ok {
		return fmt.Errorf("phase %d not found for session %s", number, sessionID)
	}
	switch gate {
	case model.GateBids:
		p.BidsAllowed = open
	case model.GateClearing:
		p.ClearingAvailable = open
	case model.GatePlannings:
		p.PlanningsAllowed = open
	case model.GateResults:
		p.ResultsAvailable = open
	default:
		return fmt.Errorf("unknown phase gate %q", gate)
	}
	return nil
}

func (s *MemoryStore) ClosePhase(_ context.Context, sessionID string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.phases[phaseKey(sessionID, number)]
	if !ok {
		return fmt.Errorf("phase %d not found for session %s", number, sessionID)
	}
	p.Status = model.PhaseStatusClosed
	return nil
}

// --- Bids ---

func (s *MemoryStore) InsertBid(_ context.Context, bid *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bids[bid.SessionID] = append(s.bids[bid.SessionID], *bid)
	return nil
}

func (s *MemoryStore) DeleteBid(_ context.Context, sessionID, bidID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bids := s.bids[sessionID]
	for i, b := range bids {
		if b.ID == bidID {
			s.bids[sessionID] = append(bids[:i], bids[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("bid %s not found in session %s", bidID, sessionID)
}

func (s *MemoryStore) GetBidsForPhase(_ context.Context, sessionID string, phase int) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, b := range s.bids[sessionID] {
		if b.Phase == phase {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetBidsForUserInPhase(_ context.Context, sessionID, userID string, phase int) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, b := range s.bids[sessionID] {
		if b.Phase == phase && b.UserID == userID {
			result = append(result, b)
		}
	}
	return result, nil
}

// --- Clearing results ---

func (s *MemoryStore) SaveClearing(_ context.Context, result *model.ClearingResult, internals *model.ClearingInternals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := phaseKey(result.SessionID, result.Phase)
	if _, exists := s.clearings[key]; exists {
		return fmt.Errorf("clearing already saved for session %s phase %d", result.SessionID, result.Phase)
	}
	rec := &clearingRecord{result: *result}
	if internals != nil {
		rec.internals = *internals
	}
	s.clearings[key] = rec
	return nil
}

func (s *MemoryStore) GetClearing(_ context.Context, sessionID string, phase int) (*model.ClearingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.clearings[phaseKey(sessionID, phase)]
	if !ok {
		return nil, fmt.Errorf("no clearing for session %s phase %d", sessionID, phase)
	}
	copy := rec.result
	return &copy, nil
}

// --- Exchanges ---

func (s *MemoryStore) SaveExchanges(_ context.Context, exchanges []model.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range exchanges {
		s.exchanges[e.SessionID] = append(s.exchanges[e.SessionID], e)
	}
	return nil
}

func (s *MemoryStore) GetExchangesForUser(_ context.Context, sessionID, userID string, phase int) ([]model.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Exchange
	for _, e := range s.exchanges[sessionID] {
		if e.Phase == phase && e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}
