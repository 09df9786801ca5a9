// Package scheduler drives the per-session phase lifecycle: opening
// phases, arming and canceling the clearing/results timer pair, running
// the clearing pipeline, and skipping ahead when every player signals
// readiness before a timer elapses.
//
// Each session owns exactly one pair of pending timers at any instant.
// Timer callbacks re-check the phase gates before acting, so a stale
// callback that lost the race against a skip-ahead is a silent no-op.
// Within one session all transitions serialize on the session's mutex;
// across sessions they are fully independent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridgame/market-engine/internal/auction"
	"github.com/gridgame/market-engine/internal/metrics"
	"github.com/gridgame/market-engine/internal/model"
	"github.com/gridgame/market-engine/internal/store"
)

// Lifecycle events broadcast to session participants.
const (
	EventClearingStarted  = "clearing-started"
	EventClearingFinished = "clearing-finished"
	EventPlanningsClosed  = "plannings-closed"
	EventResultsAvailable = "results-available"
	EventNewGamePhase     = "new-game-phase"
	EventResetGameReady   = "reset-game-ready"
)

// ErrInvalidConfig is returned when the planning window does not extend
// beyond the bidding window.
var ErrInvalidConfig = errors.New("scheduler: plannings duration must exceed bids duration")

// Broadcaster is the notification sink for lifecycle events.
// Fire-and-forget; the scheduler never waits for delivery.
type Broadcaster interface {
	Broadcast(sessionID, event string, payload any)
}

// Config holds the phase timing. Both windows are measured from phase
// start: bids close after BidsDuration, results fire after
// PlanningsDuration.
type Config struct {
	BidsDuration      time.Duration
	PlanningsDuration time.Duration
}

// Role names one of the two timers a session can have pending.
type Role string

const (
	RoleClearing Role = "clearing"
	RoleResults  Role = "results"
)

// PendingTransition identifies a scheduled transition. Timers carry this
// value instead of closing over mutable session state, so firing is a
// pure function of (session, role, phase) re-validated against the
// store.
type PendingTransition struct {
	SessionID string
	Role      Role
	Phase     int
}

// sessionTimers is one session's scheduling state. The mutex serializes
// every transition of the session, including the cancel-then-arm
// sequence, which therefore never interleaves with a firing callback.
type sessionTimers struct {
	mu       sync.Mutex
	clearing *time.Timer
	results  *time.Timer
}

// Scheduler advances game sessions through their phases.
type Scheduler struct {
	store store.Store
	hub   Broadcaster
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*sessionTimers
}

// New creates a scheduler. The hub may be nil when broadcasting is not
// needed (tests).
func New(st store.Store, hub Broadcaster, cfg Config) (*Scheduler, error) {
	if cfg.BidsDuration <= 0 || cfg.PlanningsDuration <= cfg.BidsDuration {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		store:    st,
		hub:      hub,
		cfg:      cfg,
		sessions: make(map[string]*sessionTimers),
	}, nil
}

// timersFor returns the session's timer record, creating it on first use.
func (s *Scheduler) timersFor(sessionID string) *sessionTimers {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionTimers{}
		s.sessions[sessionID] = st
	}
	return st
}

func (s *Scheduler) broadcast(sessionID, event string, payload any) {
	if s.hub != nil {
		s.hub.Broadcast(sessionID, event, payload)
	}
}

// StartNewPhase opens the session's next phase and arms its timer pair.
// When the configured phase count is exhausted it ends the session
// instead.
func (s *Scheduler) StartNewPhase(ctx context.Context, sessionID string) error {
	st := s.timersFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.startNewPhaseLocked(ctx, st, sessionID)
}

func (s *Scheduler) startNewPhaseLocked(ctx context.Context, st *sessionTimers, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("start new phase: %w", err)
	}

	next := sess.CurrentPhase + 1
	if sess.PhaseCount > 0 && next >= sess.PhaseCount {
		stopTimersLocked(st)
		if err := s.store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusEnded); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		metrics.ActiveSessions.Dec()
		slog.Info("session ended", "session", sessionID, "phases", sess.PhaseCount)
		return nil
	}

	now := time.Now().UTC()
	phase := &model.Phase{
		SessionID:   sessionID,
		Number:      next,
		Status:      model.PhaseStatusOpen,
		BidsAllowed: true,
		ClearingAt:  now.Add(s.cfg.BidsDuration),
		ResultsAt:   now.Add(s.cfg.PlanningsDuration),
		CreatedAt:   now,
	}
	if err := s.store.CreatePhase(ctx, phase); err != nil {
		return fmt.Errorf("create phase %d: %w", next, err)
	}
	if err := s.store.SetCurrentPhase(ctx, sessionID, next); err != nil {
		return fmt.Errorf("set current phase: %w", err)
	}

	s.armLocked(st, PendingTransition{SessionID: sessionID, Role: RoleClearing, Phase: next}, s.cfg.BidsDuration)
	s.armLocked(st, PendingTransition{SessionID: sessionID, Role: RoleResults, Phase: next}, s.cfg.PlanningsDuration)

	s.broadcast(sessionID, EventNewGamePhase, map[string]any{
		"phase":       next,
		"clearing_at": phase.ClearingAt,
		"results_at":  phase.ResultsAt,
	})
	slog.Info("phase opened", "session", sessionID, "phase", next)
	return nil
}

// armLocked replaces the session's timer for the transition's role.
// Cancel-then-arm under the session mutex: a canceled timer that already
// fired blocks on the same mutex and then finds its gate closed.
func (s *Scheduler) armLocked(st *sessionTimers, pt PendingTransition, d time.Duration) {
	timer := time.AfterFunc(d, func() { s.fire(pt) })
	switch pt.Role {
	case RoleClearing:
		if st.clearing != nil {
			st.clearing.Stop()
		}
		st.clearing = timer
	case RoleResults:
		if st.results != nil {
			st.results.Stop()
		}
		st.results = timer
	}
}

func stopTimersLocked(st *sessionTimers) {
	if st.clearing != nil {
		st.clearing.Stop()
		st.clearing = nil
	}
	if st.results != nil {
		st.results.Stop()
		st.results = nil
	}
}

// fire runs a timer-driven transition. A failure in one session's
// callback is logged and leaves that session's gates unchanged — the
// stuck phase stays observable — without affecting other sessions.
func (s *Scheduler) fire(pt PendingTransition) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("phase transition panicked", "session", pt.SessionID, "role", pt.Role, "panic", r)
		}
	}()

	ctx := context.Background()
	st := s.timersFor(pt.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var err error
	switch pt.Role {
	case RoleClearing:
		err = s.clearPhaseLocked(ctx, pt.SessionID, pt.Phase, "timer")
	case RoleResults:
		err = s.finishPhaseLocked(ctx, st, pt.SessionID, pt.Phase, "timer")
	}
	if err != nil {
		slog.Error("phase transition failed", "session", pt.SessionID, "role", pt.Role, "phase", pt.Phase, "err", err)
	}
}

// clearPhaseLocked closes the bidding window and runs the clearing
// pipeline: aggregate bids, intersect the curves, allocate per-user
// fills, persist everything, open the clearing gate. Idempotent per
// phase: once bids are no longer allowed the call is a no-op, so timer
// and skip-ahead can race without double-clearing.
func (s *Scheduler) clearPhaseLocked(ctx context.Context, sessionID string, phase int, trigger string) error {
	p, err := s.store.GetPhase(ctx, sessionID, phase)
	if err != nil {
		return fmt.Errorf("clearing: %w", err)
	}
	if !p.BidsAllowed {
		slog.Debug("clearing already handled", "session", sessionID, "phase", phase, "trigger", trigger)
		return nil
	}

	if err := s.store.SetPhaseGate(ctx, sessionID, phase, model.GateBids, false); err != nil {
		return fmt.Errorf("close bids: %w", err)
	}
	s.broadcast(sessionID, EventClearingStarted, map[string]any{"phase": phase})

	start := time.Now()
	bids, err := s.store.GetBidsForPhase(ctx, sessionID, phase)
	if err != nil {
		return fmt.Errorf("fetch bids: %w", err)
	}

	sellBids, buyBids, err := auction.SortAndMerge(bids)
	if err != nil {
		return fmt.Errorf("aggregate bids: %w", err)
	}
	result, internals, err := auction.Intersect(
		auction.BuildStepFunction(sellBids),
		auction.BuildStepFunction(buyBids),
	)
	if err != nil {
		return fmt.Errorf("intersect curves: %w", err)
	}
	result.SessionID = sessionID
	result.Phase = phase

	if err := s.store.SaveClearing(ctx, &result, internals); err != nil {
		return fmt.Errorf("save clearing: %w", err)
	}

	// Allocation is independent per user; order carries no meaning.
	users, err := s.store.GetUsers(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}
	var exchanges []model.Exchange
	for _, u := range users {
		own, err := s.store.GetBidsForUserInPhase(ctx, sessionID, u.ID, phase)
		if err != nil {
			return fmt.Errorf("fetch bids for user %s: %w", u.ID, err)
		}
		fills, err := auction.Allocate(u.ID, own, result, internals)
		if err != nil {
			return fmt.Errorf("allocate for user %s: %w", u.ID, err)
		}
		for i := range fills {
			fills[i].ID = uuid.New().String()
		}
		exchanges = append(exchanges, fills...)
	}
	if err := s.store.SaveExchanges(ctx, exchanges); err != nil {
		return fmt.Errorf("save exchanges: %w", err)
	}

	if err := s.store.SetPhaseGate(ctx, sessionID, phase, model.GateClearing, true); err != nil {
		return fmt.Errorf("open clearing gate: %w", err)
	}
	if err := s.store.SetPhaseGate(ctx, sessionID, phase, model.GatePlannings, true); err != nil {
		return fmt.Errorf("open plannings: %w", err)
	}

	outcome := "trade"
	if result.Volume.IsZero() {
		outcome = "no_trade"
	}
	metrics.ClearingsTotal.WithLabelValues(outcome).Inc()
	metrics.ClearingDuration.Observe(time.Since(start).Seconds())
	metrics.PhaseTransitionsTotal.WithLabelValues(trigger, string(RoleClearing)).Inc()

	s.broadcast(sessionID, EventClearingFinished, map[string]any{
		"phase":  phase,
		"price":  result.Price,
		"volume": result.Volume,
	})
	slog.Info("phase cleared",
		"session", sessionID,
		"phase", phase,
		"trigger", trigger,
		"price", result.Price,
		"volume", result.Volume.String(),
		"exchanges", len(exchanges),
	)
	return nil
}

// finishPhaseLocked closes the planning window, publishes results,
// closes the phase, and opens the next one (or ends the session).
// Idempotent the same way clearPhaseLocked is, keyed on the plannings
// gate. A phase whose clearing never completed is left stuck and
// observable rather than closed with made-up results.
func (s *Scheduler) finishPhaseLocked(ctx context.Context, st *sessionTimers, sessionID string, phase int, trigger string) error {
	p, err := s.store.GetPhase(ctx, sessionID, phase)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}
	if !p.PlanningsAllowed && p.ClearingAvailable {
		slog.Debug("results already handled", "session", sessionID, "phase", phase, "trigger", trigger)
		return nil
	}
	if !p.ClearingAvailable {
		slog.Warn("results due but clearing unavailable, leaving phase open",
			"session", sessionID, "phase", phase)
		return nil
	}

	if err := s.store.SetPhaseGate(ctx, sessionID, phase, model.GatePlannings, false); err != nil {
		return fmt.Errorf("close plannings: %w", err)
	}
	s.broadcast(sessionID, EventPlanningsClosed, map[string]any{"phase": phase})

	if err := s.store.ResetReady(ctx, sessionID); err != nil {
		return fmt.Errorf("reset readiness: %w", err)
	}
	s.broadcast(sessionID, EventResetGameReady, nil)

	if err := s.store.ClosePhase(ctx, sessionID, phase); err != nil {
		return fmt.Errorf("close phase: %w", err)
	}
	if err := s.store.SetPhaseGate(ctx, sessionID, phase, model.GateResults, true); err != nil {
		return fmt.Errorf("open results gate: %w", err)
	}
	metrics.PhaseTransitionsTotal.WithLabelValues(trigger, string(RoleResults)).Inc()
	s.broadcast(sessionID, EventResultsAvailable, map[string]any{"phase": phase})
	slog.Info("phase closed", "session", sessionID, "phase", phase, "trigger", trigger)

	// Results for phase N happen before any bid of phase N+1 is
	// accepted: the next phase opens only after the gates above flipped.
	return s.startNewPhaseLocked(ctx, st, sessionID)
}

// OnAllPlayersReady is invoked after every readiness-flag flip. When the
// whole session is ready it advances the lifecycle early: start the
// session or next phase, clear ahead of the bids timer, or publish
// results ahead of the results timer — exactly one of these, in that
// priority order.
func (s *Scheduler) OnAllPlayersReady(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == model.SessionStatusEnded {
		return nil
	}
	users, err := s.store.GetUsers(ctx, sessionID)
	if err != nil {
		return err
	}
	if !allReady(users, sess.MultiGame) {
		return nil
	}

	st := s.timersFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Re-read under the session lock: a timer may have advanced the
	// phase while we were checking readiness.
	sess, err = s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	var phase *model.Phase
	if sess.CurrentPhase >= 0 {
		phase, err = s.store.GetPhase(ctx, sessionID, sess.CurrentPhase)
		if err != nil {
			return err
		}
	}

	switch {
	case phase == nil || phase.Status == model.PhaseStatusClosed:
		if sess.Status == model.SessionStatusPending {
			if err := s.store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusRunning); err != nil {
				return err
			}
			metrics.ActiveSessions.Inc()
			slog.Info("session started", "session", sessionID, "users", len(users))
		}
		if err := s.startNewPhaseLocked(ctx, st, sessionID); err != nil {
			return err
		}

	case phase.BidsAllowed:
		// Skip ahead to clearing. Stop the pending timer first so the
		// callback runs at most once, then re-arm the results timer so
		// the planning window keeps its full length measured from now.
		if st.clearing != nil {
			st.clearing.Stop()
			st.clearing = nil
		}
		if err := s.clearPhaseLocked(ctx, sessionID, phase.Number, "skip_ahead"); err != nil {
			return err
		}
		s.armLocked(st,
			PendingTransition{SessionID: sessionID, Role: RoleResults, Phase: phase.Number},
			s.cfg.PlanningsDuration-s.cfg.BidsDuration)

	case phase.PlanningsAllowed && phase.ClearingAvailable:
		if st.results != nil {
			st.results.Stop()
			st.results = nil
		}
		return s.finishPhaseLocked(ctx, st, sessionID, phase.Number, "skip_ahead")

	default:
		// Past every gate; wait for the natural close.
		return nil
	}

	if err := s.store.ResetReady(ctx, sessionID); err != nil {
		return err
	}
	s.broadcast(sessionID, EventResetGameReady, nil)
	return nil
}

// allReady reports whether every participant flagged ready. Multi-player
// sessions additionally require at least two participants.
func allReady(users []model.User, multiGame bool) bool {
	if len(users) == 0 || (multiGame && len(users) < 2) {
		return false
	}
	for _, u := range users {
		if !u.Ready {
			return false
		}
	}
	return true
}
