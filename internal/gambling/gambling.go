// Package gambling implements the casino games. Every game shares one
// session lifecycle (idle, in progress, then won, lost or pushed) and differs
// only in its Strategy: how a round is dealt, advanced and paid.
//
// Wagers and payouts go through economy.Engine.Transact, in the same
// transaction that writes the session, so a resolved session and its credit
// are never observed apart.
package gambling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/killfeed/killfeed/internal/config"
	"github.com/killfeed/killfeed/internal/economy"
	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/internal/random"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

// Ledger reasons written by the games.
const (
	ReasonWager  = "gamble_wager"
	ReasonPayout = "gamble_payout"
)

// Action is a player move in a multi-step game.
type Action string

const (
	ActionHit   Action = "hit"
	ActionStand Action = "stand"
)

// Outcome resolves a round. Payout is the total returned to the player,
// stake included; zero for a loss.
type Outcome struct {
	State  types.SessionState
	Payout int64
}

// Strategy is the game-specific part of a session.
type Strategy interface {
	Game() types.GameKind
	// Deal opens a round. A non-nil Outcome resolves the session at once.
	Deal(rng random.Source, wager int64, bet any) (json.RawMessage, *Outcome, error)
	// Act advances a round in progress.
	Act(rng random.Source, wager int64, data json.RawMessage, action Action) (json.RawMessage, *Outcome, error)
}

// Engine runs gambling sessions against the economy.
type Engine struct {
	economy    *economy.Engine
	strategies map[types.GameKind]Strategy
	limits     map[types.GameKind]int64
	rng        random.Source
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRandom replaces the engine's random source.
func WithRandom(src random.Source) Option {
	return func(e *Engine) { e.rng = src }
}

// WithStrategy registers or replaces the strategy for its game.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) { e.strategies[s.Game()] = s }
}

// New creates an engine with slots, roulette and blackjack registered.
func New(econ *economy.Engine, cfg config.GamblingConfig, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		economy: econ,
		strategies: map[types.GameKind]Strategy{
			types.GameSlots:     Slots{},
			types.GameRoulette:  Roulette{},
			types.GameBlackjack: Blackjack{},
		},
		limits: map[types.GameKind]int64{
			types.GameSlots:     cfg.MaxSlotsBet,
			types.GameRoulette:  cfg.MaxRouletteBet,
			types.GameBlackjack: cfg.MaxBlackjackBet,
		},
		rng:    random.Default(),
		logger: logging.Component(logger, "gambling"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start debits the wager and opens a session. It fails with
// ErrSessionConflict when the player already has one in progress for game,
// leaving that session untouched.
func (e *Engine) Start(ctx context.Context, playerID string, game types.GameKind, wager int64, bet any) (*types.GamblingSession, error) {
	strat, ok := e.strategies[game]
	if !ok {
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling, fmt.Sprintf("unknown game %q", game))
	}
	if playerID == "" {
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling, "player id is required")
	}
	if limit := e.limits[game]; wager < 1 || (limit > 0 && wager > limit) {
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling,
			fmt.Sprintf("%s wager must be between 1 and %d", game, e.limits[game])).
			WithDetails(map[string]interface{}{"wager": wager})
	}

	var session *types.GamblingSession
	err := e.economy.Transact(ctx, []string{playerID}, func(m *economy.Mutator) error {
		if _, err := m.Tx().ActiveSession(ctx, playerID, game); err == nil {
			return kferrors.ErrSessionConflict.WithDetails(map[string]interface{}{"game": string(game)})
		} else if !errors.Is(err, kferrors.ErrSessionNotFound) {
			return err
		}
		if _, err := m.Apply(playerID, -wager, ReasonWager); err != nil {
			return err
		}

		data, out, err := strat.Deal(e.rng, wager, bet)
		if err != nil {
			return err
		}
		now := m.Now()
		session = &types.GamblingSession{
			ID:        uuid.New().String(),
			PlayerID:  playerID,
			Game:      game,
			State:     types.SessionInProgress,
			Wager:     wager,
			CreatedAt: now,
			UpdatedAt: now,
			Data:      data,
		}
		if out != nil {
			if err := e.resolve(m, session, out); err != nil {
				return err
			}
		}
		return m.Tx().PutSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	e.logSession(session)
	return session, nil
}

// Act applies a move to the player's session in progress for game.
func (e *Engine) Act(ctx context.Context, playerID string, game types.GameKind, action Action) (*types.GamblingSession, error) {
	strat, ok := e.strategies[game]
	if !ok {
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling, fmt.Sprintf("unknown game %q", game))
	}

	var session *types.GamblingSession
	err := e.economy.Transact(ctx, []string{playerID}, func(m *economy.Mutator) error {
		s, err := m.Tx().ActiveSession(ctx, playerID, game)
		if err != nil {
			return err
		}
		data, out, err := strat.Act(e.rng, s.Wager, s.Data, action)
		if err != nil {
			return err
		}
		s.Data = data
		s.UpdatedAt = m.Now()
		if out != nil {
			if err := e.resolve(m, s, out); err != nil {
				return err
			}
		}
		session = s
		return m.Tx().PutSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	e.logSession(session)
	return session, nil
}

// Resolve forces a terminal outcome on a session by id. A session that has
// already ended is returned as stored; nothing is credited twice.
func (e *Engine) Resolve(ctx context.Context, playerID, sessionID string, out Outcome) (*types.GamblingSession, error) {
	var (
		session *types.GamblingSession
		changed bool
	)
	err := e.economy.Transact(ctx, []string{playerID}, func(m *economy.Mutator) error {
		s, err := m.Tx().GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, kferrors.ErrNotFound) {
				return kferrors.ErrSessionNotFound
			}
			return err
		}
		if s.PlayerID != playerID {
			return kferrors.ErrSessionNotFound
		}
		session = s
		if s.State.Terminal() {
			return nil
		}
		s.UpdatedAt = m.Now()
		if err := e.resolve(m, s, &out); err != nil {
			return err
		}
		changed = true
		return m.Tx().PutSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.logSession(session)
	}
	return session, nil
}

// Void ends a session in progress by returning its stake. Voiding a session
// that has already ended returns it unchanged.
func (e *Engine) Void(ctx context.Context, sessionID string) (*types.GamblingSession, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, kferrors.ErrNotFound) {
			return nil, kferrors.ErrSessionNotFound
		}
		return nil, err
	}
	voided, err := e.Resolve(ctx, s.PlayerID, sessionID, Outcome{State: types.SessionPushed, Payout: s.Wager})
	if err != nil {
		return nil, err
	}
	e.logger.Info("session voided", "session", sessionID, "player", voided.PlayerID, "state", voided.State)
	return voided, nil
}

// Redactor is implemented by strategies whose session data holds state the
// player must not see.
type Redactor interface {
	Redact(state types.SessionState, data json.RawMessage) (json.RawMessage, error)
}

// PlayerView returns a copy of s that is safe to show its player.
func (e *Engine) PlayerView(s *types.GamblingSession) (*types.GamblingSession, error) {
	view := *s
	r, ok := e.strategies[s.Game].(Redactor)
	if !ok || len(s.Data) == 0 {
		return &view, nil
	}
	data, err := r.Redact(s.State, s.Data)
	if err != nil {
		return nil, err
	}
	view.Data = data
	return &view, nil
}

// resolve credits the payout and moves s to its terminal state.
func (e *Engine) resolve(m *economy.Mutator, s *types.GamblingSession, out *Outcome) error {
	if s.State != types.SessionInProgress {
		return kferrors.NewGamblingError(kferrors.CodeSessionResolved,
			fmt.Sprintf("session %s already %s", s.ID, s.State))
	}
	if !out.State.Terminal() || out.Payout < 0 {
		return kferrors.NewInternalError(fmt.Sprintf("invalid outcome %s/%d", out.State, out.Payout), nil)
	}
	if out.Payout > 0 {
		if _, err := m.Apply(s.PlayerID, out.Payout, ReasonPayout); err != nil {
			return err
		}
	}
	s.State = out.State
	s.Payout = out.Payout
	m.Notify(notify.Notification{
		Type:     notify.SessionResolved,
		PlayerID: s.PlayerID,
		RefID:    s.ID,
		Amount:   out.Payout - s.Wager,
		Detail:   fmt.Sprintf("%s %s", s.Game, s.State),
	})
	return nil
}

// Session returns a session by id.
func (e *Engine) Session(ctx context.Context, sessionID string) (*types.GamblingSession, error) {
	var s *types.GamblingSession
	err := e.economy.Store().View(ctx, func(tx store.Tx) error {
		var err error
		s, err = tx.GetSession(ctx, sessionID)
		return err
	})
	return s, err
}

// Active returns the player's session in progress for game.
func (e *Engine) Active(ctx context.Context, playerID string, game types.GameKind) (*types.GamblingSession, error) {
	var s *types.GamblingSession
	err := e.economy.Store().View(ctx, func(tx store.Tx) error {
		var err error
		s, err = tx.ActiveSession(ctx, playerID, game)
		return err
	})
	return s, err
}

// Resume reports the sessions left in progress by an earlier run. They
// need no repair: their state is persisted and players continue them with
// Act.
func (e *Engine) Resume(ctx context.Context) ([]*types.GamblingSession, error) {
	var sessions []*types.GamblingSession
	err := e.economy.Store().View(ctx, func(tx store.Tx) error {
		var err error
		sessions, err = tx.ListActiveSessions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		e.logger.Info("sessions resumed", "count", len(sessions))
	}
	return sessions, nil
}

func (e *Engine) logSession(s *types.GamblingSession) {
	if s.State.Terminal() {
		e.logger.Debug("session resolved",
			"session", s.ID, "player", s.PlayerID, "game", s.Game,
			"state", s.State, "wager", s.Wager, "payout", s.Payout)
	}
}

// PlaySlots spins the slot machine once.
func (e *Engine) PlaySlots(ctx context.Context, playerID string, wager int64) (*types.GamblingSession, error) {
	return e.Start(ctx, playerID, types.GameSlots, wager, nil)
}

// PlayRoulette spins the wheel once for bet.
func (e *Engine) PlayRoulette(ctx context.Context, playerID string, wager int64, bet RouletteBet) (*types.GamblingSession, error) {
	return e.Start(ctx, playerID, types.GameRoulette, wager, bet)
}

// StartBlackjack deals a new hand. Naturals resolve immediately.
func (e *Engine) StartBlackjack(ctx context.Context, playerID string, wager int64) (*types.GamblingSession, error) {
	return e.Start(ctx, playerID, types.GameBlackjack, wager, nil)
}

// Hit draws a card for the player's blackjack hand.
func (e *Engine) Hit(ctx context.Context, playerID string) (*types.GamblingSession, error) {
	return e.Act(ctx, playerID, types.GameBlackjack, ActionHit)
}

// Stand ends the player's turn and plays the dealer's hand.
func (e *Engine) Stand(ctx context.Context, playerID string) (*types.GamblingSession, error) {
	return e.Act(ctx, playerID, types.GameBlackjack, ActionStand)
}
