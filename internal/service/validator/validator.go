package validator

import (
	"time"

	"garame-service/internal/config"
	"garame-service/internal/service/game"
	appErr "garame-service/pkg/errors"
)

// Validator gates moves before they reach a rules engine.
// Turn ownership is checked before timing, so a move out of turn always reports NOT_PLAYER_TURN.
// The integrity sweep is last and is the only fatal check.
type Validator struct {
	cfg     config.ValidatorConfig
	engines game.Registry
}

func New(cfg config.ValidatorConfig, engines game.Registry) *Validator {
	return &Validator{cfg: cfg, engines: engines}
}

func (v *Validator) Validate(state *game.GameState, playerID int64, action game.Move, serverTime time.Time) error {
	if err := checkSchema(playerID, action); err != nil {
		return err
	}
	if state == nil {
		return appErr.Validation(appErr.CodeInvalidAction, "no game state")
	}
	engine, err := v.engines.Lookup(state.GameType)
	if err != nil {
		return appErr.Validation(appErr.CodeInvalidAction, "%v", err)
	}
	if err := checkOwnership(state, playerID); err != nil {
		return err
	}
	if err := v.checkTiming(state, action, serverTime); err != nil {
		return err
	}
	if action.Type == game.MovePlayCard {
		if err := checkCard(engine, state, playerID, action.CardID); err != nil {
			return err
		}
	}
	return CheckIntegrity(state, engine.DeckSize())
}

func checkSchema(playerID int64, action game.Move) error {
	if playerID == 0 {
		return appErr.Validation(appErr.CodeInvalidAction, "missing player")
	}
	if action.PlayerID != 0 && action.PlayerID != playerID {
		return appErr.Validation(appErr.CodeInvalidAction, "payload player %d does not match %d", action.PlayerID, playerID)
	}
	if action.Timestamp <= 0 {
		return appErr.Validation(appErr.CodeInvalidAction, "missing timestamp")
	}
	switch action.Type {
	case game.MovePlayCard:
		if action.CardID == "" {
			return appErr.Validation(appErr.CodeInvalidAction, "PLAY_CARD needs cardId")
		}
	case game.MoveFold, game.MoveAutoForfeit:
		if action.CardID != "" {
			return appErr.Validation(appErr.CodeInvalidAction, "%s takes no cardId", action.Type)
		}
	default:
		return appErr.Validation(appErr.CodeInvalidAction, "unknown move type %q", action.Type)
	}
	return nil
}

func (v *Validator) checkTiming(state *game.GameState, action game.Move, serverTime time.Time) error {
	sent := time.UnixMilli(action.Timestamp)
	if v.cfg.MaxActionAge > 0 && serverTime.Sub(sent) > v.cfg.MaxActionAge {
		return appErr.Validation(appErr.CodeStaleAction, "action is %s old", serverTime.Sub(sent).Truncate(time.Millisecond))
	}
	if v.cfg.MaxClockSkew > 0 && sent.Sub(serverTime) > v.cfg.MaxClockSkew {
		return appErr.Validation(appErr.CodeStaleAction, "action is %s in the future", sent.Sub(serverTime).Truncate(time.Millisecond))
	}
	if action.Type == game.MovePlayCard && !state.Finished() && !state.TurnStartedAt.IsZero() {
		if elapsed := serverTime.Sub(state.TurnStartedAt); elapsed < v.cfg.HumanMinDelay {
			return appErr.Validation(appErr.CodeSuspiciousTiming, "played %s after turn start", elapsed)
		}
	}
	return nil
}

func checkOwnership(state *game.GameState, playerID int64) error {
	if state.Finished() {
		return appErr.Validation(appErr.CodeAlreadyFinished, "session %s", state.SessionID)
	}
	p := state.Player(playerID)
	if p == nil {
		return appErr.Validation(appErr.CodePlayerNotFound, "player %d", playerID)
	}
	if p.HasFolded {
		return appErr.Validation(appErr.CodePlayerFolded, "player %d", playerID)
	}
	if state.CurrentPlayerID != playerID {
		return appErr.Validation(appErr.CodeNotPlayerTurn, "current player is %d", state.CurrentPlayerID)
	}
	return nil
}

// checkCard reports format errors, then game legality, then ownership.
func checkCard(engine game.Engine, state *game.GameState, playerID int64, cardID string) error {
	if _, err := game.ParseCardID(cardID); err != nil {
		return err
	}
	if err := engine.CheckCard(cardID); err != nil {
		return err
	}
	for _, c := range state.Player(playerID).Hand {
		if c.ID == cardID {
			return nil
		}
	}
	return appErr.Validation(appErr.CodeCardNotOwned, "%s not in hand of %d", cardID, playerID)
}

// CheckIntegrity verifies every card of the deck is present exactly once.
func CheckIntegrity(state *game.GameState, deckSize int) error {
	cards := state.AllCards()
	if len(cards) != deckSize {
		return appErr.Integrity(appErr.CodeCardCountMismatch, "session %s holds %d cards, want %d", state.SessionID, len(cards), deckSize)
	}
	seen := make(map[string]struct{}, len(cards))
	for _, c := range cards {
		if _, dup := seen[c.ID]; dup {
			return appErr.Integrity(appErr.CodeDuplicateCards, "session %s repeats %s", state.SessionID, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}
