package game

import (
	"fmt"
	"time"

	appErr "garame-service/pkg/errors"
)

// Engine is the pure transition function for one game type.
// Apply never mutates its input; on error the input is still the current state.
type Engine interface {
	GameType() string
	DeckSize() int
	CheckCard(id string) error
	NewGame(sessionID string, seats []Seat, deck []Card, at time.Time) (*GameState, error)
	Apply(state *GameState, move Move) (*GameState, error)
}

// Registry maps a gameType discriminator to its engine.
type Registry map[string]Engine

func NewRegistry(engines ...Engine) Registry {
	r := make(Registry, len(engines))
	for _, e := range engines {
		r[e.GameType()] = e
	}
	return r
}

func (r Registry) Lookup(gameType string) (Engine, error) {
	e, ok := r[gameType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", appErr.ErrUnknownGameType, gameType)
	}
	return e, nil
}
