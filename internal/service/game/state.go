package game

import (
	"sort"
	"time"
)

type Status string

const (
	StatusPlaying  Status = "PLAYING"
	StatusFinished Status = "FINISHED"
	// StatusCancelled is written by a refund; the pot has gone back to the players.
	StatusCancelled Status = "CANCELLED"
)

type MoveType string

const (
	MovePlayCard MoveType = "PLAY_CARD"
	MoveFold     MoveType = "FOLD"
	// MoveAutoForfeit is a fold submitted by a turn timer on the player's behalf.
	MoveAutoForfeit MoveType = "AUTO_FORFEIT"
)

// Move is a proposed transition. At is the server receive time.
type Move struct {
	PlayerID  int64     `json:"playerId,string"`
	Type      MoveType  `json:"type"`
	CardID    string    `json:"cardId,omitempty"`
	Timestamp int64     `json:"timestamp"` // client clock, unix ms
	At        time.Time `json:"-"`
}

type VictoryType string

const (
	VictoryNormal     VictoryType = "NORMAL"
	VictoryKoraSimple VictoryType = "KORA_SIMPLE"
	VictoryKoraDouble VictoryType = "KORA_DOUBLE"
	VictoryKoraTriple VictoryType = "KORA_TRIPLE"
	VictoryGrandSlam  VictoryType = "GRAND_SLAM"
)

// Kora is an instant-win event with its payout multiplier.
type Kora struct {
	PlayerID   int64       `json:"playerId,string"`
	Type       VictoryType `json:"type"`
	Multiplier int         `json:"multiplier"`
	Cards      []string    `json:"cards,omitempty"`
}

type PlayerState struct {
	ID        int64  `json:"id,string"`
	Hand      []Card `json:"hand"`
	CardsWon  []Card `json:"cardsWon"`
	Score     int    `json:"score"`
	HasFolded bool   `json:"hasFolded"`
	Position  int    `json:"position"`
	IsAI      bool   `json:"isAI"`
}

// Seat describes a participant when a game is created.
type Seat struct {
	PlayerID int64
	Position int
	IsAI     bool
}

type Play struct {
	PlayerID int64 `json:"playerId,string"`
	Card     Card  `json:"card"`
}

type Trick struct {
	Number      int    `json:"number"`
	LeaderID    int64  `json:"leaderId,string"`
	Suit        Suit   `json:"suit"`
	Plays       []Play `json:"plays"`
	WinnerID    int64  `json:"winnerId,string"`
	WinningCard Card   `json:"winningCard"`
}

// GarameState is the game-specific payload of a Garame session.
type GarameState struct {
	TableCards  []Play  `json:"tableCards"`
	CurrentSuit Suit    `json:"currentSuit,omitempty"`
	LeaderID    int64   `json:"leaderId,string"`
	Stock       []Card  `json:"stock"`
	Tricks      []Trick `json:"tricks"`
}

// GameState is the common envelope; the payload is selected by GameType.
type GameState struct {
	SessionID       string        `json:"sessionId"`
	GameType        string        `json:"gameType"`
	Status          Status        `json:"status"`
	Players         []PlayerState `json:"players"` // ordered by Position
	CurrentPlayerID int64         `json:"currentPlayerId,string"`
	Turn            int           `json:"turn"`
	Pot             int64         `json:"pot"`
	KorasDetected   []Kora        `json:"korasDetected"`
	Winners         []int64       `json:"winners"`
	TurnStartedAt   time.Time     `json:"turnStartedAt"`
	Version         int64         `json:"version"`

	Garame *GarameState `json:"garame,omitempty"`
}

func (s *GameState) Finished() bool {
	return s.Status == StatusFinished
}

// Player returns the seated player or nil.
func (s *GameState) Player(id int64) *PlayerState {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i]
		}
	}
	return nil
}

func (s *GameState) PlayerIDs() []int64 {
	ids := make([]int64, 0, len(s.Players))
	for _, p := range s.Players {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *GameState) activePlayers() []*PlayerState {
	out := make([]*PlayerState, 0, len(s.Players))
	for i := range s.Players {
		if !s.Players[i].HasFolded {
			out = append(out, &s.Players[i])
		}
	}
	return out
}

// nextActiveAfter walks seats in position order, wrapping, skipping folded players.
func (s *GameState) nextActiveAfter(id int64) int64 {
	n := len(s.Players)
	start := -1
	for i := range s.Players {
		if s.Players[i].ID == id {
			start = i
			break
		}
	}
	for step := 1; step <= n; step++ {
		p := s.Players[(start+step+n)%n]
		if !p.HasFolded {
			return p.ID
		}
	}
	return 0
}

// AllCards lists every card held anywhere in the state.
func (s *GameState) AllCards() []Card {
	var cards []Card
	for _, p := range s.Players {
		cards = append(cards, p.Hand...)
		cards = append(cards, p.CardsWon...)
	}
	if s.Garame != nil {
		for _, play := range s.Garame.TableCards {
			cards = append(cards, play.Card)
		}
		cards = append(cards, s.Garame.Stock...)
	}
	return cards
}

func sortSeats(players []PlayerState) {
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Position < players[j].Position
	})
}

// Clone returns a deep copy. Nil and empty slices are preserved as such.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	out := *s
	out.Players = make([]PlayerState, len(s.Players))
	for i, p := range s.Players {
		p.Hand = cloneSlice(p.Hand)
		p.CardsWon = cloneSlice(p.CardsWon)
		out.Players[i] = p
	}
	out.KorasDetected = cloneSlice(s.KorasDetected)
	for i := range out.KorasDetected {
		out.KorasDetected[i].Cards = cloneSlice(out.KorasDetected[i].Cards)
	}
	out.Winners = cloneSlice(s.Winners)
	if s.Garame != nil {
		g := *s.Garame
		g.TableCards = cloneSlice(s.Garame.TableCards)
		g.Stock = cloneSlice(s.Garame.Stock)
		g.Tricks = cloneSlice(s.Garame.Tricks)
		for i := range g.Tricks {
			g.Tricks[i].Plays = cloneSlice(g.Tricks[i].Plays)
		}
		out.Garame = &g
	}
	return &out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// ViewFor hides other players' hands and the stock while the game is running.
func (s *GameState) ViewFor(userID int64) *GameState {
	view := s.Clone()
	if view.Finished() {
		return view
	}
	for i := range view.Players {
		if view.Players[i].ID == userID {
			continue
		}
		hidden := make([]Card, len(view.Players[i].Hand))
		view.Players[i].Hand = hidden
	}
	if view.Garame != nil {
		view.Garame.Stock = make([]Card, len(view.Garame.Stock))
	}
	return view
}
