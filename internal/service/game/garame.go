package game

import (
	"fmt"
	"sort"
	"time"

	appErr "garame-service/pkg/errors"
)

const (
	GameTypeGarame = "garame"

	defaultHandSize = 5
	MinPlayers      = 2
	MaxPlayers      = 6
)

// Multipliers maps each Kora type to its payout multiplier.
type Multipliers map[VictoryType]int

func DefaultMultipliers() Multipliers {
	return Multipliers{
		VictoryKoraSimple: 1,
		VictoryKoraDouble: 2,
		VictoryKoraTriple: 3,
		VictoryGrandSlam:  4,
	}
}

// Garame implements the trick-taking rules of Garame with Kora detection.
type Garame struct {
	handSize    int
	multipliers Multipliers
}

func NewGarame(multipliers Multipliers) *Garame {
	m := DefaultMultipliers()
	for k, v := range multipliers {
		if v > 0 {
			m[k] = v
		}
	}
	return &Garame{handSize: defaultHandSize, multipliers: m}
}

func (g *Garame) GameType() string { return GameTypeGarame }

func (g *Garame) DeckSize() int { return GarameDeckSize }

func (g *Garame) Multiplier(t VictoryType) int { return g.multipliers[t] }

// CheckCard validates the id format and rejects the excluded card.
func (g *Garame) CheckCard(id string) error {
	if _, err := ParseCardID(id); err != nil {
		return err
	}
	if id == ExcludedCardID {
		return appErr.Validation(appErr.CodeInvalidGameCard, "%s is not part of a Garame deck", id)
	}
	return nil
}

func (g *Garame) NewGame(sessionID string, seats []Seat, deck []Card, at time.Time) (*GameState, error) {
	if len(seats) < MinPlayers || len(seats) > MaxPlayers {
		return nil, fmt.Errorf("%w: garame needs %d-%d players, got %d",
			appErr.ErrInvalidSessionParams, MinPlayers, MaxPlayers, len(seats))
	}
	if err := checkFullDeck(deck); err != nil {
		return nil, err
	}

	players := make([]PlayerState, 0, len(seats))
	seen := make(map[int64]struct{}, len(seats))
	for _, seat := range seats {
		if _, dup := seen[seat.PlayerID]; dup || seat.PlayerID == 0 {
			return nil, fmt.Errorf("%w: bad or duplicate player %d", appErr.ErrInvalidSessionParams, seat.PlayerID)
		}
		seen[seat.PlayerID] = struct{}{}
		players = append(players, PlayerState{
			ID:       seat.PlayerID,
			Position: seat.Position,
			IsAI:     seat.IsAI,
			Hand:     []Card{},
			CardsWon: []Card{},
		})
	}
	sortSeats(players)

	cursor := 0
	for i := range players {
		players[i].Hand = append([]Card(nil), deck[cursor:cursor+g.handSize]...)
		cursor += g.handSize
	}

	state := &GameState{
		SessionID:       sessionID,
		GameType:        GameTypeGarame,
		Status:          StatusPlaying,
		Players:         players,
		CurrentPlayerID: players[0].ID,
		KorasDetected:   []Kora{},
		Winners:         []int64{},
		TurnStartedAt:   at,
		Garame: &GarameState{
			TableCards: []Play{},
			LeaderID:   players[0].ID,
			Stock:      append([]Card(nil), deck[cursor:]...),
			Tricks:     []Trick{},
		},
	}

	// Three rank-3 cards in the opening hand is an instant Kora.
	for _, p := range state.Players {
		if countRank(p.Hand, MinRank) >= 3 {
			var ids []string
			for _, c := range p.Hand {
				if c.Rank == MinRank {
					ids = append(ids, c.ID)
				}
			}
			state.KorasDetected = append(state.KorasDetected, Kora{
				PlayerID:   p.ID,
				Type:       VictoryKoraTriple,
				Multiplier: g.multipliers[VictoryKoraTriple],
				Cards:      ids,
			})
			g.finish(state, []int64{p.ID})
			break
		}
	}
	return state, nil
}

func checkFullDeck(deck []Card) error {
	if len(deck) != GarameDeckSize {
		return appErr.Integrity(appErr.CodeCardCountMismatch, "deck has %d cards, want %d", len(deck), GarameDeckSize)
	}
	seen := make(map[string]struct{}, len(deck))
	for _, c := range deck {
		if c.ID == ExcludedCardID {
			return appErr.Validation(appErr.CodeInvalidGameCard, "deck contains %s", c.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return appErr.Integrity(appErr.CodeDuplicateCards, "deck repeats %s", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

func (g *Garame) Apply(state *GameState, move Move) (*GameState, error) {
	if state == nil || state.Garame == nil {
		return state, appErr.Validation(appErr.CodeInvalidAction, "no garame state")
	}
	if state.Finished() {
		return state, appErr.Validation(appErr.CodeAlreadyFinished, "session %s", state.SessionID)
	}
	actor := state.Player(move.PlayerID)
	if actor == nil {
		return state, appErr.Validation(appErr.CodePlayerNotFound, "player %d", move.PlayerID)
	}
	if actor.HasFolded {
		return state, appErr.Validation(appErr.CodePlayerFolded, "player %d", move.PlayerID)
	}
	if state.CurrentPlayerID != move.PlayerID {
		return state, appErr.Validation(appErr.CodeNotPlayerTurn, "current player is %d", state.CurrentPlayerID)
	}

	next := state.Clone()
	var err error
	switch move.Type {
	case MovePlayCard:
		err = g.playCard(next, move)
	case MoveFold, MoveAutoForfeit:
		g.fold(next, move)
	default:
		err = appErr.Validation(appErr.CodeInvalidAction, "unsupported move %q", move.Type)
	}
	if err != nil {
		return state, err
	}

	next.Turn++
	if !next.Finished() {
		next.TurnStartedAt = move.At
	}
	return next, nil
}

func (g *Garame) playCard(s *GameState, move Move) error {
	if err := g.CheckCard(move.CardID); err != nil {
		return err
	}
	actor := s.Player(move.PlayerID)
	idx := indexOfCard(actor.Hand, move.CardID)
	if idx < 0 {
		return appErr.Validation(appErr.CodeCardNotOwned, "%s not in hand of %d", move.CardID, move.PlayerID)
	}
	card := actor.Hand[idx]
	table := s.Garame

	leading := len(table.TableCards) == 0
	if !leading && table.CurrentSuit != "" && card.Suit != table.CurrentSuit && hasSuit(actor.Hand, table.CurrentSuit) {
		return appErr.Validation(appErr.CodeMustFollowSuit, "must play %s", table.CurrentSuit)
	}

	actor.Hand = removeAt(actor.Hand, idx)
	table.TableCards = append(table.TableCards, Play{PlayerID: actor.ID, Card: card})
	if leading {
		table.CurrentSuit = card.Suit
		table.LeaderID = actor.ID
	}

	if g.trickComplete(s) {
		g.resolveTrick(s)
		return nil
	}
	s.CurrentPlayerID = s.nextActiveAfter(actor.ID)
	return nil
}

func (g *Garame) fold(s *GameState, move Move) {
	actor := s.Player(move.PlayerID)
	actor.HasFolded = true

	active := s.activePlayers()
	if len(active) == 1 {
		g.finish(s, []int64{active[0].ID})
		return
	}
	if len(s.Garame.TableCards) > 0 && g.trickComplete(s) {
		g.resolveTrick(s)
		return
	}
	s.CurrentPlayerID = s.nextActiveAfter(actor.ID)
}

// trickComplete reports whether every non-folded player has played to the current trick.
func (g *Garame) trickComplete(s *GameState) bool {
	played := make(map[int64]bool, len(s.Garame.TableCards))
	for _, p := range s.Garame.TableCards {
		played[p.PlayerID] = true
	}
	for _, p := range s.activePlayers() {
		if !played[p.ID] {
			return false
		}
	}
	return true
}

func (g *Garame) resolveTrick(s *GameState) {
	table := s.Garame
	winnerIdx := -1
	for i, play := range table.TableCards {
		p := s.Player(play.PlayerID)
		if p == nil || p.HasFolded {
			continue
		}
		if winnerIdx < 0 {
			winnerIdx = i
			continue
		}
		best := table.TableCards[winnerIdx].Card
		if play.Card.Suit == table.CurrentSuit && (best.Suit != table.CurrentSuit || play.Card.Rank > best.Rank) {
			winnerIdx = i
		}
	}

	if winnerIdx < 0 {
		winnerIdx = 0
	}
	winning := table.TableCards[winnerIdx]
	winner := s.Player(winning.PlayerID)
	for _, play := range table.TableCards {
		winner.CardsWon = append(winner.CardsWon, play.Card)
	}
	winner.Score++

	table.Tricks = append(table.Tricks, Trick{
		Number:      len(table.Tricks) + 1,
		LeaderID:    table.LeaderID,
		Suit:        table.CurrentSuit,
		Plays:       table.TableCards,
		WinnerID:    winner.ID,
		WinningCard: winning.Card,
	})
	table.TableCards = []Play{}
	table.CurrentSuit = ""
	table.LeaderID = winner.ID
	s.CurrentPlayerID = winner.ID

	for _, p := range s.activePlayers() {
		if len(p.Hand) == 0 {
			g.finishHand(s)
			return
		}
	}
}

// finishHand ends a fully played hand: Kora detection, then fewest remaining cards wins.
func (g *Garame) finishHand(s *GameState) {
	if kora, ok := g.detectEndKora(s.Garame.Tricks); ok {
		s.KorasDetected = append(s.KorasDetected, kora)
		g.finish(s, []int64{kora.PlayerID})
		return
	}

	active := s.activePlayers()
	fewest := -1
	for _, p := range active {
		if fewest < 0 || len(p.Hand) < fewest {
			fewest = len(p.Hand)
		}
	}
	var candidates []int64
	lastWinner := s.Garame.LeaderID
	for _, p := range active {
		if len(p.Hand) != fewest {
			continue
		}
		if p.ID == lastWinner {
			g.finish(s, []int64{p.ID})
			return
		}
		candidates = append(candidates, p.ID)
	}
	g.finish(s, candidates)
}

func (g *Garame) finish(s *GameState, winners []int64) {
	sort.Slice(winners, func(i, j int) bool { return winners[i] < winners[j] })
	s.Status = StatusFinished
	s.Winners = winners
	s.CurrentPlayerID = 0
}
