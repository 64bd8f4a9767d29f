package game

import (
	"math/rand"
	"strconv"
	"strings"

	appErr "garame-service/pkg/errors"
)

type Suit string

const (
	Hearts   Suit = "hearts"
	Diamonds Suit = "diamonds"
	Clubs    Suit = "clubs"
	Spades   Suit = "spades"
)

var Suits = []Suit{Hearts, Diamonds, Clubs, Spades}

const (
	MinRank = 3
	MaxRank = 10

	// ExcludedCardID never exists in a Garame deck.
	ExcludedCardID = "spades_10"
	// GarameDeckSize is 4 suits x 8 ranks minus the excluded card.
	GarameDeckSize = 31
)

// Card is a single Garame card. ID format: "<suit>_<rank>", e.g. "hearts_3".
type Card struct {
	Suit Suit   `json:"suit"`
	Rank int    `json:"rank"`
	ID   string `json:"id"`
}

func NewCard(suit Suit, rank int) Card {
	return Card{Suit: suit, Rank: rank, ID: string(suit) + "_" + strconv.Itoa(rank)}
}

func validSuit(s Suit) bool {
	for _, known := range Suits {
		if s == known {
			return true
		}
	}
	return false
}

// ParseCardID checks the id format only; it accepts the excluded card.
func ParseCardID(id string) (Card, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 2 {
		return Card{}, appErr.Validation(appErr.CodeInvalidCardFormat, "card id %q", id)
	}
	suit := Suit(parts[0])
	if !validSuit(suit) {
		return Card{}, appErr.Validation(appErr.CodeInvalidCardFormat, "unknown suit %q", parts[0])
	}
	rank, err := strconv.Atoi(parts[1])
	if err != nil || rank < MinRank || rank > MaxRank || parts[1] != strconv.Itoa(rank) {
		return Card{}, appErr.Validation(appErr.CodeInvalidCardFormat, "bad rank %q", parts[1])
	}
	return NewCard(suit, rank), nil
}

// FullDeck returns the 31 Garame cards in suit/rank order.
func FullDeck() []Card {
	deck := make([]Card, 0, GarameDeckSize)
	for _, suit := range Suits {
		for rank := MinRank; rank <= MaxRank; rank++ {
			c := NewCard(suit, rank)
			if c.ID == ExcludedCardID {
				continue
			}
			deck = append(deck, c)
		}
	}
	return deck
}

// ShuffledDeck returns a full deck shuffled with r.
func ShuffledDeck(r *rand.Rand) []Card {
	deck := FullDeck()
	r.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})
	return deck
}

// DeckFromIDs builds a deck in the given order, mostly for tests and replays.
func DeckFromIDs(ids ...string) ([]Card, error) {
	deck := make([]Card, 0, len(ids))
	for _, id := range ids {
		c, err := ParseCardID(id)
		if err != nil {
			return nil, err
		}
		deck = append(deck, c)
	}
	return deck, nil
}

func indexOfCard(cards []Card, id string) int {
	for i, c := range cards {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(cards []Card, idx int) []Card {
	out := make([]Card, 0, len(cards)-1)
	out = append(out, cards[:idx]...)
	return append(out, cards[idx+1:]...)
}

func hasSuit(cards []Card, suit Suit) bool {
	for _, c := range cards {
		if c.Suit == suit {
			return true
		}
	}
	return false
}

func countRank(cards []Card, rank int) int {
	n := 0
	for _, c := range cards {
		if c.Rank == rank {
			n++
		}
	}
	return n
}
