package game

// detectEndKora inspects the completed tricks of a finished hand.
// Precedence: grand slam > double kora > simple kora.
//
//	GRAND_SLAM  one player won every trick of the hand
//	KORA_DOUBLE the last two tricks were won by the same player, each with a 3
//	KORA_SIMPLE the last trick was won with a 3
func (g *Garame) detectEndKora(tricks []Trick) (Kora, bool) {
	n := len(tricks)
	if n == 0 {
		return Kora{}, false
	}
	last := tricks[n-1]

	if n >= g.handSize {
		sweep := true
		for _, t := range tricks {
			if t.WinnerID != last.WinnerID {
				sweep = false
				break
			}
		}
		if sweep {
			return Kora{
				PlayerID:   last.WinnerID,
				Type:       VictoryGrandSlam,
				Multiplier: g.multipliers[VictoryGrandSlam],
			}, true
		}
	}

	if last.WinningCard.Rank != MinRank {
		return Kora{}, false
	}
	if n >= 2 {
		prev := tricks[n-2]
		if prev.WinnerID == last.WinnerID && prev.WinningCard.Rank == MinRank {
			return Kora{
				PlayerID:   last.WinnerID,
				Type:       VictoryKoraDouble,
				Multiplier: g.multipliers[VictoryKoraDouble],
				Cards:      []string{prev.WinningCard.ID, last.WinningCard.ID},
			}, true
		}
	}
	return Kora{
		PlayerID:   last.WinnerID,
		Type:       VictoryKoraSimple,
		Multiplier: g.multipliers[VictoryKoraSimple],
		Cards:      []string{last.WinningCard.ID},
	}, true
}
