package ledger

import (
	"fmt"

	"garame-service/internal/service/game"
	appErr "garame-service/pkg/errors"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Payout is the arithmetic result of a settlement before it touches any wallet.
type Payout struct {
	Rewards    []VictoryReward
	Commission int64
	// Reserve is the sum of Kora bonuses, funded outside the pot.
	Reserve int64
}

// ComputePayout splits the pot of a finished game.
//
// commission = round(pot * pct / 100). The rest of the pot is shared evenly, either among the
// Kora holders or among the plain winners; any indivisible remainder goes to commission.
// A Kora holder additionally receives base * multiplier as a bonus.
func ComputePayout(c TransactionContext, final *game.GameState) (Payout, error) {
	pot := decimal.NewFromInt(c.TotalPot)
	commission := pot.Mul(decimal.NewFromFloat(c.CommissionPct)).Div(hundred).Round(0).IntPart()
	net := c.TotalPot - commission

	if len(final.KorasDetected) > 0 {
		for _, k := range final.KorasDetected {
			if !c.HasParticipant(k.PlayerID) {
				return Payout{}, fmt.Errorf("%w: kora holder %d is not a participant", appErr.ErrSettlementValidation, k.PlayerID)
			}
		}
		n := int64(len(final.KorasDetected))
		base := net / n
		commission += net - base*n

		out := Payout{Commission: commission}
		for _, k := range final.KorasDetected {
			bonus := decimal.NewFromInt(base).Mul(decimal.NewFromInt(int64(k.Multiplier))).IntPart()
			out.Rewards = append(out.Rewards, VictoryReward{
				PlayerID:       k.PlayerID,
				BaseAmount:     base,
				BonusAmount:    bonus,
				KoraMultiplier: k.Multiplier,
				TotalAmount:    base + bonus,
				VictoryType:    k.Type,
			})
			out.Reserve += bonus
		}
		return out, nil
	}

	if len(final.Winners) == 0 {
		return Payout{}, fmt.Errorf("%w: finished game has no winners", appErr.ErrSettlementValidation)
	}
	for _, w := range final.Winners {
		if !c.HasParticipant(w) {
			return Payout{}, fmt.Errorf("%w: winner %d is not a participant", appErr.ErrSettlementValidation, w)
		}
	}
	n := int64(len(final.Winners))
	share := net / n
	commission += net - share*n

	out := Payout{Commission: commission}
	for _, w := range final.Winners {
		out.Rewards = append(out.Rewards, VictoryReward{
			PlayerID:    w,
			BaseAmount:  share,
			TotalAmount: share,
			VictoryType: game.VictoryNormal,
		})
	}
	return out, nil
}
