package ledger

import (
	"testing"

	"garame-service/internal/service/game"
)

func ctxFor(bet int64, pct float64, players ...int64) TransactionContext {
	return TransactionContext{
		SessionID:      "p",
		BetAmount:      bet,
		ParticipantIDs: players,
		TotalPot:       bet * int64(len(players)),
		CommissionPct:  pct,
	}
}

func sumRewards(p Payout) (base, total int64) {
	for _, r := range p.Rewards {
		base += r.BaseAmount
		total += r.TotalAmount
	}
	return base, total
}

func TestComputePayoutConservesPot(t *testing.T) {
	cases := []struct {
		bet     int64
		pct     float64
		players []int64
		winners []int64
	}{
		{100, 10, []int64{1, 2}, []int64{1}},
		{101, 10, []int64{1, 2, 3}, []int64{1, 3}},
		{7, 12.5, []int64{1, 2, 3}, []int64{1, 2, 3}},
		{5, 10, []int64{1}, []int64{1}},
		{1000, 0, []int64{1, 2, 3, 4}, []int64{2, 4}},
	}
	for _, tc := range cases {
		c := ctxFor(tc.bet, tc.pct, tc.players...)
		p, err := ComputePayout(c, &game.GameState{Status: game.StatusFinished, Winners: tc.winners})
		if err != nil {
			t.Fatalf("payout: %v", err)
		}
		_, total := sumRewards(p)
		if total+p.Commission != c.TotalPot {
			t.Fatalf("%+v: rewards %d + commission %d != pot %d", tc, total, p.Commission, c.TotalPot)
		}
		if p.Reserve != 0 {
			t.Fatalf("normal win must not touch the reserve")
		}
	}
}

func TestComputePayoutRemainderGoesToCommission(t *testing.T) {
	c := ctxFor(101, 10, 1, 2, 3)
	p, err := ComputePayout(c, &game.GameState{Status: game.StatusFinished, Winners: []int64{1, 3}})
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	// pot 303, commission round(30.3)=30, net 273 -> 136 each, 1 left over
	if p.Commission != 31 || p.Rewards[0].TotalAmount != 136 || p.Rewards[1].TotalAmount != 136 {
		t.Fatalf("unexpected payout: %+v", p)
	}
}

func TestComputePayoutKoraMultipliers(t *testing.T) {
	c := ctxFor(100, 10, 1, 2)
	for typ, mult := range map[game.VictoryType]int{
		game.VictoryKoraSimple: 1,
		game.VictoryKoraDouble: 2,
		game.VictoryKoraTriple: 3,
		game.VictoryGrandSlam:  4,
	} {
		final := &game.GameState{
			Status:        game.StatusFinished,
			Winners:       []int64{2},
			KorasDetected: []game.Kora{{PlayerID: 2, Type: typ, Multiplier: mult}},
		}
		p, err := ComputePayout(c, final)
		if err != nil {
			t.Fatalf("payout: %v", err)
		}
		r := p.Rewards[0]
		if r.BaseAmount != 180 || r.BonusAmount != int64(180*mult) || r.TotalAmount != int64(180*(mult+1)) || r.VictoryType != typ {
			t.Fatalf("%s: unexpected reward %+v", typ, r)
		}
		base, _ := sumRewards(p)
		if base+p.Commission != c.TotalPot || p.Reserve != r.BonusAmount {
			t.Fatalf("%s: base+commission must equal pot and bonus must be reserve funded", typ)
		}
	}
}

func TestComputePayoutRejectsOutsiders(t *testing.T) {
	c := ctxFor(100, 10, 1, 2)
	if _, err := ComputePayout(c, &game.GameState{Status: game.StatusFinished, Winners: []int64{9}}); err == nil {
		t.Fatalf("expected error for outsider winner")
	}
	if _, err := ComputePayout(c, &game.GameState{Status: game.StatusFinished}); err == nil {
		t.Fatalf("expected error without winners")
	}
	final := &game.GameState{Status: game.StatusFinished, KorasDetected: []game.Kora{{PlayerID: 9, Multiplier: 1}}}
	if _, err := ComputePayout(c, final); err == nil {
		t.Fatalf("expected error for outsider kora")
	}
}
