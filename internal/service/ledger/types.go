package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"garame-service/internal/service/game"
	appErr "garame-service/pkg/errors"
)

// TransactionContext is the immutable financial description of one session.
type TransactionContext struct {
	SessionID      string  `json:"sessionId"`
	RoomID         string  `json:"roomId"`
	GameType       string  `json:"gameType"`
	BetAmount      int64   `json:"betAmount"`
	ParticipantIDs []int64 `json:"participantIds"`
	TotalPot       int64   `json:"totalPot"`
	CommissionPct  float64 `json:"commissionPct"`
}

func NewTransactionContext(sessionID, roomID, gameType string, bet int64, participants []int64, commissionPct float64) (TransactionContext, error) {
	if sessionID == "" {
		return TransactionContext{}, fmt.Errorf("%w: sessionId is required", appErr.ErrInvalidSessionParams)
	}
	if bet <= 0 {
		return TransactionContext{}, fmt.Errorf("%w: betAmount must be > 0", appErr.ErrInvalidSessionParams)
	}
	if commissionPct < 0 || commissionPct >= 100 {
		return TransactionContext{}, fmt.Errorf("%w: commissionPct must be in [0,100)", appErr.ErrInvalidSessionParams)
	}
	if len(participants) == 0 {
		return TransactionContext{}, fmt.Errorf("%w: no participants", appErr.ErrInvalidSessionParams)
	}
	seen := make(map[int64]struct{}, len(participants))
	for _, id := range participants {
		if id <= 0 {
			return TransactionContext{}, fmt.Errorf("%w: bad participant %d", appErr.ErrInvalidSessionParams, id)
		}
		if _, dup := seen[id]; dup {
			return TransactionContext{}, fmt.Errorf("%w: duplicate participant %d", appErr.ErrInvalidSessionParams, id)
		}
		seen[id] = struct{}{}
	}
	if bet > math.MaxInt64/int64(len(participants)) {
		return TransactionContext{}, fmt.Errorf("%w: pot of %d x %d overflows", appErr.ErrInvalidSessionParams, bet, len(participants))
	}
	return TransactionContext{
		SessionID:      sessionID,
		RoomID:         roomID,
		GameType:       gameType,
		BetAmount:      bet,
		ParticipantIDs: append([]int64(nil), participants...),
		TotalPot:       bet * int64(len(participants)),
		CommissionPct:  commissionPct,
	}, nil
}

func (c TransactionContext) sortedParticipants() []int64 {
	ids := append([]int64(nil), c.ParticipantIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c TransactionContext) HasParticipant(id int64) bool {
	for _, p := range c.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

type StakeLock struct {
	UserID  int64  `json:"userId,string"`
	Amount  int64  `json:"amount"`
	EntryID string `json:"entryId"`
}

// LockResult reports a lockFunds batch. On failure Errors holds one FundError per failed participant
// and nothing was persisted.
type LockResult struct {
	Success   bool        `json:"success"`
	SessionID string      `json:"sessionId"`
	TotalPot  int64       `json:"totalPot"`
	Locked    []StakeLock `json:"locked,omitempty"`
	Errors    []error     `json:"-"`
}

type VictoryReward struct {
	PlayerID       int64            `json:"playerId,string"`
	BaseAmount     int64            `json:"baseAmount"`
	BonusAmount    int64            `json:"bonusAmount"`
	KoraMultiplier int              `json:"koraMultiplier"`
	TotalAmount    int64            `json:"totalAmount"`
	VictoryType    game.VictoryType `json:"victoryType"`
}

type SettlementSummary struct {
	SessionID      string          `json:"sessionId"`
	Pot            int64           `json:"pot"`
	Commission     int64           `json:"commission"`
	Winners        []VictoryReward `json:"winners"`
	LedgerEntryIDs []int64         `json:"ledgerEntryIds"`
	// ReserveFunded is the Kora bonus paid out of the platform reserve, not the pot.
	ReserveFunded int64     `json:"reserveFunded"`
	SettledAt     time.Time `json:"settledAt"`
}

type RefundStatus string

const (
	RefundStatusRefunded         RefundStatus = "REFUNDED"
	RefundStatusAlreadyFinalized RefundStatus = "ALREADY_FINALIZED"
)

type Refund struct {
	UserID int64 `json:"userId,string"`
	Amount int64 `json:"amount"`
}

type RefundSummary struct {
	SessionID string       `json:"sessionId"`
	Status    RefundStatus `json:"status"`
	Refunds   []Refund     `json:"refunds,omitempty"`
	Total     int64        `json:"total"`
	Reason    string       `json:"reason,omitempty"`
	// FundStatus is the session's fund status after the call.
	FundStatus string `json:"fundStatus"`
}
