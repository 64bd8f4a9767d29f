package model

import (
	"time"

	"gorm.io/datatypes"
)

// Wallet & Billing

type Wallet struct {
	UserID           int64 `gorm:"primaryKey;autoIncrement:false"`
	BalanceTotal     int64
	BalanceAvailable int64
	BalanceFrozen    int64
	TotalWin         int64
	TotalConsume     int64
	TotalCommission  int64
	UpdatedAt        time.Time
}

// Billing log types.
const (
	BillingFreeze     = "freeze"
	BillingUnfreeze   = "unfreeze"
	BillingWin        = "win"
	BillingLose       = "lose"
	BillingCommission = "commission"
	BillingKoraBonus  = "kora_bonus"
	BillingAdjust     = "adjust"
)

type BillingLog struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	UserID       int64  `gorm:"index"`
	Type         string `gorm:"size:32"`
	Delta        int64
	BalanceAfter int64
	SessionID    *string        `gorm:"size:64;index"`
	MetaJSON     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

// Sessions

// Fund status of a session: exactly one of these at any time.
const (
	FundLocked   = "locked"
	FundSettled  = "settled"
	FundRefunded = "refunded"
)

// Game status mirrored from the rules engine, plus the pre-deal and aborted states.
const (
	GamePending   = "PENDING"
	GamePlaying   = "PLAYING"
	GameFinished  = "FINISHED"
	GameCancelled = "CANCELLED"
)

type GameSession struct {
	ID             string `gorm:"primaryKey;size:64"`
	RoomID         string `gorm:"size:64;index"`
	GameType       string `gorm:"size:32"`
	BetAmount      int64
	TotalPot       int64
	CommissionPct  float64
	ParticipantIDs datatypes.JSON `gorm:"type:jsonb"`
	FundStatus     string         `gorm:"size:16;index;not null"`
	GameStatus     string         `gorm:"size:16"`
	StateJSON      datatypes.JSON `gorm:"type:jsonb"`
	ResultJSON     datatypes.JSON `gorm:"type:jsonb"`
	Version        int64          `gorm:"not null;default:0"`
	CancelReason   string         `gorm:"size:64"`
	LastActivityAt time.Time      `gorm:"index"`
	CreatedAt      time.Time
	FinalizedAt    *time.Time
}

// Stake entry statuses.
const (
	StakePending   = "pending"
	StakeCompleted = "completed"
	StakeCancelled = "cancelled"
)

// StakeEntry is the pending debit recorded for each participant at lock time.
type StakeEntry struct {
	ID         string `gorm:"primaryKey;size:36"`
	SessionID  string `gorm:"size:64;index:idx_stake_session_user,unique"`
	UserID     int64  `gorm:"index:idx_stake_session_user,unique"`
	Amount     int64
	Status     string `gorm:"size:16;not null"`
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Incident records integrity failures and forced cancellations for review.
type Incident struct {
	ID         string         `gorm:"primaryKey;size:36"`
	SessionID  string         `gorm:"size:64;index"`
	Kind       string         `gorm:"size:32"`
	Code       string         `gorm:"size:32"`
	DetailJSON datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

// All lists the models to migrate.
func All() []interface{} {
	return []interface{}{
		&Wallet{},
		&BillingLog{},
		&GameSession{},
		&StakeEntry{},
		&Incident{},
	}
}
