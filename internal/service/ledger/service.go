package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"garame-service/internal/config"
	"garame-service/internal/model"
	"garame-service/internal/service/game"
	appErr "garame-service/pkg/errors"
	"garame-service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service owns the financial lifecycle of a session: lock, then exactly one of settle or refund.
type Service struct {
	db  *gorm.DB
	cfg config.SettlementConfig
	now func() time.Time
}

func NewService(db *gorm.DB, cfg config.SettlementConfig) *Service {
	return &Service{db: db, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source used for ledger timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// errBatchFailed rolls back a lock batch with per-participant failures.
var errBatchFailed = errors.New("fund lock batch failed")

// LockFunds freezes the stake of every participant and records the session, all or nothing.
func (s *Service) LockFunds(ctx context.Context, c TransactionContext) (*LockResult, error) {
	now := s.now()
	result := &LockResult{SessionID: c.SessionID, TotalPot: c.TotalPot}

	participants, _ := json.Marshal(c.ParticipantIDs)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&model.GameSession{}).Where("id = ?", c.SessionID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s", appErr.ErrSessionExists, c.SessionID)
		}

		wallets := newWalletBook(tx)
		billingLogs := make([]model.BillingLog, 0, len(c.ParticipantIDs))
		stakes := make([]model.StakeEntry, 0, len(c.ParticipantIDs))
		locked := make([]StakeLock, 0, len(c.ParticipantIDs))
		var failures []error

		for _, userID := range c.sortedParticipants() {
			wallet, err := wallets.Ensure(userID)
			if err != nil {
				if isLockContention(err) {
					// the transaction is unusable after a lock failure, stop here
					failures = append(failures, appErr.Fund(appErr.CodeLockConflict, userID, err.Error()))
					break
				}
				return err
			}
			if wallet.BalanceAvailable < c.BetAmount {
				failures = append(failures, appErr.Fund(appErr.CodeInsufficientBalance, userID,
					fmt.Sprintf("available %d < bet %d", wallet.BalanceAvailable, c.BetAmount)))
				continue
			}

			wallet.BalanceAvailable -= c.BetAmount
			wallet.BalanceFrozen += c.BetAmount

			entryID := uuid.NewString()
			sessionID := c.SessionID
			billingLogs = append(billingLogs, model.BillingLog{
				UserID:       userID,
				Type:         model.BillingFreeze,
				Delta:        -c.BetAmount,
				BalanceAfter: wallet.BalanceAvailable,
				SessionID:    &sessionID,
				MetaJSON:     mustJSON(map[string]interface{}{"stakeEntryId": entryID, "roomId": c.RoomID}),
				CreatedAt:    now,
			})
			stakes = append(stakes, model.StakeEntry{
				ID:        entryID,
				SessionID: c.SessionID,
				UserID:    userID,
				Amount:    c.BetAmount,
				Status:    model.StakePending,
				CreatedAt: now,
			})
			locked = append(locked, StakeLock{UserID: userID, Amount: c.BetAmount, EntryID: entryID})
		}

		if len(failures) > 0 {
			result.Errors = failures
			return errBatchFailed
		}

		session := model.GameSession{
			ID:             c.SessionID,
			RoomID:         c.RoomID,
			GameType:       c.GameType,
			BetAmount:      c.BetAmount,
			TotalPot:       c.TotalPot,
			CommissionPct:  c.CommissionPct,
			ParticipantIDs: datatypes.JSON(participants),
			FundStatus:     model.FundLocked,
			GameStatus:     model.GamePending,
			LastActivityAt: now,
			CreatedAt:      now,
		}
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		if err := wallets.SaveAll(now); err != nil {
			return err
		}
		if err := tx.Create(&billingLogs).Error; err != nil {
			return err
		}
		if err := tx.Create(&stakes).Error; err != nil {
			return err
		}
		result.Locked = locked
		return nil
	})

	if errors.Is(err, errBatchFailed) {
		logger.Log.Warn("fund lock rejected",
			zap.String("sessionID", c.SessionID),
			zap.Int("failures", len(result.Errors)),
			zap.Error(multierr.Combine(result.Errors...)),
		)
		return result, multierr.Combine(result.Errors...)
	}
	if err != nil {
		return nil, mapDBError(err)
	}

	result.Success = true
	logger.Log.Info("funds locked",
		zap.String("sessionID", c.SessionID),
		zap.Int64("pot", c.TotalPot),
		zap.Int("participants", len(c.ParticipantIDs)),
	)
	return result, nil
}

type settlementRecord struct {
	Summary *SettlementSummary `json:"summary"`
	Koras   []game.Kora        `json:"koras,omitempty"`
}

// Settle pays out a finished game. A session that is no longer locked yields ErrAlreadyFinalized.
func (s *Service) Settle(ctx context.Context, c TransactionContext, final *game.GameState) (*SettlementSummary, error) {
	if final == nil || !final.Finished() {
		return nil, appErr.ErrSessionNotFinished
	}
	if final.SessionID != c.SessionID {
		return nil, fmt.Errorf("%w: state belongs to %s", appErr.ErrSettlementValidation, final.SessionID)
	}
	payout, err := ComputePayout(c, final)
	if err != nil {
		return nil, err
	}

	now := s.now()
	summary := &SettlementSummary{
		SessionID:     c.SessionID,
		Pot:           c.TotalPot,
		Commission:    payout.Commission,
		Winners:       payout.Rewards,
		ReserveFunded: payout.Reserve,
		SettledAt:     now,
	}
	stateJSON, err := json.Marshal(final)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := lockSession(tx, c.SessionID)
		if err != nil {
			return err
		}
		if session.FundStatus != model.FundLocked {
			return appErr.ErrAlreadyFinalized
		}

		var stakes []model.StakeEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND status = ?", c.SessionID, model.StakePending).
			Order("user_id").
			Find(&stakes).Error; err != nil {
			return err
		}
		var staked int64
		for _, st := range stakes {
			staked += st.Amount
		}
		if staked != c.TotalPot {
			return fmt.Errorf("%w: pending stakes %d != pot %d", appErr.ErrSettlementValidation, staked, c.TotalPot)
		}

		ids := append(c.sortedParticipants(), s.cfg.PlatformAccountID)
		if payout.Reserve > 0 {
			ids = append(ids, s.cfg.ReserveAccountID)
		}
		wallets := newWalletBook(tx)
		if err := wallets.LockAll(ids...); err != nil {
			return err
		}

		sessionID := c.SessionID
		logs := make([]model.BillingLog, 0, len(stakes)+len(payout.Rewards)+2)

		for _, st := range stakes {
			wallet, err := wallets.Ensure(st.UserID)
			if err != nil {
				return err
			}
			wallet.BalanceFrozen -= st.Amount
			wallet.BalanceTotal -= st.Amount
			wallet.TotalConsume += st.Amount
			logs = append(logs, model.BillingLog{
				UserID:       st.UserID,
				Type:         model.BillingLose,
				Delta:        -st.Amount,
				BalanceAfter: wallet.BalanceAvailable,
				SessionID:    &sessionID,
				MetaJSON:     mustJSON(map[string]interface{}{"stakeEntryId": st.ID}),
				CreatedAt:    now,
			})
		}

		for _, r := range payout.Rewards {
			wallet, err := wallets.Ensure(r.PlayerID)
			if err != nil {
				return err
			}
			wallet.BalanceAvailable += r.TotalAmount
			wallet.BalanceTotal += r.TotalAmount
			wallet.TotalWin += r.TotalAmount
			logs = append(logs, model.BillingLog{
				UserID:       r.PlayerID,
				Type:         model.BillingWin,
				Delta:        r.TotalAmount,
				BalanceAfter: wallet.BalanceAvailable,
				SessionID:    &sessionID,
				MetaJSON: mustJSON(map[string]interface{}{
					"victoryType": r.VictoryType,
					"base":        r.BaseAmount,
					"bonus":       r.BonusAmount,
					"multiplier":  r.KoraMultiplier,
				}),
				CreatedAt: now,
			})
		}

		platform, err := wallets.Ensure(s.cfg.PlatformAccountID)
		if err != nil {
			return err
		}
		platform.BalanceAvailable += payout.Commission
		platform.BalanceTotal += payout.Commission
		platform.TotalCommission += payout.Commission
		logs = append(logs, model.BillingLog{
			UserID:       s.cfg.PlatformAccountID,
			Type:         model.BillingCommission,
			Delta:        payout.Commission,
			BalanceAfter: platform.BalanceAvailable,
			SessionID:    &sessionID,
			MetaJSON:     mustJSON(map[string]interface{}{"pot": c.TotalPot, "pct": c.CommissionPct}),
			CreatedAt:    now,
		})

		if payout.Reserve > 0 {
			reserve, err := wallets.Ensure(s.cfg.ReserveAccountID)
			if err != nil {
				return err
			}
			reserve.BalanceAvailable -= payout.Reserve
			reserve.BalanceTotal -= payout.Reserve
			logs = append(logs, model.BillingLog{
				UserID:       s.cfg.ReserveAccountID,
				Type:         model.BillingKoraBonus,
				Delta:        -payout.Reserve,
				BalanceAfter: reserve.BalanceAvailable,
				SessionID:    &sessionID,
				MetaJSON:     mustJSON(map[string]interface{}{"koras": final.KorasDetected}),
				CreatedAt:    now,
			})
		}

		if err := wallets.SaveAll(now); err != nil {
			return err
		}
		if err := tx.Create(&logs).Error; err != nil {
			return err
		}
		for _, l := range logs {
			summary.LedgerEntryIDs = append(summary.LedgerEntryIDs, l.ID)
		}

		if err := tx.Model(&model.StakeEntry{}).
			Where("session_id = ? AND status = ?", c.SessionID, model.StakePending).
			Updates(map[string]interface{}{"status": model.StakeCompleted, "resolved_at": now}).Error; err != nil {
			return err
		}

		return tx.Model(&model.GameSession{}).Where("id = ?", c.SessionID).Updates(map[string]interface{}{
			"fund_status":      model.FundSettled,
			"game_status":      model.GameFinished,
			"state_json":       datatypes.JSON(stateJSON),
			"result_json":      mustJSON(settlementRecord{Summary: summary, Koras: final.KorasDetected}),
			"last_activity_at": now,
			"finalized_at":     now,
		}).Error
	})
	if err != nil {
		if errors.Is(err, appErr.ErrAlreadyFinalized) {
			return nil, err
		}
		return nil, mapDBError(err)
	}

	logger.Log.Info("session settled",
		zap.String("sessionID", c.SessionID),
		zap.Int64("pot", summary.Pot),
		zap.Int64("commission", summary.Commission),
		zap.Int64("reserveFunded", summary.ReserveFunded),
		zap.Int("winners", len(summary.Winners)),
	)
	return summary, nil
}

// Refund returns every pending stake. It is a no-op reporting ALREADY_FINALIZED once the session left the locked state.
func (s *Service) Refund(ctx context.Context, c TransactionContext, reason string) (*RefundSummary, error) {
	now := s.now()
	summary := &RefundSummary{SessionID: c.SessionID, Reason: reason}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := lockSession(tx, c.SessionID)
		if err != nil {
			return err
		}
		if session.FundStatus != model.FundLocked {
			summary.Status = RefundStatusAlreadyFinalized
			summary.FundStatus = session.FundStatus
			return nil
		}

		var stakes []model.StakeEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND status = ?", c.SessionID, model.StakePending).
			Order("user_id").
			Find(&stakes).Error; err != nil {
			return err
		}

		ids := make([]int64, 0, len(stakes))
		for _, st := range stakes {
			ids = append(ids, st.UserID)
		}
		wallets := newWalletBook(tx)
		if err := wallets.LockAll(ids...); err != nil {
			return err
		}

		sessionID := c.SessionID
		logs := make([]model.BillingLog, 0, len(stakes))
		for _, st := range stakes {
			wallet, err := wallets.Ensure(st.UserID)
			if err != nil {
				return err
			}
			wallet.BalanceFrozen -= st.Amount
			wallet.BalanceAvailable += st.Amount
			logs = append(logs, model.BillingLog{
				UserID:       st.UserID,
				Type:         model.BillingUnfreeze,
				Delta:        st.Amount,
				BalanceAfter: wallet.BalanceAvailable,
				SessionID:    &sessionID,
				MetaJSON:     mustJSON(map[string]interface{}{"stakeEntryId": st.ID, "reason": reason}),
				CreatedAt:    now,
			})
			summary.Refunds = append(summary.Refunds, Refund{UserID: st.UserID, Amount: st.Amount})
			summary.Total += st.Amount
		}

		if err := wallets.SaveAll(now); err != nil {
			return err
		}
		if len(logs) > 0 {
			if err := tx.Create(&logs).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&model.StakeEntry{}).
			Where("session_id = ? AND status = ?", c.SessionID, model.StakePending).
			Updates(map[string]interface{}{"status": model.StakeCancelled, "resolved_at": now}).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"fund_status":      model.FundRefunded,
			"game_status":      model.GameCancelled,
			"cancel_reason":    reason,
			"last_activity_at": now,
			"finalized_at":     now,
		}
		if terminal, ok := cancelledSnapshot(session); ok {
			updates["state_json"] = terminal
			updates["version"] = session.Version + 1
		}
		if err := tx.Model(&model.GameSession{}).Where("id = ?", c.SessionID).Updates(updates).Error; err != nil {
			return err
		}
		summary.Status = RefundStatusRefunded
		summary.FundStatus = model.FundRefunded
		return nil
	})
	if err != nil {
		return nil, mapDBError(err)
	}

	if summary.Status == RefundStatusRefunded {
		logger.Log.Info("session refunded",
			zap.String("sessionID", c.SessionID),
			zap.String("reason", reason),
			zap.Int64("total", summary.Total),
		)
	}
	return summary, nil
}

// FundStatus reports locked, settled or refunded.
func (s *Service) FundStatus(ctx context.Context, sessionID string) (string, error) {
	var session model.GameSession
	err := s.db.WithContext(ctx).Select("id", "fund_status").Where("id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", appErr.ErrSessionNotFound
		}
		return "", err
	}
	return session.FundStatus, nil
}

// LoadContext rebuilds the transaction context of a stored session.
func (s *Service) LoadContext(ctx context.Context, sessionID string) (TransactionContext, error) {
	var session model.GameSession
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TransactionContext{}, appErr.ErrSessionNotFound
		}
		return TransactionContext{}, err
	}
	return ContextFromModel(session)
}

func ContextFromModel(session model.GameSession) (TransactionContext, error) {
	var ids []int64
	if len(session.ParticipantIDs) > 0 {
		if err := json.Unmarshal(session.ParticipantIDs, &ids); err != nil {
			return TransactionContext{}, fmt.Errorf("session %s participants: %w", session.ID, err)
		}
	}
	return TransactionContext{
		SessionID:      session.ID,
		RoomID:         session.RoomID,
		GameType:       session.GameType,
		BetAmount:      session.BetAmount,
		ParticipantIDs: ids,
		TotalPot:       session.TotalPot,
		CommissionPct:  session.CommissionPct,
	}, nil
}

// cancelledSnapshot marks the stored state terminal with an empty pot. Sessions refunded before the deal have no state.
func cancelledSnapshot(session *model.GameSession) (datatypes.JSON, bool) {
	if len(session.StateJSON) == 0 {
		return nil, false
	}
	var state game.GameState
	if err := json.Unmarshal(session.StateJSON, &state); err != nil {
		logger.Log.Warn("refund kept undecodable state", zap.String("sessionID", session.ID), zap.Error(err))
		return nil, false
	}
	state.Status = game.StatusCancelled
	state.Pot = 0
	state.CurrentPlayerID = 0
	state.Version = session.Version + 1
	return mustJSON(&state), true
}

func lockSession(tx *gorm.DB, sessionID string) (*model.GameSession, error) {
	var session model.GameSession
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func mustJSON(v interface{}) datatypes.JSON {
	if v == nil {
		return datatypes.JSON("{}")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
