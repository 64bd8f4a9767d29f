package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"garame-service/internal/model"
	appErr "garame-service/pkg/errors"
	"garame-service/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db *gorm.DB
}

// AdminSetWalletRequest sets the spendable balance. Frozen funds belong to running sessions
// and are only moved by the ledger.
type AdminSetWalletRequest struct {
	BalanceAvailable *int64
	Reason           string
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) GetWallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &model.Wallet{UserID: userID}, nil
		}
		return nil, err
	}
	return &wallet, nil
}

// ListBilling returns the most recent balance movements of a user.
func (s *Service) ListBilling(ctx context.Context, userID int64, limit int) ([]model.BillingLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var logs []model.BillingLog
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

func (s *Service) AdminSetWallet(ctx context.Context, userID int64, req AdminSetWalletRequest) (*model.Wallet, error) {
	if req.BalanceAvailable == nil {
		return nil, fmt.Errorf("%w: balanceAvailable is required", appErr.ErrInvalidWalletPayload)
	}
	if *req.BalanceAvailable < 0 {
		return nil, fmt.Errorf("%w: balanceAvailable must be >= 0", appErr.ErrInvalidWalletPayload)
	}

	now := time.Now()
	var wallet model.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&wallet).Error
		exists := err == nil
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			wallet = model.Wallet{UserID: userID}
		}

		delta := *req.BalanceAvailable - wallet.BalanceAvailable
		wallet.BalanceAvailable = *req.BalanceAvailable
		wallet.BalanceTotal = wallet.BalanceAvailable + wallet.BalanceFrozen
		wallet.UpdatedAt = now

		if exists {
			err = tx.Model(&model.Wallet{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
				"balance_available": wallet.BalanceAvailable,
				"balance_total":     wallet.BalanceTotal,
				"updated_at":        now,
			}).Error
		} else {
			err = tx.Create(&wallet).Error
		}
		if err != nil {
			return err
		}
		if delta == 0 {
			return nil
		}
		meta, _ := json.Marshal(map[string]string{"reason": req.Reason})
		return tx.Create(&model.BillingLog{
			UserID:       userID,
			Type:         model.BillingAdjust,
			Delta:        delta,
			BalanceAfter: wallet.BalanceAvailable,
			MetaJSON:     datatypes.JSON(meta),
			CreatedAt:    now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("wallet adjusted", zap.Int64("userID", userID), zap.Int64("available", wallet.BalanceAvailable))
	return &wallet, nil
}
