package ledger

import (
	"errors"
	"sort"
	"time"

	"garame-service/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// walletBook row-locks each wallet once per transaction and writes them back together.
type walletBook struct {
	tx      *gorm.DB
	entries map[int64]*walletEntry
}

type walletEntry struct {
	wallet *model.Wallet
	exists bool
	dirty  bool
}

func newWalletBook(tx *gorm.DB) *walletBook {
	return &walletBook{
		tx:      tx,
		entries: make(map[int64]*walletEntry),
	}
}

// LockAll locks wallets in ascending id order so concurrent transactions cannot deadlock.
func (wb *walletBook) LockAll(ids ...int64) error {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		if _, err := wb.load(id); err != nil {
			return err
		}
	}
	return nil
}

func (wb *walletBook) load(userID int64) (*walletEntry, error) {
	if entry, ok := wb.entries[userID]; ok {
		return entry, nil
	}

	wallet := &model.Wallet{}
	err := wb.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(wallet).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		wallet = &model.Wallet{UserID: userID}
	}

	entry := &walletEntry{wallet: wallet, exists: err == nil}
	wb.entries[userID] = entry
	return entry, nil
}

// Ensure returns the locked wallet and marks it for write-back.
func (wb *walletBook) Ensure(userID int64) (*model.Wallet, error) {
	entry, err := wb.load(userID)
	if err != nil {
		return nil, err
	}
	entry.dirty = true
	return entry.wallet, nil
}

func (wb *walletBook) SaveAll(now time.Time) error {
	for _, entry := range wb.entries {
		if !entry.dirty {
			continue
		}
		w := entry.wallet
		w.UpdatedAt = now
		var err error
		if entry.exists {
			// Updates with an explicit key; Save would insert when the key is the zero platform id.
			err = wb.tx.Model(&model.Wallet{}).Where("user_id = ?", w.UserID).Updates(map[string]interface{}{
				"balance_total":     w.BalanceTotal,
				"balance_available": w.BalanceAvailable,
				"balance_frozen":    w.BalanceFrozen,
				"total_win":         w.TotalWin,
				"total_consume":     w.TotalConsume,
				"total_commission":  w.TotalCommission,
				"updated_at":        w.UpdatedAt,
			}).Error
		} else {
			err = wb.tx.Create(w).Error
			if err == nil {
				entry.exists = true
			}
		}
		if err != nil {
			return err
		}
		entry.dirty = false
	}
	return nil
}
