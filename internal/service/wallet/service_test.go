package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"garame-service/internal/model"
	"garame-service/internal/service/wallet"
	appErr "garame-service/pkg/errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*gorm.DB, *wallet.Service) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.Wallet{}, &model.BillingLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db, wallet.NewService(db)
}

func ptr(v int64) *int64 { return &v }

func TestGetWalletDefaultsToEmpty(t *testing.T) {
	_, svc := newTestService(t)
	w, err := svc.GetWallet(context.Background(), 7)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.UserID != 7 || w.BalanceAvailable != 0 {
		t.Fatalf("unexpected wallet: %+v", w)
	}
}

func TestAdminSetWalletKeepsFrozenAndLogs(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	if err := db.Create(&model.Wallet{UserID: 7, BalanceAvailable: 50, BalanceFrozen: 100, BalanceTotal: 150}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	w, err := svc.AdminSetWallet(ctx, 7, wallet.AdminSetWalletRequest{BalanceAvailable: ptr(300), Reason: "top up"})
	if err != nil {
		t.Fatalf("set wallet: %v", err)
	}
	if w.BalanceAvailable != 300 || w.BalanceFrozen != 100 || w.BalanceTotal != 400 {
		t.Fatalf("unexpected wallet: %+v", w)
	}

	logs, err := svc.ListBilling(ctx, 7, 10)
	if err != nil {
		t.Fatalf("list billing: %v", err)
	}
	if len(logs) != 1 || logs[0].Type != model.BillingAdjust || logs[0].Delta != 250 {
		t.Fatalf("unexpected logs: %+v", logs)
	}

	created, err := svc.AdminSetWallet(ctx, 8, wallet.AdminSetWalletRequest{BalanceAvailable: ptr(10)})
	if err != nil || created.BalanceTotal != 10 {
		t.Fatalf("create via set failed: %+v %v", created, err)
	}
}

func TestAdminSetWalletValidates(t *testing.T) {
	_, svc := newTestService(t)
	for _, req := range []wallet.AdminSetWalletRequest{{}, {BalanceAvailable: ptr(-1)}} {
		if _, err := svc.AdminSetWallet(context.Background(), 7, req); !errors.Is(err, appErr.ErrInvalidWalletPayload) {
			t.Fatalf("expected ErrInvalidWalletPayload, got %v", err)
		}
	}
}
