package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"garame-service/internal/config"
	"garame-service/internal/model"
	"garame-service/internal/service/game"
	"garame-service/internal/service/ledger"
	appErr "garame-service/pkg/errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	playerA int64 = 11
	playerB int64 = 22
	playerC int64 = 33
)

func newTestService(t *testing.T) (*gorm.DB, *ledger.Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	svc := ledger.NewService(db, config.DefaultSettlementConfig())
	svc.SetClock(func() time.Time { return time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC) })
	return db, svc
}

func seedWallet(t *testing.T, db *gorm.DB, userID, available int64) {
	t.Helper()
	w := model.Wallet{UserID: userID, BalanceAvailable: available, BalanceTotal: available}
	if err := db.Create(&w).Error; err != nil {
		t.Fatalf("seed wallet %d: %v", userID, err)
	}
}

func wallet(t *testing.T, db *gorm.DB, userID int64) model.Wallet {
	t.Helper()
	var w model.Wallet
	if err := db.Where("user_id = ?", userID).First(&w).Error; err != nil {
		t.Fatalf("load wallet %d: %v", userID, err)
	}
	return w
}

func txContext(t *testing.T, id string, bet int64, players ...int64) ledger.TransactionContext {
	t.Helper()
	c, err := ledger.NewTransactionContext(id, "room-1", game.GameTypeGarame, bet, players, 10)
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	return c
}

func lock(t *testing.T, svc *ledger.Service, c ledger.TransactionContext) {
	t.Helper()
	res, err := svc.LockFunds(context.Background(), c)
	if err != nil {
		t.Fatalf("lock funds: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

func finished(sessionID string, winners ...int64) *game.GameState {
	return &game.GameState{
		SessionID:     sessionID,
		GameType:      game.GameTypeGarame,
		Status:        game.StatusFinished,
		Winners:       winners,
		KorasDetected: []game.Kora{},
	}
}

func TestNewTransactionContextValidates(t *testing.T) {
	cases := []struct {
		name    string
		bet     int64
		pct     float64
		players []int64
	}{
		{"zero bet", 0, 10, []int64{1, 2}},
		{"pct 100", 100, 100, []int64{1, 2}},
		{"negative pct", 100, -1, []int64{1, 2}},
		{"duplicate", 100, 10, []int64{1, 1}},
		{"no players", 100, 10, nil},
		{"pot overflow", math.MaxInt64/2 + 1, 10, []int64{1, 2}},
		{"pot overflow, three seats", math.MaxInt64 / 2, 10, []int64{1, 2, 3}},
	}
	for _, tc := range cases {
		if _, err := ledger.NewTransactionContext("s", "r", "garame", tc.bet, tc.players, tc.pct); !errors.Is(err, appErr.ErrInvalidSessionParams) {
			t.Fatalf("%s: expected ErrInvalidSessionParams, got %v", tc.name, err)
		}
	}

	c, err := ledger.NewTransactionContext("s", "r", "garame", 100, []int64{1, 2, 3}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.TotalPot != 300 {
		t.Fatalf("expected pot 300, got %d", c.TotalPot)
	}
}

func TestLockFundsFreezesStakes(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	seedWallet(t, db, playerA, 500)
	seedWallet(t, db, playerB, 100)

	c := txContext(t, "lock-ok", 100, playerB, playerA)
	res, err := svc.LockFunds(ctx, c)
	if err != nil {
		t.Fatalf("lock funds: %v", err)
	}
	if !res.Success || len(res.Locked) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Locked[0].UserID != playerA {
		t.Fatalf("expected participants locked in id order, got %+v", res.Locked)
	}

	var stakes []model.StakeEntry
	db.Where("session_id = ?", "lock-ok").Find(&stakes)
	var sum int64
	for _, st := range stakes {
		if st.Status != model.StakePending {
			t.Fatalf("expected pending stake, got %s", st.Status)
		}
		sum += st.Amount
	}
	if sum != c.TotalPot {
		t.Fatalf("locked %d, pot %d", sum, c.TotalPot)
	}

	a := wallet(t, db, playerA)
	if a.BalanceAvailable != 400 || a.BalanceFrozen != 100 || a.BalanceTotal != 500 {
		t.Fatalf("unexpected wallet A: %+v", a)
	}
	b := wallet(t, db, playerB)
	if b.BalanceAvailable != 0 || b.BalanceFrozen != 100 {
		t.Fatalf("unexpected wallet B: %+v", b)
	}

	status, err := svc.FundStatus(ctx, "lock-ok")
	if err != nil || status != model.FundLocked {
		t.Fatalf("expected locked, got %q %v", status, err)
	}

	var freezes int64
	db.Model(&model.BillingLog{}).Where("session_id = ? AND type = ?", "lock-ok", model.BillingFreeze).Count(&freezes)
	if freezes != 2 {
		t.Fatalf("expected 2 freeze logs, got %d", freezes)
	}
}

func TestLockFundsIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	seedWallet(t, db, playerA, 500)
	seedWallet(t, db, playerB, 50)
	// playerC has no wallet at all

	res, err := svc.LockFunds(ctx, txContext(t, "lock-fail", 100, playerA, playerB, playerC))
	if err == nil {
		t.Fatalf("expected failure")
	}
	if res == nil || res.Success || len(res.Errors) != 2 {
		t.Fatalf("expected two fund errors, got %+v", res)
	}
	for _, e := range res.Errors {
		if !errors.Is(e, appErr.ErrInsufficientBalance) {
			t.Fatalf("unexpected error %v", e)
		}
	}
	if !errors.Is(err, appErr.ErrInsufficientBalance) || appErr.KindOf(err) != appErr.KindFund {
		t.Fatalf("combined error should be a fund error, got %v", err)
	}

	a := wallet(t, db, playerA)
	if a.BalanceAvailable != 500 || a.BalanceFrozen != 0 {
		t.Fatalf("successful lock must be reversed, got %+v", a)
	}
	var sessions, stakes, logs int64
	db.Model(&model.GameSession{}).Count(&sessions)
	db.Model(&model.StakeEntry{}).Count(&stakes)
	db.Model(&model.BillingLog{}).Count(&logs)
	if sessions+stakes+logs != 0 {
		t.Fatalf("nothing may persist: sessions=%d stakes=%d logs=%d", sessions, stakes, logs)
	}
}

func TestLockFundsRejectsDuplicateSession(t *testing.T) {
	db, svc := newTestService(t)
	seedWallet(t, db, playerA, 500)
	seedWallet(t, db, playerB, 500)
	c := txContext(t, "dup", 100, playerA, playerB)
	lock(t, svc, c)

	if _, err := svc.LockFunds(context.Background(), c); !errors.Is(err, appErr.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if a := wallet(t, db, playerA); a.BalanceFrozen != 100 {
		t.Fatalf("second lock must not freeze again: %+v", a)
	}
}

func TestSettleNormalWin(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	seedWallet(t, db, playerA, 100)
	seedWallet(t, db, playerB, 100)
	c := txContext(t, "settle-1", 100, playerA, playerB)
	lock(t, svc, c)

	summary, err := svc.Settle(ctx, c, finished("settle-1", playerA))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if summary.Pot != 200 || summary.Commission != 20 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Winners) != 1 || summary.Winners[0].TotalAmount != 180 || summary.Winners[0].VictoryType != game.VictoryNormal {
		t.Fatalf("unexpected rewards: %+v", summary.Winners)
	}
	if len(summary.LedgerEntryIDs) != 4 {
		t.Fatalf("expected 2 lose + 1 win + 1 commission entries, got %v", summary.LedgerEntryIDs)
	}

	a, b := wallet(t, db, playerA), wallet(t, db, playerB)
	if a.BalanceAvailable != 180 || a.BalanceFrozen != 0 || a.BalanceTotal != 180 {
		t.Fatalf("unexpected wallet A: %+v", a)
	}
	if b.BalanceAvailable != 0 || b.BalanceFrozen != 0 || b.BalanceTotal != 0 {
		t.Fatalf("unexpected wallet B: %+v", b)
	}
	platform := wallet(t, db, 0)
	if platform.BalanceAvailable != 20 || platform.TotalCommission != 20 {
		t.Fatalf("unexpected platform wallet: %+v", platform)
	}
	if a.BalanceTotal+b.BalanceTotal+platform.BalanceTotal != 200 {
		t.Fatalf("funds not conserved")
	}

	var pending int64
	db.Model(&model.StakeEntry{}).Where("session_id = ? AND status = ?", "settle-1", model.StakePending).Count(&pending)
	if pending != 0 {
		t.Fatalf("expected all stakes completed, %d pending", pending)
	}

	if _, err := svc.Settle(ctx, c, finished("settle-1", playerA)); !errors.Is(err, appErr.ErrAlreadyFinalized) {
		t.Fatalf("second settle must be finalized, got %v", err)
	}
	refund, err := svc.Refund(ctx, c, "late cancel")
	if err != nil {
		t.Fatalf("refund after settle: %v", err)
	}
	if refund.Status != ledger.RefundStatusAlreadyFinalized || refund.Total != 0 {
		t.Fatalf("expected no-op refund, got %+v", refund)
	}
	if a2 := wallet(t, db, playerA); a2.BalanceAvailable != 180 {
		t.Fatalf("refund after settle credited funds: %+v", a2)
	}
}

func TestSettleSimpleKoraIsReserveFunded(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	seedWallet(t, db, playerA, 100)
	seedWallet(t, db, playerB, 100)
	c := txContext(t, "kora-1", 100, playerA, playerB)
	lock(t, svc, c)

	final := finished("kora-1", playerA)
	final.KorasDetected = []game.Kora{{PlayerID: playerA, Type: game.VictoryKoraSimple, Multiplier: 1}}

	summary, err := svc.Settle(ctx, c, final)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	r := summary.Winners[0]
	if r.BaseAmount != 180 || r.BonusAmount != 180 || r.TotalAmount != 360 || r.KoraMultiplier != 1 {
		t.Fatalf("unexpected kora reward: %+v", r)
	}
	if summary.ReserveFunded != 180 || summary.Commission != 20 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if r.BaseAmount+summary.Commission != c.TotalPot {
		t.Fatalf("base share plus commission must equal the pot")
	}

	if a := wallet(t, db, playerA); a.BalanceAvailable != 360 {
		t.Fatalf("expected A credited 360, got %+v", a)
	}
	reserve := wallet(t, db, -1)
	if reserve.BalanceAvailable != -180 {
		t.Fatalf("expected reserve debited 180, got %+v", reserve)
	}
	var bonusLogs int64
	db.Model(&model.BillingLog{}).Where("session_id = ? AND type = ?", "kora-1", model.BillingKoraBonus).Count(&bonusLogs)
	if bonusLogs != 1 {
		t.Fatalf("expected one kora_bonus entry, got %d", bonusLogs)
	}
}

func TestSettleRequiresFinishedState(t *testing.T) {
	db, svc := newTestService(t)
	seedWallet(t, db, playerA, 100)
	seedWallet(t, db, playerB, 100)
	c := txContext(t, "unfinished", 100, playerA, playerB)
	lock(t, svc, c)

	running := finished("unfinished", playerA)
	running.Status = game.StatusPlaying
	if _, err := svc.Settle(context.Background(), c, running); !errors.Is(err, appErr.ErrSessionNotFinished) {
		t.Fatalf("expected ErrSessionNotFinished, got %v", err)
	}
	if _, err := svc.Settle(context.Background(), c, finished("unfinished", 999)); !errors.Is(err, appErr.ErrSettlementValidation) {
		t.Fatalf("expected validation failure for outsider, got %v", err)
	}
}

func TestRefundIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	seedWallet(t, db, playerA, 100)
	seedWallet(t, db, playerB, 100)
	c := txContext(t, "refund-1", 100, playerA, playerB)
	lock(t, svc, c)

	first, err := svc.Refund(ctx, c, "idle_timeout")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if first.Status != ledger.RefundStatusRefunded || first.Total != 200 || len(first.Refunds) != 2 {
		t.Fatalf("unexpected refund: %+v", first)
	}
	for _, id := range []int64{playerA, playerB} {
		if w := wallet(t, db, id); w.BalanceAvailable != 100 || w.BalanceFrozen != 0 {
			t.Fatalf("wallet %d not restored: %+v", id, w)
		}
	}

	second, err := svc.Refund(ctx, c, "idle_timeout")
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if second.Status != ledger.RefundStatusAlreadyFinalized || second.Total != 0 || second.FundStatus != model.FundRefunded {
		t.Fatalf("expected ALREADY_FINALIZED, got %+v", second)
	}
	if w := wallet(t, db, playerA); w.BalanceAvailable != 100 {
		t.Fatalf("second refund credited again: %+v", w)
	}

	var unfreezes int64
	db.Model(&model.BillingLog{}).Where("session_id = ? AND type = ?", "refund-1", model.BillingUnfreeze).Count(&unfreezes)
	if unfreezes != 2 {
		t.Fatalf("expected 2 unfreeze logs, got %d", unfreezes)
	}
	if _, err := svc.Settle(ctx, c, finished("refund-1", playerA)); !errors.Is(err, appErr.ErrAlreadyFinalized) {
		t.Fatalf("settle after refund must be finalized, got %v", err)
	}
}

func TestRefundUnknownSession(t *testing.T) {
	_, svc := newTestService(t)
	c := txContext(t, "ghost", 100, playerA, playerB)
	if _, err := svc.Refund(context.Background(), c, "x"); !errors.Is(err, appErr.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestLoadContextRoundTrip(t *testing.T) {
	db, svc := newTestService(t)
	seedWallet(t, db, playerA, 100)
	seedWallet(t, db, playerB, 100)
	c := txContext(t, "ctx-1", 100, playerB, playerA)
	lock(t, svc, c)

	loaded, err := svc.LoadContext(context.Background(), "ctx-1")
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	if loaded.TotalPot != 200 || len(loaded.ParticipantIDs) != 2 || loaded.ParticipantIDs[0] != playerB {
		t.Fatalf("unexpected context: %+v", loaded)
	}
}
