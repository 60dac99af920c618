package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lostfound/internal/config"
	"lostfound/internal/model"
	"lostfound/internal/testutil"

	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	cfg     *config.Config
	ledger  *LedgerService
	reports *ReportService
	escrow  *EscrowService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	cfg := testutil.Config()

	ledger := NewLedgerService(db, rdb, cfg)
	reports := NewReportService(db, rdb, cfg)
	return &fixture{
		db:      db,
		cfg:     cfg,
		ledger:  ledger,
		reports: reports,
		escrow:  NewEscrowService(ledger, reports, rdb, cfg),
	}
}

func (f *fixture) open(t *testing.T, userID string) {
	t.Helper()
	if _, err := f.ledger.OpenAccount(context.Background(), userID); err != nil {
		t.Fatalf("open account %s: %v", userID, err)
	}
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	acc, err := f.ledger.GetOrCreateAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("get account %s: %v", userID, err)
	}
	return acc.Balance
}

func (f *fixture) assertConsistent(t *testing.T, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		res, err := f.ledger.Audit(context.Background(), id)
		if err != nil {
			t.Fatalf("audit %s: %v", id, err)
		}
		if !res.Consistent {
			t.Fatalf("account %s inconsistent: balance=%d entries=%d", id, res.Balance, res.EntrySum)
		}
	}
}

func TestOpenAccount_GrantsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.OpenAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first.Duplicate || first.Account.Balance != 100 {
		t.Fatalf("unexpected first open: duplicate=%v balance=%d", first.Duplicate, first.Account.Balance)
	}

	second, err := f.ledger.OpenAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if !second.Duplicate || second.Account.Balance != 100 {
		t.Fatalf("second open should be a no-op, got duplicate=%v balance=%d", second.Duplicate, second.Account.Balance)
	}

	history, err := f.ledger.History(ctx, "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(history))
	}
	e := history[0]
	if e.Kind != model.EntryKindCredit || e.Amount != 100 || e.Sender != model.SystemParty || e.ReportRef != model.RegistrationRef {
		t.Fatalf("unexpected grant entry: %+v", e)
	}
	f.assertConsistent(t, "alice")
}

func TestGetOrCreateAccount_Empty(t *testing.T) {
	f := newFixture(t)

	if got := f.balance(t, "nobody"); got != 0 {
		t.Fatalf("new account balance = %d, want 0", got)
	}
	if _, err := f.ledger.GetOrCreateAccount(context.Background(), "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank user id: got %v, want ErrValidation", err)
	}
}

func TestReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	acc, err := f.ledger.Reserve(ctx, "alice", 30, "LST1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if acc.Balance != 70 {
		t.Fatalf("balance = %d, want 70", acc.Balance)
	}

	history, _ := f.ledger.History(ctx, "alice")
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	lost := history[0]
	if lost.Kind != model.EntryKindLost || lost.Amount != -30 || lost.Receiver != model.SystemParty ||
		lost.BalanceBefore != 100 || lost.BalanceAfter != 70 || lost.ReportRef != "LST1" {
		t.Fatalf("unexpected reserve entry: %+v", lost)
	}
	f.assertConsistent(t, "alice")
}

func TestReserve_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	if _, err := f.ledger.Reserve(ctx, "alice", 150, "LST1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if got := f.balance(t, "alice"); got != 100 {
		t.Fatalf("balance changed to %d", got)
	}
	history, _ := f.ledger.History(ctx, "alice")
	if len(history) != 1 {
		t.Fatalf("failed reserve must not append entries, got %d", len(history))
	}

	// 新用户没有开户，余额为 0
	if _, err := f.ledger.Reserve(ctx, "bob", 5, "LST2"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestReserve_InvalidAmount(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []int64{0, -5} {
		if _, err := f.ledger.Reserve(context.Background(), "alice", amount, "LST1"); !errors.Is(err, ErrValidation) {
			t.Fatalf("amount %d: got %v, want ErrValidation", amount, err)
		}
	}
}

func TestReserve_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Reserve(ctx, "alice", 30, "LST-concurrent")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientFunds):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 || insufficient != 7 {
		t.Fatalf("succeeded=%d insufficient=%d, want 3/7", succeeded, insufficient)
	}
	if got := f.balance(t, "alice"); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
	f.assertConsistent(t, "alice")
}

func TestCredit_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := &CreditRequest{
		UserID:       "bob",
		Amount:       25,
		ReportRef:    "LST1",
		Counterparty: "alice",
		Kind:         model.EntryKindReward,
	}
	first, err := f.ledger.Credit(ctx, req)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	second, err := f.ledger.Credit(ctx, req)
	if err != nil {
		t.Fatalf("credit again: %v", err)
	}
	if first.Duplicate || !second.Duplicate {
		t.Fatalf("duplicate flags: first=%v second=%v", first.Duplicate, second.Duplicate)
	}
	if second.Entry.EntryNo != first.Entry.EntryNo {
		t.Fatalf("duplicate credit should return the original entry")
	}
	if got := f.balance(t, "bob"); got != 25 {
		t.Fatalf("balance = %d, want 25", got)
	}
	if first.Entry.Sender != "alice" || first.Entry.Receiver != "bob" {
		t.Fatalf("unexpected parties: %+v", first.Entry)
	}

	// 同一编号的不同类型是两笔独立入账
	if _, err := f.ledger.Credit(ctx, &CreditRequest{UserID: "bob", Amount: 5, ReportRef: "LST1", Kind: model.EntryKindCredit}); err != nil {
		t.Fatalf("credit other kind: %v", err)
	}
	if got := f.balance(t, "bob"); got != 30 {
		t.Fatalf("balance = %d, want 30", got)
	}
	f.assertConsistent(t, "bob")
}

func TestCredit_Validation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]*CreditRequest{
		"blank user":  {UserID: "", Amount: 1, ReportRef: "R", Kind: model.EntryKindCredit},
		"zero amount": {UserID: "bob", Amount: 0, ReportRef: "R", Kind: model.EntryKindCredit},
		"lost kind":   {UserID: "bob", Amount: 1, ReportRef: "R", Kind: model.EntryKindLost},
		"no ref":      {UserID: "bob", Amount: 1, Kind: model.EntryKindCredit},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.ledger.Credit(context.Background(), req); !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	for _, ref := range []string{"LST1", "LST2", "LST3"} {
		if _, err := f.ledger.Reserve(ctx, "alice", 10, ref); err != nil {
			t.Fatalf("reserve %s: %v", ref, err)
		}
	}

	history, err := f.ledger.History(ctx, "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []string{"LST3", "LST2", "LST1", model.RegistrationRef}
	if len(history) != len(want) {
		t.Fatalf("got %d entries, want %d", len(history), len(want))
	}
	for i, ref := range want {
		if history[i].ReportRef != ref {
			t.Fatalf("entry %d ref = %s, want %s", i, history[i].ReportRef, ref)
		}
	}

	empty, err := f.ledger.History(ctx, "ghost")
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown user history: %v %v", empty, err)
	}
}

func TestAudit_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.Audit(context.Background(), "ghost"); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestOrphanReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	if _, err := f.ledger.Reserve(ctx, "alice", 10, "LST-orphan"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	orphans, err := f.ledger.OrphanReservations(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ReportRef != "LST-orphan" {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}

	// 太新的流水不算孤立
	recent, err := f.ledger.OrphanReservations(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil || len(recent) != 0 {
		t.Fatalf("recent reservations should be skipped: %v %v", recent, err)
	}
}

func TestListUserIDs(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.open(t, id)
	}

	ids, err := f.ledger.ListUserIDs(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	rest, _ := f.ledger.ListUserIDs(context.Background(), 2, 2)
	if len(rest) != 1 {
		t.Fatalf("got %d ids on second page, want 1", len(rest))
	}
}
