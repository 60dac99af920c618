package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lostfound/internal/model"
)

var (
	alice = Identity{ID: "alice", Name: "Alice"}
	bob   = Identity{ID: "bob", Name: "Bob"}
	carol = Identity{ID: "carol", Name: "Carol"}
)

func lostWallet(bounty int64) *ReportLostItemRequest {
	return &ReportLostItemRequest{
		Title:       "黑色钱包",
		Description: "在食堂丢失",
		Location:    "一食堂",
		SecretPairs: []model.SecretPair{{Key: "颜色", Value: "黑色"}},
		Bounty:      bounty,
	}
}

func foundIt() *FoundClaimRequest {
	return &FoundClaimRequest{Description: "餐桌上捡到", Location: "一食堂"}
}

func TestEscrow_ReportAndReward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")
	f.open(t, "bob")

	report, err := f.escrow.ReportLostItem(ctx, alice, lostWallet(30))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Status != model.ReportStatusLost || report.ReporterName != "Alice" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := f.balance(t, "alice"); got != 70 {
		t.Fatalf("alice balance = %d, want 70", got)
	}

	history, _ := f.ledger.History(ctx, "alice")
	if history[0].Kind != model.EntryKindLost || history[0].ReportRef != report.ReportNo {
		t.Fatalf("reserve entry should reference the report: %+v", history[0])
	}

	withClaim, err := f.escrow.SubmitFoundClaim(ctx, bob, report.ReportNo, foundIt())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if withClaim.Status != model.ReportStatusVerifying {
		t.Fatalf("status = %s, want Verifying", withClaim.Status)
	}
	claimNo := withClaim.Claims[0].ClaimNo
	if withClaim.Claims[0].FinderName != "Bob" {
		t.Fatalf("finder name = %s", withClaim.Claims[0].FinderName)
	}

	if _, err := f.escrow.VerifyClaim(ctx, bob, report.ReportNo, claimNo, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("finder verifying own claim: got %v", err)
	}

	verified, err := f.escrow.VerifyClaim(ctx, alice, report.ReportNo, claimNo, true)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != model.ReportStatusFound || !verified.Verified {
		t.Fatalf("report not found: %+v", verified)
	}
	if got := f.balance(t, "bob"); got != 130 {
		t.Fatalf("bob balance = %d, want 130", got)
	}
	if got := f.balance(t, "alice"); got != 70 {
		t.Fatalf("alice balance = %d, want 70", got)
	}

	bobHistory, _ := f.ledger.History(ctx, "bob")
	reward := bobHistory[0]
	if reward.Kind != model.EntryKindReward || reward.Amount != 30 || reward.Sender != "alice" || reward.ReportRef != report.ReportNo {
		t.Fatalf("unexpected reward entry: %+v", reward)
	}
	f.assertConsistent(t, "alice", "bob")
}

func TestEscrow_InsufficientFundsCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	if _, err := f.escrow.ReportLostItem(ctx, alice, lostWallet(150)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if got := f.balance(t, "alice"); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
	mine, _ := f.reports.ListByReporter(ctx, "alice")
	if len(mine) != 0 {
		t.Fatalf("no report should be created, got %d", len(mine))
	}
}

func TestEscrow_ValidationBeforeReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	req := lostWallet(30)
	req.SecretPairs = nil
	if _, err := f.escrow.ReportLostItem(ctx, alice, req); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	if _, err := f.escrow.ReportLostItem(ctx, alice, lostWallet(4)); !errors.Is(err, ErrValidation) {
		t.Fatalf("low bounty: got %v, want ErrValidation", err)
	}
	if got := f.balance(t, "alice"); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
}

func TestEscrow_RequestIDIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")
	f.open(t, "bob")

	req := lostWallet(30)
	req.RequestID = "req-1"

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[string]bool)
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.escrow.ReportLostItem(ctx, alice, req)
			if err != nil {
				t.Errorf("report: %v", err)
				return
			}
			mu.Lock()
			numbers[r.ReportNo] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(numbers) != 1 {
		t.Fatalf("retries produced %d reports, want 1", len(numbers))
	}
	if got := f.balance(t, "alice"); got != 70 {
		t.Fatalf("bounty reserved more than once, balance = %d", got)
	}

	if _, err := f.escrow.ReportLostItem(ctx, bob, req); !errors.Is(err, ErrConflict) {
		t.Fatalf("foreign request id: got %v, want ErrConflict", err)
	}
	f.assertConsistent(t, "alice", "bob")
}

func TestEscrow_ConcurrentAcceptPaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	report, err := f.escrow.ReportLostItem(ctx, alice, lostWallet(40))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := f.escrow.SubmitFoundClaim(ctx, bob, report.ReportNo, foundIt()); err != nil {
		t.Fatalf("claim bob: %v", err)
	}
	withClaims, err := f.escrow.SubmitFoundClaim(ctx, carol, report.ReportNo, foundIt())
	if err != nil {
		t.Fatalf("claim carol: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for _, c := range withClaims.Claims {
		wg.Add(1)
		go func(claimNo string) {
			defer wg.Done()
			_, err := f.escrow.VerifyClaim(ctx, alice, report.ReportNo, claimNo, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(c.ClaimNo)
	}
	wg.Wait()

	if accepted != 1 || conflicts != 1 {
		t.Fatalf("accepted=%d conflicts=%d, want 1/1", accepted, conflicts)
	}
	if total := f.balance(t, "bob") + f.balance(t, "carol"); total != 40 {
		t.Fatalf("finders received %d, want exactly the bounty 40", total)
	}

	stored, _ := f.reports.GetReport(ctx, report.ReportNo)
	if stored.Status != model.ReportStatusFound {
		t.Fatalf("status = %s", stored.Status)
	}
	f.assertConsistent(t, "alice", "bob", "carol")
}

func TestEscrow_RejectKeepsBountyReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	report, _ := f.escrow.ReportLostItem(ctx, alice, lostWallet(30))
	withClaim, _ := f.escrow.SubmitFoundClaim(ctx, bob, report.ReportNo, foundIt())

	got, err := f.escrow.VerifyClaim(ctx, alice, report.ReportNo, withClaim.Claims[0].ClaimNo, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != model.ReportStatusVerifying {
		t.Fatalf("status = %s, want Verifying", got.Status)
	}
	if f.balance(t, "alice") != 70 || f.balance(t, "bob") != 0 {
		t.Fatalf("reject must not move tokens")
	}
}

func TestEscrow_CompensatesWhenReportFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	if err := f.db.Migrator().DropTable(&model.Claim{}, &model.Report{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	if _, err := f.escrow.ReportLostItem(ctx, alice, lostWallet(30)); err == nil {
		t.Fatalf("expected report creation to fail")
	}
	if got := f.balance(t, "alice"); got != 100 {
		t.Fatalf("bounty not refunded, balance = %d", got)
	}

	history, _ := f.ledger.History(ctx, "alice")
	if len(history) != 3 {
		t.Fatalf("expected grant, reserve and refund entries, got %d", len(history))
	}
	refund, reserve := history[0], history[1]
	if refund.Kind != model.EntryKindCredit || refund.Amount != 30 || refund.ReportRef != reserve.ReportRef {
		t.Fatalf("unexpected refund entry: %+v", refund)
	}
	f.assertConsistent(t, "alice")
}

func TestEscrow_RefundOrphanReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	// 模拟进程在冻结之后、创建报告之前崩溃
	if _, err := f.ledger.Reserve(ctx, "alice", 30, "LST-crashed"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	report, err := f.escrow.ReportLostItem(ctx, alice, lostWallet(20))
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	n, err := f.escrow.RefundOrphanReservations(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if n != 1 {
		t.Fatalf("refunded %d, want 1", n)
	}
	if got := f.balance(t, "alice"); got != 80 {
		t.Fatalf("balance = %d, want 80 (only %s stays reserved)", got, report.ReportNo)
	}

	again, _ := f.escrow.RefundOrphanReservations(ctx, time.Now().Add(time.Second), 10)
	if again != 0 {
		t.Fatalf("second pass refunded %d, want 0", again)
	}
	f.assertConsistent(t, "alice")
}

func TestEscrow_PayMissingRewards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	report, _ := f.escrow.ReportLostItem(ctx, alice, lostWallet(25))
	withClaim, _ := f.escrow.SubmitFoundClaim(ctx, bob, report.ReportNo, foundIt())

	// 报告已确认，但悬赏入账之前进程退出
	if _, err := f.reports.ResolveClaim(ctx, report.ReportNo, withClaim.Claims[0].ClaimNo, "alice", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.balance(t, "bob"); got != 0 {
		t.Fatalf("bob balance = %d before reconcile", got)
	}

	n, err := f.escrow.PayMissingRewards(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if n != 1 {
		t.Fatalf("paid %d, want 1", n)
	}
	if got := f.balance(t, "bob"); got != 25 {
		t.Fatalf("bob balance = %d, want 25", got)
	}

	again, _ := f.escrow.PayMissingRewards(ctx, time.Now().Add(time.Second), 10)
	if again != 0 {
		t.Fatalf("second pass paid %d, want 0", again)
	}
	f.assertConsistent(t, "alice", "bob")
}

func TestEscrow_ClaimOnMissingReport(t *testing.T) {
	f := newFixture(t)
	if _, err := f.escrow.SubmitFoundClaim(context.Background(), bob, "LST-missing", foundIt()); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("got %v, want ErrReportNotFound", err)
	}
	if _, err := f.escrow.VerifyClaim(context.Background(), alice, "LST-missing", "CLM1", true); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("got %v, want ErrReportNotFound", err)
	}
}

func TestEscrow_BountyAboveRemainingBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "alice")

	if _, err := f.escrow.ReportLostItem(ctx, alice, lostWallet(90)); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if _, err := f.escrow.ReportLostItem(ctx, alice, lostWallet(30)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if got := f.balance(t, "alice"); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
	mine, _ := f.reports.ListByReporter(ctx, "alice")
	if len(mine) != 1 {
		t.Fatalf("got %d reports, want 1", len(mine))
	}
}
