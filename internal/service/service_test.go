package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/events"
	"merchantstock/backend/internal/registry"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/store/memory"
	"merchantstock/backend/internal/tax"
)

func newTestService(repo store.Repository) (*Service, *events.Recorder) {
	if repo == nil {
		repo = memory.NewSeeded()
	}
	rec := &events.Recorder{}
	dir := registry.NewDirectory(repo, nil, time.Minute, nil)
	return New(repo, dir, rec, nil, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}), rec
}

func as(username, role, merchantID string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: role, MerchantID: merchantID})
}

var (
	grafton  = as("grafton", domain.RoleStaff, "m-001")
	dundrum  = as("dundrum", domain.RoleStaff, "m-002")
	swords   = as("swords", domain.RoleStaff, "m-003")
	leinster = as("leinster.admin", domain.RoleGroupAdmin, "m-001")
	admin    = as("admin", domain.RoleAdmin, "")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func createTransfer(t *testing.T, svc *Service, ctx context.Context, dest string, recordID string, qty int) domain.TransferRequest {
	t.Helper()
	tr, err := svc.CreateTransfer(ctx, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   dest,
		Lines:            []domain.TransferLineInput{{RecordID: recordID, Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("create transfer failed: %v", err)
	}
	return tr
}

func record(t *testing.T, svc *Service, id string) domain.InventoryRecord {
	t.Helper()
	rec, err := svc.GetInventoryRecord(admin, id)
	if err != nil {
		t.Fatalf("get record %s failed: %v", id, err)
	}
	return rec
}

func TestInternalTransferLifecycle(t *testing.T) {
	svc, rec := newTestService(nil)

	tr := createTransfer(t, svc, grafton, "m-002", "inv-seed-001", 3)
	if tr.Status != domain.TransferPending || tr.TransferNumber != "TRF-000001" {
		t.Fatalf("unexpected created transfer: %s %s", tr.Status, tr.TransferNumber)
	}
	if tr.TransferType != tax.Internal {
		t.Fatalf("same legal company should be internal, got %s", tr.TransferType)
	}
	if src := record(t, svc, "inv-seed-001"); src.Reserved != 3 || src.Available() != 7 {
		t.Fatalf("expected 3 reserved, got reserved=%d available=%d", src.Reserved, src.Available())
	}

	if _, err := svc.ApproveTransfer(dundrum, tr.ID, domain.TransferActionRequest{}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := svc.ShipTransfer(grafton, tr.ID, domain.TransferActionRequest{}); err != nil {
		t.Fatalf("ship failed: %v", err)
	}
	src := record(t, svc, "inv-seed-001")
	if src.Quantity != 7 || src.Reserved != 0 {
		t.Fatalf("expected source 7/0 after ship, got %d/%d", src.Quantity, src.Reserved)
	}

	resp, err := svc.CompleteTransfer(dundrum, tr.ID, domain.TransferActionRequest{Notes: "received"})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if resp.Transfer.Status != domain.TransferCompleted || resp.Transfer.Audit.CompletedBy != "dundrum" {
		t.Fatalf("unexpected completed transfer: %+v", resp.Transfer)
	}
	inv := resp.Invoice
	if inv.Kind != domain.InvoiceInternalTransfer || inv.Number != "ITR-000001" {
		t.Fatalf("expected internal transfer record ITR-000001, got %s %s", inv.Kind, inv.Number)
	}
	if !inv.VATAmount.IsZero() || !inv.Total.Equal(dec("1560")) {
		t.Fatalf("internal transfer is priced at cost without VAT, got total=%s vat=%s", inv.Total, inv.VATAmount)
	}
	if inv.PaymentStatus != domain.PaymentNotApplicable {
		t.Fatalf("unexpected payment status %s", inv.PaymentStatus)
	}

	destID := resp.Transfer.Lines[0].DestRecordID
	dest := record(t, svc, destID)
	if dest.MerchantID != "m-002" || dest.Quantity != 3 || !dest.CostPrice.Equal(dec("520")) {
		t.Fatalf("unexpected destination record: %+v", dest)
	}
	if dest.Quantity+src.Quantity != 10 {
		t.Fatalf("units were not conserved: %d + %d", dest.Quantity, src.Quantity)
	}

	want := []string{events.TransferCreated, events.TransferApproved, events.TransferShipped, events.TransferCompleted}
	got := rec.Types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestInterCompanyTransferIssuesVATInvoice(t *testing.T) {
	svc, _ := newTestService(nil)

	tr := createTransfer(t, svc, grafton, "m-003", "inv-seed-001", 2)
	if tr.TransferType != tax.InterCompany || !tr.Amount.Equal(dec("1220")) {
		t.Fatalf("expected inter-company at wholesale, got %s %s", tr.TransferType, tr.Amount)
	}
	if _, err := svc.ApproveTransfer(swords, tr.ID, domain.TransferActionRequest{}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := svc.ShipTransfer(grafton, tr.ID, domain.TransferActionRequest{}); err != nil {
		t.Fatalf("ship failed: %v", err)
	}
	resp, err := svc.CompleteTransfer(swords, tr.ID, domain.TransferActionRequest{})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	inv := resp.Invoice
	if inv.Kind != domain.InvoiceInterCompanySale || inv.Number != "ICS-000001" {
		t.Fatalf("expected inter-company invoice ICS-000001, got %s %s", inv.Kind, inv.Number)
	}
	if !inv.Subtotal.Equal(dec("1220")) || !inv.VATAmount.Equal(dec("280.60")) || !inv.Total.Equal(dec("1500.60")) {
		t.Fatalf("unexpected totals: subtotal=%s vat=%s total=%s", inv.Subtotal, inv.VATAmount, inv.Total)
	}
	if inv.Seller.VATNumber != "IE6388047V" || inv.Buyer.VATNumber != "IE3255081SH" {
		t.Fatalf("unexpected parties: %+v %+v", inv.Seller, inv.Buyer)
	}
	if inv.PaymentStatus != domain.PaymentPending {
		t.Fatalf("inter-company invoice should await payment, got %s", inv.PaymentStatus)
	}

	dest := record(t, svc, resp.Transfer.Lines[0].DestRecordID)
	if !dest.CostPrice.Equal(dec("610")) || !dest.AcquisitionCost.Equal(dec("520")) {
		t.Fatalf("destination should carry wholesale cost and source acquisition cost, got %s %s", dest.CostPrice, dest.AcquisitionCost)
	}
}

func TestCompleteAndShipAreIdempotent(t *testing.T) {
	svc, rec := newTestService(nil)

	tr := createTransfer(t, svc, grafton, "m-002", "inv-seed-002", 2)
	if _, err := svc.ApproveTransfer(dundrum, tr.ID, domain.TransferActionRequest{}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	first, err := svc.ShipTransfer(grafton, tr.ID, domain.TransferActionRequest{})
	if err != nil {
		t.Fatalf("ship failed: %v", err)
	}
	again, err := svc.ShipTransfer(grafton, tr.ID, domain.TransferActionRequest{})
	if err != nil {
		t.Fatalf("repeated ship failed: %v", err)
	}
	if again.Version != first.Version {
		t.Fatalf("repeated ship changed the transfer: %d -> %d", first.Version, again.Version)
	}
	if src := record(t, svc, "inv-seed-002"); src.Quantity != 2 {
		t.Fatalf("repeated ship deducted twice, quantity %d", src.Quantity)
	}

	done, err := svc.CompleteTransfer(dundrum, tr.ID, domain.TransferActionRequest{})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	replay, err := svc.CompleteTransfer(dundrum, tr.ID, domain.TransferActionRequest{})
	if err != nil {
		t.Fatalf("repeated complete failed: %v", err)
	}
	if replay.Invoice.ID != done.Invoice.ID || replay.Invoice.Number != done.Invoice.Number {
		t.Fatalf("repeated complete issued a second invoice: %s vs %s", done.Invoice.Number, replay.Invoice.Number)
	}
	if dest := record(t, svc, done.Transfer.Lines[0].DestRecordID); dest.Quantity != 2 {
		t.Fatalf("repeated complete received twice, quantity %d", dest.Quantity)
	}
	if n := len(rec.Types()); n != 4 {
		t.Fatalf("expected 4 events, got %d", n)
	}
}

func TestCompletionMergesIntoMatchingDestinationRecord(t *testing.T) {
	svc, _ := newTestService(nil)

	run := func() domain.CompleteTransferResponse {
		tr := createTransfer(t, svc, grafton, "m-002", "inv-seed-001", 1)
		if _, err := svc.ApproveTransfer(dundrum, tr.ID, domain.TransferActionRequest{}); err != nil {
			t.Fatalf("approve failed: %v", err)
		}
		if _, err := svc.ShipTransfer(grafton, tr.ID, domain.TransferActionRequest{}); err != nil {
			t.Fatalf("ship failed: %v", err)
		}
		resp, err := svc.CompleteTransfer(dundrum, tr.ID, domain.TransferActionRequest{})
		if err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		return resp
	}

	a := run()
	b := run()
	if a.Transfer.Lines[0].DestRecordID != b.Transfer.Lines[0].DestRecordID {
		t.Fatalf("same product at the same cost should merge into one record")
	}
	if dest := record(t, svc, a.Transfer.Lines[0].DestRecordID); dest.Quantity != 2 {
		t.Fatalf("expected merged quantity 2, got %d", dest.Quantity)
	}
	if b.Invoice.Number != "ITR-000002" {
		t.Fatalf("expected gapless numbering, got %s", b.Invoice.Number)
	}
}

func TestCrossGroupTransferIsDeniedAndAudited(t *testing.T) {
	svc, _ := newTestService(nil)

	_, err := svc.CreateTransfer(grafton, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   "m-010",
		Lines:            []domain.TransferLineInput{{RecordID: "inv-seed-001", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrCrossGroupTransferDenied) {
		t.Fatalf("expected ErrCrossGroupTransferDenied, got %v", err)
	}
	if src := record(t, svc, "inv-seed-001"); src.Reserved != 0 {
		t.Fatalf("denied transfer must not reserve stock")
	}

	logs, err := svc.ListAuditLogs(admin, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	found := false
	for _, l := range logs {
		if l.Action == "transfer_denied_cross_group" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected denied transfer to be audited, got %+v", logs)
	}
}

func TestCrossGroupRequestWithoutSourceAuthorityLeaksNothing(t *testing.T) {
	svc, _ := newTestService(nil)
	cork := as("cork", domain.RoleStaff, "m-010")

	_, err := svc.CreateTransfer(cork, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   "m-010",
		Lines:            []domain.TransferLineInput{{RecordID: "inv-seed-001", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if strings.Contains(err.Error(), "grp-") {
		t.Fatalf("error must not name store groups: %v", err)
	}

	logs, err := svc.ListAuditLogs(admin, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	for _, l := range logs {
		if l.Action == "transfer_denied_cross_group" {
			t.Fatalf("unauthorised request must not write to the source audit log: %+v", l)
		}
	}
}

func TestOversizedQuantitiesAreRejected(t *testing.T) {
	svc, _ := newTestService(nil)

	_, err := svc.ReceiveStock(grafton, domain.ReceiveStockRequest{
		MerchantID:        "m-001",
		Product:           domain.ProductIdentity{Name: "Screen Protector"},
		Quantity:          1000001,
		CostPrice:         dec("1"),
		TaxClassification: "STANDARD_VAT",
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected oversized receipt to be rejected, got %v", err)
	}

	_, err = svc.CreateTransfer(grafton, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   "m-002",
		Lines:            []domain.TransferLineInput{{RecordID: "inv-seed-001", Quantity: 1000001}},
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected oversized transfer line to be rejected, got %v", err)
	}
}

func TestWrittenOffSerialIsRefusedOnReceipt(t *testing.T) {
	svc, _ := newTestService(nil)
	req := domain.ReceiveStockRequest{
		MerchantID:        "m-001",
		Product:           domain.ProductIdentity{Name: "iPhone 13", Brand: "Apple"},
		Quantity:          1,
		CostPrice:         dec("400"),
		TaxClassification: "MARGIN",
		SerialNumber:      "SN-1",
	}

	rec, err := svc.ReceiveStock(grafton, req)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if _, err := svc.MarkDamaged(grafton, domain.DamageRequest{RecordID: rec.ID, Reason: "water damage"}); err != nil {
		t.Fatalf("mark damaged failed: %v", err)
	}
	if _, err := svc.ReceiveStock(grafton, req); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected written-off serial to be refused, got %v", err)
	}

	records, err := svc.ListInventory(grafton, "m-001", 0)
	if err != nil {
		t.Fatalf("list inventory failed: %v", err)
	}
	count := 0
	for _, r := range records {
		if r.SerialNumber == "SN-1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one record for SN-1, got %d", count)
	}
}

func TestIllegalTransitionsAreRejected(t *testing.T) {
	svc, _ := newTestService(nil)
	tr := createTransfer(t, svc, grafton, "m-002", "inv-seed-001", 1)

	if _, err := svc.ShipTransfer(grafton, tr.ID, domain.TransferActionRequest{}); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("shipping a pending transfer should fail, got %v", err)
	}
	if _, err := svc.CompleteTransfer(dundrum, tr.ID, domain.TransferActionRequest{}); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("completing a pending transfer should fail, got %v", err)
	}
	if _, err := svc.CancelTransfer(grafton, tr.ID, domain.TransferActionRequest{}); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("cancelling a pending transfer should fail, got %v", err)
	}
}

func TestRejectAndCancelReleaseReservations(t *testing.T) {
	svc, _ := newTestService(nil)

	rejected := createTransfer(t, svc, grafton, "m-002", "inv-seed-001", 4)
	if _, err := svc.RejectTransfer(dundrum, rejected.ID, domain.TransferActionRequest{Notes: "no space"}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if src := record(t, svc, "inv-seed-001"); src.Reserved != 0 || src.Quantity != 10 {
		t.Fatalf("reject should release, got %d/%d", src.Quantity, src.Reserved)
	}

	cancelled := createTransfer(t, svc, grafton, "m-002", "inv-seed-001", 5)
	if _, err := svc.ApproveTransfer(dundrum, cancelled.ID, domain.TransferActionRequest{}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	out, err := svc.CancelTransfer(grafton, cancelled.ID, domain.TransferActionRequest{})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if out.Status != domain.TransferCancelled || out.Audit.CancelledBy != "grafton" {
		t.Fatalf("unexpected cancelled transfer: %+v", out)
	}
	if src := record(t, svc, "inv-seed-001"); src.Reserved != 0 || src.Status != domain.RecordActive {
		t.Fatalf("cancel should release, got reserved=%d status=%s", src.Reserved, src.Status)
	}

	if _, err := svc.ApproveTransfer(dundrum, rejected.ID, domain.TransferActionRequest{}); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("terminal transfers cannot move, got %v", err)
	}
}

func TestConcurrentTransfersNeverOverReserve(t *testing.T) {
	svc, _ := newTestService(nil)

	const workers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateTransfer(grafton, domain.CreateTransferRequest{
				SourceMerchantID: "m-001",
				DestMerchantID:   "m-002",
				Lines:            []domain.TransferLineInput{{RecordID: "inv-seed-001", Quantity: 1}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 || short != workers-10 {
		t.Fatalf("expected 10 reservations and %d shortages, got %d and %d", workers-10, succeeded, short)
	}
	if src := record(t, svc, "inv-seed-001"); src.Reserved != 10 || src.Available() != 0 {
		t.Fatalf("expected fully reserved record, got reserved=%d", src.Reserved)
	}
}

func TestTransferAuthority(t *testing.T) {
	svc, _ := newTestService(nil)

	_, err := svc.CreateTransfer(dundrum, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   "m-002",
		Lines:            []domain.TransferLineInput{{RecordID: "inv-seed-001", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("staff may only request from their own merchant, got %v", err)
	}

	tr := createTransfer(t, svc, grafton, "m-002", "inv-seed-001", 1)

	// Group visibility lets swords read the transfer but not act on it.
	if _, err := svc.GetTransfer(swords, tr.ID); err != nil {
		t.Fatalf("group visibility should allow reads, got %v", err)
	}
	if _, err := svc.ApproveTransfer(swords, tr.ID, domain.TransferActionRequest{}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("group visibility must not allow approval, got %v", err)
	}
	if _, err := svc.ApproveTransfer(grafton, tr.ID, domain.TransferActionRequest{}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("source side cannot approve, got %v", err)
	}

	cork := as("cork", domain.RoleStaff, "m-010")
	if _, err := svc.GetTransfer(cork, tr.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("other groups should not see the transfer, got %v", err)
	}

	if _, err := svc.ApproveTransfer(leinster, tr.ID, domain.TransferActionRequest{}); err != nil {
		t.Fatalf("group admin should act for siblings, got %v", err)
	}
}

func TestDuplicateLinesAreMerged(t *testing.T) {
	svc, _ := newTestService(nil)

	tr, err := svc.CreateTransfer(grafton, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   "m-002",
		Lines: []domain.TransferLineInput{
			{RecordID: "inv-seed-001", Quantity: 2},
			{RecordID: "inv-seed-003", Quantity: 1},
			{RecordID: "inv-seed-001", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(tr.Lines) != 2 || tr.Lines[0].Quantity != 5 {
		t.Fatalf("expected merged lines, got %+v", tr.Lines)
	}
}

func TestFailedLineRollsBackWholeTransfer(t *testing.T) {
	svc, _ := newTestService(nil)

	_, err := svc.CreateTransfer(grafton, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   "m-002",
		Lines: []domain.TransferLineInput{
			{RecordID: "inv-seed-001", Quantity: 2},
			{RecordID: "inv-seed-002", Quantity: 99},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if src := record(t, svc, "inv-seed-001"); src.Reserved != 0 {
		t.Fatalf("first line reservation leaked: %d", src.Reserved)
	}
	list, err := svc.ListTransfers(admin, "", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("no transfer should be stored, got %d", len(list))
	}
}

type flakyRepo struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.failures
	r.mu.Unlock()
	if fail {
		return store.ErrConcurrentModification
	}
	return r.Store.InTx(ctx, fn)
}

func TestConcurrentModificationIsRetried(t *testing.T) {
	repo := &flakyRepo{Store: memory.NewSeeded(), failures: 2}
	svc, _ := newTestService(repo)

	if _, err := svc.CreateTransfer(grafton, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   "m-002",
		Lines:            []domain.TransferLineInput{{RecordID: "inv-seed-001", Quantity: 1}},
	}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if repo.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.calls)
	}

	stubborn := &flakyRepo{Store: memory.NewSeeded(), failures: 10}
	svc, _ = newTestService(stubborn)
	_, err := svc.CreateTransfer(grafton, domain.CreateTransferRequest{
		SourceMerchantID: "m-001",
		DestMerchantID:   "m-002",
		Lines:            []domain.TransferLineInput{{RecordID: "inv-seed-001", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification after exhausting retries, got %v", err)
	}
	if stubborn.calls != 3 {
		t.Fatalf("expected retries to stop at 3, got %d", stubborn.calls)
	}
}

func TestReceiveStockMergesMatchingRecords(t *testing.T) {
	svc, _ := newTestService(nil)

	req := domain.ReceiveStockRequest{
		MerchantID:        "m-002",
		Product:           domain.ProductIdentity{Name: "AirPods Pro", Brand: "Apple", Condition: "new"},
		Quantity:          4,
		CostPrice:         dec("180"),
		WholesalePrice:    dec("210"),
		RetailPrice:       dec("279"),
		TaxClassification: "standard",
	}
	first, err := svc.ReceiveStock(dundrum, req)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if first.TaxClassification != tax.StandardVAT || !first.AcquisitionCost.Equal(dec("180")) {
		t.Fatalf("unexpected record: %+v", first)
	}

	req.Product.Name = "  airpods   pro "
	req.Quantity = 2
	second, err := svc.ReceiveStock(dundrum, req)
	if err != nil {
		t.Fatalf("second receive failed: %v", err)
	}
	if second.ID != first.ID || second.Quantity != 6 {
		t.Fatalf("expected merge into %s, got %s qty %d", first.ID, second.ID, second.Quantity)
	}

	req.CostPrice = dec("175")
	third, err := svc.ReceiveStock(dundrum, req)
	if err != nil {
		t.Fatalf("third receive failed: %v", err)
	}
	if third.ID == first.ID {
		t.Fatalf("a different cost must start a new record")
	}

	if _, err := svc.ReceiveStock(grafton, req); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for another merchant, got %v", err)
	}
	req.TaxClassification = "zero-rated"
	if _, err := svc.ReceiveStock(dundrum, req); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected unknown classification to be rejected, got %v", err)
	}
}

func TestRecordSaleComputesOutputVAT(t *testing.T) {
	svc, _ := newTestService(nil)

	std, err := svc.RecordSale(grafton, domain.SaleRequest{RecordID: "inv-seed-001", Quantity: 1})
	if err != nil {
		t.Fatalf("standard sale failed: %v", err)
	}
	if !std.GrossAmount.Equal(dec("799")) || !std.VATAmount.Equal(dec("149.41")) {
		t.Fatalf("unexpected standard VAT: gross=%s vat=%s", std.GrossAmount, std.VATAmount)
	}

	margin, err := svc.RecordSale(grafton, domain.SaleRequest{RecordID: "inv-seed-002", Quantity: 1})
	if err != nil {
		t.Fatalf("margin sale failed: %v", err)
	}
	if !margin.VATAmount.Equal(dec("27.86")) || !margin.NetAmount.Equal(dec("271.14")) {
		t.Fatalf("unexpected margin VAT: vat=%s net=%s", margin.VATAmount, margin.NetAmount)
	}

	loss, err := svc.RecordSale(grafton, domain.SaleRequest{RecordID: "inv-seed-002", Quantity: 1, UnitPrice: dec("120")})
	if err != nil {
		t.Fatalf("loss sale failed: %v", err)
	}
	if !loss.VATAmount.IsZero() {
		t.Fatalf("selling below acquisition cost owes no margin VAT, got %s", loss.VATAmount)
	}
}

func TestSaleCannotTouchReservedUnits(t *testing.T) {
	svc, _ := newTestService(nil)
	createTransfer(t, svc, grafton, "m-002", "inv-seed-002", 3)

	if _, err := svc.RecordSale(grafton, domain.SaleRequest{RecordID: "inv-seed-002", Quantity: 2}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	last, err := svc.RecordSale(grafton, domain.SaleRequest{RecordID: "inv-seed-002", Quantity: 1})
	if err != nil {
		t.Fatalf("sale of the free unit failed: %v", err)
	}
	if last.Record.Quantity != 3 || last.Record.Status != domain.RecordReserved {
		t.Fatalf("unexpected record after sale: %+v", last.Record)
	}
}

func TestDamagedStockCannotBeTransferred(t *testing.T) {
	svc, _ := newTestService(nil)

	if _, err := svc.MarkDamaged(dundrum, domain.DamageRequest{RecordID: "inv-seed-004", Reason: "cracked screen"}); err != nil {
		t.Fatalf("mark damaged failed: %v", err)
	}
	_, err := svc.CreateTransfer(dundrum, domain.CreateTransferRequest{
		SourceMerchantID: "m-002",
		DestMerchantID:   "m-001",
		Lines:            []domain.TransferLineInput{{RecordID: "inv-seed-004", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected damaged record to be unavailable, got %v", err)
	}

	moves, err := svc.ListMovements(admin, "inv-seed-004", 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(moves) != 1 || moves[0].Reason != domain.MovementDamage {
		t.Fatalf("expected one damage movement, got %+v", moves)
	}
}

func TestListInventoryIsScoped(t *testing.T) {
	svc, _ := newTestService(nil)

	own, err := svc.ListInventory(dundrum, "", 50)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, r := range own {
		if r.MerchantID != "m-002" {
			t.Fatalf("staff saw record of %s", r.MerchantID)
		}
	}

	group, err := svc.ListInventory(swords, "", 50)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(group) != 4 {
		t.Fatalf("group visibility should show 4 leinster records, got %d", len(group))
	}

	merchants, err := svc.ListMerchants(dundrum)
	if err != nil {
		t.Fatalf("list merchants failed: %v", err)
	}
	if len(merchants) != 1 || merchants[0].ID != "m-002" {
		t.Fatalf("unexpected merchants: %+v", merchants)
	}
}

func TestSaveMerchantRequiresAdminAndRefreshesTransferType(t *testing.T) {
	svc, _ := newTestService(nil)

	m002 := domain.Merchant{ID: "m-002", Name: "Dundrum", StoreGroupID: "grp-leinster", LegalCompanyID: "co-northside"}
	if _, err := svc.SaveMerchant(leinster, m002); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("group admin must not edit the registry, got %v", err)
	}
	if _, err := svc.SaveMerchant(admin, m002); err != nil {
		t.Fatalf("save merchant failed: %v", err)
	}

	tr := createTransfer(t, svc, grafton, "m-002", "inv-seed-001", 1)
	if tr.TransferType != tax.InterCompany {
		t.Fatalf("expected new legal company to make the transfer inter-company, got %s", tr.TransferType)
	}
}

func TestDataQualityWarningsAreAudited(t *testing.T) {
	svc, _ := newTestService(nil)

	if _, err := svc.SaveMerchant(admin, domain.Merchant{ID: "m-002", Name: "Dundrum", StoreGroupID: "grp-leinster"}); err != nil {
		t.Fatalf("save merchant failed: %v", err)
	}
	tr := createTransfer(t, svc, grafton, "m-002", "inv-seed-003", 1)
	if tr.TransferType != tax.InterCompany {
		t.Fatalf("missing legal company should fall back to inter-company, got %s", tr.TransferType)
	}
	if !tr.Lines[0].UnitPrice.Equal(dec("33")) {
		t.Fatalf("expected cost × 1.10 fallback price, got %s", tr.Lines[0].UnitPrice)
	}

	logs, err := svc.ListAuditLogs(admin, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	warnings := 0
	for _, l := range logs {
		if l.Action == "data_quality_warning" && l.EntityID == tr.ID {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("expected missing company and wholesale fallback warnings, got %d", warnings)
	}
}
