package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/scope"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/tax"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("MERCHANTSTOCK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set MERCHANTSTOCK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestRecordVersionGuardsUpdates(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	merchantID := fmt.Sprintf("m-it-%d", stamp)
	recordID := fmt.Sprintf("inv-it-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_movements WHERE record_id = $1`, recordID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_records WHERE id = $1`, recordID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM merchants WHERE id = $1`, merchantID)
	})

	if err := s.UpsertMerchant(ctx, domain.Merchant{ID: merchantID, Name: "IT", StoreGroupID: "grp-it"}); err != nil {
		t.Fatalf("upsert merchant: %v", err)
	}

	now := time.Now().UTC()
	rec := domain.InventoryRecord{
		ID: recordID, MerchantID: merchantID, StoreGroupID: "grp-it",
		Product:  domain.ProductIdentity{Name: "Integration Phone", Brand: "Test"},
		Quantity: 5, CostPrice: decimal.RequireFromString("100.00"),
		TaxClassification: tax.StandardVAT, Status: domain.RecordActive, Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertInventoryRecord(ctx, rec)
	})
	if err != nil {
		t.Fatalf("insert record: %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockInventoryRecord(ctx, recordID)
		if err != nil {
			return err
		}
		locked.Reserved = 2
		return tx.UpdateInventoryRecord(ctx, *locked)
	})
	if err != nil {
		t.Fatalf("update record: %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stale := rec
		stale.Reserved = 1
		return tx.UpdateInventoryRecord(ctx, stale)
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification for stale version, got %v", err)
	}

	got, err := s.GetInventoryRecord(ctx, recordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Reserved != 2 || got.Version != 2 {
		t.Fatalf("expected reserved=2 version=2, got reserved=%d version=%d", got.Reserved, got.Version)
	}

	records, err := s.ListInventoryRecords(ctx, scope.Scope{Level: scope.LevelMerchant, MerchantID: merchantID}, "", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].ID != recordID {
		t.Fatalf("expected scoped list to return the record, got %d rows", len(records))
	}
}

func TestNextSequenceIsGapless(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	series := fmt.Sprintf("IT-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM number_sequences WHERE series = $1`, series)
	})

	var first, second int64
	_ = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		first, err = tx.NextSequence(ctx, series)
		return err
	})
	_ = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.NextSequence(ctx, series); err != nil {
			return err
		}
		return errors.New("rollback")
	})
	_ = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		second, err = tx.NextSequence(ctx, series)
		return err
	})

	if first != 1 || second != 2 {
		t.Fatalf("expected 1 then 2, got %d then %d", first, second)
	}
}
