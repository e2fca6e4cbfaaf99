package memory

import (
	"context"
	"fmt"
	"time"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/store"
)

// tx buffers writes on top of the committed maps. The parent store's write
// lock is held for the lifetime of a tx.
type tx struct {
	s            *Store
	records      map[string]domain.InventoryRecord
	newRecords   []string
	movements    []domain.InventoryMovement
	transfers    map[string]domain.TransferRequest
	newTransfers []string
	invoices     []domain.Invoice
	sequences    map[string]int64
}

func newTx(s *Store) *tx {
	return &tx{
		s:         s,
		records:   make(map[string]domain.InventoryRecord),
		transfers: make(map[string]domain.TransferRequest),
		sequences: make(map[string]int64),
	}
}

func (t *tx) commit() {
	for id, rec := range t.records {
		t.s.records[id] = rec
	}
	t.s.recordOrder = append(t.s.recordOrder, t.newRecords...)
	t.s.movements = append(t.s.movements, t.movements...)
	for id, tr := range t.transfers {
		t.s.transfers[id] = tr
	}
	t.s.transferOrder = append(t.s.transferOrder, t.newTransfers...)
	for _, inv := range t.invoices {
		t.s.invoices[inv.ID] = inv
		t.s.invoiceByTransfer[inv.TransferID] = inv.ID
		t.s.invoiceNumbers[inv.Number] = inv.ID
	}
	for series, n := range t.sequences {
		t.s.sequences[series] = n
	}
}

func (t *tx) record(id string) (domain.InventoryRecord, bool) {
	if rec, ok := t.records[id]; ok {
		return rec, true
	}
	rec, ok := t.s.records[id]
	return rec, ok
}

func (t *tx) transfer(id string) (domain.TransferRequest, bool) {
	if tr, ok := t.transfers[id]; ok {
		return tr, true
	}
	tr, ok := t.s.transfers[id]
	return tr, ok
}

func (t *tx) LockInventoryRecord(ctx context.Context, id string) (*domain.InventoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := t.record(id)
	if !ok {
		return nil, fmt.Errorf("inventory record %s: %w", id, store.ErrNotFound)
	}
	return &rec, nil
}

func (t *tx) FindReceivingRecord(_ context.Context, key store.ReceivingKey) (*domain.InventoryRecord, error) {
	ids := make([]string, 0, len(t.s.recordOrder)+len(t.newRecords))
	ids = append(ids, t.s.recordOrder...)
	ids = append(ids, t.newRecords...)

	for _, id := range ids {
		rec, _ := t.record(id)
		if rec.MerchantID != key.MerchantID {
			continue
		}
		if key.SerialNumber != "" {
			if rec.SerialNumber == key.SerialNumber {
				return &rec, nil
			}
			continue
		}
		if rec.Serialized() || rec.Status == domain.RecordDamaged {
			continue
		}
		if rec.Product.Key() == key.IdentityKey &&
			rec.CostPrice.Equal(key.UnitCost) &&
			rec.TaxClassification == key.TaxClassification {
			return &rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) InsertInventoryRecord(_ context.Context, rec domain.InventoryRecord) error {
	if _, exists := t.record(rec.ID); exists {
		return store.ErrDuplicate
	}
	t.records[rec.ID] = rec
	t.newRecords = append(t.newRecords, rec.ID)
	return nil
}

func (t *tx) UpdateInventoryRecord(_ context.Context, rec domain.InventoryRecord) error {
	current, ok := t.record(rec.ID)
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != rec.Version {
		return fmt.Errorf("inventory record %s: %w", rec.ID, store.ErrConcurrentModification)
	}
	rec.Version++
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	t.records[rec.ID] = rec
	return nil
}

func (t *tx) InsertMovement(_ context.Context, mv domain.InventoryMovement) error {
	t.movements = append(t.movements, mv)
	return nil
}

func (t *tx) LockTransfer(ctx context.Context, id string) (*domain.TransferRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr, ok := t.transfer(id)
	if !ok {
		return nil, fmt.Errorf("transfer %s: %w", id, store.ErrNotFound)
	}
	clone := tr.Clone()
	return &clone, nil
}

func (t *tx) InsertTransfer(_ context.Context, tr domain.TransferRequest) error {
	if _, exists := t.transfer(tr.ID); exists {
		return store.ErrDuplicate
	}
	t.transfers[tr.ID] = tr.Clone()
	t.newTransfers = append(t.newTransfers, tr.ID)
	return nil
}

func (t *tx) UpdateTransfer(_ context.Context, tr domain.TransferRequest) error {
	current, ok := t.transfer(tr.ID)
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != tr.Version {
		return fmt.Errorf("transfer %s: %w", tr.ID, store.ErrConcurrentModification)
	}
	tr.Version++
	t.transfers[tr.ID] = tr.Clone()
	return nil
}

func (t *tx) NextSequence(_ context.Context, series string) (int64, error) {
	n, ok := t.sequences[series]
	if !ok {
		n = t.s.sequences[series]
	}
	n++
	t.sequences[series] = n
	return n, nil
}

func (t *tx) InvoiceNumberTaken(_ context.Context, number string) (bool, error) {
	if _, ok := t.s.invoiceNumbers[number]; ok {
		return true, nil
	}
	for _, inv := range t.invoices {
		if inv.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertInvoice(ctx context.Context, inv domain.Invoice) error {
	if _, err := t.GetInvoiceByTransfer(ctx, inv.TransferID); err == nil {
		return fmt.Errorf("invoice for transfer %s: %w", inv.TransferID, store.ErrDuplicate)
	}
	taken, _ := t.InvoiceNumberTaken(ctx, inv.Number)
	if taken {
		return fmt.Errorf("invoice number %s: %w", inv.Number, store.ErrDuplicate)
	}
	t.invoices = append(t.invoices, inv.Clone())
	return nil
}

func (t *tx) GetInvoiceByTransfer(_ context.Context, transferID string) (*domain.Invoice, error) {
	for _, inv := range t.invoices {
		if inv.TransferID == transferID {
			clone := inv.Clone()
			return &clone, nil
		}
	}
	id, ok := t.s.invoiceByTransfer[transferID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := t.s.invoices[id].Clone()
	return &clone, nil
}
