package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/store"
)

type tx struct {
	tx *sql.Tx
}

func (t *tx) LockInventoryRecord(ctx context.Context, id string) (*domain.InventoryRecord, error) {
	rec, err := scanRecord(t.tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM inventory_records WHERE id = $1 FOR UPDATE
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory record %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *tx) FindReceivingRecord(ctx context.Context, key store.ReceivingKey) (*domain.InventoryRecord, error) {
	var row *sql.Row
	if key.SerialNumber != "" {
		row = t.tx.QueryRowContext(ctx, `
			SELECT `+recordColumns+` FROM inventory_records
			WHERE merchant_id = $1 AND serial_number = $2
			FOR UPDATE
		`, key.MerchantID, key.SerialNumber)
	} else {
		row = t.tx.QueryRowContext(ctx, `
			SELECT `+recordColumns+` FROM inventory_records
			WHERE merchant_id = $1 AND identity_key = $2 AND cost_price = $3 AND tax_classification = $4
				AND serial_number = '' AND status <> 'damaged'
			FOR UPDATE
		`, key.MerchantID, key.IdentityKey, key.UnitCost, string(key.TaxClassification))
	}
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *tx) InsertInventoryRecord(ctx context.Context, rec domain.InventoryRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_records (
			id, merchant_id, store_group_id, product_name, brand, model, color, condition, identity_key,
			quantity, reserved, cost_price, wholesale_price, retail_price, acquisition_cost,
			tax_classification, barcode, serial_number, status, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		rec.ID, rec.MerchantID, rec.StoreGroupID,
		rec.Product.Name, rec.Product.Brand, rec.Product.Model, rec.Product.Color, rec.Product.Condition, rec.Product.Key(),
		rec.Quantity, rec.Reserved, rec.CostPrice, rec.WholesalePrice, rec.RetailPrice, rec.AcquisitionCost,
		string(rec.TaxClassification), rec.Barcode, rec.SerialNumber, string(rec.Status), rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		// Another transaction created the same receiving record first.
		return fmt.Errorf("inventory record for %s: %w", rec.MerchantID, store.ErrConcurrentModification)
	}
	return err
}

func (t *tx) UpdateInventoryRecord(ctx context.Context, rec domain.InventoryRecord) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_records SET
			quantity = $3,
			reserved = $4,
			cost_price = $5,
			wholesale_price = $6,
			retail_price = $7,
			acquisition_cost = $8,
			tax_classification = $9,
			barcode = $10,
			status = $11,
			updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, rec.ID, rec.Version, rec.Quantity, rec.Reserved, rec.CostPrice, rec.WholesalePrice, rec.RetailPrice,
		rec.AcquisitionCost, string(rec.TaxClassification), rec.Barcode, string(rec.Status), rec.UpdatedAt)
	if err != nil {
		return err
	}
	return expectOne(res, "inventory record "+rec.ID)
}

func (t *tx) InsertMovement(ctx context.Context, mv domain.InventoryMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_movements (
			id, record_id, merchant_id, store_group_id, reason, quantity_delta, reserved_delta,
			unit_cost, transfer_id, actor_username, note, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, mv.ID, mv.RecordID, mv.MerchantID, mv.StoreGroupID, string(mv.Reason), mv.QuantityDelta, mv.ReservedDelta,
		mv.UnitCost, mv.TransferID, mv.ActorUsername, mv.Note, mv.CreatedAt)
	return err
}

func (t *tx) LockTransfer(ctx context.Context, id string) (*domain.TransferRequest, error) {
	tr, err := scanTransfer(t.tx.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfer_requests WHERE id = $1 FOR UPDATE
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transfer %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *tx) InsertTransfer(ctx context.Context, tr domain.TransferRequest) error {
	lines, audit, err := marshalTransferParts(tr)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO transfer_requests (
			id, transfer_number, source_merchant_id, dest_merchant_id, store_group_id, transfer_type,
			lines, amount, status, notes, audit, invoice_id, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, tr.ID, tr.TransferNumber, tr.SourceMerchantID, tr.DestMerchantID, tr.StoreGroupID, string(tr.TransferType),
		lines, tr.Amount, string(tr.Status), tr.Notes, audit, tr.InvoiceID, tr.Version, tr.CreatedAt, tr.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("transfer %s: %w", tr.ID, store.ErrDuplicate)
	}
	return err
}

func (t *tx) UpdateTransfer(ctx context.Context, tr domain.TransferRequest) error {
	lines, audit, err := marshalTransferParts(tr)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transfer_requests SET
			transfer_type = $3,
			lines = $4,
			amount = $5,
			status = $6,
			audit = $7,
			invoice_id = $8,
			updated_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, tr.ID, tr.Version, string(tr.TransferType), lines, tr.Amount, string(tr.Status), audit, tr.InvoiceID, tr.UpdatedAt)
	if err != nil {
		return err
	}
	return expectOne(res, "transfer "+tr.ID)
}

func (t *tx) NextSequence(ctx context.Context, series string) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO number_sequences (series, last_value)
		VALUES ($1, 1)
		ON CONFLICT (series) DO UPDATE SET last_value = number_sequences.last_value + 1
		RETURNING last_value
	`, series).Scan(&n)
	return n, err
}

func (t *tx) InvoiceNumberTaken(ctx context.Context, number string) (bool, error) {
	var taken bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE invoice_number = $1)`, number).Scan(&taken)
	return taken, err
}

func (t *tx) InsertInvoice(ctx context.Context, inv domain.Invoice) error {
	seller, err := json.Marshal(inv.Seller)
	if err != nil {
		return err
	}
	buyer, err := json.Marshal(inv.Buyer)
	if err != nil {
		return err
	}
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, kind, invoice_number, transfer_id, transfer_number, transfer_type,
			seller, buyer, lines, subtotal, vat_amount, total, payment_status, issued_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, inv.ID, string(inv.Kind), inv.Number, inv.TransferID, inv.TransferNumber, string(inv.TransferType),
		seller, buyer, lines, inv.Subtotal, inv.VATAmount, inv.Total, string(inv.PaymentStatus), inv.IssuedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("invoice %s for transfer %s: %w", inv.Number, inv.TransferID, store.ErrDuplicate)
	}
	return err
}

func (t *tx) GetInvoiceByTransfer(ctx context.Context, transferID string) (*domain.Invoice, error) {
	return getInvoiceByTransfer(ctx, t.tx, transferID)
}

func marshalTransferParts(tr domain.TransferRequest) ([]byte, []byte, error) {
	lines, err := json.Marshal(tr.Lines)
	if err != nil {
		return nil, nil, err
	}
	audit, err := json.Marshal(tr.Audit)
	if err != nil {
		return nil, nil, err
	}
	return lines, audit, nil
}

func expectOne(res sql.Result, what string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("%s: %w", what, store.ErrConcurrentModification)
	}
	return nil
}
