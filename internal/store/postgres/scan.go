package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/tax"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, merchant_id, store_group_id, product_name, brand, model, color, condition,
	quantity, reserved, cost_price, wholesale_price, retail_price, acquisition_cost,
	tax_classification, barcode, serial_number, status, version, created_at, updated_at`

const transferColumns = `id, transfer_number, source_merchant_id, dest_merchant_id, store_group_id, transfer_type,
	lines, amount, status, notes, audit, invoice_id, version, created_at, updated_at`

const invoiceColumns = `id, kind, invoice_number, transfer_id, transfer_number, transfer_type,
	seller, buyer, lines, subtotal, vat_amount, total, payment_status, issued_at`

func scanMerchant(row rowScanner) (domain.Merchant, error) {
	var m domain.Merchant
	var permissions []byte
	if err := row.Scan(&m.ID, &m.Name, &m.StoreGroupID, &m.LegalCompanyID, &m.LegalName, &m.VATNumber, &m.Address, &permissions); err != nil {
		return domain.Merchant{}, err
	}
	if err := json.Unmarshal(permissions, &m.Permissions); err != nil {
		return domain.Merchant{}, err
	}
	return m, nil
}

func scanRecord(row rowScanner) (domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	var class, status string
	err := row.Scan(
		&rec.ID, &rec.MerchantID, &rec.StoreGroupID,
		&rec.Product.Name, &rec.Product.Brand, &rec.Product.Model, &rec.Product.Color, &rec.Product.Condition,
		&rec.Quantity, &rec.Reserved, &rec.CostPrice, &rec.WholesalePrice, &rec.RetailPrice, &rec.AcquisitionCost,
		&class, &rec.Barcode, &rec.SerialNumber, &status, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	rec.TaxClassification = tax.Classification(class)
	rec.Status = domain.RecordStatus(status)
	return rec, nil
}

func scanTransfer(row rowScanner) (domain.TransferRequest, error) {
	var t domain.TransferRequest
	var transferType, status string
	var lines, audit []byte
	err := row.Scan(
		&t.ID, &t.TransferNumber, &t.SourceMerchantID, &t.DestMerchantID, &t.StoreGroupID, &transferType,
		&lines, &t.Amount, &status, &t.Notes, &audit, &t.InvoiceID, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	t.TransferType = tax.TransferType(transferType)
	t.Status = domain.TransferStatus(status)
	if err := json.Unmarshal(lines, &t.Lines); err != nil {
		return domain.TransferRequest{}, err
	}
	if err := json.Unmarshal(audit, &t.Audit); err != nil {
		return domain.TransferRequest{}, err
	}
	return t, nil
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var inv domain.Invoice
	var kind, transferType, paymentStatus string
	var seller, buyer, lines []byte
	err := row.Scan(
		&inv.ID, &kind, &inv.Number, &inv.TransferID, &inv.TransferNumber, &transferType,
		&seller, &buyer, &lines, &inv.Subtotal, &inv.VATAmount, &inv.Total, &paymentStatus, &inv.IssuedAt,
	)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv.Kind = domain.InvoiceKind(kind)
	inv.TransferType = tax.TransferType(transferType)
	inv.PaymentStatus = domain.PaymentStatus(paymentStatus)
	for _, part := range []struct {
		raw  []byte
		dest any
	}{
		{seller, &inv.Seller},
		{buyer, &inv.Buyer},
		{lines, &inv.Lines},
	} {
		if err := json.Unmarshal(part.raw, part.dest); err != nil {
			return domain.Invoice{}, err
		}
	}
	return inv, nil
}

func getInvoiceByTransfer(ctx context.Context, q queryer, transferID string) (*domain.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE transfer_id = $1`, transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
