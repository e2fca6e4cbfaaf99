package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS merchants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		store_group_id TEXT NOT NULL DEFAULT '',
		legal_company_id TEXT NOT NULL DEFAULT '',
		legal_name TEXT NOT NULL DEFAULT '',
		vat_number TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		permissions JSONB NOT NULL DEFAULT '[]'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_records (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL REFERENCES merchants(id),
		store_group_id TEXT NOT NULL DEFAULT '',
		product_name TEXT NOT NULL,
		brand TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		condition TEXT NOT NULL DEFAULT '',
		identity_key TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		reserved INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= quantity),
		cost_price NUMERIC(14,2) NOT NULL,
		wholesale_price NUMERIC(14,2) NOT NULL DEFAULT 0,
		retail_price NUMERIC(14,2) NOT NULL DEFAULT 0,
		acquisition_cost NUMERIC(14,2) NOT NULL DEFAULT 0,
		tax_classification TEXT NOT NULL CHECK (tax_classification IN ('STANDARD_VAT', 'SERVICE_VAT', 'MARGIN_VAT')),
		barcode TEXT NOT NULL DEFAULT '',
		serial_number TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS inventory_records_receiving_key
		ON inventory_records (merchant_id, identity_key, cost_price, tax_classification)
		WHERE serial_number = '' AND status <> 'damaged'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS inventory_records_serial
		ON inventory_records (merchant_id, serial_number)
		WHERE serial_number <> ''`,
	`CREATE INDEX IF NOT EXISTS inventory_records_group ON inventory_records (store_group_id, merchant_id)`,
	`CREATE TABLE IF NOT EXISTS inventory_movements (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES inventory_records(id),
		merchant_id TEXT NOT NULL,
		store_group_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		quantity_delta INTEGER NOT NULL,
		reserved_delta INTEGER NOT NULL,
		unit_cost NUMERIC(14,2) NOT NULL,
		transfer_id TEXT NOT NULL DEFAULT '',
		actor_username TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS inventory_movements_record ON inventory_movements (record_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS transfer_requests (
		id TEXT PRIMARY KEY,
		transfer_number TEXT NOT NULL UNIQUE,
		source_merchant_id TEXT NOT NULL REFERENCES merchants(id),
		dest_merchant_id TEXT NOT NULL REFERENCES merchants(id),
		store_group_id TEXT NOT NULL,
		transfer_type TEXT NOT NULL,
		lines JSONB NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		audit JSONB NOT NULL,
		invoice_id TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (source_merchant_id <> dest_merchant_id)
	)`,
	`CREATE INDEX IF NOT EXISTS transfer_requests_group ON transfer_requests (store_group_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		invoice_number TEXT NOT NULL UNIQUE,
		transfer_id TEXT NOT NULL UNIQUE REFERENCES transfer_requests(id),
		transfer_number TEXT NOT NULL,
		transfer_type TEXT NOT NULL,
		seller JSONB NOT NULL,
		buyer JSONB NOT NULL,
		lines JSONB NOT NULL,
		subtotal NUMERIC(14,2) NOT NULL,
		vat_amount NUMERIC(14,2) NOT NULL,
		total NUMERIC(14,2) NOT NULL,
		payment_status TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS number_sequences (
		series TEXT PRIMARY KEY,
		last_value BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL DEFAULT '',
		store_group_id TEXT NOT NULL DEFAULT '',
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_created ON audit_logs (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		merchant_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the tables and indexes used by Store when they do not
// exist yet. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
