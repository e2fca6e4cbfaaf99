package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/scope"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a SERIALIZABLE transaction. Serialisation failures and
// deadlocks surface as store.ErrConcurrentModification.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translate(err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		return translate(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

const merchantColumns = `id, name, store_group_id, legal_company_id, legal_name, vat_number, address, permissions`

func (s *Store) GetMerchant(ctx context.Context, id string) (*domain.Merchant, error) {
	m, err := scanMerchant(s.db.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMerchants(ctx context.Context) ([]domain.Merchant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+merchantColumns+` FROM merchants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	merchants := make([]domain.Merchant, 0, 16)
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			return nil, err
		}
		merchants = append(merchants, m)
	}
	return merchants, rows.Err()
}

func (s *Store) UpsertMerchant(ctx context.Context, m domain.Merchant) error {
	if strings.TrimSpace(m.ID) == "" {
		return store.ErrInvalidTransaction
	}
	permissions, err := json.Marshal(nonNil(m.Permissions))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merchants (id, name, store_group_id, legal_company_id, legal_name, vat_number, address, permissions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			store_group_id = EXCLUDED.store_group_id,
			legal_company_id = EXCLUDED.legal_company_id,
			legal_name = EXCLUDED.legal_name,
			vat_number = EXCLUDED.vat_number,
			address = EXCLUDED.address,
			permissions = EXCLUDED.permissions,
			updated_at = now()
	`, m.ID, m.Name, m.StoreGroupID, m.LegalCompanyID, m.LegalName, m.VATNumber, m.Address, permissions)
	return err
}

func (s *Store) GetInventoryRecord(ctx context.Context, id string) (*domain.InventoryRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM inventory_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListInventoryRecords(ctx context.Context, sc scope.Scope, merchantID string, limit int) ([]domain.InventoryRecord, error) {
	where, args := scopeFilter(sc, "merchant_id", "store_group_id", nil)
	if merchantID != "" {
		args = append(args, merchantID)
		where += fmt.Sprintf(" AND merchant_id = $%d", len(args))
	}
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM inventory_records
		WHERE %s
		ORDER BY created_at, id
		LIMIT $%d
	`, recordColumns, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.InventoryRecord, 0, 64)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) ListMovements(ctx context.Context, sc scope.Scope, recordID string, limit int) ([]domain.InventoryMovement, error) {
	where, args := scopeFilter(sc, "merchant_id", "store_group_id", nil)
	if recordID != "" {
		args = append(args, recordID)
		where += fmt.Sprintf(" AND record_id = $%d", len(args))
	}
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, record_id, merchant_id, store_group_id, reason, quantity_delta, reserved_delta,
			unit_cost, transfer_id, actor_username, note, created_at
		FROM inventory_movements
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.InventoryMovement, 0, 64)
	for rows.Next() {
		var mv domain.InventoryMovement
		var reason string
		if err := rows.Scan(
			&mv.ID, &mv.RecordID, &mv.MerchantID, &mv.StoreGroupID, &reason, &mv.QuantityDelta, &mv.ReservedDelta,
			&mv.UnitCost, &mv.TransferID, &mv.ActorUsername, &mv.Note, &mv.CreatedAt,
		); err != nil {
			return nil, err
		}
		mv.Reason = domain.MovementReason(reason)
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*domain.TransferRequest, error) {
	t, err := scanTransfer(s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfer_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTransfers(ctx context.Context, sc scope.Scope, status string, limit int) ([]domain.TransferRequest, error) {
	var (
		where string
		args  []any
	)
	switch sc.Level {
	case scope.LevelMerchant:
		args = append(args, sc.MerchantID)
		where = "(source_merchant_id = $1 OR dest_merchant_id = $1) AND $1 <> ''"
	default:
		where, args = scopeFilter(sc, "source_merchant_id", "store_group_id", nil)
	}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM transfer_requests
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, transferColumns, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]domain.TransferRequest, 0, 32)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) GetInvoiceByTransfer(ctx context.Context, transferID string) (*domain.Invoice, error) {
	return getInvoiceByTransfer(ctx, s.db, transferID)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, merchant_id, store_group_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.MerchantID, entry.StoreGroupID, entry.ActorUsername, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, sc scope.Scope, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	where, args := scopeFilter(sc, "merchant_id", "store_group_id", []any{from, to})
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, merchant_id, store_group_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2 AND %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 64)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(
			&entry.ID, &entry.MerchantID, &entry.StoreGroupID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, merchant_id, active, created_at)
		VALUES ($1, $2, $3, $4, true, now())
	`, username, user.Password, user.Role, user.MerchantID)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, merchant_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.MerchantID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(passwordHash) == "" {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE username = $1`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// scopeFilter appends the scope's bind parameters to args and returns the
// matching WHERE fragment.
func scopeFilter(sc scope.Scope, merchantCol string, groupCol string, args []any) (string, []any) {
	switch sc.Level {
	case scope.LevelAll:
		return "TRUE", args
	case scope.LevelGroup:
		args = append(args, sc.StoreGroupID)
		return fmt.Sprintf("(%s = $%d AND $%d <> '')", groupCol, len(args), len(args)), args
	default:
		args = append(args, sc.MerchantID)
		return fmt.Sprintf("(%s = $%d AND $%d <> '')", merchantCol, len(args), len(args)), args
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 500
	}
	return limit
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
