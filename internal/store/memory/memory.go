package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/scope"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/xid"
)

// Store keeps everything in process memory. A transaction holds the write
// lock for its whole duration, so transactions are serialised.
type Store struct {
	mu                sync.RWMutex
	merchants         map[string]domain.Merchant
	records           map[string]domain.InventoryRecord
	recordOrder       []string
	movements         []domain.InventoryMovement
	transfers         map[string]domain.TransferRequest
	transferOrder     []string
	invoices          map[string]domain.Invoice
	invoiceByTransfer map[string]string
	invoiceNumbers    map[string]string
	sequences         map[string]int64
	auditLogs         []domain.AuditLog
	usersByUsername   map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		merchants:         make(map[string]domain.Merchant),
		records:           make(map[string]domain.InventoryRecord),
		movements:         make([]domain.InventoryMovement, 0, 128),
		transfers:         make(map[string]domain.TransferRequest),
		invoices:          make(map[string]domain.Invoice),
		invoiceByTransfer: make(map[string]string),
		invoiceNumbers:    make(map[string]string),
		sequences:         make(map[string]int64),
		auditLogs:         make([]domain.AuditLog, 0, 128),
		usersByUsername:   make(map[string]domain.UserAccount),
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) GetMerchant(_ context.Context, id string) (*domain.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.merchants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := m.Clone()
	return &clone, nil
}

func (s *Store) ListMerchants(_ context.Context) ([]domain.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Merchant, 0, len(s.merchants))
	for _, m := range s.merchants {
		result = append(result, m.Clone())
	}
	slices.SortFunc(result, func(a, b domain.Merchant) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) UpsertMerchant(_ context.Context, merchant domain.Merchant) error {
	if strings.TrimSpace(merchant.ID) == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.merchants[merchant.ID] = merchant.Clone()
	return nil
}

func (s *Store) GetInventoryRecord(_ context.Context, id string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) ListInventoryRecords(_ context.Context, sc scope.Scope, merchantID string, limit int) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryRecord, 0, 64)
	for _, id := range s.recordOrder {
		rec := s.records[id]
		if merchantID != "" && rec.MerchantID != merchantID {
			continue
		}
		if !sc.AllowsRecord(rec) {
			continue
		}
		result = append(result, rec)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListMovements(_ context.Context, sc scope.Scope, recordID string, limit int) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryMovement, 0, 64)
	for i := len(s.movements) - 1; i >= 0; i-- {
		mv := s.movements[i]
		if recordID != "" && mv.RecordID != recordID {
			continue
		}
		if !sc.Allows(mv.MerchantID, mv.StoreGroupID) {
			continue
		}
		result = append(result, mv)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (*domain.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := t.Clone()
	return &clone, nil
}

func (s *Store) ListTransfers(_ context.Context, sc scope.Scope, status string, limit int) ([]domain.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.TransferRequest, 0, 32)
	for i := len(s.transferOrder) - 1; i >= 0; i-- {
		t := s.transfers[s.transferOrder[i]]
		if status != "" && string(t.Status) != status {
			continue
		}
		if !sc.AllowsTransfer(t) {
			continue
		}
		result = append(result, t.Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := inv.Clone()
	return &clone, nil
}

func (s *Store) GetInvoiceByTransfer(ctx context.Context, transferID string) (*domain.Invoice, error) {
	s.mu.RLock()
	id, ok := s.invoiceByTransfer[transferID]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetInvoice(ctx, id)
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, sc scope.Scope, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if !sc.Allows(entry.MerchantID, entry.StoreGroupID) {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
