package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/scope"
	"merchantstock/backend/internal/tax"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrInvalidTransaction       = errors.New("invalid transaction")
	ErrCrossGroupTransferDenied = errors.New("cross-group transfer denied")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrDuplicate                = errors.New("duplicate")
	// ErrConcurrentModification is returned when a transaction lost a race
	// with another writer. Callers may retry the whole transaction.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ReceivingKey identifies the destination record a receipt merges into.
// Serialised units match on serial number only, written-off units included.
type ReceivingKey struct {
	MerchantID        string
	IdentityKey       string
	UnitCost          decimal.Decimal
	TaxClassification tax.Classification
	SerialNumber      string
}

type Repository interface {
	// InTx runs fn in a single serialisable unit of work. Every write made
	// through tx is committed when fn returns nil and discarded otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetMerchant(ctx context.Context, id string) (*domain.Merchant, error)
	ListMerchants(ctx context.Context) ([]domain.Merchant, error)
	UpsertMerchant(ctx context.Context, merchant domain.Merchant) error

	GetInventoryRecord(ctx context.Context, id string) (*domain.InventoryRecord, error)
	ListInventoryRecords(ctx context.Context, sc scope.Scope, merchantID string, limit int) ([]domain.InventoryRecord, error)
	ListMovements(ctx context.Context, sc scope.Scope, recordID string, limit int) ([]domain.InventoryMovement, error)

	GetTransfer(ctx context.Context, id string) (*domain.TransferRequest, error)
	ListTransfers(ctx context.Context, sc scope.Scope, status string, limit int) ([]domain.TransferRequest, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	GetInvoiceByTransfer(ctx context.Context, transferID string) (*domain.Invoice, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, sc scope.Scope, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, passwordHash string) error
}

// Tx is the write side of the inventory ledger. Reads made through Tx see the
// transaction's own writes.
type Tx interface {
	// LockInventoryRecord reads a record and holds it against concurrent
	// writers until the transaction ends.
	LockInventoryRecord(ctx context.Context, id string) (*domain.InventoryRecord, error)
	FindReceivingRecord(ctx context.Context, key ReceivingKey) (*domain.InventoryRecord, error)
	InsertInventoryRecord(ctx context.Context, record domain.InventoryRecord) error
	// UpdateInventoryRecord writes record if its Version still matches the
	// stored one and bumps the stored version.
	UpdateInventoryRecord(ctx context.Context, record domain.InventoryRecord) error
	InsertMovement(ctx context.Context, movement domain.InventoryMovement) error

	LockTransfer(ctx context.Context, id string) (*domain.TransferRequest, error)
	InsertTransfer(ctx context.Context, transfer domain.TransferRequest) error
	UpdateTransfer(ctx context.Context, transfer domain.TransferRequest) error

	// NextSequence returns the next value of a gapless per-series counter.
	NextSequence(ctx context.Context, series string) (int64, error)
	InvoiceNumberTaken(ctx context.Context, number string) (bool, error)
	InsertInvoice(ctx context.Context, invoice domain.Invoice) error
	GetInvoiceByTransfer(ctx context.Context, transferID string) (*domain.Invoice, error)
}
