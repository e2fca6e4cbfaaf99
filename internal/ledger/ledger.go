package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/tax"
	"merchantstock/backend/internal/xid"
)

// MaxRecordQuantity is the largest quantity one record can hold; it matches
// the INTEGER column of the postgres store.
const MaxRecordQuantity = math.MaxInt32

// Ledger applies quantity changes to inventory records inside a store
// transaction. Every change writes one movement row.
type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// Ref ties a movement to the business operation that caused it.
type Ref struct {
	TransferID string
	Actor      string
	Note       string
}

type Receipt struct {
	MerchantID        string
	StoreGroupID      string
	Product           domain.ProductIdentity
	Quantity          int
	UnitCost          decimal.Decimal
	WholesalePrice    decimal.Decimal
	RetailPrice       decimal.Decimal
	AcquisitionCost   decimal.Decimal
	TaxClassification tax.Classification
	Barcode           string
	SerialNumber      string
}

// Reserve holds qty units of a record owned by merchantID.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, recordID string, merchantID string, qty int, ref Ref) (domain.InventoryRecord, error) {
	if qty < 1 {
		return domain.InventoryRecord{}, fmt.Errorf("%w: reserve quantity must be positive", store.ErrInvalidTransaction)
	}
	rec, err := tx.LockInventoryRecord(ctx, recordID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	if rec.MerchantID != merchantID {
		return domain.InventoryRecord{}, fmt.Errorf("%w: record %s does not belong to merchant %s", store.ErrInvalidTransaction, recordID, merchantID)
	}
	if rec.Status != domain.RecordActive && rec.Status != domain.RecordReserved {
		return domain.InventoryRecord{}, fmt.Errorf("%w: record %s is %s", store.ErrInsufficientStock, recordID, rec.Status)
	}
	if rec.Available() < qty {
		return domain.InventoryRecord{}, fmt.Errorf("%w: record %s has %d available, requested %d", store.ErrInsufficientStock, recordID, rec.Available(), qty)
	}

	rec.Reserved += qty
	settle(rec, rec.Status)
	if err := l.write(ctx, tx, rec, domain.MovementReserve, 0, qty, ref); err != nil {
		return domain.InventoryRecord{}, err
	}
	return *rec, nil
}

// Release returns qty previously reserved units to available stock.
func (l *Ledger) Release(ctx context.Context, tx store.Tx, recordID string, qty int, ref Ref) (domain.InventoryRecord, error) {
	rec, err := tx.LockInventoryRecord(ctx, recordID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	if qty < 1 || qty > rec.Reserved {
		return domain.InventoryRecord{}, fmt.Errorf("%w: cannot release %d of %d reserved on %s", store.ErrInvalidTransaction, qty, rec.Reserved, recordID)
	}

	rec.Reserved -= qty
	settle(rec, rec.Status)
	if err := l.write(ctx, tx, rec, domain.MovementRelease, 0, -qty, ref); err != nil {
		return domain.InventoryRecord{}, err
	}
	return *rec, nil
}

// Decrement removes qty units, consuming up to reservedQty of the record's
// reservation first. Any reserved amount beyond qty is released in the same
// step.
func (l *Ledger) Decrement(ctx context.Context, tx store.Tx, recordID string, qty int, reservedQty int, reason domain.MovementReason, ref Ref) (domain.InventoryRecord, error) {
	if qty < 1 || reservedQty < 0 {
		return domain.InventoryRecord{}, fmt.Errorf("%w: invalid decrement %d/%d", store.ErrInvalidTransaction, qty, reservedQty)
	}
	rec, err := tx.LockInventoryRecord(ctx, recordID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	if rec.Status == domain.RecordDamaged {
		return domain.InventoryRecord{}, fmt.Errorf("%w: record %s is damaged", store.ErrInvalidTransaction, recordID)
	}

	consumed := min(reservedQty, rec.Reserved)
	usable := rec.Quantity - (rec.Reserved - consumed)
	if qty > usable {
		return domain.InventoryRecord{}, fmt.Errorf("%w: record %s has %d usable, requested %d", store.ErrInsufficientStock, recordID, usable, qty)
	}

	rec.Quantity -= qty
	rec.Reserved -= consumed
	emptied := domain.RecordTransferred
	if reason == domain.MovementSale {
		emptied = domain.RecordSold
	}
	settle(rec, emptied)
	if err := l.write(ctx, tx, rec, reason, -qty, -consumed, ref); err != nil {
		return domain.InventoryRecord{}, err
	}
	return *rec, nil
}

// IncrementOrCreate adds stock at a merchant. A receipt merges into an
// existing record with the same product identity, unit cost and tax
// classification; serialised units are never merged with other units.
func (l *Ledger) IncrementOrCreate(ctx context.Context, tx store.Tx, in Receipt, reason domain.MovementReason, ref Ref) (domain.InventoryRecord, error) {
	if in.Quantity < 1 || in.Quantity > MaxRecordQuantity {
		return domain.InventoryRecord{}, fmt.Errorf("%w: receipt quantity %d out of range", store.ErrInvalidTransaction, in.Quantity)
	}
	if strings.TrimSpace(in.Product.Name) == "" {
		return domain.InventoryRecord{}, fmt.Errorf("%w: product name is required", store.ErrInvalidTransaction)
	}
	if !in.TaxClassification.Valid() {
		return domain.InventoryRecord{}, fmt.Errorf("%w: %w", store.ErrInvalidTransaction, tax.ErrUnknownClassification)
	}
	in.SerialNumber = strings.TrimSpace(in.SerialNumber)
	if in.SerialNumber != "" && in.Quantity != 1 {
		return domain.InventoryRecord{}, fmt.Errorf("%w: serialised item %s must have quantity 1", store.ErrInvalidTransaction, in.SerialNumber)
	}
	if in.AcquisitionCost.IsZero() {
		in.AcquisitionCost = in.UnitCost
	}

	existing, err := tx.FindReceivingRecord(ctx, store.ReceivingKey{
		MerchantID:        in.MerchantID,
		IdentityKey:       in.Product.Key(),
		UnitCost:          in.UnitCost,
		TaxClassification: in.TaxClassification,
		SerialNumber:      in.SerialNumber,
	})
	switch {
	case err == nil:
		return l.merge(ctx, tx, existing, in, reason, ref)
	case !errors.Is(err, store.ErrNotFound):
		return domain.InventoryRecord{}, err
	}

	now := l.now()
	rec := domain.InventoryRecord{
		ID:                xid.New("inv"),
		MerchantID:        in.MerchantID,
		StoreGroupID:      in.StoreGroupID,
		Product:           in.Product,
		Quantity:          in.Quantity,
		CostPrice:         in.UnitCost,
		WholesalePrice:    in.WholesalePrice,
		RetailPrice:       in.RetailPrice,
		AcquisitionCost:   in.AcquisitionCost,
		TaxClassification: in.TaxClassification,
		Barcode:           in.Barcode,
		SerialNumber:      in.SerialNumber,
		Status:            domain.RecordActive,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.InsertInventoryRecord(ctx, rec); err != nil {
		return domain.InventoryRecord{}, err
	}
	if err := tx.InsertMovement(ctx, l.movement(rec, reason, in.Quantity, 0, ref)); err != nil {
		return domain.InventoryRecord{}, err
	}
	return rec, nil
}

// WriteOff marks an unreserved record as damaged so it can no longer be
// reserved, transferred or sold.
func (l *Ledger) WriteOff(ctx context.Context, tx store.Tx, recordID string, ref Ref) (domain.InventoryRecord, error) {
	rec, err := tx.LockInventoryRecord(ctx, recordID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	if rec.Reserved > 0 {
		return domain.InventoryRecord{}, fmt.Errorf("%w: record %s has %d units reserved for transfer", store.ErrInvalidTransaction, recordID, rec.Reserved)
	}
	if rec.Quantity == 0 || rec.Status == domain.RecordDamaged {
		return domain.InventoryRecord{}, fmt.Errorf("%w: record %s is %s", store.ErrInvalidTransaction, recordID, rec.Status)
	}
	rec.Status = domain.RecordDamaged
	if err := l.write(ctx, tx, rec, domain.MovementDamage, 0, 0, ref); err != nil {
		return domain.InventoryRecord{}, err
	}
	return *rec, nil
}

func (l *Ledger) merge(ctx context.Context, tx store.Tx, rec *domain.InventoryRecord, in Receipt, reason domain.MovementReason, ref Ref) (domain.InventoryRecord, error) {
	if rec.Serialized() {
		if rec.Status == domain.RecordDamaged {
			return domain.InventoryRecord{}, fmt.Errorf("%w: serial %s was written off at %s", store.ErrInvalidTransaction, rec.SerialNumber, rec.MerchantID)
		}
		if rec.Quantity > 0 {
			return domain.InventoryRecord{}, fmt.Errorf("%w: serial %s already in stock at %s", store.ErrInvalidTransaction, rec.SerialNumber, rec.MerchantID)
		}
		if rec.TaxClassification != in.TaxClassification {
			return domain.InventoryRecord{}, fmt.Errorf("%w: serial %s is classified %s, receipt says %s",
				store.ErrInvalidTransaction, rec.SerialNumber, rec.TaxClassification, in.TaxClassification)
		}
		rec.CostPrice = in.UnitCost
	}
	if rec.Quantity > MaxRecordQuantity-in.Quantity {
		return domain.InventoryRecord{}, fmt.Errorf("%w: record %s cannot hold %d more units", store.ErrInvalidTransaction, rec.ID, in.Quantity)
	}

	rec.AcquisitionCost = weightedCost(rec.Quantity, rec.AcquisitionCost, in.Quantity, in.AcquisitionCost)
	rec.Quantity += in.Quantity
	if rec.WholesalePrice.IsZero() {
		rec.WholesalePrice = in.WholesalePrice
	}
	if rec.RetailPrice.IsZero() {
		rec.RetailPrice = in.RetailPrice
	}
	if rec.Barcode == "" {
		rec.Barcode = in.Barcode
	}
	settle(rec, rec.Status)

	if err := l.write(ctx, tx, rec, reason, in.Quantity, 0, ref); err != nil {
		return domain.InventoryRecord{}, err
	}
	return *rec, nil
}

func (l *Ledger) write(ctx context.Context, tx store.Tx, rec *domain.InventoryRecord, reason domain.MovementReason, qtyDelta int, reservedDelta int, ref Ref) error {
	rec.UpdatedAt = l.now()
	if err := tx.UpdateInventoryRecord(ctx, *rec); err != nil {
		return err
	}
	rec.Version++
	return tx.InsertMovement(ctx, l.movement(*rec, reason, qtyDelta, reservedDelta, ref))
}

func (l *Ledger) movement(rec domain.InventoryRecord, reason domain.MovementReason, qtyDelta int, reservedDelta int, ref Ref) domain.InventoryMovement {
	return domain.InventoryMovement{
		ID:            xid.New("mov"),
		RecordID:      rec.ID,
		MerchantID:    rec.MerchantID,
		StoreGroupID:  rec.StoreGroupID,
		Reason:        reason,
		QuantityDelta: qtyDelta,
		ReservedDelta: reservedDelta,
		UnitCost:      rec.CostPrice,
		TransferID:    ref.TransferID,
		ActorUsername: ref.Actor,
		Note:          ref.Note,
		CreatedAt:     rec.UpdatedAt,
	}
}

// settle derives the record status from its counters. emptied is used when
// the quantity reaches zero.
func settle(rec *domain.InventoryRecord, emptied domain.RecordStatus) {
	if rec.Status == domain.RecordDamaged {
		return
	}
	switch {
	case rec.Quantity == 0:
		rec.Status = emptied
	case rec.Reserved > 0 && rec.Reserved == rec.Quantity:
		rec.Status = domain.RecordReserved
	default:
		rec.Status = domain.RecordActive
	}
}

func weightedCost(currentQty int, currentCost decimal.Decimal, addedQty int, addedCost decimal.Decimal) decimal.Decimal {
	if currentQty <= 0 {
		return addedCost
	}
	total := decimal.NewFromInt(int64(currentQty + addedQty))
	sum := currentCost.Mul(decimal.NewFromInt(int64(currentQty))).Add(addedCost.Mul(decimal.NewFromInt(int64(addedQty))))
	return sum.Div(total).Round(2)
}
