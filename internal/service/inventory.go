package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/ledger"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/tax"
)

// ReceiveStock books goods arriving from outside the group, merging into an
// existing record when product, cost and classification match.
func (s *Service) ReceiveStock(ctx context.Context, req domain.ReceiveStockRequest) (domain.InventoryRecord, error) {
	if err := s.ValidateRequest(req); err != nil {
		return domain.InventoryRecord{}, err
	}
	class, err := tax.ParseClassification(req.TaxClassification)
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	if !req.CostPrice.IsPositive() {
		return domain.InventoryRecord{}, fmt.Errorf("%w: cost_price must be positive", store.ErrInvalidTransaction)
	}
	for name, v := range map[string]decimal.Decimal{
		"wholesale_price":  req.WholesalePrice,
		"retail_price":     req.RetailPrice,
		"acquisition_cost": req.AcquisitionCost,
	} {
		if v.IsNegative() {
			return domain.InventoryRecord{}, fmt.Errorf("%w: %s must not be negative", store.ErrInvalidTransaction, name)
		}
	}

	actor, sc := s.scopeFor(ctx)
	merchant, err := s.merchants.Merchant(ctx, req.MerchantID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	if !sc.CanActFor(merchant) {
		return domain.InventoryRecord{}, fmt.Errorf("%w: %s may not receive stock for %s", store.ErrUnauthorized, actor.Username, merchant.ID)
	}

	var rec domain.InventoryRecord
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = s.ledger.IncrementOrCreate(ctx, tx, ledger.Receipt{
			MerchantID:        merchant.ID,
			StoreGroupID:      merchant.StoreGroupID,
			Product:           trimIdentity(req.Product),
			Quantity:          req.Quantity,
			UnitCost:          req.CostPrice.Round(2),
			WholesalePrice:    req.WholesalePrice.Round(2),
			RetailPrice:       req.RetailPrice.Round(2),
			AcquisitionCost:   req.AcquisitionCost.Round(2),
			TaxClassification: class,
			Barcode:           strings.TrimSpace(req.Barcode),
			SerialNumber:      req.SerialNumber,
		}, domain.MovementReceipt, ledger.Ref{Actor: actor.Username, Note: req.Note})
		return err
	})
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	s.logAudit(ctx, merchant, "stock_receive", "inventory_record", rec.ID,
		fmt.Sprintf("qty=%d cost=%s class=%s", req.Quantity, rec.CostPrice.StringFixed(2), class))
	return rec, nil
}

// RecordSale sells unreserved units to a retail customer and reports the
// output VAT contained in the VAT-inclusive price.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	if err := s.ValidateRequest(req); err != nil {
		return domain.SaleResponse{}, err
	}
	actor, current, merchant, err := s.recordForWrite(ctx, req.RecordID)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	unitPrice := req.UnitPrice
	if unitPrice.IsZero() {
		unitPrice = current.RetailPrice
	}
	if !unitPrice.IsPositive() {
		return domain.SaleResponse{}, fmt.Errorf("%w: record %s has no retail price", store.ErrInvalidTransaction, current.ID)
	}

	var rec domain.InventoryRecord
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = s.ledger.Decrement(ctx, tx, req.RecordID, req.Quantity, 0, domain.MovementSale, ledger.Ref{Actor: actor.Username})
		return err
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	qty := decimal.NewFromInt(int64(req.Quantity))
	gross := unitPrice.Mul(qty).Round(2)
	vat, err := tax.SaleVAT(rec.TaxClassification, gross, rec.AcquisitionCost.Mul(qty))
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, merchant, "sale_record", "inventory_record", rec.ID,
		fmt.Sprintf("qty=%d gross=%s vat=%s", req.Quantity, gross.StringFixed(2), vat.StringFixed(2)))
	return domain.SaleResponse{
		RecordID:          rec.ID,
		Quantity:          req.Quantity,
		TaxClassification: rec.TaxClassification,
		GrossAmount:       gross,
		VATAmount:         vat,
		NetAmount:         gross.Sub(vat),
		Record:            rec,
	}, nil
}

func (s *Service) MarkDamaged(ctx context.Context, req domain.DamageRequest) (domain.InventoryRecord, error) {
	if err := s.ValidateRequest(req); err != nil {
		return domain.InventoryRecord{}, err
	}
	actor, _, merchant, err := s.recordForWrite(ctx, req.RecordID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	var rec domain.InventoryRecord
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = s.ledger.WriteOff(ctx, tx, req.RecordID, ledger.Ref{Actor: actor.Username, Note: req.Reason})
		return err
	})
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	s.logAudit(ctx, merchant, "stock_damage", "inventory_record", rec.ID, req.Reason)
	return rec, nil
}

func (s *Service) GetInventoryRecord(ctx context.Context, id string) (domain.InventoryRecord, error) {
	_, sc := s.scopeFor(ctx)
	rec, err := s.repo.GetInventoryRecord(ctx, id)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	if !sc.AllowsRecord(*rec) {
		return domain.InventoryRecord{}, store.ErrNotFound
	}
	return *rec, nil
}

func (s *Service) ListInventory(ctx context.Context, merchantID string, limit int) ([]domain.InventoryRecord, error) {
	_, sc := s.scopeFor(ctx)
	return s.repo.ListInventoryRecords(ctx, sc, merchantID, limit)
}

func (s *Service) ListMovements(ctx context.Context, recordID string, limit int) ([]domain.InventoryMovement, error) {
	_, sc := s.scopeFor(ctx)
	return s.repo.ListMovements(ctx, sc, recordID, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", store.ErrInvalidTransaction)
	}
	_, sc := s.scopeFor(ctx)
	return s.repo.ListAuditLogs(ctx, sc, from, to, limit)
}

func (s *Service) ListMerchants(ctx context.Context) ([]domain.Merchant, error) {
	_, sc := s.scopeFor(ctx)
	all, err := s.repo.ListMerchants(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]domain.Merchant, 0, len(all))
	for _, m := range all {
		if sc.Allows(m.ID, m.StoreGroupID) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// SaveMerchant creates or updates a registry entry. Only admins may change
// store groups and legal companies.
func (s *Service) SaveMerchant(ctx context.Context, m domain.Merchant) (domain.Merchant, error) {
	actor := actorFrom(ctx)
	if actor.Role != domain.RoleAdmin && actor.Role != domain.RoleSystem {
		return domain.Merchant{}, fmt.Errorf("%w: admin role required", store.ErrUnauthorized)
	}
	m.ID = strings.TrimSpace(m.ID)
	m.Name = strings.TrimSpace(m.Name)
	if m.ID == "" || m.Name == "" {
		return domain.Merchant{}, fmt.Errorf("%w: merchant id and name are required", store.ErrInvalidTransaction)
	}
	if err := s.merchants.Save(ctx, m); err != nil {
		return domain.Merchant{}, err
	}
	s.logAudit(ctx, m, "merchant_save", "merchant", m.ID,
		fmt.Sprintf("group=%s company=%s", m.StoreGroupID, m.LegalCompanyID))
	return m, nil
}

// recordForWrite loads a record and checks that the caller may act for its
// merchant.
func (s *Service) recordForWrite(ctx context.Context, recordID string) (domain.Actor, domain.InventoryRecord, domain.Merchant, error) {
	actor, sc := s.scopeFor(ctx)
	rec, err := s.repo.GetInventoryRecord(ctx, recordID)
	if err != nil {
		return actor, domain.InventoryRecord{}, domain.Merchant{}, err
	}
	if !sc.AllowsRecord(*rec) {
		return actor, domain.InventoryRecord{}, domain.Merchant{}, store.ErrNotFound
	}
	merchant, err := s.merchants.Merchant(ctx, rec.MerchantID)
	if err != nil {
		return actor, domain.InventoryRecord{}, domain.Merchant{}, err
	}
	if !sc.CanActFor(merchant) {
		return actor, domain.InventoryRecord{}, domain.Merchant{}, fmt.Errorf("%w: %s may not change stock of %s", store.ErrUnauthorized, actor.Username, merchant.ID)
	}
	return actor, *rec, merchant, nil
}

func trimIdentity(p domain.ProductIdentity) domain.ProductIdentity {
	return domain.ProductIdentity{
		Name:      strings.TrimSpace(p.Name),
		Brand:     strings.TrimSpace(p.Brand),
		Model:     strings.TrimSpace(p.Model),
		Color:     strings.TrimSpace(p.Color),
		Condition: strings.TrimSpace(p.Condition),
	}
}

func (s *Service) GetMerchant(ctx context.Context, id string) (domain.Merchant, error) {
	_, sc := s.scopeFor(ctx)
	m, err := s.merchants.Merchant(ctx, id)
	if err != nil {
		return domain.Merchant{}, err
	}
	if !sc.Allows(m.ID, m.StoreGroupID) {
		return domain.Merchant{}, store.ErrNotFound
	}
	return m, nil
}

// AuthorizeMerchant returns the merchant when the caller may act for it.
func (s *Service) AuthorizeMerchant(ctx context.Context, id string) (domain.Merchant, error) {
	actor, sc := s.scopeFor(ctx)
	m, err := s.merchants.Merchant(ctx, id)
	if err != nil {
		return domain.Merchant{}, err
	}
	if !sc.CanActFor(m) {
		return domain.Merchant{}, fmt.Errorf("%w: %s may not manage %s", store.ErrUnauthorized, actor.Username, m.ID)
	}
	return m, nil
}
