package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/events"
	"merchantstock/backend/internal/invoice"
	"merchantstock/backend/internal/ledger"
	"merchantstock/backend/internal/registry"
	"merchantstock/backend/internal/scope"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/tax"
	"merchantstock/backend/internal/xid"
)

const transferSeries = "TRF"

// authority decides whether a caller with scope sc may perform an action on a
// transfer between source and dest.
type authority func(sc scope.Scope, source, dest domain.Merchant) bool

func sourceSide(sc scope.Scope, source, _ domain.Merchant) bool { return sc.CanActFor(source) }

func destSide(sc scope.Scope, _, dest domain.Merchant) bool { return sc.CanActFor(dest) }

func eitherSide(sc scope.Scope, source, dest domain.Merchant) bool {
	return sc.CanActFor(source) || sc.CanActFor(dest)
}

var transferEvents = map[domain.TransferAction]string{
	domain.ActionApprove:  events.TransferApproved,
	domain.ActionReject:   events.TransferRejected,
	domain.ActionShip:     events.TransferShipped,
	domain.ActionComplete: events.TransferCompleted,
	domain.ActionCancel:   events.TransferCancelled,
}

// CreateTransfer validates the request, reserves every line at the source and
// stores a pending transfer, all in one transaction.
func (s *Service) CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (domain.TransferRequest, error) {
	if err := s.ValidateRequest(req); err != nil {
		return domain.TransferRequest{}, err
	}
	lines := mergeLines(req.Lines)

	actor, sc := s.scopeFor(ctx)
	source, dest, err := s.merchants.Pair(ctx, req.SourceMerchantID, req.DestMerchantID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if !sc.CanActFor(source) {
		return domain.TransferRequest{}, fmt.Errorf("%w: %s may not request transfers from %s", store.ErrUnauthorized, actor.Username, source.ID)
	}
	if !registry.SameGroup(source, dest) {
		s.logAudit(ctx, source, "transfer_denied_cross_group", "merchant", dest.ID,
			fmt.Sprintf("source_group=%s dest_group=%s", source.StoreGroupID, dest.StoreGroupID))
		return domain.TransferRequest{}, fmt.Errorf("%w: %s and %s are in different store groups",
			store.ErrCrossGroupTransferDenied, source.ID, dest.ID)
	}
	transferType, warnings := invoice.ResolveTransferType(source, dest)

	var (
		created   domain.TransferRequest
		fallbacks []invoice.Warning
	)
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		fallbacks = nil
		seq, err := tx.NextSequence(ctx, transferSeries)
		if err != nil {
			return err
		}

		now := s.now()
		t := domain.TransferRequest{
			ID:               xid.New("trf"),
			TransferNumber:   fmt.Sprintf("%s-%06d", transferSeries, seq),
			SourceMerchantID: source.ID,
			DestMerchantID:   dest.ID,
			StoreGroupID:     source.StoreGroupID,
			TransferType:     transferType,
			Lines:            make([]domain.TransferLine, 0, len(lines)),
			Amount:           decimal.Zero,
			Status:           domain.TransferPending,
			Notes:            req.Notes,
			Audit:            domain.TransferAudit{RequestedBy: actor.Username, RequestedAt: now},
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		ref := ledger.Ref{TransferID: t.ID, Actor: actor.Username, Note: t.TransferNumber}

		for _, in := range lines {
			rec, err := s.ledger.Reserve(ctx, tx, in.RecordID, source.ID, in.Quantity, ref)
			if err != nil {
				return err
			}
			priced, err := tax.ComputeTransaction(rec.TaxClassification, transferType, rec.CostPrice, rec.WholesalePrice)
			if err != nil {
				return fmt.Errorf("%w: record %s: %v", store.ErrInvalidTransaction, rec.ID, err)
			}
			if priced.WholesaleFallback {
				fallbacks = append(fallbacks, invoice.Warning{
					Code:   invoice.WarnWholesaleFallback,
					Detail: fmt.Sprintf("record %s has no wholesale price; used cost × %s", rec.ID, tax.DefaultMarkup),
				})
			}

			t.Lines = append(t.Lines, domain.TransferLine{
				RecordID:          rec.ID,
				Product:           rec.Product,
				TaxClassification: rec.TaxClassification,
				Barcode:           rec.Barcode,
				SerialNumber:      rec.SerialNumber,
				Quantity:          in.Quantity,
				UnitCost:          rec.CostPrice,
				UnitWholesale:     rec.WholesalePrice,
				UnitRetail:        rec.RetailPrice,
				AcquisitionCost:   rec.AcquisitionCost,
				UnitPrice:         priced.UnitPrice,
			})
			t.Amount = t.Amount.Add(priced.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))))
		}

		if err := tx.InsertTransfer(ctx, t); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return domain.TransferRequest{}, err
	}

	s.logAudit(ctx, source, "transfer_create", "transfer", created.ID,
		fmt.Sprintf("number=%s dest=%s type=%s lines=%d amount=%s",
			created.TransferNumber, dest.ID, created.TransferType, len(created.Lines), created.Amount.StringFixed(2)))
	s.reportWarnings(ctx, source, created.ID, append(warnings, fallbacks...))
	s.publish(ctx, events.TransferCreated, created)
	return created, nil
}

func (s *Service) ApproveTransfer(ctx context.Context, transferID string, req domain.TransferActionRequest) (domain.TransferRequest, error) {
	return s.advance(ctx, transferID, domain.ActionApprove, req.Notes, destSide, nil)
}

// RejectTransfer refuses a pending transfer and returns its reservations.
func (s *Service) RejectTransfer(ctx context.Context, transferID string, req domain.TransferActionRequest) (domain.TransferRequest, error) {
	return s.advance(ctx, transferID, domain.ActionReject, req.Notes, destSide, s.releaseLines)
}

// CancelTransfer withdraws an approved transfer that has not shipped and
// returns its reservations.
func (s *Service) CancelTransfer(ctx context.Context, transferID string, req domain.TransferActionRequest) (domain.TransferRequest, error) {
	return s.advance(ctx, transferID, domain.ActionCancel, req.Notes, eitherSide, s.releaseLines)
}

// ShipTransfer deducts the reserved stock from the source. Shipping an already
// shipped transfer returns it unchanged.
func (s *Service) ShipTransfer(ctx context.Context, transferID string, req domain.TransferActionRequest) (domain.TransferRequest, error) {
	return s.advance(ctx, transferID, domain.ActionShip, req.Notes, sourceSide, s.shipLines)
}

// CompleteTransfer receives the shipped stock at the destination and issues
// the invoice or internal transfer record. Completing an already completed
// transfer returns the stored transfer and invoice.
func (s *Service) CompleteTransfer(ctx context.Context, transferID string, req domain.TransferActionRequest) (domain.CompleteTransferResponse, error) {
	actor, source, dest, err := s.authorize(ctx, transferID, destSide)
	if err != nil {
		return domain.CompleteTransferResponse{}, err
	}

	var (
		resp     domain.CompleteTransferResponse
		replay   bool
		warnings []invoice.Warning
	)
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		replay, warnings = false, nil
		t, err := tx.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Status == domain.TransferCompleted {
			inv, err := tx.GetInvoiceByTransfer(ctx, t.ID)
			if err != nil {
				return err
			}
			resp = domain.CompleteTransferResponse{Transfer: *t, Invoice: *inv}
			replay = true
			return nil
		}
		if _, err := t.Status.Next(domain.ActionComplete); err != nil {
			return err
		}

		draft, w, err := s.invoices.Draft(*t, source, dest)
		if err != nil {
			return err
		}
		warnings = w

		ref := ledger.Ref{TransferID: t.ID, Actor: actor.Username, Note: t.TransferNumber}
		for i, line := range t.Lines {
			rec, err := s.ledger.IncrementOrCreate(ctx, tx, ledger.Receipt{
				MerchantID:        dest.ID,
				StoreGroupID:      dest.StoreGroupID,
				Product:           line.Product,
				Quantity:          line.Quantity,
				UnitCost:          draft.Lines[i].UnitPrice,
				WholesalePrice:    line.UnitWholesale,
				RetailPrice:       line.UnitRetail,
				AcquisitionCost:   line.AcquisitionCost,
				TaxClassification: line.TaxClassification,
				Barcode:           line.Barcode,
				SerialNumber:      line.SerialNumber,
			}, domain.MovementTransferIn, ref)
			if err != nil {
				return err
			}
			t.Lines[i].DestRecordID = rec.ID
		}

		issued, err := s.invoices.Issue(ctx, tx, draft)
		if err != nil {
			return err
		}
		t.InvoiceID = issued.ID
		t.TransferType = issued.TransferType
		t.Amount = issued.Subtotal
		if err := t.Advance(domain.ActionComplete, actor.Username, s.now(), req.Notes); err != nil {
			return err
		}
		if err := tx.UpdateTransfer(ctx, *t); err != nil {
			return err
		}
		t.Version++
		resp = domain.CompleteTransferResponse{Transfer: *t, Invoice: issued}
		return nil
	})
	if err != nil {
		return domain.CompleteTransferResponse{}, err
	}
	if replay {
		return resp, nil
	}

	s.logAudit(ctx, dest, "transfer_complete", "transfer", resp.Transfer.ID,
		fmt.Sprintf("invoice=%s kind=%s total=%s", resp.Invoice.Number, resp.Invoice.Kind, resp.Invoice.Total.StringFixed(2)))
	s.reportWarnings(ctx, dest, resp.Transfer.ID, warnings)
	s.publish(ctx, events.TransferCompleted, resp.Transfer)
	return resp, nil
}

func (s *Service) GetTransfer(ctx context.Context, transferID string) (domain.TransferRequest, error) {
	_, sc := s.scopeFor(ctx)
	t, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if !sc.AllowsTransfer(*t) {
		return domain.TransferRequest{}, store.ErrNotFound
	}
	return *t, nil
}

func (s *Service) ListTransfers(ctx context.Context, status string, limit int) ([]domain.TransferRequest, error) {
	if status != "" {
		if _, err := domain.ParseTransferStatus(status); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
		}
	}
	_, sc := s.scopeFor(ctx)
	return s.repo.ListTransfers(ctx, sc, status, limit)
}

func (s *Service) GetTransferInvoice(ctx context.Context, transferID string) (domain.Invoice, error) {
	if _, err := s.GetTransfer(ctx, transferID); err != nil {
		return domain.Invoice{}, err
	}
	inv, err := s.repo.GetInvoiceByTransfer(ctx, transferID)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if _, err := s.GetTransfer(ctx, inv.TransferID); err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

// authorize loads the merchants of a transfer and checks the caller against
// allowed. Transfers outside the caller's scope are reported as not found.
func (s *Service) authorize(ctx context.Context, transferID string, allowed authority) (domain.Actor, domain.Merchant, domain.Merchant, error) {
	actor, sc := s.scopeFor(ctx)
	t, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return actor, domain.Merchant{}, domain.Merchant{}, err
	}
	if !sc.AllowsTransfer(*t) {
		return actor, domain.Merchant{}, domain.Merchant{}, store.ErrNotFound
	}
	source, dest, err := s.merchants.Pair(ctx, t.SourceMerchantID, t.DestMerchantID)
	if err != nil {
		return actor, domain.Merchant{}, domain.Merchant{}, err
	}
	if !allowed(sc, source, dest) {
		return actor, domain.Merchant{}, domain.Merchant{}, fmt.Errorf("%w: %s may not act on transfer %s", store.ErrUnauthorized, actor.Username, t.TransferNumber)
	}
	return actor, source, dest, nil
}

// advance applies one state machine step. apply runs the ledger side effects
// for the step inside the same transaction.
func (s *Service) advance(
	ctx context.Context,
	transferID string,
	action domain.TransferAction,
	note string,
	allowed authority,
	apply func(ctx context.Context, tx store.Tx, t *domain.TransferRequest, ref ledger.Ref) error,
) (domain.TransferRequest, error) {
	actor, source, dest, err := s.authorize(ctx, transferID, allowed)
	if err != nil {
		return domain.TransferRequest{}, err
	}

	var (
		result domain.TransferRequest
		replay bool
	)
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		replay = false
		t, err := tx.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if action == domain.ActionShip && t.Status == domain.TransferShipped {
			result, replay = *t, true
			return nil
		}
		if _, err := t.Status.Next(action); err != nil {
			return err
		}

		if apply != nil {
			ref := ledger.Ref{TransferID: t.ID, Actor: actor.Username, Note: t.TransferNumber}
			if err := apply(ctx, tx, t, ref); err != nil {
				return err
			}
		}
		if err := t.Advance(action, actor.Username, s.now(), note); err != nil {
			return err
		}
		if err := tx.UpdateTransfer(ctx, *t); err != nil {
			return err
		}
		t.Version++
		result = *t
		return nil
	})
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if replay {
		return result, nil
	}

	owner := source
	if action == domain.ActionApprove || action == domain.ActionReject {
		owner = dest
	}
	s.logAudit(ctx, owner, "transfer_"+string(action), "transfer", result.ID,
		fmt.Sprintf("number=%s status=%s", result.TransferNumber, result.Status))
	s.publish(ctx, transferEvents[action], result)
	return result, nil
}

func (s *Service) releaseLines(ctx context.Context, tx store.Tx, t *domain.TransferRequest, ref ledger.Ref) error {
	for _, line := range t.Lines {
		if _, err := s.ledger.Release(ctx, tx, line.RecordID, line.Quantity, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) shipLines(ctx context.Context, tx store.Tx, t *domain.TransferRequest, ref ledger.Ref) error {
	for _, line := range t.Lines {
		if _, err := s.ledger.Decrement(ctx, tx, line.RecordID, line.Quantity, line.Quantity, domain.MovementTransferOut, ref); err != nil {
			return err
		}
	}
	return nil
}

// mergeLines folds repeated record IDs into one line, keeping first-seen order.
func mergeLines(in []domain.TransferLineInput) []domain.TransferLineInput {
	index := make(map[string]int, len(in))
	out := make([]domain.TransferLineInput, 0, len(in))
	for _, line := range in {
		if i, ok := index[line.RecordID]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.RecordID] = len(out)
		out = append(out, line)
	}
	return out
}
