package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/tax"
	"merchantstock/backend/internal/xid"
)

const (
	WarnMissingLegalCompany = "missing_company_info"
	WarnWholesaleFallback   = "wholesale_fallback"
)

const (
	interCompanySeries = "ICS"
	internalSeries     = "ITR"
	maxNumberAttempts  = 5
)

var ErrNumberExhausted = errors.New("could not allocate a free invoice number")

// Warning is a data-quality problem found while building an invoice. It never
// blocks the invoice.
type Warning struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ResolveTransferType compares the legal companies of both merchants. When
// either side has no legal company the transfer is treated as inter-company,
// which keeps VAT on the safe side.
func ResolveTransferType(source, dest domain.Merchant) (tax.TransferType, []Warning) {
	src := strings.TrimSpace(source.LegalCompanyID)
	dst := strings.TrimSpace(dest.LegalCompanyID)

	var warnings []Warning
	if src == "" {
		warnings = append(warnings, Warning{Code: WarnMissingLegalCompany, Detail: "merchant " + source.ID + " has no legal company"})
	}
	if dst == "" {
		warnings = append(warnings, Warning{Code: WarnMissingLegalCompany, Detail: "merchant " + dest.ID + " has no legal company"})
	}
	if len(warnings) > 0 {
		return tax.InterCompany, warnings
	}
	if src == dst {
		return tax.Internal, nil
	}
	return tax.InterCompany, nil
}

type Generator struct {
	now func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{now: func() time.Time { return time.Now().UTC() }}
}

// Draft prices every transfer line for the resolved transfer type. The result
// has no number and is not persisted.
func (g *Generator) Draft(t domain.TransferRequest, source, dest domain.Merchant) (domain.Invoice, []Warning, error) {
	transferType, warnings := ResolveTransferType(source, dest)

	inv := domain.Invoice{
		ID:             xid.New("ivc"),
		TransferID:     t.ID,
		TransferNumber: t.TransferNumber,
		TransferType:   transferType,
		Seller:         party(source),
		Buyer:          party(dest),
		Lines:          make([]domain.InvoiceLine, 0, len(t.Lines)),
		Subtotal:       decimal.Zero,
		VATAmount:      decimal.Zero,
		IssuedAt:       g.now(),
	}
	if transferType == tax.InterCompany {
		inv.Kind = domain.InvoiceInterCompanySale
		inv.PaymentStatus = domain.PaymentPending
	} else {
		inv.Kind = domain.InvoiceInternalTransfer
		inv.PaymentStatus = domain.PaymentNotApplicable
	}

	for _, line := range t.Lines {
		priced, err := tax.ComputeLine(line.TaxClassification, transferType, line.UnitCost, line.UnitWholesale, line.Quantity)
		if err != nil {
			return domain.Invoice{}, nil, fmt.Errorf("price line %s: %w", line.RecordID, err)
		}
		if priced.WholesaleFallback {
			warnings = append(warnings, Warning{
				Code:   WarnWholesaleFallback,
				Detail: fmt.Sprintf("record %s has no wholesale price; used cost × %s", line.RecordID, tax.DefaultMarkup),
			})
		}
		inv.Lines = append(inv.Lines, domain.InvoiceLine{
			RecordID:          line.RecordID,
			Product:           line.Product,
			TaxClassification: line.TaxClassification,
			Quantity:          line.Quantity,
			UnitPrice:         priced.UnitPrice,
			NetAmount:         priced.NetAmount,
			VATRate:           priced.VATRate,
			VATAmount:         priced.VATAmount,
			AcquisitionCost:   line.AcquisitionCost,
			WholesaleFallback: priced.WholesaleFallback,
		})
		inv.Subtotal = inv.Subtotal.Add(priced.NetAmount)
		inv.VATAmount = inv.VATAmount.Add(priced.VATAmount)
	}
	inv.Total = inv.Subtotal.Add(inv.VATAmount)
	return inv, warnings, nil
}

// Issue allocates the next free number in the invoice's series and stores it.
func (g *Generator) Issue(ctx context.Context, tx store.Tx, inv domain.Invoice) (domain.Invoice, error) {
	series := internalSeries
	if inv.Kind == domain.InvoiceInterCompanySale {
		series = interCompanySeries
	}

	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		n, err := tx.NextSequence(ctx, series)
		if err != nil {
			return domain.Invoice{}, err
		}
		number := FormatNumber(series, n)
		taken, err := tx.InvoiceNumberTaken(ctx, number)
		if err != nil {
			return domain.Invoice{}, err
		}
		if taken {
			continue
		}
		inv.Number = number
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return domain.Invoice{}, err
		}
		return inv, nil
	}
	return domain.Invoice{}, fmt.Errorf("%w in series %s", ErrNumberExhausted, series)
}

func FormatNumber(series string, n int64) string {
	return fmt.Sprintf("%s-%06d", series, n)
}

func party(m domain.Merchant) domain.LegalParty {
	return domain.LegalParty{
		MerchantID:     m.ID,
		MerchantName:   m.Name,
		LegalCompanyID: m.LegalCompanyID,
		LegalName:      m.LegalName,
		VATNumber:      m.VATNumber,
		Address:        m.Address,
	}
}
