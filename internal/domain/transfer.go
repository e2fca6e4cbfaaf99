package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/tax"
)

var ErrInvalidStateTransition = errors.New("invalid state transition")

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferApproved  TransferStatus = "approved"
	TransferRejected  TransferStatus = "rejected"
	TransferShipped   TransferStatus = "shipped"
	TransferCompleted TransferStatus = "completed"
	TransferCancelled TransferStatus = "cancelled"
)

type TransferAction string

const (
	ActionApprove  TransferAction = "approve"
	ActionReject   TransferAction = "reject"
	ActionShip     TransferAction = "ship"
	ActionComplete TransferAction = "complete"
	ActionCancel   TransferAction = "cancel"
)

var transferTransitions = map[TransferStatus]map[TransferAction]TransferStatus{
	TransferPending: {
		ActionApprove: TransferApproved,
		ActionReject:  TransferRejected,
	},
	TransferApproved: {
		ActionShip:   TransferShipped,
		ActionCancel: TransferCancelled,
	},
	TransferShipped: {
		ActionComplete: TransferCompleted,
	},
}

// Next returns the status reached by applying action, or
// ErrInvalidStateTransition when the move is not in the table.
func (s TransferStatus) Next(action TransferAction) (TransferStatus, error) {
	next, ok := transferTransitions[s][action]
	if !ok {
		return s, fmt.Errorf("%w: cannot %s a %s transfer", ErrInvalidStateTransition, action, s)
	}
	return next, nil
}

func (s TransferStatus) Terminal() bool {
	return len(transferTransitions[s]) == 0
}

// HoldsReservation reports whether source stock is still reserved but not yet
// deducted while the transfer sits in this status.
func (s TransferStatus) HoldsReservation() bool {
	return s == TransferPending || s == TransferApproved
}

func ParseTransferStatus(raw string) (TransferStatus, error) {
	s := TransferStatus(raw)
	switch s {
	case TransferPending, TransferApproved, TransferRejected, TransferShipped, TransferCompleted, TransferCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown transfer status %q", raw)
	}
}

type TransferLineInput struct {
	RecordID string `json:"record_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=1,lte=1000000"`
}

type CreateTransferRequest struct {
	SourceMerchantID string              `json:"source_merchant_id" validate:"required"`
	DestMerchantID   string              `json:"dest_merchant_id" validate:"required,nefield=SourceMerchantID"`
	Lines            []TransferLineInput `json:"lines" validate:"required,min=1,dive"`
	Notes            string              `json:"notes"`
}

type TransferActionRequest struct {
	Notes string `json:"notes"`
}

// TransferLine captures the source record's product data and price tiers at
// request time.
type TransferLine struct {
	RecordID          string             `json:"record_id"`
	Product           ProductIdentity    `json:"product"`
	TaxClassification tax.Classification `json:"tax_classification"`
	Barcode           string             `json:"barcode,omitempty"`
	SerialNumber      string             `json:"serial_number,omitempty"`
	Quantity          int                `json:"quantity"`
	UnitCost          decimal.Decimal    `json:"unit_cost"`
	UnitWholesale     decimal.Decimal    `json:"unit_wholesale"`
	UnitRetail        decimal.Decimal    `json:"unit_retail"`
	AcquisitionCost   decimal.Decimal    `json:"acquisition_cost"`
	UnitPrice         decimal.Decimal    `json:"unit_price"`
	DestRecordID      string             `json:"dest_record_id,omitempty"`
}

type TransferAudit struct {
	RequestedBy        string     `json:"requested_by"`
	RequestedAt        time.Time  `json:"requested_at"`
	ApprovedBy         string     `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
	ApprovalNotes      string     `json:"approval_notes,omitempty"`
	RejectedBy         string     `json:"rejected_by,omitempty"`
	RejectedAt         *time.Time `json:"rejected_at,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	ShippedBy          string     `json:"shipped_by,omitempty"`
	ShippedAt          *time.Time `json:"shipped_at,omitempty"`
	CompletedBy        string     `json:"completed_by,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

type TransferRequest struct {
	ID               string           `json:"id"`
	TransferNumber   string           `json:"transfer_number"`
	SourceMerchantID string           `json:"source_merchant_id"`
	DestMerchantID   string           `json:"dest_merchant_id"`
	StoreGroupID     string           `json:"store_group_id"`
	TransferType     tax.TransferType `json:"transfer_type"`
	Lines            []TransferLine   `json:"lines"`
	Amount           decimal.Decimal  `json:"amount"`
	Status           TransferStatus   `json:"status"`
	Notes            string           `json:"notes,omitempty"`
	Audit            TransferAudit    `json:"audit"`
	InvoiceID        string           `json:"invoice_id,omitempty"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (t TransferRequest) Clone() TransferRequest {
	t.Lines = slices.Clone(t.Lines)
	return t
}

// Advance moves the transfer through the state machine and stamps the audit
// trail entry for the action.
func (t *TransferRequest) Advance(action TransferAction, actor string, at time.Time, note string) error {
	next, err := t.Status.Next(action)
	if err != nil {
		return err
	}
	stamp := at
	switch action {
	case ActionApprove:
		t.Audit.ApprovedBy, t.Audit.ApprovedAt, t.Audit.ApprovalNotes = actor, &stamp, note
	case ActionReject:
		t.Audit.RejectedBy, t.Audit.RejectedAt, t.Audit.RejectionReason = actor, &stamp, note
	case ActionShip:
		t.Audit.ShippedBy, t.Audit.ShippedAt = actor, &stamp
	case ActionComplete:
		t.Audit.CompletedBy, t.Audit.CompletedAt = actor, &stamp
	case ActionCancel:
		t.Audit.CancelledBy, t.Audit.CancelledAt, t.Audit.CancellationReason = actor, &stamp, note
	}
	t.Status = next
	t.UpdatedAt = at
	return nil
}

// Involves reports whether merchantID is either side of the transfer.
func (t TransferRequest) Involves(merchantID string) bool {
	return t.SourceMerchantID == merchantID || t.DestMerchantID == merchantID
}

type CompleteTransferResponse struct {
	Transfer TransferRequest `json:"transfer"`
	Invoice  Invoice         `json:"invoice"`
}

type InvoiceKind string

const (
	InvoiceInternalTransfer InvoiceKind = "internal_transfer"
	InvoiceInterCompanySale InvoiceKind = "inter_company_sale"
)

type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "pending"
	PaymentNotApplicable PaymentStatus = "not_applicable"
)

type LegalParty struct {
	MerchantID     string `json:"merchant_id"`
	MerchantName   string `json:"merchant_name"`
	LegalCompanyID string `json:"legal_company_id"`
	LegalName      string `json:"legal_name"`
	VATNumber      string `json:"vat_number"`
	Address        string `json:"address,omitempty"`
}

type InvoiceLine struct {
	RecordID          string             `json:"record_id"`
	Product           ProductIdentity    `json:"product"`
	TaxClassification tax.Classification `json:"tax_classification"`
	Quantity          int                `json:"quantity"`
	UnitPrice         decimal.Decimal    `json:"unit_price"`
	NetAmount         decimal.Decimal    `json:"net_amount"`
	VATRate           decimal.Decimal    `json:"vat_rate"`
	VATAmount         decimal.Decimal    `json:"vat_amount"`
	AcquisitionCost   decimal.Decimal    `json:"acquisition_cost"`
	WholesaleFallback bool               `json:"wholesale_fallback,omitempty"`
}

// Invoice is either a VAT invoice between two legal companies or an internal
// transfer record between merchants of the same company.
type Invoice struct {
	ID             string           `json:"id"`
	Kind           InvoiceKind      `json:"kind"`
	Number         string           `json:"number"`
	TransferID     string           `json:"transfer_id"`
	TransferNumber string           `json:"transfer_number"`
	TransferType   tax.TransferType `json:"transfer_type"`
	Seller         LegalParty       `json:"seller"`
	Buyer          LegalParty       `json:"buyer"`
	Lines          []InvoiceLine    `json:"lines"`
	Subtotal       decimal.Decimal  `json:"subtotal"`
	VATAmount      decimal.Decimal  `json:"vat_amount"`
	Total          decimal.Decimal  `json:"total"`
	PaymentStatus  PaymentStatus    `json:"payment_status"`
	IssuedAt       time.Time        `json:"issued_at"`
}

func (i Invoice) Clone() Invoice {
	i.Lines = slices.Clone(i.Lines)
	return i
}
