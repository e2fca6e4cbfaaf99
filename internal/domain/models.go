package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"merchantstock/backend/internal/tax"
)

const (
	RoleStaff      = "staff"
	RoleGroupAdmin = "group_admin"
	RoleAdmin      = "admin"
	RoleSystem     = "system"
)

// PermissionGroupVisibility lets a merchant's users read data of every
// merchant in the same store group.
const PermissionGroupVisibility = "group_visibility"

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	MerchantID  string `json:"merchant_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username   string
	Role       string
	MerchantID string
}

type UserAccount struct {
	Username   string
	Password   string
	Role       string
	MerchantID string
	Active     bool
	CreatedAt  time.Time
}

type Merchant struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	StoreGroupID   string   `json:"store_group_id"`
	LegalCompanyID string   `json:"legal_company_id"`
	LegalName      string   `json:"legal_name"`
	VATNumber      string   `json:"vat_number"`
	Address        string   `json:"address"`
	Permissions    []string `json:"permissions"`
}

func (m Merchant) HasPermission(p string) bool {
	return slices.Contains(m.Permissions, p)
}

func (m Merchant) Clone() Merchant {
	m.Permissions = slices.Clone(m.Permissions)
	return m
}

type ProductIdentity struct {
	Name      string `json:"name" validate:"required"`
	Brand     string `json:"brand"`
	Model     string `json:"model"`
	Color     string `json:"color"`
	Condition string `json:"condition"`
}

// Key is the case and whitespace insensitive form used to match the same
// product across merchants.
func (p ProductIdentity) Key() string {
	parts := []string{p.Name, p.Brand, p.Model, p.Color, p.Condition}
	for i, part := range parts {
		parts[i] = strings.ToLower(strings.Join(strings.Fields(part), " "))
	}
	return strings.Join(parts, "|")
}

type RecordStatus string

const (
	RecordActive      RecordStatus = "active"
	RecordReserved    RecordStatus = "reserved"
	RecordTransferred RecordStatus = "transferred"
	RecordSold        RecordStatus = "sold"
	RecordDamaged     RecordStatus = "damaged"
)

type InventoryRecord struct {
	ID                string             `json:"id"`
	MerchantID        string             `json:"merchant_id"`
	StoreGroupID      string             `json:"store_group_id"`
	Product           ProductIdentity    `json:"product"`
	Quantity          int                `json:"quantity"`
	Reserved          int                `json:"reserved"`
	CostPrice         decimal.Decimal    `json:"cost_price"`
	WholesalePrice    decimal.Decimal    `json:"wholesale_price"`
	RetailPrice       decimal.Decimal    `json:"retail_price"`
	AcquisitionCost   decimal.Decimal    `json:"acquisition_cost"`
	TaxClassification tax.Classification `json:"tax_classification"`
	Barcode           string             `json:"barcode,omitempty"`
	SerialNumber      string             `json:"serial_number,omitempty"`
	Status            RecordStatus       `json:"status"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

func (r InventoryRecord) Available() int {
	return r.Quantity - r.Reserved
}

func (r InventoryRecord) Serialized() bool {
	return r.SerialNumber != ""
}

type MovementReason string

const (
	MovementReceipt     MovementReason = "receipt"
	MovementReserve     MovementReason = "transfer_reserve"
	MovementRelease     MovementReason = "transfer_release"
	MovementTransferOut MovementReason = "transfer_out"
	MovementTransferIn  MovementReason = "transfer_in"
	MovementSale        MovementReason = "sale"
	MovementDamage      MovementReason = "damage"
)

type InventoryMovement struct {
	ID            string          `json:"id"`
	RecordID      string          `json:"record_id"`
	MerchantID    string          `json:"merchant_id"`
	StoreGroupID  string          `json:"store_group_id"`
	Reason        MovementReason  `json:"reason"`
	QuantityDelta int             `json:"quantity_delta"`
	ReservedDelta int             `json:"reserved_delta"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	TransferID    string          `json:"transfer_id,omitempty"`
	ActorUsername string          `json:"actor_username"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	MerchantID    string    `json:"merchant_id"`
	StoreGroupID  string    `json:"store_group_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type ReceiveStockRequest struct {
	MerchantID        string          `json:"merchant_id" validate:"required"`
	Product           ProductIdentity `json:"product"`
	Quantity          int             `json:"quantity" validate:"gte=1,lte=1000000"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	WholesalePrice    decimal.Decimal `json:"wholesale_price"`
	RetailPrice       decimal.Decimal `json:"retail_price"`
	AcquisitionCost   decimal.Decimal `json:"acquisition_cost"`
	TaxClassification string          `json:"tax_classification" validate:"required"`
	Barcode           string          `json:"barcode"`
	SerialNumber      string          `json:"serial_number"`
	Note              string          `json:"note"`
}

type SaleRequest struct {
	RecordID  string          `json:"record_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gte=1,lte=1000000"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SaleResponse struct {
	RecordID          string             `json:"record_id"`
	Quantity          int                `json:"quantity"`
	TaxClassification tax.Classification `json:"tax_classification"`
	GrossAmount       decimal.Decimal    `json:"gross_amount"`
	VATAmount         decimal.Decimal    `json:"vat_amount"`
	NetAmount         decimal.Decimal    `json:"net_amount"`
	Record            InventoryRecord    `json:"record"`
}

type DamageRequest struct {
	RecordID string `json:"record_id" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
}

type UserCreateRequest struct {
	Username   string `json:"username" validate:"required,min=4"`
	Password   string `json:"password" validate:"required,min=8"`
	Role       string `json:"role" validate:"required,oneof=staff group_admin"`
	MerchantID string `json:"merchant_id" validate:"required"`
}

type UserView struct {
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	MerchantID string    `json:"merchant_id,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}
