package tax

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

type Classification string

const (
	StandardVAT Classification = "STANDARD_VAT"
	ServiceVAT  Classification = "SERVICE_VAT"
	MarginVAT   Classification = "MARGIN_VAT"
)

type TransferType string

const (
	Internal     TransferType = "INTERNAL"
	InterCompany TransferType = "INTER_COMPANY"
)

var (
	StandardRate = decimal.RequireFromString("0.23")
	ServiceRate  = decimal.RequireFromString("0.135")

	// DefaultMarkup applies to the cost price when a record has no wholesale price.
	DefaultMarkup = decimal.RequireFromString("1.10")

	ErrUnknownClassification = errors.New("unknown tax classification")
	ErrUnknownTransferType   = errors.New("unknown transfer type")
)

var hundred = decimal.NewFromInt(100)

// legacyClassifications maps every spelling seen in imported data, reduced to
// upper-case alphanumerics, onto the canonical enum.
var legacyClassifications = map[string]Classification{
	"STANDARDVAT":  StandardVAT,
	"STANDARD":     StandardVAT,
	"STD":          StandardVAT,
	"VAT23":        StandardVAT,
	"23":           StandardVAT,
	"SERVICEVAT":   ServiceVAT,
	"SERVICE":      ServiceVAT,
	"REPAIR":       ServiceVAT,
	"REDUCED":      ServiceVAT,
	"REDUCEDVAT":   ServiceVAT,
	"VAT135":       ServiceVAT,
	"135":          ServiceVAT,
	"MARGINVAT":    MarginVAT,
	"MARGIN":       MarginVAT,
	"MARGINSCHEME": MarginVAT,
	"VATMARGIN":    MarginVAT,
	"SECONDHAND":   MarginVAT,
	"USEDGOODS":    MarginVAT,
}

// ParseClassification accepts the canonical names and the legacy variants
// ("VAT 23%", "VAT_23", "VAT 13.5%", "margin scheme", ...).
func ParseClassification(raw string) (Classification, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if c, ok := legacyClassifications[b.String()]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClassification, raw)
}

func (c Classification) Valid() bool {
	switch c {
	case StandardVAT, ServiceVAT, MarginVAT:
		return true
	default:
		return false
	}
}

// Rate is the VAT rate charged on the unit price of an inter-company sale.
// Margin-scheme goods carry no VAT at that point.
func (c Classification) Rate() decimal.Decimal {
	switch c {
	case StandardVAT:
		return StandardRate
	case ServiceVAT:
		return ServiceRate
	default:
		return decimal.Zero
	}
}

func (t TransferType) Valid() bool {
	return t == Internal || t == InterCompany
}

type Result struct {
	UnitPrice decimal.Decimal
	VATRate   decimal.Decimal
	VATAmount decimal.Decimal
	// WholesaleFallback reports that the price was derived from cost × DefaultMarkup.
	WholesaleFallback bool
}

type Line struct {
	Result
	Quantity  int
	NetAmount decimal.Decimal
}

// ComputeTransaction selects the unit price tier and the VAT owed on one unit
// moving between merchants.
func ComputeTransaction(class Classification, transferType TransferType, unitCost, unitWholesale decimal.Decimal) (Result, error) {
	if !class.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownClassification, class)
	}

	switch transferType {
	case Internal:
		return Result{
			UnitPrice: unitCost.Round(2),
			VATRate:   decimal.Zero,
			VATAmount: decimal.Zero,
		}, nil
	case InterCompany:
		res := Result{UnitPrice: unitWholesale.Round(2), VATRate: class.Rate()}
		if !unitWholesale.IsPositive() {
			res.UnitPrice = unitCost.Mul(DefaultMarkup).Round(2)
			res.WholesaleFallback = true
		}
		res.VATAmount = res.UnitPrice.Mul(res.VATRate).Round(2)
		return res, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTransferType, transferType)
	}
}

// ComputeLine prices qty units. VAT is rounded once on the line net amount so
// that invoice totals do not drift from per-unit rounding.
func ComputeLine(class Classification, transferType TransferType, unitCost, unitWholesale decimal.Decimal, qty int) (Line, error) {
	if qty < 1 {
		return Line{}, fmt.Errorf("line quantity must be positive, got %d", qty)
	}
	res, err := ComputeTransaction(class, transferType, unitCost, unitWholesale)
	if err != nil {
		return Line{}, err
	}
	net := res.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	res.VATAmount = net.Mul(res.VATRate).Round(2)
	return Line{Result: res, Quantity: qty, NetAmount: net}, nil
}

// SaleVAT extracts the output VAT contained in a VAT-inclusive retail price.
// Margin-scheme goods only owe VAT on the markup over the acquisition cost.
func SaleVAT(class Classification, grossPrice, acquisitionCost decimal.Decimal) (decimal.Decimal, error) {
	switch class {
	case StandardVAT:
		return inclusiveVAT(grossPrice, StandardRate), nil
	case ServiceVAT:
		return inclusiveVAT(grossPrice, ServiceRate), nil
	case MarginVAT:
		margin := grossPrice.Sub(acquisitionCost)
		if !margin.IsPositive() {
			return decimal.Zero, nil
		}
		return inclusiveVAT(margin, StandardRate), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownClassification, class)
	}
}

// inclusiveVAT returns amount × r/(1+r), i.e. 23/123 for the standard rate.
func inclusiveVAT(amount, rate decimal.Decimal) decimal.Decimal {
	pct := rate.Mul(hundred)
	return amount.Mul(pct).Div(hundred.Add(pct)).Round(2)
}
