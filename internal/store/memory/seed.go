package memory

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/tax"
)

// NewSeeded returns a store with demo merchants, stock and users. Two legal
// companies share the "grp-leinster" store group; "grp-munster" is separate.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, m := range seedMerchants() {
		s.merchants[m.ID] = m
	}
	for _, rec := range seedRecords(now) {
		s.records[rec.ID] = rec
		s.recordOrder = append(s.recordOrder, rec.ID)
	}
	s.usersByUsername = seedUsers(now)
	return s
}

func seedMerchants() []domain.Merchant {
	return []domain.Merchant{
		{
			ID: "m-001", Name: "Grafton Street", StoreGroupID: "grp-leinster",
			LegalCompanyID: "co-handheld", LegalName: "Handheld Retail Ltd", VATNumber: "IE6388047V",
			Address: "14 Grafton Street, Dublin 2",
		},
		{
			ID: "m-002", Name: "Dundrum", StoreGroupID: "grp-leinster",
			LegalCompanyID: "co-handheld", LegalName: "Handheld Retail Ltd", VATNumber: "IE6388047V",
			Address: "Dundrum Town Centre, Dublin 16",
		},
		{
			ID: "m-003", Name: "Swords Pavilions", StoreGroupID: "grp-leinster",
			LegalCompanyID: "co-northside", LegalName: "Northside Mobile Ltd", VATNumber: "IE3255081SH",
			Address: "Swords Pavilions, Co. Dublin",
			Permissions: []string{domain.PermissionGroupVisibility},
		},
		{
			ID: "m-010", Name: "Patrick Street", StoreGroupID: "grp-munster",
			LegalCompanyID: "co-rebel", LegalName: "Rebel Phones Ltd", VATNumber: "IE9700053D",
			Address: "88 Patrick Street, Cork",
		},
	}
}

func seedRecords(now time.Time) []domain.InventoryRecord {
	d := decimal.RequireFromString
	rec := func(id, merchantID, group string, p domain.ProductIdentity, qty int, cost, wholesale, retail, acq string, class tax.Classification, serial string) domain.InventoryRecord {
		return domain.InventoryRecord{
			ID: id, MerchantID: merchantID, StoreGroupID: group, Product: p, Quantity: qty,
			CostPrice: d(cost), WholesalePrice: d(wholesale), RetailPrice: d(retail), AcquisitionCost: d(acq),
			TaxClassification: class, SerialNumber: serial, Status: domain.RecordActive, Version: 1,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	return []domain.InventoryRecord{
		rec("inv-seed-001", "m-001", "grp-leinster",
			domain.ProductIdentity{Name: "iPhone 13", Brand: "Apple", Model: "A2633", Color: "Midnight", Condition: "new"},
			10, "520.00", "610.00", "799.00", "520.00", tax.StandardVAT, ""),
		rec("inv-seed-002", "m-001", "grp-leinster",
			domain.ProductIdentity{Name: "Galaxy A54", Brand: "Samsung", Model: "SM-A546B", Color: "Graphite", Condition: "used"},
			4, "180.00", "230.00", "299.00", "150.00", tax.MarginVAT, ""),
		rec("inv-seed-003", "m-001", "grp-leinster",
			domain.ProductIdentity{Name: "Screen Repair Voucher", Brand: "House", Model: "SRV-STD"},
			25, "30.00", "0", "69.00", "30.00", tax.ServiceVAT, ""),
		rec("inv-seed-004", "m-002", "grp-leinster",
			domain.ProductIdentity{Name: "Pixel 7", Brand: "Google", Model: "GVU6C", Color: "Snow", Condition: "refurbished"},
			1, "240.00", "290.00", "379.00", "210.00", tax.MarginVAT, "PX7-35581220"),
		rec("inv-seed-010", "m-010", "grp-munster",
			domain.ProductIdentity{Name: "iPhone 13", Brand: "Apple", Model: "A2633", Color: "Midnight", Condition: "new"},
			6, "520.00", "610.00", "799.00", "520.00", tax.StandardVAT, ""),
	}
}

// seedUsers builds the demo accounts. Passwords come from SEED_ADMIN_PASSWORD
// and SEED_STAFF_PASSWORD; dev defaults are used with a warning when unset.
func seedUsers(now time.Time) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		zap.L().Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username   string
		password   string
		role       string
		merchantID string
	}{
		{"admin", adminPwd, domain.RoleAdmin, ""},
		{"leinster.admin", adminPwd, domain.RoleGroupAdmin, "m-001"},
		{"grafton", staffPwd, domain.RoleStaff, "m-001"},
		{"dundrum", staffPwd, domain.RoleStaff, "m-002"},
		{"swords", staffPwd, domain.RoleStaff, "m-003"},
		{"cork", staffPwd, domain.RoleStaff, "m-010"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:   u.username,
			Password:   string(hash),
			Role:       u.role,
			MerchantID: u.merchantID,
			Active:     true,
			CreatedAt:  now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
