package scope

import "merchantstock/backend/internal/domain"

type Level int

const (
	LevelMerchant Level = iota
	LevelGroup
	LevelAll
)

func (l Level) String() string {
	switch l {
	case LevelGroup:
		return "group"
	case LevelAll:
		return "all"
	default:
		return "merchant"
	}
}

// Scope is the set of merchants whose data a caller may read, plus whether the
// caller may act on behalf of other merchants in the group.
type Scope struct {
	Level          Level
	MerchantID     string
	StoreGroupID   string
	GroupAuthority bool
}

func All() Scope {
	return Scope{Level: LevelAll, GroupAuthority: true}
}

// ForActor derives the scope from the actor's role and the permissions of the
// merchant the actor belongs to. A nil merchant restricts to the actor's own
// merchant ID.
func ForActor(actor domain.Actor, merchant *domain.Merchant) Scope {
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleSystem:
		return All()
	}

	sc := Scope{Level: LevelMerchant, MerchantID: actor.MerchantID}
	if merchant == nil || merchant.StoreGroupID == "" {
		return sc
	}
	sc.StoreGroupID = merchant.StoreGroupID
	if actor.Role == domain.RoleGroupAdmin {
		sc.Level = LevelGroup
		sc.GroupAuthority = true
		return sc
	}
	if merchant.HasPermission(domain.PermissionGroupVisibility) {
		sc.Level = LevelGroup
	}
	return sc
}

// Allows reports whether data owned by merchantID in storeGroupID is visible.
func (s Scope) Allows(merchantID, storeGroupID string) bool {
	switch s.Level {
	case LevelAll:
		return true
	case LevelGroup:
		return storeGroupID != "" && storeGroupID == s.StoreGroupID
	default:
		return merchantID != "" && merchantID == s.MerchantID
	}
}

func (s Scope) AllowsRecord(r domain.InventoryRecord) bool {
	return s.Allows(r.MerchantID, r.StoreGroupID)
}

// AllowsTransfer grants visibility when either side of the transfer is visible.
func (s Scope) AllowsTransfer(t domain.TransferRequest) bool {
	return s.Allows(t.SourceMerchantID, t.StoreGroupID) || s.Allows(t.DestMerchantID, t.StoreGroupID)
}

// CanActFor reports whether the caller may perform writes on behalf of m.
// Group visibility alone grants reads, not writes.
func (s Scope) CanActFor(m domain.Merchant) bool {
	switch {
	case s.Level == LevelAll:
		return true
	case m.ID != "" && m.ID == s.MerchantID:
		return true
	case s.GroupAuthority && m.StoreGroupID != "" && m.StoreGroupID == s.StoreGroupID:
		return true
	default:
		return false
	}
}
