package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTransferStatusTable(t *testing.T) {
	allowed := []struct {
		from   TransferStatus
		action TransferAction
		to     TransferStatus
	}{
		{TransferPending, ActionApprove, TransferApproved},
		{TransferPending, ActionReject, TransferRejected},
		{TransferApproved, ActionShip, TransferShipped},
		{TransferApproved, ActionCancel, TransferCancelled},
		{TransferShipped, ActionComplete, TransferCompleted},
	}
	for _, tc := range allowed {
		got, err := tc.from.Next(tc.action)
		if err != nil {
			t.Fatalf("%s --%s--> expected %s, got error %v", tc.from, tc.action, tc.to, err)
		}
		if got != tc.to {
			t.Fatalf("%s --%s--> expected %s, got %s", tc.from, tc.action, tc.to, got)
		}
	}

	denied := []struct {
		from   TransferStatus
		action TransferAction
	}{
		{TransferPending, ActionShip},
		{TransferPending, ActionComplete},
		{TransferPending, ActionCancel},
		{TransferApproved, ActionApprove},
		{TransferApproved, ActionComplete},
		{TransferShipped, ActionCancel},
		{TransferShipped, ActionShip},
		{TransferCompleted, ActionComplete},
		{TransferRejected, ActionApprove},
		{TransferCancelled, ActionShip},
	}
	for _, tc := range denied {
		if _, err := tc.from.Next(tc.action); !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("%s --%s--> expected ErrInvalidStateTransition, got %v", tc.from, tc.action, err)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []TransferStatus{TransferRejected, TransferCompleted, TransferCancelled} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []TransferStatus{TransferPending, TransferApproved, TransferShipped} {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestAdvanceStampsAuditTrail(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := TransferRequest{Status: TransferPending}

	if err := tr.Advance(ActionReject, "dest.manager", at, "wrong colour"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if tr.Status != TransferRejected {
		t.Fatalf("expected rejected, got %s", tr.Status)
	}
	if tr.Audit.RejectedBy != "dest.manager" || tr.Audit.RejectionReason != "wrong colour" {
		t.Fatalf("unexpected audit trail: %+v", tr.Audit)
	}
	if tr.Audit.RejectedAt == nil || !tr.Audit.RejectedAt.Equal(at) {
		t.Fatalf("expected rejected_at to be stamped")
	}

	if err := tr.Advance(ActionApprove, "dest.manager", at, ""); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected approve after reject to fail, got %v", err)
	}
	if tr.Status != TransferRejected {
		t.Fatalf("failed advance must not change status")
	}
}

func TestProductIdentityKeyNormalizes(t *testing.T) {
	a := ProductIdentity{Name: "iPhone  13", Brand: "Apple", Model: "A2633", Color: "Blue", Condition: "Used"}
	b := ProductIdentity{Name: " iphone 13", Brand: "APPLE ", Model: "a2633", Color: "blue", Condition: "used"}
	if a.Key() != b.Key() {
		t.Fatalf("expected identical keys, got %q and %q", a.Key(), b.Key())
	}
	c := b
	c.Color = "red"
	if a.Key() == c.Key() {
		t.Fatalf("expected different colours to produce different keys")
	}
}
