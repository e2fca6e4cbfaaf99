package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

const testSecret = "test-secret-key-with-enough-length-0123"

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {Username: "admin", Password: "admin123", Role: domain.RoleAdmin, Active: true, CreatedAt: time.Now().UTC()},
		},
	}

	manager := NewAuthManager(context.Background(), testSecret, time.Hour, users)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	stored, _ := users.ListUsers(context.Background())
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if !strings.HasPrefix(stored[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored[0].Password)
	}
}

func TestTokenCarriesMerchant(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"grafton": {Username: "grafton", Password: "staff123", Role: domain.RoleStaff, MerchantID: "m-001", Active: true},
		},
	}
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, users)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Grafton ", Password: "staff123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.MerchantID != "m-001" {
		t.Fatalf("expected merchant in login response, got %q", resp.MerchantID)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "grafton" || actor.Role != domain.RoleStaff || actor.MerchantID != "m-001" {
		t.Fatalf("unexpected actor: %+v", actor)
	}

	other := NewAuthManager(context.Background(), "another-secret-key-with-enough-length", time.Hour, users)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"old": {Username: "old", Password: "staff123", Role: domain.RoleStaff, MerchantID: "m-001", Active: false},
		},
	}
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, users)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "old", Password: "staff123"}); err == nil {
		t.Fatalf("expected inactive account to be refused")
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	users := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, users)

	created, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username:   "Dundrum.Two",
		Password:   "pass12345",
		Role:       domain.RoleStaff,
		MerchantID: "m-002",
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if created.Username != "dundrum.two" {
		t.Fatalf("expected lower-cased username, got %s", created.Username)
	}

	stored := users.users["dundrum.two"]
	if stored.Password == "pass12345" || !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %s", stored.Password)
	}
	if stored.MerchantID != "m-002" {
		t.Fatalf("expected merchant to be stored, got %q", stored.MerchantID)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "dundrum.two", Password: "pass12345"}); err != nil {
		t.Fatalf("login with new user failed: %v", err)
	}

	_, err = manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "dundrum.two", Password: "pass12345", Role: domain.RoleStaff, MerchantID: "m-002",
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestListUsersFiltersByMerchant(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"a": {Username: "a", Password: "x", Role: domain.RoleStaff, MerchantID: "m-001", Active: true},
			"b": {Username: "b", Password: "x", Role: domain.RoleStaff, MerchantID: "m-010", Active: true},
		},
	}
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, users)

	got := manager.ListUsers(context.Background(), func(merchantID string) bool { return merchantID == "m-001" })
	if len(got) != 1 || got[0].Username != "a" {
		t.Fatalf("unexpected users: %+v", got)
	}
}
