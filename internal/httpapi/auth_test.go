package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirkantin/backend/internal/domain"
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

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	created, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "KasirBaru",
		Password: "pass1234",
		Role:     "kasir",
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if created.Username != "kasirbaru" || created.Role != domain.RoleKasir {
		t.Fatalf("unexpected user %+v", created)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "kasirbaru" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected user to be saved")
	}
	if found.Password == "pass1234" {
		t.Fatalf("expected password to be hashed")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	_, err = manager.Login(context.Background(), domain.LoginRequest{
		Username: "kasirbaru",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("login with hashed password failed: %v", err)
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", store)

	if string(manager.pinHash) == "654321" || !isPasswordHash(string(manager.pinHash)) {
		t.Fatalf("expected manager pin to be stored as bcrypt hash")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestTokenCarriesRole(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", store)
	if _, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{Username: "meja12", Password: "meja1234", Role: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "meja12", Password: "meja1234"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "meja12" || actor.Role != domain.RoleUser {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("another-secret", time.Hour, "654321", store)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
}

func TestEmptyManagerPINDisablesPINActions(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "   ", nil)
	if manager.ValidateManagerPIN("") || manager.ValidateManagerPIN("123456") {
		t.Fatalf("expected every pin to fail when no manager pin is configured")
	}
}

func TestParseTokenRejectsForeignIssuerAndUnknownRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", nil)
	expires := jwtlib.NewNumericDate(time.Now().Add(time.Hour))

	forge := func(issuer string, role string) string {
		token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, accessClaims{
			RegisteredClaims: jwtlib.RegisteredClaims{Subject: "kasir", Issuer: issuer, ExpiresAt: expires},
			Role:             role,
		})
		signed, err := token.SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}

	if _, err := manager.ParseToken(forge(tokenIssuer, domain.RoleKasir)); err != nil {
		t.Fatalf("expected well-formed token to parse, got %v", err)
	}
	if _, err := manager.ParseToken(forge("kasirinaja", domain.RoleKasir)); err == nil {
		t.Fatalf("expected token from another issuer to fail")
	}
	if _, err := manager.ParseToken(forge(tokenIssuer, "owner")); err == nil {
		t.Fatalf("expected token with unknown role to fail")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	hashed, err := hashPassword("kasir123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"kasir2": {Username: "kasir2", Password: hashed, Role: domain.RoleKasir, Active: false},
	}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "kasir2", Password: "kasir123"}); err != errInactiveAccount {
		t.Fatalf("expected inactive account error, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "kasir2", Password: "wrong"}); err != errInvalidCredentials {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}
