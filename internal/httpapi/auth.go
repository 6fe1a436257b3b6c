package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirkantin/backend/internal/domain"
)

const tokenIssuer = "kasirkantin"

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

// accountRoles are the roles a login token may carry. admin and kasir are
// staff; user is the self-service ordering account.
var accountRoles = map[string]bool{
	domain.RoleAdmin: true,
	domain.RoleKasir: true,
	domain.RoleUser:  true,
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager issues and checks access tokens for accounts held in a
// UserStore. Accounts are cached in memory and refreshed on login so an
// account created on another replica can sign in.
type AuthManager struct {
	mu       sync.RWMutex
	secret   []byte
	tokenTTL time.Duration
	pinHash  []byte
	store    UserStore
	accounts map[string]domain.UserAccount
}

type accessClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// NewAuthManager hashes managerPIN once; an empty PIN disables every
// PIN-gated action.
func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		store:    userStore,
		accounts: make(map[string]domain.UserAccount),
	}
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("[auth] WARN: manager pin disabled: %v", err)
		} else {
			manager.pinHash = hashed
		}
	}
	manager.refresh(context.Background())
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	a.refresh(loadCtx)
	cancel()

	account, ok := a.lookup(normalizeUsername(req.Username))
	if !ok || !accountRoles[account.Role] || !verifyPassword(account.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(account.Username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken accepts only HS256 tokens issued here that name a known role.
func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &accessClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(*jwtlib.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if !accountRoles[claims.Role] {
		return domain.Actor{}, fmt.Errorf("token role %q is not recognised", claims.Role)
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || a.pinHash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.pinHash, []byte(input)) == nil
}

// CreateUser registers an admin, kasir or self-service user account.
func (a *AuthManager) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserSummary, error) {
	a.refresh(ctx)

	account, err := newAccount(req)
	if err != nil {
		return domain.UserSummary{}, err
	}
	if _, exists := a.lookup(account.Username); exists {
		return domain.UserSummary{}, fmt.Errorf("username already exists")
	}

	if a.store != nil {
		if err := a.store.CreateUser(ctx, account); err != nil {
			return domain.UserSummary{}, err
		}
	}

	a.mu.Lock()
	a.accounts[account.Username] = account
	a.mu.Unlock()

	log.Printf("[auth] account %s created with role %s", account.Username, account.Role)
	return summaryOf(account), nil
}

func (a *AuthManager) ListUsers(ctx context.Context) []domain.UserSummary {
	a.refresh(ctx)

	a.mu.RLock()
	result := make([]domain.UserSummary, 0, len(a.accounts))
	for _, account := range a.accounts {
		result = append(result, summaryOf(account))
	}
	a.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

func (a *AuthManager) lookup(username string) (domain.UserAccount, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	account, ok := a.accounts[username]
	return account, ok
}

// refresh reloads accounts from the store. Plain-text passwords left by
// older seed data are re-hashed and written back.
func (a *AuthManager) refresh(ctx context.Context) {
	if a.store == nil {
		return
	}

	stored, err := a.store.ListUsers(ctx)
	if err != nil {
		log.Printf("[auth] WARN: reload accounts: %v", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, account := range stored {
		account.Username = normalizeUsername(account.Username)
		if account.Username == "" {
			continue
		}
		if !isPasswordHash(account.Password) {
			hashed, err := hashPassword(account.Password)
			if err != nil {
				continue
			}
			account.Password = hashed
			if err := a.store.UpdateUserPassword(ctx, account.Username, hashed); err != nil {
				log.Printf("[auth] WARN: upgrade password hash for %s: %v", account.Username, err)
			}
		}
		a.accounts[account.Username] = account
	}
}

func newAccount(req domain.UserCreateRequest) (domain.UserAccount, error) {
	username := normalizeUsername(req.Username)
	switch {
	case len(username) < 4:
		return domain.UserAccount{}, fmt.Errorf("username must be at least 4 characters")
	case strings.ContainsAny(username, " \t\r\n"):
		return domain.UserAccount{}, fmt.Errorf("username must not contain spaces")
	case len(strings.TrimSpace(req.Password)) < 6:
		return domain.UserAccount{}, fmt.Errorf("password must be at least 6 characters")
	}

	role := strings.ToLower(strings.TrimSpace(req.Role))
	if !accountRoles[role] {
		return domain.UserAccount{}, fmt.Errorf("role must be admin, kasir or user")
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("failed to hash password")
	}
	return domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      role,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func summaryOf(account domain.UserAccount) domain.UserSummary {
	return domain.UserSummary{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func verifyPassword(stored string, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
