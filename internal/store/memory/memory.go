package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/store"
)

type Store struct {
	mu              sync.Mutex
	items           map[int64]domain.Item
	orders          map[int64]*domain.Order
	ordersByExtID   map[string]int64
	nextOrderID     int64
	nextLineID      int64
	feeConfig       domain.FeeConfig
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_KASIR_PASSWORD and
// SEED_USER_PASSWORD; unset values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	kasirPwd := envOr("SEED_KASIR_PASSWORD", "kasir123")
	userPwd := envOr("SEED_USER_PASSWORD", "user1234")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_KASIR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_KASIR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"kasir", kasirPwd, domain.RoleKasir},
		{"pelanggan", userPwd, domain.RoleUser},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
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

func New(items []domain.Item, feeConfig domain.FeeConfig) *Store {
	itemMap := make(map[int64]domain.Item, len(items))
	for _, item := range items {
		itemMap[item.ID] = item
	}
	return &Store{
		items:           itemMap,
		orders:          make(map[int64]*domain.Order),
		ordersByExtID:   make(map[string]int64),
		feeConfig:       feeConfig,
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

func NewSeeded() *Store {
	items := []domain.Item{
		{ID: 1, MitraID: 1, Name: "Nasi Goreng Kantin", Price: decimal.NewFromInt(15000), Stock: 40, Active: true},
		{ID: 2, MitraID: 1, Name: "Mie Ayam", Price: decimal.NewFromInt(13000), Stock: 35, Active: true},
		{ID: 3, MitraID: 2, Name: "Es Teh Manis", Price: decimal.NewFromInt(5000), Stock: 120, Active: true},
		{ID: 4, MitraID: 2, Name: "Kopi Susu", Price: decimal.NewFromInt(12000), Stock: 60, Active: true},
		{ID: 5, MitraID: 3, Name: "Gorengan", Price: decimal.NewFromInt(2000), Stock: 200, Active: true},
		{ID: 6, MitraID: 3, Name: "Roti Bakar", Price: decimal.NewFromInt(10000), Stock: 25, Active: true},
	}
	s := New(items, domain.FeeConfig{
		GatewayFeePercent:         decimal.RequireFromString("0.7"),
		PlatformCommissionPercent: decimal.NewFromInt(10),
		UpdatedAt:                 time.Now().UTC(),
	})
	s.usersByUsername = seedUsers()
	return s
}

// InTx serializes units of work and reverts every change made through tx
// when fn returns an error.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:          s,
		stockUndo:  make(map[int64]int),
		orderUndo:  make(map[int64]*domain.Order),
		insertedID: make([]int64, 0, 1),
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) GetItemsByIDs(_ context.Context, ids []int64) (map[int64]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[int64]domain.Item, len(ids))
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok || !item.Active {
			continue
		}
		result[id] = item
	}
	return result, nil
}

// Stock returns the current counter for an item; used by tests and seeding tools.
func (s *Store) Stock(itemID int64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	return item.Stock, ok
}

// OrderCount returns how many orders have been committed.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) FindOrderByID(_ context.Context, id int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) FindOrderByExternalID(_ context.Context, externalOrderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.ordersByExtID[externalOrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) ListOrdersNeedingReconciliation(_ context.Context, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 1 {
		limit = 50
	}
	result := make([]domain.Order, 0, 8)
	for _, order := range s.orders {
		if order.NeedsReconciliation {
			result = append(result, *cloneOrder(order))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetFeeConfig(_ context.Context) (domain.FeeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeConfig, nil
}

func (s *Store) UpdateFeeConfig(_ context.Context, cfg domain.FeeConfig) (domain.FeeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	s.feeConfig = cfg
	return cfg, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// memTx runs with Store.mu held by InTx.
type memTx struct {
	s          *Store
	stockUndo  map[int64]int
	orderUndo  map[int64]*domain.Order
	insertedID []int64
}

func (t *memTx) LockStock(_ context.Context, itemID int64) (int, error) {
	item, ok := t.s.items[itemID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return item.Stock, nil
}

func (t *memTx) WriteStock(_ context.Context, itemID int64, qty int) error {
	item, ok := t.s.items[itemID]
	if !ok {
		return store.ErrNotFound
	}
	if qty < 0 {
		return store.ErrInsufficientStock
	}
	if _, saved := t.stockUndo[itemID]; !saved {
		t.stockUndo[itemID] = item.Stock
	}
	item.Stock = qty
	t.s.items[itemID] = item
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if order.ExternalOrderID != "" {
		if _, exists := t.s.ordersByExtID[order.ExternalOrderID]; exists {
			return nil, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	t.s.nextOrderID++
	order.ID = t.s.nextOrderID
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	lines := make([]domain.OrderLine, len(order.Lines))
	for i, line := range order.Lines {
		t.s.nextLineID++
		line.ID = t.s.nextLineID
		line.OrderID = order.ID
		lines[i] = line
	}
	order.Lines = lines

	saved := cloneOrder(&order)
	t.s.orders[order.ID] = saved
	if order.ExternalOrderID != "" {
		t.s.ordersByExtID[order.ExternalOrderID] = order.ID
	}
	t.insertedID = append(t.insertedID, order.ID)
	return cloneOrder(saved), nil
}

func (t *memTx) LockOrderByID(_ context.Context, id int64) (*domain.Order, error) {
	order, ok := t.s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (t *memTx) LockOrderByExternalID(ctx context.Context, externalOrderID string) (*domain.Order, error) {
	id, ok := t.s.ordersByExtID[externalOrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.LockOrderByID(ctx, id)
}

func (t *memTx) ApplyTransition(_ context.Context, orderID int64, transition domain.OrderTransition) (*domain.Order, error) {
	order, ok := t.s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, saved := t.orderUndo[orderID]; !saved {
		t.orderUndo[orderID] = cloneOrder(order)
	}

	order.Status = transition.Status
	if transition.SettledAt != nil {
		at := *transition.SettledAt
		order.SettledAt = &at
	}
	order.StockDeducted = transition.StockDeducted
	if transition.NeedsReconcile {
		order.NeedsReconciliation = true
		order.ReconciliationNote = transition.ReconciliationNote
	}
	applySnapshots(order.Lines, transition.Snapshots)
	order.UpdatedAt = time.Now().UTC()
	return cloneOrder(order), nil
}

func (t *memTx) rollback() {
	for itemID, qty := range t.stockUndo {
		item := t.s.items[itemID]
		item.Stock = qty
		t.s.items[itemID] = item
	}
	for orderID, original := range t.orderUndo {
		t.s.orders[orderID] = original
	}
	for _, id := range t.insertedID {
		if order, ok := t.s.orders[id]; ok && order.ExternalOrderID != "" {
			delete(t.s.ordersByExtID, order.ExternalOrderID)
		}
		delete(t.s.orders, id)
	}
	t.s.nextOrderID -= int64(len(t.insertedID))
}

func applySnapshots(lines []domain.OrderLine, snapshots []domain.StockSnapshot) {
	for _, snap := range snapshots {
		for i := range lines {
			if lines[i].ItemID != snap.ItemID {
				continue
			}
			before, after := snap.Before, snap.After
			lines[i].StockBefore = &before
			lines[i].StockAfter = &after
		}
	}
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Lines = make([]domain.OrderLine, len(src.Lines))
	for i, line := range src.Lines {
		if line.StockBefore != nil {
			v := *line.StockBefore
			line.StockBefore = &v
		}
		if line.StockAfter != nil {
			v := *line.StockAfter
			line.StockAfter = &v
		}
		dst.Lines[i] = line
	}
	if src.ChargeExpiresAt != nil {
		v := *src.ChargeExpiresAt
		dst.ChargeExpiresAt = &v
	}
	if src.SettledAt != nil {
		v := *src.SettledAt
		dst.SettledAt = &v
	}
	return &dst
}
