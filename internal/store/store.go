package store

import (
	"context"
	"errors"

	"kasirkantin/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrConflict           = errors.New("conflicting order state")
)

// StockCounter exposes the per-item stock column inside a unit of work.
// LockStock reads the current persisted value and holds it until the unit
// of work ends.
type StockCounter interface {
	LockStock(ctx context.Context, itemID int64) (int, error)
	WriteStock(ctx context.Context, itemID int64, qty int) error
}

// Tx is one atomic unit of work. Nothing written through it is visible to
// other readers unless the function passed to Repository.InTx returns nil.
type Tx interface {
	StockCounter
	InsertOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	LockOrderByID(ctx context.Context, id int64) (*domain.Order, error)
	LockOrderByExternalID(ctx context.Context, externalOrderID string) (*domain.Order, error)
	ApplyTransition(ctx context.Context, orderID int64, transition domain.OrderTransition) (*domain.Order, error)
}

type Repository interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetItemsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Item, error)
	FindOrderByID(ctx context.Context, id int64) (*domain.Order, error)
	FindOrderByExternalID(ctx context.Context, externalOrderID string) (*domain.Order, error)
	ListOrdersNeedingReconciliation(ctx context.Context, limit int) ([]domain.Order, error)
	GetFeeConfig(ctx context.Context) (domain.FeeConfig, error)
	UpdateFeeConfig(ctx context.Context, cfg domain.FeeConfig) (domain.FeeConfig, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
