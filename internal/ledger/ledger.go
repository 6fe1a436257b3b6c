package ledger

import (
	"context"
	"fmt"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/store"
)

// ShortageError reports a failed deduction. It matches store.ErrInsufficientStock.
type ShortageError struct {
	ItemID    int64
	Available int
	Requested int
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d: available %d, requested %d", e.ItemID, e.Available, e.Requested)
}

func (e *ShortageError) Unwrap() error {
	return store.ErrInsufficientStock
}

// Deduct checks the locked counter and decrements it. The check and the write
// see the same read, so the counter never goes below zero.
func Deduct(ctx context.Context, counter store.StockCounter, itemID int64, qty int) (domain.StockSnapshot, error) {
	if qty < 1 {
		return domain.StockSnapshot{}, store.ErrInvalidTransaction
	}
	current, err := counter.LockStock(ctx, itemID)
	if err != nil {
		return domain.StockSnapshot{}, err
	}
	if current < qty {
		return domain.StockSnapshot{}, &ShortageError{ItemID: itemID, Available: current, Requested: qty}
	}
	after := current - qty
	if err := counter.WriteStock(ctx, itemID, after); err != nil {
		return domain.StockSnapshot{}, err
	}
	return domain.StockSnapshot{ItemID: itemID, Before: current, After: after}, nil
}

// Restore returns previously deducted units to the counter.
func Restore(ctx context.Context, counter store.StockCounter, itemID int64, qty int) (domain.StockSnapshot, error) {
	if qty < 1 {
		return domain.StockSnapshot{}, store.ErrInvalidTransaction
	}
	current, err := counter.LockStock(ctx, itemID)
	if err != nil {
		return domain.StockSnapshot{}, err
	}
	after := current + qty
	if err := counter.WriteStock(ctx, itemID, after); err != nil {
		return domain.StockSnapshot{}, err
	}
	return domain.StockSnapshot{ItemID: itemID, Before: current, After: after}, nil
}

// DeductLines deducts every line of an order, stopping at the first failure.
func DeductLines(ctx context.Context, counter store.StockCounter, lines []domain.OrderLine) ([]domain.StockSnapshot, error) {
	snapshots := make([]domain.StockSnapshot, 0, len(lines))
	for _, line := range lines {
		snap, err := Deduct(ctx, counter, line.ItemID, line.Quantity)
		if err != nil {
			return snapshots, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}
