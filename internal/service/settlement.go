package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/gateway"
	"kasirkantin/backend/internal/ledger"
	"kasirkantin/backend/internal/store"
)

// SettlementResult describes what a notification did. Issues are soft
// failures: they are logged and flagged for reconciliation, never returned
// to the gateway as an error.
type SettlementResult struct {
	ExternalOrderID string
	OrderID         int64
	PreviousStatus  string
	Status          string
	Changed         bool
	StockDeducted   bool
	Issues          []string
}

// HandleNotification applies a gateway status callback. It returns an error
// only when the signature is invalid, the order is unknown, or the order
// could not be read at all; everything after a successful lookup is
// acknowledged.
func (s *Service) HandleNotification(ctx context.Context, n domain.PaymentNotification) (SettlementResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.WebhookTimeout)
	defer cancel()

	if s.verifier == nil {
		return SettlementResult{}, gateway.ErrNotConfigured
	}
	if err := s.verifier.VerifyNotification(n); err != nil {
		log.Printf("[settlement] WARN: rejected notification order_id=%q status=%q: %v", n.OrderID, n.TransactionStatus, err)
		if errors.Is(err, gateway.ErrNotConfigured) {
			return SettlementResult{}, err
		}
		return SettlementResult{}, gateway.ErrInvalidSignature
	}

	result := SettlementResult{ExternalOrderID: n.OrderID}
	target, known := TargetStatus(n.TransactionStatus, n.FraudStatus)
	if !known {
		result.Issues = append(result.Issues, fmt.Sprintf("unknown transaction status %q", n.TransactionStatus))
	}
	settledAt := s.now().UTC()
	if at, ok := gateway.ParseTimestamp(n.SettlementTime); ok {
		settledAt = at
	}

	var (
		found   bool
		updated *domain.Order
	)
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.LockOrderByExternalID(ctx, n.OrderID)
		if err != nil {
			return err
		}
		found = true
		result.OrderID = order.ID
		result.PreviousStatus = order.Status
		result.Status = order.Status
		result.StockDeducted = order.StockDeducted

		if !known || target == domain.OrderStatusPending || order.Status != domain.OrderStatusPending {
			return nil
		}
		if issue := grossMismatch(n.GrossAmount, order.GrossAmount); issue != "" {
			result.Issues = append(result.Issues, issue)
		}

		transition := domain.OrderTransition{Status: target, StockDeducted: order.StockDeducted}
		if target == domain.OrderStatusSettlement {
			transition.SettledAt = &settledAt
			if !order.StockDeducted {
				snapshots, issues, err := deductForSettlement(ctx, tx, order.Lines)
				if err != nil {
					return err
				}
				transition.Snapshots = snapshots
				transition.StockDeducted = true
				result.Issues = append(result.Issues, issues...)
			}
		}
		if len(result.Issues) > 0 {
			transition.NeedsReconcile = true
			transition.ReconciliationNote = strings.Join(result.Issues, "; ")
		}

		applied, err := tx.ApplyTransition(ctx, order.ID, transition)
		if err != nil {
			return err
		}
		updated = applied
		return nil
	})

	switch {
	case err == nil:
	case !found && errors.Is(err, store.ErrNotFound):
		log.Printf("[settlement] WARN: notification for unknown order_id=%s status=%s", n.OrderID, n.TransactionStatus)
		return result, fmt.Errorf("order %s: %w", n.OrderID, store.ErrNotFound)
	case !found:
		log.Printf("[settlement] WARN: order lookup failed order_id=%s: %v", n.OrderID, err)
		return result, fmt.Errorf("lookup order %s: %w", n.OrderID, err)
	default:
		result.Issues = append(result.Issues, fmt.Sprintf("settlement unit failed: %v", err))
		updated = s.fallbackTransition(ctx, n.OrderID, target, settledAt, result.Issues)
	}

	if updated != nil {
		result.Changed = true
		result.Status = updated.Status
		result.StockDeducted = updated.StockDeducted
		s.announceTransition(ctx, *updated)
	}
	for _, issue := range result.Issues {
		log.Printf("[settlement] RECONCILE: order_id=%s %s", n.OrderID, issue)
	}
	log.Printf("[settlement] notification order_id=%s transaction_status=%s fraud=%s %s -> %s changed=%t",
		n.OrderID, n.TransactionStatus, n.FraudStatus, result.PreviousStatus, result.Status, result.Changed)
	return result, nil
}

// deductForSettlement deducts every line it can. Shortages and missing items
// are reported and skipped because the customer has already paid; any other
// error aborts the unit.
func deductForSettlement(ctx context.Context, tx store.Tx, lines []domain.OrderLine) ([]domain.StockSnapshot, []string, error) {
	snapshots := make([]domain.StockSnapshot, 0, len(lines))
	issues := make([]string, 0)
	for _, line := range lines {
		snap, err := ledger.Deduct(ctx, tx, line.ItemID, line.Quantity)
		switch {
		case err == nil:
			snapshots = append(snapshots, snap)
		case errors.Is(err, store.ErrInsufficientStock):
			issues = append(issues, err.Error())
		case errors.Is(err, store.ErrNotFound):
			issues = append(issues, fmt.Sprintf("item %d no longer exists", line.ItemID))
		default:
			return nil, nil, fmt.Errorf("deduct item %d: %w", line.ItemID, err)
		}
	}
	return snapshots, issues, nil
}

// fallbackTransition records the gateway's verdict without touching stock
// when the full settlement unit could not commit. It runs on a fresh
// deadline so a timed-out first attempt still leaves a trace.
func (s *Service) fallbackTransition(ctx context.Context, externalOrderID string, target string, settledAt time.Time, issues []string) *domain.Order {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancel()

	var updated *domain.Order
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.LockOrderByExternalID(ctx, externalOrderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPending || target == "" || target == domain.OrderStatusPending {
			return nil
		}
		transition := domain.OrderTransition{
			Status:             target,
			StockDeducted:      order.StockDeducted,
			NeedsReconcile:     true,
			ReconciliationNote: strings.Join(issues, "; "),
		}
		if target == domain.OrderStatusSettlement {
			transition.SettledAt = &settledAt
		}
		applied, err := tx.ApplyTransition(ctx, order.ID, transition)
		if err != nil {
			return err
		}
		updated = applied
		return nil
	})
	if err != nil {
		log.Printf("[settlement] RECONCILE: order_id=%s fallback transition to %s failed: %v", externalOrderID, target, err)
		return nil
	}
	return updated
}

// ApproveOrder is the staff confirmation path. It finishes a PENDING or
// SETTLEMENT order and deducts stock if the order has not deducted yet.
func (s *Service) ApproveOrder(ctx context.Context, id int64) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !isStaff(actor.Role) {
		return domain.Order{}, ErrForbidden
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()

	var updated *domain.Order
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.LockOrderByID(ctx, id)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusSettlement {
			return fmt.Errorf("order %d is %s: %w", order.ID, order.Status, store.ErrConflict)
		}

		transition := domain.OrderTransition{
			Status:        approvedStatus(order.PaymentMethod),
			StockDeducted: order.StockDeducted,
		}
		if order.SettledAt == nil {
			now := s.now().UTC()
			transition.SettledAt = &now
		}
		if !order.StockDeducted {
			snapshots, err := ledger.DeductLines(ctx, tx, order.Lines)
			if err != nil {
				return shortageFromLedger(err, order.Lines)
			}
			transition.Snapshots = snapshots
			transition.StockDeducted = true
		}

		applied, err := tx.ApplyTransition(ctx, order.ID, transition)
		if err != nil {
			return err
		}
		updated = applied
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	log.Printf("[service] order %d approved by %s -> %s", updated.ID, actor.Username, updated.Status)
	s.announceTransition(ctx, *updated)
	return *updated, nil
}

// RejectOrder cancels a PENDING order on staff request and returns any stock
// it had already taken.
func (s *Service) RejectOrder(ctx context.Context, id int64, reason string) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !isStaff(actor.Role) {
		return domain.Order{}, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()

	var updated *domain.Order
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.LockOrderByID(ctx, id)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("order %d is %s: %w", order.ID, order.Status, store.ErrConflict)
		}

		transition := domain.OrderTransition{Status: domain.OrderStatusRejected}
		if order.StockDeducted {
			for _, line := range order.Lines {
				if _, err := ledger.Restore(ctx, tx, line.ItemID, line.Quantity); err != nil {
					return fmt.Errorf("restore item %d: %w", line.ItemID, err)
				}
			}
		}

		applied, err := tx.ApplyTransition(ctx, order.ID, transition)
		if err != nil {
			return err
		}
		updated = applied
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	log.Printf("[service] order %d rejected by %s: %s", updated.ID, actor.Username, reason)
	s.announceTransition(ctx, *updated)
	return *updated, nil
}

func (s *Service) announceTransition(ctx context.Context, order domain.Order) {
	s.publishAsync(ctx, fmt.Sprintf("publish status order %d", order.ID), func(ctx context.Context) error {
		if order.SessionID != "" {
			if _, err := s.broadcaster.PublishStatus(ctx, order.SessionID, sessionPatchFor(order)); err != nil {
				log.Printf("[realtime] WARN: publish status session=%s order=%d: %v", order.SessionID, order.ID, err)
			}
		}
		return s.broadcaster.PublishOrderEvent(ctx, s.orderEvent(domain.OrderEventStatusChanged, order))
	})
}

func grossMismatch(reported string, expected decimal.Decimal) string {
	amount, err := decimal.NewFromString(strings.TrimSpace(reported))
	if err != nil {
		return fmt.Sprintf("unparseable gross_amount %q", reported)
	}
	if !amount.Equal(expected) {
		return fmt.Sprintf("gross_amount %s does not match order gross %s", amount, expected)
	}
	return ""
}
