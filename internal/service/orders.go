package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/fees"
	"kasirkantin/backend/internal/gateway"
	"kasirkantin/backend/internal/ledger"
	"kasirkantin/backend/internal/store"
)

const maxCartLines = 100

// CreateOrder prices the cart from stored prices, optionally obtains a QRIS
// charge and persists the order with its lines in one unit of work. Staff
// cash orders deduct stock inside that same unit.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Order{}, ErrForbidden
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.OrderTimeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(req.PaymentMethod))
	if method != domain.PaymentMethodCash && method != domain.PaymentMethodQRIS {
		return domain.Order{}, &ValidationError{Field: "payment_method", Message: "must be CASH or QRIS"}
	}
	cart, err := normalizeCart(req.Items)
	if err != nil {
		return domain.Order{}, err
	}
	status, source, err := InitialStatus(actor.Role, method)
	if err != nil {
		return domain.Order{}, err
	}
	// Sessions belong to the cashier's customer display.
	if source == domain.OrderSourceUser && strings.TrimSpace(req.SessionID) != "" {
		return domain.Order{}, &ValidationError{Field: "session_id", Message: "self-service orders cannot be attached to a cashier session"}
	}

	ids := make([]int64, 0, len(cart))
	for _, line := range cart {
		ids = append(ids, line.ItemID)
	}
	items, err := s.repo.GetItemsByIDs(ctx, ids)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load items: %w", err)
	}

	lines := make([]domain.OrderLine, 0, len(cart))
	shortages := make([]Shortage, 0)
	gross := decimal.Zero
	for _, requested := range cart {
		item, exists := items[requested.ItemID]
		if !exists {
			return domain.Order{}, &ValidationError{Field: "items", Message: fmt.Sprintf("unknown item %d", requested.ItemID)}
		}
		if item.Stock < requested.Quantity {
			shortages = append(shortages, Shortage{
				ItemID:    item.ID,
				Name:      item.Name,
				Available: item.Stock,
				Requested: requested.Quantity,
			})
			continue
		}
		if !isWholeAmount(item.Price) {
			return domain.Order{}, &ValidationError{Field: "items", Message: fmt.Sprintf("item %d is priced below the currency unit (%s)", item.ID, item.Price)}
		}
		subtotal := item.Price.Mul(decimal.NewFromInt(int64(requested.Quantity)))
		gross = gross.Add(subtotal)
		lines = append(lines, domain.OrderLine{
			ItemID:    item.ID,
			ItemName:  item.Name,
			MitraID:   item.MitraID,
			Quantity:  requested.Quantity,
			UnitPrice: item.Price,
			Subtotal:  subtotal,
		})
	}
	if len(shortages) > 0 {
		return domain.Order{}, &ShortageError{Shortages: shortages}
	}

	breakdown, err := s.fees.Quote(ctx, gross, method)
	if errors.Is(err, fees.ErrInvalidAmount) || errors.Is(err, fees.ErrInvalidMethod) {
		return domain.Order{}, &ValidationError{Field: "items", Message: err.Error()}
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("price order: %w", err)
	}

	order := domain.Order{
		Source:          source,
		CashierUsername: actor.Username,
		CustomerName:    strings.TrimSpace(req.CustomerName),
		TableNumber:     strings.TrimSpace(req.TableNumber),
		Note:            strings.TrimSpace(req.Note),
		SessionID:       strings.TrimSpace(req.SessionID),
		PaymentMethod:   method,
		Status:          status,
		FeeBreakdown:    breakdown,
		CreatedAt:       s.now().UTC(),
		Lines:           lines,
	}

	if method == domain.PaymentMethodQRIS {
		if s.charger == nil {
			return domain.Order{}, gateway.ErrNotConfigured
		}
		order.ExternalOrderID = s.newExternalID()
		charge, err := s.charger.CreateQRISCharge(ctx, chargeRequestFor(order))
		if err != nil {
			log.Printf("[gateway] WARN: qris charge failed order_id=%s: %v", order.ExternalOrderID, err)
			return domain.Order{}, err
		}
		order.ChargeURL = charge.QRURL
		order.ChargeExpiresAt = charge.ExpiresAt
	}

	created, err := s.persistOrder(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	log.Printf("[service] order created id=%d source=%s method=%s status=%s gross=%s", created.ID, created.Source, created.PaymentMethod, created.Status, created.GrossAmount)
	s.announceOrder(ctx, *created)
	return *created, nil
}

// persistOrder holds stock row locks for at most the persist deadline.
func (s *Service) persistOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	persistCtx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()

	var created *domain.Order
	err := s.repo.InTx(persistCtx, func(tx store.Tx) error {
		if order.Status == domain.OrderStatusCash {
			snapshots, err := ledger.DeductLines(persistCtx, tx, order.Lines)
			if err != nil {
				return shortageFromLedger(err, order.Lines)
			}
			attachSnapshots(order.Lines, snapshots)
			order.StockDeducted = true
			order.SettledAt = &order.CreatedAt
		}
		inserted, err := tx.InsertOrder(persistCtx, order)
		if err != nil {
			return err
		}
		created = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) announceOrder(ctx context.Context, order domain.Order) {
	s.publishAsync(ctx, fmt.Sprintf("publish order %d", order.ID), func(ctx context.Context) error {
		if order.SessionID != "" {
			if _, err := s.broadcaster.PublishCart(ctx, order.SessionID, sessionCartFor(order.Lines)); err != nil {
				log.Printf("[realtime] WARN: publish cart session=%s order=%d: %v", order.SessionID, order.ID, err)
			} else if _, err := s.broadcaster.PublishStatus(ctx, order.SessionID, sessionPatchFor(order)); err != nil {
				log.Printf("[realtime] WARN: publish status session=%s order=%d: %v", order.SessionID, order.ID, err)
			}
		}
		return s.broadcaster.PublishOrderEvent(ctx, s.orderEvent(domain.OrderEventCreated, order))
	})
}

// normalizeCart merges repeated item ids so each order line is one item.
func normalizeCart(items []domain.CartLine) ([]domain.CartLine, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Message: "cart is empty"}
	}
	if len(items) > maxCartLines {
		return nil, &ValidationError{Field: "items", Message: fmt.Sprintf("at most %d lines allowed", maxCartLines)}
	}

	merged := make(map[int64]int, len(items))
	for _, item := range items {
		if item.ItemID < 1 {
			return nil, &ValidationError{Field: "items", Message: "item_id must be a positive integer"}
		}
		if item.Quantity < 1 {
			return nil, &ValidationError{Field: "items", Message: fmt.Sprintf("quantity for item %d must be at least 1", item.ItemID)}
		}
		merged[item.ItemID] += item.Quantity
	}

	cart := make([]domain.CartLine, 0, len(merged))
	for id, qty := range merged {
		cart = append(cart, domain.CartLine{ItemID: id, Quantity: qty})
	}
	sort.Slice(cart, func(i, j int) bool {
		return cart[i].ItemID < cart[j].ItemID
	})
	return cart, nil
}

func isWholeAmount(amount decimal.Decimal) bool {
	return amount.Equal(amount.Round(fees.CurrencyPlaces))
}

func shortageFromLedger(err error, lines []domain.OrderLine) error {
	var shortage *ledger.ShortageError
	if !errors.As(err, &shortage) {
		return err
	}
	name := ""
	for _, line := range lines {
		if line.ItemID == shortage.ItemID {
			name = line.ItemName
			break
		}
	}
	return &ShortageError{Shortages: []Shortage{{
		ItemID:    shortage.ItemID,
		Name:      name,
		Available: shortage.Available,
		Requested: shortage.Requested,
	}}}
}

func attachSnapshots(lines []domain.OrderLine, snapshots []domain.StockSnapshot) {
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

func chargeRequestFor(order domain.Order) gateway.ChargeRequest {
	items := make([]gateway.ChargeItem, 0, len(order.Lines))
	for _, line := range order.Lines {
		items = append(items, gateway.ChargeItem{
			ID:       gateway.ItemID(line.ItemID),
			Name:     line.ItemName,
			Price:    line.UnitPrice,
			Quantity: line.Quantity,
		})
	}
	return gateway.ChargeRequest{
		OrderID:      order.ExternalOrderID,
		GrossAmount:  order.GrossAmount,
		CustomerName: order.CustomerName,
		Items:        items,
	}
}

func sessionCartFor(lines []domain.OrderLine) []domain.SessionCartLine {
	cart := make([]domain.SessionCartLine, 0, len(lines))
	for _, line := range lines {
		cart = append(cart, domain.SessionCartLine{
			ItemID:    line.ItemID,
			Name:      line.ItemName,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  line.Subtotal,
		})
	}
	return cart
}
