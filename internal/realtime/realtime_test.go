package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirkantin/backend/internal/domain"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(NewMemorySessionStore(), time.Hour)
}

func cartOf(qty int, price int64) []domain.SessionCartLine {
	return []domain.SessionCartLine{{ItemID: 3, Name: "Es Teh Manis", Quantity: qty, UnitPrice: decimal.NewFromInt(price)}}
}

func TestPublishCartRecomputesTotalWhileOpen(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster()

	session, err := b.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != domain.SessionStatusOpen || len(session.Cart) != 0 {
		t.Fatalf("expected empty OPEN session, got %+v", session)
	}

	updated, err := b.PublishCart(ctx, session.ID, cartOf(2, 5000))
	if err != nil {
		t.Fatalf("publish cart: %v", err)
	}
	if !updated.TotalAmount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected total 10000, got %s", updated.TotalAmount)
	}
	if !updated.Cart[0].Subtotal.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected subtotal 10000, got %s", updated.Cart[0].Subtotal)
	}
	if updated.Version <= session.Version {
		t.Fatalf("expected version to advance, got %d after %d", updated.Version, session.Version)
	}
}

func TestPublishCartAfterPaymentKeepsPinnedTotal(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster()

	session, _ := b.CreateSession(ctx)
	if _, err := b.PublishCart(ctx, session.ID, cartOf(2, 5000)); err != nil {
		t.Fatalf("publish cart: %v", err)
	}

	pinned := decimal.NewFromInt(10000)
	expires := time.Now().Add(15 * time.Minute)
	if _, err := b.PublishStatus(ctx, session.ID, domain.SessionStatusPatch{
		Status:          domain.SessionStatusPayment,
		ChargeURL:       "https://qr.example/abc",
		ChargeExpiresAt: &expires,
		TotalAmount:     &pinned,
	}); err != nil {
		t.Fatalf("move to payment: %v", err)
	}

	updated, err := b.PublishCart(ctx, session.ID, nil)
	if err != nil {
		t.Fatalf("publish cleared cart: %v", err)
	}
	if len(updated.Cart) != 0 {
		t.Fatalf("expected cart contents to change, got %+v", updated.Cart)
	}
	if !updated.TotalAmount.Equal(pinned) {
		t.Fatalf("expected pinned total %s, got %s", pinned, updated.TotalAmount)
	}
	if updated.ChargeURL != "https://qr.example/abc" {
		t.Fatalf("expected charge url to survive cart patch, got %q", updated.ChargeURL)
	}
}

func TestPublishStatusTransitions(t *testing.T) {
	cases := []struct {
		name    string
		path    []string
		wantErr bool
	}{
		{name: "open to payment to closed", path: []string{domain.SessionStatusPayment, domain.SessionStatusClosed}},
		{name: "payment back to open", path: []string{domain.SessionStatusPayment, domain.SessionStatusOpen}},
		{name: "closed reopens", path: []string{domain.SessionStatusClosed, domain.SessionStatusOpen}},
		{name: "closed cannot jump to payment", path: []string{domain.SessionStatusClosed, domain.SessionStatusPayment}, wantErr: true},
		{name: "unknown status", path: []string{"SHIPPED"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			b := newTestBroadcaster()
			session, _ := b.CreateSession(ctx)

			var err error
			for _, status := range tc.path {
				_, err = b.PublishStatus(ctx, session.ID, domain.SessionStatusPatch{Status: status})
				if err != nil {
					break
				}
			}
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestReopenFromClosedResetsCart(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster()
	session, _ := b.CreateSession(ctx)
	_, _ = b.PublishCart(ctx, session.ID, cartOf(1, 12000))
	_, _ = b.PublishStatus(ctx, session.ID, domain.SessionStatusPatch{Status: domain.SessionStatusClosed, PaymentStatus: domain.OrderStatusCash})

	reopened, err := b.PublishStatus(ctx, session.ID, domain.SessionStatusPatch{Status: domain.SessionStatusOpen})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(reopened.Cart) != 0 || !reopened.TotalAmount.IsZero() || reopened.PaymentStatus != "" {
		t.Fatalf("expected fresh session after reopen, got %+v", reopened)
	}
}

func TestPublishCartRejectsInvalidLines(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster()
	session, _ := b.CreateSession(ctx)

	_, err := b.PublishCart(ctx, session.ID, cartOf(0, 5000))
	if !errors.Is(err, ErrInvalidCart) {
		t.Fatalf("expected ErrInvalidCart, got %v", err)
	}
}

func TestUnknownSession(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster()

	if _, err := b.PublishCart(ctx, "ses-missing", cartOf(1, 1000)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := b.GetSession(ctx, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for empty id, got %v", err)
	}
}

func TestSubscribeSessionDeliversSnapshotThenMutations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster()
	session, _ := b.CreateSession(ctx)

	updates, err := b.SubscribeSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first := receiveSession(t, updates)
	if first.Version != session.Version {
		t.Fatalf("expected current snapshot first, got version %d", first.Version)
	}

	if _, err := b.PublishCart(ctx, session.ID, cartOf(3, 2000)); err != nil {
		t.Fatalf("publish cart: %v", err)
	}
	second := receiveSession(t, updates)
	if !second.TotalAmount.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("expected pushed total 6000, got %s", second.TotalAmount)
	}
}

func TestSubscribeOrdersReceivesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster()

	events, err := b.SubscribeOrders(ctx)
	if err != nil {
		t.Fatalf("subscribe orders: %v", err)
	}
	if err := b.PublishOrderEvent(ctx, domain.OrderEvent{
		Type:    domain.OrderEventCreated,
		OrderID: 42,
		Source:  domain.OrderSourceUser,
		Status:  domain.OrderStatusPending,
	}); err != nil {
		t.Fatalf("publish order event: %v", err)
	}

	select {
	case event := <-events:
		if event.OrderID != 42 || event.Type != domain.OrderEventCreated || event.At.IsZero() {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order event")
	}
}

func receiveSession(t *testing.T, updates <-chan domain.PosSession) domain.PosSession {
	t.Helper()
	select {
	case session, ok := <-updates:
		if !ok {
			t.Fatal("session stream closed")
		}
		return session
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session update")
	}
	return domain.PosSession{}
}
