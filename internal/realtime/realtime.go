package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/xid"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrInvalidCart       = errors.New("invalid session cart")
	ErrVersionConflict   = errors.New("session changed concurrently")
)

const (
	DefaultSessionTTL = 12 * time.Hour
	OrdersChannel     = "kasirkantin:orders"
)

// SessionStore is the mirror store behind the broadcaster. Update must apply
// mutate atomically against the stored value and publish the result on the
// session's channel.
type SessionStore interface {
	Create(ctx context.Context, session domain.PosSession, ttl time.Duration) error
	Get(ctx context.Context, id string) (domain.PosSession, error)
	Update(ctx context.Context, id string, ttl time.Duration, mutate func(*domain.PosSession) error) (domain.PosSession, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

func SessionChannel(id string) string {
	return "kasirkantin:session:" + id + ":updates"
}

// allowedTransitions lists the session status graph. A patch that keeps the
// current status is always accepted.
var allowedTransitions = map[string][]string{
	domain.SessionStatusOpen:    {domain.SessionStatusPayment, domain.SessionStatusClosed},
	domain.SessionStatusPayment: {domain.SessionStatusClosed, domain.SessionStatusOpen},
	domain.SessionStatusClosed:  {domain.SessionStatusOpen},
}

type Broadcaster struct {
	store SessionStore
	ttl   time.Duration
	now   func() time.Time
}

func NewBroadcaster(store SessionStore, ttl time.Duration) *Broadcaster {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Broadcaster{store: store, ttl: ttl, now: time.Now}
}

func (b *Broadcaster) CreateSession(ctx context.Context) (domain.PosSession, error) {
	session := domain.PosSession{
		ID:          xid.New("ses"),
		Status:      domain.SessionStatusOpen,
		Cart:        []domain.SessionCartLine{},
		TotalAmount: decimal.Zero,
		Version:     1,
		UpdatedAt:   b.now().UTC(),
	}
	if err := b.store.Create(ctx, session, b.ttl); err != nil {
		return domain.PosSession{}, err
	}
	return session, nil
}

func (b *Broadcaster) GetSession(ctx context.Context, id string) (domain.PosSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PosSession{}, ErrSessionNotFound
	}
	return b.store.Get(ctx, id)
}

// PublishCart replaces the mirrored cart. The total follows the cart only
// while the session is OPEN; after that it stays pinned to the charged amount.
func (b *Broadcaster) PublishCart(ctx context.Context, id string, cart []domain.SessionCartLine) (domain.PosSession, error) {
	lines, total, err := normalizeCart(cart)
	if err != nil {
		return domain.PosSession{}, err
	}
	return b.store.Update(ctx, id, b.ttl, func(session *domain.PosSession) error {
		session.Cart = lines
		if session.Status == domain.SessionStatusOpen {
			session.TotalAmount = total
		}
		b.touch(session)
		return nil
	})
}

// PublishStatus moves the session through OPEN -> PAYMENT -> CLOSED. An empty
// patch status keeps the current one and only updates payment details.
func (b *Broadcaster) PublishStatus(ctx context.Context, id string, patch domain.SessionStatusPatch) (domain.PosSession, error) {
	requested := strings.ToUpper(strings.TrimSpace(patch.Status))
	if requested != "" {
		if _, known := allowedTransitions[requested]; !known {
			return domain.PosSession{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, patch.Status)
		}
	}

	return b.store.Update(ctx, id, b.ttl, func(session *domain.PosSession) error {
		from := session.Status
		target := requested
		if target == "" {
			target = from
		}
		if target != from && !canTransition(from, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
		}

		switch {
		case target == domain.SessionStatusPayment && from == domain.SessionStatusOpen:
			if patch.TotalAmount != nil {
				session.TotalAmount = *patch.TotalAmount
			}
		case target == domain.SessionStatusOpen && from == domain.SessionStatusPayment:
			clearCharge(session)
			_, total, _ := normalizeCart(session.Cart)
			session.TotalAmount = total
		case target == domain.SessionStatusOpen && from == domain.SessionStatusClosed:
			clearCharge(session)
			session.Cart = []domain.SessionCartLine{}
			session.TotalAmount = decimal.Zero
			session.PaymentStatus = ""
		}

		session.Status = target
		if patch.ChargeURL != "" {
			session.ChargeURL = patch.ChargeURL
		}
		if patch.ChargeExpiresAt != nil {
			at := patch.ChargeExpiresAt.UTC()
			session.ChargeExpiresAt = &at
		}
		if patch.PaymentStatus != "" {
			session.PaymentStatus = patch.PaymentStatus
		}
		if patch.OrderID > 0 {
			session.OrderID = patch.OrderID
		}
		if patch.ExternalOrderID != "" {
			session.ExternalOrderID = patch.ExternalOrderID
		}
		b.touch(session)
		return nil
	})
}

func (b *Broadcaster) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	if event.At.IsZero() {
		event.At = b.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.store.Publish(ctx, OrdersChannel, payload)
}

// SubscribeSession delivers the current snapshot first and then every later
// mutation until ctx ends. There is no replay of earlier versions.
func (b *Broadcaster) SubscribeSession(ctx context.Context, id string) (<-chan domain.PosSession, error) {
	updates, err := b.store.Subscribe(ctx, SessionChannel(id))
	if err != nil {
		return nil, err
	}
	current, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.PosSession, 8)
	go func() {
		defer close(out)
		lastVersion := current.Version
		select {
		case out <- current:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-updates:
				if !ok {
					return
				}
				var session domain.PosSession
				if err := json.Unmarshal(payload, &session); err != nil {
					log.Printf("[realtime] WARN: drop malformed session update id=%s: %v", id, err)
					continue
				}
				if session.Version <= lastVersion {
					continue
				}
				lastVersion = session.Version
				select {
				case out <- session:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Broadcaster) SubscribeOrders(ctx context.Context) (<-chan domain.OrderEvent, error) {
	updates, err := b.store.Subscribe(ctx, OrdersChannel)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.OrderEvent, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-updates:
				if !ok {
					return
				}
				var event domain.OrderEvent
				if err := json.Unmarshal(payload, &event); err != nil {
					log.Printf("[realtime] WARN: drop malformed order event: %v", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Broadcaster) touch(session *domain.PosSession) {
	session.Version++
	session.UpdatedAt = b.now().UTC()
}

func canTransition(from string, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func clearCharge(session *domain.PosSession) {
	session.ChargeURL = ""
	session.ChargeExpiresAt = nil
	session.OrderID = 0
	session.ExternalOrderID = ""
}

func normalizeCart(cart []domain.SessionCartLine) ([]domain.SessionCartLine, decimal.Decimal, error) {
	lines := make([]domain.SessionCartLine, 0, len(cart))
	total := decimal.Zero
	for _, line := range cart {
		if line.ItemID < 1 || line.Quantity < 1 || line.UnitPrice.IsNegative() {
			return nil, decimal.Zero, ErrInvalidCart
		}
		line.Subtotal = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		total = total.Add(line.Subtotal)
		lines = append(lines, line)
	}
	return lines, total, nil
}
