package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/fees"
	"kasirkantin/backend/internal/gateway"
	"kasirkantin/backend/internal/store"
	"kasirkantin/backend/internal/xid"
)

var (
	ErrForbidden           = errors.New("role not allowed for this action")
	ErrRealtimeUnavailable = errors.New("realtime sync is not configured")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Broadcaster is the realtime mirror the service pushes to. Publishing is
// best-effort from the service's point of view.
type Broadcaster interface {
	CreateSession(ctx context.Context) (domain.PosSession, error)
	GetSession(ctx context.Context, id string) (domain.PosSession, error)
	PublishCart(ctx context.Context, id string, cart []domain.SessionCartLine) (domain.PosSession, error)
	PublishStatus(ctx context.Context, id string, patch domain.SessionStatusPatch) (domain.PosSession, error)
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error
	SubscribeSession(ctx context.Context, id string) (<-chan domain.PosSession, error)
	SubscribeOrders(ctx context.Context) (<-chan domain.OrderEvent, error)
}

type Options struct {
	OrderTimeout   time.Duration
	PersistTimeout time.Duration
	WebhookTimeout time.Duration
	PublishTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.OrderTimeout <= 0 {
		o.OrderTimeout = 8 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 3 * time.Second
	}
	if o.WebhookTimeout <= 0 {
		o.WebhookTimeout = 4 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 1500 * time.Millisecond
	}
	return o
}

type Service struct {
	repo        store.Repository
	fees        *fees.Provider
	charger     gateway.Charger
	verifier    gateway.SignatureVerifier
	broadcaster Broadcaster
	opts        Options

	newExternalID func() string
	now           func() time.Time
	pending       sync.WaitGroup
}

func New(
	repo store.Repository,
	feeProvider *fees.Provider,
	charger gateway.Charger,
	verifier gateway.SignatureVerifier,
	broadcaster Broadcaster,
	opts Options,
) *Service {
	return &Service{
		repo:        repo,
		fees:        feeProvider,
		charger:     charger,
		verifier:    verifier,
		broadcaster: broadcaster,
		opts:        opts.withDefaults(),
		newExternalID: func() string {
			return xid.New("KK")
		},
		now: time.Now,
	}
}

// Shortage is one line of a per-item stock shortage report.
type Shortage struct {
	ItemID    int64  `json:"item_id"`
	Name      string `json:"name"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

type ShortageError struct {
	Shortages []Shortage
}

func (e *ShortageError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("item %d (%s): available %d, requested %d", s.ItemID, s.Name, s.Available, s.Requested))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *ShortageError) Unwrap() error {
	return store.ErrInsufficientStock
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return store.ErrInvalidTransaction
}

// GetOrder returns any order to staff. Self-service users only see orders
// they placed; anything else reads as not found.
func (s *Service) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Order{}, ErrForbidden
	}
	if id < 1 {
		return domain.Order{}, &ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	order, err := s.repo.FindOrderByID(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if !isStaff(actor.Role) && (order.Source != domain.OrderSourceUser || order.CashierUsername != actor.Username) {
		return domain.Order{}, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return *order, nil
}

func (s *Service) ListOrdersNeedingReconciliation(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.repo.ListOrdersNeedingReconciliation(ctx, limit)
}

func (s *Service) GetFeeConfig(ctx context.Context) (domain.FeeConfig, error) {
	return s.fees.Get(ctx)
}

// UpdateFeeConfig writes the singleton configuration and drops the cached copy
// so new orders price with it right away.
func (s *Service) UpdateFeeConfig(ctx context.Context, req domain.FeeConfigUpdateRequest) (domain.FeeConfig, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.FeeConfig{}, ErrForbidden
	}

	cfg := domain.FeeConfig{
		GatewayFeePercent:         req.GatewayFeePercent,
		PlatformCommissionPercent: req.PlatformCommissionPercent,
	}
	if err := fees.ValidateConfig(cfg); err != nil {
		return domain.FeeConfig{}, &ValidationError{Field: "fee_config", Message: err.Error()}
	}

	saved, err := s.repo.UpdateFeeConfig(ctx, cfg)
	if err != nil {
		return domain.FeeConfig{}, err
	}
	s.fees.Invalidate(ctx)
	log.Printf("[service] fee config updated by %s: gateway=%s%% platform=%s%%", actor.Username, saved.GatewayFeePercent, saved.PlatformCommissionPercent)
	return saved, nil
}

func (s *Service) CreateSession(ctx context.Context) (domain.PosSession, error) {
	if s.broadcaster == nil {
		return domain.PosSession{}, ErrRealtimeUnavailable
	}
	return s.broadcaster.CreateSession(ctx)
}

func (s *Service) GetSession(ctx context.Context, id string) (domain.PosSession, error) {
	if s.broadcaster == nil {
		return domain.PosSession{}, ErrRealtimeUnavailable
	}
	return s.broadcaster.GetSession(ctx, id)
}

func (s *Service) UpdateSessionCart(ctx context.Context, id string, req domain.SessionCartRequest) (domain.PosSession, error) {
	if s.broadcaster == nil {
		return domain.PosSession{}, ErrRealtimeUnavailable
	}
	return s.broadcaster.PublishCart(ctx, id, req.Cart)
}

func (s *Service) UpdateSessionStatus(ctx context.Context, id string, patch domain.SessionStatusPatch) (domain.PosSession, error) {
	if s.broadcaster == nil {
		return domain.PosSession{}, ErrRealtimeUnavailable
	}
	return s.broadcaster.PublishStatus(ctx, id, patch)
}

func (s *Service) SubscribeSession(ctx context.Context, id string) (<-chan domain.PosSession, error) {
	if s.broadcaster == nil {
		return nil, ErrRealtimeUnavailable
	}
	return s.broadcaster.SubscribeSession(ctx, id)
}

func (s *Service) SubscribeOrders(ctx context.Context) (<-chan domain.OrderEvent, error) {
	if s.broadcaster == nil {
		return nil, ErrRealtimeUnavailable
	}
	return s.broadcaster.SubscribeOrders(ctx)
}

// publishAsync runs fn detached from the caller with its own deadline. Errors
// are logged only; they never reach the financial caller.
func (s *Service) publishAsync(ctx context.Context, what string, fn func(ctx context.Context) error) {
	if s.broadcaster == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		publishCtx, cancel := context.WithTimeout(detached, s.opts.PublishTimeout)
		defer cancel()
		if err := fn(publishCtx); err != nil {
			log.Printf("[realtime] WARN: %s: %v", what, err)
		}
	}()
}

// Wait blocks until in-flight realtime publishes finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) orderEvent(eventType string, order domain.Order) domain.OrderEvent {
	return domain.OrderEvent{
		Type:            eventType,
		OrderID:         order.ID,
		ExternalOrderID: order.ExternalOrderID,
		Source:          order.Source,
		Status:          order.Status,
		GrossAmount:     order.GrossAmount,
		At:              s.now().UTC(),
	}
}

func isStaff(role string) bool {
	return role == domain.RoleAdmin || role == domain.RoleKasir
}
