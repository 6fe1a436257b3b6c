package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentMethodCash = "CASH"
	PaymentMethodQRIS = "QRIS"
)

const (
	OrderStatusPending    = "PENDING"
	OrderStatusSettlement = "SETTLEMENT"
	OrderStatusCash       = "CASH"
	OrderStatusCompleted  = "COMPLETED"
	OrderStatusCancel     = "CANCEL"
	OrderStatusExpire     = "EXPIRE"
	OrderStatusRejected   = "REJECTED"
)

const (
	OrderSourceStaff = "STAFF"
	OrderSourceUser  = "USER"
)

const (
	RoleAdmin = "admin"
	RoleKasir = "kasir"
	RoleUser  = "user"
)

const (
	SessionStatusOpen    = "OPEN"
	SessionStatusPayment = "PAYMENT"
	SessionStatusClosed  = "CLOSED"
)

const (
	OrderEventCreated       = "order.created"
	OrderEventStatusChanged = "order.status_changed"
)

// Item is a sellable menu entry owned by a partner (mitra). Stock is the
// only field mutated by the order pipeline.
type Item struct {
	ID      int64           `json:"id"`
	MitraID int64           `json:"mitra_id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	Stock   int             `json:"stock"`
	Active  bool            `json:"active"`
}

type CartLine struct {
	ItemID   int64 `json:"item_id"`
	Quantity int   `json:"quantity"`
}

type CreateOrderRequest struct {
	Items         []CartLine `json:"items"`
	PaymentMethod string     `json:"payment_method"`
	CustomerName  string     `json:"customer_name,omitempty"`
	TableNumber   string     `json:"table_number,omitempty"`
	Note          string     `json:"note,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
}

// FeeBreakdown satisfies GrossAmount = GatewayFee + NetAmount and
// NetAmount = PlatformFee + PartnerRevenue.
type FeeBreakdown struct {
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	GatewayFee     decimal.Decimal `json:"gateway_fee"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	PartnerRevenue decimal.Decimal `json:"partner_revenue"`
}

type FeeConfig struct {
	GatewayFeePercent         decimal.Decimal `json:"gateway_fee_percent"`
	PlatformCommissionPercent decimal.Decimal `json:"platform_commission_percent"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

type FeeConfigUpdateRequest struct {
	GatewayFeePercent         decimal.Decimal `json:"gateway_fee_percent"`
	PlatformCommissionPercent decimal.Decimal `json:"platform_commission_percent"`
}

type Order struct {
	ID              int64  `json:"id"`
	ExternalOrderID string `json:"external_order_id,omitempty"`
	Source          string `json:"source"`
	CashierUsername string `json:"cashier_username,omitempty"`
	CustomerName    string `json:"customer_name,omitempty"`
	TableNumber     string `json:"table_number,omitempty"`
	Note            string `json:"note,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	PaymentMethod   string `json:"payment_method"`
	Status          string `json:"status"`
	FeeBreakdown
	ChargeURL           string      `json:"charge_url,omitempty"`
	ChargeExpiresAt     *time.Time  `json:"charge_expires_at,omitempty"`
	SettledAt           *time.Time  `json:"settled_at,omitempty"`
	StockDeducted       bool        `json:"stock_deducted"`
	NeedsReconciliation bool        `json:"needs_reconciliation"`
	ReconciliationNote  string      `json:"reconciliation_note,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	Lines               []OrderLine `json:"lines"`
}

// OrderLine freezes the unit price at order time. StockBefore/StockAfter
// are filled when the line's stock is actually deducted.
type OrderLine struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ItemID      int64           `json:"item_id"`
	ItemName    string          `json:"item_name"`
	MitraID     int64           `json:"mitra_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	StockBefore *int            `json:"stock_before,omitempty"`
	StockAfter  *int            `json:"stock_after,omitempty"`
}

type StockSnapshot struct {
	ItemID int64 `json:"item_id"`
	Before int   `json:"before"`
	After  int   `json:"after"`
}

// OrderTransition is the bounded set of fields the settlement path may change.
type OrderTransition struct {
	Status             string
	SettledAt          *time.Time
	StockDeducted      bool
	NeedsReconcile     bool
	ReconciliationNote string
	Snapshots          []StockSnapshot
}

type OrderResponse struct {
	Order Order `json:"order"`
}

type OrderListResponse struct {
	Orders []Order `json:"orders"`
}

type RejectOrderRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

// PaymentNotification is the gateway's asynchronous status callback.
type PaymentNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status,omitempty"`
	SettlementTime    string `json:"settlement_time,omitempty"`
	TransactionID     string `json:"transaction_id,omitempty"`
	PaymentType       string `json:"payment_type,omitempty"`
}

type WebhookAck struct {
	Received bool   `json:"received"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
}

type SessionCartLine struct {
	ItemID    int64           `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// PosSession mirrors a cashier's in-progress order for the customer
// display. It is never read back for money or stock decisions.
type PosSession struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Cart            []SessionCartLine `json:"cart"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	OrderID         int64             `json:"order_id,omitempty"`
	ExternalOrderID string            `json:"external_order_id,omitempty"`
	ChargeURL       string            `json:"charge_url,omitempty"`
	ChargeExpiresAt *time.Time        `json:"charge_expires_at,omitempty"`
	PaymentStatus   string            `json:"payment_status,omitempty"`
	Version         int64             `json:"version"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type SessionCartRequest struct {
	Cart []SessionCartLine `json:"cart"`
}

type SessionStatusPatch struct {
	Status          string           `json:"status"`
	ChargeURL       string           `json:"charge_url,omitempty"`
	ChargeExpiresAt *time.Time       `json:"charge_expires_at,omitempty"`
	PaymentStatus   string           `json:"payment_status,omitempty"`
	TotalAmount     *decimal.Decimal `json:"total_amount,omitempty"`
	OrderID         int64            `json:"order_id,omitempty"`
	ExternalOrderID string           `json:"external_order_id,omitempty"`
}

type SessionResponse struct {
	Session PosSession `json:"session"`
}

// OrderEvent feeds the staff order stream.
type OrderEvent struct {
	Type            string          `json:"type"`
	OrderID         int64           `json:"order_id"`
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	Source          string          `json:"source"`
	Status          string          `json:"status"`
	GrossAmount     decimal.Decimal `json:"gross_amount"`
	At              time.Time       `json:"at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
