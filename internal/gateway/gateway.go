package gateway

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"kasirkantin/backend/internal/domain"
)

// Transaction statuses reported by the gateway.
const (
	StatusCapture    = "capture"
	StatusSettlement = "settlement"
	StatusPending    = "pending"
	StatusDeny       = "deny"
	StatusCancel     = "cancel"
	StatusExpire     = "expire"
	StatusFailure    = "failure"

	FraudAccept    = "accept"
	FraudChallenge = "challenge"
	FraudDeny      = "deny"
)

const gatewayTimeLayout = "2006-01-02 15:04:05"

var (
	ErrInvalidSignature = errors.New("invalid notification signature")
	ErrNotConfigured    = errors.New("payment gateway is not configured")
)

// wib is the gateway's local time zone for expiry/settlement timestamps.
var wib = time.FixedZone("WIB", 7*60*60)

// ChargeError carries the upstream message of a rejected charge request.
type ChargeError struct {
	HTTPStatus int
	StatusCode string
	Message    string
}

func (e *ChargeError) Error() string {
	if e.StatusCode != "" {
		return fmt.Sprintf("payment gateway rejected charge (%s): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payment gateway rejected charge: %s", e.Message)
}

type ChargeItem struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

type ChargeRequest struct {
	OrderID      string
	GrossAmount  decimal.Decimal
	CustomerName string
	Items        []ChargeItem
}

type Charge struct {
	OrderID       string
	TransactionID string
	Status        string
	QRURL         string
	ExpiresAt     *time.Time
}

type Charger interface {
	CreateQRISCharge(ctx context.Context, req ChargeRequest) (Charge, error)
}

type SignatureVerifier interface {
	VerifyNotification(n domain.PaymentNotification) error
}

type Config struct {
	BaseURL       string
	ServerKey     string
	Acquirer      string
	ExpiryMinutes int
	Timeout       time.Duration
}

type Client struct {
	baseURL       string
	serverKey     string
	acquirer      string
	expiryMinutes int
	httpClient    *http.Client
	now           func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Acquirer == "" {
		cfg.Acquirer = "gopay"
	}
	if cfg.ExpiryMinutes < 1 {
		cfg.ExpiryMinutes = 15
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		serverKey:     cfg.ServerKey,
		acquirer:      cfg.Acquirer,
		expiryMinutes: cfg.ExpiryMinutes,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		now:           time.Now,
	}
}

type chargeItemPayload struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Name     string `json:"name"`
}

type chargePayload struct {
	PaymentType        string `json:"payment_type"`
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	ItemDetails     []chargeItemPayload `json:"item_details,omitempty"`
	CustomerDetails *struct {
		FirstName string `json:"first_name"`
	} `json:"customer_details,omitempty"`
	QRIS struct {
		Acquirer string `json:"acquirer"`
	} `json:"qris"`
	CustomExpiry struct {
		ExpiryDuration int    `json:"expiry_duration"`
		Unit           string `json:"unit"`
	} `json:"custom_expiry"`
}

// CreateQRISCharge asks the gateway for a QRIS charge and returns the QR
// image URL and expiry. Any non-success answer becomes a *ChargeError.
func (c *Client) CreateQRISCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if c.baseURL == "" || c.serverKey == "" {
		return Charge{}, ErrNotConfigured
	}
	if req.OrderID == "" || !req.GrossAmount.IsPositive() {
		return Charge{}, &ChargeError{Message: "order id and positive gross amount are required"}
	}
	if !isWhole(req.GrossAmount) {
		return Charge{}, &ChargeError{Message: fmt.Sprintf("gross amount %s is not a whole rupiah amount", req.GrossAmount)}
	}
	for _, item := range req.Items {
		if !isWhole(item.Price) {
			return Charge{}, &ChargeError{Message: fmt.Sprintf("item %s price %s is not a whole rupiah amount", item.ID, item.Price)}
		}
	}

	var payload chargePayload
	payload.PaymentType = "qris"
	payload.TransactionDetails.OrderID = req.OrderID
	payload.TransactionDetails.GrossAmount = req.GrossAmount.IntPart()
	for _, item := range req.Items {
		payload.ItemDetails = append(payload.ItemDetails, chargeItemPayload{
			ID:       item.ID,
			Price:    item.Price.IntPart(),
			Quantity: item.Quantity,
			Name:     truncate(item.Name, 50),
		})
	}
	if name := strings.TrimSpace(req.CustomerName); name != "" {
		payload.CustomerDetails = &struct {
			FirstName string `json:"first_name"`
		}{FirstName: truncate(name, 255)}
	}
	payload.QRIS.Acquirer = c.acquirer
	payload.CustomExpiry.ExpiryDuration = c.expiryMinutes
	payload.CustomExpiry.Unit = "minute"

	body, err := json.Marshal(payload)
	if err != nil {
		return Charge{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/charge", bytes.NewReader(body))
	if err != nil {
		return Charge{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.serverKey+":")))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Charge{}, &ChargeError{Message: fmt.Sprintf("gateway unreachable: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Charge{}, &ChargeError{HTTPStatus: resp.StatusCode, Message: fmt.Sprintf("read gateway response: %v", err)}
	}

	return c.parseChargeResponse(resp.StatusCode, raw)
}

func (c *Client) parseChargeResponse(httpStatus int, raw []byte) (Charge, error) {
	if !gjson.ValidBytes(raw) {
		return Charge{}, &ChargeError{HTTPStatus: httpStatus, Message: "malformed gateway response"}
	}
	parsed := gjson.ParseBytes(raw)
	statusCode := parsed.Get("status_code").String()
	if httpStatus >= 300 || (statusCode != "200" && statusCode != "201") {
		message := parsed.Get("status_message").String()
		if first := parsed.Get("validation_messages.0"); first.Exists() {
			message = first.String()
		}
		if message == "" {
			message = http.StatusText(httpStatus)
		}
		return Charge{}, &ChargeError{HTTPStatus: httpStatus, StatusCode: statusCode, Message: message}
	}

	qrURL := parsed.Get(`actions.#(name=="generate-qr-code").url`).String()
	if qrURL == "" {
		return Charge{}, &ChargeError{HTTPStatus: httpStatus, StatusCode: statusCode, Message: "gateway response has no QR code action"}
	}

	charge := Charge{
		OrderID:       parsed.Get("order_id").String(),
		TransactionID: parsed.Get("transaction_id").String(),
		Status:        parsed.Get("transaction_status").String(),
		QRURL:         qrURL,
	}
	if at, ok := ParseTimestamp(parsed.Get("expiry_time").String()); ok {
		charge.ExpiresAt = &at
	} else {
		at := c.now().UTC().Add(time.Duration(c.expiryMinutes) * time.Minute)
		charge.ExpiresAt = &at
	}
	return charge, nil
}

// VerifyNotification checks the notification's signature_key against
// sha512(order_id + status_code + gross_amount + server_key).
func (c *Client) VerifyNotification(n domain.PaymentNotification) error {
	if c.serverKey == "" {
		return ErrNotConfigured
	}
	if n.OrderID == "" || n.StatusCode == "" || n.GrossAmount == "" || n.SignatureKey == "" {
		return ErrInvalidSignature
	}
	expected := Signature(n.OrderID, n.StatusCode, n.GrossAmount, c.serverKey)
	given := strings.ToLower(strings.TrimSpace(n.SignatureKey))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(given)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// ParseNotification reads a status callback body. Numeric fields are accepted
// either as JSON strings or numbers and kept in their textual form, since the
// signature is computed over the exact text the gateway sent.
func ParseNotification(raw []byte) (domain.PaymentNotification, error) {
	if !gjson.ValidBytes(raw) {
		return domain.PaymentNotification{}, errors.New("malformed notification body")
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return domain.PaymentNotification{}, errors.New("notification body must be an object")
	}
	n := domain.PaymentNotification{
		OrderID:           parsed.Get("order_id").String(),
		StatusCode:        parsed.Get("status_code").String(),
		GrossAmount:       parsed.Get("gross_amount").Raw,
		SignatureKey:      parsed.Get("signature_key").String(),
		TransactionStatus: parsed.Get("transaction_status").String(),
		FraudStatus:       parsed.Get("fraud_status").String(),
		SettlementTime:    parsed.Get("settlement_time").String(),
		TransactionID:     parsed.Get("transaction_id").String(),
		PaymentType:       parsed.Get("payment_type").String(),
	}
	if gross := parsed.Get("gross_amount"); gross.Type == gjson.String {
		n.GrossAmount = gross.Str
	}
	if n.OrderID == "" || n.TransactionStatus == "" {
		return domain.PaymentNotification{}, errors.New("order_id and transaction_status are required")
	}
	return n, nil
}

func Signature(orderID string, statusCode string, grossAmount string, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// ParseTimestamp reads a gateway timestamp (WIB wall clock) and returns it in UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if at, err := time.ParseInLocation(gatewayTimeLayout, raw, wib); err == nil {
		return at.UTC(), true
	}
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at.UTC(), true
	}
	return time.Time{}, false
}

// FormatAmount renders an amount the way the gateway echoes gross_amount
// back in notifications ("50000.00").
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

func isWhole(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(0))
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}

// ItemID renders a numeric item id for item_details.
func ItemID(id int64) string {
	return strconv.FormatInt(id, 10)
}
