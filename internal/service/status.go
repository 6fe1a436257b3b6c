package service

import (
	"strings"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/gateway"
)

// InitialStatus decides where a new order starts. Self-service orders wait
// for staff approval; staff cash orders are paid on the spot; staff QRIS
// orders wait for the gateway.
func InitialStatus(role string, method string) (status string, source string, err error) {
	switch role {
	case domain.RoleUser:
		return domain.OrderStatusPending, domain.OrderSourceUser, nil
	case domain.RoleAdmin, domain.RoleKasir:
		if method == domain.PaymentMethodCash {
			return domain.OrderStatusCash, domain.OrderSourceStaff, nil
		}
		return domain.OrderStatusPending, domain.OrderSourceStaff, nil
	default:
		return "", "", ErrForbidden
	}
}

// TargetStatus maps a gateway notification onto an order status. ok is false
// for transaction statuses the state machine does not know.
func TargetStatus(transactionStatus string, fraudStatus string) (status string, ok bool) {
	switch strings.ToLower(strings.TrimSpace(transactionStatus)) {
	case gateway.StatusCapture:
		switch strings.ToLower(strings.TrimSpace(fraudStatus)) {
		case "", gateway.FraudAccept:
			return domain.OrderStatusSettlement, true
		case gateway.FraudChallenge:
			return domain.OrderStatusPending, true
		default:
			return domain.OrderStatusCancel, true
		}
	case gateway.StatusSettlement:
		return domain.OrderStatusSettlement, true
	case gateway.StatusPending:
		return domain.OrderStatusPending, true
	case gateway.StatusDeny, gateway.StatusCancel, gateway.StatusFailure:
		return domain.OrderStatusCancel, true
	case gateway.StatusExpire:
		return domain.OrderStatusExpire, true
	default:
		return "", false
	}
}

// approvedStatus is the terminal status a manual approval moves an order to.
func approvedStatus(method string) string {
	if method == domain.PaymentMethodCash {
		return domain.OrderStatusCash
	}
	return domain.OrderStatusCompleted
}

// sessionPatchFor mirrors an order status onto the customer display.
func sessionPatchFor(order domain.Order) domain.SessionStatusPatch {
	patch := domain.SessionStatusPatch{
		PaymentStatus:   order.Status,
		OrderID:         order.ID,
		ExternalOrderID: order.ExternalOrderID,
	}
	switch order.Status {
	case domain.OrderStatusSettlement, domain.OrderStatusCash, domain.OrderStatusCompleted:
		patch.Status = domain.SessionStatusClosed
	case domain.OrderStatusPending:
		if order.ChargeURL != "" {
			gross := order.GrossAmount
			patch.Status = domain.SessionStatusPayment
			patch.ChargeURL = order.ChargeURL
			patch.ChargeExpiresAt = order.ChargeExpiresAt
			patch.TotalAmount = &gross
		}
	}
	return patch
}
