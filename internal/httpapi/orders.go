package httpapi

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/gateway"
	"kasirkantin/backend/internal/store"
)

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.CreateOrderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		order, err := a.service.CreateOrder(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, domain.OrderResponse{Order: order})
	case http.MethodGet:
		if !requireRole(w, r, staffRoles...) {
			return
		}
		if r.URL.Query().Get("reconcile") != "true" {
			writeError(w, http.StatusBadRequest, errors.New("only reconcile=true listing is supported"))
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
		orders, err := a.service.ListOrdersNeedingReconciliation(r.Context(), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.OrderListResponse{Orders: orders})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	rawID, action, ok := pathID(r.URL.Path, "/api/v1/orders/")
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid order path"))
		return
	}
	orderID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || orderID < 1 {
		writeError(w, http.StatusBadRequest, errors.New("order id must be a positive integer"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		order, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.OrderResponse{Order: order})
	case action == "approve" && r.Method == http.MethodPost:
		if !requireRole(w, r, staffRoles...) {
			return
		}
		order, err := a.service.ApproveOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.OrderResponse{Order: order})
	case action == "reject" && r.Method == http.MethodPost:
		if !requireRole(w, r, staffRoles...) {
			return
		}
		a.handleOrderReject(w, r, orderID)
	case action == "" || action == "approve" || action == "reject":
		writeMethodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown order action"))
	}
}

func (a *API) handleOrderReject(w http.ResponseWriter, r *http.Request, orderID int64) {
	var req domain.RejectOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:reject:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	order, err := a.service.RejectOrder(r.Context(), orderID, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.OrderResponse{Order: order})
}

// handlePaymentNotification is the gateway callback. Anything after a
// verified signature and a known order is acknowledged with 200 so the
// gateway stops retrying; leftovers are flagged for reconciliation instead.
func (a *API) handlePaymentNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	notification, err := gateway.ParseNotification(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.HandleNotification(r.Context(), notification)
	if err != nil {
		if !errors.Is(err, gateway.ErrInvalidSignature) && !errors.Is(err, store.ErrNotFound) {
			log.Printf("[settlement] WARN: notification order_id=%s not acknowledged: %v", notification.OrderID, err)
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.WebhookAck{
		Received: true,
		OrderID:  notification.OrderID,
		Status:   result.Status,
	})
}
