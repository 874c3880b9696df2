// Package handler содержит HTTP-обработчики API движка кэшбэка.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cashback-engine/internal/cashback"
	"github.com/mmeshcher/cashback-engine/internal/middleware"
	"github.com/mmeshcher/cashback-engine/internal/model"
	"github.com/mmeshcher/cashback-engine/internal/repository"
	"github.com/mmeshcher/cashback-engine/internal/validation"
)

const dateLayout = "2006-01-02"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetConfig(ctx context.Context, storeID string) (*model.Config, error)
	UpdateConfig(ctx context.Context, storeID string, patch model.ConfigPatch) (*model.Config, error)
	PreviewCashback(ctx context.Context, storeID string, items []model.OrderItem, orderAmount decimal.Decimal) (*model.Preview, error)
	RecordEarning(ctx context.Context, orderID, storeID string) (*model.Earning, error)
	UseCashback(ctx context.Context, customerID, storeID, orderID string, amount decimal.Decimal) (*model.Redemption, error)
	GetBalance(ctx context.Context, customerID, storeID string) (*model.Balance, error)
	GetHistory(ctx context.Context, customerID, storeID string, page, pageSize int) (*model.History, error)
	ReportWindow(start, end *time.Time, days int) (time.Time, time.Time)
	GetReport(ctx context.Context, storeID string, start, end time.Time) (*model.Report, error)
	ExpireOldCashback(ctx context.Context) (int64, error)
}

// Handler реализует HTTP-обработчики API движка кэшбэка.
type Handler struct {
	service         Service
	logger          *zap.Logger
	storeMiddleware *middleware.StoreMiddleware
	corsOrigins     []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, store *middleware.StoreMiddleware, corsOrigins []string) *Handler {
	return &Handler{
		service:         s,
		logger:          logger,
		storeMiddleware: store,
		corsOrigins:     corsOrigins,
	}
}

type errorResponse struct {
	Error            string           `json:"error"`
	Field            string           `json:"field,omitempty"`
	CurrentBalance   *decimal.Decimal `json:"currentBalance,omitempty"`
	MaxUsagePerOrder *decimal.Decimal `json:"maxUsagePerOrder,omitempty"`
	AlreadyUsed      *decimal.Decimal `json:"alreadyUsed,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError отвечает статусом, соответствующим ошибке сервиса.
// Непредвиденные ошибки логируются и скрываются за 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	var (
		verr     *validation.Error
		balErr   *repository.InsufficientBalanceError
		usageErr *repository.UsageCapError
	)

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, repository.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "order not found"})
	case errors.Is(err, repository.ErrCustomerNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "customer not found"})
	case errors.As(err, &balErr):
		current := balErr.Current
		writeJSON(w, http.StatusPaymentRequired, errorResponse{
			Error:          "insufficient cashback balance",
			CurrentBalance: &current,
		})
	case errors.As(err, &usageErr):
		limit, used := usageErr.Cap, usageErr.AlreadyUsed
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:            "cashback usage limit for this order exceeded",
			MaxUsagePerOrder: &limit,
			AlreadyUsed:      &used,
		})
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message})
}

func storeFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	return storeID, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := chi.URLParam(r, name)
	if !validation.IsValidID(id) {
		badRequest(w, "invalid "+name)
		return "", false
	}
	return id, true
}

// GetConfig возвращает настройки кэшбэка магазина.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	cfg, err := h.service.GetConfig(r.Context(), storeID)
	if err != nil {
		h.writeServiceError(w, "get config error", err, zap.String("storeID", storeID))
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig применяет частичное обновление настроек кэшбэка магазина.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	var patch model.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	cfg, err := h.service.UpdateConfig(r.Context(), storeID, patch)
	if err != nil {
		h.writeServiceError(w, "update config error", err, zap.String("storeID", storeID))
		return
	}

	h.logger.Info("cashback config updated", zap.String("storeID", storeID), zap.Bool("isActive", cfg.IsActive))
	writeJSON(w, http.StatusOK, cfg)
}

type calculateRequest struct {
	Items       []model.OrderItem `json:"items"`
	OrderAmount *decimal.Decimal  `json:"orderAmount"`
}

// Calculate рассчитывает кэшбэк для корзины до оформления заказа.
// Если сумма заказа не передана, она вычисляется по позициям.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	var req calculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	amount := decimal.Zero
	if req.OrderAmount != nil {
		amount = *req.OrderAmount
	} else {
		for _, item := range req.Items {
			amount = amount.Add(cashback.LineTotal(item))
		}
	}
	if amount.IsNegative() {
		badRequest(w, "orderAmount must not be negative")
		return
	}

	preview, err := h.service.PreviewCashback(r.Context(), storeID, req.Items, amount)
	if err != nil {
		h.writeServiceError(w, "calculate cashback error", err, zap.String("storeID", storeID))
		return
	}

	writeJSON(w, http.StatusOK, preview)
}

// EarnCashback начисляет кэшбэк за оплаченный заказ.
func (h *Handler) EarnCashback(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}

	res, err := h.service.RecordEarning(r.Context(), orderID, storeID)
	if err != nil {
		h.writeServiceError(w, "record earning error", err,
			zap.String("storeID", storeID), zap.String("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type useRequest struct {
	CustomerID string          `json:"customerId"`
	OrderID    string          `json:"orderId"`
	Amount     decimal.Decimal `json:"amount"`
}

// UseCashback списывает кэшбэк клиента в счёт заказа.
func (h *Handler) UseCashback(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	var req useRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	if !validation.IsValidID(req.CustomerID) {
		badRequest(w, "invalid customerId")
		return
	}
	if !validation.IsValidID(req.OrderID) {
		badRequest(w, "invalid orderId")
		return
	}

	res, err := h.service.UseCashback(r.Context(), req.CustomerID, storeID, req.OrderID, req.Amount)
	if err != nil {
		h.writeServiceError(w, "use cashback error", err,
			zap.String("storeID", storeID), zap.String("customerID", req.CustomerID), zap.String("orderID", req.OrderID))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GetBalance возвращает доступный баланс кэшбэка клиента.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), customerID, storeID)
	if err != nil {
		h.writeServiceError(w, "get balance error", err,
			zap.String("storeID", storeID), zap.String("customerID", customerID))
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// GetHistory возвращает историю операций клиента постранично.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}

	page, ok := queryInt(r, "page")
	if !ok {
		badRequest(w, "invalid page")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}

	history, err := h.service.GetHistory(r.Context(), customerID, storeID, page, limit)
	if err != nil {
		h.writeServiceError(w, "get history error", err,
			zap.String("storeID", storeID), zap.String("customerID", customerID))
		return
	}

	writeJSON(w, http.StatusOK, history)
}

func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// GetReport возвращает статистику кэшбэка магазина и рейтинг клиентов за период.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	start, err := parseDate(q.Get("startDate"), false)
	if err != nil {
		badRequest(w, "invalid startDate")
		return
	}
	end, err := parseDate(q.Get("endDate"), true)
	if err != nil {
		badRequest(w, "invalid endDate")
		return
	}
	days, ok := queryInt(r, "period")
	if !ok {
		badRequest(w, "invalid period")
		return
	}

	from, to := h.service.ReportWindow(start, end, days)
	if from.After(to) {
		badRequest(w, "startDate must not be after endDate")
		return
	}

	report, err := h.service.GetReport(r.Context(), storeID, from, to)
	if err != nil {
		h.writeServiceError(w, "get report error", err, zap.String("storeID", storeID))
		return
	}

	writeJSON(w, http.StatusOK, report)
}

type expireResponse struct {
	Expired int64 `json:"expired"`
}

// ExpireCashback запускает внеочередную сверку просроченного кэшбэка.
func (h *Handler) ExpireCashback(w http.ResponseWriter, r *http.Request) {
	storeID, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	count, err := h.service.ExpireOldCashback(r.Context())
	if err != nil {
		h.writeServiceError(w, "expire cashback error", err, zap.String("storeID", storeID))
		return
	}

	writeJSON(w, http.StatusOK, expireResponse{Expired: count})
}
