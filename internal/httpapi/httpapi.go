package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/metrics"
	"checkoutengine/backend/internal/service"
)

const (
	roleStaff = "staff"
	roleAdmin = "admin"
)

type Options struct {
	AllowedOrigin string
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	// RequestsPerMinute caps requests per client address. Zero disables the
	// limit.
	RequestsPerMinute int64
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	logger        *zap.Logger
	metrics       *metrics.Metrics
	allowedOrigin string
	rateLimit     *stdlib.Middleware
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	api := &API{
		service:       svc,
		auth:          auth,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		allowedOrigin: opts.AllowedOrigin,
	}
	if opts.RequestsPerMinute > 0 {
		rate := limiter.Rate{Period: time.Minute, Limit: opts.RequestsPerMinute}
		api.rateLimit = stdlib.NewMiddleware(limiter.New(memory.NewStore(), rate))
	}
	return api
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	staff := func(h http.HandlerFunc) http.HandlerFunc { return a.requireAuth(h, roleStaff, roleAdmin) }
	admin := func(h http.HandlerFunc) http.HandlerFunc { return a.requireAuth(h, roleAdmin) }

	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	mux.HandleFunc("POST /api/v1/checkouts", staff(a.handleCheckoutCreate))
	mux.HandleFunc("GET /api/v1/checkouts/{id}", staff(a.handleCheckoutGet))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/items", staff(a.handleItemsCreate))
	mux.HandleFunc("PATCH /api/v1/checkouts/{id}/items/{itemID}", staff(a.handleItemSet))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/items/delete", staff(a.handleItemsDelete))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/coupons", staff(a.handleCouponAdd))
	mux.HandleFunc("DELETE /api/v1/checkouts/{id}/coupons/{handle}", staff(a.handleCouponRemove))
	mux.HandleFunc("PUT /api/v1/checkouts/{id}/adjustments", staff(a.handleAdjustmentsSet))
	mux.HandleFunc("PUT /api/v1/checkouts/{id}/address", staff(a.handleAddressSet))
	mux.HandleFunc("PUT /api/v1/checkouts/{id}/shipping-provider", staff(a.handleShippingProviderSet))
	mux.HandleFunc("PUT /api/v1/checkouts/{id}/customer", staff(a.handleCustomerSet))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/recalculate", staff(a.handlePriceRecalculate))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/process", staff(a.handleProcess))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/pay", staff(a.handlePay))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/release", staff(a.handleRelease))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/cancel", staff(a.handleCheckoutCancel))
	mux.HandleFunc("GET /api/v1/checkouts/{id}/invoices", staff(a.handleInvoicesList))
	mux.HandleFunc("GET /api/v1/checkouts/{id}/order", staff(a.handleOrderByCheckout))

	mux.HandleFunc("GET /api/v1/invoices/{id}", staff(a.handleInvoiceGet))
	mux.HandleFunc("POST /api/v1/invoices/{id}/cancel", staff(a.handleInvoiceCancel))
	mux.HandleFunc("POST /api/v1/invoices/{id}/refund", staff(a.handleInvoiceRefund))

	mux.HandleFunc("GET /api/v1/orders/{id}", staff(a.handleOrderGet))
	mux.HandleFunc("PATCH /api/v1/orders/{id}", staff(a.handleOrderUpdate))
	mux.HandleFunc("POST /api/v1/orders/{id}/confirm", staff(a.handleOrderConfirm))
	mux.HandleFunc("POST /api/v1/orders/{id}/complete", staff(a.handleOrderComplete))
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", admin(a.handleOrderCancel))
	mux.HandleFunc("POST /api/v1/orders/{id}/kitchen-status", staff(a.handleOrderKitchenStatus))
	mux.HandleFunc("POST /api/v1/orders/{id}/shipping-status", staff(a.handleOrderShippingStatus))
	mux.HandleFunc("GET /api/v1/orders/{id}/documents", staff(a.handleOrderDocuments))

	mux.HandleFunc("POST /api/v1/documents", staff(a.handleDocumentCreate))
	mux.HandleFunc("GET /api/v1/documents/{id}", staff(a.handleDocumentGet))
	mux.HandleFunc("POST /api/v1/documents/{id}/start", staff(a.handleDocumentStart))
	mux.HandleFunc("POST /api/v1/documents/{id}/complete", staff(a.handleDocumentComplete))
	mux.HandleFunc("POST /api/v1/documents/{id}/cancel", staff(a.handleDocumentCancel))

	mux.HandleFunc("GET /api/v1/stock/levels", staff(a.handleStockLevel))
	mux.HandleFunc("GET /api/v1/stock/movements", staff(a.handleMovements))
	mux.HandleFunc("POST /api/v1/stock/movements/{id}/void", staff(a.handleMovementVoid))
	mux.HandleFunc("GET /api/v1/stock/verify", admin(a.handleStockVerify))

	mux.HandleFunc("POST /api/v1/sync/offline-checkouts", staff(a.handleOfflineImport))
	mux.HandleFunc("GET /api/v1/audit-logs", admin(a.handleAuditLogs))

	var handler http.Handler = mux
	if a.rateLimit != nil {
		handler = a.rateLimit.Handler(handler)
	}
	return a.withMiddleware(handler)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// requireManagerPIN gates sensitive staff actions. Admins are trusted
// without a PIN.
func (a *API) requireManagerPIN(w http.ResponseWriter, r *http.Request, pin string) bool {
	if actor, ok := service.ActorFromContext(r.Context()); ok && actor.Role == roleAdmin {
		return true
	}
	if !a.auth.ManagerPINAllowed(r.Context(), clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager PIN"))
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCheckoutCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.CreateCheckout(r.Context(), req)
	a.reply(w, http.StatusCreated, "checkout", checkout, err)
}

func (a *API) handleCheckoutGet(w http.ResponseWriter, r *http.Request) {
	checkout, err := a.service.GetCheckout(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleItemsCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutItemsCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.AddItems(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleItemSet(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutItemSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.SetItem(r.Context(), r.PathValue("id"), r.PathValue("itemID"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleItemsDelete(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutItemsDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.DeleteItems(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleCouponAdd(w http.ResponseWriter, r *http.Request) {
	var req domain.CouponRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.AddCoupon(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleCouponRemove(w http.ResponseWriter, r *http.Request) {
	checkout, err := a.service.RemoveCoupon(r.Context(), r.PathValue("id"), domain.CouponRequest{Handle: r.PathValue("handle")})
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleAdjustmentsSet(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustmentsSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.SetAdjustments(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleAddressSet(w http.ResponseWriter, r *http.Request) {
	var req domain.AddressSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.SetAddress(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleShippingProviderSet(w http.ResponseWriter, r *http.Request) {
	var req domain.ShippingProviderSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.SetShippingProvider(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleCustomerSet(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.SetCustomer(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handlePriceRecalculate(w http.ResponseWriter, r *http.Request) {
	checkout, err := a.service.RecalculatePrices(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	checkout, err := a.service.ProcessCheckout(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handlePay(w http.ResponseWriter, r *http.Request) {
	var req domain.PayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	resp, err := a.service.Pay(r.Context(), r.PathValue("id"), req)
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			a.logger.Error("pay failed", zap.String("checkout_id", r.PathValue("id")), zap.Error(err))
			writeError(w, status, err)
			return
		}
		writeJSON(w, status, map[string]any{
			"error":       err.Error(),
			"recoverable": service.IsRecoverable(err),
			"payment":     resp,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	checkout, err := a.service.ReleaseCheckout(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleCheckoutCancel(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutCancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checkout, err := a.service.CancelCheckout(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "checkout", checkout, err)
}

func (a *API) handleInvoicesList(w http.ResponseWriter, r *http.Request) {
	invoices, err := a.service.ListInvoices(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "invoices", invoices, err)
}

func (a *API) handleOrderByCheckout(w http.ResponseWriter, r *http.Request) {
	o, err := a.service.GetOrderByCheckout(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "order", o, err)
}

func (a *API) handleInvoiceGet(w http.ResponseWriter, r *http.Request) {
	invoice, err := a.service.GetInvoice(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "invoice", invoice, err)
}

func (a *API) handleInvoiceCancel(w http.ResponseWriter, r *http.Request) {
	invoice, err := a.service.CancelInvoice(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "invoice", invoice, err)
}

func (a *API) handleInvoiceRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.InvoiceRefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.requireManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	resp, err := a.service.RefundInvoice(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrderGet(w http.ResponseWriter, r *http.Request) {
	o, err := a.service.GetOrder(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "order", o, err)
}

func (a *API) handleOrderUpdate(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	o, err := a.service.UpdateOrder(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "order", o, err)
}

func (a *API) handleOrderConfirm(w http.ResponseWriter, r *http.Request) {
	o, err := a.service.ConfirmOrder(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "order", o, err)
}

func (a *API) handleOrderComplete(w http.ResponseWriter, r *http.Request) {
	o, err := a.service.CompleteOrder(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "order", o, err)
}

func (a *API) handleOrderCancel(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderCancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	o, err := a.service.CancelOrder(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "order", o, err)
}

func (a *API) handleOrderKitchenStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderKitchenStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	o, err := a.service.SetOrderKitchenStatus(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "order", o, err)
}

func (a *API) handleOrderShippingStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderShippingStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	o, err := a.service.SetOrderShippingStatus(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "order", o, err)
}

func (a *API) handleOrderDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := a.service.ListOrderDocuments(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "documents", docs, err)
}

func (a *API) handleDocumentCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.StockDocumentCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	doc, err := a.service.CreateStockDocument(r.Context(), req)
	a.reply(w, http.StatusCreated, "document", doc, err)
}

func (a *API) handleDocumentGet(w http.ResponseWriter, r *http.Request) {
	doc, err := a.service.GetStockDocument(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "document", doc, err)
}

func (a *API) handleDocumentStart(w http.ResponseWriter, r *http.Request) {
	doc, err := a.service.StartStockDocument(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "document", doc, err)
}

func (a *API) handleDocumentComplete(w http.ResponseWriter, r *http.Request) {
	doc, err := a.service.CompleteStockDocument(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "document", doc, err)
}

func (a *API) handleDocumentCancel(w http.ResponseWriter, r *http.Request) {
	doc, err := a.service.CancelStockDocument(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, "document", doc, err)
}

func (a *API) handleStockLevel(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	level, err := a.service.StockLevel(r.Context(), query.Get("sku"), query.Get("warehouse_id"))
	a.reply(w, http.StatusOK, "stock", level, err)
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := a.service.MovementsByReference(r.Context(), r.URL.Query().Get("reference"))
	a.reply(w, http.StatusOK, "movements", movements, err)
}

func (a *API) handleMovementVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.MovementVoidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.requireManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	movement, err := a.service.VoidMovement(r.Context(), r.PathValue("id"), req)
	a.reply(w, http.StatusOK, "movement", movement, err)
}

func (a *API) handleStockVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if err := a.service.VerifyStock(r.Context(), query.Get("sku"), query.Get("warehouse_id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleOfflineImport(w http.ResponseWriter, r *http.Request) {
	var req domain.OfflineImportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.ImportOffline(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), query.Get("shop_id"), query.Get("date"), limit)
	a.reply(w, http.StatusOK, "audit_logs", logs, err)
}

// reply writes payload under key, or the mapped error.
func (a *API) reply(w http.ResponseWriter, status int, key string, payload any, err error) {
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, status, map[string]any{key: payload})
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrPricingInconsistency):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrWarehouseUnresolved),
		errors.Is(err, domain.ErrReferenceNoExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrProviderDeclined),
		errors.Is(err, domain.ErrProviderPermanentFailure):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		a.metrics.ObserveRequest(pattern, strconv.Itoa(rec.status), float64(elapsed.Microseconds())/1000)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", elapsed),
		)
	})
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
