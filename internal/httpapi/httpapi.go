package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/service"
	"tokoku/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
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

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	staff := []string{domain.RoleCashier, domain.RoleAdmin}

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("GET /api/v1/settings", a.requireAuth(a.handleGetSettings, staff...))
	mux.HandleFunc("PATCH /api/v1/settings", a.requireAuth(a.handleUpdateSettings, domain.RoleAdmin))

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleListProducts, staff...))
	mux.HandleFunc("POST /api/v1/products", a.requireAuth(a.handleAddProduct, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/products/low-stock", a.requireAuth(a.handleLowStock, staff...))
	mux.HandleFunc("GET /api/v1/products/{id}", a.requireAuth(a.handleGetProduct, staff...))
	mux.HandleFunc("POST /api/v1/products/{id}/stock-adjustments", a.requireAuth(a.handleAdjustStock, domain.RoleAdmin))
	mux.HandleFunc("DELETE /api/v1/products/{id}", a.requireAuth(a.handleDeleteProduct, domain.RoleAdmin))

	mux.HandleFunc("GET /api/v1/customers", a.requireAuth(a.handleListCustomers, staff...))
	mux.HandleFunc("POST /api/v1/customers", a.requireAuth(a.handleCreateCustomer, staff...))
	mux.HandleFunc("GET /api/v1/customers/search", a.requireAuth(a.handleFindCustomer, staff...))
	mux.HandleFunc("DELETE /api/v1/customers/{id}", a.requireAuth(a.handleDeleteCustomer, domain.RoleAdmin))

	mux.HandleFunc("GET /api/v1/suppliers", a.requireAuth(a.handleListSuppliers, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/suppliers", a.requireAuth(a.handleCreateSupplier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/suppliers/{id}", a.requireAuth(a.handleGetSupplier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/suppliers/{id}/outstanding", a.requireAuth(a.handleOutstandingPurchases, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/suppliers/{id}/payments", a.requireAuth(a.handleSupplierPayment, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/suppliers/{id}/reconciliation", a.requireAuth(a.handleReconcileSupplier, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleProcessSale, staff...))
	mux.HandleFunc("GET /api/v1/sales", a.requireAuth(a.handleListSales, staff...))
	mux.HandleFunc("GET /api/v1/sales/{id}", a.requireAuth(a.handleGetSale, staff...))
	mux.HandleFunc("POST /api/v1/quotations", a.requireAuth(a.handleCreateQuotation, staff...))
	mux.HandleFunc("GET /api/v1/quotations", a.requireAuth(a.handleListQuotations, staff...))

	mux.HandleFunc("POST /api/v1/purchases", a.requireAuth(a.handleAddPurchase, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/purchases", a.requireAuth(a.handleListPurchases, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/purchases/{id}", a.requireAuth(a.handleGetPurchase, domain.RoleAdmin))
	mux.HandleFunc("PUT /api/v1/purchases/{id}", a.requireAuth(a.handleUpdatePurchase, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/returns", a.requireAuth(a.handleAddReturn, staff...))
	mux.HandleFunc("GET /api/v1/returns", a.requireAuth(a.handleListReturns, staff...))
	mux.HandleFunc("GET /api/v1/returns/{id}", a.requireAuth(a.handleGetReturn, staff...))

	mux.HandleFunc("GET /api/v1/ledger", a.requireAuth(a.handleListLedger, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/ledger/cash-adjustments", a.requireAuth(a.handleAdjustCash, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/ledger/reconciliation", a.requireAuth(a.handleReconcileCash, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/ledger/export", a.requireAuth(a.handleExportLedger, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/activity", a.requireAuth(a.handleListActivity, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/backups", a.requireAuth(a.handleBackup, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/backups", a.requireAuth(a.handleListBackups, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/backups/prune", a.requireAuth(a.handlePruneBackups, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/backups/{id}/restore", a.requireAuth(a.handleRestore, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/account/reset", a.requireAuth(a.handleResetAccount, domain.RoleAdmin))

	return a.withMiddleware(mux)
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

// accountOf returns the account the caller's token is bound to.
func accountOf(r *http.Request) string {
	actor, _ := service.ActorFromContext(r.Context())
	return actor.AccountID
}

// requireManagerPIN is checked inside the handler so the PIN travels in the
// request body alongside the rest of the payload.
func (a *API) requireManagerPIN(w http.ResponseWriter, r *http.Request, pin string) bool {
	if !a.pinLimiter.Allow(clientKey(r)) {
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
	if err := a.service.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.service.GetSettings(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req domain.SettingsUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	current, err := a.service.GetSettings(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	updated, err := a.service.UpdateSettings(r.Context(), accountOf(r), current, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": updated})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleAddProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.AddProduct(r.Context(), accountOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListLowStockProducts(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), accountOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.AdjustStock(r.Context(), accountOf(r), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	credit, _ := strconv.ParseBool(r.URL.Query().Get("credit_stock_value"))
	if err := a.service.DeleteProduct(r.Context(), accountOf(r), r.PathValue("id"), credit); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := a.service.ListCustomers(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.CreateCustomer(r.Context(), accountOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
}

func (a *API) handleFindCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := a.service.FindCustomerByName(r.Context(), accountOf(r), r.URL.Query().Get("name"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteCustomer(r.Context(), accountOf(r), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListSuppliers(w http.ResponseWriter, r *http.Request) {
	suppliers, err := a.service.ListSuppliers(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": suppliers})
}

func (a *API) handleCreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req domain.SupplierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	supplier, err := a.service.CreateSupplier(r.Context(), accountOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"supplier": supplier})
}

func (a *API) handleGetSupplier(w http.ResponseWriter, r *http.Request) {
	supplier, err := a.service.GetSupplier(r.Context(), accountOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"supplier": supplier})
}

func (a *API) handleOutstandingPurchases(w http.ResponseWriter, r *http.Request) {
	invoices, err := a.service.ListOutstandingPurchases(r.Context(), accountOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": invoices})
}

func (a *API) handleSupplierPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.SupplierPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payment, err := a.service.RecordSupplierPayment(r.Context(), accountOf(r), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"payment": payment})
}

func (a *API) handleReconcileSupplier(w http.ResponseWriter, r *http.Request) {
	rec, err := a.service.ReconcileSupplier(r.Context(), accountOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconciliation": rec})
}

func (a *API) handleProcessSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sale, err := a.service.ProcessSale(r.Context(), accountOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.ListSales(r.Context(), accountOf(r), parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), accountOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleCreateQuotation(w http.ResponseWriter, r *http.Request) {
	var req domain.QuotationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	quotation, err := a.service.CreateQuotation(r.Context(), accountOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"quotation": quotation})
}

func (a *API) handleListQuotations(w http.ResponseWriter, r *http.Request) {
	quotations, err := a.service.ListQuotations(r.Context(), accountOf(r), parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotations": quotations})
}

func (a *API) handleAddPurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	invoice, err := a.service.AddPurchaseInvoice(r.Context(), accountOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchase": invoice})
}

func (a *API) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	invoices, err := a.service.ListPurchaseInvoices(r.Context(), accountOf(r), parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": invoices})
}

func (a *API) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	invoice, err := a.service.GetPurchaseInvoice(r.Context(), accountOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase": invoice})
}

func (a *API) handleUpdatePurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	invoice, err := a.service.UpdatePurchaseInvoice(r.Context(), accountOf(r), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase": invoice})
}

func (a *API) handleAddReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ret, err := a.service.AddReturn(r.Context(), accountOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"return": ret})
}

func (a *API) handleListReturns(w http.ResponseWriter, r *http.Request) {
	returns, err := a.service.ListReturns(r.Context(), accountOf(r), parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
}

func (a *API) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := a.service.GetReturn(r.Context(), accountOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"return": ret})
}

func (a *API) handleListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := a.service.ListBusinessTransactions(r.Context(), accountOf(r), parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (a *API) handleAdjustCash(w http.ResponseWriter, r *http.Request) {
	var req domain.CashAdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := a.service.AdjustCash(r.Context(), accountOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": entry})
}

func (a *API) handleReconcileCash(w http.ResponseWriter, r *http.Request) {
	rec, err := a.service.ReconcileCash(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconciliation": rec})
}

func (a *API) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := a.service.ExportLedgerWorkbook(r.Context(), accountOf(r), &buf); err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (a *API) handleListActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := a.service.ListActivity(r.Context(), accountOf(r), parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

func (a *API) handleBackup(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.Backup(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"backup": summary})
}

func (a *API) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := a.service.ListBackups(r.Context(), accountOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

type pruneRequest struct {
	Retention int `json:"retention"`
}

func (a *API) handlePruneBackups(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	removed, err := a.service.PruneBackups(r.Context(), accountOf(r), req.Retention)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

type managerPINRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req managerPINRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.requireManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	if err := a.service.Restore(r.Context(), accountOf(r), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": r.PathValue("id")})
}

func (a *API) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	var req managerPINRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.requireManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	if err := a.service.ResetAccount(r.Context(), accountOf(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
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

// statusFor maps the store's error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrDuplicateKey),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		log.Printf("store unavailable: %v", err)
		writeJSON(w, status, map[string]any{"error": "store unavailable"})
		return
	}
	if errors.Is(err, store.ErrConflict) {
		log.Printf("transaction gave up after retries: %v", err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, status, map[string]any{"error": "concurrent update, retry the request"})
		return
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
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
