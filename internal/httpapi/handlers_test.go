package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tokoku/backend/internal/cache"
	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/service"
	"tokoku/backend/internal/store/memory"
)

const testPIN = "482916"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	svc := service.New(memory.New(), cache.NoopSettingsCache{}, nil, time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, testPIN, []domain.UserAccount{
		{Username: "admin", Password: "admin123", Role: domain.RoleAdmin, AccountID: "toko-1"},
		{Username: "kasir", Password: "kasir123", Role: domain.RoleCashier, AccountID: "toko-1"},
		{Username: "other", Password: "other123", Role: domain.RoleAdmin, AccountID: "toko-2"},
	})
	return New(svc, auth, "*")
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()
	res := call(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if res.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, res.Code, res.Body.String())
	}
	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return payload.AccessToken
}

func call(t *testing.T, api *API, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeInto(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func createProduct(t *testing.T, api *API, token string, code string, stock int) domain.Product {
	t.Helper()
	res := call(t, api, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		ProductCode: code, Name: "Kopi " + code, Price: 25, CostPrice: 10, Stock: stock,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", res.Code, res.Body.String())
	}
	var body struct {
		Product domain.Product `json:"product"`
	}
	decodeInto(t, res, &body)
	return body.Product
}

func saleBody(productID string, qty int) map[string]any {
	return map[string]any{
		"items": []map[string]any{{
			"line":       map[string]any{"kind": "inventory", "product_id": productID},
			"quantity":   qty,
			"unit_price": 25,
		}},
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	res := call(t, api, http.MethodGet, "/healthz", "", nil)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]any
	decodeInto(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin(t *testing.T) {
	api := newTestAPI(t)

	res := call(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body domain.LoginResponse
	decodeInto(t, res, &body)
	if body.AccessToken == "" || body.AccountID != "toko-1" || body.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response: %+v", body)
	}

	res = call(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestRoutesRequireAuthAndRole(t *testing.T) {
	api := newTestAPI(t)

	if res := call(t, api, http.MethodGet, "/api/v1/products", "", nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}
	if res := call(t, api, http.MethodGet, "/api/v1/products", "not-a-token", nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.Code)
	}

	cashier := login(t, api, "kasir", "kasir123")
	res := call(t, api, http.MethodPost, "/api/v1/products", cashier, domain.ProductCreateRequest{ProductCode: "X", Name: "X", Price: 1})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected cashier to be forbidden from adding products, got %d", res.Code)
	}
	if res := call(t, api, http.MethodGet, "/api/v1/ledger", cashier, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected cashier to be forbidden from the ledger, got %d", res.Code)
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	cashier := login(t, api, "kasir", "kasir123")
	product := createProduct(t, api, admin, "SKU-1", 3)

	res := call(t, api, http.MethodPost, "/api/v1/sales", cashier, saleBody(product.ID, 2))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	decodeInto(t, res, &created)
	if created.Sale.GrandTotal != 50 || created.Sale.NumericSaleID != 1 {
		t.Fatalf("unexpected sale: %+v", created.Sale)
	}

	res = call(t, api, http.MethodPost, "/api/v1/sales", cashier, saleBody(product.ID, 2))
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d (%s)", res.Code, res.Body.String())
	}

	res = call(t, api, http.MethodGet, "/api/v1/products/"+product.ID, cashier, nil)
	var fetched struct {
		Product domain.Product `json:"product"`
	}
	decodeInto(t, res, &fetched)
	if fetched.Product.Stock != 1 {
		t.Fatalf("expected stock 1 after one sale, got %d", fetched.Product.Stock)
	}

	if res := call(t, api, http.MethodGet, "/api/v1/sales/sale-missing", cashier, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sale, got %d", res.Code)
	}
	if res := call(t, api, http.MethodPost, "/api/v1/sales", cashier, map[string]any{"items": []any{}}); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty sale, got %d", res.Code)
	}

	res = call(t, api, http.MethodGet, "/api/v1/ledger/reconciliation", admin, nil)
	var rec struct {
		Reconciliation domain.CashReconciliation `json:"reconciliation"`
	}
	decodeInto(t, res, &rec)
	if !rec.Reconciliation.Balanced || rec.Reconciliation.CashBalance != 50 {
		t.Fatalf("expected balanced cash of 50, got %+v", rec.Reconciliation)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	other := login(t, api, "other", "other123")
	product := createProduct(t, api, admin, "SKU-1", 3)

	res := call(t, api, http.MethodGet, "/api/v1/products", other, nil)
	var body struct {
		Products []domain.Product `json:"products"`
	}
	decodeInto(t, res, &body)
	if len(body.Products) != 0 {
		t.Fatalf("expected no products in the other account, got %d", len(body.Products))
	}
	if res := call(t, api, http.MethodGet, "/api/v1/products/"+product.ID, other, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across accounts, got %d", res.Code)
	}
}

func TestDuplicateProductCodeConflicts(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	createProduct(t, api, admin, "SKU-1", 3)

	res := call(t, api, http.MethodPost, "/api/v1/products", admin, domain.ProductCreateRequest{ProductCode: "SKU-1", Name: "Copy", Price: 5})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
	res = call(t, api, http.MethodPost, "/api/v1/products", admin, map[string]any{"product_code": "SKU-2", "colour": "red"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestRestoreRequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	createProduct(t, api, admin, "SKU-1", 3)

	res := call(t, api, http.MethodPost, "/api/v1/backups", admin, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("backup: %d %s", res.Code, res.Body.String())
	}
	var created struct {
		Backup domain.BackupSummary `json:"backup"`
	}
	decodeInto(t, res, &created)

	createProduct(t, api, admin, "SKU-2", 1)

	path := "/api/v1/backups/" + created.Backup.ID + "/restore"
	if res := call(t, api, http.MethodPost, path, admin, managerPINRequest{ManagerPIN: "000001"}); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong PIN, got %d", res.Code)
	}
	if res := call(t, api, http.MethodPost, path, admin, managerPINRequest{ManagerPIN: testPIN}); res.Code != http.StatusOK {
		t.Fatalf("expected restore to succeed, got %d %s", res.Code, res.Body.String())
	}

	res = call(t, api, http.MethodGet, "/api/v1/products", admin, nil)
	var body struct {
		Products []domain.Product `json:"products"`
	}
	decodeInto(t, res, &body)
	if len(body.Products) != 1 || body.Products[0].ProductCode != "SKU-1" {
		t.Fatalf("expected only the snapshot's product, got %+v", body.Products)
	}
}

func TestResetAccountClearsData(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	createProduct(t, api, admin, "SKU-1", 3)

	if res := call(t, api, http.MethodPost, "/api/v1/account/reset", admin, managerPINRequest{ManagerPIN: testPIN}); res.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", res.Code, res.Body.String())
	}
	res := call(t, api, http.MethodGet, "/api/v1/settings", admin, nil)
	var body struct {
		Settings domain.AppSettings `json:"settings"`
	}
	decodeInto(t, res, &body)
	if body.Settings.TotalProducts != 0 || body.Settings.LastSaleNumericID != 0 {
		t.Fatalf("expected fresh settings, got %+v", body.Settings)
	}
}

func TestLedgerExportIsWorkbook(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	if res := call(t, api, http.MethodPost, "/api/v1/ledger/cash-adjustments", admin, domain.CashAdjustmentRequest{Amount: 100, Notes: "float"}); res.Code != http.StatusCreated {
		t.Fatalf("cash adjustment: %d %s", res.Code, res.Body.String())
	}

	res := call(t, api, http.MethodGet, "/api/v1/ledger/export", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !bytes.HasPrefix(res.Body.Bytes(), []byte("PK")) {
		t.Fatalf("expected a zip container")
	}
}
