package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"boxpdv/backend/internal/domain"
	"boxpdv/backend/internal/service"
	"boxpdv/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, "register-1", time.Hour)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// doJSON fires an authenticated JSON request and returns the recorder.
func doJSON(t *testing.T, api *API, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

// TestFullSaleFlowOverHTTP drives a complete register day through the API:
// login, open session, compose a draft, finalize with cash, replay the same
// idempotency key, then close the session.
func TestFullSaleFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sessions/open", token, csrf, domain.SessionOpenRequest{
		RegisterID:         "register-1",
		InitialAmountCents: 10000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders", token, csrf, domain.OrderCreateRequest{RegisterID: "register-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var orderResp domain.OrderResponse
	decodeBody(t, rec, &orderResp)
	orderID := orderResp.Order.ID

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+orderID+"/items", token, csrf, domain.OrderItemRequest{
		ProductID: "prod-agua-500",
		Quantity:  2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert item: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &orderResp)
	if orderResp.Order.TotalCents != 800 {
		t.Fatalf("expected total 800, got %d", orderResp.Order.TotalCents)
	}

	finalize := domain.FinalizeRequest{
		PaymentMethod:  "cash",
		TenderedCents:  1000,
		IdempotencyKey: "http-flow-1",
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+orderID+"/finalize", token, csrf, finalize)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var receiptBody struct {
		Receipt domain.Receipt `json:"receipt"`
	}
	decodeBody(t, rec, &receiptBody)
	if receiptBody.Receipt.ChangeDueCents != 200 {
		t.Fatalf("expected change 200, got %d", receiptBody.Receipt.ChangeDueCents)
	}
	if receiptBody.Receipt.Duplicate {
		t.Fatalf("first finalize must not be flagged duplicate")
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+orderID+"/finalize", token, csrf, finalize)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &receiptBody)
	if !receiptBody.Receipt.Duplicate {
		t.Fatalf("replay must be flagged duplicate")
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/orders/"+orderID+"/receipt", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt text: expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected receipt content type %q", got)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sessions/close", token, csrf, domain.SessionCloseRequest{
		RegisterID:         "register-1",
		CountedAmountCents: 10800,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close session: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var closeResp domain.SessionCloseResponse
	decodeBody(t, rec, &closeResp)
	if closeResp.VarianceCents != 0 {
		t.Fatalf("expected zero variance, got %d", closeResp.VarianceCents)
	}
}

func TestFinalizeWithoutStockReturns422(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sessions/open", token, csrf, domain.SessionOpenRequest{InitialAmountCents: 5000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session failed: %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders", token, csrf, domain.OrderCreateRequest{})
	var orderResp domain.OrderResponse
	decodeBody(t, rec, &orderResp)
	orderID := orderResp.Order.ID

	// prod-creatina seeds with 15 units on hand.
	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+orderID+"/items", token, csrf, domain.OrderItemRequest{
		ProductID: "prod-creatina",
		Quantity:  16,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("drafts may exceed stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+orderID+"/finalize", token, csrf, domain.FinalizeRequest{
		PaymentMethod:  "pix",
		IdempotencyKey: "http-nostock-1",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for insufficient stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSecondSessionOpenReturns409(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sessions/open", token, csrf, domain.SessionOpenRequest{InitialAmountCents: 1000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session failed: %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sessions/open", token, csrf, domain.SessionOpenRequest{InitialAmountCents: 2000})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double open, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAuditLogsForbiddenForCashier(t *testing.T) {
	api := newTestAPI(t)

	body, _ := json.Marshal(domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("cashier login failed: %d", res.Code)
	}
	var login domain.LoginResponse
	decodeBody(t, res, &login)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", login.AccessToken, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}
}
