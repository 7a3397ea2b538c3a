package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/okapipay/okapi/internal/config"
	"github.com/okapipay/okapi/internal/remote"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.ArgonTime = 1
	cfg.ArgonMemoryKB = 8 * 1024
	cfg.RateLimitRPM = 10000
	return cfg
}

// newTestServer creates a server with in-memory storage and a mock ledger
func newTestServer(t *testing.T) (*Server, *remote.MockLedger) {
	t.Helper()
	ledger := remote.NewMockLedger()
	s, err := New(testConfig(), WithLedger(ledger))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, ledger
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func registerTestAccount(t *testing.T, s *Server, phone string) string {
	t.Helper()
	w, resp := doJSON(t, s, "POST", "/v1/accounts",
		`{"phone":"`+phone+`","pin":"1234","deviceFingerprint":"fp-test-device-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatalf("register: no account id in %v", resp)
	}
	return id
}

// ---------------------------------------------------------------------------
// Health and info endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestHealthReportsLedgerButStaysHealthy(t *testing.T) {
	s, ledger := newTestServer(t)
	ledger.SetOffline(true)

	w, resp := doJSON(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with unreachable ledger, got %d", w.Code)
	}
	checks := resp["checks"].(map[string]interface{})
	if checks["ledger"] != "unreachable" {
		t.Errorf("Expected ledger 'unreachable', got %v", checks["ledger"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w, resp := doJSON(t, s, "GET", "/api", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp["name"] != "Okapi" {
		t.Errorf("Expected name 'Okapi', got %v", resp["name"])
	}
}

// ---------------------------------------------------------------------------
// Account endpoints
// ---------------------------------------------------------------------------

func TestRegisterAccount(t *testing.T) {
	s, _ := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000001")

	w, resp := doJSON(t, s, "GET", "/v1/accounts/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if resp["phone"] != "+254712000001" {
		t.Errorf("Expected phone echoed back, got %v", resp["phone"])
	}
	if resp["lockState"] != "active" {
		t.Errorf("Expected lockState 'active', got %v", resp["lockState"])
	}
	if _, hasHash := resp["pinHash"]; hasHash {
		t.Error("Account response must not expose the PIN hash")
	}
}

func TestRegisterDuplicatePhone(t *testing.T) {
	s, _ := newTestServer(t)
	registerTestAccount(t, s, "+254712000002")

	w, resp := doJSON(t, s, "POST", "/v1/accounts",
		`{"phone":"+254712000002","pin":"9999","deviceFingerprint":"fp-other-device"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
	if resp["error"] != "duplicate_account" {
		t.Errorf("Expected 'duplicate_account', got %v", resp["error"])
	}
}

func TestRegisterRejectsBadPin(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s, "POST", "/v1/accounts",
		`{"phone":"+254712000003","pin":"12","deviceFingerprint":"fp-test-device-1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s, "GET", "/v1/accounts/acct_missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestAddDeviceRequiresPin(t *testing.T) {
	s, _ := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000004")

	w, _ := doJSON(t, s, "POST", "/v1/accounts/"+id+"/devices",
		`{"pin":"0000","deviceFingerprint":"fp-second-device"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong PIN, got %d", w.Code)
	}

	w, _ = doJSON(t, s, "POST", "/v1/accounts/"+id+"/devices",
		`{"pin":"1234","deviceFingerprint":"fp-second-device"}`)
	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Transaction endpoints
// ---------------------------------------------------------------------------

func submitBody(accountID, amount string) string {
	return `{"accountId":"` + accountID + `","pin":"1234","deviceFingerprint":"fp-test-device-1",` +
		`"recipient":"merchant-abc","amount":"` + amount + `","currency":"KES"}`
}

func TestSubmitTransaction(t *testing.T) {
	s, ledger := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000005")

	w, resp := doJSON(t, s, "POST", "/v1/transactions", submitBody(id, "150.00"))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	txn := resp["transaction"].(map[string]interface{})
	if txn["status"] != "synced" {
		t.Errorf("Expected status 'synced', got %v", txn["status"])
	}
	txnID := txn["id"].(string)
	if !ledger.Committed(txnID) {
		t.Error("Transaction did not reach the ledger")
	}

	w, _ = doJSON(t, s, "GET", "/v1/transactions/"+txnID, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 fetching transaction, got %d", w.Code)
	}

	w, resp = doJSON(t, s, "GET", "/v1/transactions/"+txnID+"/assessment", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 fetching assessment, got %d", w.Code)
	}
	if resp["transactionId"] != txnID {
		t.Errorf("Assessment transactionId = %v", resp["transactionId"])
	}

	w, resp = doJSON(t, s, "GET", "/v1/accounts/"+id+"/transactions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 listing transactions, got %d", w.Code)
	}
	if resp["count"].(float64) != 1 {
		t.Errorf("Expected 1 transaction, got %v", resp["count"])
	}
}

func TestListTransactionsPagination(t *testing.T) {
	s, _ := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000012")

	for i := 0; i < 3; i++ {
		w, _ := doJSON(t, s, "POST", "/v1/transactions", submitBody(id, "100"))
		if w.Code != http.StatusCreated {
			t.Fatalf("submit %d: got %d", i, w.Code)
		}
	}

	w, resp := doJSON(t, s, "GET", "/v1/accounts/"+id+"/transactions?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if resp["count"].(float64) != 2 || resp["hasMore"] != true {
		t.Fatalf("Expected first page of 2 with more, got %v", resp)
	}
	cursor, _ := resp["nextCursor"].(string)
	if cursor == "" {
		t.Fatal("Expected a next cursor")
	}

	w, resp = doJSON(t, s, "GET", "/v1/accounts/"+id+"/transactions?limit=2&cursor="+cursor, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if resp["count"].(float64) != 1 || resp["hasMore"] != false {
		t.Fatalf("Expected final page of 1, got %v", resp)
	}
	first := resp["transactions"].([]interface{})[0].(map[string]interface{})
	if first["sequence"].(float64) != 1 {
		t.Errorf("Expected oldest transaction on the last page, got sequence %v", first["sequence"])
	}
}

func TestSubmitWithWrongPin(t *testing.T) {
	s, _ := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000006")

	body := `{"accountId":"` + id + `","pin":"0000","deviceFingerprint":"fp-test-device-1",` +
		`"recipient":"merchant-abc","amount":"100","currency":"KES"}`
	w, resp := doJSON(t, s, "POST", "/v1/transactions", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if resp["error"] != "authentication_failed" {
		t.Errorf("Expected 'authentication_failed', got %v", resp["error"])
	}
}

func TestSubmitWithUnknownDevice(t *testing.T) {
	s, _ := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000007")

	body := `{"accountId":"` + id + `","pin":"1234","deviceFingerprint":"fp-stolen-handset",` +
		`"recipient":"merchant-abc","amount":"100","currency":"KES"}`
	w, _ := doJSON(t, s, "POST", "/v1/transactions", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestSubmitOverSingleLimit(t *testing.T) {
	s, _ := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000008")

	w, resp := doJSON(t, s, "POST", "/v1/transactions", submitBody(id, "5000.01"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
	txn := resp["transaction"].(map[string]interface{})
	if txn["reason"] != "single_transaction_limit" {
		t.Errorf("Expected reason 'single_transaction_limit', got %v", txn["reason"])
	}
}

func TestSubmitInvalidAmount(t *testing.T) {
	s, _ := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000009")

	w, _ := doJSON(t, s, "POST", "/v1/transactions", submitBody(id, "-5"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestConfirmNotFlagged(t *testing.T) {
	s, _ := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000010")

	_, resp := doJSON(t, s, "POST", "/v1/transactions", submitBody(id, "100"))
	txnID := resp["transaction"].(map[string]interface{})["id"].(string)

	w, resp := doJSON(t, s, "POST", "/v1/transactions/"+txnID+"/confirm",
		`{"accountId":"`+id+`","code":"123456"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
	if resp["error"] != "not_flagged" {
		t.Errorf("Expected 'not_flagged', got %v", resp["error"])
	}
}

// ---------------------------------------------------------------------------
// Offline queue endpoints
// ---------------------------------------------------------------------------

func TestOfflineQueueAndSync(t *testing.T) {
	s, ledger := newTestServer(t)
	id := registerTestAccount(t, s, "+254712000011")

	ledger.SetOffline(true)
	w, resp := doJSON(t, s, "POST", "/v1/transactions", submitBody(id, "100"))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	txn := resp["transaction"].(map[string]interface{})
	if txn["status"] != "queued" {
		t.Fatalf("Expected status 'queued', got %v", txn["status"])
	}

	w, resp = doJSON(t, s, "GET", "/v1/queue", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if resp["depth"].(float64) != 1 {
		t.Errorf("Expected depth 1, got %v", resp["depth"])
	}

	ledger.SetOffline(false)
	w, resp = doJSON(t, s, "POST", "/v1/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["synced"].(float64) != 1 {
		t.Errorf("Expected 1 synced, got %v", resp["synced"])
	}

	w, _ = doJSON(t, s, "GET", "/v1/transactions/"+txn["id"].(string), "")
	var fetched map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &fetched)
	if fetched["status"] != "synced" {
		t.Errorf("Expected transaction synced after reconciliation, got %v", fetched["status"])
	}
}
