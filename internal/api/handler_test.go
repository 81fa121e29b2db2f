package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapcoin/wallet/internal/api"
	"github.com/tapcoin/wallet/internal/auth"
	"github.com/tapcoin/wallet/internal/config"
	"github.com/tapcoin/wallet/internal/idempotency"
	"github.com/tapcoin/wallet/internal/memstore"
	"github.com/tapcoin/wallet/internal/service"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testJWTSecret   = "test-secret-0123456789-test-secret"
	testJWTIssuer   = "tapcoin-wallet-test"
	testJWTAudience = "tapcoin-api-test"
	testBotToken    = "123456:TEST-BOT-TOKEN"
)

type testAPI struct {
	handler http.Handler
	store   *memstore.AccountStore
	tokens  *auth.Tokens
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := &config.Config{
		PublicRateLimitRPS: 1000,
		AuthRateLimitRPS:   1000,
		TapMaxAmount:       100_000_000,
		CORSAllowedOrigins: []string{"https://web.telegram.org"},
	}
	store := memstore.NewAccountStore()
	tokens := auth.NewTokens(testJWTSecret, testJWTIssuer, testJWTAudience, time.Hour)
	deps := api.Deps{
		Idempotency: idempotency.NewMemoryStore(),
		Tokens:      tokens,
		Telegram:    auth.NewTelegramVerifier(testBotToken, time.Hour),
		Accounts:    service.NewAccountService(store, auth.NewBcryptHasher(bcrypt.MinCost)),
		Engine:      service.NewEngine(store, service.DefaultRetryPolicy),
	}
	return &testAPI{
		handler: api.NewRouter(cfg, zap.NewNop(), deps).Routes(),
		store:   store,
		tokens:  tokens,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func (a *testAPI) register(t *testing.T, username string) uuid.UUID {
	t.Helper()
	w := a.do(t, "POST", "/v1/auth/register", map[string]string{"username": username, "password": "correct horse"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		UserID uuid.UUID `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.UserID
}

func (a *testAPI) bearer(t *testing.T, userID uuid.UUID) map[string]string {
	t.Helper()
	tok, err := a.tokens.Issue(userID)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (a *testAPI) fund(t *testing.T, userID uuid.UUID, micros int64) {
	t.Helper()
	_, err := a.store.AdjustBalance(context.Background(), userID, micros)
	require.NoError(t, err)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestRFC7807ProblemDetails(t *testing.T) {
	a := setupAPI(t)

	accountID := uuid.New().String()
	w := a.do(t, "GET", "/v1/accounts/"+accountID, nil, nil)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")

	body := decodeBody(t, w)
	assert.NotEmpty(t, body["type"])
	assert.Equal(t, float64(http.StatusUnauthorized), body["status"])
	assert.NotEmpty(t, body["title"])
	assert.NotEmpty(t, body["detail"])
	assert.Equal(t, "/v1/accounts/"+accountID, body["instance"])
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, "auth/authorization-header-required", body["code"])
}

func TestRegisterAndLogin(t *testing.T) {
	a := setupAPI(t)
	userID := a.register(t, "alice")

	w := a.do(t, "POST", "/v1/auth/register", map[string]string{"username": "alice", "password": "another phrase"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, "POST", "/v1/auth/login", map[string]string{"username": "alice", "password": "correct horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, userID.String(), body["user_id"])
	assert.Equal(t, "0.00000", body["balance"])
	require.NotEmpty(t, body["token"])

	parsed, err := a.tokens.Parse(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, userID, parsed)

	w = a.do(t, "POST", "/v1/auth/login", map[string]string{"username": "alice", "password": "wrong phrase"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = a.do(t, "POST", "/v1/auth/login", map[string]string{"username": "nobody", "password": "correct horse"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterValidation(t *testing.T) {
	a := setupAPI(t)
	cases := []struct {
		name string
		body any
	}{
		{name: "short username", body: map[string]string{"username": "ab", "password": "correct horse"}},
		{name: "weak password", body: map[string]string{"username": "alice", "password": "short"}},
		{name: "unknown field", body: map[string]string{"username": "alice", "password": "correct horse", "role": "admin"}},
		{name: "not json", body: "{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, "POST", "/v1/auth/register", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func signInitData(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return values.Encode()
}

func TestTelegramLoginCreatesWalletOnce(t *testing.T) {
	a := setupAPI(t)

	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("user", `{"id":777,"username":"tg_user","first_name":"Tg"}`)
	initData := signInitData(values)

	w := a.do(t, "POST", "/v1/auth/telegram", map[string]string{"init_data": initData}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decodeBody(t, w)

	w = a.do(t, "POST", "/v1/auth/telegram", map[string]string{"init_data": initData}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeBody(t, w)
	assert.Equal(t, first["user_id"], second["user_id"])

	w = a.do(t, "POST", "/v1/auth/telegram", map[string]string{"init_data": initData + "0"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreditTap(t *testing.T) {
	a := setupAPI(t)
	userID := a.register(t, "alice")
	headers := a.bearer(t, userID)

	for range 3 {
		w := a.do(t, "POST", "/v1/credit", map[string]any{"user_id": userID, "amount": "0.00001"}, headers)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w := a.do(t, "POST", "/v1/credit", map[string]any{"user_id": userID, "amount": 0.00002}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.00005", decodeBody(t, w)["balance"])

	w = a.do(t, "GET", "/v1/accounts/"+userID.String(), nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "0.00005", body["balance"])
}

func TestCreditRejections(t *testing.T) {
	a := setupAPI(t)
	userID := a.register(t, "alice")
	other := a.register(t, "bola")
	headers := a.bearer(t, userID)

	cases := []struct {
		name    string
		body    map[string]any
		headers map[string]string
		status  int
	}{
		{name: "zero", body: map[string]any{"user_id": userID, "amount": "0"}, headers: headers, status: http.StatusBadRequest},
		{name: "negative", body: map[string]any{"user_id": userID, "amount": "-1"}, headers: headers, status: http.StatusBadRequest},
		{name: "too precise", body: map[string]any{"user_id": userID, "amount": "0.0000001"}, headers: headers, status: http.StatusBadRequest},
		{name: "malformed", body: map[string]any{"user_id": userID, "amount": "lots"}, headers: headers, status: http.StatusBadRequest},
		{name: "missing amount", body: map[string]any{"user_id": userID}, headers: headers, status: http.StatusBadRequest},
		{name: "above tap limit", body: map[string]any{"user_id": userID, "amount": "101"}, headers: headers, status: http.StatusBadRequest},
		{name: "other user", body: map[string]any{"user_id": other, "amount": "1"}, headers: headers, status: http.StatusForbidden},
		{name: "no token", body: map[string]any{"user_id": userID, "amount": "1"}, status: http.StatusUnauthorized},
		{name: "bad token", body: map[string]any{"user_id": userID, "amount": "1"}, headers: map[string]string{"Authorization": "Bearer nope"}, status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, "POST", "/v1/credit", tc.body, tc.headers)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}

	ghost := uuid.New()
	w := a.do(t, "POST", "/v1/credit", map[string]any{"user_id": ghost, "amount": "1"}, a.bearer(t, ghost))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransfer(t *testing.T) {
	a := setupAPI(t)
	from := a.register(t, "alice")
	to := a.register(t, "bola")
	a.fund(t, from, 10_000_000)
	headers := a.bearer(t, from)

	w := a.do(t, "POST", "/v1/transfers", map[string]any{"from_user_id": from, "to_user_id": to, "amount": "2.5"}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "7.50000", body["from_balance"])
	assert.Equal(t, "2.50000", body["to_balance"])

	w = a.do(t, "POST", "/v1/transfers", map[string]any{"from_user_id": from, "to_user_id": to, "amount": "8"}, headers)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeBody(t, w)["type"], "insufficient-balance")

	w = a.do(t, "POST", "/v1/transfers", map[string]any{"from_user_id": from, "to_user_id": from, "amount": "1"}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, "POST", "/v1/transfers", map[string]any{"from_user_id": from, "to_user_id": uuid.New(), "amount": "1"}, headers)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, "POST", "/v1/transfers", map[string]any{"from_user_id": to, "to_user_id": from, "amount": "1"}, headers)
	assert.Equal(t, http.StatusForbidden, w.Code)

	acc, err := a.store.GetAccount(context.Background(), from)
	require.NoError(t, err)
	assert.Equal(t, int64(7_500_000), acc.Balance)
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	a := setupAPI(t)
	from := a.register(t, "alice")
	to := a.register(t, "bola")
	a.fund(t, from, 5_000_000)
	headers := a.bearer(t, from)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := a.do(t, "POST", "/v1/transfers", map[string]any{"from_user_id": from, "to_user_id": to, "amount": "1"}, headers)
			if w.Code == http.StatusOK {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	snap, err := a.store.SupplySnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Minted, snap.TotalBalance)
	assert.Zero(t, snap.NegativeAccounts)
}

func TestTransferIdempotency(t *testing.T) {
	a := setupAPI(t)
	from := a.register(t, "alice")
	to := a.register(t, "bola")
	a.fund(t, from, 100_000_000)

	headers := a.bearer(t, from)
	headers["Idempotency-Key"] = uuid.NewString()
	payload := map[string]any{"from_user_id": from, "to_user_id": to, "amount": "50"}

	w1 := a.do(t, "POST", "/v1/transfers", payload, headers)
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := a.do(t, "POST", "/v1/transfers", payload, headers)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "memory", w2.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, w1.Body.String(), w2.Body.String())

	payload["amount"] = "10"
	w3 := a.do(t, "POST", "/v1/transfers", payload, headers)
	assert.Equal(t, http.StatusConflict, w3.Code)

	acc, err := a.store.GetAccount(context.Background(), from)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), acc.Balance)
}

func TestAccountIsPrivate(t *testing.T) {
	a := setupAPI(t)
	userID := a.register(t, "alice")
	other := a.register(t, "bola")

	w := a.do(t, "GET", "/v1/accounts/"+other.String(), nil, a.bearer(t, userID))
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, "GET", "/v1/accounts/not-a-uuid", nil, a.bearer(t, userID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	a := setupAPI(t)

	cases := []struct {
		name string
		path string
	}{
		{name: "live", path: "/health/live"},
		{name: "ready", path: "/health/ready"},
		{name: "metrics", path: "/metrics"},
		{name: "openapi", path: "/openapi.yaml"},
		{name: "docs", path: "/docs/index.html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, "GET", tc.path, nil, nil)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}

	w := a.do(t, "GET", "/v1/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")
}
