package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/app"
	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/auth"
	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/ledger"
	"github.com/Am-duojie/amdo-s-sub000/internal/sandbox"
	"github.com/Am-duojie/amdo-s-sub000/internal/settlement"
	"github.com/Am-duojie/amdo-s-sub000/internal/trading"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/Am-duojie/amdo-s-sub000/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *response.Error `json:"error"`
}

type testServer struct {
	app     *app.App
	baseURL string
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	cfg := config.Default()
	cfg.Server.Port = port
	cfg.Server.RateLimit = false
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "app.db")}
	cfg.Auth = config.AuthConfig{
		JWTSecret:      "app-test-secret",
		APIKey:         "market-svc",
		APISecret:      "market-secret",
		AdminAPIKey:    "ops",
		AdminAPISecret: "ops-secret",
	}
	cfg.Gateway.Sandbox = true
	cfg.Settlement.PlatformPayee = "2088000000000099"
	cfg.Reconciler.Enabled = false

	a, err := app.New(cfg)
	require.NoError(t, err)
	srv := &http.Server{Handler: a.Router(), ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return &testServer{app: a, baseURL: "http://127.0.0.1:" + port}
}

func (s *testServer) call(t *testing.T, method, path, token string, body interface{}, headers map[string]string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (s *testServer) token(t *testing.T, key, secret string) string {
	t.Helper()
	status, env := s.call(t, http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{APIKey: key, APISecret: secret}, nil)
	require.Equal(t, http.StatusCreated, status)
	var tok auth.TokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	require.NotEmpty(t, tok.Token)
	return tok.Token
}

// paidTrade creates a checkout over HTTP, opens it in the sandbox and pays it.
func (s *testServer) paidTrade(t *testing.T, token, key, total, sellerAmount string) *types.Trade {
	t.Helper()
	status, env := s.call(t, http.MethodPost, "/api/v1/trades", token, map[string]string{
		"subject":       "mirrorless camera",
		"total_amount":  total,
		"seller_amount": sellerAmount,
		"seller_id":     "seller-1",
	}, map[string]string{"Idempotency-Key": key})
	require.Equal(t, http.StatusCreated, status, "%+v", env.Error)
	var created trading.CheckoutResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.Checkout.RedirectURL)

	resp, err := http.Get(created.Checkout.RedirectURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = s.app.Sandbox.Pay(context.Background(), created.Trade.OutTradeNo, "2088000000000001")
	require.NoError(t, err)

	status, env = s.call(t, http.MethodGet, "/api/v1/trades/"+created.Trade.TradeID, token, nil, nil)
	require.Equal(t, http.StatusOK, status)
	var trade types.Trade
	require.NoError(t, json.Unmarshal(env.Data, &trade))
	require.Equal(t, types.TradePaid, trade.Status)
	return &trade
}

func TestAuthorization(t *testing.T) {
	s := startServer(t)
	apiToken := s.token(t, "market-svc", "market-secret")
	adminToken := s.token(t, "ops", "ops-secret")

	status, env := s.call(t, http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{APIKey: "market-svc", APISecret: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, response.ErrCodeUnauthorized, env.Error.Code)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"trades need a token", http.MethodGet, "/api/v1/trades/TRD_x", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/trades/TRD_x", "not-a-jwt", http.StatusUnauthorized},
		{"api credentials are not admin", http.MethodGet, "/api/v1/admin/audit", apiToken, http.StatusForbidden},
		{"admin reads audit", http.MethodGet, "/api/v1/admin/audit", adminToken, http.StatusOK},
		{"admin may call internal routes", http.MethodPost, "/api/v1/internal/settlement/TRD_missing", adminToken, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := s.call(t, tc.method, tc.path, tc.token, nil, nil)
			assert.Equal(t, tc.want, status)
		})
	}

	t.Run("seller credentials cannot reach internal routes", func(t *testing.T) {
		s.app.Auth.RegisterAPICredentials("seller-9", "seller-secret")
		sellerToken := s.token(t, "seller-9", "seller-secret")
		status, env := s.call(t, http.MethodPost, "/api/v1/internal/settlement/TRD_x", sellerToken, nil, nil)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, response.ErrCodeForbidden, env.Error.Code)
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		resp, err := http.Get(s.baseURL + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCheckoutToWithdrawal(t *testing.T) {
	s := startServer(t)
	apiToken := s.token(t, "market-svc", "market-secret")
	adminToken := s.token(t, "ops", "ops-secret")
	s.app.Auth.RegisterAPICredentials("seller-1", "seller-secret")
	sellerToken := s.token(t, "seller-1", "seller-secret")

	status, env := s.call(t, http.MethodPost, "/api/v1/trades", apiToken, map[string]string{
		"subject": "x", "total_amount": "10", "seller_id": "seller-1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "missing Idempotency-Key")
	assert.False(t, env.Success)

	trade := s.paidTrade(t, apiToken, "order-1001", "195", "180")

	status, env = s.call(t, http.MethodPost, "/api/v1/internal/settlement/"+trade.TradeID, apiToken, nil, nil)
	require.Equal(t, http.StatusCreated, status)
	var deferred settlement.Outcome
	require.NoError(t, json.Unmarshal(env.Data, &deferred))
	assert.True(t, deferred.Deferred)
	assert.Equal(t, settlement.ReasonPayoutUnbound, deferred.Reason)

	status, env = s.call(t, http.MethodPut, "/api/v1/wallet/payout-account", sellerToken, map[string]string{
		"account": "seller@example.com", "account_type": "wechat",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, response.ErrCodeValidationFailed, env.Error.Code)

	status, _ = s.call(t, http.MethodPut, "/api/v1/wallet/payout-account", sellerToken, map[string]string{
		"account": "seller@example.com", "account_type": "loginName", "name": "Seller",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status, env = s.call(t, http.MethodPost, "/api/v1/internal/settlement/"+trade.TradeID, apiToken, nil, nil)
	require.Equal(t, http.StatusCreated, status)
	var settled settlement.Outcome
	require.NoError(t, json.Unmarshal(env.Data, &settled))
	assert.Equal(t, types.SettlementSettled, settled.SettlementStatus)
	assert.Equal(t, types.MethodRoyalty, settled.Method)

	t.Run("admin sees the attempt and its audit row", func(t *testing.T) {
		status, env := s.call(t, http.MethodGet, "/api/v1/admin/settlement/"+trade.TradeID, adminToken, nil, nil)
		require.Equal(t, http.StatusOK, status)
		var detail settlement.Detail
		require.NoError(t, json.Unmarshal(env.Data, &detail))
		require.Len(t, detail.Attempts, 1)
		assert.Equal(t, "180.00", detail.Attempts[0].Amount.StringFixed(2))
		assert.Equal(t, "15.00", detail.Attempts[0].Commission.StringFixed(2))

		status, env = s.call(t, http.MethodGet, "/api/v1/admin/audit?target_type=trade&target_id="+trade.TradeID, adminToken, nil, nil)
		require.Equal(t, http.StatusOK, status)
		var entries []audit.Entry
		require.NoError(t, json.Unmarshal(env.Data, &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, audit.ActionSettlementAuto, entries[0].Action)
	})

	t.Run("retry after settlement is a no-op", func(t *testing.T) {
		status, env := s.call(t, http.MethodPost, "/api/v1/admin/settlement/"+trade.TradeID+"/retry", adminToken, nil, nil)
		require.Equal(t, http.StatusCreated, status)
		var outcome settlement.Outcome
		require.NoError(t, json.Unmarshal(env.Data, &outcome))
		assert.Equal(t, types.SettlementSettled, outcome.SettlementStatus)
		assert.Len(t, s.app.Sandbox.Calls(gateway.MethodOrderSettle), 1)
	})

	t.Run("refund after settlement is refused", func(t *testing.T) {
		status, env := s.call(t, http.MethodPost, "/api/v1/internal/trades/"+trade.TradeID+"/refund", apiToken,
			map[string]string{"amount": "10"}, nil)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "TRADE_STATE", env.Error.Code)
	})

	t.Run("seller withdraws", func(t *testing.T) {
		status, _ := s.call(t, http.MethodPost, "/api/v1/wallet/withdraw", sellerToken, map[string]string{"amount": "50"}, nil)
		require.Equal(t, http.StatusCreated, status)

		status, env := s.call(t, http.MethodPost, "/api/v1/wallet/withdraw", sellerToken, map[string]string{"amount": "500"}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, response.ErrCodeUnprocessable, env.Error.Code)

		status, env = s.call(t, http.MethodGet, "/api/v1/wallet", sellerToken, nil, nil)
		require.Equal(t, http.StatusOK, status)
		var wallet ledger.WalletView
		require.NoError(t, json.Unmarshal(env.Data, &wallet))
		assert.True(t, wallet.Account.Balance.Equal(decimal.NewFromInt(130)), "balance %s", wallet.Account.Balance)
		assert.True(t, wallet.Account.Frozen.IsZero())
		assert.Len(t, wallet.Entries, 2)
	})

	t.Run("declined withdrawal hides gateway detail", func(t *testing.T) {
		s.app.Sandbox.InjectFault(gateway.MethodTransfer, sandbox.Fault{SubCode: "PAYEE_ACC_OCUPIED", SubMsg: "payee account occupied"})

		status, env := s.call(t, http.MethodPost, "/api/v1/wallet/withdraw", sellerToken, map[string]string{"amount": "30"}, nil)
		assert.Equal(t, http.StatusBadGateway, status)
		require.NotNil(t, env.Error)
		assert.Equal(t, "WITHDRAW_FAILED", env.Error.Code)
		assert.Equal(t, "Withdrawal failed, funds returned to your balance", env.Error.Message)
		assert.NotContains(t, env.Error.Message, "PAYEE_ACC_OCUPIED")
		assert.NotContains(t, env.Error.Message, "40004")

		status, env = s.call(t, http.MethodGet, "/api/v1/wallet", sellerToken, nil, nil)
		require.Equal(t, http.StatusOK, status)
		var wallet ledger.WalletView
		require.NoError(t, json.Unmarshal(env.Data, &wallet))
		assert.True(t, wallet.Account.Balance.Equal(decimal.NewFromInt(130)), "balance %s", wallet.Account.Balance)
		assert.True(t, wallet.Account.Frozen.IsZero())

		status, env = s.call(t, http.MethodGet, "/api/v1/admin/audit?action="+audit.ActionWithdraw, adminToken, nil, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(env.Data), "PAYEE_ACC_OCUPIED")
	})
}

func TestGatewayErrorsAreMapped(t *testing.T) {
	s := startServer(t)
	apiToken := s.token(t, "market-svc", "market-secret")
	trade := s.paidTrade(t, apiToken, "order-2001", "50", "45")

	s.app.Sandbox.InjectFault(gateway.MethodTradeRefund, sandbox.Fault{SubCode: "ACQ.SYSTEM_ERROR", SubMsg: "system busy"})
	status, env := s.call(t, http.MethodPost, "/api/v1/internal/trades/"+trade.TradeID+"/refund", apiToken,
		map[string]string{"amount": "5"}, nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, response.ErrCodeGateway, env.Error.Code)
	assert.Equal(t, "system busy", env.Error.Message)

	s.app.Sandbox.InjectFault(gateway.MethodTradeRefund, sandbox.Fault{Drop: true})
	status, env = s.call(t, http.MethodPost, "/api/v1/internal/trades/"+trade.TradeID+"/refund", apiToken,
		map[string]string{"amount": "5"}, nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "Payment gateway unavailable, try again later", env.Error.Message)

	status, env = s.call(t, http.MethodPost, "/api/v1/internal/trades/"+trade.TradeID+"/refund", apiToken,
		map[string]string{"amount": "5"}, nil)
	require.Equal(t, http.StatusCreated, status, "%+v", env.Error)
	var refunded types.Trade
	require.NoError(t, json.Unmarshal(env.Data, &refunded))
	assert.Equal(t, "5.00", refunded.RefundedAmount.StringFixed(2))
}
