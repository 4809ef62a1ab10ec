package trading_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/database"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/sandbox"
	"github.com/Am-duojie/amdo-s-sub000/internal/signing"
	"github.com/Am-duojie/amdo-s-sub000/internal/trading"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testAppID  = "2021000000000000"
	notifyPath = "/api/v1/gateway/notify"
	buyerID    = "2088000000000001"
)

var (
	keysOnce                  sync.Once
	merchantPriv, merchantPub string
	gatewayPriv, gatewayPub   string
	keysErr                   error
)

type harness struct {
	db         *gorm.DB
	sb         *sandbox.Server
	gatewayURL string
	appURL     string
	trail      *audit.Trail
	service    *trading.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	keysOnce.Do(func() {
		merchantPriv, merchantPub, keysErr = signing.GenerateKeyPair(2048)
		if keysErr != nil {
			return
		}
		gatewayPriv, gatewayPub, keysErr = signing.GenerateKeyPair(2048)
	})
	require.NoError(t, keysErr)

	sb, err := sandbox.New(testAppID, gatewayPriv, merchantPub)
	require.NoError(t, err)
	gwSrv := httptest.NewServer(sb.Handler())
	t.Cleanup(gwSrv.Close)

	// The notify endpoint has to exist before the client that advertises it.
	var engine http.Handler
	appSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine.ServeHTTP(w, r)
	}))
	t.Cleanup(appSrv.Close)

	client, err := gateway.NewClient(config.GatewayConfig{
		AppID:            testAppID,
		URL:              gwSrv.URL + "/gateway.do",
		PrivateKey:       merchantPriv,
		GatewayPublicKey: gatewayPub,
		NotifyURL:        appSrv.URL + notifyPath,
		ReturnURL:        "https://market.example.com/orders",
		Timeout:          2 * time.Second,
		SubjectMaxLen:    256,
		SettleMode:       "sync",
		VerifyResponses:  true,
	})
	require.NoError(t, err)

	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "trading.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	h := &harness{db: db, sb: sb, gatewayURL: gwSrv.URL + "/gateway.do", appURL: appSrv.URL}
	h.trail = audit.NewTrail(db)
	h.service = trading.NewService(db, client, h.trail)

	router := gin.New()
	handlers := trading.NewGinHandlers(h.service)
	router.POST(notifyPath, handlers.NotifyHandler())
	engine = router
	return h
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (h *harness) checkout(t *testing.T, total, sellerAmount string) *trading.CheckoutResponse {
	t.Helper()
	resp, err := h.service.CreateCheckout(context.Background(), trading.CheckoutRequest{
		Subject:      "used road bike",
		TotalAmount:  money(total),
		SellerAmount: money(sellerAmount),
		SellerID:     "seller-1",
	}, "idem-"+t.Name()+"-"+total)
	require.NoError(t, err)
	return resp
}

// submit plays the buyer's browser posting the checkout form to the gateway.
func (h *harness) submit(t *testing.T, checkout *gateway.Checkout) {
	t.Helper()
	form := url.Values{}
	for k, v := range checkout.Params {
		form.Set(k, v)
	}
	resp, err := http.PostForm(h.gatewayURL, form)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (h *harness) paidTrade(t *testing.T, total string) *types.Trade {
	t.Helper()
	resp := h.checkout(t, total, total)
	h.sb.SeedTrade(resp.Trade.OutTradeNo, money(total), true)
	trade, err := h.service.SyncTrade(context.Background(), resp.Trade.TradeID)
	require.NoError(t, err)
	require.Equal(t, types.TradePaid, trade.Status)
	return trade
}

func TestCreateCheckout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	req := trading.CheckoutRequest{
		Subject:      "used road bike",
		TotalAmount:  money("195"),
		SellerAmount: money("180"),
		SellerID:     "seller-1",
	}
	first, err := h.service.CreateCheckout(ctx, req, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, types.TradeCreated, first.Trade.Status)
	assert.Equal(t, types.SettlementPending, first.Trade.SettlementStatus)
	assert.Equal(t, "15.00", first.Trade.Commission().StringFixed(2))
	assert.True(t, first.Trade.SplitEnabled)
	assert.True(t, strings.HasPrefix(first.Checkout.RedirectURL, h.gatewayURL+"?"))
	assert.Contains(t, first.Checkout.Form, `action="`+h.gatewayURL)
	assert.Contains(t, first.Checkout.Params["biz_content"], `"royalty_freeze":"true"`)
	assert.Equal(t, h.appURL+notifyPath, first.Checkout.Params["notify_url"])

	t.Run("same key returns the same trade", func(t *testing.T) {
		again, err := h.service.CreateCheckout(ctx, req, "idem-1")
		require.NoError(t, err)
		assert.Equal(t, first.Trade.TradeID, again.Trade.TradeID)
		assert.Equal(t, first.Trade.OutTradeNo, again.Trade.OutTradeNo)
	})

	t.Run("new key creates a new trade", func(t *testing.T) {
		other, err := h.service.CreateCheckout(ctx, req, "idem-2")
		require.NoError(t, err)
		assert.NotEqual(t, first.Trade.TradeID, other.Trade.TradeID)
		assert.NotEqual(t, first.Trade.OutTradeNo, other.Trade.OutTradeNo)
	})

	t.Run("seller amount defaults to the total", func(t *testing.T) {
		resp, err := h.service.CreateCheckout(ctx, trading.CheckoutRequest{
			Subject:     "lens cap",
			TotalAmount: money("9.90"),
			SellerID:    "seller-2",
		}, "idem-3")
		require.NoError(t, err)
		assert.Equal(t, "9.90", resp.Trade.SellerAmount.StringFixed(2))
		assert.True(t, resp.Trade.Commission().IsZero())
	})

	t.Run("split can be turned off", func(t *testing.T) {
		off := false
		resp, err := h.service.CreateCheckout(ctx, trading.CheckoutRequest{
			Subject:     "tripod",
			TotalAmount: money("40"),
			SellerID:    "seller-2",
			EnableSplit: &off,
		}, "idem-4")
		require.NoError(t, err)
		assert.False(t, resp.Trade.SplitEnabled)
		assert.NotContains(t, resp.Checkout.Params["biz_content"], "royalty_freeze")
	})

	t.Run("invalid amounts", func(t *testing.T) {
		cases := []trading.CheckoutRequest{
			{Subject: "x", TotalAmount: decimal.Zero, SellerID: "s"},
			{Subject: "x", TotalAmount: money("-5"), SellerID: "s"},
			{Subject: "x", TotalAmount: money("10"), SellerAmount: money("10.01"), SellerID: "s"},
			{Subject: "x", TotalAmount: money("10"), SellerAmount: money("-1"), SellerID: "s"},
		}
		for i, c := range cases {
			_, err := h.service.CreateCheckout(ctx, c, "idem-invalid-"+string(rune('a'+i)))
			assert.ErrorIs(t, err, trading.ErrInvalidAmount)
		}
	})
}

func TestPaymentNotification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	resp := h.checkout(t, "195", "180")
	h.submit(t, resp.Checkout)

	_, err := h.sb.Pay(ctx, resp.Trade.OutTradeNo, buyerID)
	require.NoError(t, err, "notify handler must acknowledge with success")

	trade, err := h.service.GetTrade(ctx, resp.Trade.TradeID, false)
	require.NoError(t, err)
	assert.Equal(t, types.TradePaid, trade.Status)
	assert.NotEmpty(t, trade.TradeNo)
	assert.Equal(t, buyerID, trade.BuyerID)
	require.NotNil(t, trade.PaidAt)
	paidAt := *trade.PaidAt

	t.Run("redelivery is acknowledged and changes nothing", func(t *testing.T) {
		params, err := h.sb.Notify(resp.Trade.OutTradeNo)
		require.NoError(t, err)
		require.NoError(t, h.service.HandleNotify(ctx, params))

		again, err := h.service.GetTrade(ctx, resp.Trade.TradeID, false)
		require.NoError(t, err)
		assert.Equal(t, types.TradePaid, again.Status)
		assert.True(t, again.PaidAt.Equal(paidAt))
	})
}

func TestNotificationRejected(t *testing.T) {
	ctx := context.Background()

	t.Run("tampered signature", func(t *testing.T) {
		h := newHarness(t)
		resp := h.checkout(t, "100", "90")
		h.sb.SeedTrade(resp.Trade.OutTradeNo, money("100"), true)
		params, err := h.sb.Notify(resp.Trade.OutTradeNo)
		require.NoError(t, err)
		params["total_amount"] = "0.01"

		err = h.service.HandleNotify(ctx, params)
		assert.ErrorIs(t, err, gateway.ErrNotifySignature)

		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		httpResp, err := http.PostForm(h.appURL+notifyPath, form)
		require.NoError(t, err)
		defer httpResp.Body.Close()
		body, err := io.ReadAll(httpResp.Body)
		require.NoError(t, err)
		assert.Equal(t, "failure", string(body))

		trade, err := h.service.GetTrade(ctx, resp.Trade.TradeID, false)
		require.NoError(t, err)
		assert.Equal(t, types.TradeCreated, trade.Status)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		h := newHarness(t)
		resp := h.checkout(t, "100", "90")
		h.sb.SeedTrade(resp.Trade.OutTradeNo, money("99"), true)
		params, err := h.sb.Notify(resp.Trade.OutTradeNo)
		require.NoError(t, err)

		err = h.service.HandleNotify(ctx, params)
		assert.ErrorIs(t, err, trading.ErrAmountMismatch)

		trade, err := h.service.GetTrade(ctx, resp.Trade.TradeID, false)
		require.NoError(t, err)
		assert.Equal(t, types.TradeCreated, trade.Status)
	})

	t.Run("unknown trade", func(t *testing.T) {
		h := newHarness(t)
		h.sb.SeedTrade("MO_NOT_OURS", money("5"), false)
		params, err := h.sb.Notify("MO_NOT_OURS")
		require.NoError(t, err)
		assert.ErrorIs(t, h.service.HandleNotify(ctx, params), trading.ErrTradeNotFound)
	})
}

func TestSyncTrade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	resp := h.checkout(t, "60", "54")

	trade, err := h.service.SyncTrade(ctx, resp.Trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.TradeCreated, trade.Status, "checkout not opened yet")

	h.submit(t, resp.Checkout)
	trade, err = h.service.GetTrade(ctx, resp.Trade.TradeID, true)
	require.NoError(t, err)
	assert.Equal(t, types.TradeCreated, trade.Status, "buyer has not paid")

	h.sb.SeedTrade(resp.Trade.OutTradeNo, money("60"), true)
	trade, err = h.service.GetTrade(ctx, resp.Trade.TradeID, true)
	require.NoError(t, err)
	assert.Equal(t, types.TradePaid, trade.Status)
	assert.NotEmpty(t, trade.TradeNo)

	t.Run("closed checkout", func(t *testing.T) {
		closing := h.checkout(t, "15", "15")
		h.submit(t, closing.Checkout)
		require.NoError(t, h.sb.CloseTrade(ctx, closing.Trade.OutTradeNo))

		trade, err := h.service.GetTrade(ctx, closing.Trade.TradeID, false)
		require.NoError(t, err)
		assert.Equal(t, types.TradeClosed, trade.Status)
		assert.True(t, trade.Final())
	})

	t.Run("stale trades", func(t *testing.T) {
		stale, err := h.service.StaleCreatedTrades(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		for _, s := range stale {
			assert.Equal(t, types.TradeCreated, s.Status)
		}
		assert.NotContains(t, tradeIDs(stale), resp.Trade.TradeID)
	})
}

func tradeIDs(trades []types.Trade) []string {
	ids := make([]string, 0, len(trades))
	for _, t := range trades {
		ids = append(ids, t.TradeID)
	}
	return ids
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	trade := h.paidTrade(t, "100")

	partial, err := h.service.Refund(ctx, trade.TradeID, trading.RefundRequest{Amount: money("30"), Reason: "scratched"}, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, "30.00", partial.RefundedAmount.StringFixed(2))
	assert.Equal(t, types.TradePaid, partial.Status)
	assert.Equal(t, "70.00", trading.RemainingRefundable(partial).StringFixed(2))

	entries, err := h.trail.List(ctx, audit.Filter{TargetID: trade.TradeID, Action: audit.ActionRefund})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, "ops-1", *entries[0].ActorID)
	assert.Contains(t, entries[0].Snapshot, `"amount":"30.00"`)

	_, err = h.service.Refund(ctx, trade.TradeID, trading.RefundRequest{Amount: money("80")}, "")
	assert.ErrorIs(t, err, trading.ErrRefundExceedsBalance)

	_, err = h.service.Refund(ctx, trade.TradeID, trading.RefundRequest{Amount: decimal.Zero}, "")
	assert.ErrorIs(t, err, trading.ErrInvalidAmount)

	full, err := h.service.Refund(ctx, trade.TradeID, trading.RefundRequest{Amount: money("70")}, "")
	require.NoError(t, err)
	assert.Equal(t, types.TradeRefunded, full.Status)
	assert.True(t, full.Final())

	_, err = h.service.Refund(ctx, trade.TradeID, trading.RefundRequest{Amount: money("1")}, "")
	assert.ErrorIs(t, err, trading.ErrNotRefundable)

	assert.Len(t, h.sb.Calls(gateway.MethodTradeRefund), 2)
}

func TestRefundRefused(t *testing.T) {
	ctx := context.Background()

	t.Run("after settlement", func(t *testing.T) {
		h := newHarness(t)
		trade := h.paidTrade(t, "100")
		require.NoError(t, h.db.Model(&types.Trade{}).Where("trade_id = ?", trade.TradeID).
			Update("settlement_status", types.SettlementSettled).Error)

		_, err := h.service.Refund(ctx, trade.TradeID, trading.RefundRequest{Amount: money("10")}, "ops-1")
		assert.ErrorIs(t, err, trading.ErrRefundAfterSettle)
		assert.Empty(t, h.sb.Calls(gateway.MethodTradeRefund))
	})

	t.Run("unpaid trade", func(t *testing.T) {
		h := newHarness(t)
		resp := h.checkout(t, "100", "100")
		_, err := h.service.Refund(ctx, resp.Trade.TradeID, trading.RefundRequest{Amount: money("10")}, "")
		assert.ErrorIs(t, err, trading.ErrNotRefundable)
	})

	t.Run("gateway decline leaves the trade untouched", func(t *testing.T) {
		h := newHarness(t)
		trade := h.paidTrade(t, "100")
		h.sb.InjectFault(gateway.MethodTradeRefund, sandbox.Fault{SubCode: "ACQ.TRADE_HAS_FINISHED", SubMsg: "trade proceeds already settled"})

		_, err := h.service.Refund(ctx, trade.TradeID, trading.RefundRequest{Amount: money("10")}, "")
		be, ok := gateway.AsBusinessError(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, "ACQ.TRADE_HAS_FINISHED", be.SubCode)

		got, err := h.service.GetTrade(ctx, trade.TradeID, false)
		require.NoError(t, err)
		assert.True(t, got.RefundedAmount.IsZero())
		entries, err := h.trail.List(ctx, audit.Filter{TargetID: trade.TradeID})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
