package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/sandbox"
	"github.com/Am-duojie/amdo-s-sub000/internal/signing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAppID = "2021000000000000"

type keyPair struct{ private, public string }

var (
	keysOnce             sync.Once
	merchantKeys, gwKeys keyPair
	keysErr              error
)

func testKeys(t *testing.T) (keyPair, keyPair) {
	t.Helper()
	keysOnce.Do(func() {
		merchantKeys.private, merchantKeys.public, keysErr = signing.GenerateKeyPair(2048)
		if keysErr != nil {
			return
		}
		gwKeys.private, gwKeys.public, keysErr = signing.GenerateKeyPair(2048)
	})
	require.NoError(t, keysErr)
	return merchantKeys, gwKeys
}

func newTestGateway(t *testing.T, tweak ...func(*config.GatewayConfig)) (*Client, *sandbox.Server) {
	t.Helper()
	merchant, gw := testKeys(t)

	sb, err := sandbox.New(testAppID, gw.private, merchant.public)
	require.NoError(t, err)
	srv := httptest.NewServer(sb.Handler())
	t.Cleanup(srv.Close)

	cfg := config.GatewayConfig{
		AppID:            testAppID,
		URL:              srv.URL + "/gateway.do",
		PrivateKey:       merchant.private,
		GatewayPublicKey: gw.public,
		NotifyURL:        "https://market.example.com/api/v1/gateway/notify",
		ReturnURL:        "https://market.example.com/orders",
		Timeout:          2 * time.Second,
		SubjectMaxLen:    256,
		SettleMode:       "sync",
		VerifyResponses:  true,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client, sb
}

func TestCreateTrade(t *testing.T) {
	client, sb := newTestGateway(t, func(cfg *config.GatewayConfig) { cfg.SubjectMaxLen = 12 })
	client.SetClock(func() time.Time { return time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC) })
	merchant, _ := testKeys(t)
	verifier, err := signing.NewSigner("", merchant.public)
	require.NoError(t, err)

	checkout, err := client.CreateTrade(CreateTradeRequest{
		OutTradeNo:  "ORD1001",
		Subject:     `二手 iPhone "Pro" <&> case`,
		Amount:      decimal.RequireFromString("195"),
		EnableSplit: true,
	})
	require.NoError(t, err)

	t.Run("signed parameters", func(t *testing.T) {
		p := checkout.Params
		assert.Equal(t, MethodPagePay, p["method"])
		assert.Equal(t, "2024-05-01 10:00:00", p["timestamp"])
		assert.Equal(t, "RSA2", p["sign_type"])
		assert.Equal(t, "https://market.example.com/api/v1/gateway/notify", p["notify_url"])
		assert.Contains(t, p["biz_content"], `"total_amount":"195.00"`)
		assert.Contains(t, p["biz_content"], `"subject":"二手 iPhone \"P"`)
		assert.Contains(t, p["biz_content"], `"extend_params":{"royalty_freeze":"true"}`)
		assert.True(t, verifier.VerifyBytes([]byte(signing.Canonicalize(p, signing.FieldSign)), p["sign"]))
	})

	t.Run("redirect url encodes each signed value", func(t *testing.T) {
		u, err := url.Parse(checkout.RedirectURL)
		require.NoError(t, err)
		q := u.Query()
		for k, v := range checkout.Params {
			assert.Equal(t, v, q.Get(k), k)
		}
		assert.NotContains(t, u.RawQuery, " ")
	})

	t.Run("form escapes values", func(t *testing.T) {
		assert.Contains(t, checkout.Form, `<form id="gateway_submit"`)
		assert.Contains(t, checkout.Form, "document.forms['gateway_submit'].submit()")
		assert.Contains(t, checkout.Form, "&#34;total_amount&#34;")
		assert.NotContains(t, checkout.Form, `"total_amount"`)
	})

	t.Run("gateway accepts the redirect", func(t *testing.T) {
		resp, err := http.Get(checkout.RedirectURL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		info, err := client.QueryTrade(context.Background(), "ORD1001")
		require.NoError(t, err)
		assert.Equal(t, TradeWaitBuyerPay, info.TradeStatus)
		assert.True(t, info.TotalAmount.Equal(decimal.RequireFromString("195.00")))
		assert.False(t, info.Paid())
		assert.Len(t, sb.Calls(MethodPagePay), 1)
	})

	t.Run("non positive amount", func(t *testing.T) {
		_, err := client.CreateTrade(CreateTradeRequest{OutTradeNo: "ORD0", Subject: "x", Amount: decimal.Zero})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestQueryTrade(t *testing.T) {
	client, sb := newTestGateway(t)
	ctx := context.Background()

	t.Run("paid trade", func(t *testing.T) {
		tradeNo := sb.SeedTrade("ORD2001", decimal.RequireFromString("88.80"), true)
		info, err := client.QueryTrade(ctx, "ORD2001")
		require.NoError(t, err)
		assert.Equal(t, tradeNo, info.TradeNo)
		assert.True(t, info.Paid())
		assert.Equal(t, "2088000000000001", info.BuyerID)
	})

	t.Run("unknown trade is a business error", func(t *testing.T) {
		_, err := client.QueryTrade(ctx, "missing")
		be, ok := AsBusinessError(err)
		require.True(t, ok)
		assert.Equal(t, "ACQ.TRADE_NOT_EXIST", be.SubCode)
		assert.Equal(t, "trade does not exist", be.DisplayMessage())
	})
}

func TestSettleOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("normalises account type aliases", func(t *testing.T) {
		client, sb := newTestGateway(t)
		tradeNo := sb.SeedTrade("ORD3001", decimal.RequireFromString("195"), true)
		res, err := client.SettleOrder(ctx, SettleRequest{
			TradeNo:      tradeNo,
			OutRequestNo: "settle_T1_1714528800",
			Splits: []Split{
				{TransIn: "seller@x.com", TransInType: "email", Amount: decimal.RequireFromString("180"), Desc: "seller"},
				{TransIn: "2088000000009999", TransInType: "USER_ID", Amount: decimal.RequireFromString("15"), Desc: "commission"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, tradeNo, res.TradeNo)

		calls := sb.Calls(MethodOrderSettle)
		require.Len(t, calls, 1)
		biz := calls[0].Biz
		assert.Equal(t, map[string]interface{}{"royalty_finish": "true"}, biz["extend_params"])
		assert.Equal(t, "sync", biz["settle_mode"])
		lines := biz["royalty_parameters"].([]interface{})
		assert.Equal(t, "loginName", lines[0].(map[string]interface{})["trans_in_type"])
		assert.Equal(t, "180.00", lines[0].(map[string]interface{})["amount"])
		assert.Equal(t, "userId", lines[1].(map[string]interface{})["trans_in_type"])
	})

	t.Run("unknown alias is rejected before signing", func(t *testing.T) {
		client, sb := newTestGateway(t)
		_, err := client.SettleOrder(ctx, SettleRequest{
			TradeNo:      "T1",
			OutRequestNo: "settle_T1_1",
			Splits:       []Split{{TransIn: "x", TransInType: "wechat", Amount: decimal.NewFromInt(1)}},
		})
		assert.ErrorIs(t, err, ErrInvalidAccountType)
		assert.Empty(t, sb.Calls(""))
	})

	t.Run("decline carries codes", func(t *testing.T) {
		client, sb := newTestGateway(t)
		tradeNo := sb.SeedTrade("ORD3002", decimal.RequireFromString("10"), true)
		sb.InjectFault(MethodOrderSettle, sandbox.Fault{SubCode: "ACC_NOT_EXIST", SubMsg: "payee account does not exist"})
		_, err := client.SettleOrder(ctx, SettleRequest{
			TradeNo:      tradeNo,
			OutRequestNo: "settle_X_1",
			Splits:       []Split{{TransIn: "nobody@x.com", TransInType: "loginName", Amount: decimal.NewFromInt(10)}},
		})
		be, ok := AsBusinessError(err)
		require.True(t, ok)
		assert.Equal(t, "40004", be.Code)
		assert.Equal(t, "ACC_NOT_EXIST", be.SubCode)
		assert.Equal(t, DispositionFallback, Classify(err))
	})

	t.Run("dropped response is a network error and can be requeried", func(t *testing.T) {
		client, sb := newTestGateway(t)
		tradeNo := sb.SeedTrade("ORD3003", decimal.RequireFromString("10"), true)
		req := SettleRequest{
			TradeNo:      tradeNo,
			OutRequestNo: "settle_Y_1",
			Splits:       []Split{{TransIn: "s@x.com", TransInType: "loginName", Amount: decimal.NewFromInt(10)}},
		}

		sb.InjectFault(MethodOrderSettle, sandbox.Fault{Drop: true})
		_, err := client.SettleOrder(ctx, req)
		assert.True(t, IsNetworkError(err))
		status, err := client.QuerySettlement(ctx, tradeNo, req.OutRequestNo)
		require.NoError(t, err)
		assert.Equal(t, SettlementNotFound, status.State)

		sb.InjectFault(MethodOrderSettle, sandbox.Fault{Drop: true, Apply: true})
		_, err = client.SettleOrder(ctx, req)
		assert.True(t, IsNetworkError(err))
		status, err = client.QuerySettlement(ctx, tradeNo, req.OutRequestNo)
		require.NoError(t, err)
		assert.Equal(t, SettlementSucceeded, status.State)
	})

	t.Run("timeout is a network error", func(t *testing.T) {
		client, sb := newTestGateway(t, func(cfg *config.GatewayConfig) { cfg.Timeout = 100 * time.Millisecond })
		tradeNo := sb.SeedTrade("ORD3004", decimal.RequireFromString("10"), true)
		sb.InjectFault(MethodOrderSettle, sandbox.Fault{Delay: 400 * time.Millisecond})
		_, err := client.SettleOrder(ctx, SettleRequest{
			TradeNo:      tradeNo,
			OutRequestNo: "settle_Z_1",
			Splits:       []Split{{TransIn: "s@x.com", TransInType: "loginName", Amount: decimal.NewFromInt(10)}},
		})
		assert.True(t, IsNetworkError(err))
	})
}

func TestResponseSignature(t *testing.T) {
	t.Run("response signed by someone else is rejected", func(t *testing.T) {
		client, sb := newTestGateway(t, func(cfg *config.GatewayConfig) {
			_, pub, err := signing.GenerateKeyPair(2048)
			require.NoError(t, err)
			cfg.GatewayPublicKey = pub
		})
		sb.SeedTrade("ORD4001", decimal.NewFromInt(1), false)
		_, err := client.QueryTrade(context.Background(), "ORD4001")
		assert.True(t, IsSignatureError(err))
		assert.ErrorIs(t, err, ErrResponseSignature)
	})

	t.Run("verification can be switched off", func(t *testing.T) {
		client, sb := newTestGateway(t, func(cfg *config.GatewayConfig) {
			cfg.GatewayPublicKey = ""
			cfg.VerifyResponses = false
		})
		sb.SeedTrade("ORD4002", decimal.NewFromInt(1), false)
		_, err := client.QueryTrade(context.Background(), "ORD4002")
		assert.NoError(t, err)
	})

	t.Run("missing private key is a signature error", func(t *testing.T) {
		client, _ := newTestGateway(t, func(cfg *config.GatewayConfig) { cfg.PrivateKey = "" })
		_, err := client.QueryTrade(context.Background(), "ORD4003")
		assert.True(t, IsSignatureError(err))
		assert.ErrorIs(t, err, signing.ErrNoPrivateKey)
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("login id payee", func(t *testing.T) {
		client, sb := newTestGateway(t)
		res, err := client.TransferToAccount(ctx, TransferRequest{
			OutBizNo:     "settle_transfer_T1_1714528800",
			PayeeAccount: "seller@x.com",
			PayeeType:    "loginName",
			Amount:       decimal.RequireFromString("180"),
			PayeeName:    "Seller",
		})
		require.NoError(t, err)
		assert.True(t, res.Succeeded())
		assert.NotEmpty(t, res.OrderID)

		biz := sb.Calls(MethodTransfer)[0].Biz
		assert.Equal(t, "180.00", biz["trans_amount"])
		assert.Equal(t, "TRANS_ACCOUNT_NO_PWD", biz["product_code"])
		assert.Equal(t, "DIRECT_TRANSFER", biz["biz_scene"])
		payee := biz["payee_info"].(map[string]interface{})
		assert.Equal(t, "ALIPAY_LOGON_ID", payee["identity_type"])
		assert.Equal(t, "Seller", payee["name"])
	})

	t.Run("same key does not transfer twice", func(t *testing.T) {
		client, sb := newTestGateway(t)
		req := TransferRequest{OutBizNo: "withdraw_1_1", PayeeAccount: "2088000000000002", PayeeType: "userId", Amount: decimal.NewFromInt(5)}
		first, err := client.TransferToAccount(ctx, req)
		require.NoError(t, err)
		second, err := client.TransferToAccount(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first.OrderID, second.OrderID)
		assert.Equal(t, 1, sb.TransferCount())
		assert.Equal(t, "ALIPAY_USER_ID", sb.Calls(MethodTransfer)[0].Biz["payee_info"].(map[string]interface{})["identity_type"])
	})

	t.Run("dealing is pending", func(t *testing.T) {
		client, sb := newTestGateway(t)
		sb.InjectFault(MethodTransfer, sandbox.Fault{Pending: true})
		res, err := client.TransferToAccount(ctx, TransferRequest{OutBizNo: "w_2", PayeeAccount: "a@x.com", PayeeType: "loginName", Amount: decimal.NewFromInt(1)})
		require.NoError(t, err)
		assert.True(t, res.Pending())

		sb.CompleteTransfer("w_2", true)
		res, err = client.QueryTransfer(ctx, "w_2")
		require.NoError(t, err)
		assert.True(t, res.Succeeded())
	})

	t.Run("unknown key queries as not found", func(t *testing.T) {
		client, _ := newTestGateway(t)
		res, err := client.QueryTransfer(ctx, "never-sent")
		require.NoError(t, err)
		assert.Equal(t, TransferNotFound, res.Status)
	})
}

func TestRefundTrade(t *testing.T) {
	client, sb := newTestGateway(t)
	client.SetClock(func() time.Time { return time.Unix(1714528800, 0) })
	sb.SeedTrade("ORD5001", decimal.RequireFromString("50"), false)

	res, err := client.RefundTrade(context.Background(), RefundRequest{
		OutTradeNo: "ORD5001",
		Amount:     decimal.RequireFromString("50"),
		Reason:     "buyer cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, "refund_ORD5001_1714528800", res.OutRequestNo)
	assert.Equal(t, "Y", res.FundChange)

	again, err := client.RefundTrade(context.Background(), RefundRequest{
		OutTradeNo:   "ORD5001",
		Amount:       decimal.RequireFromString("50"),
		OutRequestNo: res.OutRequestNo,
	})
	require.NoError(t, err)
	assert.Equal(t, "N", again.FundChange)
}

func TestVerifyNotify(t *testing.T) {
	client, sb := newTestGateway(t)
	sb.SeedTrade("ORD6001", decimal.RequireFromString("195"), true)
	params, err := sb.Notify("ORD6001")
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		n, err := client.VerifyNotify(params)
		require.NoError(t, err)
		assert.Equal(t, "ORD6001", n.OutTradeNo)
		assert.Equal(t, TradeSuccess, n.TradeStatus)
		assert.Equal(t, "195.00", n.TotalAmount.StringFixed(2))
	})

	t.Run("tampered amount", func(t *testing.T) {
		tampered := make(map[string]string)
		for k, v := range params {
			tampered[k] = v
		}
		tampered["total_amount"] = "1.00"
		_, err := client.VerifyNotify(tampered)
		assert.ErrorIs(t, err, ErrNotifySignature)
	})

	t.Run("form flattening", func(t *testing.T) {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		_, err := client.VerifyNotify(FlattenForm(form))
		assert.NoError(t, err)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"relation not bound", &BusinessError{SubCode: "ACQ.ROYALTY_RELATION_NOT_BIND"}, DispositionDeferred},
		{"trans in not bound", &BusinessError{SubCode: "ACQ.TRANS_IN_NOT_BIND"}, DispositionDeferred},
		{"balance", &BusinessError{SubCode: "PAYER_BALANCE_NOT_ENOUGH"}, DispositionFatal},
		{"permission", &BusinessError{SubCode: "ISV.INSUFFICIENT_ISV_PERMISSIONS"}, DispositionFatal},
		{"split exceeds what the trade holds", &BusinessError{SubCode: "ACQ.ALLOC_AMOUNT_VALIDATE_ERROR"}, DispositionFatal},
		{"settlement already finished", &BusinessError{SubCode: "ACQ.TRADE_SETTLE_ERROR"}, DispositionFatal},
		{"trade finished", &BusinessError{SubCode: "ACQ.TRADE_HAS_FINISHED"}, DispositionFatal},
		{"account missing", &BusinessError{SubCode: "ACC_NOT_EXIST"}, DispositionFallback},
		{"unknown", &BusinessError{SubCode: "SOMETHING_NEW"}, DispositionFallback},
		{"wrapped", errors.Join(errors.New("ctx"), &BusinessError{SubCode: "BALANCE_IS_NOT_ENOUGH"}), DispositionFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestMarshalBizContent(t *testing.T) {
	out, err := marshalBizContent(map[string]string{"subject": "a&b<c>"})
	require.NoError(t, err)
	assert.Equal(t, `{"subject":"a&b<c>"}`, out)
	assert.False(t, strings.HasSuffix(out, "\n"))
}
