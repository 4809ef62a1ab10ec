// Package sandbox is an in-process trade gateway speaking the signed
// form-post protocol. It verifies request signatures, signs its responses,
// dedupes by idempotency key and can be scripted to fail.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/signing"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	codeSuccess      = "10000"
	codeBusinessFail = "40004"
	codeInvalidSign  = "40002"
)

// Fault scripts the answer to one gateway call.
type Fault struct {
	Code    string // defaults to 40004
	SubCode string
	SubMsg  string
	// Drop answers 502 instead of a response node. With Apply the request
	// is processed first, so the caller sees an unknown outcome for a call
	// that actually landed.
	Drop  bool
	Apply bool
	// Pending makes a transfer land in DEALING state.
	Pending bool
	Delay   time.Duration
}

// Call is a recorded inbound request.
type Call struct {
	Method string
	Params map[string]string
	Biz    map[string]interface{}
}

type trade struct {
	OutTradeNo  string
	TradeNo     string
	Status      string
	Total       decimal.Decimal
	Refunded    decimal.Decimal
	BuyerID     string
	NotifyURL   string
	Frozen      bool
	Finished    bool
	RefundsSeen map[string]decimal.Decimal
}

type settlement struct {
	TradeNo      string
	OutRequestNo string
	SettleNo     string
	Details      []map[string]interface{}
	OperationDt  string
}

type transfer struct {
	OutBizNo     string
	OrderID      string
	Status       string
	Amount       decimal.Decimal
	Payee        string
	IdentityType string
	TransDate    string
}

// Server is the fake gateway.
type Server struct {
	AppID       string
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability a mutating call is not randomly declined

	signer     *signing.Signer
	httpClient *http.Client

	mu          sync.Mutex
	seq         int64
	trades      map[string]*trade // by out_trade_no
	byTradeNo   map[string]*trade
	settlements map[string]*settlement
	transfers   map[string]*transfer
	queued      map[string][]Fault
	sticky      map[string]Fault
	calls       []Call
}

// New creates a sandbox that signs with gatewayPrivateKey and verifies
// requests with merchantPublicKey.
func New(appID, gatewayPrivateKey, merchantPublicKey string) (*Server, error) {
	signer, err := signing.NewSigner(gatewayPrivateKey, merchantPublicKey)
	if err != nil {
		return nil, fmt.Errorf("sandbox keys: %w", err)
	}
	return &Server{
		AppID:       appID,
		SuccessRate: 1,
		signer:      signer,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		trades:      make(map[string]*trade),
		byTradeNo:   make(map[string]*trade),
		settlements: make(map[string]*settlement),
		transfers:   make(map[string]*transfer),
		queued:      make(map[string][]Fault),
		sticky:      make(map[string]Fault),
	}, nil
}

// Handler returns a gin engine serving /gateway.do.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	s.Register(r, "/gateway.do")
	return r
}

// Register mounts the gateway endpoint on an existing router.
func (s *Server) Register(r gin.IRoutes, path string) {
	r.POST(path, s.handle)
	r.GET(path, s.handle)
}

// InjectFault queues a fault for the next call of method.
func (s *Server) InjectFault(method string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[method] = append(s.queued[method], f)
}

// SetFault makes every call of method fail until ClearFaults.
func (s *Server) SetFault(method string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[method] = f
}

func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = make(map[string][]Fault)
	s.sticky = make(map[string]Fault)
}

// Calls returns recorded calls of method, or all calls when method is empty.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) nextFault(method string) (Fault, bool) {
	if q := s.queued[method]; len(q) > 0 {
		s.queued[method] = q[1:]
		return q[0], true
	}
	f, ok := s.sticky[method]
	return f, ok
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%s%08d", prefix, time.Now().Format("20060102"), s.seq)
}

func (s *Server) simulateLatency() {
	if s.MaxLatency <= 0 {
		return
	}
	latency := s.MinLatency
	if s.MaxLatency > s.MinLatency {
		latency += rand.Intn(s.MaxLatency - s.MinLatency + 1)
	}
	time.Sleep(time.Duration(latency) * time.Millisecond)
}

func (s *Server) handle(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "bad form")
		return
	}
	params := make(map[string]string, len(c.Request.Form))
	for k, v := range c.Request.Form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	method := params["method"]

	logger := log.With().
		Str("component", "sandbox_gateway").
		Str("method", method).
		Logger()

	var biz map[string]interface{}
	if raw := params["biz_content"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &biz); err != nil {
			s.writeError(c, method, codeBusinessFail, "ACQ.INVALID_PARAMETER", "biz_content is not JSON")
			return
		}
	}

	// Requests are signed with sign_type included.
	if !s.signer.VerifyBytes([]byte(signing.Canonicalize(params, signing.FieldSign)), params[signing.FieldSign]) {
		logger.Warn().Msg("rejecting request with invalid signature")
		s.writeError(c, method, codeInvalidSign, "isv.invalid-signature", "invalid signature")
		return
	}
	if params["app_id"] != s.AppID {
		s.writeError(c, method, codeBusinessFail, "isv.invalid-app-id", "unknown app_id")
		return
	}

	s.simulateLatency()

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Params: params, Biz: biz})
	fault, faulted := s.nextFault(method)
	if !faulted && s.SuccessRate < 1 && isMutating(method) && rand.Float64() > s.SuccessRate {
		fault, faulted = Fault{SubCode: "ACQ.SYSTEM_ERROR", SubMsg: "system busy"}, true
	}
	s.mu.Unlock()

	if faulted && fault.Delay > 0 {
		time.Sleep(fault.Delay)
	}
	if faulted && !fault.Drop && !fault.Pending && (fault.SubCode != "" || fault.Code != "") {
		logger.Debug().Str("sub_code", fault.SubCode).Msg("scripted decline")
		code := fault.Code
		if code == "" {
			code = codeBusinessFail
		}
		s.writeError(c, method, code, fault.SubCode, fault.SubMsg)
		return
	}

	if faulted && fault.Drop && !fault.Apply {
		logger.Debug().Msg("scripted drop before apply")
		c.String(http.StatusBadGateway, "upstream timeout")
		return
	}

	s.mu.Lock()
	node, errNode := s.dispatch(method, params, biz, faulted && fault.Pending)
	s.mu.Unlock()

	if faulted && fault.Drop {
		logger.Debug().Msg("scripted drop after apply")
		c.String(http.StatusBadGateway, "upstream timeout")
		return
	}
	if errNode != nil {
		s.writeError(c, method, errNode.code, errNode.subCode, errNode.subMsg)
		return
	}
	s.writeNode(c, method, node)
}

func isMutating(method string) bool {
	switch method {
	case "alipay.trade.order.settle", "alipay.fund.trans.uni.transfer", "alipay.trade.refund":
		return true
	}
	return false
}

type declined struct {
	code    string
	subCode string
	subMsg  string
}

func decline(subCode, subMsg string) *declined {
	return &declined{code: codeBusinessFail, subCode: subCode, subMsg: subMsg}
}

// dispatch applies a call to sandbox state. Callers hold s.mu.
func (s *Server) dispatch(method string, params map[string]string, biz map[string]interface{}, pending bool) (map[string]interface{}, *declined) {
	switch method {
	case "alipay.trade.page.pay":
		return s.pagePay(params, biz)
	case "alipay.trade.query":
		return s.tradeQuery(biz)
	case "alipay.trade.refund":
		return s.refund(biz)
	case "alipay.trade.order.settle":
		return s.settle(biz)
	case "alipay.trade.order.settle.query":
		return s.settleQuery(biz)
	case "alipay.fund.trans.uni.transfer":
		return s.transfer(biz, pending)
	case "alipay.fund.trans.common.query":
		return s.transferQuery(biz)
	default:
		return nil, decline("isv.invalid-method", "unknown method "+method)
	}
}

func (s *Server) writeNode(c *gin.Context, method string, node map[string]interface{}) {
	node["code"] = codeSuccess
	node["msg"] = "Success"
	s.writeSigned(c, method, node)
}

func (s *Server) writeError(c *gin.Context, method, code, subCode, subMsg string) {
	node := map[string]interface{}{
		"code": code,
		"msg":  "Business Failed",
	}
	if subCode != "" {
		node["sub_code"] = subCode
		node["sub_msg"] = subMsg
	}
	s.writeSigned(c, method, node)
}

// writeSigned signs the exact node bytes that are embedded in the envelope.
func (s *Server) writeSigned(c *gin.Context, method string, node map[string]interface{}) {
	nodeBytes, err := json.Marshal(node)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	sig, err := s.signer.SignBytes(nodeBytes)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	name := "error_response"
	if method != "" {
		name = strings.ReplaceAll(method, ".", "_") + "_response"
	}
	sigJSON, _ := json.Marshal(sig)

	var body bytes.Buffer
	body.WriteString(`{"`)
	body.WriteString(name)
	body.WriteString(`":`)
	body.Write(nodeBytes)
	body.WriteString(`,"sign":`)
	body.Write(sigJSON)
	body.WriteString(`}`)
	c.Data(http.StatusOK, "application/json;charset=utf-8", body.Bytes())
}

func str(biz map[string]interface{}, key string) string {
	if v, ok := biz[key].(string); ok {
		return v
	}
	return ""
}

func amount(biz map[string]interface{}, key string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(str(biz, key))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Notify builds a signed trade notification for the current trade state.
func (s *Server) Notify(outTradeNo string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[outTradeNo]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown trade %s", outTradeNo)
	}
	return s.notifyParams(t)
}

func (s *Server) notifyParams(t *trade) (map[string]string, error) {
	now := time.Now().Format("2006-01-02 15:04:05")
	params := map[string]string{
		"notify_id":    s.nextID("N"),
		"notify_time":  now,
		"notify_type":  "trade_status_sync",
		"app_id":       s.AppID,
		"charset":      "utf-8",
		"version":      "1.0",
		"sign_type":    signing.SignTypeRSA2,
		"trade_no":     t.TradeNo,
		"out_trade_no": t.OutTradeNo,
		"trade_status": t.Status,
		"total_amount": t.Total.StringFixed(2),
		"buyer_id":     t.BuyerID,
	}
	// Notifications are verified without sign_type.
	sig, err := s.signer.SignBytes([]byte(signing.Canonicalize(params, signing.FieldSign, signing.FieldSignType)))
	if err != nil {
		return nil, err
	}
	params[signing.FieldSign] = sig
	return params, nil
}

// Pay marks a trade paid and delivers the notification to the trade's
// notify_url when one was given. The signed parameters are returned.
func (s *Server) Pay(ctx context.Context, outTradeNo, buyerID string) (map[string]string, error) {
	s.mu.Lock()
	t, ok := s.trades[outTradeNo]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox: unknown trade %s", outTradeNo)
	}
	t.Status = "TRADE_SUCCESS"
	t.BuyerID = buyerID
	params, err := s.notifyParams(t)
	notifyURL := t.NotifyURL
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if notifyURL == "" {
		return params, nil
	}
	return params, s.deliver(ctx, notifyURL, params)
}

// CloseTrade closes an unpaid trade and delivers the notification.
func (s *Server) CloseTrade(ctx context.Context, outTradeNo string) error {
	s.mu.Lock()
	t, ok := s.trades[outTradeNo]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sandbox: unknown trade %s", outTradeNo)
	}
	t.Status = "TRADE_CLOSED"
	params, err := s.notifyParams(t)
	notifyURL := t.NotifyURL
	s.mu.Unlock()
	if err != nil || notifyURL == "" {
		return err
	}
	return s.deliver(ctx, notifyURL, params)
}

func (s *Server) deliver(ctx context.Context, notifyURL string, params map[string]string) error {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: notify delivery: %w", err)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	if strings.TrimSpace(body.String()) != "success" {
		return fmt.Errorf("sandbox: notify not acknowledged: %q", body.String())
	}
	return nil
}

// SeedTrade registers a paid trade directly, bypassing checkout.
func (s *Server) SeedTrade(outTradeNo string, total decimal.Decimal, frozen bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &trade{
		OutTradeNo:  outTradeNo,
		TradeNo:     s.nextID("T"),
		Status:      "TRADE_SUCCESS",
		Total:       total,
		BuyerID:     "2088000000000001",
		Frozen:      frozen,
		RefundsSeen: make(map[string]decimal.Decimal),
	}
	s.trades[outTradeNo] = t
	s.byTradeNo[t.TradeNo] = t
	return t.TradeNo
}

// CompleteTransfer finishes a DEALING transfer.
func (s *Server) CompleteTransfer(outBizNo string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.transfers[outBizNo]; ok {
		tr.Status = "FAIL"
		if success {
			tr.Status = "SUCCESS"
		}
	}
}

// TransferCount is the number of distinct transfers that were applied.
func (s *Server) TransferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}
