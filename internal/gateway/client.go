package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/metrics"
	"github.com/Am-duojie/amdo-s-sub000/internal/signing"
	"github.com/rs/zerolog/log"
)

const (
	MethodPagePay        = "alipay.trade.page.pay"
	MethodTradeQuery     = "alipay.trade.query"
	MethodTradeRefund    = "alipay.trade.refund"
	MethodOrderSettle    = "alipay.trade.order.settle"
	MethodSettleQuery    = "alipay.trade.order.settle.query"
	MethodTransfer       = "alipay.fund.trans.uni.transfer"
	MethodTransferQuery  = "alipay.fund.trans.common.query"
	successCode          = "10000"
	timestampLayout      = "2006-01-02 15:04:05"
	errorResponseNode    = "error_response"
	responseNodeSuffix   = "_response"
	maxResponseBodyBytes = 1 << 20
)

// gatewayZone is the wall clock the gateway expects request timestamps in.
var gatewayZone = time.FixedZone("UTC+8", 8*60*60)

// Client talks to the trade gateway. It never retries; callers own retry policy.
type Client struct {
	cfg        config.GatewayConfig
	signer     *signing.Signer
	httpClient *http.Client
	now        func() time.Time
}

// NewClient parses key material once. A malformed key is reported here as
// *signing.KeyFormatError so the process refuses to start.
func NewClient(cfg config.GatewayConfig) (*Client, error) {
	signer, err := signing.NewSigner(cfg.PrivateKey, cfg.GatewayPublicKey)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.SubjectMaxLen <= 0 {
		cfg.SubjectMaxLen = 256
	}

	return &Client{
		cfg:    cfg,
		signer: signer,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				IdleConnTimeout:       timeout,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		now: time.Now,
	}, nil
}

// SetClock overrides the time source used for timestamps and minted keys.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Client) AppID() string {
	return c.cfg.AppID
}

// signedParams builds the common parameter set for method, serialises biz as
// compact JSON and signs everything.
func (c *Client) signedParams(method string, biz interface{}, extra map[string]string) (map[string]string, error) {
	content, err := marshalBizContent(biz)
	if err != nil {
		return nil, fmt.Errorf("failed to encode biz_content: %w", err)
	}

	params := map[string]string{
		"app_id":      c.cfg.AppID,
		"method":      method,
		"charset":     "utf-8",
		"sign_type":   signing.SignTypeRSA2,
		"timestamp":   c.now().In(gatewayZone).Format(timestampLayout),
		"version":     "1.0",
		"biz_content": content,
	}
	for k, v := range extra {
		if v != "" {
			params[k] = v
		}
	}

	sig, err := c.signer.Sign(params)
	if err != nil {
		return nil, &SignatureError{Method: method, Err: err}
	}
	params[signing.FieldSign] = sig
	return params, nil
}

// marshalBizContent encodes without HTML escaping and without the trailing
// newline json.Encoder adds.
func marshalBizContent(biz interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(biz); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

type responseStatus struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	SubCode string `json:"sub_code"`
	SubMsg  string `json:"sub_msg"`
}

// call signs and posts a request and decodes the response node into out.
func (c *Client) call(ctx context.Context, method string, biz interface{}, extra map[string]string, out interface{}) (err error) {
	logger := log.With().
		Str("component", "gateway").
		Str("method", method).
		Logger()

	start := time.Now()
	defer func() {
		metrics.GatewayDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		metrics.GatewayRequests.WithLabelValues(method, outcomeLabel(err)).Inc()
		if err != nil {
			logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("gateway call failed")
			return
		}
		logger.Debug().Dur("elapsed", time.Since(start)).Msg("gateway call completed")
	}()

	params, err := c.signedParams(method, biz, extra)
	if err != nil {
		return err
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return &NetworkError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return &NetworkError{Method: method, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Method: method, Err: fmt.Errorf("unexpected http status %d", resp.StatusCode)}
	}

	return c.decode(method, body, out)
}

func (c *Client) decode(method string, body []byte, out interface{}) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &NetworkError{Method: method, Err: fmt.Errorf("malformed response: %w", err)}
	}

	nodeName := strings.ReplaceAll(method, ".", "_") + responseNodeSuffix
	node, ok := envelope[nodeName]
	if !ok {
		node, ok = envelope[errorResponseNode]
	}
	if !ok {
		return &NetworkError{Method: method, Err: errors.New("response has no result node")}
	}

	var status responseStatus
	if err := json.Unmarshal(node, &status); err != nil {
		return &NetworkError{Method: method, Err: fmt.Errorf("malformed response node: %w", err)}
	}

	if c.cfg.VerifyResponses {
		var sig string
		if raw, ok := envelope[signing.FieldSign]; ok {
			if err := json.Unmarshal(raw, &sig); err != nil {
				return &SignatureError{Method: method, Err: fmt.Errorf("malformed response signature: %w", err)}
			}
		}
		// Declines are sometimes returned unsigned; a success never is.
		if sig != "" || status.Code == successCode {
			if !c.signer.VerifyBytes(node, sig) {
				return &SignatureError{Method: method, Err: ErrResponseSignature}
			}
		}
	}

	if status.Code != successCode {
		return &BusinessError{
			Method:  method,
			Code:    status.Code,
			Msg:     status.Msg,
			SubCode: status.SubCode,
			SubMsg:  status.SubMsg,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(node, out); err != nil {
		return &NetworkError{Method: method, Err: fmt.Errorf("malformed response node: %w", err)}
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsNetworkError(err):
		return "network_error"
	case IsSignatureError(err):
		return "signature_error"
	default:
		return "declined"
	}
}
