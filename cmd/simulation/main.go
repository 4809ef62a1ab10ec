package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Am-duojie/amdo-s-sub000/internal/app"
	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/settlement"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
)

const (
	minTrades      = 15
	maxTrades      = 60
	numWorkers     = 5
	numSellers     = 4
	duplicateCalls = 3 // concurrent settle calls per trade
	apiKey         = "simulation-api-key"
	apiSecret      = "simulation-api-secret"
	adminKey       = "simulation-admin-key"
	adminSecret    = "simulation-admin-secret"
	platformPayee  = "2088000000000999"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	gin.SetMode(gin.ReleaseMode)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope is the standard API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the settlement API
type simulationClient struct {
	baseURL    string
	token      string
	adminToken string
	client     *http.Client
	stats      map[string]*routeStats
	order      []string
}

// newSimulationClient creates a client and authenticates both the
// marketplace and the operator credentials
func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"create":   {name: "Create Trade"},
			"checkout": {name: "Gateway Checkout"},
			"pay":      {name: "Pay + Notify"},
			"get":      {name: "Get Trade"},
			"settle":   {name: "Settle Trade"},
			"retry":    {name: "Admin Retry"},
		},
		order: []string{"auth", "create", "checkout", "pay", "get", "settle", "retry"},
	}

	var err error
	if sc.token, err = sc.authenticate(apiKey, apiSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	if sc.adminToken, err = sc.authenticate(adminKey, adminSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate admin: %w", err)
	}
	return sc, nil
}

// do sends a JSON request and decodes the envelope, timing it under route
func (sc *simulationClient) do(route, method, path, token string, body interface{}, headers map[string]string, out interface{}) (int, error) {
	start := time.Now()
	status, err := sc.send(method, path, token, body, headers, out)
	sc.stats[route].addDuration(time.Since(start), err != nil)
	return status, err
}

func (sc *simulationClient) send(method, path, token string, body interface{}, headers map[string]string, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !env.Success {
		if env.Error != nil {
			return resp.StatusCode, fmt.Errorf("%s %s failed with status %d: %s: %s", method, path, resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return resp.StatusCode, fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// authenticate exchanges API credentials for a JWT token
func (sc *simulationClient) authenticate(key, secret string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	_, err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", "",
		map[string]string{"api_key": key, "api_secret": secret}, nil, &result)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

type checkoutResult struct {
	Trade    types.Trade `json:"trade"`
	Checkout struct {
		RedirectURL string `json:"redirect_url"`
	} `json:"checkout"`
}

// createTrade opens a checkout for a seller
func (sc *simulationClient) createTrade(sellerID string, total, sellerAmount decimal.Decimal) (*checkoutResult, error) {
	body := map[string]interface{}{
		"subject":       fmt.Sprintf("Second-hand item for %s", sellerID),
		"total_amount":  total,
		"seller_amount": sellerAmount,
		"seller_id":     sellerID,
	}
	var result checkoutResult
	_, err := sc.do("create", http.MethodPost, "/api/v1/trades", sc.token, body,
		map[string]string{"Idempotency-Key": uuid.New().String()}, &result)
	if err != nil {
		return nil, err
	}
	if result.Trade.TradeID == "" {
		return nil, fmt.Errorf("no trade ID in response")
	}
	return &result, nil
}

// submitCheckout plays the buyer's browser: the signed checkout parameters
// are posted to the gateway, which opens the trade on its side
func (sc *simulationClient) submitCheckout(redirectURL string) error {
	start := time.Now()
	err := func() error {
		u, err := url.Parse(redirectURL)
		if err != nil {
			return err
		}
		form := u.Query()
		u.RawQuery = ""
		resp, err := sc.client.PostForm(u.String(), form)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("checkout rejected with status %d", resp.StatusCode)
		}
		return nil
	}()
	sc.stats["checkout"].addDuration(time.Since(start), err != nil)
	return err
}

// getTrade reads the trade back as the marketplace sees it
func (sc *simulationClient) getTrade(tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if _, err := sc.do("get", http.MethodGet, "/api/v1/trades/"+tradeID, sc.token, nil, nil, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

// settleTrade calls the order-completion hook
func (sc *simulationClient) settleTrade(tradeID string) (*settlement.Outcome, int, error) {
	var outcome settlement.Outcome
	status, err := sc.do("settle", http.MethodPost, "/api/v1/internal/settlement/"+tradeID, sc.token, nil, nil, &outcome)
	return &outcome, status, err
}

// retrySettlement re-runs settlement as an operator
func (sc *simulationClient) retrySettlement(tradeID string) (*settlement.Outcome, error) {
	var outcome settlement.Outcome
	_, err := sc.do("retry", http.MethodPost, "/api/v1/admin/settlement/"+tradeID+"/retry", sc.adminToken, nil, nil, &outcome)
	return &outcome, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simStats collects outcomes across workers
type simStats struct {
	mu             sync.Mutex
	created        int
	paid           int
	settled        int
	deferred       int
	unknown        int
	failed         int
	duplicateSkips int
	retried        int
	volume         decimal.Decimal
	deferredIDs    []string
}

func (s *simStats) record(f func(s *simStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

// main runs the settlement simulation
// It starts the API with the sandbox gateway in-process and drives
// concurrent checkout, payment and duplicate settlement calls through it
func main() {
	dir, err := os.MkdirTemp("", "settlement-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create work dir")
	}
	defer os.RemoveAll(dir)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to listen")
	}
	port := fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port)

	a, err := startServer(listener, port, filepath.Join(dir, "simulation.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer a.Close()
	// A few mutating gateway calls get declined at random so the
	// fallback path is exercised.
	a.Sandbox.SuccessRate = 0.9

	ctx := context.Background()
	sellers := make([]string, numSellers)
	for i := range sellers {
		sellers[i] = fmt.Sprintf("SELLER_%d", i)
	}
	// The last seller has no payout account until the retry phase.
	for i, seller := range sellers[:numSellers-1] {
		account := fmt.Sprintf("20880000000001%02d", i)
		if _, err := a.Ledger.BindPayoutAccount(ctx, seller, account, "userId", seller); err != nil {
			log.Fatal().Err(err).Str("seller_id", seller).Msg("Failed to bind payout account")
		}
	}

	simClient, err := newSimulationClient("http://127.0.0.1:" + port)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetTrades := rand.Intn(maxTrades-minTrades) + minTrades
	log.Info().Int("target_trades", targetTrades).Msg("Starting simulation")

	stats := &simStats{volume: decimal.Zero}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, workerID, targetTrades/numWorkers, simClient, a, sellers, stats)
		}(i)
	}
	wg.Wait()

	// Operators bind the missing payout account and retry what was deferred.
	last := sellers[numSellers-1]
	if _, err := a.Ledger.BindPayoutAccount(ctx, last, "buyer_seller@example.com", "loginName", last); err != nil {
		log.Fatal().Err(err).Msg("Failed to bind payout account")
	}
	for _, tradeID := range stats.deferredIDs {
		outcome, err := simClient.retrySettlement(tradeID)
		if err != nil {
			log.Error().Err(err).Str("trade_id", tradeID).Msg("Manual retry failed")
			continue
		}
		stats.retried++
		if outcome.SettlementStatus == types.SettlementSettled {
			stats.settled++
			stats.deferred--
		}
	}

	violations := checkInvariants(ctx, a, sellers)
	duration := time.Since(start)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Trade Statistics
----------------
Created:              %d
Paid:                 %d
Settled:              %d
Deferred:             %d
Outcome unknown:      %d
Failed:               %d
Duplicate no-ops:     %d
Manual retries:       %d
Gateway transfers:    %d
Paid volume:          ¥%s
Duration:             %v
Invariant violations: %d
`, stats.created, stats.paid, stats.settled, stats.deferred, stats.unknown, stats.failed,
		stats.duplicateSkips, stats.retried, a.Sandbox.TransferCount(), stats.volume.StringFixed(2),
		duration.Round(time.Millisecond), len(violations))
	for _, v := range violations {
		fmt.Println("  - " + v)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()

	if len(violations) > 0 {
		os.Exit(1)
	}
}

// runWorker takes trades through checkout, payment and settlement. Each
// settlement is requested several times at once, the way a retrying
// order service would.
func runWorker(ctx context.Context, workerID, numTrades int, sc *simulationClient, a *app.App, sellers []string, stats *simStats) {
	logger := log.With().Int("worker_id", workerID).Logger()

	for i := 0; i < numTrades; i++ {
		seller := sellers[rand.Intn(len(sellers))]
		total := decimal.NewFromInt(int64(rand.Intn(500) + 20))
		sellerAmount := total.Mul(decimal.NewFromFloat(0.9)).Round(2)

		result, err := sc.createTrade(seller, total, sellerAmount)
		if err != nil {
			logger.Error().Err(err).Str("seller_id", seller).Msg("Failed to create trade")
			continue
		}
		trade := result.Trade
		stats.record(func(s *simStats) { s.created++ })

		if err := sc.submitCheckout(result.Checkout.RedirectURL); err != nil {
			logger.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Checkout failed")
			continue
		}

		payStart := time.Now()
		_, err = a.Sandbox.Pay(ctx, trade.OutTradeNo, fmt.Sprintf("2088%012d", rand.Int63n(1e12)))
		sc.stats["pay"].addDuration(time.Since(payStart), err != nil)
		if err != nil {
			logger.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Payment notification failed")
			continue
		}
		stats.record(func(s *simStats) {
			s.paid++
			s.volume = s.volume.Add(total)
		})

		if current, err := sc.getTrade(trade.TradeID); err == nil && current.Status != types.TradePaid {
			logger.Warn().Str("trade_id", trade.TradeID).Str("status", current.Status).Msg("Trade not paid after notification")
		}

		var (
			mu       sync.Mutex
			outcomes []*settlement.Outcome
			statuses []int
			dup      sync.WaitGroup
		)
		for j := 0; j < duplicateCalls; j++ {
			dup.Add(1)
			go func() {
				defer dup.Done()
				outcome, status, err := sc.settleTrade(trade.TradeID)
				if err != nil && status != http.StatusAccepted {
					logger.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("Settle call failed")
					return
				}
				mu.Lock()
				outcomes = append(outcomes, outcome)
				statuses = append(statuses, status)
				mu.Unlock()
			}()
		}
		dup.Wait()

		settled, deferred, unknown := 0, false, false
		for k, o := range outcomes {
			switch {
			case statuses[k] == http.StatusAccepted:
				unknown = true
			case o.SettlementStatus == types.SettlementSettled:
				settled++
			case o.Deferred:
				deferred = true
			}
		}

		stats.record(func(s *simStats) {
			switch {
			case settled > 0:
				s.settled++
				s.duplicateSkips += settled - 1
			case unknown:
				s.unknown++
			case deferred:
				s.deferred++
				s.deferredIDs = append(s.deferredIDs, trade.TradeID)
			default:
				s.failed++
			}
		})

		logger.Info().
			Str("trade_id", trade.TradeID).
			Str("seller_id", seller).
			Str("total", total.StringFixed(2)).
			Int("settled_responses", settled).
			Bool("deferred", deferred).
			Msg("Trade processed")

		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
}

// checkInvariants verifies the ledger against the settlement records
func checkInvariants(ctx context.Context, a *app.App, sellers []string) []string {
	var violations []string

	var trades []types.Trade
	if err := a.DB.WithContext(ctx).Find(&trades).Error; err != nil {
		return []string{fmt.Sprintf("load trades: %v", err)}
	}

	expected := make(map[string]decimal.Decimal)
	for _, trade := range trades {
		detail, err := a.Settlement.GetDetail(ctx, trade.TradeID)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", trade.TradeID, err))
			continue
		}
		succeeded := 0
		for _, attempt := range detail.Attempts {
			if attempt.Outcome == settlement.OutcomeSucceeded {
				succeeded++
			}
		}
		income, err := a.Ledger.IncomeForTrade(ctx, trade.TradeID)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", trade.TradeID, err))
			continue
		}

		if succeeded > 1 {
			violations = append(violations, fmt.Sprintf("%s: %d succeeded attempts", trade.TradeID, succeeded))
		}
		if len(income) > 1 {
			violations = append(violations, fmt.Sprintf("%s: credited %d times", trade.TradeID, len(income)))
		}
		isSettled := trade.SettlementStatus == types.SettlementSettled
		if isSettled != (succeeded == 1) || isSettled != (len(income) == 1) {
			violations = append(violations, fmt.Sprintf("%s: status %s with %d succeeded attempts and %d credits",
				trade.TradeID, trade.SettlementStatus, succeeded, len(income)))
		}
		if isSettled {
			expected[trade.SellerID] = expected[trade.SellerID].Add(trade.SellerAmount)
		}
	}

	for _, seller := range sellers {
		acc, err := a.Ledger.GetAccount(ctx, seller)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", seller, err))
			continue
		}
		replayed, err := a.Ledger.Reconstruct(ctx, seller)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", seller, err))
			continue
		}
		if !replayed.Equal(acc.Balance) {
			violations = append(violations, fmt.Sprintf("%s: balance %s but entries replay to %s",
				seller, acc.Balance.StringFixed(2), replayed.StringFixed(2)))
		}
		if !acc.Balance.Equal(expected[seller]) {
			violations = append(violations, fmt.Sprintf("%s: balance %s, settled trades sum to %s",
				seller, acc.Balance.StringFixed(2), expected[seller].StringFixed(2)))
		}
	}
	return violations
}

// startServer builds the application in sandbox mode and serves it on listener
func startServer(listener net.Listener, port, dbPath string) (*app.App, error) {
	cfg := config.Default()
	cfg.Server.Port = port
	cfg.Server.RateLimit = false
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = dbPath
	cfg.Auth.JWTSecret = uuid.New().String()
	cfg.Auth.APIKey = apiKey
	cfg.Auth.APISecret = apiSecret
	cfg.Auth.AdminAPIKey = adminKey
	cfg.Auth.AdminAPISecret = adminSecret
	cfg.Gateway.Sandbox = true
	cfg.Settlement.PlatformPayee = platformPayee
	cfg.Settlement.PlatformPayeeType = "userId"
	cfg.Reconciler.Enabled = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	}()
	return a, nil
}
