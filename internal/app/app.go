// Package app wires the services together and owns the HTTP routes. The
// server, the simulation and settlectl all build the same graph from it.
package app

import (
	"fmt"
	"net/http"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/auth"
	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/database"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/ledger"
	"github.com/Am-duojie/amdo-s-sub000/internal/metrics"
	"github.com/Am-duojie/amdo-s-sub000/internal/sandbox"
	"github.com/Am-duojie/amdo-s-sub000/internal/settlement"
	"github.com/Am-duojie/amdo-s-sub000/internal/signing"
	"github.com/Am-duojie/amdo-s-sub000/internal/trading"
	"github.com/Am-duojie/amdo-s-sub000/pkg/middleware"
	"github.com/Am-duojie/amdo-s-sub000/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	sandboxPath  = "/sandbox/gateway.do"
	sandboxAppID = "2021000000000000"
	notifyPath   = "/api/v1/gateway/notify"
)

func init() {
	response.RegisterMapping(response.Mapping{
		Match:   gateway.IsNetworkError,
		Status:  http.StatusBadGateway,
		Code:    response.ErrCodeGateway,
		Message: func(error) string { return "Payment gateway unavailable, try again later" },
	})
	response.RegisterMapping(response.Mapping{
		Match:  gateway.IsSignatureError,
		Status: http.StatusBadGateway,
		Code:   "GATEWAY_SIGNATURE",
	})
	response.RegisterMapping(response.Mapping{
		Match: func(err error) bool {
			_, ok := gateway.AsBusinessError(err)
			return ok
		},
		Status: http.StatusBadGateway,
		Code:   response.ErrCodeGateway,
		Message: func(err error) string {
			be, _ := gateway.AsBusinessError(err)
			return be.DisplayMessage()
		},
	})
	response.Register(http.StatusUnauthorized, response.ErrCodeUnauthorized, gateway.ErrNotifySignature, gateway.ErrNotifyAppID)
}

// App holds every long-lived component.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Gateway    *gateway.Client
	Sandbox    *sandbox.Server // nil unless gateway.sandbox is set
	Auth       *auth.Service
	Trail      *audit.Trail
	Ledger     *ledger.Ledger
	Trading    *trading.Service
	Settlement *settlement.Service
	Processor  *settlement.Processor
}

// New opens the database and builds the service graph. In sandbox mode the
// gateway keys are generated here and the fake gateway is mounted on the
// same router at /sandbox/gateway.do.
func New(cfg *config.Config) (*App, error) {
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return NewWithDB(cfg, db)
}

// NewWithDB builds the service graph on an already migrated database.
func NewWithDB(cfg *config.Config, db *gorm.DB) (*App, error) {
	a := &App{Config: cfg, DB: db}

	gwCfg := cfg.Gateway
	if gwCfg.Sandbox {
		sb, sbCfg, err := newSandbox(cfg)
		if err != nil {
			return nil, err
		}
		a.Sandbox = sb
		gwCfg = sbCfg
	}

	client, err := gateway.NewClient(gwCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway client: %w", err)
	}
	a.Gateway = client

	a.Auth = auth.NewService(cfg.Auth.JWTSecret)
	if cfg.Auth.APIKey != "" {
		a.Auth.RegisterAPICredentials(cfg.Auth.APIKey, cfg.Auth.APISecret, auth.PermissionTrade, auth.PermissionInternal)
	}
	if cfg.Auth.AdminAPIKey != "" {
		a.Auth.RegisterAPICredentials(cfg.Auth.AdminAPIKey, cfg.Auth.AdminAPISecret, auth.PermissionAdmin, auth.PermissionInternal)
	}

	a.Trail = audit.NewTrail(db)
	a.Ledger = ledger.NewLedger(db, client, a.Trail)
	a.Trading = trading.NewService(db, client, a.Trail)
	a.Settlement, err = settlement.NewService(db, client, a.Trading, a.Ledger, a.Trail, cfg.Settlement)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settlement: %w", err)
	}
	a.Processor = settlement.NewProcessor(a.Trading, a.Ledger, cfg.Reconciler)

	return a, nil
}

// newSandbox generates a merchant key pair and a gateway key pair and
// returns the fake gateway plus a client config pointing at it.
func newSandbox(cfg *config.Config) (*sandbox.Server, config.GatewayConfig, error) {
	gwCfg := cfg.Gateway

	merchantPriv, merchantPub, err := signing.GenerateKeyPair(2048)
	if err != nil {
		return nil, gwCfg, fmt.Errorf("failed to generate sandbox merchant keys: %w", err)
	}
	gatewayPriv, gatewayPub, err := signing.GenerateKeyPair(2048)
	if err != nil {
		return nil, gwCfg, fmt.Errorf("failed to generate sandbox gateway keys: %w", err)
	}

	if gwCfg.AppID == "" {
		gwCfg.AppID = sandboxAppID
	}
	sb, err := sandbox.New(gwCfg.AppID, gatewayPriv, merchantPub)
	if err != nil {
		return nil, gwCfg, err
	}

	base := "http://127.0.0.1:" + cfg.Server.Port
	gwCfg.URL = base + sandboxPath
	gwCfg.PrivateKey = merchantPriv
	gwCfg.GatewayPublicKey = gatewayPub
	gwCfg.VerifyResponses = true
	if gwCfg.NotifyURL == "" {
		gwCfg.NotifyURL = base + notifyPath
	}

	log.Warn().
		Str("component", "app").
		Str("gateway_url", gwCfg.URL).
		Msg("using sandbox gateway with generated keys")
	return sb, gwCfg, nil
}

// Router builds the gin engine with every route mounted.
func (a *App) Router() *gin.Engine {
	router := gin.Default()
	if a.Config.Server.RateLimit {
		router.Use(middleware.RateLimit())
	}
	a.setupRoutes(router)
	return router
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth and notify routes are public; notifies are verified by signature
// - Trade and wallet routes: JWT authentication
// - Internal routes: marketplace services holding the internal permission
// - Admin routes: operators holding the admin permission
func (a *App) setupRoutes(router *gin.Engine) {
	secret := a.Config.Auth.JWTSecret

	authHandlers := auth.NewGinHandlers(a.Auth)
	tradingHandlers := trading.NewGinHandlers(a.Trading)
	walletHandlers := ledger.NewGinHandlers(a.Ledger)
	settlementHandlers := settlement.NewGinHandlers(a.Settlement)
	auditHandlers := audit.NewGinHandlers(a.Trail)

	router.GET("/metrics", metrics.Handler())
	if a.Sandbox != nil {
		a.Sandbox.Register(router, sandboxPath)
	}

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Gateway callbacks
		gw := v1.Group("/gateway")
		{
			gw.POST("/notify", tradingHandlers.NotifyHandler())
			gw.GET("/notify", tradingHandlers.NotifyHandler())
		}

		// Trade routes
		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth(secret))
		{
			trades.POST("", tradingHandlers.CreateTradeHandler())
			trades.GET("/:trade_id", tradingHandlers.GetTradeHandler())
		}

		// Wallet routes
		wallet := v1.Group("/wallet")
		wallet.Use(middleware.JWTAuth(secret))
		{
			wallet.GET("", walletHandlers.GetWalletHandler())
			wallet.PUT("/payout-account", walletHandlers.BindPayoutHandler())
			wallet.POST("/withdraw", walletHandlers.WithdrawHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(secret))
		{
			internal.POST("/settlement/:trade_id", settlementHandlers.SettleTradeHandler())
			internal.POST("/trades/:trade_id/refund", tradingHandlers.RefundHandler())
		}

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(secret))
		{
			admin.GET("/settlement/:trade_id", settlementHandlers.GetSettlementHandler())
			admin.POST("/settlement/:trade_id/retry", settlementHandlers.RetrySettlementHandler())
			admin.GET("/audit", auditHandlers.ListHandler())
		}
	}
}

// Close releases the database connection pool.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
