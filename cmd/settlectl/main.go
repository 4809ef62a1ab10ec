package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Am-duojie/amdo-s-sub000/internal/app"
	"github.com/Am-duojie/amdo-s-sub000/internal/config"
)

var Version = "dev"

var configPath string

func init() {
	_ = godotenv.Load()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "settlectl",
		Short:   "Operator tool for marketplace settlement",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MARKET_CONFIG"), "path to YAML config file")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadApp builds the service graph against the configured gateway. The
// sandbox only lives inside a server process, so it is refused here.
func loadApp() (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Gateway.Sandbox {
		return nil, fmt.Errorf("gateway.sandbox is set; settlectl needs a reachable gateway")
	}
	return app.New(cfg)
}
