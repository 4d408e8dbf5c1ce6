/*
main.go - Application entry point

PURPOSE:
  The skillswap command. Runs the HTTP server and offers a few operator
  commands that work directly against the configured store.

COMMANDS:
  serve                 Run the HTTP API (default)
  balance USER          Print a user's balance
  adjust USER AMOUNT    Write an admin adjustment (--bonus, --reason, --actor)
  reconcile USER...     Run the consistency check, non-zero exit on problems

  Every command takes --config (TOML). Without it the defaults apply:
  SQLite at ./skillswap.db. serve also needs auth.jwt_secret, or
  auth.dev_header = true for local development (never both).

ENVIRONMENT:
  DATABASE_URL          Overrides store.dsn (postgres:// selects postgres)
  PORT                  Overrides server.addr
  SKILLSWAP_JWT_SECRET  Overrides auth.jwt_secret
  SKILLSWAP_ADMINS      Comma-separated admin user IDs
  SKILLSWAP_LOG_LEVEL   Overrides log.level

EXAMPLES:
  skillswap serve --config ./skillswap.toml
  DATABASE_URL=postgres://localhost/skillswap skillswap reconcile alice bob
  skillswap adjust alice 5 --bonus --reason "beta tester" --actor ops-1

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - backend.go: Store selection
  - config/config.go: Configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/skill-exchange/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "skillswap",
	Short: "Skill exchange credit ledger and session escrow",
	Long: `skillswap runs the credit ledger and session escrow engine of the skill
exchange: users teach and learn from each other and pay in credits held in
escrow until a session completes.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
