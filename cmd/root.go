package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ledger-server",
	Short: "On-premise accounting automation server",
	Long:  "Ingests supplier documents, proposes double-entry bookings via a local model, and exports approved bookings to the office's ERP under full operator control.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
