package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
)

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit",
	Short: "Verify the audit log hash chain end to end",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := audit.New(st).VerifyAll(ctx); err != nil {
			return eris.Wrap(err, "audit chain verification failed")
		}
		zap.L().Info("audit chain verified intact")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyAuditCmd)
}
