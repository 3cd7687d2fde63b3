package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	swapModelAddr  string
	swapModelToken string
)

var swapModelCmd = &cobra.Command{
	Use:   "swap-model <handle>",
	Short: "Ask the running server to drain in-flight requests and swap the primary model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := json.Marshal(map[string]string{"handle": args[0]})
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}

		addr := swapModelAddr
		if addr == "" {
			addr = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, addr+"/admin/swap-model", bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "build request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+swapModelToken)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return eris.Wrap(err, "call server")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var body map[string]any
			_ = json.NewDecoder(resp.Body).Decode(&body)
			return eris.Errorf("swap-model failed: status %d, %v", resp.StatusCode, body)
		}

		zap.L().Info("model swap requested", zap.String("handle", args[0]))
		return nil
	},
}

func init() {
	swapModelCmd.Flags().StringVar(&swapModelAddr, "server", "", "base URL of the running server (default from config)")
	swapModelCmd.Flags().StringVar(&swapModelToken, "token", "", "admin bearer token")
	rootCmd.AddCommand(swapModelCmd)
}
