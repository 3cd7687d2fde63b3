package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/rag"
)

var (
	ingestLawsDir     string
	ingestLawsConfirm bool
)

var ingestLawsCmd = &cobra.Command{
	Use:   "ingest-laws",
	Short: "Load legal-corpus chunk files into the RAG index",
	Long:  "Reads every *.json file under the target directory, each holding an array of law chunks, and ingests them quarantined. Pass --confirm to promote them to searchable immediately, for a trusted bulk load.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		dir := ingestLawsDir
		if dir == "" {
			dir = cfg.RAG.WatchedDir
		}

		index := rag.New(st, nil)

		entries, err := os.ReadDir(dir)
		if err != nil {
			return eris.Wrap(err, "read corpus directory")
		}

		ingested := 0
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				return eris.Wrapf(err, "read %s", entry.Name())
			}
			var chunks []model.LegalChunk
			if err := json.Unmarshal(raw, &chunks); err != nil {
				return eris.Wrapf(err, "parse %s", entry.Name())
			}
			for _, chunk := range chunks {
				if err := index.Ingest(ctx, chunk); err != nil {
					return eris.Wrapf(err, "ingest chunk %s", chunk.ID)
				}
				if ingestLawsConfirm {
					if err := index.Confirm(ctx, chunk.ID); err != nil {
						return eris.Wrapf(err, "confirm chunk %s", chunk.ID)
					}
				}
				ingested++
			}
		}

		zap.L().Info("law corpus ingest complete", zap.Int("chunks", ingested), zap.Bool("confirmed", ingestLawsConfirm))
		return nil
	},
}

func init() {
	ingestLawsCmd.Flags().StringVar(&ingestLawsDir, "dir", "", "directory of *.json chunk files (default rag.watched_dir)")
	ingestLawsCmd.Flags().BoolVar(&ingestLawsConfirm, "confirm", false, "promote ingested chunks to searchable immediately")
	rootCmd.AddCommand(ingestLawsCmd)
}
