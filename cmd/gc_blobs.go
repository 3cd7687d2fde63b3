package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/blobstore"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

var gcOlderThanDays int

var gcBlobsCmd = &cobra.Command{
	Use:   "gc-blobs",
	Short: "Remove uploaded blobs older than a cutoff that no booking references",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		blobs, err := blobstore.New(cfg.DataDir + "/blobs")
		if err != nil {
			return eris.Wrap(err, "open blobstore")
		}

		bookings, err := st.ListBookings(ctx, store.BookingFilter{})
		if err != nil {
			return eris.Wrap(err, "list bookings")
		}
		referenced := make(map[string]bool, len(bookings))
		for _, b := range bookings {
			if b.SourceBlobID != "" {
				referenced[b.SourceBlobID] = true
			}
		}

		removed, err := blobs.GC(blobstore.GCPolicy{
			OlderThan:  time.Now().AddDate(0, 0, -gcOlderThanDays),
			ExcludeIDs: referenced,
		})
		if err != nil {
			return eris.Wrap(err, "gc blobs")
		}
		zap.L().Info("blob gc complete", zap.Int("removed", removed), zap.Int("referenced", len(referenced)))
		return nil
	},
}

func init() {
	gcBlobsCmd.Flags().IntVar(&gcOlderThanDays, "older-than-days", 90, "remove unreferenced blobs older than this many days")
	rootCmd.AddCommand(gcBlobsCmd)
}
