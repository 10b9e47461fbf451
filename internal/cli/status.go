package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/marketfetch/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored last-known-good snapshots",
	Run:   runStatus,
}

var pruneCmd = &cobra.Command{
	Use:   "prune [older_than]",
	Short: "Delete snapshots stored before now minus a duration (e.g. 72h)",
	Args:  cobra.ExactArgs(1),
	Run:   runPrune,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pruneCmd)
}

func openDB(ctx context.Context) *postgres.DB {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("database.url is not configured")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return db
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	db := openDB(ctx)
	defer func() {
		_ = db.Close()
	}()

	snaps, err := postgres.NewSnapshotRepo(db).List(ctx)
	if err != nil {
		slog.Error("Failed to list snapshots", "error", err)
		os.Exit(1)
	}
	printSnapshots(os.Stdout, snaps, time.Now())
}

func printSnapshots(out io.Writer, snaps []postgres.SnapshotInfo, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "KEY\tSTORED_AT\tAGE")
	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.Key, s.StoredAt.Format(time.RFC3339), now.Sub(s.StoredAt).Round(time.Second))
	}
	_ = w.Flush()
}

func runPrune(cmd *cobra.Command, args []string) {
	olderThan, err := time.ParseDuration(args[0])
	if err != nil || olderThan <= 0 {
		slog.Error("Invalid duration", "value", args[0])
		os.Exit(1)
	}

	ctx := context.Background()
	db := openDB(ctx)
	defer func() {
		_ = db.Close()
	}()

	n, err := postgres.NewSnapshotRepo(db).Prune(ctx, time.Now().Add(-olderThan))
	if err != nil {
		slog.Error("Failed to prune snapshots", "error", err)
		os.Exit(1)
	}
	slog.Info("Pruned snapshots", "count", n, "older_than", olderThan)
}
