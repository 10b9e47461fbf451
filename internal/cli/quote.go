package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/marketfetch/internal/control"
	"github.com/vietddude/marketfetch/internal/resilience/orchestrator"
	"github.com/vietddude/marketfetch/internal/source"
)

var (
	forceRefresh bool
	asJSON       bool
)

var quoteCmd = &cobra.Command{
	Use:   "quote [symbol...]",
	Short: "Fetch quotes once through the resilience pipeline",
	Args:  cobra.MinimumNArgs(1),
	Run:   runQuote,
}

func init() {
	quoteCmd.Flags().BoolVar(&forceRefresh, "force", false, "skip the cache read")
	quoteCmd.Flags().BoolVar(&asJSON, "json", false, "print full results as JSON")
	rootCmd.AddCommand(quoteCmd)
}

type quoteRow struct {
	Symbol string
	Quote  source.Quote
	Result *orchestrator.Result
	Err    error
}

func runQuote(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := control.NewService(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
	}()

	rows := make([]quoteRow, 0, len(args))
	for _, symbol := range args {
		q, res, err := svc.Quote(ctx, symbol, forceRefresh)
		rows = append(rows, quoteRow{Symbol: strings.ToUpper(symbol), Quote: q, Result: res, Err: err})
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, r := range rows {
			if r.Err != nil {
				_ = enc.Encode(map[string]any{"symbol": r.Symbol, "error": r.Err})
				continue
			}
			_ = enc.Encode(r.Result)
		}
		return
	}
	printQuotes(os.Stdout, rows)
}

func printQuotes(out io.Writer, rows []quoteRow) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SYMBOL\tPRICE\tSOURCE\tCOMPLETENESS\tRELIABILITY\tRECOMMENDATION")

	var warnings []string
	for _, r := range rows {
		if r.Err != nil {
			_, _ = fmt.Fprintf(w, "%s\t-\terror\t-\t-\t%v\n", r.Symbol, r.Err)
			continue
		}
		price := "-"
		if p, ok := r.Quote["regularMarketPrice"]; ok {
			price = fmt.Sprint(p)
		}
		completeness, reliability, recommendation := "-", "-", "-"
		if q := r.Result.Quality; q != nil {
			completeness = fmt.Sprintf("%.2f%%", q.CompletenessPercent())
			reliability = string(q.SourceReliability)
			recommendation = q.Recommendation
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Symbol, price, r.Result.Source, completeness, reliability, recommendation)
		for _, msg := range r.Result.Warnings {
			warnings = append(warnings, r.Symbol+": "+msg)
		}
	}
	_ = w.Flush()

	for _, msg := range warnings {
		_, _ = fmt.Fprintln(out, "warning:", msg)
	}
}
