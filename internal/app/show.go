package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent anomalies.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show anomalies")
	}
	defer closeStore()

	anomalies, err := store.ListRecentAnomalies(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(anomalies) == 0 {
		fmt.Fprintln(os.Stdout, "no anomalies found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Triggered\tRule\tCoin\tExchange\tTime A\tTime B\tDrop A%\tDrop B%\tPrice\tCondition")

	for _, rec := range anomalies {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.TriggeredAt.Format(time.RFC3339),
			rec.RuleName,
			rec.CoinName,
			rec.Exchange,
			rec.TimeA.Format("01-02 15:04"),
			rec.TimeB.Format("01-02 15:04"),
			formatDecimal(rec.VirtualDropA, 2),
			formatDecimal(rec.VirtualDropB, 2),
			rec.Price.String(),
			sanitizeInline(rec.Condition),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
