package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent reconciliation cycles.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show cycles")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cycles, err := store.ListRecentCycles(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		fmt.Fprintln(os.Stdout, "no cycles found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tOutcome\tStage\tFrom\tTo\tAPY bps\tDiff%\tTx\tError")

	for _, cycle := range cycles {
		errMsg := ""
		if cycle.Error != nil {
			errMsg = sanitizeInline(*cycle.Error)
		}
		tx := ""
		if cycle.TxHash != nil {
			tx = shortHash(*cycle.TxHash)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			cycle.Bucket.UTC().Format(time.RFC3339),
			cycle.Outcome,
			cycle.Stage,
			cycle.CurrentProtocol,
			cycle.TargetProtocol,
			cycle.TargetAPYBps,
			cycle.DiffPct,
			tx,
			errMsg,
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

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12] + "..."
}
