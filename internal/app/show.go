package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent archived ticks.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show ticks")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentTicks(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no ticks found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSecurity\tPrice\tQty\tGroup")

	for _, record := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\n",
			record.TickAt.UTC().Format(time.RFC3339),
			record.SecurityID,
			record.Price.StringFixed(2),
			record.Quantity,
			record.GroupID,
		)
	}

	writer.Flush()
	return nil
}
