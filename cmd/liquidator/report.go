package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/alejandrodnm/liquidator/internal/adapters/notify"
	"github.com/alejandrodnm/liquidator/internal/adapters/storage"
)

const reportLimit = 50

func runReport(ctx context.Context, store *storage.SQLiteStorage) {
	stats, err := store.GetOutcomeStats(ctx)
	if err != nil {
		slog.Error("failed to get outcome stats", "err", err)
		os.Exit(1)
	}
	events, err := store.GetOutcomes(ctx, reportLimit)
	if err != nil {
		slog.Error("failed to get outcomes", "err", err)
		os.Exit(1)
	}
	pending, err := store.LoadInFlight(ctx)
	if err != nil {
		slog.Error("failed to load in-flight journal", "err", err)
		os.Exit(1)
	}

	notify.NewConsole().PrintReport(notify.ReportData{
		Events:    events,
		InFlight:  pending,
		Total:     stats.Total,
		ByOutcome: stats.ByOutcome,
		Abandoned: stats.Abandoned,
		First:     stats.First,
		Last:      stats.Last,
	})
}
