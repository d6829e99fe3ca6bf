package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

// Console implementa ports.Reporter: una línea de log estructurada por evento
// terminal, más el report legible del historial.
type Console struct {
	out    io.Writer
	logger *slog.Logger
}

// NewConsole crea un reporter que loguea con el logger por defecto e
// imprime los reports en stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, logger: slog.Default()}
}

// NewConsoleWriter creates a reporter writing both logs and reports to w. Used in tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, logger: slog.New(slog.NewTextHandler(w, nil))}
}

// Report logs the event at the level its Severity names.
func (c *Console) Report(ctx context.Context, ev domain.Event) error {
	attrs := []any{
		"event", ev.ID,
		"account", ev.Account.Hex(),
		"outcome", ev.Outcome,
		"attempt", ev.Attempt,
		"fee_bid", ev.FeeBid,
		"batch", ev.BatchID,
		"timestamp", ev.Timestamp.Format(time.RFC3339),
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.TxHash != "" {
		attrs = append(attrs, "tx", ev.TxHash)
	}

	level := slog.LevelInfo
	if ev.Severity() == domain.SeverityError {
		level = slog.LevelError
	}

	msg := "liquidation confirmed"
	switch {
	case ev.Abandoned:
		msg = "liquidation abandoned"
	case ev.Outcome == domain.OutcomeReverted:
		msg = "liquidation reverted"
		attrs = append(attrs, "kind", domain.KindEconomicRevert.String())
	case ev.Reason == domain.ReasonNotLiquidatable:
		msg = "liquidation not needed"
	}
	c.logger.Log(ctx, level, msg, attrs...)
	return nil
}

// ReportData contiene todo lo que muestra el report del historial.
type ReportData struct {
	Events    []domain.Event
	InFlight  []domain.InFlightEntry
	Total     int
	ByOutcome map[domain.OutcomeKind]int
	Abandoned int
	First     time.Time
	Last      time.Time
}

// PrintReport prints the outcome history and pending in-flight entries.
func (c *Console) PrintReport(r ReportData) {
	fmt.Fprintf(c.out, "\n========================================================\n")
	fmt.Fprintf(c.out, "  LIQUIDATION REPORT\n")
	if r.Total > 0 {
		fmt.Fprintf(c.out, "  %s to %s\n",
			r.First.Format("2006-01-02 15:04"),
			r.Last.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(c.out, "========================================================\n\n")

	fmt.Fprintf(c.out, "  Terminal outcomes:  %d\n", r.Total)
	fmt.Fprintf(c.out, "  Confirmed:          %d\n", r.ByOutcome[domain.OutcomeConfirmed])
	fmt.Fprintf(c.out, "  Reverted:           %d\n", r.ByOutcome[domain.OutcomeReverted])
	fmt.Fprintf(c.out, "  Abandoned:          %d\n", r.Abandoned)

	fmt.Fprintf(c.out, "\n── RECENT OUTCOMES (%d) ──\n", len(r.Events))
	if len(r.Events) > 0 {
		tbl := tablewriter.NewWriter(c.out)
		tbl.Header("Time", "Account", "Outcome", "Attempt", "Fee (gwei)", "Reason", "Tx")
		for _, ev := range r.Events {
			outcome := string(ev.Outcome)
			if ev.Abandoned {
				outcome = "ABANDONED (" + outcome + ")"
			}
			tbl.Append(
				ev.Timestamp.Format("01-02 15:04:05"),
				ev.Account.Short(),
				outcome,
				fmt.Sprintf("%d", ev.Attempt),
				formatGwei(ev.FeeBid),
				truncate(ev.Reason, 30),
				truncate(ev.TxHash, 14),
			)
		}
		tbl.Render()
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── IN FLIGHT (%d) ──\n", len(r.InFlight))
	if len(r.InFlight) > 0 {
		tbl := tablewriter.NewWriter(c.out)
		tbl.Header("Account", "Attempts", "Fee (gwei)", "Batch", "Last attempt")
		for _, e := range r.InFlight {
			tbl.Append(
				e.Account.Hex(),
				fmt.Sprintf("%d", e.Attempts),
				formatGwei(e.FeeBid),
				truncate(e.BatchID, 8),
				e.LastAttemptAt.Format("01-02 15:04:05"),
			)
		}
		tbl.Render()
		fmt.Fprintln(c.out, "  These accounts are re-validated on the next start.")
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}
	fmt.Fprintln(c.out)
}

func formatGwei(wei uint64) string {
	return fmt.Sprintf("%.2f", float64(wei)/1e9)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
