package storage

// sqlite.go: journal de recuperación ante caídas e historial de resultados.
//
//   - `inflight`: una fila por cuenta con un absorb en vuelo (PK account).
//     Se escribe al despachar y se borra en cualquier salida de InFlight. Las
//     filas que quedan tras una caída se re-validan en el siguiente arranque.
//   - `outcomes`: una fila por evento terminal, para el report y auditorías.
//   - Prune al abrir: outcomes con más de 30 días.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS inflight (
    account         TEXT    PRIMARY KEY,
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_attempt_at INTEGER NOT NULL,
    fee_bid         INTEGER NOT NULL DEFAULT 0,
    batch_id        TEXT    NOT NULL,
    discovered_at   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outcomes (
    id          TEXT    PRIMARY KEY,
    account     TEXT    NOT NULL,
    outcome     TEXT    NOT NULL,
    reason      TEXT    NOT NULL DEFAULT '',
    attempt     INTEGER NOT NULL DEFAULT 0,
    fee_bid     INTEGER NOT NULL DEFAULT 0,
    tx_hash     TEXT    NOT NULL DEFAULT '',
    batch_id    TEXT    NOT NULL DEFAULT '',
    abandoned   INTEGER NOT NULL DEFAULT 0,
    reported_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_at      ON outcomes(reported_at DESC);
CREATE INDEX IF NOT EXISTS idx_outcomes_account ON outcomes(account);
`

const retentionOutcomes = 30 * 24 * time.Hour

// SQLiteStorage implementa ports.InFlightJournal y ports.Reporter usando
// SQLite (Go puro, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// OutcomeStats agrega el historial de resultados.
type OutcomeStats struct {
	Total     int
	ByOutcome map[domain.OutcomeKind]int
	Abandoned int
	First     time.Time
	Last      time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en path y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// SaveInFlight inserta o actualiza la entrada de su cuenta.
func (s *SQLiteStorage) SaveInFlight(ctx context.Context, e domain.InFlightEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inflight (account, attempts, last_attempt_at, fee_bid, batch_id, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			attempts        = excluded.attempts,
			last_attempt_at = excluded.last_attempt_at,
			fee_bid         = excluded.fee_bid,
			batch_id        = excluded.batch_id,
			discovered_at   = excluded.discovered_at
	`,
		e.Account.Hex(),
		e.Attempts,
		e.LastAttemptAt.UTC().UnixNano(),
		int64(e.FeeBid),
		e.BatchID,
		int64(e.DiscoveredAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveInFlight: %s: %w", e.Account.Hex(), err)
	}
	return nil
}

// DeleteInFlight elimina la entrada de la cuenta. Borrar una entrada inexistente no es error.
func (s *SQLiteStorage) DeleteInFlight(ctx context.Context, account domain.Account) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inflight WHERE account = ?`, account.Hex()); err != nil {
		return fmt.Errorf("storage.DeleteInFlight: %s: %w", account.Hex(), err)
	}
	return nil
}

// LoadInFlight devuelve todas las entradas persistidas, el intento más antiguo primero.
func (s *SQLiteStorage) LoadInFlight(ctx context.Context) ([]domain.InFlightEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, attempts, last_attempt_at, fee_bid, batch_id, discovered_at
		FROM inflight
		ORDER BY last_attempt_at ASC, account ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadInFlight: query: %w", err)
	}
	defer rows.Close()

	var entries []domain.InFlightEntry
	for rows.Next() {
		var (
			e            domain.InFlightEntry
			account      string
			lastAttempt  int64
			feeBid       int64
			discoveredAt int64
		)
		if err := rows.Scan(&account, &e.Attempts, &lastAttempt, &feeBid, &e.BatchID, &discoveredAt); err != nil {
			return nil, fmt.Errorf("storage.LoadInFlight: scan row: %w", err)
		}
		e.Account, err = domain.ParseAccount(account)
		if err != nil {
			return nil, fmt.Errorf("storage.LoadInFlight: %w", err)
		}
		e.LastAttemptAt = time.Unix(0, lastAttempt).UTC()
		e.FeeBid = uint64(feeBid)
		e.DiscoveredAt = uint64(discoveredAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Report persiste un evento terminal.
func (s *SQLiteStorage) Report(ctx context.Context, ev domain.Event) error {
	abandoned := 0
	if ev.Abandoned {
		abandoned = 1
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes
			(id, account, outcome, reason, attempt, fee_bid, tx_hash, batch_id, abandoned, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.Account.Hex(),
		string(ev.Outcome),
		ev.Reason,
		ev.Attempt,
		int64(ev.FeeBid),
		ev.TxHash,
		ev.BatchID,
		abandoned,
		ts.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storage.Report: insert %s: %w", ev.ID, err)
	}
	return nil
}

// GetOutcomes devuelve los eventos más recientes, el más nuevo primero. limit <= 0 devuelve todos.
func (s *SQLiteStorage) GetOutcomes(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, outcome, reason, attempt, fee_bid, tx_hash, batch_id, abandoned, reported_at
		FROM outcomes
		ORDER BY reported_at DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.GetOutcomes: query: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev         domain.Event
			account    string
			outcome    string
			feeBid     int64
			abandoned  int
			reportedAt int64
		)
		if err := rows.Scan(&ev.ID, &account, &outcome, &ev.Reason, &ev.Attempt, &feeBid,
			&ev.TxHash, &ev.BatchID, &abandoned, &reportedAt); err != nil {
			return nil, fmt.Errorf("storage.GetOutcomes: scan row: %w", err)
		}
		ev.Account, err = domain.ParseAccount(account)
		if err != nil {
			return nil, fmt.Errorf("storage.GetOutcomes: %w", err)
		}
		ev.Outcome = domain.OutcomeKind(outcome)
		ev.FeeBid = uint64(feeBid)
		ev.Abandoned = abandoned == 1
		ev.Timestamp = time.Unix(0, reportedAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetOutcomeStats agrega todo el historial.
func (s *SQLiteStorage) GetOutcomeStats(ctx context.Context) (OutcomeStats, error) {
	stats := OutcomeStats{ByOutcome: make(map[domain.OutcomeKind]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*), SUM(abandoned), MIN(reported_at), MAX(reported_at)
		FROM outcomes
		GROUP BY outcome
	`)
	if err != nil {
		return stats, fmt.Errorf("storage.GetOutcomeStats: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			outcome     string
			count       int
			abandoned   int
			first, last int64
		)
		if err := rows.Scan(&outcome, &count, &abandoned, &first, &last); err != nil {
			return stats, fmt.Errorf("storage.GetOutcomeStats: scan row: %w", err)
		}
		stats.Total += count
		stats.Abandoned += abandoned
		stats.ByOutcome[domain.OutcomeKind(outcome)] = count

		f, l := time.Unix(0, first).UTC(), time.Unix(0, last).UTC()
		if stats.First.IsZero() || f.Before(stats.First) {
			stats.First = f
		}
		if l.After(stats.Last) {
			stats.Last = l
		}
	}
	return stats, rows.Err()
}

// Close cierra la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// pruneOld elimina el historial fuera de retención para mantener la DB pequeña.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionOutcomes).UnixNano()
	s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE reported_at < ?`, cutoff)
}
