package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/HatiCode/voltcast/pkg/aggregate"
	"github.com/HatiCode/voltcast/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	dataset TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	generated_at TEXT NOT NULL,
	trend TEXT
);
CREATE TABLE IF NOT EXISTS monthly_usage (
	dataset TEXT NOT NULL,
	dt TEXT NOT NULL,
	zone_a_kwh REAL NOT NULL,
	zone_b_kwh REAL NOT NULL,
	zone_c_kwh REAL NOT NULL,
	total_kwh_est REAL NOT NULL,
	month TEXT NOT NULL,
	global_active_power_sum REAL NOT NULL,
	PRIMARY KEY (dataset, dt)
);
`

// SQLiteStore keeps snapshots in a SQLite database. Each Put replaces the
// dataset's rows inside one transaction.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put replaces the snapshot of s.Dataset.
func (q *SQLiteStore) Put(ctx context.Context, s Snapshot) (err error) {
	if err := ValidateDataset(s.Dataset); err != nil {
		return err
	}

	var trend sql.NullString
	if s.Trend != nil {
		data, err := json.Marshal(s.Trend)
		if err != nil {
			return fmt.Errorf("marshal trend: %w", err)
		}
		trend = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (dataset, run_id, generated_at, trend) VALUES (?, ?, ?, ?)`,
		s.Dataset, s.RunID, s.GeneratedAt.UTC().Format(time.RFC3339Nano), trend); err != nil {
		return fmt.Errorf("write snapshot row: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM monthly_usage WHERE dataset = ?`, s.Dataset); err != nil {
		return fmt.Errorf("clear monthly rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO monthly_usage
		(dataset, dt, zone_a_kwh, zone_b_kwh, zone_c_kwh, total_kwh_est, month, global_active_power_sum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare monthly insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range s.Months {
		if _, err = stmt.ExecContext(ctx, s.Dataset, m.Period.Format(aggregate.DateLayout),
			m.ZoneAKWh, m.ZoneBKWh, m.ZoneCKWh, m.TotalKWhEst(), m.Label(), m.ActivePowerSum); err != nil {
			return fmt.Errorf("insert monthly row %s: %w", m.Label(), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// GetLatest reads the snapshot of dataset.
func (q *SQLiteStore) GetLatest(ctx context.Context, dataset string) (Snapshot, bool, error) {
	if err := ValidateDataset(dataset); err != nil {
		return Snapshot{}, false, err
	}

	var (
		runID, generatedAt string
		trend              sql.NullString
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT run_id, generated_at, trend FROM snapshots WHERE dataset = ?`, dataset).
		Scan(&runID, &generatedAt, &trend)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot row: %w", err)
	}

	s := Snapshot{Dataset: dataset, RunID: runID}
	if s.GeneratedAt, err = time.Parse(time.RFC3339Nano, generatedAt); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse generated_at: %w", err)
	}
	if trend.Valid {
		var m models.TrendModel
		if err := json.Unmarshal([]byte(trend.String), &m); err != nil {
			return Snapshot{}, false, fmt.Errorf("decode trend: %w", err)
		}
		s.Trend = &m
	}

	rows, err := q.db.QueryContext(ctx, `SELECT dt, zone_a_kwh, zone_b_kwh, zone_c_kwh, global_active_power_sum
		FROM monthly_usage WHERE dataset = ? ORDER BY dt`, dataset)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("query monthly rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dt string
			m  aggregate.Month
		)
		if err := rows.Scan(&dt, &m.ZoneAKWh, &m.ZoneBKWh, &m.ZoneCKWh, &m.ActivePowerSum); err != nil {
			return Snapshot{}, false, fmt.Errorf("scan monthly row: %w", err)
		}
		if m.Period, err = time.ParseInLocation(aggregate.DateLayout, dt, time.UTC); err != nil {
			return Snapshot{}, false, fmt.Errorf("parse monthly dt %q: %w", dt, err)
		}
		s.Months = append(s.Months, m)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, fmt.Errorf("iterate monthly rows: %w", err)
	}
	return s, true, nil
}

// Ping checks the database connection.
func (q *SQLiteStore) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close closes the database. It is safe to call more than once.
func (q *SQLiteStore) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}
