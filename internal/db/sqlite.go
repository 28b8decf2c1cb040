package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS anomaly_records (
    id               TEXT PRIMARY KEY,
    source           TEXT NOT NULL,
    detected_at      TEXT NOT NULL,
    is_anomaly       INTEGER NOT NULL DEFAULT 1,
    confidence       REAL NOT NULL DEFAULT 0.0,
    severity         TEXT NOT NULL DEFAULT '',
    weighted_vote    REAL NOT NULL DEFAULT 0.0,
    scores           TEXT NOT NULL DEFAULT '{}',
    degraded_scorers TEXT NOT NULL DEFAULT '[]',
    feature_snapshot TEXT NOT NULL DEFAULT '{}',
    narrative        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS root_cause_results (
    anomaly_id            TEXT PRIMARY KEY REFERENCES anomaly_records(id) ON DELETE CASCADE,
    primary_cause         TEXT NOT NULL,
    primary_confidence    REAL NOT NULL DEFAULT 0.0,
    low_causal_confidence INTEGER NOT NULL DEFAULT 0,
    result                TEXT NOT NULL,
    analyzed_at           TEXT NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_anomaly_records_source   ON anomaly_records(source, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_anomaly_records_detected ON anomaly_records(detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_anomaly_records_severity ON anomaly_records(severity);
CREATE INDEX IF NOT EXISTS idx_root_cause_primary       ON root_cause_results(primary_cause);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Evaluations ──────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveEvaluation(ctx context.Context, rec types.AnomalyRecord, rc *types.RootCauseResult) error {
	scores, err := json.Marshal(nonNilMap(rec.Scores))
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	degraded := rec.DegradedScorers
	if degraded == nil {
		degraded = []string{}
	}
	degradedJSON, err := json.Marshal(degraded)
	if err != nil {
		return fmt.Errorf("marshal degraded scorers: %w", err)
	}
	snapshot, err := json.Marshal(nonNilMap(rec.FeatureSnapshot))
	if err != nil {
		return fmt.Errorf("marshal feature snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO anomaly_records(id, source, detected_at, is_anomaly, confidence, severity, weighted_vote, scores, degraded_scorers, feature_snapshot, narrative)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.Source, formatTime(rec.DetectedAt), boolToInt(rec.IsAnomaly),
		rec.Confidence, string(rec.Severity), rec.WeightedVote,
		string(scores), string(degradedJSON), string(snapshot), rec.Narrative,
	)
	if err != nil {
		return fmt.Errorf("insert anomaly record: %w", err)
	}

	if rc != nil {
		body, err := json.Marshal(rc)
		if err != nil {
			return fmt.Errorf("marshal root cause: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO root_cause_results(anomaly_id, primary_cause, primary_confidence, low_causal_confidence, result, analyzed_at)
            VALUES(?,?,?,?,?,?)
        `,
			rec.ID, rc.PrimaryCause.Feature, rc.PrimaryCause.Confidence,
			boolToInt(rc.LowCausalConfidence), string(body), formatTime(rc.AnalyzedAt),
		)
		if err != nil {
			return fmt.Errorf("insert root cause: %w", err)
		}
	}
	return tx.Commit()
}

const anomalyColumns = `id,source,detected_at,is_anomaly,confidence,severity,weighted_vote,scores,degraded_scorers,feature_snapshot,narrative`

func (s *sqliteStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]types.AnomalyRecord, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomaly_records WHERE 1=1`
	args := []any{}

	if q.Source != "" {
		query += ` AND source = ?`
		args = append(args, q.Source)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(q.Severity))
	}
	if !q.From.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, formatTime(q.To))
	}
	query += ` ORDER BY detected_at DESC, id ASC`
	switch {
	case q.Limit > 0:
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, max(q.Offset, 0))
	case q.Offset > 0:
		// SQLite needs a LIMIT before OFFSET; -1 means no limit.
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []types.AnomalyRecord
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) GetAnomaly(ctx context.Context, id string) (*types.AnomalyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomaly_records WHERE id=?`, id)
	rec, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) GetRootCause(ctx context.Context, anomalyID string) (*types.RootCauseResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM root_cause_results WHERE anomaly_id=?`, anomalyID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rc types.RootCauseResult
	if err := json.Unmarshal([]byte(body), &rc); err != nil {
		return nil, fmt.Errorf("decode root cause %s: %w", anomalyID, err)
	}
	return &rc, nil
}

func (s *sqliteStore) AnomalySummary(ctx context.Context, from, to time.Time) (map[types.Severity]int, error) {
	query := `SELECT severity, COUNT(*) FROM anomaly_records WHERE 1=1`
	args := []any{}
	if !from.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, formatTime(to))
	}
	query += ` GROUP BY severity`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := map[types.Severity]int{}
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, err
		}
		summary[types.Severity(sev)] = count
	}
	return summary, rows.Err()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (*types.AnomalyRecord, error) {
	rec := &types.AnomalyRecord{}
	var ts, sev, scores, degraded, snapshot string
	var isAnomaly int
	if err := row.Scan(&rec.ID, &rec.Source, &ts, &isAnomaly, &rec.Confidence, &sev,
		&rec.WeightedVote, &scores, &degraded, &snapshot, &rec.Narrative); err != nil {
		return nil, err
	}
	rec.IsAnomaly = isAnomaly != 0
	rec.Severity = types.Severity(sev)
	var err error
	if rec.DetectedAt, err = parseTime(ts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scores), &rec.Scores); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	if err := json.Unmarshal([]byte(degraded), &rec.DegradedScorers); err != nil {
		return nil, fmt.Errorf("decode degraded scorers: %w", err)
	}
	if len(rec.DegradedScorers) == 0 {
		rec.DegradedScorers = nil
	}
	if err := json.Unmarshal([]byte(snapshot), &rec.FeatureSnapshot); err != nil {
		return nil, fmt.Errorf("decode feature snapshot: %w", err)
	}
	return rec, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	for _, l := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
