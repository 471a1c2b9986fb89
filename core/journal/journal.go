// Package journal persists recovery attempts, cleanup runs and resource
// alerts so they outlive the process.
//
// Writes go to SQLite. Recently recorded attempts are also kept in a
// Ristretto cache so lookups by attempt ID rarely touch the database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite"

	"github.com/adalundhe/toolrt/core/cleanup"
	"github.com/adalundhe/toolrt/core/recovery"
	"github.com/adalundhe/toolrt/core/resources"
)

const (
	DefaultPath      = ".toolrt/journal.db"
	DefaultCacheSize = 256
)

type Config struct {
	// Path of the SQLite database. ":memory:" keeps the journal in memory.
	Path string
	// CacheSize is the number of recent attempts kept hot.
	CacheSize int
	Logger    *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Path:      DefaultPath,
		CacheSize: DefaultCacheSize,
		Logger:    slog.Default(),
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// CleanupRecord is the persisted summary of a cleanup run.
type CleanupRecord struct {
	ToolID    string
	Released  int
	Failed    int
	Partial   int
	Cancelled bool
	Err       string
	StartedAt time.Time
	Duration  time.Duration
}

// AlertRecord is a persisted resource alert.
type AlertRecord struct {
	ToolID string
	Status resources.Status
	Field  resources.Field
	Ratio  float64
	At     time.Time
}

// Journal records runtime events. It is a recovery Monitor, a cleanup
// Reporter and an AlertSink; recording errors are logged, never returned.
type Journal struct {
	db     *sql.DB
	cache  *ristretto.Cache
	logger *slog.Logger
}

func Open(cfg Config) (*Journal, error) {
	cfg = normalizeConfig(cfg)

	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(cfg.CacheSize) * 10,
		MaxCost:     int64(cfg.CacheSize),
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize attempt cache: %w", err)
	}
	return &Journal{db: db, cache: cache, logger: cfg.Logger}, nil
}

func openDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS recovery_attempts (
	id TEXT PRIMARY KEY,
	tool_id TEXT NOT NULL,
	episode_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	strategy TEXT NOT NULL,
	success INTEGER NOT NULL,
	cause TEXT,
	error TEXT,
	usage TEXT,
	started_at INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_tool ON recovery_attempts(tool_id, started_at);

CREATE TABLE IF NOT EXISTS unrecoverable_tools (
	tool_id TEXT PRIMARY KEY,
	attempt_id TEXT,
	retired_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cleanup_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tool_id TEXT NOT NULL,
	released INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	partial INTEGER NOT NULL,
	cancelled INTEGER NOT NULL,
	error TEXT,
	started_at INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cleanup_tool ON cleanup_runs(tool_id, started_at);

CREATE TABLE IF NOT EXISTS resource_alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tool_id TEXT NOT NULL,
	status TEXT NOT NULL,
	field TEXT NOT NULL,
	ratio REAL NOT NULL,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_tool ON resource_alerts(tool_id, at);
`

func (j *Journal) Close() error {
	j.cache.Close()
	return j.db.Close()
}

func (j *Journal) AttemptRecorded(attempt recovery.Attempt, _ recovery.Rates) {
	var usage sql.NullString
	if attempt.Usage != nil {
		data, err := json.Marshal(attempt.Usage)
		if err == nil {
			usage = sql.NullString{String: string(data), Valid: true}
		}
	}
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO recovery_attempts
		(id, tool_id, episode_id, step, strategy, success, cause, error, usage, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.ToolID, attempt.EpisodeID, attempt.Step, attempt.Strategy.String(),
		boolInt(attempt.Success), attempt.Cause, attempt.Err, usage,
		attempt.StartedAt.UnixNano(), int64(attempt.Duration),
	)
	if err != nil {
		j.logger.Warn("journal attempt write failed", "tool_id", attempt.ToolID, "error", err)
		return
	}
	j.cache.Set(attempt.ID, attempt, 1)
}

func (j *Journal) ToolUnrecoverable(toolID string, last recovery.Attempt) {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO unrecoverable_tools (tool_id, attempt_id, retired_at)
		VALUES (?, ?, ?)`,
		toolID, last.ID, time.Now().UnixNano(),
	)
	if err != nil {
		j.logger.Warn("journal retirement write failed", "tool_id", toolID, "error", err)
	}
}

func (j *Journal) CleanupCompleted(result cleanup.Result) {
	var errText sql.NullString
	if err := result.Err(); err != nil {
		errText = sql.NullString{String: err.Error(), Valid: true}
	}
	_, err := j.db.Exec(`
		INSERT INTO cleanup_runs
		(tool_id, released, failed, partial, cancelled, error, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ToolID, result.Released(), result.Failed(), result.Partial,
		boolInt(result.Cancelled), errText, result.StartedAt.UnixNano(), int64(result.Duration),
	)
	if err != nil {
		j.logger.Warn("journal cleanup write failed", "tool_id", result.ToolID, "error", err)
	}
}

func (j *Journal) ResourceAlert(alert resources.Alert) {
	at := alert.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.Exec(`
		INSERT INTO resource_alerts (tool_id, status, field, ratio, at)
		VALUES (?, ?, ?, ?, ?)`,
		alert.ToolID, alert.Evaluation.Status.String(), alert.Evaluation.Field.String(),
		alert.Evaluation.Ratio, at.UnixNano(),
	)
	if err != nil {
		j.logger.Warn("journal alert write failed", "tool_id", alert.ToolID, "error", err)
	}
}

// AccountingInconsistency is only logged; clamped measurements are not
// journaled.
func (j *Journal) AccountingInconsistency(inc resources.Inconsistency) {
	j.logger.Debug("accounting inconsistency",
		"tool_id", inc.ToolID,
		"field", inc.Field.String(),
		"attempted", inc.Attempted,
	)
}

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found in journal")

// Attempt returns a recorded attempt by ID.
func (j *Journal) Attempt(ctx context.Context, id string) (recovery.Attempt, error) {
	if v, ok := j.cache.Get(id); ok {
		if attempt, ok := v.(recovery.Attempt); ok {
			return attempt, nil
		}
	}
	row := j.db.QueryRowContext(ctx, `
		SELECT id, tool_id, episode_id, step, strategy, success, cause, error, usage, started_at, duration_ns
		FROM recovery_attempts WHERE id = ?`, id)
	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recovery.Attempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return recovery.Attempt{}, err
	}
	j.cache.Set(attempt.ID, attempt, 1)
	return attempt, nil
}

// Attempts returns the tool's most recent attempts, newest first. A limit of
// zero or less returns all of them.
func (j *Journal) Attempts(ctx context.Context, toolID string, limit int) ([]recovery.Attempt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, tool_id, episode_id, step, strategy, success, cause, error, usage, started_at, duration_ns
		FROM recovery_attempts WHERE tool_id = ?
		ORDER BY started_at DESC, step DESC LIMIT ?`, toolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recovery.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}

// Rates aggregates per-strategy outcomes over every journaled attempt of the
// tool, including those from earlier runs.
func (j *Journal) Rates(ctx context.Context, toolID string) (recovery.Rates, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT strategy, COUNT(*), SUM(success)
		FROM recovery_attempts WHERE tool_id = ? GROUP BY strategy`, toolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := recovery.Rates{}
	for rows.Next() {
		var name string
		var rate recovery.Rate
		if err := rows.Scan(&name, &rate.Attempts, &rate.Successes); err != nil {
			return nil, err
		}
		strategy, err := recovery.ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		rates[strategy] = rate
	}
	return rates, rows.Err()
}

// Cleanups returns the tool's most recent cleanup runs, newest first.
func (j *Journal) Cleanups(ctx context.Context, toolID string, limit int) ([]CleanupRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT tool_id, released, failed, partial, cancelled, error, started_at, duration_ns
		FROM cleanup_runs WHERE tool_id = ?
		ORDER BY id DESC LIMIT ?`, toolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CleanupRecord
	for rows.Next() {
		var rec CleanupRecord
		var cancelled int
		var errText sql.NullString
		var started, duration int64
		if err := rows.Scan(&rec.ToolID, &rec.Released, &rec.Failed, &rec.Partial,
			&cancelled, &errText, &started, &duration); err != nil {
			return nil, err
		}
		rec.Cancelled = cancelled != 0
		rec.Err = errText.String
		rec.StartedAt = time.Unix(0, started)
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Alerts returns the tool's alerts at or after since, oldest first.
func (j *Journal) Alerts(ctx context.Context, toolID string, since time.Time) ([]AlertRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT tool_id, status, field, ratio, at
		FROM resource_alerts WHERE tool_id = ? AND at >= ?
		ORDER BY at, id`, toolID, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var rec AlertRecord
		var status, field string
		var at int64
		if err := rows.Scan(&rec.ToolID, &status, &field, &rec.Ratio, &at); err != nil {
			return nil, err
		}
		if rec.Status, err = resources.ParseStatus(status); err != nil {
			return nil, err
		}
		if rec.Field, err = resources.ParseField(field); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Unrecoverable reports whether the tool was ever retired, and when.
func (j *Journal) Unrecoverable(ctx context.Context, toolID string) (time.Time, bool, error) {
	var retired int64
	err := j.db.QueryRowContext(ctx,
		`SELECT retired_at FROM unrecoverable_tools WHERE tool_id = ?`, toolID,
	).Scan(&retired)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, retired), true, nil
}

// Revive drops the tool's retirement record, mirroring a re-registration.
func (j *Journal) Revive(ctx context.Context, toolID string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM unrecoverable_tools WHERE tool_id = ?`, toolID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (recovery.Attempt, error) {
	var a recovery.Attempt
	var strategy string
	var success int
	var cause, errText, usage sql.NullString
	var started, duration int64
	if err := s.Scan(&a.ID, &a.ToolID, &a.EpisodeID, &a.Step, &strategy, &success,
		&cause, &errText, &usage, &started, &duration); err != nil {
		return recovery.Attempt{}, err
	}
	parsed, err := recovery.ParseStrategy(strategy)
	if err != nil {
		return recovery.Attempt{}, err
	}
	a.Strategy = parsed
	a.Success = success != 0
	a.Cause = cause.String
	a.Err = errText.String
	a.StartedAt = time.Unix(0, started)
	a.Duration = time.Duration(duration)
	if usage.Valid {
		var u resources.ResourceUsage
		if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
			return recovery.Attempt{}, fmt.Errorf("attempt %s usage: %w", a.ID, err)
		}
		a.Usage = &u
	}
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ recovery.Monitor    = (*Journal)(nil)
	_ cleanup.Reporter    = (*Journal)(nil)
	_ resources.AlertSink = (*Journal)(nil)
)
