package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

// ScheduleStorage defines the persistence contract of the schedule store
type ScheduleStorage interface {
	// LoadAll returns the persisted schedules, leaving out published and
	// failed ones past the load retention
	LoadAll(ctx context.Context) ([]*model.Schedule, error)

	// Save inserts or replaces a schedule
	Save(ctx context.Context, sc *model.Schedule) error

	// Delete removes a schedule by ID
	Delete(ctx context.Context, id string) error

	// Get retrieves a schedule by ID, nil when absent
	Get(ctx context.Context, id string) (*model.Schedule, error)

	// CountByStatus returns the number of schedules per status
	CountByStatus(ctx context.Context) (map[model.ScheduleStatus]int, error)
}

// SQLiteScheduleStorage implements ScheduleStorage using SQLite. The full
// schedule is kept as a JSON document next to the indexed columns.
type SQLiteScheduleStorage struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time

	// published and failed rows older than this stay on disk as the audit
	// trail but are not loaded; zero loads everything
	loadRetention time.Duration
}

// NewSQLiteScheduleStorage opens (or creates) the schedule database
func NewSQLiteScheduleStorage(logger *zap.Logger, dbPath string) (*SQLiteScheduleStorage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	storage := &SQLiteScheduleStorage{
		logger: logger.Named("schedule-storage"),
		db:     db,
		now:    time.Now,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteScheduleStorage) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			content_id TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_to TEXT,
			publish_at INTEGER NOT NULL,
			terminal_at INTEGER,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_content_id ON schedules(content_id);
		CREATE INDEX IF NOT EXISTS idx_schedules_status ON schedules(status);
		CREATE INDEX IF NOT EXISTS idx_schedules_publish_at ON schedules(publish_at);
		CREATE TABLE IF NOT EXISTS publish_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id TEXT NOT NULL,
			content_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			attempted_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_publish_history_schedule_id ON publish_history(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_publish_history_attempted_at ON publish_history(attempted_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Save implements ScheduleStorage.Save
func (s *SQLiteScheduleStorage) Save(ctx context.Context, sc *model.Schedule) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	var terminalAt sql.NullInt64
	if at, ok := sc.TerminalAt(); ok {
		terminalAt = sql.NullInt64{Int64: at.UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, content_id, status, assigned_to, publish_at, terminal_at, version, data, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			content_id = excluded.content_id,
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			publish_at = excluded.publish_at,
			terminal_at = excluded.terminal_at,
			version = excluded.version,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		sc.ID,
		sc.ContentID,
		string(sc.Status),
		sql.NullString{String: sc.AssignedTo, Valid: sc.AssignedTo != ""},
		sc.PublishAt.UnixNano(),
		terminalAt,
		int64(sc.Metadata.Version),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// Get implements ScheduleStorage.Get
func (s *SQLiteScheduleStorage) Get(ctx context.Context, id string) (*model.Schedule, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM schedules WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	return decodeSchedule(data)
}

// LoadAll implements ScheduleStorage.LoadAll
func (s *SQLiteScheduleStorage) LoadAll(ctx context.Context) ([]*model.Schedule, error) {
	cutoff := int64(math.MinInt64)
	if s.loadRetention > 0 {
		cutoff = s.now().Add(-s.loadRetention).UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM schedules
		WHERE NOT (status IN (?, ?) AND terminal_at IS NOT NULL AND terminal_at < ?)
		ORDER BY publish_at, id`,
		string(model.ScheduleStatusPublished),
		string(model.ScheduleStatusFailed),
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		sc, err := decodeSchedule(data)
		if err != nil {
			s.logger.Warn("Skipping unreadable schedule row", zap.Error(err))
			continue
		}
		schedules = append(schedules, sc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return schedules, nil
}

// Delete implements ScheduleStorage.Delete
func (s *SQLiteScheduleStorage) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// CountByStatus implements ScheduleStorage.CountByStatus
func (s *SQLiteScheduleStorage) CountByStatus(ctx context.Context) (map[model.ScheduleStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM schedules GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count schedules: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.ScheduleStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[model.ScheduleStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

// SetLoadRetention makes LoadAll skip published and failed schedules that
// reached their state more than retention ago. The rows themselves are kept.
func (s *SQLiteScheduleStorage) SetLoadRetention(retention time.Duration) {
	s.loadRetention = retention
}

// Close closes the database connection
func (s *SQLiteScheduleStorage) Close() error {
	return s.db.Close()
}

func decodeSchedule(data string) (*model.Schedule, error) {
	var sc model.Schedule
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	return &sc, nil
}
