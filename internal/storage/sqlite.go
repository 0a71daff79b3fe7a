package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"schedq/internal/schedule"
	logx "schedq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also makes every Store method a single-writer transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// Queue transitions must be on disk before the call returns.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Schedules ----

func (s *sqliteStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	params, err := marshalParams(sc.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, name, type, target, parameters, enabled, catch_up,
		                       interval_seconds, daily_time, weekly_day, weekly_time,
		                       monthly_day, monthly_time, cron_expression, next_run, last_run)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, type=excluded.type, target=excluded.target,
		   parameters=excluded.parameters, enabled=excluded.enabled, catch_up=excluded.catch_up,
		   interval_seconds=excluded.interval_seconds, daily_time=excluded.daily_time,
		   weekly_day=excluded.weekly_day, weekly_time=excluded.weekly_time,
		   monthly_day=excluded.monthly_day, monthly_time=excluded.monthly_time,
		   cron_expression=excluded.cron_expression, next_run=excluded.next_run,
		   last_run=excluded.last_run`,
		sc.ID, sc.Name, string(sc.Type), sc.Target, params, boolInt(sc.Enabled), boolInt(sc.CatchUp),
		sc.IntervalSeconds, sc.DailyTime, sc.WeeklyDay, sc.WeeklyTime,
		sc.MonthlyDay, sc.MonthlyTime, sc.CronExpr, optMillis(sc.NextRun), optMillis(sc.LastRun),
	)
	return err
}

const scheduleCols = `id, name, type, target, parameters, enabled, catch_up,
	interval_seconds, daily_time, weekly_day, weekly_time,
	monthly_day, monthly_time, cron_expression, next_run, last_run`

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (schedule.Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, false, nil
	}
	if err != nil {
		return schedule.Schedule{}, false, err
	}
	return sc, true, nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		sc            schedule.Schedule
		typ           string
		params        sql.NullString
		enabled       int
		catchUp       int
		next, last    sql.NullInt64
	)
	err := r.Scan(&sc.ID, &sc.Name, &typ, &sc.Target, &params, &enabled, &catchUp,
		&sc.IntervalSeconds, &sc.DailyTime, &sc.WeeklyDay, &sc.WeeklyTime,
		&sc.MonthlyDay, &sc.MonthlyTime, &sc.CronExpr, &next, &last)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc.Type = schedule.Type(typ)
	sc.Enabled = enabled != 0
	sc.CatchUp = catchUp != 0
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &sc.Parameters); err != nil {
			return schedule.Schedule{}, fmt.Errorf("schedule %s: bad parameters: %w", sc.ID, err)
		}
	}
	sc.NextRun = millisPtr(next)
	sc.LastRun = millisPtr(last)
	return sc, nil
}

// ---- Tasks ----

func (s *sqliteStore) InsertTask(ctx context.Context, t TaskRecord) error {
	params, err := marshalParams(t.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, schedule_id, target, parameters, status, attempt_count,
		                   enqueued_at, not_before, lease_expiry, last_error)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ScheduleID, t.Target, params, string(t.Status), t.AttemptCount,
		millis(t.EnqueuedAt), millisOrZero(t.NotBefore), optMillis(t.LeaseExpiry), nullStr(t.LastError),
	)
	return err
}

const taskCols = `id, schedule_id, target, parameters, status, attempt_count,
	enqueued_at, not_before, lease_expiry, last_error`

func (s *sqliteStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) LeaseNext(ctx context.Context, targets []string, now, leaseUntil time.Time) (TaskRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskRecord{}, false, err
	}
	defer tx.Rollback()

	q := `SELECT ` + taskCols + ` FROM tasks
	      WHERE ((status = 'pending' AND not_before <= ?)
	          OR (status = 'leased' AND lease_expiry IS NOT NULL AND lease_expiry <= ?))`
	args := []any{millis(now), millis(now)}
	if len(targets) > 0 {
		q += ` AND target IN (?` + strings.Repeat(",?", len(targets)-1) + `)`
		for _, t := range targets {
			args = append(args, t)
		}
	}
	q += ` ORDER BY enqueued_at, id LIMIT 1`

	t, err := scanTask(tx.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'leased', lease_expiry = ?, attempt_count = attempt_count + 1
		 WHERE id = ?`, millis(leaseUntil), t.ID)
	if err != nil {
		return TaskRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return TaskRecord{}, false, err
	}

	t.Status = TaskLeased
	t.AttemptCount++
	exp := leaseUntil
	t.LeaseExpiry = &exp
	return t, true, nil
}

func (s *sqliteStore) AckTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'done', lease_expiry = NULL WHERE id = ? AND status = 'leased'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) FailTask(ctx context.Context, id, lastError string, maxAttempts int, notBefore time.Time) (TaskStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var (
		status   string
		attempts int
	)
	err = tx.QueryRowContext(ctx, `SELECT status, attempt_count FROM tasks WHERE id = ?`, id).
		Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if TaskStatus(status) != TaskLeased {
		// The lease was already reaped or resolved; nothing to record.
		return TaskStatus(status), tx.Commit()
	}

	final := TaskPending
	if attempts >= maxAttempts {
		final = TaskDead
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, lease_expiry = NULL, not_before = ?, last_error = ? WHERE id = ?`,
		string(final), millisOrZero(notBefore), nullStr(lastError), id)
	if err != nil {
		return "", err
	}
	return final, tx.Commit()
}

func (s *sqliteStore) MarkDead(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'dead', lease_expiry = NULL, last_error = ?
		 WHERE id = ? AND status IN ('pending', 'leased')`, nullStr(lastError), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', lease_expiry = NULL
		 WHERE status = 'leased' AND lease_expiry IS NOT NULL AND lease_expiry <= ?`, millis(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CountTasks(ctx context.Context) (TaskCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return TaskCounts{}, err
	}
	defer rows.Close()

	var c TaskCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return TaskCounts{}, err
		}
		switch TaskStatus(status) {
		case TaskPending:
			c.Pending = n
		case TaskLeased:
			c.Leased = n
		case TaskDone:
			c.Done = n
		case TaskDead:
			c.Dead = n
		}
	}
	return c, rows.Err()
}

func (s *sqliteStore) ListDead(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status = 'dead' ORDER BY enqueued_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(r rowScanner) (TaskRecord, error) {
	var (
		t         TaskRecord
		params    sql.NullString
		status    string
		enqueued  int64
		notBefore int64
		lease     sql.NullInt64
		lastErr   sql.NullString
	)
	err := r.Scan(&t.ID, &t.ScheduleID, &t.Target, &params, &status, &t.AttemptCount,
		&enqueued, &notBefore, &lease, &lastErr)
	if err != nil {
		return TaskRecord{}, err
	}
	t.Status = TaskStatus(status)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &t.Parameters); err != nil {
			return TaskRecord{}, fmt.Errorf("task %s: bad parameters: %w", t.ID, err)
		}
	}
	t.EnqueuedAt = time.UnixMilli(enqueued)
	if notBefore > 0 {
		t.NotBefore = time.UnixMilli(notBefore)
	}
	t.LeaseExpiry = millisPtr(lease)
	t.LastError = lastErr.String
	return t, nil
}

// ---- column helpers ----

func marshalParams(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return string(b), nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func optMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
