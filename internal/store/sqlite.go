package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postbot/internal/job"
)

//go:embed migrations.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(cfg Config) (*sqliteStore, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent claims.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqliteStore) Close() error                   { return s.db.Close() }

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Work items.

func (s *sqliteStore) CreateWorkItem(ctx context.Context, it *job.WorkItem) error {
	payload := string(it.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, kind, payload, trigger_at, timezone, status, attempts, parent_job_id, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.Kind), payload, millis(it.TriggerAt), it.Timezone,
		string(it.Status), it.Attempts, it.ParentJobID, it.Priority,
		millis(it.CreatedAt), millis(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: create work item: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetWorkItem(ctx context.Context, id string) (*job.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, trigger_at, timezone, status, attempts, parent_job_id, priority, created_at, updated_at
		FROM work_items WHERE id = ?`, id)
	it, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) ListWorkItems(ctx context.Context, f job.WorkItemFilter) ([]*job.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "trigger_at <= ?")
		args = append(args, millis(f.DueBefore))
	}
	q := `SELECT id, kind, payload, trigger_at, timezone, status, attempts, parent_job_id, priority, created_at, updated_at FROM work_items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY trigger_at ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list work items: %w", err)
	}
	defer rows.Close()
	var out []*job.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TransitionWorkItem(ctx context.Context, id string, from, to job.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), millis(time.Now()), id, string(from))
	if err != nil {
		return false, fmt.Errorf("store: transition work item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) CancelWorkItem(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(job.StatusCancelled), millis(time.Now()), id,
		string(job.StatusPending), string(job.StatusQueued))
	if err != nil {
		return false, fmt.Errorf("store: cancel work item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) FinishWorkItem(ctx context.Context, id string, status job.Status, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		string(status), attempts, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: finish work item: %w", err)
	}
	return nil
}

func (s *sqliteStore) PurgeTerminalWorkItems(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM work_items
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled),
		millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: purge work items: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*job.WorkItem, error) {
	var (
		it                              job.WorkItem
		kind, payload, status           string
		triggerAt, createdAt, updatedAt int64
	)
	err := row.Scan(&it.ID, &kind, &payload, &triggerAt, &it.Timezone, &status,
		&it.Attempts, &it.ParentJobID, &it.Priority, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	it.Kind = job.Kind(kind)
	it.Payload = json.RawMessage(payload)
	it.Status = job.Status(status)
	it.TriggerAt = fromMillis(triggerAt)
	it.CreatedAt = fromMillis(createdAt)
	it.UpdatedAt = fromMillis(updatedAt)
	return &it, nil
}

// Recurring jobs.

func (s *sqliteStore) CreateRecurringJob(ctx context.Context, rj *job.RecurringJob) error {
	tpl := string(rj.PayloadTemplate)
	if tpl == "" {
		tpl = "{}"
	}
	quiet := ""
	if rj.Quiet != nil {
		b, err := json.Marshal(rj.Quiet)
		if err != nil {
			return fmt.Errorf("store: encode quiet hours: %w", err)
		}
		quiet = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_jobs (id, pattern, timezone, kind, payload_template, priority, enabled, next_run, last_run, run_count, quiet, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rj.ID, rj.Pattern, rj.Timezone, string(rj.Kind), tpl, rj.Priority,
		boolInt(rj.Enabled), millis(rj.NextRun), millis(rj.LastRun), rj.RunCount,
		quiet, millis(rj.CreatedAt), millis(rj.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: create recurring job: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetRecurringJob(ctx context.Context, id string) (*job.RecurringJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pattern, timezone, kind, payload_template, priority, enabled, next_run, last_run, run_count, quiet, created_at, updated_at
		FROM recurring_jobs WHERE id = ?`, id)
	rj, err := scanRecurringJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rj, err
}

func (s *sqliteStore) ListRecurringJobs(ctx context.Context, enabledOnly bool) ([]*job.RecurringJob, error) {
	q := `SELECT id, pattern, timezone, kind, payload_template, priority, enabled, next_run, last_run, run_count, quiet, created_at, updated_at FROM recurring_jobs`
	if enabledOnly {
		q += " WHERE enabled = 1"
	}
	q += " ORDER BY id ASC"
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list recurring jobs: %w", err)
	}
	defer rows.Close()
	var out []*job.RecurringJob
	for rows.Next() {
		rj, err := scanRecurringJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rj)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AdvanceRecurringRun(ctx context.Context, id string, next, fired time.Time, expectRunCount int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_jobs
		SET next_run = ?, last_run = ?, run_count = run_count + 1, updated_at = ?
		WHERE id = ? AND run_count = ?`,
		millis(next), millis(fired), millis(time.Now()), id, expectRunCount)
	if err != nil {
		return false, fmt.Errorf("store: advance recurring run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) SetRecurringEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set recurring enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecurringJob(row rowScanner) (*job.RecurringJob, error) {
	var (
		rj                                     job.RecurringJob
		kind, tpl, quiet                       string
		enabled                                int
		nextRun, lastRun, createdAt, updatedAt int64
	)
	err := row.Scan(&rj.ID, &rj.Pattern, &rj.Timezone, &kind, &tpl, &rj.Priority,
		&enabled, &nextRun, &lastRun, &rj.RunCount, &quiet, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rj.Kind = job.Kind(kind)
	rj.PayloadTemplate = json.RawMessage(tpl)
	rj.Enabled = enabled != 0
	rj.NextRun = fromMillis(nextRun)
	rj.LastRun = fromMillis(lastRun)
	rj.CreatedAt = fromMillis(createdAt)
	rj.UpdatedAt = fromMillis(updatedAt)
	if quiet != "" {
		var q job.QuietHours
		if err := json.Unmarshal([]byte(quiet), &q); err != nil {
			return nil, fmt.Errorf("store: decode quiet hours for %s: %w", rj.ID, err)
		}
		rj.Quiet = &q
	}
	return &rj, nil
}

// Queue items.

func (s *sqliteStore) EnqueueItem(ctx context.Context, qi *job.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (queue_id, work_item_id, priority, queued_at, processing_started_at, attempts, retry_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		qi.QueueID, qi.WorkItemID, qi.Priority, millis(qi.QueuedAt),
		nullMillis(qi.ProcessingStartedAt), qi.Attempts, nullMillis(qi.ScheduledForRetryAt),
		string(qi.Status))
	if err != nil {
		return fmt.Errorf("store: enqueue item: %w", err)
	}
	return nil
}

func (s *sqliteStore) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]*job.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, work_item_id, priority, queued_at, processing_started_at, attempts, retry_at, status
		FROM queue_items
		WHERE status = ? AND (retry_at IS NULL OR retry_at <= ?)
		ORDER BY priority ASC, queued_at ASC
		LIMIT ?`,
		string(job.QueueStatusQueued), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("store: due queue items: %w", err)
	}
	defer rows.Close()
	var out []*job.QueueItem
	for rows.Next() {
		qi, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qi)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimQueueItem(ctx context.Context, queueID string, now time.Time) (int, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, processing_started_at = ?, attempts = attempts + 1, retry_at = NULL
		WHERE queue_id = ? AND status = ?`,
		string(job.QueueStatusProcessing), millis(now), queueID, string(job.QueueStatusQueued))
	if err != nil {
		return 0, false, fmt.Errorf("store: claim queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, false, nil
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx, `SELECT attempts FROM queue_items WHERE queue_id = ?`, queueID).Scan(&attempts); err != nil {
		return 0, false, fmt.Errorf("store: claim queue item: %w", err)
	}
	return attempts, true, nil
}

func (s *sqliteStore) RequeueForRetry(ctx context.Context, queueID string, retryAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, processing_started_at = NULL, retry_at = ?
		WHERE queue_id = ? AND status = ?`,
		string(job.QueueStatusQueued), millis(retryAt), queueID, string(job.QueueStatusProcessing))
	if err != nil {
		return fmt.Errorf("store: requeue for retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) FinishQueueItem(ctx context.Context, queueID string, status job.QueueStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, retry_at = NULL
		WHERE queue_id = ? AND status = ?`,
		string(status), queueID, string(job.QueueStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("store: finish queue item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) RecoverStuckItems(ctx context.Context, startedBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id FROM queue_items
		WHERE status = ? AND processing_started_at IS NOT NULL AND processing_started_at < ?`,
		string(job.QueueStatusProcessing), millis(startedBefore))
	if err != nil {
		return nil, fmt.Errorf("store: recover stuck items: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?, processing_started_at = NULL, retry_at = NULL
			WHERE queue_id = ? AND status = ?`,
			string(job.QueueStatusQueued), id, string(job.QueueStatusProcessing))
		if err != nil {
			return nil, fmt.Errorf("store: recover stuck items: %w", err)
		}
	}
	return ids, nil
}

func (s *sqliteStore) PurgeQueueItems(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE status IN (?, ?) AND queued_at < ?`,
		string(job.QueueStatusCompleted), string(job.QueueStatusFailed), millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: purge queue items: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) QueueDepth(ctx context.Context) (int, int, error) {
	var queued, processing int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM queue_items`,
		string(job.QueueStatusQueued), string(job.QueueStatusProcessing)).Scan(&queued, &processing)
	if err != nil {
		return 0, 0, fmt.Errorf("store: queue depth: %w", err)
	}
	return queued, processing, nil
}

func scanQueueItem(row rowScanner) (*job.QueueItem, error) {
	var (
		qi               job.QueueItem
		status           string
		queuedAt         int64
		started, retryAt sql.NullInt64
	)
	err := row.Scan(&qi.QueueID, &qi.WorkItemID, &qi.Priority, &queuedAt,
		&started, &qi.Attempts, &retryAt, &status)
	if err != nil {
		return nil, err
	}
	qi.Status = job.QueueStatus(status)
	qi.QueuedAt = fromMillis(queuedAt)
	if started.Valid {
		t := fromMillis(started.Int64)
		qi.ProcessingStartedAt = &t
	}
	if retryAt.Valid {
		t := fromMillis(retryAt.Int64)
		qi.ScheduledForRetryAt = &t
	}
	return &qi, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return millis(*t)
}
