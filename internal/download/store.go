package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound 任务不存在。
	ErrNotFound = errors.New("job not found")
	// ErrConflict 状态迁移与存储中的当前状态不符（并发竞争或非法迁移）。
	ErrConflict = errors.New("job status conflict")
)

// Store 管理 jobs 表；进程重启可恢复。
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("job store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "jobs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureJobSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureJobSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			symbol TEXT NOT NULL,
			period_id TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			message TEXT,
			expected_candles INTEGER NOT NULL DEFAULT 0,
			fetched_candles INTEGER NOT NULL DEFAULT 0,
			missing_candles INTEGER NOT NULL DEFAULT 0,
			file_path TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create 持久化一条 queued 任务；持久化成功后任务才算被接受。
func (s *Store) Create(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, platform, symbol, period_id, start_ts, end_ts, status, progress, message,
			 expected_candles, fetched_candles, missing_candles, file_path, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Platform, job.Symbol, job.PeriodID, job.Start, job.End,
		job.Status, job.Progress, job.Message, job.Expected, job.Fetched, job.Missing,
		job.FilePath, job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(), nullableTime(job.StartedAt), nullableTime(job.CompletedAt))
	return err
}

// Transition 按状态机做受保护迁移：WHERE 带上 from 状态，0 行受影响返回 ErrConflict。
func (s *Store) Transition(ctx context.Context, id string, from, to Status, message string) error {
	if !validTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	now := time.Now().UnixMilli()
	var started, completed interface{}
	if to == StatusRunning {
		started = now
	}
	if to.Terminal() {
		completed = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status=?, message=?, updated_at=?,
		    started_at=CASE WHEN ? IS NULL THEN started_at ELSE ? END,
		    completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=? AND status=?`,
		to, message, now, started, started, completed, completed, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	return nil
}

// UpdateProgress 仅在 running 状态下刷新进度计数。
func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64, fetched, expected int64) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress=?, fetched_candles=?, expected_candles=?, updated_at=?
		WHERE id=? AND status=?`,
		progress, fetched, expected, now, id, StatusRunning)
	return err
}

// FinishResult 落盘完成态的产出信息（文件路径与缺口计数）。
func (s *Store) FinishResult(ctx context.Context, id, filePath string, fetched, expected, missing int64) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET file_path=?, fetched_candles=?, expected_candles=?, missing_candles=?, progress=100, updated_at=?
		WHERE id=?`,
		filePath, fetched, expected, missing, now, id)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id=?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List 按创建时间倒序返回全部任务。
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverInterrupted 在启动时把上一进程遗留的 queued/running 任务统一标记为 failed。
// 返回被标记的任务 id。
func (s *Store) RecoverInterrupted(ctx context.Context, message string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status IN (?, ?)`, StatusQueued, StatusRunning)
	if err != nil {
		return nil, err
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
	if len(ids) == 0 {
		return nil, nil
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, message=?, updated_at=?, completed_at=?
		WHERE status IN (?, ?)`,
		StatusFailed, message, now, now, StatusQueued, StatusRunning)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

const jobSelect = `
	SELECT id, platform, symbol, period_id, start_ts, end_ts, status, progress, message,
	       expected_candles, fetched_candles, missing_candles, file_path, created_at, updated_at, started_at, completed_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var message, filePath sql.NullString
	var created, updated int64
	var started, completed sql.NullInt64
	err := row.Scan(&job.ID, &job.Platform, &job.Symbol, &job.PeriodID, &job.Start, &job.End,
		&job.Status, &job.Progress, &message, &job.Expected, &job.Fetched, &job.Missing,
		&filePath, &created, &updated, &started, &completed)
	if err != nil {
		return nil, err
	}
	job.Message = message.String
	job.FilePath = filePath.String
	job.CreatedAt = time.UnixMilli(created).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	if started.Valid {
		t := time.UnixMilli(started.Int64).UTC()
		job.StartedAt = &t
	}
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
