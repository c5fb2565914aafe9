package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/exportd/internal/db"
)

var ErrAlreadyFinished = errors.New("job already finished")

const jobColumns = `id, room_id, status, payload, stage, percentage, message, download_url, error_message,
	attempts, claimed_by, cancel_requested, artifact_key, created_at, updated_at, started_at, completed_at,
	artifact_deleted_at`

// SQLStore implements Store on SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

func NewSQLStore(database *db.DB) *SQLStore {
	return &SQLStore{db: database.Conn(), dialect: database.Dialect(), now: time.Now}
}

func (s *SQLStore) q(query string) string {
	return db.Rebind(s.dialect, query)
}

func (s *SQLStore) AddJob(ctx context.Context, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.NewString()
	now := s.now().UnixMilli()
	p := Queued()

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO export_jobs (id, room_id, status, payload, stage, percentage, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), id, payload.RoomID, string(StatusQueued), string(body), string(p.Stage), p.Percentage, p.Message, now, now)
	if err != nil {
		return "", storageErr("add job", err)
	}
	return id, nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*ExportJob, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return job, nil
}

func (s *SQLStore) GetJobStatus(ctx context.Context, id string) (Progress, error) {
	var p Progress
	var stage string
	var downloadURL, errMsg sql.NullString

	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT stage, percentage, message, download_url, error_message FROM export_jobs WHERE id = ?
	`), id).Scan(&stage, &p.Percentage, &p.Message, &downloadURL, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return Progress{}, ErrNotFound
	}
	if err != nil {
		return Progress{}, storageErr("get job status", err)
	}

	p.Stage = Stage(stage)
	p.DownloadURL = downloadURL.String
	p.Error = errMsg.String
	return p.Normalize(), nil
}

func (s *SQLStore) ListJobs(ctx context.Context, limit int) ([]*ExportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM export_jobs ORDER BY seq DESC LIMIT ?`), limit)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	return jobs, nil
}

func (s *SQLStore) claimQuery() string {
	lock := ""
	if s.dialect == db.Postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	return s.q(`
		UPDATE export_jobs
		SET status = 'processing', stage = ?, percentage = ?, message = ?,
			claimed_by = ?, claimed_at = ?, started_at = COALESCE(started_at, ?),
			attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM export_jobs WHERE status = 'queued' ORDER BY seq LIMIT 1` + lock + `
		) AND status = 'queued'
		RETURNING id, payload, attempts
	`)
}

func (s *SQLStore) ClaimNextJob(ctx context.Context, workerID string) (*ClaimedJob, error) {
	now := s.now().UnixMilli()
	p := Claimed()

	var job ClaimedJob
	var body []byte
	err := s.db.QueryRowContext(ctx, s.claimQuery(),
		string(p.Stage), p.Percentage, p.Message, workerID, now, now, now,
	).Scan(&job.ID, &body, &job.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim job", err)
	}

	if err := json.Unmarshal(body, &job.Payload); err != nil {
		return nil, storageErr("claim job", fmt.Errorf("decode payload of %s: %w", job.ID, err))
	}
	job.WorkerID = workerID
	return &job, nil
}

func (s *SQLStore) UpdateProgress(ctx context.Context, c Claim, p Progress, status Status) error {
	p = p.Normalize()
	now := s.now().UnixMilli()

	sets := []string{"stage = ?", "percentage = ?", "message = ?", "updated_at = ?"}
	args := []any{string(p.Stage), p.Percentage, p.Message, now}

	switch p.Stage {
	case StageCompleted:
		sets = append(sets, "download_url = COALESCE(?, download_url)", "error_message = NULL")
		args = append(args, nullString(p.DownloadURL))
	case StageFailed:
		sets = append(sets, "error_message = ?", "download_url = NULL")
		args = append(args, nullString(p.Error))
	}

	if status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(status))
		if status.IsTerminal() {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		}
	}
	args = append(args, c.JobID, c.WorkerID, c.Attempt)

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE export_jobs SET `+strings.Join(sets, ", ")+` WHERE `+claimGuard), args...)
	if err != nil {
		return storageErr("update progress", err)
	}
	return s.requireClaim(ctx, res, c, "update progress")
}

func (s *SQLStore) Heartbeat(ctx context.Context, c Claim) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE export_jobs SET updated_at = ? WHERE `+claimGuard),
		s.now().UnixMilli(), c.JobID, c.WorkerID, c.Attempt)
	if err != nil {
		return storageErr("heartbeat", err)
	}
	return s.requireClaim(ctx, res, c, "heartbeat")
}

// claimGuard matches a row only while the claim that wrote it is current.
const claimGuard = `id = ? AND status = 'processing' AND claimed_by = ? AND attempts = ?`

// requireClaim maps a write that matched nothing to ErrNotFound for an
// unknown job and ErrClaimLost otherwise.
func (s *SQLStore) requireClaim(ctx context.Context, res sql.Result, c Claim, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM export_jobs WHERE id = ?`), c.JobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr(op, err)
	}
	return ErrClaimLost
}

// ReclaimStale returns processing jobs whose heartbeat is older than
// staleAfter to the queue, or fails them once maxAttempts claims are used.
func (s *SQLStore) ReclaimStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (ReclaimResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := s.now()
	cutoff := now.Add(-staleAfter).UnixMilli()
	var result ReclaimResult

	message := "Export failed after repeated worker interruptions"
	errMsg := fmt.Sprintf("worker stopped responding; gave up after %d attempts", maxAttempts)
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE export_jobs
		SET status = 'failed', stage = 'failed', percentage = 0, message = ?, error_message = ?,
			download_url = NULL, completed_at = ?, updated_at = ?
		WHERE status = 'processing' AND updated_at < ? AND attempts >= ?
	`), message, errMsg, now.UnixMilli(), now.UnixMilli(), cutoff, maxAttempts)
	if err != nil {
		return result, storageErr("reclaim stale", err)
	}
	result.Failed, _ = res.RowsAffected()

	queued := Queued()
	res, err = s.db.ExecContext(ctx, s.q(`
		UPDATE export_jobs
		SET status = 'queued', stage = ?, percentage = ?, message = ?,
			claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND updated_at < ?
	`), string(queued.Stage), queued.Percentage, "Requeued after worker interruption", now.UnixMilli(), cutoff)
	if err != nil {
		return result, storageErr("reclaim stale", err)
	}
	result.Requeued, _ = res.RowsAffected()

	return result, nil
}

// RequestCancel fails a queued job immediately and flags a processing job
// so its worker stops at the next stage boundary.
func (s *SQLStore) RequestCancel(ctx context.Context, id string) error {
	now := s.now().UnixMilli()
	cancelled := Failed(StageQueued, errors.New("cancelled by request"))

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE export_jobs
		SET status = 'failed', stage = 'failed', percentage = 0, message = ?, error_message = ?,
			cancel_requested = 1, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`), "Export cancelled", cancelled.Error, now, now, id)
	if err != nil {
		return storageErr("cancel job", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	res, err = s.db.ExecContext(ctx, s.q(`
		UPDATE export_jobs SET cancel_requested = 1 WHERE id = ? AND status = 'processing'
	`), id)
	if err != nil {
		return storageErr("cancel job", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyFinished
}

func (s *SQLStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT cancel_requested FROM export_jobs WHERE id = ?`), id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, storageErr("check cancel", err)
	}
	return flag == 1, nil
}

func (s *SQLStore) RecordArtifact(ctx context.Context, c Claim, key string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE export_jobs SET artifact_key = ?, artifact_deleted_at = NULL, updated_at = ? WHERE `+claimGuard),
		key, s.now().UnixMilli(), c.JobID, c.WorkerID, c.Attempt)
	if err != nil {
		return storageErr("record artifact", err)
	}
	return s.requireClaim(ctx, res, c, "record artifact")
}

func (s *SQLStore) ListExpiredArtifacts(ctx context.Context, before time.Time, limit int) ([]*ExportJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+jobColumns+` FROM export_jobs
		WHERE status = 'completed' AND artifact_key IS NOT NULL AND artifact_deleted_at IS NULL
			AND completed_at < ?
		ORDER BY completed_at ASC LIMIT ?
	`), before.UnixMilli(), limit)
	if err != nil {
		return nil, storageErr("list expired artifacts", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, storageErr("list expired artifacts", err)
	}
	return jobs, nil
}

func (s *SQLStore) MarkArtifactDeleted(ctx context.Context, id string) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE export_jobs
		SET artifact_deleted_at = ?, download_url = NULL, message = 'Export expired', updated_at = ?
		WHERE id = ?
	`), now, now, id)
	if err != nil {
		return storageErr("mark artifact deleted", err)
	}
	return requireAffected(res, "mark artifact deleted")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ExportJob, error) {
	var j ExportJob
	var status, stage string
	var body []byte
	var downloadURL, errMsg, claimedBy, artifactKey sql.NullString
	var cancel int
	var createdAt, updatedAt int64
	var startedAt, completedAt, deletedAt sql.NullInt64

	err := row.Scan(&j.ID, &j.RoomID, &status, &body, &stage, &j.Progress.Percentage, &j.Progress.Message,
		&downloadURL, &errMsg, &j.Attempts, &claimedBy, &cancel, &artifactKey,
		&createdAt, &updatedAt, &startedAt, &completedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(body, &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", j.ID, err)
	}

	j.Status = Status(status)
	j.Progress.Stage = Stage(stage)
	j.Progress.DownloadURL = downloadURL.String
	j.Progress.Error = errMsg.String
	j.Progress = j.Progress.Normalize()
	j.ClaimedBy = claimedBy.String
	j.CancelRequested = cancel == 1
	j.ArtifactKey = artifactKey.String
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	j.StartedAt = nullTime(startedAt)
	j.CompletedAt = nullTime(completedAt)
	j.ArtifactDeletedAt = nullTime(deletedAt)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*ExportJob, error) {
	var jobs []*ExportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
