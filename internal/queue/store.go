// Package queue is the durable export job store. Jobs move
// queued -> processing -> completed|failed; ClaimNextJob hands each queued
// job to at most one worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("job not found")

	// ErrClaimLost means the job finished or was claimed again, so the
	// writer no longer owns it.
	ErrClaimLost = errors.New("job claim lost")
)

// StorageError wraps a failure of the backing database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("job store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

type Store interface {
	AddJob(ctx context.Context, payload Payload) (string, error)
	GetJob(ctx context.Context, id string) (*ExportJob, error)
	GetJobStatus(ctx context.Context, id string) (Progress, error)
	ListJobs(ctx context.Context, limit int) ([]*ExportJob, error)

	// ClaimNextJob returns nil, nil when nothing is queued.
	ClaimNextJob(ctx context.Context, workerID string) (*ClaimedJob, error)

	// UpdateProgress merges p into the job held by c. An empty status
	// leaves the coarse status unchanged. Writes for a finished job or a
	// superseded claim return ErrClaimLost.
	UpdateProgress(ctx context.Context, c Claim, p Progress, status Status) error
	Heartbeat(ctx context.Context, c Claim) error
	ReclaimStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (ReclaimResult, error)

	RequestCancel(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	RecordArtifact(ctx context.Context, c Claim, key string) error
	ListExpiredArtifacts(ctx context.Context, before time.Time, limit int) ([]*ExportJob, error)
	MarkArtifactDeleted(ctx context.Context, id string) error
}
