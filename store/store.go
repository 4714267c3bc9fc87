package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// claimAttempts bounds how often ClaimNext retries after losing a claim race
// to another worker before reporting an empty queue.
const claimAttempts = 3

// Store is the durable task record backed by a single-file SQLite database.
// Fail, Cancel and ResetStale run inside a transaction. ClaimNext selects a
// candidate and then moves it with an UPDATE guarded on status='pending', so
// concurrent claimers on the same file never observe a double claim.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, wrapDB(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, wrapDB(err)
	}
	// A single connection serialises writers; WAL keeps readers unblocked.
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, wrapDB(err)
	}
	if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, wrapDB(err)
	}

	if err := db.AutoMigrate(&Task{}); err != nil {
		return nil, wrapDB(err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapDB(err)
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapDB(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapDB(err)
	}
	return nil
}

// Insert persists a brand-new task. The caller owns task_id generation;
// a colliding id is a conflict.
func (s *Store) Insert(ctx context.Context, t *Task) error {
	if t.TaskID == "" {
		return ErrInvalidInput
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	return wrapDB(s.db.WithContext(ctx).Create(t).Error)
}

// GetByID returns the full task row.
func (s *Store) GetByID(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&t).Error
	if err != nil {
		return nil, wrapDB(err)
	}
	return &t, nil
}

// ClaimNext atomically moves the best pending task to processing under
// workerID and returns it. allowedBackends narrows the candidates when
// non-empty. Dequeue order is (priority DESC, created_at ASC, task_id ASC).
// Returns ErrNotFound when the queue has nothing claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID string, allowedBackends []string) (*Task, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var t Task
		q := s.db.WithContext(ctx).Where("status = ?", StatusPending)
		if len(allowedBackends) > 0 {
			q = q.Where("backend IN ?", allowedBackends)
		}
		err := q.Order("priority DESC, created_at ASC, task_id ASC").First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, wrapDB(err)
		}

		now := time.Now().UTC()
		res := s.db.WithContext(ctx).Model(&Task{}).
			Where("task_id = ? AND status = ?", t.TaskID, StatusPending).
			Updates(map[string]any{
				"status":     StatusProcessing,
				"worker_id":  workerID,
				"started_at": now,
			})
		if res.Error != nil {
			return nil, wrapDB(res.Error)
		}
		if res.RowsAffected == 0 {
			// Another worker won the race; the queue may still hold more.
			continue
		}

		t.Status = StatusProcessing
		t.WorkerID = workerID
		t.StartedAt = &now
		return &t, nil
	}
	return nil, ErrNotFound
}

// Complete finishes a processing task owned by workerID and records where
// its artifacts landed. Fails with ErrConflict if the task is no longer
// processing or was reassigned.
func (s *Store) Complete(ctx context.Context, taskID, workerID, resultDir, markdownFile, jsonFile string) error {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ? AND worker_id = ?", taskID, StatusProcessing, workerID).
		Updates(map[string]any{
			"status":        StatusCompleted,
			"completed_at":  time.Now().UTC(),
			"result_dir":    resultDir,
			"markdown_file": markdownFile,
			"json_file":     jsonFile,
		})
	if res.Error != nil {
		return wrapDB(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrConflict(ctx, taskID)
	}
	return nil
}

// Fail records a processing failure. A retryable failure with budget left
// reschedules the task to pending with retry_count bumped; otherwise the
// task goes terminal failed. Returns the task's resulting status.
func (s *Store) Fail(ctx context.Context, taskID, workerID, errMsg string, retryable bool) (Status, error) {
	var result Status
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Task
		if err := tx.Where("task_id = ?", taskID).First(&t).Error; err != nil {
			return wrapDB(err)
		}
		if t.Status != StatusProcessing || (workerID != "" && t.WorkerID != workerID) {
			return ErrConflict
		}

		if retryable && t.RetryCount < t.MaxRetries {
			result = StatusPending
			return wrapDB(tx.Model(&Task{}).Where("task_id = ?", taskID).
				Updates(map[string]any{
					"status":        StatusPending,
					"worker_id":     "",
					"started_at":    nil,
					"retry_count":   t.RetryCount + 1,
					"error_message": errMsg,
				}).Error)
		}

		result = StatusFailed
		return wrapDB(tx.Model(&Task{}).Where("task_id = ?", taskID).
			Updates(map[string]any{
				"status":        StatusFailed,
				"completed_at":  time.Now().UTC(),
				"error_message": errMsg,
			}).Error)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// Cancel cancels a pending task outright. For a processing task it only
// flags the cancellation for the owning worker to observe and reports
// inFlight=true. Cancelling a terminal task is a conflict.
func (s *Store) Cancel(ctx context.Context, taskID string) (inFlight bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Task
		if err := tx.Where("task_id = ?", taskID).First(&t).Error; err != nil {
			return wrapDB(err)
		}
		switch t.Status {
		case StatusPending:
			return wrapDB(tx.Model(&Task{}).
				Where("task_id = ? AND status = ?", taskID, StatusPending).
				Updates(map[string]any{
					"status":       StatusCancelled,
					"completed_at": time.Now().UTC(),
				}).Error)
		case StatusProcessing:
			inFlight = true
			return wrapDB(tx.Model(&Task{}).Where("task_id = ?", taskID).
				Update("cancel_requested", true).Error)
		default:
			return ErrConflict
		}
	})
	return inFlight, err
}

// CancelRequested reports whether a cooperative cancellation has been asked
// for. Workers poll this through the engine adapter callback.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var t Task
	err := s.db.WithContext(ctx).Select("cancel_requested").
		Where("task_id = ?", taskID).First(&t).Error
	if err != nil {
		return false, wrapDB(err)
	}
	return t.CancelRequested, nil
}

// FinishCancelled moves a processing task whose cancellation was observed by
// its worker into the terminal cancelled state, discarding any result.
func (s *Store) FinishCancelled(ctx context.Context, taskID, workerID string) error {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ? AND worker_id = ?", taskID, StatusProcessing, workerID).
		Updates(map[string]any{
			"status":        StatusCancelled,
			"completed_at":  time.Now().UTC(),
			"error_message": "cancelled by user",
			"result_dir":    "",
			"markdown_file": "",
			"json_file":     "",
		})
	if res.Error != nil {
		return wrapDB(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrConflict(ctx, taskID)
	}
	return nil
}

// ResetStale recovers tasks stuck in processing longer than olderThan,
// presumed abandoned by a crashed worker. Tasks with retry budget left go
// back to pending with retry_count bumped; exhausted ones become failed
// with error "stale". Returns the number of tasks transitioned.
func (s *Store) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var affected int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []Task
		if err := tx.Where("status = ? AND started_at < ?", StatusProcessing, cutoff).
			Find(&stale).Error; err != nil {
			return wrapDB(err)
		}
		for _, t := range stale {
			var err error
			if t.RetryCount < t.MaxRetries {
				err = tx.Model(&Task{}).Where("task_id = ?", t.TaskID).
					Updates(map[string]any{
						"status":      StatusPending,
						"worker_id":   "",
						"started_at":  nil,
						"retry_count": t.RetryCount + 1,
					}).Error
			} else {
				err = tx.Model(&Task{}).Where("task_id = ?", t.TaskID).
					Updates(map[string]any{
						"status":        StatusFailed,
						"completed_at":  time.Now().UTC(),
						"error_message": "stale",
					}).Error
			}
			if err != nil {
				return wrapDB(err)
			}
			affected++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// PurgeOld deletes terminal tasks that finished before the retention cutoff
// along with their artifact directories and uploaded inputs. Filesystem
// removal is best-effort; the row is deleted regardless. Returns the number
// of rows removed.
func (s *Store) PurgeOld(ctx context.Context, retention time.Duration, uploadRoot string) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var old []Task
	err := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?",
			[]Status{StatusCompleted, StatusFailed, StatusCancelled}, cutoff).
		Find(&old).Error
	if err != nil {
		return 0, wrapDB(err)
	}

	var deleted int64
	for _, t := range old {
		if t.ResultDir != "" {
			if err := os.RemoveAll(t.ResultDir); err != nil {
				s.logger.WithFields(logrus.Fields{
					"task_id": t.TaskID,
					"dir":     t.ResultDir,
				}).WithError(err).Warn("failed to remove artifact directory")
			}
		}
		if uploadRoot != "" {
			if err := os.RemoveAll(filepath.Join(uploadRoot, t.TaskID)); err != nil {
				s.logger.WithField("task_id", t.TaskID).
					WithError(err).Warn("failed to remove upload directory")
			}
		}
		res := s.db.WithContext(ctx).Where("task_id = ?", t.TaskID).Delete(&Task{})
		if res.Error != nil {
			return deleted, wrapDB(res.Error)
		}
		deleted += res.RowsAffected
	}
	return deleted, nil
}

// Stats returns task counts per status.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	type row struct {
		Status Status
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Task{}).
		Select("status, COUNT(*) as count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, wrapDB(err)
	}

	var st Stats
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			st.Pending = r.Count
		case StatusProcessing:
			st.Processing = r.Count
		case StatusCompleted:
			st.Completed = r.Count
		case StatusFailed:
			st.Failed = r.Count
		case StatusCancelled:
			st.Cancelled = r.Count
		}
		st.Total += r.Count
	}
	return &st, nil
}

// List returns tasks matching the filter, newest first, plus the total
// matching count before limit/offset.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Task, int64, error) {
	q := s.db.WithContext(ctx).Model(&Task{})
	if f.OwnerUserID != "" {
		q = q.Where("owner_user_id = ?", f.OwnerUserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, wrapDB(err)
	}

	var tasks []Task
	err := q.Order("created_at DESC").Limit(f.Limit).Offset(f.Offset).Find(&tasks).Error
	if err != nil {
		return nil, 0, wrapDB(err)
	}
	return tasks, total, nil
}

// missingOrConflict distinguishes a vanished task from one whose state moved
// under us, after a guarded UPDATE matched zero rows.
func (s *Store) missingOrConflict(ctx context.Context, taskID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ?", taskID).Count(&count).Error; err != nil {
		return wrapDB(err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
