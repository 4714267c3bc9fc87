// Package queue is the semantic layer over the task store: it enforces
// principal visibility, normalizes backend names, applies submission
// defaults, and keeps metrics in step with the queue.
package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/auth"
	"github.com/dinobot22/mineru-tianshu/metrics"
	"github.com/dinobot22/mineru-tianshu/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Service struct {
	store             *store.Store
	backends          map[string]struct{}
	defaultMaxRetries int
	uploadRoot        string
	logger            *logrus.Logger
}

// New builds a queue service. backendNames is the closed set of accepted
// backend identifiers (normally config.BackendNames()).
func New(st *store.Store, backendNames []string, defaultMaxRetries int, uploadRoot string, logger *logrus.Logger) *Service {
	set := make(map[string]struct{}, len(backendNames))
	for _, b := range backendNames {
		set[strings.ToLower(strings.TrimSpace(b))] = struct{}{}
	}
	return &Service{
		store:             st,
		backends:          set,
		defaultMaxRetries: defaultMaxRetries,
		uploadRoot:        uploadRoot,
		logger:            logger,
	}
}

// Submission is a validated task creation request. TaskID and FilePath are
// assigned by the API facade, which owns upload persistence.
type Submission struct {
	TaskID     string
	FileName   string
	FilePath   string
	Backend    string
	Options    store.Options
	Priority   int
	MaxRetries *int
}

// Submit validates and enqueues a new task for the principal.
func (s *Service) Submit(ctx context.Context, p auth.Principal, sub Submission) (*store.Task, error) {
	if !p.Can(auth.PermTaskSubmit) {
		return nil, store.ErrPermissionDenied
	}
	if sub.TaskID == "" || sub.FileName == "" {
		return nil, fmt.Errorf("%w: missing task id or file name", store.ErrInvalidInput)
	}

	backend := strings.ToLower(strings.TrimSpace(sub.Backend))
	if backend == "" {
		backend = "auto"
	}
	if _, ok := s.backends[backend]; !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", store.ErrInvalidInput, sub.Backend)
	}

	maxRetries := s.defaultMaxRetries
	if sub.MaxRetries != nil {
		if *sub.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must be non-negative", store.ErrInvalidInput)
		}
		maxRetries = *sub.MaxRetries
	}

	t := &store.Task{
		TaskID:      sub.TaskID,
		OwnerUserID: p.UserID,
		FileName:    sub.FileName,
		FilePath:    sub.FilePath,
		Backend:     backend,
		Options:     sub.Options,
		Priority:    sub.Priority,
		Status:      store.StatusPending,
		MaxRetries:  maxRetries,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return nil, err
	}

	metrics.TasksSubmitted.WithLabelValues(backend).Inc()
	s.logger.WithFields(logrus.Fields{
		"task_id":  t.TaskID,
		"owner":    t.OwnerUserID,
		"backend":  t.Backend,
		"priority": t.Priority,
	}).Info("task submitted")
	return t, nil
}

// Get returns a task visible to the principal. Tasks owned by others are
// indistinguishable from missing ones for non-admins.
func (s *Service) Get(ctx context.Context, p auth.Principal, taskID string) (*store.Task, error) {
	t, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !p.CanViewAll() && t.OwnerUserID != p.UserID {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// Cancel cancels a visible task. Pending tasks cancel immediately and
// their uploaded input is removed; processing tasks get a cooperative
// cancellation flag and report inFlight.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, taskID string) (inFlight bool, err error) {
	t, err := s.Get(ctx, p, taskID)
	if err != nil {
		return false, err
	}

	inFlight, err = s.store.Cancel(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !inFlight {
		metrics.TasksCancelled.Inc()
	}
	if !inFlight && t.FilePath != "" {
		if rmErr := os.Remove(t.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.WithField("task_id", taskID).WithError(rmErr).
				Warn("failed to remove uploaded input")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":   taskID,
		"in_flight": inFlight,
	}).Info("task cancellation requested")
	return inFlight, nil
}

// ListParams is the caller-facing slice of store.ListFilter; owner scoping
// is decided here, not by the caller.
type ListParams struct {
	Status string
	Limit  int
	Offset int
}

// List returns tasks visible to the principal, newest first.
func (s *Service) List(ctx context.Context, p auth.Principal, params ListParams) ([]store.Task, int64, error) {
	if !p.Can(auth.PermQueueView) {
		return nil, 0, store.ErrPermissionDenied
	}

	f := store.ListFilter{
		Limit:  params.Limit,
		Offset: params.Offset,
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if params.Status != "" {
		st := store.Status(strings.ToLower(params.Status))
		if !st.Valid() {
			return nil, 0, fmt.Errorf("%w: unknown status %q", store.ErrInvalidInput, params.Status)
		}
		f.Status = st
	}
	if !p.CanViewAll() {
		f.OwnerUserID = p.UserID
	}
	return s.store.List(ctx, f)
}

// Stats returns queue depth per status.
func (s *Service) Stats(ctx context.Context, p auth.Principal) (*store.Stats, error) {
	if !p.Can(auth.PermQueueView) {
		return nil, store.ErrPermissionDenied
	}
	return s.store.Stats(ctx)
}

// ResetStale recovers abandoned processing tasks. Admin only.
func (s *Service) ResetStale(ctx context.Context, p auth.Principal, olderThan time.Duration) (int64, error) {
	if !p.Can(auth.PermAdmin) {
		return 0, store.ErrPermissionDenied
	}
	n, err := s.store.ResetStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StaleResets.Add(float64(n))
		s.logger.WithField("count", n).Warn("reset stale tasks")
	}
	return n, nil
}

// PurgeOld removes terminal tasks past retention plus their artifacts.
// Admin only.
func (s *Service) PurgeOld(ctx context.Context, p auth.Principal, retention time.Duration) (int64, error) {
	if !p.Can(auth.PermAdmin) {
		return 0, store.ErrPermissionDenied
	}
	n, err := s.store.PurgeOld(ctx, retention, s.uploadRoot)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.TasksPurged.Add(float64(n))
		s.logger.WithField("count", n).Info("purged old tasks")
	}
	return n, nil
}
