// Package worker implements the pull-based worker runtime: a cooperative
// claim/execute loop bound to one GPU slot, plus the pool that hosts one
// runtime per slot inside a worker process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/engine"
	"github.com/dinobot22/mineru-tianshu/metrics"
	"github.com/dinobot22/mineru-tianshu/store"
)

// Runtime is a single worker slot. Its loop is single-threaded and
// cooperative; concurrency comes from running many runtimes, each with a
// distinct worker id, against the shared store.
type Runtime struct {
	id              string
	device          string
	st              *store.Store
	registry        *engine.Registry
	allowedBackends []string
	pollInterval    time.Duration
	engineTimeout   time.Duration
	outputRoot      string
	logger          *logrus.Entry
}

type Config struct {
	WorkerID        string
	Device          string
	AllowedBackends []string
	PollInterval    time.Duration
	EngineTimeout   time.Duration
	OutputRoot      string
}

func NewRuntime(cfg Config, st *store.Store, registry *engine.Registry, logger *logrus.Logger) *Runtime {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Runtime{
		id:              cfg.WorkerID,
		device:          cfg.Device,
		st:              st,
		registry:        registry,
		allowedBackends: cfg.AllowedBackends,
		pollInterval:    poll,
		engineTimeout:   cfg.EngineTimeout,
		outputRoot:      cfg.OutputRoot,
		logger: logger.WithFields(logrus.Fields{
			"worker_id": cfg.WorkerID,
			"device":    cfg.Device,
		}),
	}
}

func (r *Runtime) ID() string { return r.id }

// Run polls the store for work until ctx is done. An in-flight task is
// always driven to a terminal or rescheduled state before returning.
func (r *Runtime) Run(ctx context.Context) {
	r.logger.WithField("poll_interval", r.pollInterval).Info("worker loop started")
	for {
		if ctx.Err() != nil {
			r.logger.Info("worker loop stopped")
			return
		}

		task, err := r.st.ClaimNext(ctx, r.id, r.allowedBackends)
		switch {
		case errors.Is(err, store.ErrNotFound):
			r.sleep(ctx)
			continue
		case err != nil:
			r.logger.WithError(err).Error("claim failed")
			r.sleep(ctx)
			continue
		}

		metrics.TasksClaimed.Inc()
		// Shutdown must not abort the claimed task halfway; only the next
		// claim observes ctx.
		r.process(context.WithoutCancel(ctx), task)
	}
}

func (r *Runtime) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.pollInterval):
	}
}

// process executes one claimed task through its engine adapter and records
// the outcome. A single task failure never takes the worker down.
func (r *Runtime) process(ctx context.Context, task *store.Task) {
	log := r.logger.WithFields(logrus.Fields{
		"task_id": task.TaskID,
		"backend": task.Backend,
		"file":    task.FileName,
	})
	log.Info("picked up task")

	backend := task.Backend
	if backend == engine.BackendAuto {
		backend = engine.ResolveAuto(task.FileName)
		log = log.WithField("resolved_backend", backend)
	}

	eng, err := r.registry.Resolve(backend)
	if err != nil {
		r.fail(ctx, task, fmt.Sprintf("no engine for backend %s", backend), false, log)
		return
	}

	outputDir := filepath.Join(r.outputRoot, task.TaskID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		r.fail(ctx, task, fmt.Sprintf("cannot create output directory: %v", err), true, log)
		return
	}

	parseCtx := ctx
	var cancel context.CancelFunc
	if r.engineTimeout > 0 {
		parseCtx, cancel = context.WithTimeout(ctx, r.engineTimeout)
		defer cancel()
	}

	cancelled := func() bool {
		flagged, cerr := r.st.CancelRequested(context.Background(), task.TaskID)
		if cerr != nil {
			log.WithError(cerr).Debug("cancel check failed")
			return false
		}
		return flagged
	}

	start := time.Now()
	result, err := eng.Parse(parseCtx, task.FilePath, engine.Options(task.Options), outputDir, cancelled)
	metrics.ParseDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

	// A cancellation may have been requested while a non-cooperative engine
	// ran to completion; the result is discarded either way.
	if errors.Is(err, engine.ErrCancelled) || (err == nil && cancelled()) {
		r.discard(ctx, task, outputDir, log)
		return
	}

	if err != nil {
		retryable := engine.IsTransient(err)
		r.fail(ctx, task, err.Error(), retryable, log)
		return
	}

	if err := r.st.Complete(ctx, task.TaskID, r.id, outputDir, result.MarkdownFile, result.JSONFile); err != nil {
		// The task moved under us (stale reset or reassignment). The work is
		// done but the record belongs to someone else now.
		log.WithError(err).Warn("completion rejected by store")
		return
	}
	metrics.TasksCompleted.WithLabelValues(backend).Inc()
	r.removeInput(task, log)
	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("task completed")
}

func (r *Runtime) fail(ctx context.Context, task *store.Task, msg string, retryable bool, log *logrus.Entry) {
	status, err := r.st.Fail(ctx, task.TaskID, r.id, msg, retryable)
	if err != nil {
		log.WithError(err).Warn("failure update rejected by store")
		return
	}

	kind := "permanent"
	if retryable {
		kind = "transient"
	}
	metrics.TasksFailed.WithLabelValues(task.Backend, kind).Inc()

	if status == store.StatusPending {
		log.WithField("error", msg).Warn("task rescheduled after transient failure")
		return
	}
	r.removeInput(task, log)
	log.WithField("error", msg).Error("task failed")
}

func (r *Runtime) discard(ctx context.Context, task *store.Task, outputDir string, log *logrus.Entry) {
	if err := os.RemoveAll(outputDir); err != nil {
		log.WithError(err).Warn("failed to remove discarded output")
	}
	if err := r.st.FinishCancelled(ctx, task.TaskID, r.id); err != nil {
		log.WithError(err).Warn("cancel finish rejected by store")
		return
	}
	metrics.TasksCancelled.Inc()
	r.removeInput(task, log)
	log.Info("task cancelled, result discarded")
}

// removeInput deletes the uploaded input once the task is terminal. Inputs
// for rescheduled tasks must survive for the retry.
func (r *Runtime) removeInput(task *store.Task, log *logrus.Entry) {
	if task.FilePath == "" {
		return
	}
	if err := os.Remove(task.FilePath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove uploaded input")
	}
}
