// Package reconcile repairs conversation last-message caches that drifted
// from the message log, as a periodic asynq task.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeReconcile is the asynq task type.
const TypeReconcile = "conversation:reconcile"

// Store recomputes every cache from the log and reports how many changed.
type Store interface {
	ReconcileLastMessages(ctx context.Context) (int64, error)
}

// NewTask returns a reconcile task.
func NewTask() *asynq.Task {
	return asynq.NewTask(TypeReconcile, nil)
}

// Handler processes reconcile tasks.
type Handler struct {
	store Store
	log   *zap.Logger
}

func NewHandler(store Store, log *zap.Logger) *Handler {
	return &Handler{store: store, log: log}
}

// Run reconciles once.
func (h *Handler) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := h.store.ReconcileLastMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile last messages: %w", err)
	}
	if n > 0 {
		h.log.Info("repaired last-message caches", zap.Int64("conversations", n), zap.Duration("took", time.Since(start)))
	} else {
		h.log.Debug("last-message caches consistent", zap.Duration("took", time.Since(start)))
	}
	return n, nil
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeReconcile {
		return fmt.Errorf("unexpected task type %q: %w", t.Type(), asynq.SkipRetry)
	}
	_, err := h.Run(ctx)
	return err
}

// Worker runs the scheduler that enqueues reconcile tasks and the server
// that processes them.
type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	schedule  string
	log       *zap.Logger
}

// NewWorker connects to redisURL. schedule is a cron spec or "@every <duration>".
func NewWorker(redisURL, schedule string, h *Handler, log *zap.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}

	sugar := log.Sugar()
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"maintenance": 1},
		Logger:      sugar,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   sugar,
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeReconcile, h)

	return &Worker{server: srv, scheduler: scheduler, mux: mux, schedule: schedule, log: log}, nil
}

// Run blocks until ctx is canceled, then shuts both components down.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.scheduler.Register(w.schedule, NewTask(),
		asynq.Queue("maintenance"),
		asynq.MaxRetry(3),
		asynq.Unique(time.Minute),
	); err != nil {
		return fmt.Errorf("register reconcile schedule %q: %w", w.schedule, err)
	}
	if err := w.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := w.server.Start(w.mux); err != nil {
		w.scheduler.Shutdown()
		return fmt.Errorf("start asynq server: %w", err)
	}
	w.log.Info("reconcile worker started", zap.String("schedule", w.schedule))

	<-ctx.Done()
	w.scheduler.Shutdown()
	w.server.Shutdown()
	return nil
}
