package outbox

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/propledger/backend/internal/metrics"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/telemetry"
)

type WorkerConfig struct {
	WorkerID        string
	PollInterval    time.Duration
	BatchSize       int
	LeaseTTL        time.Duration
	DeliveryTimeout time.Duration
	Concurrency     int
	Retry           RetryPolicy
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// Worker drains the outbox. Any number of workers may run against the same
// store; the claim lease keeps them off each other's records.
type Worker struct {
	store   Store
	sink    Sink
	cfg     WorkerConfig
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type WorkerOption func(*Worker)

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func WithLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func NewWorker(store Store, sink Sink, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:  store,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
		tracer: telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("worker_id", w.cfg.WorkerID))
	return w
}

// Run polls until ctx is cancelled. A batch that comes back full is followed
// immediately by another poll.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("concurrency", w.cfg.Concurrency))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return nil
		case <-timer.C:
		}

		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("outbox poll failed", zap.Error(err))
		}
		next := w.cfg.PollInterval
		if err == nil && n >= w.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// RunOnce claims one batch and delivers it. It returns the number of records
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	records, err := w.store.Claim(ctx, w.cfg.WorkerID, w.now(), w.cfg.LeaseTTL, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	w.metrics.RecordClaimed(len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			return w.deliver(gctx, rec)
		})
	}
	return len(records), g.Wait()
}

func (w *Worker) deliver(ctx context.Context, rec models.OutboxRecord) error {
	ctx, span := w.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("outbox.record_id", rec.ID),
		attribute.String("outbox.event_type", rec.EventType),
		attribute.String("tenant.id", rec.TenantID),
		attribute.Int("outbox.attempt", rec.AttemptCount+1),
	))
	defer span.End()

	log := w.logger.With(
		zap.String("record_id", rec.ID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("subject_id", rec.SubjectID),
		zap.Int("attempt", rec.AttemptCount+1))

	// A record that waited in the batch past its lease may already belong to
	// another worker, which could have moved on to the subject's next record.
	timeout, held := w.leaseBudget(rec)
	if !held {
		w.metrics.RecordLeaseLost()
		log.Warn("lease expired before delivery, skipping record")
		return nil
	}
	leaseBound := timeout < w.cfg.DeliveryTimeout

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, timeout)
	deliverErr := w.sink.Deliver(dctx, rec)
	deadlineHit := errors.Is(dctx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := time.Since(start)

	// Shutting down: leave the record claimed and let the lease run out
	// rather than charging it an attempt.
	if deliverErr != nil && ctx.Err() != nil {
		log.Info("delivery interrupted by shutdown", zap.Error(deliverErr))
		return nil
	}
	if deliverErr != nil && leaseBound && deadlineHit {
		w.metrics.RecordLeaseLost()
		log.Warn("lease ran out during delivery", zap.Error(deliverErr))
		return nil
	}

	now := w.now()
	var next models.OutboxRecord
	var err error
	if deliverErr == nil {
		next, err = OnDelivered(rec, now)
	} else {
		span.RecordError(deliverErr)
		span.SetStatus(codes.Error, deliverErr.Error())
		next, err = OnFailed(rec, deliverErr, now, w.cfg.Retry)
	}
	if err != nil {
		log.Error("unexpected outbox state", zap.String("status", string(rec.Status)), zap.Error(err))
		return nil
	}

	applied, err := w.store.Apply(ctx, rec, next)
	if err != nil {
		log.Error("failed to record delivery outcome", zap.String("status", string(next.Status)), zap.Error(err))
		return nil
	}
	if !applied {
		w.metrics.RecordLeaseLost()
		log.Warn("lease lost, dropping state write", zap.String("status", string(next.Status)))
		return nil
	}
	w.metrics.RecordDelivery(string(next.Status), elapsed)

	switch next.Status {
	case models.OutboxDelivered:
		log.Debug("outbox record delivered", zap.Duration("elapsed", elapsed))
	case models.OutboxDeadLetter:
		log.Error("outbox record dead-lettered",
			zap.Bool("permanent", IsPermanent(deliverErr)),
			zap.String("last_error", next.LastError))
	default:
		log.Warn("outbox delivery failed, retry scheduled",
			zap.Time("next_attempt_at", next.NextAttemptAt),
			zap.Error(deliverErr))
	}
	return nil
}

// leaseBudget returns how long a delivery of rec may run: the delivery
// timeout, cut short by what is left of the claim. held is false once the
// claim has run out.
func (w *Worker) leaseBudget(rec models.OutboxRecord) (time.Duration, bool) {
	if rec.ClaimedUntil == nil {
		return w.cfg.DeliveryTimeout, true
	}
	remaining := rec.ClaimedUntil.Sub(w.now())
	if remaining <= 0 {
		return 0, false
	}
	return min(w.cfg.DeliveryTimeout, remaining), true
}
