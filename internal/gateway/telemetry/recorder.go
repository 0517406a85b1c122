package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// RecorderConfig configures the background writer
type RecorderConfig struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultRecorderConfig returns the default writer settings
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Workers:    2,
		QueueSize:  1024,
		MaxRetries: 5,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Recorder appends records to a Store in the background so the response
// path never waits on storage.
type Recorder struct {
	store  Store
	cfg    RecorderConfig
	logger *slog.Logger

	queue chan models.RequestRecord
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// stop aborts retry backoff once Close gives up waiting
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRecorder starts cfg.Workers writers for store
func NewRecorder(store Store, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		store:  store,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan models.RequestRecord, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	return r
}

// Submit enqueues a finalized record. It never blocks; a full queue drops
// the record and reports false.
func (r *Recorder) Submit(rec models.RequestRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.TelemetryDropped.WithLabelValues("closed").Inc()
		return false
	}
	select {
	case r.queue <- rec:
		metrics.TelemetryQueueDepth.Inc()
		return true
	default:
		metrics.TelemetryDropped.WithLabelValues("queue_full").Inc()
		r.logger.Warn("telemetry queue is full, dropping record",
			slog.String("request_id", rec.ID),
			slog.String("key_id", rec.APIKeyID),
		)
		return false
	}
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()
	for rec := range r.queue {
		metrics.TelemetryQueueDepth.Dec()
		r.write(id, rec)
	}
}

func (r *Recorder) write(workerID int, rec models.RequestRecord) {
	delay := r.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		err := r.store.Append(context.Background(), rec)
		if err == nil {
			return
		}
		if attempt >= r.cfg.MaxRetries {
			metrics.TelemetryDropped.WithLabelValues("store_error").Inc()
			r.logger.Error("failed to persist request record",
				slog.Int("worker", workerID),
				slog.String("request_id", rec.ID),
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			return
		}
		select {
		case <-time.After(delay):
		case <-r.stop:
			metrics.TelemetryDropped.WithLabelValues("shutdown").Inc()
			return
		}
		delay *= 2
	}
}

// Close stops accepting records and waits for the queue to drain. If ctx
// ends first, pending retries are abandoned.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.stopOnce.Do(func() { close(r.stop) })
		<-done
		return ctx.Err()
	}
}
