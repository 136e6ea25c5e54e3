package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/futurevault/futurevault-go/internal/event"
	"github.com/futurevault/futurevault-go/internal/metrics"
	"github.com/futurevault/futurevault-go/internal/model"
)

// DefaultRefreshInterval matches the dashboard polling period.
const DefaultRefreshInterval = 10 * time.Second

// Refresher periodically recomputes global stats for the capsule gauges and the
// stats-refreshed event. A tick that finds a refresh still running is skipped, so at most
// one fetch is in flight.
type Refresher struct {
	service   *Service
	interval  time.Duration
	publisher event.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu        sync.RWMutex
	latest    model.CapsuleStats
	updatedAt time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRefresher creates a refresher. publisher and m may be nil.
func NewRefresher(service *Service, interval time.Duration, publisher event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if publisher == nil {
		publisher = event.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		service:   service,
		interval:  interval,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		latest:    model.EmptyStats(),
		done:      make(chan struct{}),
	}
}

// Start runs one refresh immediately and then one per interval until Stop or ctx is done.
func (r *Refresher) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		go r.loop(ctx)
	})
}

// Stop ends the loop, cancels any in-flight fetch and waits for it to return.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			close(r.done)
			return
		}
		r.cancel()
	})
	<-r.done
}

// Latest returns the most recent snapshot and when it was taken. The zero time means
// no refresh has completed yet. A failed refresh leaves empty stats.
func (r *Refresher) Latest() (model.CapsuleStats, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest, r.updatedAt
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
			r.trigger(ctx)
		}
	}
}

// trigger starts a refresh unless one is already running. It reports whether it started one.
func (r *Refresher) trigger(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		if r.metrics != nil {
			r.metrics.StatsRefreshTotal.WithLabelValues("skipped").Inc()
		}
		r.logger.Debug("stats refresh still running, skipping tick")
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		r.refresh(ctx)
	}()
	return true
}

func (r *Refresher) refresh(ctx context.Context) {
	start := time.Now()
	st, capsules, err := r.service.Snapshot(ctx, "", nil)
	if r.metrics != nil {
		r.metrics.StatsRefreshDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.StatsRefreshTotal.WithLabelValues("error").Inc()
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("stats refresh failed, resetting to empty stats", "error", err)
		st = model.EmptyStats()
	}

	r.mu.Lock()
	r.latest = st
	r.updatedAt = time.Now()
	r.mu.Unlock()

	if r.metrics != nil {
		if err == nil {
			r.metrics.StatsRefreshTotal.WithLabelValues("ok").Inc()
		}
		r.metrics.Capsules.WithLabelValues("total").Set(float64(len(capsules)))
		r.metrics.Capsules.WithLabelValues("locked").Set(float64(st.Locked))
		r.metrics.Capsules.WithLabelValues("unlocked").Set(float64(st.Unlocked))
	}
	if err := r.publisher.PublishStatsRefreshed(ctx, st); err != nil {
		r.logger.Warn("publish stats refreshed failed", "error", err)
	}
}
