package stats

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/futurevault/futurevault-go/internal/model"
)

var tracer = otel.Tracer("future-vault/stats")

// Source lists every capsule in registry index order.
type Source interface {
	AllCapsules(ctx context.Context) ([]model.Capsule, error)
}

// Service computes stats over a live capsule Source.
type Service struct {
	source Source
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a stats service. now defaults to time.Now.
func NewService(source Source, opts Options, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, opts: opts, now: now, logger: logger}
}

// Snapshot fetches all capsules and computes stats, returning the fetch error if any.
// loc overrides the configured timeline location when non-nil.
func (s *Service) Snapshot(ctx context.Context, viewer string, loc *time.Location) (model.CapsuleStats, []model.Capsule, error) {
	ctx, span := tracer.Start(ctx, "stats.Snapshot")
	defer span.End()

	capsules, err := s.source.AllCapsules(ctx)
	if err != nil {
		span.RecordError(err)
		return model.EmptyStats(), nil, err
	}
	opts := s.opts
	if loc != nil {
		opts.Location = loc
	}
	span.SetAttributes(attribute.Int("capsule.total", len(capsules)))
	return Compute(capsules, viewer, s.now(), opts), capsules, nil
}

// Stats is Snapshot with the dashboard's fail-soft contract: a failed fetch yields zeroed stats.
func (s *Service) Stats(ctx context.Context, viewer string, loc *time.Location) model.CapsuleStats {
	st, _, err := s.Snapshot(ctx, viewer, loc)
	if err != nil {
		s.logger.Warn("stats fetch failed, returning empty stats", "error", err)
		return model.EmptyStats()
	}
	return st
}
