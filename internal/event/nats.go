// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams capsule lifecycle and stats snapshot events for dashboards and audit trails.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/futurevault/futurevault-go/internal/model"
)

// Subjects published by the vault.
const (
	SubjectCapsuleCreated  = "vault.capsules.created"
	SubjectCapsuleRevealed = "vault.capsules.revealed"
	SubjectStatsRefreshed  = "vault.stats.refreshed"
)

// Publisher interface defines the event publishing operations required by the vault service.
type Publisher interface {
	// Capsule events
	PublishCapsuleCreated(ctx context.Context, creator string, tx model.TxResult) error
	PublishCapsuleRevealed(ctx context.Context, capsuleID uint64, tx model.TxResult) error

	// Stats events
	PublishStatsRefreshed(ctx context.Context, stats model.CapsuleStats) error

	// Close closes the publisher connection
	Close() error
}

// CapsuleEvent is the payload of capsule lifecycle events.
type CapsuleEvent struct {
	CapsuleID   *uint64 `json:"capsuleId,omitempty"`
	Creator     string  `json:"creator,omitempty"`
	TxHash      string  `json:"txHash"`
	BlockNumber uint64  `json:"blockNumber"`
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishCapsuleCreated(context.Context, string, model.TxResult) error { return nil }

func (n *noop) PublishCapsuleRevealed(context.Context, uint64, model.TxResult) error { return nil }

func (n *noop) PublishStatsRefreshed(context.Context, model.CapsuleStats) error { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	// Deduplication of lifecycle events by transaction hash
	dedup map[string]time.Time
	mutex sync.RWMutex
}

// NewPublisher connects to url and returns a JetStream publisher.
// If url is empty or the connection fails, it returns a no-op publisher.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("future-vault"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:    nc,
		js:    js,
		dedup: make(map[string]time.Time),
	}
}

// initStreams creates the FV_CAPSULES and FV_STATS streams.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "FV_CAPSULES",
		Subjects:  []string{"vault.capsules.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create FV_CAPSULES stream: %w", err)
	}

	// Snapshots are only interesting while fresh; keep the last one per subject.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:              "FV_STATS",
		Subjects:          []string{"vault.stats.*"},
		Retention:         nats.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		Discard:           nats.DiscardOld,
		Storage:           nats.MemoryStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create FV_STATS stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// NewEnvelope wraps payload for subject.
func NewEnvelope(subject string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup reports whether key was published within the last 2 minutes.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records key and evicts entries older than 5 minutes.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = time.Now()
}

func (p *natsPub) publish(ctx context.Context, subject string, payload interface{}, opts ...nats.PubOpt) error {
	b, err := json.Marshal(NewEnvelope(subject, payload))
	if err != nil {
		return err
	}
	opts = append(opts, nats.Context(ctx))
	_, err = p.js.Publish(subject, b, opts...)
	return err
}

func (p *natsPub) PublishCapsuleCreated(ctx context.Context, creator string, tx model.TxResult) error {
	key := "created:" + tx.TxHash
	if p.shouldDedup(key) {
		return nil
	}
	ev := CapsuleEvent{CapsuleID: tx.CapsuleID, Creator: creator, TxHash: tx.TxHash, BlockNumber: tx.BlockNumber}
	if err := p.publish(ctx, SubjectCapsuleCreated, ev, nats.MsgId(key)); err != nil {
		return err
	}
	p.updateDedup(key)
	return nil
}

func (p *natsPub) PublishCapsuleRevealed(ctx context.Context, capsuleID uint64, tx model.TxResult) error {
	key := "revealed:" + strconv.FormatUint(capsuleID, 10) + ":" + tx.TxHash
	if p.shouldDedup(key) {
		return nil
	}
	ev := CapsuleEvent{CapsuleID: &capsuleID, TxHash: tx.TxHash, BlockNumber: tx.BlockNumber}
	if err := p.publish(ctx, SubjectCapsuleRevealed, ev, nats.MsgId(key)); err != nil {
		return err
	}
	p.updateDedup(key)
	return nil
}

func (p *natsPub) PublishStatsRefreshed(ctx context.Context, stats model.CapsuleStats) error {
	return p.publish(ctx, SubjectStatsRefreshed, stats)
}
