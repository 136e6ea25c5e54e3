package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/futurevault/futurevault-go/internal/model"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("")
	if _, ok := p.(*noop); !ok {
		t.Fatalf("NewPublisher(\"\") = %T, want *noop", p)
	}
	ctx := context.Background()
	if err := p.PublishCapsuleCreated(ctx, "0xabc", model.TxResult{TxHash: "0x1"}); err != nil {
		t.Errorf("PublishCapsuleCreated() error = %v", err)
	}
	if err := p.PublishStatsRefreshed(ctx, model.EmptyStats()); err != nil {
		t.Errorf("PublishStatsRefreshed() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewEnvelope(t *testing.T) {
	id := uint64(4)
	env := NewEnvelope(SubjectCapsuleRevealed, CapsuleEvent{CapsuleID: &id, TxHash: "0xfeed"})
	if env.Type != SubjectCapsuleRevealed || env.Version != "1.0.0" {
		t.Errorf("envelope = %+v", env)
	}
	if env.CorrelationID == "" || env.OccurredAt.IsZero() {
		t.Error("envelope should carry a correlation id and timestamp")
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Payload struct {
			CapsuleID uint64 `json:"capsuleId"`
			TxHash    string `json:"txHash"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Payload.CapsuleID != 4 || decoded.Payload.TxHash != "0xfeed" {
		t.Errorf("payload = %+v", decoded.Payload)
	}
}

func TestDedupWindow(t *testing.T) {
	p := &natsPub{dedup: make(map[string]time.Time)}
	if p.shouldDedup("created:0x1") {
		t.Fatal("unseen key must not be deduplicated")
	}
	p.updateDedup("created:0x1")
	if !p.shouldDedup("created:0x1") {
		t.Error("key published just now should be deduplicated")
	}
	p.dedup["stale"] = time.Now().Add(-10 * time.Minute)
	p.updateDedup("created:0x2")
	if _, ok := p.dedup["stale"]; ok {
		t.Error("stale entries should be evicted")
	}
}
