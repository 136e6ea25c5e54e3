package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/futurevault/futurevault-go/internal/event"
	"github.com/futurevault/futurevault-go/internal/model"
)

type fakeSource struct {
	capsules []model.Capsule
	err      error
	calls    atomic.Int32
	block    chan struct{} // when set, AllCapsules waits on it or ctx
}

func (f *fakeSource) AllCapsules(ctx context.Context) ([]model.Capsule, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.capsules, nil
}

type recordingPublisher struct {
	event.Publisher
	mu    sync.Mutex
	stats []model.CapsuleStats
}

func (p *recordingPublisher) PublishStatsRefreshed(_ context.Context, st model.CapsuleStats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, st)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stats)
}

func fixedClock() time.Time { return now }

func TestServiceStatsFailSoft(t *testing.T) {
	svc := NewService(&fakeSource{err: errors.New("rpc down")}, Options{}, fixedClock, nil)
	st := svc.Stats(context.Background(), viewer, nil)
	if st.Total != 0 || st.Locked != 0 || st.AverageLockDuration != 0 {
		t.Errorf("Stats() = %+v, want zeroed stats", st)
	}
	if st.RecentActivity == nil || st.UnlockTimeline == nil {
		t.Error("zeroed stats must carry empty slices")
	}

	if _, _, err := svc.Snapshot(context.Background(), viewer, nil); err == nil {
		t.Error("Snapshot() should report the fetch error")
	}
}

func TestServiceStats(t *testing.T) {
	n := now.Unix()
	src := &fakeSource{capsules: []model.Capsule{
		capsule(0, viewer, n-100),
		capsule(1, other, n+100),
		capsule(2, viewer, n+90000),
	}}
	st := NewService(src, Options{}, fixedClock, nil).Stats(context.Background(), viewer, nil)
	if st.Total != 3 || st.UserTotal != 2 || st.CapsulesUnlockingSoon != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRefresherPublishesSnapshots(t *testing.T) {
	n := now.Unix()
	src := &fakeSource{capsules: []model.Capsule{capsule(0, viewer, n+10)}}
	pub := &recordingPublisher{}
	r := NewRefresher(NewService(src, Options{}, fixedClock, nil), 10*time.Millisecond, pub, nil, nil)

	r.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()

	if pub.count() < 2 {
		t.Fatalf("published %d snapshots, want at least 2", pub.count())
	}
	st, at := r.Latest()
	if st.Total != 1 || st.Locked != 1 || at.IsZero() {
		t.Errorf("Latest() = %+v at %v", st, at)
	}
}

func TestRefresherCoalescesOverlappingRuns(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	r := NewRefresher(NewService(src, Options{}, fixedClock, nil), time.Hour, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !r.trigger(ctx) {
		t.Fatal("first trigger should start a refresh")
	}
	if r.trigger(ctx) {
		t.Error("second trigger should be skipped while the first is running")
	}

	close(src.block)
	r.wg.Wait()
	if got := src.calls.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	if !r.trigger(ctx) {
		t.Error("trigger should start a refresh once the previous one finished")
	}
	r.wg.Wait()
}

func TestRefresherStopCancelsInFlightFetch(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	r := NewRefresher(NewService(src, Options{}, fixedClock, nil), time.Hour, nil, nil, nil)
	r.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return; in-flight fetch was not cancelled")
	}

	if _, at := r.Latest(); !at.IsZero() {
		t.Error("a cancelled refresh must not publish a snapshot")
	}
}

func TestRefresherFailedFetchResetsSnapshot(t *testing.T) {
	n := now.Unix()
	src := &fakeSource{capsules: []model.Capsule{capsule(0, viewer, n-10), capsule(1, other, n+10)}}
	pub := &recordingPublisher{}
	r := NewRefresher(NewService(src, Options{}, fixedClock, nil), time.Hour, pub, nil, nil)

	r.refresh(context.Background())
	if st, _ := r.Latest(); st.Total != 2 {
		t.Fatalf("Latest().Total = %d after a good fetch, want 2", st.Total)
	}

	src.err = errors.New("rpc down")
	r.refresh(context.Background())
	st, at := r.Latest()
	if st.Total != 0 || st.Locked != 0 || st.Unlocked != 0 || at.IsZero() {
		t.Errorf("Latest() = %+v at %v, want zeroed stats", st, at)
	}
	if pub.count() != 2 || pub.stats[1].Total != 0 {
		t.Errorf("published %d snapshots, last %+v", pub.count(), pub.stats[len(pub.stats)-1])
	}
}

func TestRefresherCancelledFetchKeepsSnapshot(t *testing.T) {
	n := now.Unix()
	src := &fakeSource{capsules: []model.Capsule{capsule(0, viewer, n+10)}}
	r := NewRefresher(NewService(src, Options{}, fixedClock, nil), time.Hour, nil, nil, nil)
	r.refresh(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src.err = context.Canceled
	r.refresh(ctx)
	if st, _ := r.Latest(); st.Total != 1 {
		t.Errorf("Latest().Total = %d after shutdown, want 1", st.Total)
	}
}
