package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scottidler/loopr/internal/domain/tooljob"
)

// gateTools blocks every RunTool call until released, counting how many
// are in flight at once.
type gateTools struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	release  chan struct{}
}

func newGateTools() *gateTools {
	return &gateTools{release: make(chan struct{})}
}

func (g *gateTools) RunTool(ctx context.Context, loopID string, call ToolCall) (string, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.mu.Unlock()

	select {
	case <-g.release:
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return "ok", ctx.Err()
}

func TestLaneRouter_CapsConcurrencyPerLane(t *testing.T) {
	inner := newGateTools()
	router := NewLaneRouter(inner, map[tooljob.Lane]LaneLimit{
		tooljob.LaneHeavy: {Slots: 2, Timeout: time.Minute},
	})

	var wg sync.WaitGroup
	var done atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = router.RunTool(context.Background(), "loop-1", ToolCall{Name: "build", Lane: tooljob.LaneHeavy})
			done.Add(1)
		}()
	}

	// Let the first slot-holders start, then release everyone.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inner.mu.Lock()
		n := inner.inFlight
		inner.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(inner.release)
	wg.Wait()

	if done.Load() != 5 {
		t.Fatalf("got %d completed calls, want 5", done.Load())
	}
	if inner.peak > 2 {
		t.Fatalf("got peak concurrency %d, want <= 2 (heavy lane slot cap)", inner.peak)
	}
}

func TestLaneRouter_TimeoutProducesToolError(t *testing.T) {
	inner := newGateTools() // never released: the call can only time out
	router := NewLaneRouter(inner, map[tooljob.Lane]LaneLimit{
		tooljob.LaneNet: {Slots: 1, Timeout: 10 * time.Millisecond},
	})

	_, err := router.RunTool(context.Background(), "loop-1", ToolCall{Name: "fetch", Lane: tooljob.LaneNet})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestLaneRouter_UnsetLaneFallsBackToNoNet(t *testing.T) {
	inner := newGateTools()
	close(inner.release)
	router := NewLaneRouter(inner, nil)

	out, err := router.RunTool(context.Background(), "loop-1", ToolCall{Name: "grep"})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if out != "ok" {
		t.Fatalf("got output %q", out)
	}
}
