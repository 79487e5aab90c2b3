package emitter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/emitter"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
)

type capturingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	failFor  int // number of initial calls that fail
	calls    int
}

func (p *capturingPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failFor {
		return errors.New("broker unavailable")
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *capturingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

func testConfig() emitter.Config {
	cfg := emitter.DefaultConfig()
	cfg.RetryBase = time.Millisecond
	cfg.MaxAttempts = 3
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ============================================================================
// Test: delivery
// ============================================================================

func TestEmitter_DeliversWithTypedSubject(t *testing.T) {
	pub := &capturingPublisher{}
	log := observability.NewLoggerWithLevel("emitter-test", zerolog.Disabled)
	em := emitter.New(pub, testConfig(), log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		em.Run(ctx)
		close(done)
	}()

	em.Emit(event.New(event.TypePayoutCompleted, "tx-1", decimal.NewFromInt(100), time.Now()))
	em.Emit(event.New(event.TypeCessionInitiated, "ces-1", decimal.NewFromInt(50), time.Now()))

	waitFor(t, func() bool { return len(pub.published()) == 2 })
	cancel()
	<-done

	subjects := pub.published()
	if subjects[0] != "parametric.settlement.events.payout.completed" {
		t.Errorf("subject: got %s", subjects[0])
	}
	if subjects[1] != "parametric.settlement.events.cession.initiated" {
		t.Errorf("subject: got %s", subjects[1])
	}
}

func TestEmitter_RetriesTransientPublishFailure(t *testing.T) {
	pub := &capturingPublisher{failFor: 2}
	log := observability.NewLoggerWithLevel("emitter-test", zerolog.Disabled)
	em := emitter.New(pub, testConfig(), log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go em.Run(ctx)

	em.Emit(event.New(event.TypePayoutFailed, "tx-2", decimal.Zero, time.Now()))

	// Two failures, then success on the third attempt.
	waitFor(t, func() bool { return len(pub.published()) == 1 })
}

func TestEmitter_FlushesBufferOnShutdown(t *testing.T) {
	pub := &capturingPublisher{}
	log := observability.NewLoggerWithLevel("emitter-test", zerolog.Disabled)
	em := emitter.New(pub, testConfig(), log, nil)

	// Enqueue before Run so everything sits in the buffer, then cancel
	// immediately: the shutdown path must still drain it.
	for i := 0; i < 5; i++ {
		em.Emit(event.New(event.TypeLiquidityReserved, "res-1", decimal.NewFromInt(int64(i)), time.Now()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := em.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}

	if got := len(pub.published()); got != 5 {
		t.Errorf("flushed events: got %d, want 5", got)
	}
}
