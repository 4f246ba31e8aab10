package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danthegoodman1/EventHerd/broker"
	"github.com/danthegoodman1/EventHerd/coordinator"
	"github.com/danthegoodman1/EventHerd/leases"
	"github.com/danthegoodman1/EventHerd/pump"
)

type countingProcessor struct {
	mu        sync.Mutex
	callbacks int
}

func (cp *countingProcessor) bump() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.callbacks++
}

func (cp *countingProcessor) count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.callbacks
}

func (cp *countingProcessor) Open(ctx context.Context, pc *pump.PartitionContext) error {
	cp.bump()
	return nil
}

func (cp *countingProcessor) OnEvents(ctx context.Context, pc *pump.PartitionContext, events []*broker.EventData) error {
	cp.bump()
	return nil
}

func (cp *countingProcessor) Close(ctx context.Context, pc *pump.PartitionContext, reason pump.CloseReason) error {
	cp.bump()
	return nil
}

func (cp *countingProcessor) OnError(pc *pump.PartitionContext, err error) {
	cp.bump()
}

func testHostOptions() Options {
	return Options{
		Coordinator: coordinator.Options{
			LeaseDuration:        time.Millisecond * 300,
			RenewInterval:        time.Millisecond * 40,
			ScanInterval:         time.Millisecond * 40,
			StartupScanDelay:     time.Second * 5,
			ShutdownDrainTimeout: time.Second * 5,
		},
		Pump: pump.Options{
			MaxBatchSize:    10,
			ReceiveTimeout:  time.Millisecond * 20,
			PrefetchCount:   300,
			InitialPosition: broker.StartOfStream(),
		},
	}
}

func newTestHost(t *testing.T) (*Host, *broker.MemoryBroker, *countingProcessor) {
	t.Helper()
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker([]string{"0", "1"})
	h, err := New("hostA", "hub", "$Default", store, store, b)
	if err != nil {
		t.Fatal(err)
	}
	return h, b, &countingProcessor{}
}

func registerTestHost(t *testing.T, h *Host, cp *countingProcessor) {
	t.Helper()
	ready, err := h.Register(context.Background(), pump.FactoryFunc(func(pc *pump.PartitionContext) (pump.EventProcessor, error) {
		return cp, nil
	}), testHostOptions())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-ready:
	case <-time.After(time.Second * 5):
		t.Fatal("host never became ready")
	}
}

func TestNewValidatesIdentity(t *testing.T) {
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker([]string{"0"})
	if _, err := New("", "hub", "$Default", store, store, b); err == nil {
		t.Fatal("empty host name accepted")
	}
	if _, err := New("hostA", "", "$Default", store, store, b); err == nil {
		t.Fatal("empty event hub path accepted")
	}
	if _, err := New("hostA", "hub", "$Default", nil, nil, b); err == nil {
		t.Fatal("nil stores accepted")
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	h, _, cp := newTestHost(t)
	registerTestHost(t, h, cp)
	defer h.Unregister(context.Background())

	_, err := h.Register(context.Background(), pump.FactoryFunc(func(pc *pump.PartitionContext) (pump.EventProcessor, error) {
		return cp, nil
	}), testHostOptions())
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegisterAfterUnregisterFails(t *testing.T) {
	h, _, cp := newTestHost(t)
	registerTestHost(t, h, cp)
	if err := h.Unregister(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := h.Register(context.Background(), pump.FactoryFunc(func(pc *pump.PartitionContext) (pump.EventProcessor, error) {
		return cp, nil
	}), testHostOptions())
	if !errors.Is(err, ErrHostUnregistered) {
		t.Fatalf("expected ErrHostUnregistered, got %v", err)
	}

	// Unregister is idempotent
	if err := h.Unregister(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNoCallbacksAfterUnregister(t *testing.T) {
	h, b, cp := newTestHost(t)
	registerTestHost(t, h, cp)

	b.Publish("0", "", []byte("e1"))
	deadline := time.Now().Add(time.Second * 3)
	for cp.count() < 3 && time.Now().Before(deadline) { // 2 opens + 1 batch
		time.Sleep(time.Millisecond * 10)
	}

	if err := h.Unregister(context.Background()); err != nil {
		t.Fatal(err)
	}
	settled := cp.count()

	b.Publish("0", "", []byte("e2"))
	b.Publish("1", "", []byte("e3"))
	time.Sleep(time.Millisecond * 300)
	if cp.count() != settled {
		t.Fatalf("callbacks after unregister: %d -> %d", settled, cp.count())
	}
}
