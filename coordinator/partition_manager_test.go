package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danthegoodman1/EventHerd/broker"
	"github.com/danthegoodman1/EventHerd/leases"
	"github.com/danthegoodman1/EventHerd/pump"
)

// fleetRecorder tracks processor lifecycle across every partition of one host.
type fleetRecorder struct {
	mu           sync.Mutex
	opens        map[string]int
	closes       map[string]int
	closeReasons map[string][]pump.CloseReason
	events       map[string][]*broker.EventData
	errs         []error

	failFirstBatch map[string]bool
	checkpointEach bool
}

func newFleetRecorder(checkpointEach bool) *fleetRecorder {
	return &fleetRecorder{
		opens:          map[string]int{},
		closes:         map[string]int{},
		closeReasons:   map[string][]pump.CloseReason{},
		events:         map[string][]*broker.EventData{},
		failFirstBatch: map[string]bool{},
		checkpointEach: checkpointEach,
	}
}

func (fr *fleetRecorder) factory() pump.EventProcessorFactory {
	return pump.FactoryFunc(func(pc *pump.PartitionContext) (pump.EventProcessor, error) {
		return &fleetProcessor{fr: fr}, nil
	})
}

type fleetProcessor struct {
	fr *fleetRecorder
}

func (fp *fleetProcessor) Open(ctx context.Context, pc *pump.PartitionContext) error {
	fp.fr.mu.Lock()
	defer fp.fr.mu.Unlock()
	fp.fr.opens[pc.PartitionID]++
	return nil
}

func (fp *fleetProcessor) OnEvents(ctx context.Context, pc *pump.PartitionContext, events []*broker.EventData) error {
	fp.fr.mu.Lock()
	if fp.fr.failFirstBatch[pc.PartitionID] {
		fp.fr.failFirstBatch[pc.PartitionID] = false
		fp.fr.mu.Unlock()
		return errors.New("induced processor failure")
	}
	fp.fr.events[pc.PartitionID] = append(fp.fr.events[pc.PartitionID], events...)
	checkpoint := fp.fr.checkpointEach && len(events) > 0
	fp.fr.mu.Unlock()
	if checkpoint {
		return pc.Checkpoint(ctx)
	}
	return nil
}

func (fp *fleetProcessor) Close(ctx context.Context, pc *pump.PartitionContext, reason pump.CloseReason) error {
	fp.fr.mu.Lock()
	defer fp.fr.mu.Unlock()
	fp.fr.closes[pc.PartitionID]++
	fp.fr.closeReasons[pc.PartitionID] = append(fp.fr.closeReasons[pc.PartitionID], reason)
	return nil
}

func (fp *fleetProcessor) OnError(pc *pump.PartitionContext, err error) {
	fp.fr.mu.Lock()
	defer fp.fr.mu.Unlock()
	fp.fr.errs = append(fp.fr.errs, err)
}

func (fr *fleetRecorder) eventsFor(partitionID string) []*broker.EventData {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make([]*broker.EventData, len(fr.events[partitionID]))
	copy(out, fr.events[partitionID])
	return out
}

func (fr *fleetRecorder) sawCloseReason(partitionID string, reason pump.CloseReason) bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, r := range fr.closeReasons[partitionID] {
		if r == reason {
			return true
		}
	}
	return false
}

func testCoordinatorOptions() Options {
	return Options{
		LeaseDuration:        time.Millisecond * 300,
		RenewInterval:        time.Millisecond * 40,
		ScanInterval:         time.Millisecond * 40,
		StartupScanDelay:     time.Second * 5,
		ShutdownDrainTimeout: time.Second * 5,
	}
}

func testPumpOptions() pump.Options {
	opts := pump.DefaultOptions()
	opts.ReceiveTimeout = time.Millisecond * 20
	return opts
}

func startManager(t *testing.T, hostName string, store *leases.MemoryStore, b *broker.MemoryBroker, fr *fleetRecorder, opts Options) *PartitionManager {
	t.Helper()
	pm := NewPartitionManager(hostName, "hub", "$Default", store, store, b, fr.factory(), opts, testPumpOptions())
	if err := pm.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-pm.Ready():
	case <-time.After(time.Second * 5):
		t.Fatal("manager never became ready")
	}
	return pm
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatal(msg)
}

func TestEqualShareTargets(t *testing.T) {
	targets := equalShareTargets(4, []string{"b", "a"})
	if targets["a"] != 2 || targets["b"] != 2 {
		t.Fatalf("unexpected targets %v", targets)
	}
	targets = equalShareTargets(5, []string{"b", "a"})
	if targets["a"] != 3 || targets["b"] != 2 {
		t.Fatalf("remainder should go to the first sorted host: %v", targets)
	}
	targets = equalShareTargets(8, []string{"c", "a", "b"})
	if targets["a"] != 3 || targets["b"] != 3 || targets["c"] != 2 {
		t.Fatalf("unexpected targets %v", targets)
	}
}

func TestSingleHostOwnsAllAndResumes(t *testing.T) {
	partitionIDs := []string{"0", "1", "2", "3"}
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker(partitionIDs)
	fr := newFleetRecorder(true)

	pm := startManager(t, "hostA", store, b, fr, testCoordinatorOptions())
	waitFor(t, time.Second*3, func() bool { return pm.pumps.Len() == 4 }, "hostA never owned all partitions")

	for _, body := range []string{"e1", "e2", "e3"} {
		b.Publish("2", "", []byte(body))
	}
	waitFor(t, time.Second*3, func() bool { return len(fr.eventsFor("2")) == 3 }, "events not delivered")
	for i, ev := range fr.eventsFor("2") {
		if ev.SequenceNumber != int64(i) {
			t.Fatalf("out of order: %d has seq %d", i, ev.SequenceNumber)
		}
	}

	if err := pm.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Restart: the committed checkpoint prevents replay of e1..e3
	fr2 := newFleetRecorder(true)
	pm2 := startManager(t, "hostA", store, b, fr2, testCoordinatorOptions())
	b.Publish("2", "", []byte("e4"))
	waitFor(t, time.Second*3, func() bool { return len(fr2.eventsFor("2")) >= 1 }, "no events after restart")
	events := fr2.eventsFor("2")
	if events[0].SequenceNumber != 3 {
		t.Fatalf("replayed events after checkpoint, first seq %d", events[0].SequenceNumber)
	}
	pm2.Shutdown(context.Background())
}

func TestJoiningHostStealsToBalance(t *testing.T) {
	partitionIDs := []string{"0", "1", "2", "3"}
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker(partitionIDs)

	frA := newFleetRecorder(false)
	pmA := startManager(t, "hostA", store, b, frA, testCoordinatorOptions())
	waitFor(t, time.Second*3, func() bool { return pmA.pumps.Len() == 4 }, "hostA never owned all partitions")

	frB := newFleetRecorder(false)
	pmB := startManager(t, "hostB", store, b, frB, testCoordinatorOptions())

	waitFor(t, time.Second*5, func() bool {
		return pmA.pumps.Len() == 2 && pmB.pumps.Len() == 2
	}, "fleet never balanced to 2/2")

	// Every partition hostB took must have closed on hostA with LeaseLost and
	// opened on hostB
	for _, id := range pmB.OwnedPartitionIDs() {
		if !frA.sawCloseReason(id, pump.CloseReasonLeaseLost) {
			t.Fatalf("partition %s moved without LeaseLost close on hostA", id)
		}
		frB.mu.Lock()
		opened := frB.opens[id] > 0
		frB.mu.Unlock()
		if !opened {
			t.Fatalf("partition %s never opened on hostB", id)
		}
	}

	pmA.Shutdown(context.Background())
	pmB.Shutdown(context.Background())
}

func TestLeavingHostHandsBackPartitions(t *testing.T) {
	partitionIDs := []string{"0", "1", "2", "3"}
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker(partitionIDs)

	frA := newFleetRecorder(false)
	pmA := startManager(t, "hostA", store, b, frA, testCoordinatorOptions())
	frB := newFleetRecorder(false)
	pmB := startManager(t, "hostB", store, b, frB, testCoordinatorOptions())
	waitFor(t, time.Second*5, func() bool {
		return pmA.pumps.Len() == 2 && pmB.pumps.Len() == 2
	}, "fleet never balanced to 2/2")

	ownedByB := pmB.OwnedPartitionIDs()
	if err := pmB.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range ownedByB {
		if !frB.sawCloseReason(id, pump.CloseReasonShutdown) {
			t.Fatalf("partition %s did not close with Shutdown on hostB", id)
		}
	}

	waitFor(t, time.Second*5, func() bool { return pmA.pumps.Len() == 4 }, "hostA never reclaimed all partitions")
	pmA.Shutdown(context.Background())
}

func TestCrashedHostPartitionsExpireAndMove(t *testing.T) {
	partitionIDs := []string{"0", "1", "2", "3"}
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker(partitionIDs)

	frA := newFleetRecorder(false)
	pmA := startManager(t, "hostA", store, b, frA, testCoordinatorOptions())

	frB := newFleetRecorder(false)
	pmB := startManager(t, "hostB", store, b, frB, testCoordinatorOptions())
	waitFor(t, time.Second*5, func() bool {
		return pmA.pumps.Len() == 2 && pmB.pumps.Len() == 2
	}, "fleet never balanced to 2/2")

	// Kill hostB's control loop without any shutdown: no more renews, no
	// releases, pumps left dangling like a crashed process
	close(pmB.closeChan)
	<-pmB.doneChan

	// After hostB's leases expire, hostA's scans pick them up
	waitFor(t, time.Second*5, func() bool { return pmA.pumps.Len() == 4 }, "hostA never took over crashed host's partitions")

	// No lease is still validly held by anyone but hostA
	all, _ := store.GetLeases(context.Background())
	now := time.Now()
	for _, l := range all {
		if !l.IsExpired(now) && l.Owner != "hostA" {
			t.Fatalf("partition %s still validly owned by %s", l.PartitionID, l.Owner)
		}
	}

	pmA.Shutdown(context.Background())
}

func TestProcessorFailureFreesPartitionForReacquire(t *testing.T) {
	partitionIDs := []string{"0", "1"}
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker(partitionIDs)

	fr := newFleetRecorder(true)
	fr.mu.Lock()
	fr.failFirstBatch["1"] = true
	fr.mu.Unlock()

	pm := startManager(t, "hostA", store, b, fr, testCoordinatorOptions())
	waitFor(t, time.Second*3, func() bool { return pm.pumps.Len() == 2 }, "hostA never owned both partitions")

	b.Publish("1", "", []byte("e1"))

	// First delivery fails the pump; a later scan re-acquires and redelivers
	waitFor(t, time.Second*5, func() bool { return len(fr.eventsFor("1")) >= 1 }, "partition 1 never redelivered after failure")

	fr.mu.Lock()
	errCount := len(fr.errs)
	sawFailure := false
	for _, r := range fr.closeReasons["1"] {
		if r == pump.CloseReasonProcessorFailure {
			sawFailure = true
		}
	}
	fr.mu.Unlock()
	if errCount == 0 {
		t.Fatal("OnError never fired for the failed batch")
	}
	if !sawFailure {
		t.Fatal("pump did not close with ProcessorFailure")
	}

	pm.Shutdown(context.Background())
}

func TestBalanceConvergesForThreeHosts(t *testing.T) {
	partitionIDs := []string{"0", "1", "2", "3", "4", "5", "6", "7"}
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker(partitionIDs)

	var pms []*PartitionManager
	for _, hostName := range []string{"hostA", "hostB", "hostC"} {
		fr := newFleetRecorder(false)
		pms = append(pms, startManager(t, hostName, store, b, fr, testCoordinatorOptions()))
	}

	waitFor(t, time.Second*10, func() bool {
		for _, pm := range pms {
			count := pm.pumps.Len()
			if count < 2 || count > 3 {
				return false
			}
		}
		total := 0
		for _, pm := range pms {
			total += pm.pumps.Len()
		}
		return total == 8
	}, "fleet never converged to within one partition of equal share")

	for _, pm := range pms {
		pm.Shutdown(context.Background())
	}
}

func TestScanSkipsTickOnTransientStoreError(t *testing.T) {
	partitionIDs := []string{"0", "1"}
	store := leases.NewMemoryStore()
	b := broker.NewMemoryBroker(partitionIDs)
	fr := newFleetRecorder(false)

	pm := startManager(t, "hostA", store, b, fr, testCoordinatorOptions())
	waitFor(t, time.Second*3, func() bool { return pm.pumps.Len() == 2 }, "hostA never owned both partitions")

	// Break only the scan; renewals keep working so pumps must survive
	store.SetFaultHook(func(op, _ string) error {
		if op == "getLeases" {
			return leases.Transient(errors.New("store down"))
		}
		return nil
	})
	time.Sleep(time.Millisecond * 200)
	if pm.pumps.Len() != 2 {
		t.Fatalf("transient scan failures tore down pumps: %d", pm.pumps.Len())
	}
	store.SetFaultHook(nil)
	pm.Shutdown(context.Background())
}
