package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/danthegoodman1/EventHerd/broker"
	"github.com/danthegoodman1/EventHerd/gologger"
	"github.com/danthegoodman1/EventHerd/internal"
	"github.com/danthegoodman1/EventHerd/leases"
	"github.com/danthegoodman1/EventHerd/pump"
	"github.com/danthegoodman1/EventHerd/syncx"
)

var logger = gologger.NewLogger()

const renewRetries = 3

type (
	// PartitionManager runs the per-host control loop: scan leases, acquire
	// unowned partitions, steal one lease per tick to equalize load, renew owned
	// leases, and reap dead pumps. The lease store is the only cross-host state;
	// two hosts racing for the same partition are sorted out by the store's CAS.
	PartitionManager struct {
		hostName      string
		eventHubPath  string
		consumerGroup string

		leaser          leases.Leaser
		checkpointer    leases.Checkpointer
		receiverFactory broker.ReceiverFactory
		procFactory     pump.EventProcessorFactory
		opts            Options
		pumpOpts        pump.Options

		pumps        syncx.Map[string, *pump.Pump]
		partitionIDs []string

		scanTicker  *time.Ticker
		renewTicker *time.Ticker
		closeChan   chan struct{}
		doneChan    chan struct{}
		readyChan   chan struct{}
	}
)

func NewPartitionManager(hostName, eventHubPath, consumerGroup string, leaser leases.Leaser, checkpointer leases.Checkpointer, receiverFactory broker.ReceiverFactory, procFactory pump.EventProcessorFactory, opts Options, pumpOpts pump.Options) *PartitionManager {
	return &PartitionManager{
		hostName:        hostName,
		eventHubPath:    eventHubPath,
		consumerGroup:   consumerGroup,
		leaser:          leaser,
		checkpointer:    checkpointer,
		receiverFactory: receiverFactory,
		procFactory:     procFactory,
		opts:            opts,
		pumpOpts:        pumpOpts,
		closeChan:       make(chan struct{}),
		doneChan:        make(chan struct{}),
		readyChan:       make(chan struct{}),
	}
}

// Start initializes the store, learns the partition set, and launches the
// control loop. It returns once initialization succeeded; Ready() signals the
// first completed scan, or StartupScanDelay elapsing, whichever comes first.
func (pm *PartitionManager) Start(ctx context.Context) error {
	logger.Debug().Str("host", pm.hostName).Msg("starting partition manager")
	if err := pm.leaser.EnsureStore(ctx); err != nil {
		return fmt.Errorf("error in EnsureStore: %w", err)
	}

	ids, err := pm.receiverFactory.PartitionIDs(ctx)
	if err != nil {
		return fmt.Errorf("error in PartitionIDs: %w", err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("event hub %s has no partitions", pm.eventHubPath)
	}
	sort.Strings(ids)
	pm.partitionIDs = ids

	for _, id := range ids {
		if _, err := pm.leaser.EnsureLease(ctx, id); err != nil {
			return fmt.Errorf("error in EnsureLease for partition %s: %w", id, err)
		}
	}

	pm.scanTicker = time.NewTicker(pm.opts.ScanInterval)
	pm.renewTicker = time.NewTicker(pm.opts.RenewInterval)
	go pm.runLoop()
	return nil
}

// Ready is closed after the first scan completes, i.e. this host has taken
// whatever partitions it could on startup, or once StartupScanDelay elapses
// with that scan still running, whichever comes first.
func (pm *PartitionManager) Ready() <-chan struct{} {
	return pm.readyChan
}

func (pm *PartitionManager) runLoop() {
	defer close(pm.doneChan)

	// First scan runs immediately so a lone host does not idle for a full tick.
	// StartupScanDelay caps how long we wait for it before reporting ready anyway.
	firstScan := make(chan struct{})
	go func() {
		pm.scan()
		close(firstScan)
	}()
	select {
	case <-firstScan:
	case <-time.After(pm.opts.StartupScanDelay):
		logger.Warn().Str("host", pm.hostName).Msg("first scan did not finish before startup delay elapsed")
	case <-pm.closeChan:
		return
	}
	close(pm.readyChan)

	for {
		select {
		case <-pm.scanTicker.C:
			pm.scan()
		case <-pm.renewTicker.C:
			pm.renewAll()
		case <-pm.closeChan:
			logger.Debug().Str("host", pm.hostName).Msg("control loop received on close channel, exiting")
			return
		}
	}
}

func (pm *PartitionManager) scan() {
	select {
	case <-pm.closeChan:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), pm.opts.ScanInterval)
	defer cancel()

	allLeases, err := pm.leaser.GetLeases(ctx)
	if err != nil {
		// Never tear pumps down over store flakiness, just skip the tick
		logger.Error().Err(err).Msg("error listing leases, skipping scan tick")
		internal.Metric_LeaseOperations.WithLabelValues("getAll", "error").Inc()
		return
	}

	allLeases = pm.ensureAllLeases(ctx, allLeases)

	now := time.Now()
	byPartition := map[string]leases.Lease{}
	for _, l := range allLeases {
		byPartition[l.PartitionID] = l
	}

	// Acquire every unowned or expired lease
	for _, id := range pm.partitionIDs {
		l, exists := byPartition[id]
		if !exists {
			continue
		}
		if _, havePump := pm.pumps.Load(id); havePump {
			continue
		}
		if l.IsNotOwnedOrExpired(now) || l.Owner == pm.hostName {
			if acquired, ok := pm.tryAcquire(ctx, l); ok {
				byPartition[id] = acquired
			}
		}
	}

	pm.maybeSteal(ctx, lo.Values(byPartition), now)
	pm.reap()
	internal.Metric_OwnedPartitions.Set(float64(pm.pumps.Len()))
}

// ensureAllLeases creates missing lease records, normally only on the very
// first scan of the very first host.
func (pm *PartitionManager) ensureAllLeases(ctx context.Context, allLeases []leases.Lease) []leases.Lease {
	known := lo.SliceToMap(allLeases, func(l leases.Lease) (string, struct{}) {
		return l.PartitionID, struct{}{}
	})
	for _, id := range pm.partitionIDs {
		if _, exists := known[id]; exists {
			continue
		}
		l, err := pm.leaser.EnsureLease(ctx, id)
		if err != nil {
			logger.Error().Err(err).Msgf("error ensuring lease for partition %s", id)
			continue
		}
		allLeases = append(allLeases, l)
	}
	return allLeases
}

func (pm *PartitionManager) tryAcquire(ctx context.Context, l leases.Lease) (leases.Lease, bool) {
	l.Owner = pm.hostName
	acquired, ok, err := pm.leaser.Acquire(ctx, l, pm.opts.LeaseDuration)
	if err != nil {
		logger.Error().Err(err).Msgf("error acquiring lease for partition %s", l.PartitionID)
		internal.Metric_LeaseOperations.WithLabelValues("acquire", "error").Inc()
		return leases.Lease{}, false
	}
	if !ok {
		// Someone else won the race, not an error
		internal.Metric_LeaseOperations.WithLabelValues("acquire", "conflict").Inc()
		return leases.Lease{}, false
	}
	internal.Metric_LeaseOperations.WithLabelValues("acquire", "ok").Inc()
	pm.startPump(ctx, acquired)
	return acquired, true
}

func (pm *PartitionManager) startPump(ctx context.Context, lease leases.Lease) {
	p := pump.NewPump(pm.hostName, pm.eventHubPath, pm.consumerGroup, lease, pm.leaser, pm.checkpointer, pm.receiverFactory, pm.procFactory, pm.pumpOpts)
	if err := p.Start(ctx); err != nil {
		logger.Error().Err(err).Msgf("error starting pump for partition %s", lease.PartitionID)
		return
	}
	pm.pumps.Store(lease.PartitionID, p)
	logger.Info().Str("host", pm.hostName).Str("partition", lease.PartitionID).Int64("epoch", lease.Epoch).Msg("pump started")
}

// maybeSteal attempts at most one steal per tick, targeting the most loaded
// over-quota host, to damp oscillation while still converging to equal shares.
func (pm *PartitionManager) maybeSteal(ctx context.Context, allLeases []leases.Lease, now time.Time) {
	active := lo.Filter(allLeases, func(l leases.Lease, _ int) bool {
		return !l.IsNotOwnedOrExpired(now)
	})

	counts := lo.CountValuesBy(active, func(l leases.Lease) string { return l.Owner })
	if _, exists := counts[pm.hostName]; !exists {
		counts[pm.hostName] = 0
	}

	targets := equalShareTargets(len(pm.partitionIDs), lo.Keys(counts))
	ourCount := counts[pm.hostName]
	if ourCount >= targets[pm.hostName] {
		return
	}

	// Most loaded host strictly over its quota
	victim := ""
	for host, count := range counts {
		if host == pm.hostName || count <= targets[host] {
			continue
		}
		if victim == "" || count > counts[victim] || (count == counts[victim] && host < victim) {
			victim = host
		}
	}
	if victim == "" {
		return
	}

	victimLeases := lo.Filter(active, func(l leases.Lease, _ int) bool {
		return l.Owner == victim
	})
	sort.Slice(victimLeases, func(i, j int) bool {
		return victimLeases[i].PartitionID < victimLeases[j].PartitionID
	})
	target := victimLeases[0]

	logger.Info().Str("host", pm.hostName).Str("victim", victim).Str("partition", target.PartitionID).Msg("attempting lease steal to rebalance")
	if _, ok := pm.tryAcquire(ctx, target); ok {
		internal.Metric_StolenLeases.Inc()
	}
}

// equalShareTargets computes per-host quotas: P/H each, remainder handed out by
// sorted host name so every host computes the same answer.
func equalShareTargets(partitionCount int, hosts []string) map[string]int {
	sort.Strings(hosts)
	base := partitionCount / len(hosts)
	remainder := partitionCount % len(hosts)
	targets := make(map[string]int, len(hosts))
	for i, host := range hosts {
		targets[host] = base
		if i < remainder {
			targets[host]++
		}
	}
	return targets
}

func (pm *PartitionManager) renewAll() {
	ctx, cancel := context.WithTimeout(context.Background(), pm.opts.RenewInterval)
	defer cancel()

	pm.pumps.Range(func(id string, p *pump.Pump) bool {
		if p.State() != pump.StateRunning {
			return true
		}
		renewed, ok, err := pm.renewWithRetries(ctx, p.CurrentLease())
		if err != nil {
			logger.Error().Err(err).Msgf("renew failed for partition %s after retries, treating lease as lost", id)
			ok = false
		}
		if !ok {
			internal.Metric_LeaseOperations.WithLabelValues("renew", "lost").Inc()
			go func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), pm.opts.ShutdownDrainTimeout)
				defer stopCancel()
				_ = p.Stop(stopCtx, pump.CloseReasonLeaseLost)
			}()
			return true
		}
		internal.Metric_LeaseOperations.WithLabelValues("renew", "ok").Inc()
		p.SetLease(renewed)
		return true
	})
}

// renewWithRetries retries transient store failures a bounded number of times;
// a conflict is never retried, the lease is simply lost.
func (pm *PartitionManager) renewWithRetries(ctx context.Context, lease leases.Lease) (leases.Lease, bool, error) {
	var lastErr error
	for i := 0; i < renewRetries; i++ {
		renewed, ok, err := pm.leaser.Renew(ctx, lease, pm.opts.LeaseDuration)
		if err == nil {
			return renewed, ok, nil
		}
		if !leases.IsTransient(err) {
			return leases.Lease{}, false, err
		}
		lastErr = err
	}
	return leases.Lease{}, false, fmt.Errorf("renew retries exhausted: %w", lastErr)
}

func (pm *PartitionManager) reap() {
	pm.pumps.Range(func(id string, p *pump.Pump) bool {
		select {
		case <-p.Done():
			logger.Debug().Str("partition", id).Str("state", p.State().String()).Msg("reaping terminal pump")
			pm.pumps.Delete(id)
		default:
		}
		return true
	})
}

// OwnedPartitionIDs lists the partitions this host currently pumps.
func (pm *PartitionManager) OwnedPartitionIDs() (ids []string) {
	pm.pumps.Range(func(id string, _ *pump.Pump) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return
}

// PumpStates snapshots pump states for the ops surface.
func (pm *PartitionManager) PumpStates() map[string]string {
	out := map[string]string{}
	pm.pumps.Range(func(id string, p *pump.Pump) bool {
		out[id] = p.State().String()
		return true
	})
	return out
}

// StopPump force-stops a single pump, used by the ops API. The lease is
// released so any host can pick the partition up on a later tick.
func (pm *PartitionManager) StopPump(ctx context.Context, partitionID string) error {
	p, exists := pm.pumps.Load(partitionID)
	if !exists {
		return fmt.Errorf("no pump for partition %s", partitionID)
	}
	return p.Stop(ctx, pump.CloseReasonShutdown)
}

// Shutdown stops the control loop, then drains every pump with the Shutdown
// reason. Pumps that fail to drain within the timeout are abandoned and their
// leases left to expire.
func (pm *PartitionManager) Shutdown(ctx context.Context) error {
	logger.Info().Str("host", pm.hostName).Msg("shutting down partition manager")
	close(pm.closeChan)
	pm.scanTicker.Stop()
	pm.renewTicker.Stop()
	<-pm.doneChan

	drainCtx, cancel := context.WithTimeout(ctx, pm.opts.ShutdownDrainTimeout)
	defer cancel()

	// Loop in case an in-flight scan raced the close signal and started a pump
	// after the first collection pass
	var firstErr error
	for {
		var pumps []*pump.Pump
		pm.pumps.Range(func(_ string, p *pump.Pump) bool {
			pumps = append(pumps, p)
			return true
		})
		if len(pumps) == 0 {
			break
		}
		g := errgroup.Group{}
		for _, p := range pumps {
			p := p
			g.Go(func() error {
				return p.Stop(drainCtx, pump.CloseReasonShutdown)
			})
		}
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, p := range pumps {
			pm.pumps.Delete(p.PartitionID)
		}
	}
	internal.Metric_OwnedPartitions.Set(0)
	return firstErr
}
