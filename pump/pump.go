package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antonmedv/expr/vm"

	"github.com/danthegoodman1/EventHerd/broker"
	"github.com/danthegoodman1/EventHerd/gologger"
	"github.com/danthegoodman1/EventHerd/internal"
	"github.com/danthegoodman1/EventHerd/leases"
)

var logger = gologger.NewLogger()

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type (
	// Pump owns one partition on one host: it reads batches from the receiver and
	// drives the user processor. A pump's receiver and processor are never shared;
	// OnEvents for a partition is only ever invoked from the pump's single loop.
	Pump struct {
		PartitionID string

		hostName      string
		eventHubPath  string
		consumerGroup string

		leaser          leases.Leaser
		checkpointer    leases.Checkpointer
		receiverFactory broker.ReceiverFactory
		procFactory     EventProcessorFactory
		opts            Options

		leaseMu sync.RWMutex
		lease   leases.Lease

		state     atomic.Int32
		pc        *PartitionContext
		receiver  broker.Receiver
		processor EventProcessor
		filter    *vm.Program

		runCtx    context.Context
		runCancel context.CancelFunc

		reasonMu   sync.Mutex
		stopReason CloseReason

		closeOnce sync.Once
		stopOnce  sync.Once
		doneChan  chan struct{}
	}
)

func NewPump(hostName, eventHubPath, consumerGroup string, lease leases.Lease, leaser leases.Leaser, checkpointer leases.Checkpointer, receiverFactory broker.ReceiverFactory, procFactory EventProcessorFactory, opts Options) *Pump {
	runCtx, runCancel := context.WithCancel(context.Background())
	p := &Pump{
		PartitionID:     lease.PartitionID,
		hostName:        hostName,
		eventHubPath:    eventHubPath,
		consumerGroup:   consumerGroup,
		leaser:          leaser,
		checkpointer:    checkpointer,
		receiverFactory: receiverFactory,
		procFactory:     procFactory,
		opts:            opts,
		lease:           lease,
		runCtx:          runCtx,
		runCancel:       runCancel,
		doneChan:        make(chan struct{}),
		stopReason:      CloseReasonShutdown,
	}
	p.pc = newPartitionContext(lease.PartitionID, eventHubPath, consumerGroup, hostName, checkpointer, p.CurrentLease)
	return p
}

func (p *Pump) State() State {
	return State(p.state.Load())
}

func (p *Pump) CurrentLease() leases.Lease {
	p.leaseMu.RLock()
	defer p.leaseMu.RUnlock()
	return p.lease
}

// SetLease installs a renewed lease so checkpoint fencing uses the fresh token.
func (p *Pump) SetLease(lease leases.Lease) {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()
	p.lease = lease
}

// Start reads the checkpoint, opens the receiver at the resume position, and
// opens the user processor. On any failure the pump ends up Failed with its
// lease released and no loop running.
func (p *Pump) Start(ctx context.Context) error {
	p.state.Store(int32(StateStarting))
	logger.Debug().Str("partition", p.PartitionID).Str("host", p.hostName).Msg("starting pump")

	if p.opts.FilterExpression != "" {
		program, err := compileFilter(p.opts.FilterExpression)
		if err != nil {
			p.failStartup()
			return fmt.Errorf("error compiling filter expression: %w", err)
		}
		p.filter = program
	}

	cp, err := p.checkpointer.GetCheckpoint(ctx, p.PartitionID)
	if err != nil {
		p.failStartup()
		return fmt.Errorf("error in GetCheckpoint: %w", err)
	}
	pos := p.opts.InitialPosition
	if cp != nil {
		pos = broker.FromOffset(cp.Offset)
	}

	lease := p.CurrentLease()
	receiver, err := p.receiverFactory.NewReceiver(ctx, p.PartitionID, pos, p.opts.PrefetchCount, lease.Epoch)
	if err != nil {
		p.failStartup()
		return fmt.Errorf("error in NewReceiver: %w", err)
	}
	p.receiver = receiver

	processor, err := p.procFactory.Create(p.pc)
	if err != nil {
		_ = receiver.Close()
		p.failStartup()
		return fmt.Errorf("error creating event processor: %w", err)
	}
	p.processor = processor

	if err := processor.Open(ctx, p.pc); err != nil {
		_ = receiver.Close()
		processor.OnError(p.pc, err)
		p.failStartup()
		return fmt.Errorf("error in processor.Open: %w", err)
	}

	p.state.Store(int32(StateRunning))
	go p.run()
	return nil
}

// failStartup is the Failed path before the loop exists: no Close is owed since
// Open never succeeded.
func (p *Pump) failStartup() {
	p.state.Store(int32(StateFailed))
	p.pc.fenced.Store(true)
	p.releaseLease()
	close(p.doneChan)
}

func (p *Pump) run() {
	for {
		select {
		case <-p.runCtx.Done():
			p.finishStop()
			return
		default:
		}

		events, err := p.receiver.Receive(p.runCtx, p.opts.MaxBatchSize, p.opts.ReceiveTimeout)
		if err != nil {
			if p.runCtx.Err() != nil {
				p.finishStop()
				return
			}
			if errors.Is(err, broker.ErrEpochStolen) {
				logger.Warn().Str("partition", p.PartitionID).Msg("receiver kicked by higher epoch, lease lost")
				p.setStopReason(CloseReasonLeaseLost)
				p.finishStop()
				return
			}
			logger.Error().Err(err).Str("partition", p.PartitionID).Msg("receiver error, failing pump")
			p.fail(err)
			return
		}

		delivered := events
		if len(events) > 0 {
			if p.filter != nil {
				delivered = p.applyFilter(events)
			}
			last := events[len(events)-1]
			p.pc.setLastEvent(last.Offset, last.SequenceNumber)
		}

		if len(events) == 0 && !p.opts.InvokeOnTimeout {
			continue
		}
		if len(events) > 0 && len(delivered) == 0 {
			// Whole batch filtered out, nothing to deliver
			continue
		}

		s := time.Now()
		err = p.processor.OnEvents(p.runCtx, p.pc, delivered)
		internal.Metric_DispatchLatenciesMicro.WithLabelValues(p.PartitionID).Observe(float64(time.Since(s).Microseconds()))
		if err != nil {
			if p.runCtx.Err() != nil {
				p.finishStop()
				return
			}
			logger.Error().Err(err).Str("partition", p.PartitionID).Msg("processor returned error, failing pump")
			p.fail(err)
			return
		}
	}
}

func (p *Pump) applyFilter(events []*broker.EventData) []*broker.EventData {
	out := make([]*broker.EventData, 0, len(events))
	for _, ev := range events {
		match, err := matchFilter(p.filter, ev)
		if err != nil {
			logger.Error().Err(err).Str("partition", p.PartitionID).Msg("error evaluating filter, delivering event")
			match = true
		}
		if match {
			out = append(out, ev)
		}
	}
	return out
}

func (p *Pump) setStopReason(reason CloseReason) {
	p.reasonMu.Lock()
	defer p.reasonMu.Unlock()
	p.stopReason = reason
}

func (p *Pump) getStopReason() CloseReason {
	p.reasonMu.Lock()
	defer p.reasonMu.Unlock()
	return p.stopReason
}

// Stop transitions the pump to Stopping, waits for the in-flight OnEvents to
// drain (bounded by ctx), and runs the close sequence. Safe to call more than
// once; later calls just wait.
func (p *Pump) Stop(ctx context.Context, reason CloseReason) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.doneChan:
			// Already terminal, keep the state the loop ended in
			return
		default:
		}
		p.setStopReason(reason)
		p.state.Store(int32(StateStopping))
		if reason != CloseReasonShutdown {
			// Post-loss checkpoints are rejected immediately; on graceful
			// shutdown the in-flight batch may still checkpoint from Close.
			p.pc.fenced.Store(true)
		}
		p.runCancel()
	})

	select {
	case <-p.doneChan:
		return nil
	case <-ctx.Done():
		logger.Error().Str("partition", p.PartitionID).Msg("pump did not drain in time, abandoning (lease will expire)")
		return fmt.Errorf("pump for partition %s did not drain: %w", p.PartitionID, ctx.Err())
	}
}

// finishStop is the tail of the graceful path, run on the pump loop goroutine.
func (p *Pump) finishStop() {
	reason := p.getStopReason()
	p.state.Store(int32(StateStopping))
	if reason != CloseReasonShutdown {
		// Lease loss found by the loop itself: fence before Close runs
		p.pc.fenced.Store(true)
	}
	p.closeProcessor(reason)
	p.pc.fenced.Store(true)
	if p.receiver != nil {
		_ = p.receiver.Close()
	}
	if reason == CloseReasonShutdown {
		// A lost lease has a stale token, release would be a no-op conflict
		p.releaseLease()
	}
	p.state.Store(int32(StateStopped))
	logger.Debug().Str("partition", p.PartitionID).Str("reason", string(reason)).Msg("pump stopped")
	close(p.doneChan)
}

// fail is the Failed path out of Running: close best-effort, release, report.
func (p *Pump) fail(cause error) {
	p.setStopReason(CloseReasonProcessorFailure)
	p.state.Store(int32(StateFailed))
	p.pc.fenced.Store(true)
	p.processor.OnError(p.pc, cause)
	p.closeProcessor(CloseReasonProcessorFailure)
	if p.receiver != nil {
		_ = p.receiver.Close()
	}
	p.releaseLease()
	close(p.doneChan)
}

func (p *Pump) closeProcessor(reason CloseReason) {
	p.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()
		if err := p.processor.Close(ctx, p.pc, reason); err != nil {
			logger.Error().Err(err).Str("partition", p.PartitionID).Msg("error in processor.Close")
		}
	})
}

func (p *Pump) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	released, err := p.leaser.Release(ctx, p.CurrentLease())
	if err != nil {
		logger.Error().Err(err).Str("partition", p.PartitionID).Msg("error releasing lease")
		return
	}
	if !released {
		logger.Debug().Str("partition", p.PartitionID).Msg("lease token no longer current, nothing to release")
	}
}

// Done is closed once the pump has fully drained and reached Stopped or Failed.
func (p *Pump) Done() <-chan struct{} {
	return p.doneChan
}
