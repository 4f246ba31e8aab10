package pump

import (
	"context"

	"github.com/danthegoodman1/EventHerd/broker"
)

type CloseReason string

const (
	// CloseReasonShutdown means the host is unregistering.
	CloseReasonShutdown CloseReason = "shutdown"
	// CloseReasonLeaseLost means another host took the partition's lease.
	CloseReasonLeaseLost CloseReason = "lease_lost"
	// CloseReasonProcessorFailure means the user processor returned an error.
	CloseReasonProcessorFailure CloseReason = "processor_failure"
)

type (
	// EventProcessor is the user-supplied handler for one partition. Open is
	// called exactly once before the first OnEvents, Close exactly once after the
	// last. OnEvents is never invoked concurrently for the same partition.
	EventProcessor interface {
		Open(ctx context.Context, pc *PartitionContext) error
		// OnEvents receives a non-nil batch in broker order. The batch is empty
		// only when InvokeOnTimeout is set and the receive timeout elapsed.
		OnEvents(ctx context.Context, pc *PartitionContext, events []*broker.EventData) error
		Close(ctx context.Context, pc *PartitionContext, reason CloseReason) error
		// OnError is informational, invoked for runtime failures on the partition.
		OnError(pc *PartitionContext, err error)
	}

	// EventProcessorFactory creates a processor for each partition a host takes
	// ownership of.
	EventProcessorFactory interface {
		Create(pc *PartitionContext) (EventProcessor, error)
	}

	// FactoryFunc adapts a function to EventProcessorFactory.
	FactoryFunc func(pc *PartitionContext) (EventProcessor, error)
)

func (f FactoryFunc) Create(pc *PartitionContext) (EventProcessor, error) {
	return f(pc)
}
