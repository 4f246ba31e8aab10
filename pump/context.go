package pump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danthegoodman1/EventHerd/leases"
)

var (
	ErrNoCheckpointAvailable = errors.New("no event received yet, nothing to checkpoint")
)

type (
	// PartitionContext is handed to the user processor for identity and
	// checkpointing. Checkpoint writes are fenced by the pump's current lease
	// token; once the pump has begun stopping for lease loss or processor
	// failure, further checkpoints are rejected locally.
	PartitionContext struct {
		PartitionID   string
		EventHubPath  string
		ConsumerGroup string
		Owner         string

		checkpointer leases.Checkpointer
		leaseFunc    func() leases.Lease
		fenced       atomic.Bool

		mu           sync.Mutex
		lastOffset   string
		lastSequence int64
		haveEvent    bool
	}
)

func newPartitionContext(partitionID, eventHubPath, consumerGroup, owner string, checkpointer leases.Checkpointer, leaseFunc func() leases.Lease) *PartitionContext {
	return &PartitionContext{
		PartitionID:   partitionID,
		EventHubPath:  eventHubPath,
		ConsumerGroup: consumerGroup,
		Owner:         owner,
		checkpointer:  checkpointer,
		leaseFunc:     leaseFunc,
	}
}

func (pc *PartitionContext) setLastEvent(offset string, sequence int64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.lastOffset = offset
	pc.lastSequence = sequence
	pc.haveEvent = true
}

// Checkpoint durably records the position of the last event the pump received
// for this partition, including events skipped by the filter expression.
func (pc *PartitionContext) Checkpoint(ctx context.Context) error {
	pc.mu.Lock()
	offset, sequence, haveEvent := pc.lastOffset, pc.lastSequence, pc.haveEvent
	pc.mu.Unlock()
	if !haveEvent {
		return ErrNoCheckpointAvailable
	}
	return pc.CheckpointAt(ctx, offset, sequence)
}

// CheckpointAt durably records an explicit position. Resumption starts strictly
// after it.
func (pc *PartitionContext) CheckpointAt(ctx context.Context, offset string, sequenceNumber int64) error {
	if pc.fenced.Load() {
		return leases.ErrLeaseLost
	}
	err := pc.checkpointer.UpdateCheckpoint(ctx, pc.leaseFunc(), leases.Checkpoint{
		PartitionID:    pc.PartitionID,
		Offset:         offset,
		SequenceNumber: sequenceNumber,
	})
	if err != nil {
		return err
	}
	return nil
}
