package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type (
	// MemoryBroker is an in-process broker for tests and local development. It
	// enforces broker-side epochs: opening a receiver with a higher epoch kicks
	// any lower-epoch receiver on the same partition.
	MemoryBroker struct {
		mu         sync.Mutex
		partitions map[string][]*EventData
		epochs     map[string]int64
		notify     map[string]chan struct{}
	}

	memoryReceiver struct {
		broker      *MemoryBroker
		partitionID string
		epoch       int64
		next        int
		closed      bool
		mu          sync.Mutex
	}
)

func NewMemoryBroker(partitionIDs []string) *MemoryBroker {
	b := &MemoryBroker{
		partitions: map[string][]*EventData{},
		epochs:     map[string]int64{},
		notify:     map[string]chan struct{}{},
	}
	for _, id := range partitionIDs {
		b.partitions[id] = []*EventData{}
		b.notify[id] = make(chan struct{})
	}
	return b
}

// Publish appends an event to a partition, assigning its offset and sequence.
func (b *MemoryBroker) Publish(partitionID string, key string, data []byte) (*EventData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events, exists := b.partitions[partitionID]
	if !exists {
		return nil, fmt.Errorf("unknown partition %s", partitionID)
	}
	ev := &EventData{
		Offset:         strconv.Itoa(len(events)),
		SequenceNumber: int64(len(events)),
		EnqueuedTime:   time.Now(),
		PartitionKey:   key,
		Data:           data,
	}
	b.partitions[partitionID] = append(events, ev)
	close(b.notify[partitionID])
	b.notify[partitionID] = make(chan struct{})
	return ev, nil
}

func (b *MemoryBroker) PartitionIDs(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.partitions))
	for id := range b.partitions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *MemoryBroker) NewReceiver(ctx context.Context, partitionID string, pos StartingPosition, prefetchCount int32, epoch int64) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events, exists := b.partitions[partitionID]
	if !exists {
		return nil, fmt.Errorf("unknown partition %s", partitionID)
	}
	if epoch < b.epochs[partitionID] {
		return nil, ErrEpochStolen
	}
	b.epochs[partitionID] = epoch

	next := 0
	switch pos.Kind {
	case PositionStart:
		next = 0
	case PositionEnd:
		next = len(events)
	case PositionOffset:
		o, err := strconv.Atoi(pos.Offset)
		if err != nil {
			return nil, fmt.Errorf("error parsing offset %s: %w", pos.Offset, err)
		}
		next = o + 1
	case PositionSequence:
		next = int(pos.Sequence) + 1
	case PositionTime:
		for next < len(events) && !events[next].EnqueuedTime.After(pos.Time) {
			next++
		}
	}

	return &memoryReceiver{
		broker:      b,
		partitionID: partitionID,
		epoch:       epoch,
		next:        next,
	}, nil
}

func (r *memoryReceiver) Receive(ctx context.Context, max int, timeout time.Duration) ([]*EventData, error) {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrReceiverClosed
		}
		next := r.next
		r.mu.Unlock()

		r.broker.mu.Lock()
		if r.epoch < r.broker.epochs[r.partitionID] {
			r.broker.mu.Unlock()
			return nil, ErrEpochStolen
		}
		events := r.broker.partitions[r.partitionID]
		notify := r.broker.notify[r.partitionID]
		r.broker.mu.Unlock()

		if next < len(events) {
			end := len(events)
			if end-next > max {
				end = next + max
			}
			batch := make([]*EventData, end-next)
			copy(batch, events[next:end])
			r.mu.Lock()
			r.next = end
			r.mu.Unlock()
			return batch, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []*EventData{}, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return []*EventData{}, nil
		}
	}
}

func (r *memoryReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
