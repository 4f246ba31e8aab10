package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiverClosed = errors.New("receiver closed")
	// ErrEpochStolen means a receiver with a higher epoch was opened on the same
	// partition and this one was disconnected by the broker.
	ErrEpochStolen = errors.New("receiver disconnected by higher epoch")
)

type (
	// EventData is a single event read from a partition.
	EventData struct {
		Offset         string
		SequenceNumber int64
		EnqueuedTime   time.Time
		PartitionKey   string
		Data           []byte
	}

	// Receiver reads events from a single partition. Receive returns up to max
	// events, or fewer if timeout elapses first. A timeout with no events returns
	// an empty (non-nil) batch and no error.
	Receiver interface {
		Receive(ctx context.Context, max int, timeout time.Duration) ([]*EventData, error)
		Close() error
	}

	// ReceiverFactory creates receivers and enumerates the partitions of the hub.
	// Epoch is the owning lease's epoch; backends that support broker-side epochs
	// use it to disconnect stale readers.
	ReceiverFactory interface {
		PartitionIDs(ctx context.Context) ([]string, error)
		NewReceiver(ctx context.Context, partitionID string, pos StartingPosition, prefetchCount int32, epoch int64) (Receiver, error)
	}
)

type PositionKind int

const (
	PositionStart PositionKind = iota
	PositionEnd
	PositionOffset
	PositionSequence
	PositionTime
)

// StartingPosition tells a receiver where in the partition to begin. Offset and
// sequence positions are exclusive: reading starts strictly after them.
type StartingPosition struct {
	Kind     PositionKind
	Offset   string
	Sequence int64
	Time     time.Time
}

func StartOfStream() StartingPosition {
	return StartingPosition{Kind: PositionStart}
}

func EndOfStream() StartingPosition {
	return StartingPosition{Kind: PositionEnd}
}

func FromOffset(offset string) StartingPosition {
	return StartingPosition{Kind: PositionOffset, Offset: offset}
}

func FromSequence(seq int64) StartingPosition {
	return StartingPosition{Kind: PositionSequence, Sequence: seq}
}

func FromTime(t time.Time) StartingPosition {
	return StartingPosition{Kind: PositionTime, Time: t}
}
