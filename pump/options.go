package pump

import (
	"time"

	"github.com/danthegoodman1/EventHerd/broker"
)

type (
	// Options controls per-partition pump behavior.
	Options struct {
		// MaxBatchSize is the most events delivered in one OnEvents call.
		MaxBatchSize int
		// ReceiveTimeout bounds a single receive wait.
		ReceiveTimeout time.Duration
		// PrefetchCount is passed through to the receiver.
		PrefetchCount int32
		// InvokeOnTimeout delivers an empty batch when ReceiveTimeout elapses
		// with no events.
		InvokeOnTimeout bool
		// InitialPosition is where to start when a partition has no checkpoint.
		InitialPosition broker.StartingPosition
		// FilterExpression, when non-empty, is a boolean expression evaluated
		// against each event (offset, sequenceNumber, enqueuedTimeMs,
		// partitionKey, data); events failing it are skipped but still advance
		// the checkpointable position.
		FilterExpression string
	}
)

func DefaultOptions() Options {
	return Options{
		MaxBatchSize:    10,
		ReceiveTimeout:  time.Second * 60,
		PrefetchCount:   300,
		InvokeOnTimeout: false,
		InitialPosition: broker.StartOfStream(),
	}
}
