package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/danthegoodman1/EventHerd/gologger"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

var logger = gologger.NewLogger()

type (
	// KafkaReceiverFactory maps the hub onto a Kafka topic: one topic partition per
	// hub partition. Each receiver gets its own client pinned to one partition so
	// pumps never share fetch sessions.
	KafkaReceiverFactory struct {
		seeds []string
		topic string
	}

	kafkaReceiver struct {
		client      *kgo.Client
		partitionID string
		epoch       int64
	}
)

func NewKafkaReceiverFactory(seeds []string, topic string) *KafkaReceiverFactory {
	return &KafkaReceiverFactory{seeds: seeds, topic: topic}
}

func (f *KafkaReceiverFactory) PartitionIDs(ctx context.Context) ([]string, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(f.seeds...))
	if err != nil {
		return nil, fmt.Errorf("error in kgo.NewClient: %w", err)
	}
	defer client.Close()

	adm := kadm.NewClient(client)
	topics, err := adm.ListTopics(ctx, f.topic)
	if err != nil {
		return nil, fmt.Errorf("error in adm.ListTopics: %w", err)
	}
	detail, exists := topics[f.topic]
	if !exists || detail.Err != nil {
		return nil, fmt.Errorf("topic %s not found", f.topic)
	}

	ids := make([]string, 0, len(detail.Partitions))
	for _, p := range detail.Partitions.Sorted() {
		ids = append(ids, strconv.Itoa(int(p.Partition)))
	}
	return ids, nil
}

func (f *KafkaReceiverFactory) NewReceiver(ctx context.Context, partitionID string, pos StartingPosition, prefetchCount int32, epoch int64) (Receiver, error) {
	partNum, err := strconv.Atoi(partitionID)
	if err != nil {
		return nil, fmt.Errorf("error parsing partition id %s: %w", partitionID, err)
	}

	offset, err := kafkaOffset(pos)
	if err != nil {
		return nil, err
	}

	// Kafka has no broker-side receiver epoch, the lease CAS is the only fence.
	// The epoch is still recorded for logging parity with epoch-capable brokers.
	client, err := kgo.NewClient(
		kgo.SeedBrokers(f.seeds...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			f.topic: {int32(partNum): offset},
		}),
		kgo.FetchMaxPartitionBytes(prefetchCount*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("error in kgo.NewClient: %w", err)
	}

	logger.Debug().Str("partition", partitionID).Int64("epoch", epoch).Msg("opened kafka receiver")
	return &kafkaReceiver{
		client:      client,
		partitionID: partitionID,
		epoch:       epoch,
	}, nil
}

func kafkaOffset(pos StartingPosition) (kgo.Offset, error) {
	switch pos.Kind {
	case PositionStart:
		return kgo.NewOffset().AtStart(), nil
	case PositionEnd:
		return kgo.NewOffset().AtEnd(), nil
	case PositionOffset:
		o, err := strconv.ParseInt(pos.Offset, 10, 64)
		if err != nil {
			return kgo.Offset{}, fmt.Errorf("error parsing offset %s: %w", pos.Offset, err)
		}
		// Positions are exclusive, resume after the given offset
		return kgo.NewOffset().At(o + 1), nil
	case PositionSequence:
		return kgo.NewOffset().At(pos.Sequence + 1), nil
	case PositionTime:
		return kgo.NewOffset().AfterMilli(pos.Time.UnixMilli()), nil
	}
	return kgo.Offset{}, fmt.Errorf("unknown position kind %d", pos.Kind)
}

func (r *kafkaReceiver) Receive(ctx context.Context, max int, timeout time.Duration) ([]*EventData, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := r.client.PollRecords(pollCtx, max)
	if fetches.IsClientClosed() {
		return nil, ErrReceiverClosed
	}

	events := []*EventData{}
	var fetchErr error
	fetches.EachError(func(_ string, _ int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		fetchErr = err
	})
	if fetchErr != nil {
		return nil, fmt.Errorf("error fetching records for partition %s: %w", r.partitionID, fetchErr)
	}

	fetches.EachRecord(func(rec *kgo.Record) {
		events = append(events, &EventData{
			Offset:         strconv.FormatInt(rec.Offset, 10),
			SequenceNumber: rec.Offset,
			EnqueuedTime:   rec.Timestamp,
			PartitionKey:   string(rec.Key),
			Data:           rec.Value,
		})
	})
	return events, nil
}

func (r *kafkaReceiver) Close() error {
	r.client.Close()
	return nil
}
