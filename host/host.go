package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danthegoodman1/EventHerd/broker"
	"github.com/danthegoodman1/EventHerd/coordinator"
	"github.com/danthegoodman1/EventHerd/gologger"
	"github.com/danthegoodman1/EventHerd/leases"
	"github.com/danthegoodman1/EventHerd/pump"
)

var (
	logger = gologger.NewLogger()

	ErrAlreadyRegistered = errors.New("register has already been called on this host")
	ErrHostUnregistered  = errors.New("host has been unregistered, create a new host instance")
)

type (
	// Host ties one process's identity to an event hub / consumer group pair and
	// runs the partition manager for it. Host names must be unique within the
	// consumer group; that is a precondition, not something the host enforces.
	Host struct {
		hostName      string
		eventHubPath  string
		consumerGroup string

		leaser          leases.Leaser
		checkpointer    leases.Checkpointer
		receiverFactory broker.ReceiverFactory

		mu           sync.Mutex
		registered   bool
		unregistered bool
		pm           *coordinator.PartitionManager
	}

	// Options aggregates coordination timings and pump behavior.
	Options struct {
		Coordinator coordinator.Options
		Pump        pump.Options
	}
)

func DefaultOptions() Options {
	return Options{
		Coordinator: coordinator.DefaultOptions(),
		Pump:        pump.DefaultOptions(),
	}
}

func New(hostName, eventHubPath, consumerGroup string, leaser leases.Leaser, checkpointer leases.Checkpointer, receiverFactory broker.ReceiverFactory) (*Host, error) {
	if hostName == "" {
		return nil, errors.New("hostName must not be empty")
	}
	if eventHubPath == "" {
		return nil, errors.New("eventHubPath must not be empty")
	}
	if consumerGroup == "" {
		return nil, errors.New("consumerGroup must not be empty")
	}
	if leaser == nil || checkpointer == nil {
		return nil, errors.New("must provide a Leaser and a Checkpointer")
	}
	if receiverFactory == nil {
		return nil, errors.New("must provide a ReceiverFactory")
	}
	return &Host{
		hostName:        hostName,
		eventHubPath:    eventHubPath,
		consumerGroup:   consumerGroup,
		leaser:          leaser,
		checkpointer:    checkpointer,
		receiverFactory: receiverFactory,
	}, nil
}

func (h *Host) HostName() string {
	return h.hostName
}

func (h *Host) EventHubPath() string {
	return h.eventHubPath
}

func (h *Host) ConsumerGroup() string {
	return h.consumerGroup
}

// PartitionManager exposes the running partition manager for the ops surface.
// Nil until Register succeeds.
func (h *Host) PartitionManager() *coordinator.PartitionManager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pm
}

// Register starts processing with the given processor factory. It may be called
// at most once per host instance, and never after Unregister. The returned
// channel closes once the first lease scan has completed, or once the
// StartupScanDelay has elapsed if that scan takes longer.
func (h *Host) Register(ctx context.Context, factory pump.EventProcessorFactory, opts Options) (<-chan struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unregistered {
		return nil, ErrHostUnregistered
	}
	if h.registered {
		return nil, ErrAlreadyRegistered
	}
	if factory == nil {
		return nil, errors.New("must provide an EventProcessorFactory")
	}

	logger.Info().Str("host", h.hostName).Str("eventHub", h.eventHubPath).Str("consumerGroup", h.consumerGroup).Msg("registering host")
	pm := coordinator.NewPartitionManager(h.hostName, h.eventHubPath, h.consumerGroup, h.leaser, h.checkpointer, h.receiverFactory, factory, opts.Coordinator, opts.Pump)
	if err := pm.Start(ctx); err != nil {
		return nil, fmt.Errorf("error starting partition manager: %w", err)
	}
	h.pm = pm
	h.registered = true
	return pm.Ready(), nil
}

// Unregister stops the control loop and drains every pump with the Shutdown
// reason. Idempotent; returns once all pumps reached a terminal state or the
// drain timeout expired.
func (h *Host) Unregister(ctx context.Context) error {
	h.mu.Lock()
	if h.unregistered {
		h.mu.Unlock()
		return nil
	}
	h.unregistered = true
	pm := h.pm
	h.mu.Unlock()

	if pm == nil {
		return nil
	}
	logger.Info().Str("host", h.hostName).Msg("unregistering host")
	return pm.Shutdown(ctx)
}
