package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danthegoodman1/EventHerd/api"
	"github.com/danthegoodman1/EventHerd/broker"
	"github.com/danthegoodman1/EventHerd/coordinator"
	"github.com/danthegoodman1/EventHerd/gologger"
	"github.com/danthegoodman1/EventHerd/gossip"
	"github.com/danthegoodman1/EventHerd/host"
	"github.com/danthegoodman1/EventHerd/internal"
	"github.com/danthegoodman1/EventHerd/leases"
	"github.com/danthegoodman1/EventHerd/pump"
	"github.com/danthegoodman1/EventHerd/utils"
)

var (
	logger = gologger.NewLogger()
)

func main() {
	logger.Info().Msg("starting EventHerd")

	hostName := utils.Env_HostName
	if hostName == "" {
		hostName = utils.CreateHostName("eventherd")
	}
	eventHubPath := utils.MustEnv("EVENT_HUB_PATH")

	store, err := leases.NewSQLiteStore(utils.Env_DBPath, eventHubPath, utils.Env_ConsumerGroup)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening lease store, exiting")
	}

	receiverFactory := broker.NewKafkaReceiverFactory(strings.Split(utils.Env_KafkaSeeds, ","), eventHubPath)

	h, err := host.New(hostName, eventHubPath, utils.Env_ConsumerGroup, store, store, receiverFactory)
	if err != nil {
		logger.Fatal().Err(err).Msg("error creating host, exiting")
	}

	opts := host.Options{
		Coordinator: coordinator.Options{
			LeaseDuration:        time.Second * time.Duration(utils.Env_LeaseDurationSec),
			RenewInterval:        time.Second * time.Duration(utils.Env_RenewIntervalSec),
			ScanInterval:         time.Second * time.Duration(utils.Env_ScanIntervalSec),
			StartupScanDelay:     time.Second * time.Duration(utils.Env_StartupScanDelaySec),
			ShutdownDrainTimeout: time.Second * time.Duration(utils.Env_ShutdownTimeoutSec),
		},
		Pump: pump.Options{
			MaxBatchSize:    int(utils.Env_MaxBatchSize),
			ReceiveTimeout:  time.Second * time.Duration(utils.Env_ReceiveTimeoutSec),
			PrefetchCount:   int32(utils.Env_PrefetchCount),
			InitialPosition: broker.StartOfStream(),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	ready, err := h.Register(ctx, pump.FactoryFunc(func(pc *pump.PartitionContext) (pump.EventProcessor, error) {
		return &loggingProcessor{}, nil
	}), opts)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("error registering host, exiting")
	}
	<-ready
	logger.Info().Str("host", hostName).Msg("host registered and scanned")

	var gm *gossip.Manager
	if utils.Env_AdvertiseAddr != "" {
		gm, err = gossip.NewGossipManager(hostName, h.PartitionManager().OwnedPartitionIDs)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting gossip, exiting")
		}
	}

	var backupper *leases.Backupper
	if utils.Env_BackupS3Bucket != "" {
		backupper, err = leases.NewBackupper(store, store, utils.Env_BackupS3Bucket, "eventherd/"+eventHubPath, time.Second*time.Duration(utils.Env_BackupIntervalSec), h.PartitionManager().OwnedPartitionIDs)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting backupper, exiting")
		}
	}

	g := errgroup.Group{}
	g.Go(func() error {
		logger.Debug().Msg("starting internal server")
		return internal.StartServer(utils.Env_InternalPort)
	})

	var apiServer *api.HTTPServer
	g.Go(func() error {
		var err error
		apiServer, err = api.StartServer(utils.Env_APIPort, h, store, gm)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Error starting services")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info().Msg("received shutdown signal!")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*time.Duration(utils.Env_ShutdownTimeoutSec))
	defer cancel()

	if err := h.Unregister(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error unregistering host")
	}
	if gm != nil {
		if err := gm.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("error shutting down gossip")
		}
	}
	if backupper != nil {
		backupper.Shutdown()
	}

	g = errgroup.Group{}
	g.Go(func() error {
		return apiServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return internal.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("error shutting down servers")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete, exiting")
}

// loggingProcessor is the default processor: log each batch and checkpoint it.
type loggingProcessor struct{}

func (lp *loggingProcessor) Open(ctx context.Context, pc *pump.PartitionContext) error {
	logger.Info().Str("partition", pc.PartitionID).Msg("processor opened")
	return nil
}

func (lp *loggingProcessor) OnEvents(ctx context.Context, pc *pump.PartitionContext, events []*broker.EventData) error {
	for _, ev := range events {
		logger.Info().Str("partition", pc.PartitionID).Int64("seq", ev.SequenceNumber).Msgf("event: %s", ev.Data)
	}
	if len(events) == 0 {
		return nil
	}
	return pc.Checkpoint(ctx)
}

func (lp *loggingProcessor) Close(ctx context.Context, pc *pump.PartitionContext, reason pump.CloseReason) error {
	logger.Info().Str("partition", pc.PartitionID).Str("reason", string(reason)).Msg("processor closed")
	return nil
}

func (lp *loggingProcessor) OnError(pc *pump.PartitionContext, err error) {
	logger.Error().Err(err).Str("partition", pc.PartitionID).Msg("processor error")
}
