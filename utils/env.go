package utils

import "os"

var (
	Env_HostName      = os.Getenv("HOST_NAME")
	Env_EventHubPath  = os.Getenv("EVENT_HUB_PATH")
	Env_ConsumerGroup = EnvOrDefault("CONSUMER_GROUP", "$Default")

	Env_KafkaSeeds = EnvOrDefault("KAFKA_SEEDS", "localhost:9092")
	Env_DBPath     = EnvOrDefault("DB_PATH", "/var/eventherd")

	Env_LeaseDurationSec    = MustEnvOrDefaultInt64("LEASE_DURATION_SEC", 30)
	Env_RenewIntervalSec    = MustEnvOrDefaultInt64("RENEW_INTERVAL_SEC", 10)
	Env_ScanIntervalSec     = MustEnvOrDefaultInt64("SCAN_INTERVAL_SEC", 10)
	Env_StartupScanDelaySec = MustEnvOrDefaultInt64("STARTUP_SCAN_DELAY_SEC", 30)
	Env_MaxBatchSize        = MustEnvOrDefaultInt64("MAX_BATCH_SIZE", 10)
	Env_ReceiveTimeoutSec   = MustEnvOrDefaultInt64("RECEIVE_TIMEOUT_SEC", 60)
	Env_PrefetchCount       = MustEnvOrDefaultInt64("PREFETCH_COUNT", 300)

	Env_APIPort      = EnvOrDefault("API_PORT", "8190")
	Env_InternalPort = EnvOrDefault("INTERNAL_PORT", "8191")

	Env_AdvertiseAddr     = os.Getenv("ADVERTISE_ADDR")
	Env_GossipPort        = MustEnvOrDefaultInt64("GOSSIP_PORT", 7946)
	Env_GossipPeers       = os.Getenv("GOSSIP_PEERS")
	Env_GossipBroadcastMS = MustEnvOrDefaultInt64("GOSSIP_BROADCAST_MS", 5000)
	Env_GossipDebug       = os.Getenv("GOSSIP_DEBUG") == "1"

	Env_BackupS3Bucket     = os.Getenv("BACKUP_S3_BUCKET")
	Env_BackupIntervalSec  = MustEnvOrDefaultInt64("BACKUP_INTERVAL_SEC", 300)
	Env_ShutdownTimeoutSec = MustEnvOrDefaultInt64("SHUTDOWN_TIMEOUT_SEC", 600)
)
