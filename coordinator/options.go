package coordinator

import "time"

type (
	// Options are the fleet-coordination timings. RenewInterval should be at most
	// a third of LeaseDuration so a healthy owner never drifts near expiry.
	Options struct {
		LeaseDuration        time.Duration
		RenewInterval        time.Duration
		ScanInterval         time.Duration
		StartupScanDelay     time.Duration
		ShutdownDrainTimeout time.Duration
	}
)

func DefaultOptions() Options {
	return Options{
		LeaseDuration:        time.Second * 30,
		RenewInterval:        time.Second * 10,
		ScanInterval:         time.Second * 10,
		StartupScanDelay:     time.Second * 30,
		ShutdownDrainTimeout: time.Minute * 10,
	}
}
