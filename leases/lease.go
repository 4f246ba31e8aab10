package leases

import (
	"context"
	"time"
)

type (
	// Lease is a time-bounded, fenced claim by one host on one partition. Token is
	// the store-assigned fencing handle, reissued on every successful acquire;
	// renew, release, update, and checkpoint writes are all gated on it.
	Lease struct {
		PartitionID string    `json:"partitionId"`
		Owner       string    `json:"owner"`
		Token       string    `json:"token"`
		Epoch       int64     `json:"epoch"`
		ExpiresAt   time.Time `json:"expiresAt"`
	}

	// Leaser persists and coordinates partition leases. Implementations must
	// provide compare-and-set on Token: a stale token makes Acquire/Renew/Release/
	// UpdateLease return ok=false rather than clobbering the current owner.
	Leaser interface {
		EnsureStore(ctx context.Context) error
		// EnsureLease creates an unowned lease record for the partition if none
		// exists, returning the current record either way.
		EnsureLease(ctx context.Context, partitionID string) (Lease, error)
		GetLeases(ctx context.Context) ([]Lease, error)
		// Acquire claims the lease, bumping the epoch and issuing a new token.
		// ok=false when another owner holds a non-expired lease.
		Acquire(ctx context.Context, lease Lease, ttl time.Duration) (Lease, bool, error)
		// Renew extends ExpiresAt. ok=false when the token no longer matches,
		// meaning the lease was stolen or re-acquired.
		Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, bool, error)
		// Release clears the owner and invalidates the token. ok=false on token
		// mismatch.
		Release(ctx context.Context, lease Lease) (bool, error)
		// UpdateLease writes lease metadata without bumping the epoch, gated on
		// the token.
		UpdateLease(ctx context.Context, lease Lease) (Lease, bool, error)
	}

	// Checkpointer persists per-partition progress. UpdateCheckpoint is fenced by
	// the lease token and must fail with ErrFenced when it does not match.
	Checkpointer interface {
		GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error)
		UpdateCheckpoint(ctx context.Context, lease Lease, checkpoint Checkpoint) error
	}
)

func (l Lease) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

func (l Lease) IsNotOwnedOrExpired(now time.Time) bool {
	return l.Owner == "" || l.IsExpired(now)
}
