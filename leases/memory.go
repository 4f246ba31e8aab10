package leases

import (
	"context"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

type (
	// MemoryStore is an in-process Leaser+Checkpointer with the same CAS semantics
	// as the durable backends. Used by tests and single-process deployments.
	MemoryStore struct {
		mu          sync.Mutex
		leases      map[string]Lease
		checkpoints map[string]Checkpoint

		hookMu    sync.Mutex
		faultHook func(op, partitionID string) error
	}
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases:      map[string]Lease{},
		checkpoints: map[string]Checkpoint{},
	}
}

// SetFaultHook installs a hook run before every operation with its name and
// the partition ID; a non-nil return is surfaced as the operation's error.
// Pass nil to clear. Used by tests for fault injection.
func (s *MemoryStore) SetFaultHook(hook func(op, partitionID string) error) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.faultHook = hook
}

func (s *MemoryStore) fault(op, partitionID string) error {
	s.hookMu.Lock()
	hook := s.faultHook
	s.hookMu.Unlock()
	if hook != nil {
		return hook(op, partitionID)
	}
	return nil
}

func (s *MemoryStore) EnsureStore(ctx context.Context) error {
	return s.fault("ensureStore", "")
}

func (s *MemoryStore) EnsureLease(ctx context.Context, partitionID string) (Lease, error) {
	if err := s.fault("ensureLease", partitionID); err != nil {
		return Lease{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, exists := s.leases[partitionID]; exists {
		return existing, nil
	}
	lease := Lease{PartitionID: partitionID}
	s.leases[partitionID] = lease
	return lease, nil
}

func (s *MemoryStore) GetLeases(ctx context.Context) ([]Lease, error) {
	if err := s.fault("getLeases", ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	return out, nil
}

func (s *MemoryStore) Acquire(ctx context.Context, lease Lease, ttl time.Duration) (Lease, bool, error) {
	if err := s.fault("acquire", lease.PartitionID); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.leases[lease.PartitionID]
	if !exists {
		return Lease{}, false, ErrLeaseNotFound
	}
	now := time.Now()
	// A steal presents the victim's token; a fresh acquire of an unowned or
	// expired lease does not need one. Either way the CAS below decides.
	if current.Owner != "" && current.Owner != lease.Owner && !current.IsExpired(now) && current.Token != lease.Token {
		return Lease{}, false, nil
	}
	acquired := Lease{
		PartitionID: lease.PartitionID,
		Owner:       lease.Owner,
		Token:       uuid.NewV4().String(),
		Epoch:       current.Epoch + 1,
		ExpiresAt:   now.Add(ttl),
	}
	s.leases[lease.PartitionID] = acquired
	return acquired, true, nil
}

func (s *MemoryStore) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, bool, error) {
	if err := s.fault("renew", lease.PartitionID); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.leases[lease.PartitionID]
	if !exists {
		return Lease{}, false, ErrLeaseNotFound
	}
	if current.Token != lease.Token {
		return Lease{}, false, nil
	}
	current.ExpiresAt = time.Now().Add(ttl)
	s.leases[lease.PartitionID] = current
	return current, true, nil
}

func (s *MemoryStore) Release(ctx context.Context, lease Lease) (bool, error) {
	if err := s.fault("release", lease.PartitionID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.leases[lease.PartitionID]
	if !exists {
		return false, ErrLeaseNotFound
	}
	if current.Token != lease.Token {
		return false, nil
	}
	current.Owner = ""
	current.Token = ""
	current.ExpiresAt = time.Time{}
	s.leases[lease.PartitionID] = current
	return true, nil
}

func (s *MemoryStore) UpdateLease(ctx context.Context, lease Lease) (Lease, bool, error) {
	if err := s.fault("updateLease", lease.PartitionID); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.leases[lease.PartitionID]
	if !exists {
		return Lease{}, false, ErrLeaseNotFound
	}
	if current.Token != lease.Token {
		return Lease{}, false, nil
	}
	current.Owner = lease.Owner
	s.leases[lease.PartitionID] = current
	return current, true, nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error) {
	if err := s.fault("getCheckpoint", partitionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, exists := s.checkpoints[partitionID]
	if !exists {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryStore) UpdateCheckpoint(ctx context.Context, lease Lease, checkpoint Checkpoint) error {
	if err := s.fault("updateCheckpoint", lease.PartitionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.leases[lease.PartitionID]
	if !exists || current.Token != lease.Token || current.IsExpired(time.Now()) {
		return ErrFenced
	}
	s.checkpoints[checkpoint.PartitionID] = checkpoint
	return nil
}
