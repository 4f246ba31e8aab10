package leases

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	_ "github.com/mattn/go-sqlite3"
	uuid "github.com/satori/go.uuid"

	"github.com/danthegoodman1/EventHerd/gologger"
)

var (
	logger = gologger.NewLogger()

	//go:embed create_leases.sql
	createLeasesStmt string

	//go:embed create_checkpoints.sql
	createCheckpointsStmt string
)

type (
	// SQLiteStore is a Leaser+Checkpointer backed by a single SQLite file, one per
	// (event hub, consumer group). CAS runs as conditional UPDATEs checked with
	// RowsAffected, the same shape as conditional-write ETags on blob stores.
	SQLiteStore struct {
		db   *sql.DB
		path string
	}
)

func NewSQLiteStore(dir, eventHubPath, consumerGroup string) (*SQLiteStore, error) {
	_ = os.MkdirAll(dir, 0777)
	dbPath := path.Join(dir, fmt.Sprintf("%s-%s.db", eventHubPath, consumerGroup))

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("error in sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	logger.Debug().Msgf("opened lease store at %s", dbPath)
	return &SQLiteStore{db: db, path: dbPath}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureStore(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createLeasesStmt); err != nil {
		return Transient(fmt.Errorf("error creating leases table: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, createCheckpointsStmt); err != nil {
		return Transient(fmt.Errorf("error creating checkpoints table: %w", err))
	}
	return nil
}

func (s *SQLiteStore) EnsureLease(ctx context.Context, partitionID string) (Lease, error) {
	_, err := s.db.ExecContext(ctx, `insert or ignore into leases (partition_id) values (?)`, partitionID)
	if err != nil {
		return Lease{}, Transient(fmt.Errorf("error inserting lease row: %w", err))
	}
	return s.getLease(ctx, partitionID)
}

func (s *SQLiteStore) getLease(ctx context.Context, partitionID string) (Lease, error) {
	row := s.db.QueryRowContext(ctx, `select partition_id, owner, token, epoch, expires_at_ms from leases where partition_id = ?`, partitionID)
	return scanLease(row)
}

func scanLease(row *sql.Row) (Lease, error) {
	var lease Lease
	var expiresAtMs int64
	err := row.Scan(&lease.PartitionID, &lease.Owner, &lease.Token, &lease.Epoch, &expiresAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrLeaseNotFound
	}
	if err != nil {
		return Lease{}, Transient(fmt.Errorf("error scanning lease row: %w", err))
	}
	lease.ExpiresAt = time.UnixMilli(expiresAtMs)
	return lease, nil
}

func (s *SQLiteStore) GetLeases(ctx context.Context) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx, `select partition_id, owner, token, epoch, expires_at_ms from leases`)
	if err != nil {
		return nil, Transient(fmt.Errorf("error querying leases: %w", err))
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		var lease Lease
		var expiresAtMs int64
		if err := rows.Scan(&lease.PartitionID, &lease.Owner, &lease.Token, &lease.Epoch, &expiresAtMs); err != nil {
			return nil, Transient(fmt.Errorf("error scanning lease row: %w", err))
		}
		lease.ExpiresAt = time.UnixMilli(expiresAtMs)
		out = append(out, lease)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Acquire(ctx context.Context, lease Lease, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	newToken := uuid.NewV4().String()
	res, err := s.db.ExecContext(ctx, `
		update leases set owner = ?, token = ?, epoch = epoch + 1, expires_at_ms = ?
		where partition_id = ? and (owner = '' or expires_at_ms < ? or token = ?)`,
		lease.Owner, newToken, now.Add(ttl).UnixMilli(),
		lease.PartitionID, now.UnixMilli(), lease.Token,
	)
	if err != nil {
		return Lease{}, false, Transient(fmt.Errorf("error in acquire update: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Lease{}, false, Transient(fmt.Errorf("error in RowsAffected: %w", err))
	}
	if affected == 0 {
		return Lease{}, false, nil
	}
	acquired, err := s.getLease(ctx, lease.PartitionID)
	if err != nil {
		return Lease{}, false, err
	}
	return acquired, true, nil
}

func (s *SQLiteStore) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update leases set expires_at_ms = ? where partition_id = ? and token = ? and token != ''`,
		time.Now().Add(ttl).UnixMilli(), lease.PartitionID, lease.Token,
	)
	if err != nil {
		return Lease{}, false, Transient(fmt.Errorf("error in renew update: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Lease{}, false, Transient(fmt.Errorf("error in RowsAffected: %w", err))
	}
	if affected == 0 {
		return Lease{}, false, nil
	}
	renewed, err := s.getLease(ctx, lease.PartitionID)
	if err != nil {
		return Lease{}, false, err
	}
	return renewed, true, nil
}

func (s *SQLiteStore) Release(ctx context.Context, lease Lease) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update leases set owner = '', token = '', expires_at_ms = 0 where partition_id = ? and token = ? and token != ''`,
		lease.PartitionID, lease.Token,
	)
	if err != nil {
		return false, Transient(fmt.Errorf("error in release update: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, Transient(fmt.Errorf("error in RowsAffected: %w", err))
	}
	return affected > 0, nil
}

func (s *SQLiteStore) UpdateLease(ctx context.Context, lease Lease) (Lease, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update leases set owner = ? where partition_id = ? and token = ? and token != ''`,
		lease.Owner, lease.PartitionID, lease.Token,
	)
	if err != nil {
		return Lease{}, false, Transient(fmt.Errorf("error in lease update: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Lease{}, false, Transient(fmt.Errorf("error in RowsAffected: %w", err))
	}
	if affected == 0 {
		return Lease{}, false, nil
	}
	updated, err := s.getLease(ctx, lease.PartitionID)
	if err != nil {
		return Lease{}, false, err
	}
	return updated, true, nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `select partition_id, event_offset, sequence_number from checkpoints where partition_id = ?`, partitionID)
	var cp Checkpoint
	err := row.Scan(&cp.PartitionID, &cp.Offset, &cp.SequenceNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("error scanning checkpoint row: %w", err))
	}
	return &cp, nil
}

func (s *SQLiteStore) UpdateCheckpoint(ctx context.Context, lease Lease, checkpoint Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transient(fmt.Errorf("error in BeginTx: %w", err))
	}
	defer tx.Rollback()

	var token string
	var expiresAtMs int64
	err = tx.QueryRowContext(ctx, `select token, expires_at_ms from leases where partition_id = ?`, lease.PartitionID).Scan(&token, &expiresAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrFenced
	}
	if err != nil {
		return Transient(fmt.Errorf("error checking lease token: %w", err))
	}
	if token == "" || token != lease.Token || time.Now().UnixMilli() > expiresAtMs {
		return ErrFenced
	}

	_, err = tx.ExecContext(ctx, `
		insert into checkpoints (partition_id, event_offset, sequence_number) values (?, ?, ?)
		on conflict (partition_id) do update set event_offset = excluded.event_offset, sequence_number = excluded.sequence_number`,
		checkpoint.PartitionID, checkpoint.Offset, checkpoint.SequenceNumber,
	)
	if err != nil {
		return Transient(fmt.Errorf("error writing checkpoint: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return Transient(fmt.Errorf("error committing checkpoint: %w", err))
	}
	return nil
}
