package leases

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type (
	// Backupper periodically snapshots the lease store to S3 so operators can
	// inspect or restore coordination state after losing the store. Snapshots are
	// advisory, they play no part in coordination.
	Backupper struct {
		leaser       Leaser
		checkpointer Checkpointer
		bucket       string
		prefix       string
		s3Session    *session.Session
		backupTicker *time.Ticker
		closeChan    chan struct{}
		partitionIDs func() []string
	}

	storeSnapshot struct {
		TakenAt     time.Time    `json:"takenAt"`
		Leases      []Lease      `json:"leases"`
		Checkpoints []Checkpoint `json:"checkpoints"`
	}
)

func NewBackupper(leaser Leaser, checkpointer Checkpointer, bucket, prefix string, interval time.Duration, partitionIDs func() []string) (*Backupper, error) {
	s3Session, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("error in session.NewSession: %w", err)
	}
	b := &Backupper{
		leaser:       leaser,
		checkpointer: checkpointer,
		bucket:       bucket,
		prefix:       prefix,
		s3Session:    s3Session,
		backupTicker: time.NewTicker(interval),
		closeChan:    make(chan struct{}, 1),
		partitionIDs: partitionIDs,
	}
	go b.backupInterval()
	return b, nil
}

func (b *Backupper) backupInterval() {
	logger.Debug().Msg("starting lease store backup interval")
	for {
		select {
		case <-b.backupTicker.C:
			s := time.Now()
			err := b.runBackup()
			if err != nil {
				logger.Error().Err(err).Msg("error running lease store backup")
				continue
			}
			logger.Debug().Msgf("lease store backup completed in %s", time.Since(s))
		case <-b.closeChan:
			logger.Debug().Msg("backup ticker received on close channel, exiting")
			return
		}
	}
}

func (b *Backupper) runBackup() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	allLeases, err := b.leaser.GetLeases(ctx)
	if err != nil {
		return fmt.Errorf("error in GetLeases: %w", err)
	}

	snapshot := storeSnapshot{
		TakenAt: time.Now(),
		Leases:  allLeases,
	}
	for _, id := range b.partitionIDs() {
		cp, err := b.checkpointer.GetCheckpoint(ctx, id)
		if err != nil {
			return fmt.Errorf("error in GetCheckpoint for partition %s: %w", id, err)
		}
		if cp != nil {
			snapshot.Checkpoints = append(snapshot.Checkpoints, *cp)
		}
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("error marshalling snapshot: %w", err)
	}

	uploader := s3manager.NewUploader(b.s3Session)
	key := fmt.Sprintf("%s/%d.json", b.prefix, snapshot.TakenAt.UnixMilli())
	_, err = uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: &b.bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("error uploading snapshot: %w", err)
	}
	return nil
}

func (b *Backupper) Shutdown() {
	b.backupTicker.Stop()
	b.closeChan <- struct{}{}
}
