package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func newS3Client(ctx context.Context, region string) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// snapshotter writes a consistent copy of the store to a file.
type snapshotter interface {
	Backup(ctx context.Context, path string) error
}

// BackupCreated is published after each successful upload.
type BackupCreated struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Backuper uploads store snapshots to S3. The snapshot holds only
// encrypted columns, so it is uploaded as is.
type Backuper struct {
	cfg      BackupConfig
	store    snapshotter
	s3       s3API
	notify   messenger // optional
	subjects subjects
	now      func() time.Time
}

func (b *Backuper) objectKey(t time.Time) string {
	return b.cfg.KeyPrefix + t.UTC().Format("20060102T150405Z") + ".db"
}

// BackupOnce snapshots the store and uploads it
func (b *Backuper) BackupOnce(ctx context.Context) (*BackupCreated, error) {
	dir, err := os.MkdirTemp("", "bunker-backup-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "store.db")
	if err := b.store.Backup(ctx, path); err != nil {
		return nil, fmt.Errorf("snapshot failed: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	created := &BackupCreated{
		Bucket:    b.cfg.Bucket,
		Key:       b.objectKey(b.now()),
		Size:      info.Size(),
		CreatedAt: b.now().UTC(),
	}
	_, err = b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(created.Bucket),
		Key:           aws.String(created.Key),
		Body:          f,
		ContentLength: aws.Int64(created.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("S3 PutObject failed: %w", err)
	}

	log.Info().
		Str("bucket", created.Bucket).
		Str("key", created.Key).
		Int64("size", created.Size).
		Msg("Store backup uploaded")

	if b.notify != nil {
		data, _ := json.Marshal(created)
		if err := b.notify.Publish(b.subjects.backupCreated(), data); err != nil {
			log.Warn().Err(err).Msg("Failed to publish backup notification")
		}
	}
	return created, nil
}

// Run backs up on every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (b *Backuper) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.BackupOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Store backup failed")
			}
		}
	}
}
