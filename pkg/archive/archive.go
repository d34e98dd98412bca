// Package archive writes terminal sync results to S3-compatible object
// storage for long-term retention.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

// Archiver persists terminal sync records.
type Archiver interface {
	Archive(ctx context.Context, rec *store.SyncRecord) error
}

// Compile-time interface checks.
var (
	_ Archiver = (*s3Archiver)(nil)
	_ Archiver = (*noopArchiver)(nil)
)

// s3Archiver implements Archiver for S3-compatible storage.
type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.ArchiveConfig
	client *s3.Client
}

// New creates an Archiver from the given configuration. A nil or
// disabled configuration yields a no-op archiver.
func New(log logrus.FieldLogger, cfg *config.ArchiveConfig) Archiver {
	if cfg == nil || !cfg.Enabled {
		return &noopArchiver{}
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	client := s3.New(s3.Options{}, opts...)

	return &s3Archiver{
		log:    log.WithField("component", "archive"),
		cfg:    cfg,
		client: client,
	}
}

// Archive writes the record as a JSON object keyed by instance, start
// time, and sync type.
func (a *s3Archiver) Archive(ctx context.Context, rec *store.SyncRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding sync record: %w", err)
	}

	key := a.objectKey(rec)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}

	a.log.WithField("key", key).Debug("Sync record archived")

	return nil
}

func (a *s3Archiver) objectKey(rec *store.SyncRecord) string {
	name := fmt.Sprintf("%d/%s-%s.json",
		rec.InstanceID,
		rec.StartedAt.UTC().Format(time.RFC3339),
		rec.SyncType)

	if prefix := strings.Trim(a.cfg.Prefix, "/"); prefix != "" {
		return prefix + "/" + name
	}

	return name
}

// noopArchiver drops records when archiving is disabled.
type noopArchiver struct{}

func (*noopArchiver) Archive(context.Context, *store.SyncRecord) error {
	return nil
}
