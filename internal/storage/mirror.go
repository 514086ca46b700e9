// Package storage mirrors run artifacts into object storage. The mirror is
// an accelerator for artifact distribution: the local run directory stays the
// source of truth, and mirror failures never fail a run.
package storage

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/observability/metrics"
	"github.com/halotrain/halotrain/pkg/config"
	"github.com/halotrain/halotrain/pkg/errors"
)

// ============================================================================
// Mirror Contract
// ============================================================================

// Mirror uploads run artifacts to a remote store
type Mirror interface {
	// MirrorFile uploads one local file under the given object name
	MirrorFile(ctx context.Context, localPath, objectName string) error

	// MirrorDirectory uploads every file below localDir under prefix,
	// preserving relative paths
	MirrorDirectory(ctx context.Context, localDir, prefix string) error

	// Enabled reports whether uploads actually leave the process
	Enabled() bool
}

// New creates the artifact mirror for the given configuration. A disabled
// mirror accepts every call and uploads nothing.
func New(ctx context.Context, cfg config.MirrorConfig, logger logging.Logger, collector *metrics.MetricsCollector) (Mirror, error) {
	if !cfg.Enabled {
		return noopMirror{}, nil
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.ConfigError("storage mirror requires an endpoint and a bucket")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.ConfigErrorf("cannot create object storage client: %v", err)
	}

	m := &minioMirror{
		client:    client,
		bucket:    cfg.Bucket,
		logger:    logger,
		collector: collector,
	}
	if collector != nil {
		collector.RegisterCounter("mirror_uploads_total", "Artifacts uploaded to the mirror", nil)
		collector.RegisterCounter("mirror_failures_total", "Artifact mirror upload failures", nil)
	}

	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// ============================================================================
// MinIO Mirror
// ============================================================================

type minioMirror struct {
	client    *minio.Client
	bucket    string
	logger    logging.Logger
	collector *metrics.MetricsCollector
}

func (m *minioMirror) Enabled() bool { return true }

// ensureBucket creates the target bucket when it does not exist yet
func (m *minioMirror) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return errors.InfrastructureError("minio", err).WithDetails("bucket", m.bucket)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.InfrastructureError("minio", err).WithDetails("bucket", m.bucket)
	}
	m.logger.Info("mirror bucket created", logging.String("bucket", m.bucket))
	return nil
}

// MirrorFile uploads one artifact
func (m *minioMirror) MirrorFile(ctx context.Context, localPath, objectName string) error {
	info, err := m.client.FPutObject(ctx, m.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(localPath),
	})
	if err != nil {
		m.record(false)
		return errors.InfrastructureError("minio", err).WithDetails("object", objectName)
	}

	m.record(true)
	m.logger.Debug("artifact mirrored",
		logging.String("object", objectName),
		logging.Int("bytes", int(info.Size)),
	)
	return nil
}

// MirrorDirectory uploads a whole artifact directory, such as a checkpoint
func (m *minioMirror) MirrorDirectory(ctx context.Context, localDir, prefix string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		return m.MirrorFile(ctx, p, path.Join(prefix, filepath.ToSlash(rel)))
	})
}

func (m *minioMirror) record(ok bool) {
	if m.collector == nil {
		return
	}
	if ok {
		m.collector.IncrementCounter("mirror_uploads_total", nil)
	} else {
		m.collector.IncrementCounter("mirror_failures_total", nil)
	}
}

func contentTypeFor(p string) string {
	if strings.HasSuffix(p, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

// ============================================================================
// Disabled Mirror
// ============================================================================

type noopMirror struct{}

func (noopMirror) Enabled() bool { return false }

func (noopMirror) MirrorFile(context.Context, string, string) error { return nil }

func (noopMirror) MirrorDirectory(context.Context, string, string) error { return nil }

//Personal.AI order the ending
