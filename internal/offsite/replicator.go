// Package offsite replicates finished backup runs to an S3-compatible
// bucket. Replication runs after a successful backup and never blocks
// promotion: a failed upload degrades the run to a logged warning.
package offsite

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/config"
	"github.com/hostback/hostback/internal/execctx"
)

// uploader is the slice of manager.Uploader the replicator needs; tests
// substitute a recording fake.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Result summarizes one replication pass.
type Result struct {
	Uploaded      int
	UploadedBytes int64
	Failed        []string
}

// Replicator uploads run directories to the configured bucket.
type Replicator struct {
	cfg      config.OffsiteConfig
	exec     execctx.Executor
	uploader uploader
	logger   zerolog.Logger
}

// New builds a replicator from the offsite configuration. Custom
// endpoints (MinIO, Wasabi) use path-style addressing.
func New(ctx context.Context, cfg config.OffsiteConfig, exec execctx.Executor, logger zerolog.Logger) (*Replicator, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("offsite: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
			if !strings.Contains(endpoint, "://") {
				endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Replicator{
		cfg:      cfg,
		exec:     exec,
		uploader: manager.NewUploader(client),
		logger:   logger.With().Str("component", "offsite").Logger(),
	}, nil
}

// ReplicateRun uploads every file of one run directory. runDir must point
// at a run directory on the execution target; the tier and run name are
// taken from its path, giving keys of the form
// <prefix>/<tier>/<run-dir-name>/<relative-path>.
func (r *Replicator) ReplicateRun(ctx context.Context, runDir string) (*Result, error) {
	runDir = strings.TrimSuffix(runDir, "/")
	runName := path.Base(runDir)
	tier := path.Base(path.Dir(runDir))

	keyBase := path.Join(tier, runName)
	if r.cfg.Prefix != "" {
		keyBase = path.Join(r.cfg.Prefix, keyBase)
	}

	result := &Result{}
	if err := r.uploadDir(ctx, runDir, keyBase, result); err != nil {
		return result, err
	}

	event := r.logger.Info()
	if len(result.Failed) > 0 {
		event = r.logger.Warn()
	}
	event.
		Str("run", runName).
		Str("bucket", r.cfg.Bucket).
		Int("uploaded", result.Uploaded).
		Int("failed", len(result.Failed)).
		Str("size", humanize.IBytes(uint64(result.UploadedBytes))).
		Msg("Offsite replication finished")

	if len(result.Failed) > 0 {
		return result, fmt.Errorf("offsite: %d of %d uploads failed", len(result.Failed), result.Uploaded+len(result.Failed))
	}
	return result, nil
}

// uploadDir walks dir through the executor so local and remote roots
// replicate the same way. Individual upload failures are recorded and do
// not stop the walk.
func (r *Replicator) uploadDir(ctx context.Context, dir, keyBase string, result *Result) error {
	entries, err := r.exec.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("offsite: read %s: %w", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		full := path.Join(dir, entry.Name())
		key := path.Join(keyBase, entry.Name())
		if entry.IsDir() {
			if err := r.uploadDir(ctx, full, key, result); err != nil {
				return err
			}
			continue
		}

		data, err := r.exec.ReadFile(full)
		if err != nil {
			r.logger.Error().Err(err).Str("file", full).Msg("Read for upload failed")
			result.Failed = append(result.Failed, key)
			continue
		}

		_, err = r.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(r.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("Upload failed")
			result.Failed = append(result.Failed, key)
			continue
		}

		result.Uploaded++
		result.UploadedBytes += int64(len(data))
		r.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("object uploaded")
	}
	return nil
}
