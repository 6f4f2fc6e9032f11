package inkstone

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3BackupConfig configures the S3 backup target.
type S3BackupConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Endpoint overrides the AWS endpoint for S3-compatible services
	// (MinIO and friends).
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// AccessKeyID and SecretAccessKey authenticate explicitly. Prefer
	// IAM roles or the AWS_* environment variables; never commit these.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// S3BackupTarget stores backup blobs in an S3 bucket. Transient S3
// failures are retried with the same backoff policy as sync traffic.
type S3BackupTarget struct {
	client  *s3.Client
	bucket  string
	retryer *Retryer
}

// NewS3BackupTarget builds a target from config. Credentials fall back
// to the ambient AWS credential chain when not set explicitly.
func NewS3BackupTarget(cfg S3BackupConfig) (*S3BackupTarget, error) {
	if cfg.Bucket == "" {
		return nil, newValidationError("backup.s3.bucket", "is required", nil)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3BackupTarget{
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:  cfg.Bucket,
		retryer: NewRetryer(DefaultRetryConfig()),
	}, nil
}

func (t *S3BackupTarget) Write(ctx context.Context, name string, data []byte) error {
	return t.retryer.Do(ctx, func() error {
		_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(name),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return &TransportError{Op: "s3 put", Retryable: true, Cause: err}
		}
		return nil
	})
}

func (t *S3BackupTarget) Read(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := t.retryer.Do(ctx, func() error {
		resp, err := t.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(name),
		})
		if err != nil {
			return &TransportError{Op: "s3 get", Retryable: true, Cause: err}
		}
		defer func() { _ = resp.Body.Close() }()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return &TransportError{Op: "s3 read", Retryable: true, Cause: err}
		}
		return nil
	})
	return data, err
}

func (t *S3BackupTarget) List(ctx context.Context) ([]string, error) {
	var names []string
	err := t.retryer.Do(ctx, func() error {
		names = names[:0]
		paginator := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(t.bucket),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return &TransportError{Op: "s3 list", Retryable: true, Cause: err}
			}
			for _, obj := range page.Contents {
				names = append(names, aws.ToString(obj.Key))
			}
		}
		return nil
	})
	return names, err
}

func (t *S3BackupTarget) Delete(ctx context.Context, name string) error {
	return t.retryer.Do(ctx, func() error {
		_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(name),
		})
		if err != nil {
			return &TransportError{Op: "s3 delete", Retryable: true, Cause: err}
		}
		return nil
	})
}

var _ BackupTarget = (*S3BackupTarget)(nil)
var _ BackupTarget = (*StorageBackupTarget)(nil)
