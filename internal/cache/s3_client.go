package cache

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/any-hub/offline-hub/internal/config"
)

// NewS3Client 按配置构造 S3 客户端。显式 AccessKey 优先，否则走默认凭证链；
// 自定义 Endpoint（MinIO 等）时使用 path-style 寻址。
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewBackend 根据配置选择磁盘或 S3 后端。
func NewBackend(ctx context.Context, cfg *config.Config, diskPath string) (Backend, error) {
	if !cfg.S3.Enabled {
		return NewDiskBackend(diskPath)
	}
	client, err := NewS3Client(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}
	return NewS3Backend(cfg.S3.Bucket, cfg.S3.Prefix, client)
}
