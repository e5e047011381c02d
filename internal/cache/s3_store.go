package cache

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API 是 S3 后端依赖的最小客户端接口，*s3.Client 天然满足。
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// deleteBatchSize 对应 DeleteObjects 单次请求的上限。
const deleteBatchSize = 1000

type s3Store struct {
	bucket   string
	prefix   string
	client   S3API
	uploader *manager.Uploader
}

// NewS3Backend 把代际映射为 <prefix>/<generation>/ 前缀，每个条目一个对象。
func NewS3Backend(bucket, prefix string, client S3API) (Backend, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	if client == nil {
		return nil, errors.New("s3 client required")
	}
	// 代际枚举与删除都以前缀为边界，空前缀会把桶内其它数据当作代际。
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("s3 prefix required")
	}
	return &s3Store{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *s3Store) Open(ctx context.Context, gen Generation) error {
	_, err := s.generationPrefix(gen)
	return err
}

func (s *s3Store) Generations(ctx context.Context) ([]Generation, error) {
	root := s.rootPrefix()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(root),
		Delimiter: aws.String("/"),
	})

	var result []Generation
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), root), "/")
			if name != "" {
				result = append(result, Generation(name))
			}
		}
	}
	return result, nil
}

func (s *s3Store) DeleteGeneration(ctx context.Context, gen Generation) error {
	prefix, err := s.generationPrefix(gen)
	if err != nil {
		return err
	}
	keys, err := s.listObjectKeys(ctx, prefix)
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if out != nil && len(out.Errors) > 0 {
			first := out.Errors[0]
			return errors.New("s3 delete " + aws.ToString(first.Key) + ": " + aws.ToString(first.Message))
		}
	}
	return nil
}

func (s *s3Store) Put(ctx context.Context, gen Generation, entry Entry) error {
	objectKey, err := s.objectKey(gen, entry.Key)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := encodeEntry(&buf, entry); err != nil {
		return err
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	})
	return err
}

func (s *s3Store) Get(ctx context.Context, gen Generation, key RequestKey) (*Entry, error) {
	objectKey, err := s.objectKey(gen, key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	entry, err := decodeEntry(out.Body, true)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *s3Store) List(ctx context.Context, gen Generation) ([]RequestKey, error) {
	prefix, err := s.generationPrefix(gen)
	if err != nil {
		return nil, err
	}
	objectKeys, err := s.listObjectKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(objectKeys))
	for _, objectKey := range objectKeys {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		entry, err := decodeEntry(out.Body, false)
		out.Body.Close()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return sortedKeys(entries), nil
}

func (s *s3Store) listObjectKeys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *s3Store) rootPrefix() string {
	return s.prefix + "/"
}

func (s *s3Store) generationPrefix(gen Generation) (string, error) {
	if err := validateGeneration(gen); err != nil {
		return "", err
	}
	return s.rootPrefix() + string(gen) + "/", nil
}

func (s *s3Store) objectKey(gen Generation, key RequestKey) (string, error) {
	prefix, err := s.generationPrefix(gen)
	if err != nil {
		return "", err
	}
	return prefix + key.Digest(), nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
