package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	creds "github.com/minio/minio-go/v7/pkg/credentials"
)

const bucketMarker = ".bucket"

// S3Options 描述 S3/MinIO 后端的连接参数。
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	// Region 非空时跳过 bucket location 探测。
	Region string
}

// s3Store 在单个 S3 bucket 中按前缀模拟缓存桶：
//
//	<prefix>/<bucket>/.bucket          # 桶存在标记
//	<prefix>/<bucket>/<sha1(key)>      # JSON 记录
type s3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store 创建 MinIO 客户端；不会主动探测连通性。
func NewS3Store(opts S3Options) (Store, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix == "" {
		prefix = "shell-cache"
	}
	return &s3Store{client: client, bucket: opts.Bucket, prefix: prefix}, nil
}

func (s *s3Store) bucketPrefix(bucket string) string {
	return path.Join(s.prefix, bucket) + "/"
}

func (s *s3Store) objectKey(locator Locator) string {
	return s.bucketPrefix(locator.Bucket) + entryName(locator.Key)
}

func (s *s3Store) Open(ctx context.Context, bucket string) error {
	if err := ValidateBucket(bucket); err != nil {
		return err
	}
	key := s.bucketPrefix(bucket) + bucketMarker
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("err from s3: %w", err)
	}
	return nil
}

func (s *s3Store) Has(ctx context.Context, bucket string) (bool, error) {
	if err := ValidateBucket(bucket); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.bucket, s.bucketPrefix(bucket)+bucketMarker, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("err from s3: %w", err)
	}
	return true, nil
}

func (s *s3Store) Put(ctx context.Context, locator Locator, resp *Response) error {
	if resp == nil {
		return errors.New("cache response required")
	}
	if locator.Key == "" {
		return errors.New("cache key required")
	}
	exists, err := s.Has(ctx, locator.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}

	raw, err := encodeRecord(prepareRecord(locator, resp))
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(locator), bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("err from s3: %w", err)
	}
	return nil
}

func (s *s3Store) Match(ctx context.Context, locator Locator) (*Response, error) {
	if err := ValidateBucket(locator.Bucket); err != nil {
		return nil, err
	}
	record, err := s.readRecord(ctx, s.objectKey(locator))
	if err != nil {
		return nil, err
	}
	if record.Key != locator.Key {
		return nil, ErrNotFound
	}
	return record, nil
}

func (s *s3Store) readRecord(ctx context.Context, key string) (*Response, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not get object: %w", err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not read object: %w", err)
	}
	return decodeRecord(raw)
}

func (s *s3Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	exists, err := s.Has(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrBucketNotFound
	}

	// 提前返回时取消 ctx，结束 ListObjects 的后台协程。
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.bucketPrefix(bucket), Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("err from s3: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/"+bucketMarker) {
			continue
		}
		record, err := s.readRecord(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, record.Key)
	}
	return sortedKeys(keys), nil
}

func (s *s3Store) Buckets(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var names []string
	root := s.prefix + "/"
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: root}) {
		if object.Err != nil {
			return nil, fmt.Errorf("err from s3: %w", object.Err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(object.Key, root), "/")
		if ValidateBucket(name) != nil {
			continue
		}
		names = append(names, name)
	}
	return sortedKeys(names), nil
}

func (s *s3Store) Delete(ctx context.Context, bucket string) (bool, error) {
	exists, err := s.Has(ctx, bucket)
	if err != nil || !exists {
		return false, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.bucketPrefix(bucket), Recursive: true}) {
		if object.Err != nil {
			return false, fmt.Errorf("err from s3: %w", object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return false, fmt.Errorf("unable to remove object: %w", err)
		}
	}
	return true, nil
}

func (s *s3Store) Close() error {
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
