package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// Valkey 布局：
//
//	<prefix>:buckets           # SET，记录所有桶名
//	<prefix>:bucket:<bucket>   # HASH，field = 请求 key，value = JSON 记录
type valkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore 连接 Valkey 并返回 Store，prefix 为空时使用 "shell-cache"。
func NewValkeyStore(addr, prefix string) (Store, error) {
	if addr == "" {
		return nil, errors.New("valkey address required")
	}
	// 只使用 Do/DoMulti，不需要服务端辅助的客户端缓存。
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect valkey: %w", err)
	}
	return newValkeyStore(client, prefix), nil
}

func newValkeyStore(client valkey.Client, prefix string) *valkeyStore {
	if prefix == "" {
		prefix = "shell-cache"
	}
	return &valkeyStore{client: client, prefix: prefix}
}

func (s *valkeyStore) bucketsKey() string {
	return s.prefix + ":buckets"
}

func (s *valkeyStore) bucketKey(bucket string) string {
	return s.prefix + ":bucket:" + bucket
}

func (s *valkeyStore) Open(ctx context.Context, bucket string) error {
	if err := ValidateBucket(bucket); err != nil {
		return err
	}
	cmd := s.client.B().Sadd().Key(s.bucketsKey()).Member(bucket).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("err from valkey: %w", err)
	}
	return nil
}

func (s *valkeyStore) Has(ctx context.Context, bucket string) (bool, error) {
	if err := ValidateBucket(bucket); err != nil {
		return false, err
	}
	cmd := s.client.B().Sismember().Key(s.bucketsKey()).Member(bucket).Build()
	ok, err := s.client.Do(ctx, cmd).AsBool()
	if err != nil {
		return false, fmt.Errorf("err from valkey: %w", err)
	}
	return ok, nil
}

func (s *valkeyStore) Put(ctx context.Context, locator Locator, resp *Response) error {
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
	cmd := s.client.B().Hset().Key(s.bucketKey(locator.Bucket)).FieldValue().FieldValue(locator.Key, string(raw)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("err from valkey: %w", err)
	}
	return nil
}

func (s *valkeyStore) Match(ctx context.Context, locator Locator) (*Response, error) {
	if err := ValidateBucket(locator.Bucket); err != nil {
		return nil, err
	}
	cmd := s.client.B().Hget().Key(s.bucketKey(locator.Bucket)).Field(locator.Key).Build()
	raw, err := s.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("err from valkey: %w", err)
	}
	return decodeRecord(raw)
}

func (s *valkeyStore) Keys(ctx context.Context, bucket string) ([]string, error) {
	exists, err := s.Has(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrBucketNotFound
	}
	cmd := s.client.B().Hkeys().Key(s.bucketKey(bucket)).Build()
	keys, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("err from valkey: %w", err)
	}
	return sortedKeys(keys), nil
}

func (s *valkeyStore) Buckets(ctx context.Context) ([]string, error) {
	cmd := s.client.B().Smembers().Key(s.bucketsKey()).Build()
	names, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("err from valkey: %w", err)
	}
	return sortedKeys(names), nil
}

func (s *valkeyStore) Delete(ctx context.Context, bucket string) (bool, error) {
	if err := ValidateBucket(bucket); err != nil {
		return false, err
	}
	results := s.client.DoMulti(ctx,
		s.client.B().Del().Key(s.bucketKey(bucket)).Build(),
		s.client.B().Srem().Key(s.bucketsKey()).Member(bucket).Build(),
	)
	if err := results[0].Error(); err != nil {
		return false, fmt.Errorf("err from valkey: %w", err)
	}
	removed, err := results[1].AsInt64()
	if err != nil {
		return false, fmt.Errorf("err from valkey: %w", err)
	}
	return removed > 0, nil
}

func (s *valkeyStore) Close() error {
	s.client.Close()
	return nil
}
