package cache

import (
	"context"
	"errors"
	"sync"
)

// NewMemoryStore 返回进程内缓存，重启即丢失，适合测试与一次性运行。
func NewMemoryStore() Store {
	return &memoryStore{buckets: make(map[string]map[string]*Response)}
}

type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*Response
}

func (s *memoryStore) Open(ctx context.Context, bucket string) error {
	if err := ValidateBucket(bucket); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]*Response)
	}
	return nil
}

func (s *memoryStore) Has(ctx context.Context, bucket string) (bool, error) {
	if err := ValidateBucket(bucket); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[bucket]
	return ok, nil
}

func (s *memoryStore) Put(ctx context.Context, locator Locator, resp *Response) error {
	if err := ValidateBucket(locator.Bucket); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("cache response required")
	}
	if locator.Key == "" {
		return errors.New("cache key required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	record := prepareRecord(locator, resp)

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.buckets[locator.Bucket]
	if !ok {
		return ErrBucketNotFound
	}
	entries[locator.Key] = record
	return nil
}

func (s *memoryStore) Match(ctx context.Context, locator Locator) (*Response, error) {
	if err := ValidateBucket(locator.Bucket); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.buckets[locator.Bucket][locator.Key]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (s *memoryStore) Keys(ctx context.Context, bucket string) ([]string, error) {
	if err := ValidateBucket(bucket); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return sortedKeys(keys), nil
}

func (s *memoryStore) Buckets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	return sortedKeys(names), nil
}

func (s *memoryStore) Delete(ctx context.Context, bucket string) (bool, error) {
	if err := ValidateBucket(bucket); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	delete(s.buckets, bucket)
	return ok, nil
}

func (s *memoryStore) Close() error {
	return nil
}
