package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta.json"
)

// NewFileStore 以 basePath 为根目录构建磁盘缓存，每个桶对应一个子目录。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一 Locator 的写入与读取：正文先于元数据落盘，
// 元数据文件存在即代表条目完整；读取持有同一把锁，覆盖写入时不会拼出新正文与旧元数据。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Has(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, resp *Response) error {
	if resp == nil {
		return errors.New("cache response required")
	}
	exists, err := s.Has(ctx, locator.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.entryPath(locator)
	if err != nil {
		return err
	}

	record := prepareRecord(locator, resp)
	body := record.Body
	record.Body = nil
	meta, err := encodeRecord(record)
	if err != nil {
		return err
	}

	if err := writeAtomic(ctx, bodyPath, bytes.NewReader(body)); err != nil {
		return err
	}
	return writeAtomic(ctx, metaPath, bytes.NewReader(meta))
}

func (s *fileStore) Match(ctx context.Context, locator Locator) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodyPath, metaPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	meta, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	record, err := decodeRecord(meta)
	if err != nil {
		return nil, err
	}
	if record.Key != locator.Key {
		// sha1 冲突，按未命中处理
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	record.Body = body
	return record, nil
}

func (s *fileStore) Keys(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBucketNotFound
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		record, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, record.Key)
	}
	return sortedKeys(keys), nil
}

func (s *fileStore) Buckets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateBucket(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	return sortedKeys(names), nil
}

func (s *fileStore) Delete(ctx context.Context, bucket string) (bool, error) {
	exists, err := s.Has(ctx, bucket)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) bucketPath(bucket string) (string, error) {
	if err := ValidateBucket(bucket); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, bucket)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidBucket
	}
	return dir, nil
}

func (s *fileStore) entryPath(locator Locator) (string, string, error) {
	if locator.Key == "" {
		return "", "", errors.New("cache key required")
	}
	dir, err := s.bucketPath(locator.Bucket)
	if err != nil {
		return "", "", err
	}
	name := entryName(locator.Key)
	return filepath.Join(dir, name+bodySuffix), filepath.Join(dir, name+metaSuffix), nil
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, src io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, src)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Bucket + "::" + locator.Key
}
