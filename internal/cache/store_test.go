package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// storeFactories 让同一组契约测试覆盖全部后端；valkey 与 s3 跑在进程内的替身服务上。
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"fs":     newTestStore,
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"valkey": newValkeyTestStore,
		"s3":     newS3TestStore,
	}
}

func TestStorePutAndMatch(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			if err := store.Open(ctx, "v1"); err != nil {
				t.Fatalf("open error: %v", err)
			}

			locator := Locator{Bucket: "v1", Key: "http://origin.local/index.html"}
			header := http.Header{"Content-Type": []string{"text/html"}}
			if err := store.Put(ctx, locator, &Response{Status: 200, Header: header, Body: []byte("<html>")}); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, err := store.Match(ctx, locator)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(got.Body) != "<html>" {
				t.Fatalf("cached body mismatch: %s", string(got.Body))
			}
			if got.Status != 200 || got.Header.Get("Content-Type") != "text/html" {
				t.Fatalf("unexpected cached metadata: %d %v", got.Status, got.Header)
			}
			if got.Key != locator.Key {
				t.Fatalf("key mismatch: %s", got.Key)
			}
			if got.StoredAt.IsZero() {
				t.Fatalf("stored_at should be filled")
			}
		})
	}
}

func TestStoreMatchMissing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			if err := store.Open(ctx, "v1"); err != nil {
				t.Fatalf("open error: %v", err)
			}
			_, err := store.Match(ctx, Locator{Bucket: "v1", Key: "http://origin.local/missing"})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			_, err = store.Match(ctx, Locator{Bucket: "v9", Key: "http://origin.local/missing"})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound for absent bucket, got %v", err)
			}
		})
	}
}

func TestStorePutRequiresOpenBucket(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			err := store.Put(context.Background(), Locator{Bucket: "v1", Key: "k"}, &Response{Status: 200})
			if !errors.Is(err, ErrBucketNotFound) {
				t.Fatalf("expected ErrBucketNotFound, got %v", err)
			}
		})
	}
}

func TestStoreKeysBucketsAndDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			for _, bucket := range []string{"v2", "v1"} {
				if err := store.Open(ctx, bucket); err != nil {
					t.Fatalf("open error: %v", err)
				}
			}
			for _, key := range []string{"http://o/b", "http://o/a", "http://o/b"} {
				if err := store.Put(ctx, Locator{Bucket: "v1", Key: key}, &Response{Status: 200}); err != nil {
					t.Fatalf("put error: %v", err)
				}
			}

			keys, err := store.Keys(ctx, "v1")
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if diff := cmp.Diff([]string{"http://o/a", "http://o/b"}, keys); diff != "" {
				t.Fatalf("keys mismatch (-want +got):\n%s", diff)
			}

			buckets, err := store.Buckets(ctx)
			if err != nil {
				t.Fatalf("buckets error: %v", err)
			}
			if diff := cmp.Diff([]string{"v1", "v2"}, buckets); diff != "" {
				t.Fatalf("buckets mismatch (-want +got):\n%s", diff)
			}

			deleted, err := store.Delete(ctx, "v1")
			if err != nil || !deleted {
				t.Fatalf("expected v1 deleted, got %v %v", deleted, err)
			}
			deleted, err = store.Delete(ctx, "v1")
			if err != nil || deleted {
				t.Fatalf("second delete should report absent, got %v %v", deleted, err)
			}
			if _, err := store.Keys(ctx, "v1"); !errors.Is(err, ErrBucketNotFound) {
				t.Fatalf("expected ErrBucketNotFound after delete, got %v", err)
			}
			if ok, _ := store.Has(ctx, "v2"); !ok {
				t.Fatalf("v2 should remain")
			}
		})
	}
}

func TestStoreRejectsInvalidBucket(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			for _, bucket := range []string{"", "../etc", "a/b", `a\b`} {
				if err := store.Open(context.Background(), bucket); !errors.Is(err, ErrInvalidBucket) {
					t.Fatalf("bucket %q: expected ErrInvalidBucket, got %v", bucket, err)
				}
			}
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Open(ctx, "v1")
	locator := Locator{Bucket: "v1", Key: "k"}
	_ = store.Put(ctx, locator, &Response{Status: 200, Body: []byte("abc")})

	first, _ := store.Match(ctx, locator)
	first.Body[0] = 'x'
	second, _ := store.Match(ctx, locator)
	if string(second.Body) != "abc" {
		t.Fatalf("cached body mutated through returned copy: %s", string(second.Body))
	}
}

func TestFileStoreIgnoresStrayFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Open(ctx, "v1"); err != nil {
		t.Fatalf("open error: %v", err)
	}

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	if err := os.WriteFile(filepath.Join(fs.basePath, "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fs.basePath, "v1", ".cache-123"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	buckets, err := store.Buckets(ctx)
	if err != nil {
		t.Fatalf("buckets error: %v", err)
	}
	if diff := cmp.Diff([]string{"v1"}, buckets); diff != "" {
		t.Fatalf("buckets mismatch (-want +got):\n%s", diff)
	}
	keys, err := store.Keys(ctx, "v1")
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	store, err := NewStore(StoreOptions{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory backend error: %v", err)
	}
	if _, ok := store.(*memoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	store, err = NewStore(StoreOptions{StoragePath: t.TempDir()})
	if err != nil {
		t.Fatalf("default backend error: %v", err)
	}
	if _, ok := store.(*fileStore); !ok {
		t.Fatalf("expected file store by default, got %T", store)
	}

	if _, err := NewStore(StoreOptions{Backend: "etcd"}); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestFileStoreOverwriteNeverMixesRevisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Open(ctx, "v1"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	locator := Locator{Bucket: "v1", Key: "http://origin.local/certificate.js"}
	put := func(rev int) error {
		value := fmt.Sprintf("rev-%d", rev)
		return store.Put(ctx, locator, &Response{
			Status: 200,
			Header: http.Header{"X-Revision": []string{value}},
			Body:   []byte(value),
		})
	}
	if err := put(0); err != nil {
		t.Fatalf("put error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for rev := 1; rev <= 200; rev++ {
			if err := put(rev); err != nil {
				t.Errorf("put error: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		got, err := store.Match(ctx, locator)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if got.Header.Get("X-Revision") != string(got.Body) {
			t.Fatalf("元数据与正文来自不同版本: %s vs %s", got.Header.Get("X-Revision"), got.Body)
		}
	}
	wg.Wait()
}
