package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Store 管理按版本命名的缓存桶。桶整体创建、整体删除，桶内条目不会被单独淘汰：
//
//	<bucket>/<key>    # key 为请求的绝对 URL（仅 GET）
//
// 实现必须允许并发读取；写入只发生在安装阶段（或显式开启的回写）。
type Store interface {
	// Open 打开（不存在则创建）指定名称的缓存桶。
	Open(ctx context.Context, bucket string) error

	// Has 返回缓存桶是否存在。
	Has(ctx context.Context, bucket string) (bool, error)

	// Put 将响应写入 locator 指定的位置，覆盖同 key 的旧条目。桶不存在时返回 ErrBucketNotFound。
	Put(ctx context.Context, locator Locator, resp *Response) error

	// Match 精确匹配 locator，未命中返回 ErrNotFound。
	Match(ctx context.Context, locator Locator) (*Response, error)

	// Keys 返回桶内所有 key，按字典序排列。
	Keys(ctx context.Context, bucket string) ([]string, error)

	// Buckets 返回当前存在的全部桶名，按字典序排列。
	Buckets(ctx context.Context) ([]string, error)

	// Delete 删除整个桶，返回桶删除前是否存在。
	Delete(ctx context.Context, bucket string) (bool, error)

	// Close 释放底层连接。
	Close() error
}

// Locator 唯一定位一个缓存条目（桶名 + 请求 key）。
type Locator struct {
	Bucket string
	Key    string
}

// Response 是缓存中保存的响应快照。
type Response struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	Opaque   bool        `json:"opaque"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 返回深拷贝，避免调用方修改共享的缓存内容。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

var (
	// ErrNotFound 表示条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBucketNotFound 表示缓存桶不存在。
	ErrBucketNotFound = errors.New("cache bucket not found")
	// ErrInvalidBucket 表示桶名包含路径分隔符或为空。
	ErrInvalidBucket = errors.New("invalid cache bucket name")
)

// ValidateBucket 校验桶名，所有后端共享同一规则。
func ValidateBucket(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidBucket
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return ErrInvalidBucket
	}
	return nil
}
