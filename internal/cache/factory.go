package cache

import (
	"fmt"
	"strings"
)

// 支持的存储后端。
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendValkey = "valkey"
	BackendS3     = "s3"
)

// StoreOptions 汇总各后端所需参数，由配置层填充。
type StoreOptions struct {
	Backend       string
	StoragePath   string
	ValkeyAddress string
	ValkeyPrefix  string
	S3            S3Options
}

// NewStore 根据 Backend 选择具体实现，空值默认为磁盘缓存。
func NewStore(opts StoreOptions) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFS:
		return NewFileStore(opts.StoragePath)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendValkey:
		return NewValkeyStore(opts.ValkeyAddress, opts.ValkeyPrefix)
	case BackendS3:
		return NewS3Store(opts.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}
