package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const watchBase = `
StorageBackend = "memory"

[Worker]
Version = "v1"
Origin = "http://origin.local"
Manifest = ["/index.html"]
`

func TestWatchReportsVersionBump(t *testing.T) {
	path := writeTempConfig(t, watchBase)

	changes := make(chan *Config, 4)
	if err := Watch(path, func(cfg *Config) { changes <- cfg }, nil); err != nil {
		t.Fatalf("Watch 返回错误: %v", err)
	}

	bumped := strings.Replace(watchBase, `"v1"`, `"v2"`, 1)
	if err := os.WriteFile(path, []byte(bumped), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Worker.Version == "v2" {
				return
			}
		case <-deadline:
			t.Fatalf("未收到版本变更通知")
		}
	}
}

func TestWatchFailsForMissingFile(t *testing.T) {
	if err := Watch("/nonexistent/shell-cache.toml", nil, nil); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}
