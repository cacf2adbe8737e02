package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/strategy"
)

var supportedBackends = map[string]struct{}{
	"fs":     {},
	"memory": {},
	"valkey": {},
	"s3":     {},
}

const supportedBackendList = "fs|memory|valkey|s3"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.Global.validate(); err != nil {
		return err
	}
	return c.Worker.validate()
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	switch g.StorageBackend {
	case "fs":
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case "valkey":
		if g.ValkeyAddress == "" {
			return newFieldError("Global.ValkeyAddress", "valkey 后端必须提供地址")
		}
	case "s3":
		if g.S3Endpoint == "" {
			return newFieldError("Global.S3Endpoint", "s3 后端必须提供 Endpoint")
		}
		if g.S3Bucket == "" {
			return newFieldError("Global.S3Bucket", "s3 后端必须提供 Bucket")
		}
		if (g.S3AccessKey == "") != (g.S3SecretKey == "") {
			return newFieldError("Global.S3AccessKey/S3SecretKey", "必须同时提供或同时留空")
		}
	}
	return nil
}

func (w WorkerConfig) validate() error {
	if w.Version == "" {
		return newFieldError(workerField("Version"), "不能为空")
	}
	if strings.ContainsAny(w.CacheName(), `/\ `) || strings.Contains(w.CacheName(), "..") {
		return newFieldError(workerField("Version"), "缓存名不能包含路径分隔符或空格")
	}
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	if !strings.HasPrefix(w.Shell, "/") {
		return newFieldError(workerField("Shell"), "必须是以 / 开头的本地路径")
	}
	if _, ok := strategy.Resolve(w.Strategy); !ok {
		return newFieldError(workerField("Strategy"), "仅支持 "+strings.Join(strategy.Keys(), "|"))
	}

	if w.ClientIdleTimeout.DurationValue() < 0 {
		return newFieldError(workerField("ClientIdleTimeout"), "不能为负数")
	}

	if len(w.Manifest) == 0 {
		return newFieldError(workerField("Manifest"), "至少需要一个条目")
	}
	seen := make(map[string]struct{}, len(w.Manifest))
	for _, entry := range w.Manifest {
		if err := validateManifestEntry(entry); err != nil {
			return newFieldError(manifestField(entry), err.Error())
		}
		if _, exists := seen[entry]; exists {
			return newFieldError(manifestField(entry), "重复")
		}
		seen[entry] = struct{}{}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// validateManifestEntry 仅接受同源绝对路径或完整的跨源 http(s) URL。
func validateManifestEntry(entry string) error {
	if strings.HasPrefix(entry, "//") {
		return errors.New("不支持协议相对 URL")
	}
	if strings.HasPrefix(entry, "/") {
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("无法解析路径: %v", err)
		}
		return nil
	}
	return validateOrigin(entry)
}
