package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听端口、日志、存储后端与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	StoragePath     string   `mapstructure:"StoragePath"`
	ValkeyAddress   string   `mapstructure:"ValkeyAddress"`
	ValkeyPrefix    string   `mapstructure:"ValkeyPrefix"`
	S3Endpoint      string   `mapstructure:"S3Endpoint"`
	S3AccessKey     string   `mapstructure:"S3AccessKey"`
	S3SecretKey     string   `mapstructure:"S3SecretKey"`
	S3Bucket        string   `mapstructure:"S3Bucket"`
	S3Prefix        string   `mapstructure:"S3Prefix"`
	S3UseSSL        bool     `mapstructure:"S3UseSSL"`
	S3Region        string   `mapstructure:"S3Region"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// AdminToken 非空时，/-/ 下会改变状态的接口要求 Authorization: Bearer <token>。
	AdminToken string `mapstructure:"AdminToken"`
}

// WorkerConfig 对应 [Worker] 段：版本号 + 清单 + 生命周期开关。
// Version 必须随 Manifest 一起变化，否则旧内容会被无限期地继续提供。
type WorkerConfig struct {
	Version               string   `mapstructure:"Version"`
	CachePrefix           string   `mapstructure:"CachePrefix"`
	Origin                string   `mapstructure:"Origin"`
	Shell                 string   `mapstructure:"Shell"`
	Strategy              string   `mapstructure:"Strategy"`
	SkipWaiting           bool     `mapstructure:"SkipWaiting"`
	ClientsClaim          bool     `mapstructure:"ClientsClaim"`
	BestEffortCrossOrigin bool     `mapstructure:"BestEffortCrossOrigin"`
	InstallConcurrency    int      `mapstructure:"InstallConcurrency"`
	WriteBack             bool     `mapstructure:"WriteBack"`
	// ClientIdleTimeout 客户端超过该时长没有请求即视为已关闭。
	ClientIdleTimeout Duration `mapstructure:"ClientIdleTimeout"`
	Manifest          []string `mapstructure:"Manifest"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// CacheName 返回当前版本对应的缓存桶名。
func (w WorkerConfig) CacheName() string {
	if w.CachePrefix == "" {
		return w.Version
	}
	return w.CachePrefix + "-" + w.Version
}
