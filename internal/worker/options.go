package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shell-cache/shell-cache/internal/config"
	"github.com/shell-cache/shell-cache/internal/strategy"
)

const defaultConcurrency = 4

// Options 是 Manager 的全部输入：版本号、清单与生命周期开关。构造后不再变化。
type Options struct {
	Version     string
	CachePrefix string
	// Origin 用于解析本地清单路径与被拦截请求的相对 URL。
	Origin   *url.URL
	Manifest []string
	// Shell 是导航请求离线时返回的根文档路径。
	Shell    string
	Strategy string
	// SkipWaiting 安装成功后立即激活，而不是等待旧版本的客户端全部关闭。
	SkipWaiting bool
	// ClientsClaim 激活后立即接管已打开的客户端。
	ClientsClaim bool
	// BestEffortCrossOrigin 允许跨源条目以任意状态码入库（不透明响应）。
	BestEffortCrossOrigin bool
	Concurrency           int
	// WriteBack 将未命中后成功的网络响应写回当前缓存桶，默认关闭。
	WriteBack bool
	// InstallFetcher 用于安装阶段抓取清单，通常会跟随重定向；为空时使用 Manager 的 network。
	InstallFetcher Fetcher
}

// OptionsFromConfig 将 [Worker] 配置转换为 Options。
func OptionsFromConfig(cfg config.WorkerConfig) (Options, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return Options{}, fmt.Errorf("invalid origin: %w", err)
	}
	return Options{
		Version:               cfg.Version,
		CachePrefix:           cfg.CachePrefix,
		Origin:                origin,
		Manifest:              append([]string(nil), cfg.Manifest...),
		Shell:                 cfg.Shell,
		Strategy:              cfg.Strategy,
		SkipWaiting:           cfg.SkipWaiting,
		ClientsClaim:          cfg.ClientsClaim,
		BestEffortCrossOrigin: cfg.BestEffortCrossOrigin,
		Concurrency:           cfg.InstallConcurrency,
		WriteBack:             cfg.WriteBack,
	}, nil
}

// CacheName 返回缓存桶名：<CachePrefix>-<Version>，无前缀时即为 Version。
func (o Options) CacheName() string {
	if o.CachePrefix == "" {
		return o.Version
	}
	return o.CachePrefix + "-" + o.Version
}

func (o Options) normalized() (Options, strategy.Metadata, error) {
	if strings.TrimSpace(o.Version) == "" {
		return o, strategy.Metadata{}, errors.New("version is required")
	}
	if o.Origin == nil || !o.Origin.IsAbs() || o.Origin.Host == "" {
		return o, strategy.Metadata{}, errors.New("absolute origin is required")
	}
	if len(o.Manifest) == 0 {
		return o, strategy.Metadata{}, errors.New("manifest must not be empty")
	}
	if o.Shell == "" {
		o.Shell = "/index.html"
	}
	if o.Strategy == "" {
		o.Strategy = strategy.DefaultKey()
	}
	policy, ok := strategy.Resolve(o.Strategy)
	if !ok {
		return o, strategy.Metadata{}, fmt.Errorf("unknown strategy: %s", o.Strategy)
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	return o, policy, nil
}

// manifestEntry 是解析后的清单条目，key 即缓存中的请求 key。
type manifestEntry struct {
	raw         string
	key         string
	crossOrigin bool
}

func resolveManifest(origin *url.URL, manifest []string) ([]manifestEntry, error) {
	entries := make([]manifestEntry, 0, len(manifest))
	seen := make(map[string]struct{}, len(manifest))
	for _, raw := range manifest {
		target, err := resolveURL(origin, raw)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", raw, err)
		}
		key := target.String()
		if _, exists := seen[key]; exists {
			return nil, fmt.Errorf("manifest entry %q duplicates %s", raw, key)
		}
		seen[key] = struct{}{}
		entries = append(entries, manifestEntry{
			raw:         raw,
			key:         key,
			crossOrigin: !sameOrigin(origin, target),
		})
	}
	return entries, nil
}
