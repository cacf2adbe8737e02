package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/strategy"
	"github.com/shell-cache/shell-cache/internal/version"
)

// Lifecycle 是宿主直接调用的三个事件入口。
type Lifecycle interface {
	OnInstall(ctx context.Context) error
	OnFetch(ctx context.Context, req *http.Request) *http.Response
	OnActivate(ctx context.Context) error
}

// Fetcher 发出真实网络请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager 持有一个版本的缓存桶。写入只发生在 OnInstall（以及开启 WriteBack 时的回写），
// 其余访问均为只读，因此多个请求可以并发调用 Fetch。
type Manager struct {
	opts     Options
	policy   strategy.Metadata
	entries  []manifestEntry
	shellKey string

	store   cache.Store
	network Fetcher
	logger  *logrus.Logger
	now     func() time.Time

	installMu sync.Mutex

	phaseMu sync.RWMutex
	phase   Phase
}

var _ Lifecycle = (*Manager)(nil)

// NewManager 校验 Options 并解析清单；logger 为空时丢弃日志。
func NewManager(opts Options, store cache.Store, network Fetcher, logger *logrus.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if network == nil {
		return nil, errors.New("network fetcher is required")
	}
	normalized, policy, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	entries, err := resolveManifest(normalized.Origin, normalized.Manifest)
	if err != nil {
		return nil, err
	}
	shell, err := resolveURL(normalized.Origin, normalized.Shell)
	if err != nil {
		return nil, fmt.Errorf("invalid shell: %w", err)
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}

	return &Manager{
		opts:     normalized,
		policy:   policy,
		entries:  entries,
		shellKey: shell.String(),
		store:    store,
		network:  network,
		logger:   logger,
		now:      time.Now,
		phase:    PhaseParsed,
	}, nil
}

// Options 返回构造时的配置副本。
func (m *Manager) Options() Options {
	opts := m.opts
	opts.Manifest = append([]string(nil), m.opts.Manifest...)
	return opts
}

// Version 返回版本号。
func (m *Manager) Version() string {
	return m.opts.Version
}

// CacheName 返回当前版本的缓存桶名。
func (m *Manager) CacheName() string {
	return m.opts.CacheName()
}

// Strategy 返回生效的 fetch 策略。
func (m *Manager) Strategy() strategy.Metadata {
	return m.policy
}

// ManifestKeys 返回解析后的清单 key，顺序与配置一致。
func (m *Manager) ManifestKeys() []string {
	keys := make([]string, len(m.entries))
	for i, entry := range m.entries {
		keys[i] = entry.key
	}
	return keys
}

// Phase 返回当前生命周期阶段。
func (m *Manager) Phase() Phase {
	m.phaseMu.RLock()
	defer m.phaseMu.RUnlock()
	return m.phase
}

func (m *Manager) setPhase(phase Phase) {
	m.phaseMu.Lock()
	m.phase = phase
	m.phaseMu.Unlock()
}

// OnInstall 抓取全部清单条目，全部成功后才打开缓存桶并写入。任一失败都不会写入任何条目。
func (m *Manager) OnInstall(ctx context.Context) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	switch phase := m.Phase(); phase {
	case PhaseParsed, PhaseInstalled, PhaseRedundant:
	default:
		return &LifecycleError{Kind: ErrInvalidPhase, Err: fmt.Errorf("install from %s", phase)}
	}

	started := m.now()
	fields := logging.LifecycleFields("install", m.opts.Version, m.CacheName())
	fields["manifest_size"] = len(m.entries)
	m.setPhase(PhaseInstalling)

	responses, err := m.fetchManifest(ctx)
	if err == nil {
		err = m.populate(ctx, responses)
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		m.setPhase(PhaseRedundant)
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("install_failed")
		return err
	}

	m.setPhase(PhaseInstalled)
	m.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (m *Manager) fetchManifest(ctx context.Context) ([]*cache.Response, error) {
	results := make([]*cache.Response, len(m.entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for i, entry := range m.entries {
		g.Go(func() error {
			resp, err := m.fetchEntry(gctx, entry)
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (m *Manager) fetchEntry(ctx context.Context, entry manifestEntry) (*cache.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.key, nil)
	if err != nil {
		return nil, &LifecycleError{Kind: ErrManifestUnavailable, URL: entry.key, Err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	fetcher := m.network
	if m.opts.InstallFetcher != nil {
		fetcher = m.opts.InstallFetcher
	}
	resp, err := fetcher.Do(req)
	if err != nil {
		return nil, &LifecycleError{Kind: ErrManifestUnavailable, URL: entry.key, Err: err}
	}
	defer resp.Body.Close()

	opaque := entry.crossOrigin && m.opts.BestEffortCrossOrigin
	if !opaque && !acceptableStatus(resp.StatusCode) {
		return nil, &LifecycleError{
			Kind: ErrManifestUnavailable,
			URL:  entry.key,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &LifecycleError{Kind: ErrManifestUnavailable, URL: entry.key, Err: err}
	}
	return &cache.Response{
		Key:      entry.key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		Opaque:   opaque,
		StoredAt: m.now().UTC(),
	}, nil
}

func (m *Manager) populate(ctx context.Context, responses []*cache.Response) error {
	name := m.CacheName()
	if err := m.store.Open(ctx, name); err != nil {
		return &LifecycleError{Kind: ErrCacheStoreFault, URL: name, Err: err}
	}
	for i, entry := range m.entries {
		if err := m.store.Put(ctx, cache.Locator{Bucket: name, Key: entry.key}, responses[i]); err != nil {
			return &LifecycleError{Kind: ErrCacheStoreFault, URL: entry.key, Err: err}
		}
	}
	return nil
}

// OnFetch 实现 Lifecycle，始终返回非 nil 响应。
func (m *Manager) OnFetch(ctx context.Context, req *http.Request) *http.Response {
	return m.Fetch(ctx, req).Response
}

// Fetch 按策略顺序查找缓存与网络，全部落空后进入壳文档 / 503 兜底。
func (m *Manager) Fetch(ctx context.Context, req *http.Request) Outcome {
	started := m.now()
	target := absoluteURL(m.opts.Origin, req.URL)
	key := target.String()
	navigation := IsNavigation(req)

	var (
		outcome Outcome
		netErr  error
	)
lookup:
	for _, source := range m.policy.Order {
		switch source {
		case strategy.SourceCache:
			if req.Method != http.MethodGet {
				continue
			}
			if entry := m.match(ctx, key); entry != nil {
				outcome = Outcome{Response: cachedResponse(entry, req), Source: SourceCache}
				break lookup
			}
		case strategy.SourceNetwork:
			resp, err := m.forward(ctx, req, target)
			if err == nil {
				outcome = Outcome{Response: resp, Source: SourceNetwork}
				break lookup
			}
			netErr = err
		}
	}
	if outcome.Response == nil {
		outcome = m.fallback(ctx, req, navigation, netErr)
	}

	fields := logging.FetchFields(m.CacheName(), req.Method, key, string(outcome.Source), navigation)
	fields["status"] = outcome.Response.StatusCode
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if outcome.Err != nil {
		fields["error"] = outcome.Err.Error()
		m.logger.WithFields(fields).Warn("fetch_fallback")
	} else {
		m.logger.WithFields(fields).Debug("fetch_complete")
	}
	return outcome
}

func (m *Manager) match(ctx context.Context, key string) *cache.Response {
	entry, err := m.store.Match(ctx, cache.Locator{Bucket: m.CacheName(), Key: key})
	switch {
	case err == nil:
		return entry
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		fault := &LifecycleError{Kind: ErrCacheStoreFault, URL: key, Err: err}
		m.logger.WithFields(logging.LifecycleFields("cache_match", m.opts.Version, m.CacheName())).
			Warn(fault.Error())
		return nil
	}
}

func (m *Manager) forward(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, error) {
	out := req.Clone(ctx)
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""

	resp, err := m.network.Do(out)
	if err != nil {
		return nil, &LifecycleError{Kind: ErrNetworkUnreachable, URL: target.String(), Err: err}
	}
	if m.opts.WriteBack && req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		m.writeBack(ctx, target.String(), resp)
	}
	return resp, nil
}

// writeBack 缓冲网络响应正文并写入当前缓存桶，写入失败不影响本次响应。
func (m *Manager) writeBack(ctx context.Context, key string, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	fields := logging.LifecycleFields("write_back", m.opts.Version, m.CacheName())
	fields["url"] = key
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("write_back_read_failed")
		return
	}
	resp.ContentLength = int64(len(body))

	err = m.store.Put(ctx, cache.Locator{Bucket: m.CacheName(), Key: key}, &cache.Response{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: m.now().UTC(),
	})
	if err != nil {
		fields["error"] = (&LifecycleError{Kind: ErrCacheStoreFault, URL: key, Err: err}).Error()
		m.logger.WithFields(fields).Warn("write_back_failed")
	}
}

func (m *Manager) fallback(ctx context.Context, req *http.Request, navigation bool, cause error) Outcome {
	if navigation {
		if shell := m.match(ctx, m.shellKey); shell != nil {
			return Outcome{Response: cachedResponse(shell, req), Source: SourceShell, Err: cause}
		}
	}
	return Outcome{
		Response: synthesizedResponse(http.StatusServiceUnavailable, req),
		Source:   SourceOffline,
		Err:      cause,
	}
}

// OnActivate 删除所有名称不等于当前版本的缓存桶。删除失败只记录日志。
func (m *Manager) OnActivate(ctx context.Context) error {
	switch phase := m.Phase(); phase {
	case PhaseInstalled, PhaseActivated:
	default:
		return &LifecycleError{Kind: ErrInvalidPhase, Err: fmt.Errorf("activate from %s", phase)}
	}
	m.setPhase(PhaseActivating)

	current := m.CacheName()
	fields := logging.LifecycleFields("activate", m.opts.Version, current)
	names, err := m.store.Buckets(ctx)
	if err != nil {
		fields["error"] = (&LifecycleError{Kind: ErrCacheStoreFault, Err: err}).Error()
		m.logger.WithFields(fields).Warn("cache_enumerate_failed")
	}

	removed := make([]string, 0, len(names))
	for _, name := range names {
		if name == current {
			continue
		}
		if _, err := m.store.Delete(ctx, name); err != nil {
			m.logger.WithFields(logrus.Fields{
				"action":     "activate",
				"cache_name": name,
				"error":      err.Error(),
			}).Warn("cache_delete_failed")
			continue
		}
		removed = append(removed, name)
	}

	m.setPhase(PhaseActivated)
	fields["removed"] = removed
	m.logger.WithFields(fields).Info("activate_complete")
	return nil
}
