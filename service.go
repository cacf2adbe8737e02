package main

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/config"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/proxy"
	"github.com/shell-cache/shell-cache/internal/worker"
)

// service 把当前配置、缓存后端与 Registration 串起来，
// 供启动、/-/update 与配置热更新共用同一条注册路径。
type service struct {
	mu  sync.RWMutex
	cfg *config.Config

	store   cache.Store
	network worker.Fetcher
	install worker.Fetcher
	logger  *logrus.Logger
	reg     *worker.Registration
	handler *proxy.Handler
}

// newService 中 network 用于拦截与直连回源，install 用于安装阶段抓取清单。
func newService(cfg *config.Config, store cache.Store, network, install worker.Fetcher, logger *logrus.Logger) (*service, error) {
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	reg := worker.NewRegistration(network, logger,
		worker.WithClientIdleTimeout(cfg.Worker.ClientIdleTimeout.DurationValue()))
	handler, err := proxy.NewHandler(reg, origin, logger)
	if err != nil {
		return nil, err
	}
	return &service{
		cfg:     cfg,
		store:   store,
		network: network,
		install: install,
		logger:  logger,
		reg:     reg,
		handler: handler,
	}, nil
}

func (s *service) current() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// update 按当前配置构建 Manager 并注册；与 active 同名时为空操作。
func (s *service) update(ctx context.Context) error {
	cfg := s.current()
	opts, err := worker.OptionsFromConfig(cfg.Worker)
	if err != nil {
		return err
	}
	opts.InstallFetcher = s.install
	m, err := worker.NewManager(opts, s.store, s.network, s.logger)
	if err != nil {
		return err
	}
	return s.reg.Register(ctx, m)
}

// reload 是配置文件变更回调。全局项（端口、后端）需要重启才会生效。
func (s *service) reload(cfg *config.Config) {
	fields := logging.LifecycleFields("config_reload", cfg.Worker.Version, cfg.Worker.CacheName())

	origin, err := url.Parse(cfg.Worker.Origin)
	if err == nil {
		err = s.handler.SetOrigin(origin)
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Warn("config_reload_rejected")
		return
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	if err := s.update(context.Background()); err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Warn("config_reload_install_failed")
		return
	}
	s.logger.WithFields(fields).Info("config_reload_applied")
}

// sweepInterval 取空闲超时的一半，最短 1 秒。
func sweepInterval(idle time.Duration) time.Duration {
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
