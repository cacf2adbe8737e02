package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/logging"
)

// Registration 是宿主侧的调度层：持有 active/waiting 两个版本，
// 并记录每个客户端（页面）当前由哪个版本控制。
type Registration struct {
	network Fetcher
	logger  *logrus.Logger

	// lifecycleMu 串行化 Register / promote，避免两次安装互相覆盖。
	lifecycleMu sync.Mutex

	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	active  *Manager
	waiting *Manager
	clients map[string]*client
}

// client 记录一个页面的控制版本与最后一次请求时间。
type client struct {
	controller *Manager
	lastSeen   time.Time
}

// RegistrationOption 调整 Registration 的可选行为。
type RegistrationOption func(*Registration)

// WithClientIdleTimeout 设置客户端空闲过期时长；d <= 0 时客户端只能通过 Release 移除。
func WithClientIdleTimeout(d time.Duration) RegistrationOption {
	return func(r *Registration) {
		r.idleTimeout = d
	}
}

// withClock 供测试替换时间源。
func withClock(now func() time.Time) RegistrationOption {
	return func(r *Registration) {
		r.now = now
	}
}

// ManagerStatus 是单个版本的诊断快照。
type ManagerStatus struct {
	Version      string `json:"version"`
	CacheName    string `json:"cache_name"`
	Phase        Phase  `json:"phase"`
	Strategy     string `json:"strategy"`
	ManifestSize int    `json:"manifest_size"`
}

// Status 汇总 Registration 的当前状态。
type Status struct {
	Active     *ManagerStatus `json:"active,omitempty"`
	Waiting    *ManagerStatus `json:"waiting,omitempty"`
	Clients    int            `json:"clients"`
	Controlled int            `json:"controlled"`
}

// NewRegistration 创建空的 Registration；network 用于未受控请求的直连。
func NewRegistration(network Fetcher, logger *logrus.Logger, opts ...RegistrationOption) *Registration {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	r := &Registration{
		network: network,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Active 返回当前控制页面的版本，可能为 nil。
func (r *Registration) Active() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回已安装但尚未激活的版本，可能为 nil。
func (r *Registration) Waiting() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Register 安装 m 并视情况激活。与 active 同名时直接返回；安装失败时 active 保持不变。
func (r *Registration) Register(ctx context.Context, m *Manager) error {
	if m == nil {
		return errors.New("manager is required")
	}
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	fields := logging.LifecycleFields("register", m.Version(), m.CacheName())
	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()
	if active != nil && active.CacheName() == m.CacheName() {
		r.logger.WithFields(fields).Debug("register_unchanged")
		return nil
	}
	if waiting != nil && waiting.CacheName() == m.CacheName() {
		r.logger.WithFields(fields).Debug("register_already_waiting")
		return nil
	}

	if err := m.OnInstall(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	expired := r.expireLocked()
	superseded := r.waiting
	r.waiting = m
	promote := r.active == nil || m.opts.SkipWaiting || r.controlledLocked(r.active) == 0
	r.mu.Unlock()

	if expired > 0 {
		fields["expired_clients"] = expired
	}

	if superseded != nil {
		superseded.setPhase(PhaseRedundant)
	}
	if !promote {
		r.logger.WithFields(fields).Info("register_waiting")
		return nil
	}
	return r.promote(ctx)
}

// SkipWaiting 立即激活等待中的版本，返回是否发生了切换。
func (r *Registration) SkipWaiting(ctx context.Context) (bool, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.Waiting() == nil {
		return false, nil
	}
	return true, r.promote(ctx)
}

// Release 表示客户端已关闭；active 不再控制任何客户端时激活等待中的版本。
func (r *Registration) Release(ctx context.Context, clientID string) (bool, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	_, known := r.clients[clientID]
	delete(r.clients, clientID)
	promote := r.waiting != nil && r.controlledLocked(r.active) == 0
	r.mu.Unlock()

	if !promote {
		return known, nil
	}
	return known, r.promote(ctx)
}

// Sweep 移除空闲超时的客户端，active 因此不再控制任何客户端时激活等待中的版本。
// 返回被移除的客户端数量。
func (r *Registration) Sweep(ctx context.Context) (int, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	expired := r.expireLocked()
	promote := r.waiting != nil && r.controlledLocked(r.active) == 0
	r.mu.Unlock()

	if expired > 0 {
		r.logger.WithFields(logrus.Fields{
			"action":          "client_sweep",
			"expired_clients": expired,
		}).Debug("clients_expired")
	}
	if !promote {
		return expired, nil
	}
	return expired, r.promote(ctx)
}

// RunSweeper 按 interval 周期调用 Sweep，直到 ctx 结束。
func (r *Registration) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.WithFields(logrus.Fields{"action": "client_sweep"}).
					WithError(err).Warn("client_sweep_promote_failed")
			}
		}
	}
}

// expireLocked 要求调用方持有 mu 写锁。
func (r *Registration) expireLocked() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTimeout)
	expired := 0
	for id, entry := range r.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(r.clients, id)
			expired++
		}
	}
	return expired
}

// promote 要求调用方持有 lifecycleMu。
func (r *Registration) promote(ctx context.Context) error {
	r.mu.Lock()
	next, prev := r.waiting, r.active
	if next == nil {
		r.mu.Unlock()
		return nil
	}
	r.active = next
	r.waiting = nil
	if next.opts.ClientsClaim {
		for _, entry := range r.clients {
			entry.controller = next
		}
	}
	r.mu.Unlock()

	if prev != nil {
		prev.setPhase(PhaseRedundant)
	}
	fields := logging.LifecycleFields("promote", next.Version(), next.CacheName())
	if prev != nil {
		fields["previous"] = prev.CacheName()
	}
	r.logger.WithFields(fields).Info("promote_active")
	return next.OnActivate(ctx)
}

func (r *Registration) controlledLocked(m *Manager) int {
	if m == nil {
		return 0
	}
	count := 0
	for _, entry := range r.clients {
		if entry.controller == m {
			count++
		}
	}
	return count
}

// Fetch 将请求交给客户端的控制版本处理。导航请求会把客户端重新绑定到 active；
// 没有 active 或控制者已被取代时，请求直接走网络。
func (r *Registration) Fetch(ctx context.Context, clientID string, req *http.Request) Outcome {
	controller := r.bind(clientID, req)
	if controller != nil {
		return controller.Fetch(ctx, req)
	}
	return r.passthrough(ctx, req)
}

// bind 解析客户端的控制版本并刷新其最后请求时间。clientID 为空的请求不登记。
func (r *Registration) bind(clientID string, req *http.Request) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if clientID == "" {
		return r.active
	}
	entry, known := r.clients[clientID]
	if !known {
		entry = &client{controller: r.active}
		r.clients[clientID] = entry
	} else if IsNavigation(req) {
		entry.controller = r.active
	}
	entry.lastSeen = r.now()
	if r.active == nil || entry.controller != r.active {
		return nil
	}
	return entry.controller
}

func (r *Registration) passthrough(ctx context.Context, req *http.Request) Outcome {
	out := req.Clone(ctx)
	out.RequestURI = ""
	resp, err := r.network.Do(out)
	if err != nil {
		return Outcome{
			Response: synthesizedResponse(http.StatusBadGateway, req),
			Source:   SourcePassthrough,
			Err:      &LifecycleError{Kind: ErrNetworkUnreachable, URL: req.URL.String(), Err: err},
		}
	}
	return Outcome{Response: resp, Source: SourcePassthrough}
}

// Status 返回诊断快照。
func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Active:     managerStatus(r.active),
		Waiting:    managerStatus(r.waiting),
		Clients:    len(r.clients),
		Controlled: r.controlledLocked(r.active),
	}
}

func managerStatus(m *Manager) *ManagerStatus {
	if m == nil {
		return nil
	}
	return &ManagerStatus{
		Version:      m.Version(),
		CacheName:    m.CacheName(),
		Phase:        m.Phase(),
		Strategy:     m.Strategy().Key,
		ManifestSize: len(m.entries),
	}
}
