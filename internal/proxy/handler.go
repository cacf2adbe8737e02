package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/server"
	"github.com/shell-cache/shell-cache/internal/worker"
)

// SourceHeader 标记响应来自缓存、网络、壳文档还是离线兜底。
const SourceHeader = "X-Shell-Cache-Source"

// Fetcher 是 Handler 依赖的调度入口，*worker.Registration 即满足该接口。
type Fetcher interface {
	Fetch(ctx context.Context, clientID string, req *http.Request) worker.Outcome
}

// Handler 把 Fiber 请求转换为指向源站的 *http.Request，交给 Registration 拦截，
// 再把结果原样写回客户端。
type Handler struct {
	fetcher Fetcher
	origin  atomic.Pointer[url.URL]
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the origin base URL.
func NewHandler(fetcher Fetcher, origin *url.URL, logger *logrus.Logger) (*Handler, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	h := &Handler{fetcher: fetcher, logger: logger}
	if err := h.SetOrigin(origin); err != nil {
		return nil, err
	}
	return h, nil
}

// SetOrigin 切换源站地址，配置热更新时调用。
func (h *Handler) SetOrigin(origin *url.URL) error {
	if origin == nil || !origin.IsAbs() || origin.Host == "" {
		return errors.New("absolute origin is required")
	}
	clone := *origin
	h.origin.Store(&clone)
	return nil
}

func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	clientID := server.ClientID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildOutboundRequest(ctx, c)
	if err != nil {
		fields := logging.RequestFields(requestID, clientID, c.Method(), requestPath(c))
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_bad_request")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	// 新签发的 ID 只有在导航请求中才登记为客户端，其余请求由 active 直接处理。
	fetchClient := clientID
	if server.ClientIssued(c) && !worker.IsNavigation(req) {
		fetchClient = ""
	}
	outcome := h.fetcher.Fetch(ctx, fetchClient, req)
	resp := outcome.Response
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, string(outcome.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(requestID, clientID, c, outcome, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(requestID, clientID, c, outcome, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildOutboundRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	target := resolveTargetURL(h.origin.Load(), c)

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del(server.ClientHeader)
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) logResult(requestID, clientID string, c fiber.Ctx, outcome worker.Outcome, started time.Time, err error) {
	fields := logging.RequestFields(requestID, clientID, c.Method(), requestPath(c))
	fields["source"] = string(outcome.Source)
	fields["status"] = outcome.Response.StatusCode
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if outcome.Err != nil {
		fields["cause"] = outcome.Err.Error()
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

// resolveTargetURL 将请求路径与查询串拼接到源站下；规则与清单解析一致。
func resolveTargetURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	return worker.JoinOrigin(base, string(uri.Path()), string(uri.QueryString()))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
