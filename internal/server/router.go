package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 处理被拦截的请求，测试中可替换为假实现。
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
}

const (
	// ClientCookie 标识一个页面（客户端），Registration 以此判断受控关系。
	ClientCookie = "shell_cache_client"
	// ClientHeader 允许非浏览器调用方显式声明客户端 ID。
	ClientHeader = "X-Client-ID"

	contextKeyRequestID = "_shellcache_request_id"
	contextKeyClientID  = "_shellcache_client_id"
	contextKeyIssued    = "_shellcache_client_issued"
)

// NewApp builds a Fiber application with request/client id middleware.
// 路径 /-/ 下为诊断接口，不经过拦截；诊断路由需在 NewApp 之后注册。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID；非诊断请求额外解析或签发客户端 ID。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		clientID, issued := resolveClientID(c)
		c.Locals(contextKeyClientID, clientID)
		c.Locals(contextKeyIssued, issued)
		if issued {
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookie,
				Value:    clientID,
				Path:     "/",
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
			opts.Logger.WithFields(logrus.Fields{
				"action":     "client_issued",
				"client_id":  clientID,
				"request_id": reqID,
			}).Debug("client id issued")
		}
		return c.Next()
	}
}

func resolveClientID(c fiber.Ctx) (string, bool) {
	if raw := strings.TrimSpace(c.Get(ClientHeader)); raw != "" {
		return raw, false
	}
	if raw := strings.TrimSpace(c.Cookies(ClientCookie)); raw != "" {
		return raw, false
	}
	return uuid.NewString(), true
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID 返回中间件解析出的客户端 ID，诊断路径下为空。
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if clientID, ok := value.(string); ok {
			return clientID
		}
	}
	return ""
}

// ClientIssued 报告客户端 ID 是否由本次请求新签发（请求未携带 cookie 或 X-Client-ID）。
func ClientIssued(c fiber.Ctx) bool {
	issued, _ := c.Locals(contextKeyIssued).(bool)
	return issued
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
