package routes

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/server"
	"github.com/shell-cache/shell-cache/internal/strategy"
	"github.com/shell-cache/shell-cache/internal/worker"
)

// UpdateFunc 按当前配置重新构建并注册 Manager。
type UpdateFunc func(ctx context.Context) error

// AdminOptions 汇总诊断接口依赖。
type AdminOptions struct {
	Registration *worker.Registration
	Store        cache.Store
	Update       UpdateFunc
	// AdminToken 非空时，update / skip-waiting / 释放客户端需携带 Authorization: Bearer <token>。
	AdminToken string
	Logger     *logrus.Logger
}

// RegisterAdminRoutes 暴露 /-/ 下的诊断与运维接口。
func RegisterAdminRoutes(app *fiber.App, opts AdminOptions) {
	if app == nil || opts.Registration == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(buildStatus(c.Context(), opts.Registration, opts.Store))
	})

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"strategies": encodeStrategies(strategy.List())})
	})

	guard := requireAdminToken(opts.AdminToken)

	app.Post("/-/update", guard, func(c fiber.Ctx) error {
		if opts.Update == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "update_unavailable"})
		}
		if err := opts.Update(c.Context()); err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "update",
				"request_id": server.RequestID(c),
				"error":      err.Error(),
			}).Warn("update_failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "install_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(buildStatus(c.Context(), opts.Registration, opts.Store))
	})

	app.Post("/-/skip-waiting", guard, func(c fiber.Ctx) error {
		promoted, err := opts.Registration.SkipWaiting(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "activate_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"promoted": promoted,
			"status":   opts.Registration.Status(),
		})
	})

	app.Delete("/-/clients/:id", guard, func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "client_id_required"})
		}
		known, err := opts.Registration.Release(c.Context(), id)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "activate_failed",
				"detail": err.Error(),
			})
		}
		if !known {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}
		return c.JSON(fiber.Map{
			"released": id,
			"status":   opts.Registration.Status(),
		})
	})
}

// requireAdminToken 校验 Bearer token；token 为空时放行。
func requireAdminToken(token string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		got, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}

type statusPayload struct {
	worker.Status
	Buckets      []string `json:"buckets"`
	BucketsError string   `json:"buckets_error,omitempty"`
}

func buildStatus(ctx context.Context, reg *worker.Registration, store cache.Store) statusPayload {
	payload := statusPayload{Status: reg.Status()}
	if store == nil {
		return payload
	}
	buckets, err := store.Buckets(ctx)
	if err != nil {
		payload.BucketsError = err.Error()
		return payload
	}
	payload.Buckets = buckets
	return payload
}

type strategyPayload struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Revision    string   `json:"revision"`
	Order       []string `json:"order"`
	Default     bool     `json:"default"`
}

func encodeStrategies(items []strategy.Metadata) []strategyPayload {
	if len(items) == 0 {
		return nil
	}
	result := make([]strategyPayload, 0, len(items))
	for _, meta := range items {
		order := make([]string, len(meta.Order))
		for i, source := range meta.Order {
			order[i] = string(source)
		}
		result = append(result, strategyPayload{
			Key:         meta.Key,
			Description: meta.Description,
			Revision:    meta.Revision,
			Order:       order,
			Default:     meta.Key == strategy.DefaultKey(),
		})
	}
	return result
}
