package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/config"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/server"
	"github.com/shell-cache/shell-cache/internal/server/routes"
	"github.com/shell-cache/shell-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	prime       bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := workerFields(logging.BaseFields("check_config", opts.configPath), cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存后端 → 上游 client → Registration → Fiber server。
	store, err := cache.NewStore(storeOptions(cfg.Global))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存后端失败: %v\n", err)
		return 1
	}
	defer store.Close()

	svc, err := newService(cfg, store, server.NewUpstreamClient(cfg), server.NewInstallClient(cfg), logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return 1
	}

	if opts.prime {
		if err := svc.update(context.Background()); err != nil {
			fmt.Fprintf(stdErr, "预热缓存失败: %v\n", err)
			return 1
		}
		fields := workerFields(logging.BaseFields("prime", opts.configPath), cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("缓存预热完成")
		return 0
	}

	// 源站不可达时照常启动，已有缓存桶由下一次 /-/update 或配置变更重试。
	if err := svc.update(context.Background()); err != nil {
		fields := workerFields(logging.BaseFields("startup_install", opts.configPath), cfg)
		fields["error"] = err.Error()
		logger.WithFields(fields).Warn("首次安装失败，以未受控模式启动")
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go svc.reg.RunSweeper(sweepCtx, sweepInterval(cfg.Worker.ClientIdleTimeout.DurationValue()))

	if err := config.Watch(opts.configPath, svc.reload, func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", opts.configPath)).
			WithError(err).Warn("配置变更无效，继续使用旧配置")
	}); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).
			WithError(err).Warn("无法监听配置文件")
	}

	fields := workerFields(logging.BaseFields("startup", opts.configPath), cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["build"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shell-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		prime      bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELL_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&prime, "prime", false, "安装并激活当前版本的缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELL_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		prime:       prime,
	}, nil
}

func storeOptions(g config.GlobalConfig) cache.StoreOptions {
	return cache.StoreOptions{
		Backend:       g.StorageBackend,
		StoragePath:   g.StoragePath,
		ValkeyAddress: g.ValkeyAddress,
		ValkeyPrefix:  g.ValkeyPrefix,
		S3: cache.S3Options{
			Endpoint:  g.S3Endpoint,
			AccessKey: g.S3AccessKey,
			SecretKey: g.S3SecretKey,
			Bucket:    g.S3Bucket,
			Prefix:    g.S3Prefix,
			UseSSL:    g.S3UseSSL,
			Region:    g.S3Region,
		},
	}
}

func workerFields(fields logrus.Fields, cfg *config.Config) logrus.Fields {
	fields["version"] = cfg.Worker.Version
	fields["cache_name"] = cfg.Worker.CacheName()
	fields["manifest_size"] = len(cfg.Worker.Manifest)
	fields["strategy"] = cfg.Worker.Strategy
	fields["storage_backend"] = cfg.Global.StorageBackend
	return fields
}

func startHTTPServer(cfg *config.Config, svc *service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      svc.handler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterAdminRoutes(app, routes.AdminOptions{
		Registration: svc.reg,
		Store:        svc.store,
		Update:       svc.update,
		AdminToken:   cfg.Global.AdminToken,
		Logger:       logger,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
