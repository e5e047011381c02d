package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/control"
	"github.com/any-hub/offline-hub/internal/localcache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/syncqueue"
	"github.com/any-hub/offline-hub/internal/version"
	"github.com/any-hub/offline-hub/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const (
	drainLockPrefix = "offline-hub:drain:"
	shutdownTimeout = 10 * time.Second
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
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["generation"] = cfg.Assets.Generation
		fields["manifest"] = len(cfg.Assets.Manifest)
		fields["sync_tags"] = cfg.Sync.Tags
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["generation"] = cfg.Assets.Generation
	fields["asset_backend"] = cfg.AssetBackend()
	fields["drain_lock"] = cfg.DrainLockMode()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	rt.worker.Start(ctx)

	if err := serve(ctx, rt.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
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
	}, nil
}

// appRuntime 持有进程内全部显式资源，由 run 打开并在退出时释放。
type appRuntime struct {
	app         *fiber.App
	worker      *worker.Worker
	interceptor *proxy.Interceptor
	redis       *redis.Client
}

// buildRuntime 按“缓存后端 → 资源缓存 → LocalCache → 同步队列 → worker → 拦截器 → Fiber”
// 顺序装配，所有组件共享同一个上游 http.Client。
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*appRuntime, error) {
	storage := cfg.Global.StoragePath
	httpClient := server.NewUpstreamClient(cfg)

	backend, err := cache.NewBackend(ctx, cfg, filepath.Join(storage, "assets"))
	if err != nil {
		return nil, fmt.Errorf("asset backend: %w", err)
	}
	assets, err := cache.NewAssetCache(backend, cache.AssetOptions{
		Generation: cache.Generation(cfg.Assets.Generation),
		Origin:     cfg.Global.Origin,
		Client:     httpClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("asset cache: %w", err)
	}

	local, err := localcache.Open(localcache.Options{
		Dir:        filepath.Join(storage, "local"),
		Prefix:     cfg.LocalCache.Prefix,
		TTL:        cfg.LocalCache.TTL.DurationValue(),
		MaxEntries: cfg.LocalCache.MaxEntries,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}

	rt := &appRuntime{}
	var locker syncqueue.Locker
	if cfg.DrainLockMode() == "redis" {
		rt.redis = syncqueue.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		locker = syncqueue.NewRedisLocker(rt.redis, drainLockPrefix, cfg.Sync.LockTTL.DurationValue())
	}
	queues, err := syncqueue.OpenRegistry(syncqueue.RegistryOptions{
		Dir:  filepath.Join(storage, "queues"),
		Tags: cfg.Sync.Tags,
		Executor: &syncqueue.HTTPExecutor{
			Client:     httpClient,
			Origin:     cfg.Global.Origin,
			ReplayPath: cfg.Sync.ReplayPath,
		},
		Locker:      locker,
		MaxAttempts: cfg.Sync.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("sync queues: %w", err)
	}

	w, err := worker.New(worker.Options{
		Assets:               assets,
		Manifest:             cfg.Assets.Manifest,
		SkipWaitingOnInstall: cfg.Assets.SkipWaitingOnInstall,
		Sync:                 queues,
		Logger:               logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("worker: %w", err)
	}
	rt.worker = w

	interceptor, err := proxy.NewInterceptor(proxy.InterceptorOptions{
		Network:         httpClient.Transport,
		Assets:          assets,
		DefaultDocument: cfg.Assets.DefaultDocument,
		Timeout:         server.UpstreamTimeout(cfg),
		Logger:          logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("interceptor: %w", err)
	}
	rt.interceptor = interceptor

	handler, err := proxy.NewHandler(interceptor, w, cfg.Global.Origin, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("proxy handler: %w", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	routes.Register(app, routes.Deps{
		Worker:  w,
		Control: control.NewClient(w, control.DefaultCallTimeout),
		Queues:  queues,
		Local:   local,
		Version: version.Full(),
		Logger:  logger,
	})
	rt.app = app
	return rt, nil
}

// Close 停止 worker、等待后台缓存写入并断开 Redis。
func (rt *appRuntime) Close() {
	if rt.worker != nil {
		rt.worker.Close()
	}
	if rt.interceptor != nil {
		rt.interceptor.Wait()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}

// serve 监听端口直到 ctx 结束，随后优雅关闭 Fiber。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 关闭超时")
	}
	logger.WithField("action", "shutdown").Info("服务已停止")
	return <-errCh
}
