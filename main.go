package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/deep-blue/dcms-edge/internal/config"
	"github.com/deep-blue/dcms-edge/internal/host"
	"github.com/deep-blue/dcms-edge/internal/logging"
	"github.com/deep-blue/dcms-edge/internal/notify"
	"github.com/deep-blue/dcms-edge/internal/proxy"
	"github.com/deep-blue/dcms-edge/internal/push"
	"github.com/deep-blue/dcms-edge/internal/server"
	"github.com/deep-blue/dcms-edge/internal/server/routes"
	"github.com/deep-blue/dcms-edge/internal/telemetry"
	"github.com/deep-blue/dcms-edge/internal/version"
)

// CLI 子命令。
const (
	commandServe       = "serve"
	commandCheckConfig = "check-config"
	commandInstall     = "install"
	commandVersion     = "version"
	commandHelp        = "help"
)

const shutdownTimeout = 15 * time.Second

// cliOptions 汇总 CLI 参数解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	command    string
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
	switch opts.command {
	case commandHelp:
		return 0
	case commandVersion:
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	reporter, err := telemetry.NewSentryReporter(telemetry.Options{
		DSN:         cfg.Global.SentryDSN,
		Environment: cfg.Global.Environment,
		Release:     version.Version,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 Sentry 失败: %v\n", err)
		return 1
	}
	defer telemetry.Flush(reporter, 2*time.Second)

	logger, err := logging.InitLogger(cfg.Global, telemetry.NewHook(reporter))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.command == commandCheckConfig {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["strategies"] = config.StrategyModes(cfg.Sites)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 站点运行时（存储、上游、通知）→ 安装激活 → Fiber server，
	// 所有请求共享同一组运行时与缓存实例。
	rt, err := newRuntime(cfg, logger, reporter)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化站点运行时失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.command == commandInstall {
		return runInstall(ctx, rt, logger, opts.configPath)
	}
	return runServe(ctx, cfg, rt, logger, opts.configPath)
}

func newRuntime(cfg *config.Config, logger *logrus.Logger, reporter telemetry.Reporter) (*host.Runtime, error) {
	storage, closeStorage, err := host.NewStorageFactory(cfg.Global)
	if err != nil {
		return nil, err
	}

	var dispatchers []notify.Dispatcher
	if len(cfg.Global.NotifyURLs) > 0 {
		d, err := notify.NewShoutrrrDispatcher(cfg.Global.NotifyURLs...)
		if err != nil {
			_ = closeStorage()
			return nil, err
		}
		dispatchers = append(dispatchers, d)
	}

	rt, err := host.New(host.Options{
		Config:       cfg,
		Logger:       logger,
		Reporter:     reporter,
		Storage:      storage,
		StorageClose: closeStorage,
		Fetchers:     server.NewFetcherFactory(cfg),
		Dispatchers:  dispatchers,
	})
	if err != nil {
		_ = closeStorage()
		return nil, err
	}
	return rt, nil
}

// runInstall 只执行安装与激活，用于发布前预热缓存分区。
func runInstall(ctx context.Context, rt *host.Runtime, logger *logrus.Logger, configPath string) int {
	code := 0
	if err := rt.InstallAll(ctx); err != nil {
		fmt.Fprintf(stdErr, "安装失败: %v\n", err)
		code = 1
	}
	for _, status := range rt.Status() {
		fmt.Fprintf(stdOut, "%s\t%s\t%s\n", status.Name, status.Version, status.State)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logging.BaseFields("install", configPath)).WithError(err).Warn("关闭运行时失败")
	}
	return code
}

func runServe(ctx context.Context, cfg *config.Config, rt *host.Runtime, logger *logrus.Logger, configPath string) int {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.WithFields(logging.BaseFields("shutdown", configPath)).WithError(err).Warn("关闭运行时失败")
		}
	}()

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// 安装失败的站点不阻塞启动：请求会直接转发上游，可稍后通过管理监听的 /-/sites/:site/update 重试。
	if err := rt.InstallAll(ctx); err != nil {
		logger.WithFields(logging.BaseFields("install", configPath)).WithError(err).Error("部分站点安装失败")
	}
	rt.Start()

	if cfg.Global.PushBroker != "" {
		subscriber, err := push.NewSubscriber(push.Options{
			Broker:   cfg.Global.PushBroker,
			ClientID: cfg.Global.PushClientID,
			Topic:    cfg.Global.PushTopic,
			QoS:      1,
			Logger:   logger,
		}, rt)
		if err != nil {
			fmt.Fprintf(stdErr, "初始化推送订阅失败: %v\n", err)
			return 1
		}
		if err := subscriber.Start(ctx); err != nil {
			logger.WithFields(logging.BaseFields("push_subscribe", configPath)).WithError(err).Error("推送 broker 连接失败")
		}
		defer subscriber.Stop()
	}

	fields := logging.BaseFields("startup", configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["admin_port"] = cfg.Global.AdminPort
	fields["strategies"] = config.StrategyModes(cfg.Sites)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewHandler(rt, logger)
	if err := startHTTPServer(ctx, cfg, registry, rt, proxy.NewForwarder(handler, logger), logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var (
		opts       cliOptions
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	choose := func(command string) func(*cobra.Command, []string) {
		return func(*cobra.Command, []string) { opts.command = command }
	}

	root := &cobra.Command{
		Use:           "dcms-edge",
		Short:         "DCMS 预订站点的离线优先边缘缓存",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(*cobra.Command, []string) {
			switch {
			case showVer:
				opts.command = commandVersion
			case checkOnly:
				opts.command = commandCheckConfig
			default:
				opts.command = commandServe
			}
		},
	}
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(io.Discard)
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 DCMS_EDGE_CONFIG 覆盖）")
	root.Flags().BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&showVer, "version", false, "显示版本信息")

	root.AddCommand(
		&cobra.Command{Use: commandServe, Short: "安装站点缓存并启动 HTTP 服务", Args: cobra.NoArgs, Run: choose(commandServe)},
		&cobra.Command{Use: commandCheckConfig, Short: "仅校验配置后退出", Args: cobra.NoArgs, Run: choose(commandCheckConfig)},
		&cobra.Command{Use: commandInstall, Short: "安装并激活所有站点的缓存版本后退出", Args: cobra.NoArgs, Run: choose(commandInstall)},
		&cobra.Command{Use: commandVersion, Short: "显示版本信息", Args: cobra.NoArgs, Run: choose(commandVersion)},
	)

	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if opts.command == "" {
		opts.command = commandHelp
	}

	path := os.Getenv("DCMS_EDGE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}

// startHTTPServer 启动公开监听，AdminPort 非 0 时同时在回环地址上启动管理监听；
// 任一监听退出都会让另一个随之优雅关闭。
func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, rt *host.Runtime, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, rt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listen(gctx, app, fmt.Sprintf(":%d", port), "public", logger)
	})

	if cfg.Global.AdminPort > 0 {
		admin, err := server.NewAdminApp(logger)
		if err != nil {
			return err
		}
		routes.RegisterDiagnosticsRoutes(admin, registry, rt)
		routes.RegisterAdminRoutes(admin, rt)
		g.Go(func() error {
			return listen(gctx, admin, server.AdminAddr(cfg.Global.AdminPort), "admin", logger)
		})
	}
	return g.Wait()
}

func listen(ctx context.Context, app *fiber.App, addr, name string, logger *logrus.Logger) error {
	fields := logrus.Fields{"action": "listen", "listener": name, "addr": addr}
	logger.WithFields(fields).Info("Fiber 服务启动")

	err := app.Listen(addr, fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s listener: %w", name, err)
	}
	logger.WithFields(fields).Info("Fiber 服务已停止")
	return nil
}
