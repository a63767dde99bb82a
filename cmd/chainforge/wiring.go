package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"ChainForge/internal/audit"
	"ChainForge/internal/compiler"
	"ChainForge/internal/config"
	"ChainForge/internal/contextstore"
	"ChainForge/internal/dependency"
	"ChainForge/internal/environment"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/healing"
	"ChainForge/internal/knowledge"
	"ChainForge/internal/llm"
	"ChainForge/internal/llm/openai"
	"ChainForge/internal/llm/pythonbridge"
	"ChainForge/internal/llm/template"
	"ChainForge/internal/observability/alerting"
	"ChainForge/internal/observability/metrics"
	mysqlstore "ChainForge/internal/storage/mysql"
	redisstore "ChainForge/internal/storage/redis"
	"ChainForge/internal/toolchain"
	"ChainForge/internal/verify"
	"ChainForge/internal/web3/provider"
	"ChainForge/internal/workflow"
	"ChainForge/pkg/logger"
)

// services 持有一次进程生命周期内共享的组件。
type services struct {
	cfg          *config.Config
	contexts     *contextstore.Manager
	orchestrator *workflow.Orchestrator
	probe        *toolchain.Probe
	metrics      *metrics.Collector
	alerts       alerting.Dispatcher
	db           *sql.DB
	redis        *goredis.Client
	closers      []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// loadConfig 读取配置文件并初始化日志。未指定且默认路径不存在时使用内置默认值。
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := strings.TrimSpace(c.String("config"))
	var (
		cfg *config.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = config.Load(path)
	default:
		if _, statErr := os.Stat(config.Path()); statErr == nil {
			cfg, err = config.Load(config.Path())
		} else {
			wd, wdErr := os.Getwd()
			if wdErr != nil {
				return nil, wdErr
			}
			cfg = config.Default(wd)
		}
	}
	if err != nil {
		return nil, err
	}
	if ws := strings.TrimSpace(c.String("workspace")); ws != "" {
		abs, err := filepath.Abs(ws)
		if err != nil {
			return nil, err
		}
		cfg.Workspace.Root = abs
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildServices 按配置组装编排器及其全部协作者。
func buildServices(ctx context.Context, cfg *config.Config) (_ *services, err error) {
	svc := &services{cfg: cfg, metrics: metrics.Default()}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	if cfg.Storage.Redis.Address != "" {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		svc.redis = client
		svc.closers = append(svc.closers, func() { _ = client.Close() })
	}

	storage, err := svc.contextStorage(ctx)
	if err != nil {
		return nil, err
	}
	svc.contexts = contextstore.NewManager(storage)

	resolver, err := svc.resolver()
	if err != nil {
		return nil, err
	}

	backoff := healing.Backoff{
		Initial: cfg.Pipeline.Backoff.Initial.Duration,
		Factor:  cfg.Pipeline.Backoff.Factor,
		Max:     cfg.Pipeline.Backoff.Max.Duration,
		Jitter:  cfg.Pipeline.Backoff.Jitter,
	}
	handler := healing.NewHandler(
		healing.NewClassifier(healing.DefaultRules()...),
		healing.DefaultRegistry(resolver),
		healing.WithMaxRetries(cfg.Retries()),
		healing.WithBackoff(backoff),
	)

	generator, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}

	var solcOpts []compiler.Option
	if cfg.Toolchain.Optimize {
		solcOpts = append(solcOpts, compiler.WithOptimizer(200))
	}
	if cfg.Toolchain.EVMVersion != "" {
		solcOpts = append(solcOpts, compiler.WithEVMVersion(cfg.Toolchain.EVMVersion))
	}
	solc := compiler.New(cfg.Toolchain.Solc, nil, solcOpts...)

	svc.probe = toolchain.NewProbe(map[string]string{
		toolchain.ToolSolc:    cfg.Toolchain.Solc,
		toolchain.ToolSlither: cfg.Toolchain.Slither,
		toolchain.ToolNpm:     cfg.Toolchain.Npm,
	}, nil)
	svc.alerts = newAlerts(cfg)

	snippets, err := knowledgeProvider(cfg)
	if err != nil {
		return nil, err
	}

	settings := workflow.SettingsFromConfig(cfg)
	opts := []workflow.Option{
		workflow.WithResolver(resolver),
		workflow.WithKnowledgeProvider(snippets),
		workflow.WithProbe(svc.probe),
		workflow.WithMetrics(svc.metrics),
		workflow.WithAlerts(svc.alerts),
	}
	if cfg.AuditEnabled() {
		opts = append(opts, workflow.WithAnalyzer(audit.New(cfg.Toolchain.Slither, nil)))
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链配置失败")
	}
	svc.closers = append(svc.closers, registry.Close)
	if len(registry.Chains()) > 0 {
		opts = append(opts, workflow.WithDeployer(provider.NewDeployer(registry, cfg.Web3.PrivateKeyEnv,
			provider.WithGasLimit(cfg.Web3.GasLimit))))
		if settings.DefaultNetwork == "" {
			settings.DefaultNetwork = registry.DefaultChain()
		}
	}
	if cfg.Verification.Enabled {
		opts = append(opts, workflow.WithVerifier(verify.NewClient(verify.Config{
			APIURL:       cfg.Verification.APIURL,
			APIKey:       os.Getenv(cfg.Verification.APIKeyEnv),
			PollInterval: cfg.Verification.PollInterval.Duration,
		})))
		settings.ExplorerFor = func(network string) string {
			if def, ok := registry.Definition(network); ok {
				return def.Explorer.APIURL
			}
			return ""
		}
	}
	opts = append(opts, workflow.WithSettings(settings))

	orchestrator, err := workflow.New(
		environment.NewManager(cfg.Workspace.Root),
		svc.contexts,
		handler,
		generator,
		solc,
		opts...,
	)
	if err != nil {
		return nil, err
	}
	svc.orchestrator = orchestrator
	return svc, nil
}

func (s *services) contextStorage(ctx context.Context) (contextstore.Storage, error) {
	store := s.cfg.Storage.ContextStore
	switch strings.ToLower(store.Driver) {
	case "", "file":
		return contextstore.NewFileStorage(s.cfg.Workspace.Root)
	case "memory":
		return contextstore.NewMemoryStorage(), nil
	case "mysql":
		db, err := mysqlstore.Open(ctx, mysqlstore.Config{
			DSN:             store.DSN,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: store.ConnMaxLifetime.Duration,
		})
		if err != nil {
			return nil, err
		}
		s.db = db
		s.closers = append(s.closers, func() { _ = db.Close() })
		return mysqlstore.NewContextRepository(db), nil
	case "redis":
		if s.redis == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "redis 上下文存储需要配置 storage.redis.address")
		}
		return redisstore.NewContextStore(s.redis, s.cfg.Storage.Redis.Prefix, store.TTL.Duration), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的上下文存储驱动: "+store.Driver)
	}
}

// resolver 构造依赖解析器。开启分布式锁时，多个进程通过 Redis 串行化同一个包的安装。
func (s *services) resolver() (*dependency.Resolver, error) {
	deps := s.cfg.Pipeline.Dependencies
	var locker dependency.Locker = dependency.NewKeyedMutex()
	if deps.DistributedLock {
		if s.redis == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "分布式锁需要配置 storage.redis.address")
		}
		locker = redisstore.NewLocker(s.redis, s.cfg.Storage.Redis.Prefix)
	}
	installer := dependency.NpmInstaller{Path: s.cfg.Toolchain.Npm}
	opts := []dependency.Option{dependency.WithLogger(logger.Named("dependency"))}
	if deps.CacheDir != "" {
		cache, err := dependency.NewCache(deps.CacheDir, locker)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dependency.WithCache(cache))
	}
	return dependency.NewResolver(installer, opts...), nil
}

func newGenerator(cfg *config.Config) (llm.Client, error) {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "", "template":
		return template.New(), nil
	case "openai":
		key := cfg.LLM.OpenAI.APIKey
		if key == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			key = os.Getenv(cfg.LLM.OpenAI.APIKeyEnv)
		}
		return openai.NewClient(openai.Config{
			APIKey:      key,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     cfg.LLM.OpenAI.Timeout.Duration,
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
	case "python_bridge":
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, cfg.LLM.Python.ScriptPath, cfg.LLM.Python.WorkingDir)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的 LLM provider: "+cfg.LLM.Provider)
	}
}

func knowledgeProvider(cfg *config.Config) (knowledge.Provider, error) {
	if cfg.Knowledge.Source == "" {
		return knowledge.Default(), nil
	}
	return knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
}

func newAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: cfg.Alerting.Timeout.Duration},
		})
	}
	logger.Named("alerting").Debug("告警渠道已配置", slog.Int("channels", len(notifiers)))
	return alerting.NewFanout(notifiers...)
}
