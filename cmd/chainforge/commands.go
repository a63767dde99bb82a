package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v2"

	"ChainForge/internal/api"
	"ChainForge/internal/jobs"
	mysqlstore "ChainForge/internal/storage/mysql"
	"ChainForge/internal/toolchain"
	"ChainForge/internal/workflow"
	"ChainForge/pkg/logger"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "执行一次完整的合约工作流",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "network", Aliases: []string{"n"}, Usage: "部署目标网络"},
			&cli.StringFlag{Name: "id", Usage: "指定工作流 ID"},
			&cli.BoolFlag{Name: "allow-high-severity", Usage: "忽略高危审计发现继续部署"},
			&cli.BoolFlag{Name: "skip-deploy", Usage: "跳过部署与验证"},
			&cli.BoolFlag{Name: "skip-verify", Usage: "跳过源码验证"},
			&cli.BoolFlag{Name: "json", Usage: "以 JSON 输出结果"},
		},
		Action: func(c *cli.Context) error {
			prompt := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if prompt == "" {
				return cli.Exit("缺少合约需求描述", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			svc, err := buildServices(c.Context, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.orchestrator.Run(c.Context, workflow.RunRequest{
				WorkflowID: c.String("id"),
				Prompt:     prompt,
				Network:    c.String("network"),
				Options: workflow.RunOptions{
					AllowHighSeverity: c.Bool("allow-high-severity"),
					SkipDeployment:    c.Bool("skip-deploy"),
					SkipVerification:  c.Bool("skip-verify"),
				},
			})
			if result != nil {
				if c.Bool("json") {
					if encErr := writeJSON(c.App.Writer, result); encErr != nil {
						return encErr
					}
				} else {
					printResult(c.App.Writer, result)
				}
			}
			if err != nil {
				return err
			}
			if result.ExitCode != 0 {
				return cli.Exit("", result.ExitCode)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动 HTTP API 与后台作业处理器",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "覆盖监听地址"},
			&cli.IntFlag{Name: "max-attempts", Value: 2, Usage: "作业最大执行次数"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr := c.String("addr"); addr != "" {
				cfg.Server.Address = addr
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			svc, err := buildServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			queue, err := svc.jobQueue(ctx)
			if err != nil {
				return err
			}
			var store jobs.Store = jobs.NewMemoryStore()
			if svc.db != nil {
				store = mysqlstore.NewJobStore(svc.db)
			}
			service := jobs.NewService(store, queue, c.Int("max-attempts"))
			defer service.Close()

			processor := jobs.NewProcessor(svc.orchestrator, store, queue, queue,
				jobs.WithWorkerCount(cfg.Queue.Workers),
				jobs.WithAlertDispatcher(svc.alerts),
			)
			serverOpts := []api.Option{api.WithMetrics(svc.metrics)}
			if !cfg.Metrics.Enabled {
				serverOpts = append(serverOpts, api.WithoutMetricsEndpoint())
			}
			server := api.NewServer(cfg.Server.Address, service, svc.contexts, serverOpts...)

			log := logger.Named("serve")
			log.Info("服务启动",
				slog.String("address", cfg.Server.Address),
				slog.String("queue", cfg.Queue.Driver),
				slog.Int("workers", cfg.Queue.Workers))

			errCh := make(chan error, 2)
			go func() { errCh <- processor.Start(ctx) }()
			go func() { errCh <- server.Start(ctx) }()

			var firstErr error
			for i := 0; i < 2; i++ {
				err := <-errCh
				if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
					firstErr = err
				}
				cancel()
			}
			log.Info("服务已停止")
			return firstErr
		},
	}
}

// jobQueue 按配置选择作业队列实现。Redis 队列优先复用存储层的客户端。
func (s *services) jobQueue(ctx context.Context) (jobs.Queue, error) {
	qc := s.cfg.Queue
	switch strings.ToLower(qc.Driver) {
	case "", "memory":
		return jobs.NewMemoryQueue(qc.Buffer), nil
	case "redis":
		if s.redis != nil {
			return jobs.NewRedisQueueWithClient(s.redis, qc.Redis.Queue, qc.Redis.BlockWait.Duration), nil
		}
		return jobs.NewRedisQueue(ctx, jobs.RedisQueueConfig{
			Address:   s.cfg.Storage.Redis.Address,
			Password:  s.cfg.Storage.Redis.Password,
			DB:        s.cfg.Storage.Redis.DB,
			Queue:     qc.Redis.Queue,
			BlockWait: qc.Redis.BlockWait.Duration,
		})
	case "rabbitmq":
		return jobs.NewRabbitMQQueue(jobs.RabbitMQConfig{
			URL:        qc.RabbitMQ.URL,
			Queue:      qc.RabbitMQ.Queue,
			Prefetch:   qc.RabbitMQ.Prefetch,
			Durable:    qc.RabbitMQ.Durable,
			AutoDelete: qc.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", qc.Driver)
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "查看已持久化的工作流上下文",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "diagnostics", Aliases: []string{"d"}, Usage: "输出诊断包"},
		},
		Action: func(c *cli.Context) error {
			id := strings.TrimSpace(c.Args().First())
			if id == "" {
				return cli.Exit("缺少工作流 ID", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			svc, err := buildServices(c.Context, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			if c.Bool("diagnostics") {
				bundle, err := svc.contexts.LoadDiagnosticBundle(c.Context, id)
				if err != nil {
					return err
				}
				return writeJSON(c.App.Writer, bundle)
			}
			wf, err := svc.contexts.Load(c.Context, id)
			if err != nil {
				return err
			}
			headerStyle.Fprintf(c.App.Writer, "workflow %s\n", wf.WorkflowID)
			printStages(c.App.Writer, workflow.Summarize(wf))
			fmt.Fprintf(c.App.Writer, "  status: %s\n", statusStyle(wf.Status).Sprint(wf.Status))
			return nil
		},
	}
}

func doctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "检查本地工具链",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			probe := toolchain.NewProbe(map[string]string{
				toolchain.ToolSolc:    cfg.Toolchain.Solc,
				toolchain.ToolSlither: cfg.Toolchain.Slither,
				toolchain.ToolNpm:     cfg.Toolchain.Npm,
			}, nil)
			missing := probe.Missing(c.Context)
			printVersions(c.App.Writer, probe.Versions(c.Context), missing, toolchain.Hint)
			if len(missing) > 0 {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
