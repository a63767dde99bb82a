package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"ChainForge/internal/config"
)

// main 是 chainforge 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			if msg := exitErr.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, errorStyle.Sprint(msg))
			}
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, errorStyle.Sprintf("chainforge: %v", err))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "chainforge",
		Usage: "从自然语言生成、编译、审计并部署智能合约",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径 (JSON 或 YAML)",
				EnvVars: []string{config.EnvPath},
			},
			&cli.StringFlag{
				Name:  "workspace",
				Usage: "覆盖配置中的工作区根目录",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			serveCommand(),
			inspectCommand(),
			doctorCommand(),
		},
	}
}
