package workflow

import (
	"time"

	"ChainForge/internal/config"
	"ChainForge/internal/pipeline"
)

// Settings 汇总影响编排行为的配置项。
type Settings struct {
	StageTimeouts            map[pipeline.Stage]time.Duration
	BlockOnHighSeverity      bool
	BlockOnDependencyFailure bool
	KeepSuccessfulWorkspace  bool
	DefaultNetwork           string
	Optimize                 bool
	OptimizerRuns            int
	CompilerVersion          string
	ArtifactPatterns         []string
	// ExplorerFor 返回网络对应的区块浏览器 API 地址，为空时使用验证器的默认地址。
	ExplorerFor func(network string) string
}

// SettingsFromConfig 从全局配置构造编排设置。
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{StageTimeouts: make(map[pipeline.Stage]time.Duration)}
	if cfg == nil {
		return settings
	}
	for _, stage := range pipeline.Stages {
		if timeout := cfg.StageTimeout(string(stage)); timeout > 0 {
			settings.StageTimeouts[stage] = timeout
		}
	}
	settings.BlockOnHighSeverity = cfg.Pipeline.Audit.BlockOnHighSeverity
	settings.BlockOnDependencyFailure = cfg.Pipeline.Dependencies.BlockOnFailure
	settings.DefaultNetwork = cfg.Web3.DefaultNetwork
	settings.Optimize = cfg.Toolchain.Optimize
	settings.OptimizerRuns = 200
	settings.CompilerVersion = cfg.Verification.CompilerVersion
	return settings
}

func (s Settings) timeout(stage pipeline.Stage) time.Duration {
	if s.StageTimeouts == nil {
		return 0
	}
	return s.StageTimeouts[stage]
}
