package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "CHAINFORGE_CONFIG"

//go:embed schema.json
var schemaJSON string

// Config 描述了 ChainForge 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Workspace    WorkspaceConfig    `json:"workspace"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	LLM          LLMConfig          `json:"llm"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	Web3         Web3Config         `json:"web3"`
	Toolchain    ToolchainConfig    `json:"toolchain"`
	Pipeline     PipelineConfig     `json:"pipeline"`
	Verification VerificationConfig `json:"verification"`
	Alerting     AlertingConfig     `json:"alerting"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// WorkspaceConfig 指定隔离环境与上下文文件所在的根目录。
type WorkspaceConfig struct {
	Root string `json:"root"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 统一描述上下文存储与 Redis 连接信息。
type StorageConfig struct {
	ContextStore ContextStoreConfig `json:"context_store"`
	Redis        RedisConfig        `json:"redis"`
}

// ContextStoreConfig 选择工作流上下文的存储后端：file、mysql 或 redis。
type ContextStoreConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	TTL             Duration `json:"ttl"`
}

// RedisConfig 描述 Redis 的连接参数，上下文存储、队列与分布式锁共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// QueueConfig 描述 API 模式下的任务队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Buffer   int            `json:"buffer"`
	Redis    RedisQueue     `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisQueue 描述 Redis list 队列。
type RedisQueue struct {
	Queue     string   `json:"queue"`
	BlockWait Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置合约生成的调用方式：template、openai 或 python_bridge。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey      string   `json:"api_key"`
	APIKeyEnv   string   `json:"api_key_env"`
	BaseURL     string   `json:"base_url"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	Timeout     Duration `json:"timeout"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成生成时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// KnowledgeConfig 指定额外的合约编写规范文件。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// Web3Config 包含链配置文件与部署签名信息。
type Web3Config struct {
	ChainConfig    string   `json:"chain_config"`
	DefaultNetwork string   `json:"default_network"`
	RPCURL         string   `json:"rpc_url"`
	PrivateKeyEnv  string   `json:"private_key_env"`
	GasLimit       uint64   `json:"gas_limit"`
	ReceiptPoll    Duration `json:"receipt_poll"`
}

// ToolchainConfig 指定外部工具的可执行文件路径，为空时从 PATH 查找。
type ToolchainConfig struct {
	Solc       string `json:"solc"`
	Slither    string `json:"slither"`
	Npm        string `json:"npm"`
	Optimize   bool   `json:"optimize"`
	EVMVersion string `json:"evm_version"`
}

// PipelineConfig 控制重试、超时与阶段门禁。
type PipelineConfig struct {
	MaxRetries    *int                `json:"max_retries"`
	Backoff       BackoffConfig       `json:"backoff"`
	StageTimeouts map[string]Duration `json:"stage_timeouts"`
	Audit         AuditGateConfig     `json:"audit"`
	Dependencies  DependencyConfig    `json:"dependencies"`
}

// BackoffConfig 描述指数退避。
type BackoffConfig struct {
	Initial Duration `json:"initial"`
	Factor  float64  `json:"factor"`
	Max     Duration `json:"max"`
	Jitter  bool     `json:"jitter"`
}

// AuditGateConfig 控制审计阶段是否阻断流水线。
type AuditGateConfig struct {
	Enabled             *bool `json:"enabled"`
	BlockOnHighSeverity bool  `json:"block_on_high_severity"`
}

// DependencyConfig 控制依赖解析阶段。
type DependencyConfig struct {
	BlockOnFailure  bool   `json:"block_on_failure"`
	CacheDir        string `json:"cache_dir"`
	DistributedLock bool   `json:"distributed_lock"`
}

// VerificationConfig 描述区块浏览器验证接口。
type VerificationConfig struct {
	Enabled         bool     `json:"enabled"`
	APIURL          string   `json:"api_url"`
	APIKeyEnv       string   `json:"api_key_env"`
	CompilerVersion string   `json:"compiler_version"`
	PollInterval    Duration `json:"poll_interval"`
}

// AlertingConfig 配置告警通知。
type AlertingConfig struct {
	WebhookURL string   `json:"webhook_url"`
	Timeout    Duration `json:"timeout"`
}

// MetricsConfig 配置指标暴露。
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// Duration 以 "2s"、"1m30s" 形式出现在配置中。
type Duration struct {
	time.Duration
}

// UnmarshalJSON 支持字符串与秒数两种写法。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", text, err)
		}
		d.Duration = parsed
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("无效的时长 %s", string(data))
	}
	d.Duration = time.Duration(seconds * float64(time.Second))
	return nil
}

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Path 返回配置文件路径：优先环境变量，其次 configs/chainforge.yaml。
func Path() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return filepath.Join("configs", "chainforge.yaml")
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	cfg.applyDefaults(absDir)
	return cfg, nil
}

// Default 返回不依赖配置文件的默认配置，baseDir 作为相对路径的基准。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// Parse 解析配置内容并执行 schema 校验，不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	if strings.EqualFold(ext, ".yaml") || strings.EqualFold(ext, ".yml") {
		converted, err := yamlToJSON(content)
		if err != nil {
			return nil, err
		}
		content = converted
	}

	if err := validate(content); err != nil {
		return nil, err
	}

	var cfg Config
	decoder := json.NewDecoder(bytes.NewReader(content))
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

func yamlToJSON(content []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("转换 YAML 配置失败: %w", err)
	}
	return out, nil
}

func validate(content []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("chainforge.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("加载配置 schema 失败: %w", err)
	}
	schema, err := compiler.Compile("chainforge.schema.json")
	if err != nil {
		return fmt.Errorf("编译配置 schema 失败: %w", err)
	}
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Workspace.Root = resolve(baseDir, c.Workspace.Root, ".")

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, filepath.Join("logs", "audit.log"))
	}

	if c.Storage.ContextStore.Driver == "" {
		c.Storage.ContextStore.Driver = "file"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "chainforge"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "template"
	}
	if c.LLM.OpenAI.Timeout.Duration <= 0 {
		c.LLM.OpenAI.Timeout.Duration = 60 * time.Second
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir, ".")

	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source, "")
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "CHAINFORGE_PRIVATE_KEY"
	}
	if c.Web3.ReceiptPoll.Duration <= 0 {
		c.Web3.ReceiptPoll.Duration = 2 * time.Second
	}

	if c.Pipeline.MaxRetries == nil {
		retries := 3
		c.Pipeline.MaxRetries = &retries
	}
	if c.Pipeline.Backoff.Initial.Duration <= 0 {
		c.Pipeline.Backoff.Initial.Duration = 2 * time.Second
	}
	if c.Pipeline.Backoff.Factor <= 0 {
		c.Pipeline.Backoff.Factor = 2
	}
	if c.Pipeline.Backoff.Max.Duration <= 0 {
		c.Pipeline.Backoff.Max.Duration = 30 * time.Second
	}
	if c.Pipeline.Audit.Enabled == nil {
		enabled := true
		c.Pipeline.Audit.Enabled = &enabled
	}
	c.Pipeline.Dependencies.CacheDir = resolve(baseDir, c.Pipeline.Dependencies.CacheDir, filepath.Join(".cache", "packages"))
	if c.Pipeline.StageTimeouts == nil {
		c.Pipeline.StageTimeouts = map[string]Duration{}
	}
	for stage, timeout := range defaultStageTimeouts {
		if _, ok := c.Pipeline.StageTimeouts[stage]; !ok {
			c.Pipeline.StageTimeouts[stage] = Duration{timeout}
		}
	}

	if c.Verification.APIKeyEnv == "" {
		c.Verification.APIKeyEnv = "ETHERSCAN_API_KEY"
	}
	if c.Verification.PollInterval.Duration <= 0 {
		c.Verification.PollInterval.Duration = 5 * time.Second
	}

	if c.Alerting.Timeout.Duration <= 0 {
		c.Alerting.Timeout.Duration = 5 * time.Second
	}
}

var defaultStageTimeouts = map[string]time.Duration{
	"generation":            2 * time.Minute,
	"dependency_resolution": 5 * time.Minute,
	"compilation":           2 * time.Minute,
	"audit":                 5 * time.Minute,
	"deployment":            3 * time.Minute,
	"verification":          2 * time.Minute,
}

func resolve(baseDir, value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// StageTimeout 返回阶段超时，未配置时为 0。
func (c *Config) StageTimeout(stage string) time.Duration {
	return c.Pipeline.StageTimeouts[stage].Duration
}

// Retries 返回最大重试次数。
func (c *Config) Retries() int {
	if c.Pipeline.MaxRetries == nil {
		return 3
	}
	return *c.Pipeline.MaxRetries
}

// AuditEnabled 指示是否执行审计阶段。
func (c *Config) AuditEnabled() bool {
	return c.Pipeline.Audit.Enabled == nil || *c.Pipeline.Audit.Enabled
}
