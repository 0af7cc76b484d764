package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ChainProbe/pkg/logger"
)

// Config 描述了 ChainProbe 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      logger.Config      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	LLM          LLMConfig          `json:"llm"`
	Web3         Web3Config         `json:"web3"`
	Explorer     ExplorerConfig     `json:"explorer"`
	Compiler     CompilerConfig     `json:"compiler"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
	Alerting     AlertingConfig     `json:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。
type ServerConfig struct {
	Address               string `json:"address"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	// Tokens 为空时 API 不做认证。
	Tokens []APIToken `json:"tokens"`
}

// APIToken 描述一个 API 访问令牌，令牌值可以放在环境变量中。
type APIToken struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// RequestTimeout 返回单个请求的超时时间。
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StorageConfig 描述检查点、报告、部署产物以及审计任务的持久化后端。
type StorageConfig struct {
	// Driver 取值 memory / sqlite / mysql，用于检查点、报告与部署产物。
	Driver string       `json:"driver"`
	SQLite SQLiteConfig `json:"sqlite"`
	MySQL  MySQLConfig  `json:"mysql"`
	// CheckpointDriver 可单独把检查点放到 redis，其余数据仍走 Driver。
	CheckpointDriver string      `json:"checkpoint_driver"`
	Redis            RedisConfig `json:"redis"`
	// RunStore 为审计任务队列状态的存储，取值 memory / mysql。
	RunStore   string `json:"run_store"`
	RunRetries int    `json:"run_retries"`
}

// SQLiteConfig 描述嵌入式 SQLite 数据库文件位置。
type SQLiteConfig struct {
	Path string `json:"path"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最长存活时间。
func (c MySQLConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最长空闲时间。
func (c MySQLConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接参数，队列、检查点和账户锁共用。
type RedisConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
	KeyPrefix   string `json:"key_prefix"`

	// DialTimeoutSeconds 为 0 时使用 go-redis 默认值。
	DialTimeoutSeconds int `json:"dial_timeout_seconds"`
}

// QueueConfig 描述审计任务队列。
type QueueConfig struct {
	Driver    string         `json:"driver"`
	Workers   int            `json:"workers"`
	Redis     RedisQueue     `json:"redis"`
	RabbitMQ  RabbitMQConfig `json:"rabbitmq"`
	QueueSize int            `json:"queue_size"`
}

// RedisQueue 描述 Redis list 队列名称与阻塞等待时长。Consumer 为空时使用主机名。
type RedisQueue struct {
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
	Consumer         string `json:"consumer"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	URLEnv     string `json:"url_env"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 描述补全服务以及智能体调用策略。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
	// MaxAttempts 为单次智能体步骤调用补全服务的最大尝试次数。
	MaxAttempts        int `json:"max_attempts"`
	InitialBackoffMS   int `json:"initial_backoff_ms"`
	MaxBackoffMS       int `json:"max_backoff_ms"`
	ContextTokens      int `json:"context_tokens"`
	ReserveTokens      int `json:"reserve_tokens"`
	StepTimeoutSeconds int `json:"step_timeout_seconds"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回单次请求超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Web3Config 包含访问区块链与签名账户所需的信息。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	ChainID      int64  `json:"chain_id"`
	// PrivateKeyEnv 指向保存签名私钥的环境变量，默认 WALLET_PRIVATE_KEY。
	PrivateKeyEnv string   `json:"private_key_env"`
	WalletsFile   string   `json:"wallets_file"`
	Tx            TxConfig `json:"tx"`
	// LockDriver 取值 local / redis，决定同一账户的提交串行化方式。
	LockDriver string `json:"lock_driver"`
}

// TxConfig 描述交易构造与重试策略。
type TxConfig struct {
	GasLimit              uint64 `json:"gas_limit"`
	GasLimitStep          uint64 `json:"gas_limit_step"`
	GasPriceBumpPercent   uint64 `json:"gas_price_bump_percent"`
	MaxAttempts           int    `json:"max_attempts"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
	MaxReentrancyRounds   int    `json:"max_reentrancy_rounds"`
}

// ReceiptTimeout 返回等待交易回执的超时时间。
func (c TxConfig) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutSeconds) * time.Second
}

// ExplorerConfig 描述区块浏览器接口。
type ExplorerConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CompilerConfig 描述 Solidity 编译器。
type CompilerConfig struct {
	SolcPath       string `json:"solc_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// OrchestratorConfig 控制状态机的步数上限与工具并发。
type OrchestratorConfig struct {
	MaxSteps int `json:"max_steps"`
	// SequentialTools 为 true 时同一轮的工具调用逐个执行，默认并行。
	SequentialTools bool `json:"sequential_tools"`
	MaxToolWorkers  int  `json:"max_tool_workers"`
}

// KnowledgeConfig 描述漏洞模式知识库。Source 为空时使用内置条目。
type KnowledgeConfig struct {
	Disabled   bool   `json:"disabled"`
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// TelemetryConfig 控制链路追踪。
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"service_name"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL    string `json:"webhook_url"`
	WebhookURLEnv string `json:"webhook_url_env"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoadEnvFiles 依次加载 .env 与 .env.<APP_ENV>，后者覆盖前者。文件不存在时忽略。
func LoadEnvFiles(dir string) error {
	base := filepath.Join(dir, ".env")
	if _, err := os.Stat(base); err == nil {
		if err := godotenv.Load(base); err != nil {
			return fmt.Errorf("加载 %s 失败: %w", base, err)
		}
	}
	if env := strings.TrimSpace(os.Getenv("APP_ENV")); env != "" {
		overlay := filepath.Join(dir, ".env."+env)
		if _, err := os.Stat(overlay); err == nil {
			if err := godotenv.Overload(overlay); err != nil {
				return fmt.Errorf("加载 %s 失败: %w", overlay, err)
			}
		}
	}
	return nil
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := LoadEnvFiles(baseDir); err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	cfg.resolveSecrets()

	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，便于命令行一次性运行。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	cfg.resolveSecrets()
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		c.Server.RequestTimeoutSeconds = 30
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.CheckpointDriver == "" {
		c.Storage.CheckpointDriver = c.Storage.Driver
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = filepath.Join(c.Runtime.DataDir, "chainprobe.db")
	} else if !filepath.IsAbs(c.Storage.SQLite.Path) {
		c.Storage.SQLite.Path = filepath.Join(baseDir, c.Storage.SQLite.Path)
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "chainprobe:"
	}
	if c.Storage.RunStore == "" {
		c.Storage.RunStore = "memory"
	}
	if c.Storage.RunRetries <= 0 {
		c.Storage.RunRetries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.QueueSize <= 0 {
		c.Queue.QueueSize = 256
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 120
	}
	if c.LLM.MaxAttempts <= 0 {
		c.LLM.MaxAttempts = 3
	}
	if c.LLM.InitialBackoffMS <= 0 {
		c.LLM.InitialBackoffMS = 1000
	}
	if c.LLM.MaxBackoffMS <= 0 {
		c.LLM.MaxBackoffMS = 20000
	}
	if c.LLM.ContextTokens <= 0 {
		c.LLM.ContextTokens = 128000
	}
	if c.LLM.ReserveTokens <= 0 {
		c.LLM.ReserveTokens = 4096
	}

	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "WALLET_PRIVATE_KEY"
	}
	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 11155111
	}
	if c.Web3.LockDriver == "" {
		c.Web3.LockDriver = "local"
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.WalletsFile != "" && !filepath.IsAbs(c.Web3.WalletsFile) {
		c.Web3.WalletsFile = filepath.Join(baseDir, c.Web3.WalletsFile)
	}
	if c.Web3.Tx.GasLimit == 0 {
		c.Web3.Tx.GasLimit = 2_000_000
	}
	if c.Web3.Tx.GasLimitStep == 0 {
		c.Web3.Tx.GasLimitStep = 500_000
	}
	if c.Web3.Tx.GasPriceBumpPercent == 0 {
		c.Web3.Tx.GasPriceBumpPercent = 20
	}
	if c.Web3.Tx.MaxAttempts <= 0 {
		c.Web3.Tx.MaxAttempts = 3
	}
	if c.Web3.Tx.ReceiptTimeoutSeconds <= 0 {
		c.Web3.Tx.ReceiptTimeoutSeconds = 180
	}
	if c.Web3.Tx.MaxReentrancyRounds <= 0 {
		c.Web3.Tx.MaxReentrancyRounds = 10
	}

	if c.Explorer.BaseURL == "" {
		c.Explorer.BaseURL = "https://api.etherscan.io/v2/api"
	}
	if c.Explorer.APIKeyEnv == "" {
		c.Explorer.APIKeyEnv = "ETHERSCAN_API_KEY"
	}
	if c.Explorer.TimeoutSeconds <= 0 {
		c.Explorer.TimeoutSeconds = 20
	}

	if c.Compiler.SolcPath == "" {
		c.Compiler.SolcPath = "solc"
	}
	if c.Compiler.TimeoutSeconds <= 0 {
		c.Compiler.TimeoutSeconds = 60
	}

	if c.Orchestrator.MaxSteps <= 0 {
		c.Orchestrator.MaxSteps = 100
	}
	if c.Orchestrator.MaxToolWorkers <= 0 {
		c.Orchestrator.MaxToolWorkers = 4
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "chainprobe"
	}
}

// resolveSecrets 将 *_env 字段指向的环境变量填充到对应的明文字段。
func (c *Config) resolveSecrets() {
	c.LLM.OpenAI.APIKey = fromEnv(c.LLM.OpenAI.APIKey, c.LLM.OpenAI.APIKeyEnv)
	c.Explorer.APIKey = fromEnv(c.Explorer.APIKey, c.Explorer.APIKeyEnv)
	c.Storage.MySQL.DSN = fromEnv(c.Storage.MySQL.DSN, c.Storage.MySQL.DSNEnv)
	c.Storage.Redis.Password = fromEnv(c.Storage.Redis.Password, c.Storage.Redis.PasswordEnv)
	c.Queue.RabbitMQ.URL = fromEnv(c.Queue.RabbitMQ.URL, c.Queue.RabbitMQ.URLEnv)
	c.Alerting.WebhookURL = fromEnv(c.Alerting.WebhookURL, c.Alerting.WebhookURLEnv)
	for i := range c.Server.Tokens {
		c.Server.Tokens[i].Token = fromEnv(c.Server.Tokens[i].Token, c.Server.Tokens[i].TokenEnv)
	}
}

// PrivateKey 返回签名账户私钥（十六进制，可能为空）。
func (c *Config) PrivateKey() string {
	return strings.TrimSpace(os.Getenv(c.Web3.PrivateKeyEnv))
}

func fromEnv(current, envName string) string {
	if strings.TrimSpace(current) != "" || strings.TrimSpace(envName) == "" {
		return strings.TrimSpace(current)
	}
	return strings.TrimSpace(os.Getenv(envName))
}
