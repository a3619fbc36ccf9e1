package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/spf13/viper"
)

type Config struct {
	SSH       SSHConfig      `mapstructure:"ssh"`
	Dump      DumpConfig     `mapstructure:"dump"`
	Database  DatabaseConfig `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig `mapstructure:"rabbitmq"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	Server    ServerConfig   `mapstructure:"server"`
	Log       LogConfig      `mapstructure:"log"`
	OutputDir string         `mapstructure:"output_dir"`
}

// SSHConfig 设备 SSH 凭据，password 与 key_file 必须且只能提供一个
type SSHConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	KeyFile  string        `mapstructure:"key_file"`
	Timeout  time.Duration `mapstructure:"timeout"` // 建立连接超时
}

// DumpConfig dump 流程配置
type DumpConfig struct {
	ScriptPath     string        `mapstructure:"script_path"`     // 注入脚本路径
	Timeout        time.Duration `mapstructure:"timeout"`         // 等待 done 的最长时间
	Device         string        `mapstructure:"device"`          // 指定设备 ID（多设备时跳过交互选择）
	DeviceAttempts int           `mapstructure:"device_attempts"` // 枚举设备的最大尝试次数
	DeviceInterval time.Duration `mapstructure:"device_interval"` // 枚举设备的重试间隔
	WatchStaging   bool          `mapstructure:"watch_staging"`   // 监控暂存目录的文件变化
}

// DatabaseConfig 运行历史存储
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // sqlite, mysql
	Path     string `mapstructure:"path"` // sqlite 文件路径
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// MetricsConfig 指标导出配置
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"` // node_exporter textfile 路径，为空则不导出
}

// ServerConfig 状态服务配置
type ServerConfig struct {
	Addr  string `mapstructure:"addr"`  // 为空表示不启动
	Mode  string `mapstructure:"mode"`  // debug, release
	Token string `mapstructure:"token"` // 非空时 /api 与 /ws 需要 Bearer 认证
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 每次运行覆盖写入
	Events string `mapstructure:"events"` // 事件 JSONL 文件，追加写入，为空则不记录
}

// Validate 校验 SSH 凭据，在任何连接尝试之前调用
func (c *SSHConfig) Validate() error {
	if c.Host == "" {
		return domain.NewConfigurationError("ssh host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return domain.NewConfigurationError("invalid ssh port %d", c.Port)
	}
	if c.User == "" {
		return domain.NewConfigurationError("ssh user must not be empty")
	}

	hasPassword := c.Password != ""
	hasKey := c.KeyFile != ""
	switch {
	case !hasPassword && !hasKey:
		return domain.NewConfigurationError("either password or key file must be provided")
	case hasPassword && hasKey:
		return domain.NewConfigurationError("password and key file are mutually exclusive")
	}
	return nil
}

// Validate 校验注入脚本可读，与 SSH 凭据一起在连接之前调用
func (c *DumpConfig) Validate() error {
	if c.ScriptPath == "" {
		return domain.NewConfigurationError("dump script path must not be empty")
	}
	info, err := os.Stat(c.ScriptPath)
	if err != nil {
		return domain.NewConfigurationError("dump script %s not found: %v", c.ScriptPath, err)
	}
	if info.IsDir() {
		return domain.NewConfigurationError("dump script %s is a directory", c.ScriptPath)
	}
	return nil
}

// Address host:port
func (c *SSHConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StagingDir 暂存目录，固定为输出目录下的 Payload
func (c *Config) StagingDir() string {
	return filepath.Join(c.OutputDir, "Payload")
}

// SetDefaults 设置默认值，在读取配置文件之前调用
func SetDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v.SetDefault("ssh.host", "127.0.0.1")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.timeout", "30s")

	v.SetDefault("dump.script_path", "./scripts/dump.js")
	v.SetDefault("dump.timeout", "2h")
	v.SetDefault("dump.device_attempts", 3)
	v.SetDefault("dump.device_interval", "1s")
	v.SetDefault("dump.watch_staging", true)

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, ".ipadump", "history.db"))

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "ipa_dumps")

	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "runtime.log")

	v.SetDefault("output_dir", filepath.Join(home, "Downloads", "ios_dumps"))
}

// Load 使用全局 viper 加载配置（cobra 的 flag 绑定在全局 viper 上）
func Load(path string) (*Config, error) {
	return LoadFrom(viper.GetViper(), path)
}

// LoadFrom 从指定 viper 实例加载配置
// path 为空时按默认位置查找 config.yaml，找不到不算错误
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("IPADUMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 常用凭据单独绑定，方便不写配置文件直接使用
	v.BindEnv("ssh.password", "IPADUMP_SSH_PASSWORD")
	v.BindEnv("ssh.key_file", "IPADUMP_SSH_KEY_FILE")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("server.token", "IPADUMP_STATUS_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ipadump")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.OutputDir = expandHome(cfg.OutputDir)
	cfg.SSH.KeyFile = expandHome(cfg.SSH.KeyFile)
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Log.Events = expandHome(cfg.Log.Events)
	cfg.Dump.ScriptPath = expandHome(cfg.Dump.ScriptPath)

	return &cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
