package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储目录与源站。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	Origin          string   `mapstructure:"Origin"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// AssetConfig 描述版本化资源缓存：当前代际、预热清单与兜底文档。
type AssetConfig struct {
	Generation           string   `mapstructure:"Generation"`
	Manifest             []string `mapstructure:"Manifest"`
	DefaultDocument      string   `mapstructure:"DefaultDocument"`
	SkipWaitingOnInstall bool     `mapstructure:"SkipWaitingOnInstall"`
}

// LocalCacheConfig 对应应用层使用的 TTL 键值缓存。
type LocalCacheConfig struct {
	TTL        Duration `mapstructure:"TTL"`
	MaxEntries int      `mapstructure:"MaxEntries"`
	Prefix     string   `mapstructure:"Prefix"`
}

// SyncConfig 控制离线动作队列的回放行为。MaxAttempts 为 0 表示无限重试。
type SyncConfig struct {
	Tags        []string `mapstructure:"Tags"`
	ReplayPath  string   `mapstructure:"ReplayPath"`
	MaxAttempts int      `mapstructure:"MaxAttempts"`
	LockTTL     Duration `mapstructure:"LockTTL"`
}

// RedisConfig 为空 Addr 时不启用跨进程 drain 锁。
type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
}

// S3Config 启用后资源缓存代际写入对象存储而非本地磁盘。
type S3Config struct {
	Enabled   bool   `mapstructure:"Enabled"`
	Endpoint  string `mapstructure:"Endpoint"`
	Region    string `mapstructure:"Region"`
	Bucket    string `mapstructure:"Bucket"`
	Prefix    string `mapstructure:"Prefix"`
	AccessKey string `mapstructure:"AccessKey"`
	SecretKey string `mapstructure:"SecretKey"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig     `mapstructure:",squash"`
	Assets     AssetConfig      `mapstructure:",squash"`
	LocalCache LocalCacheConfig `mapstructure:"LocalCache"`
	Sync       SyncConfig       `mapstructure:"Sync"`
	Redis      RedisConfig      `mapstructure:"Redis"`
	S3         S3Config         `mapstructure:"S3"`
}

// AssetBackend 输出 `s3` 或 `disk`，供日志字段使用。
func (c *Config) AssetBackend() string {
	if c.S3.Enabled {
		return "s3"
	}
	return "disk"
}

// DrainLockMode 输出 `redis` 或 `local`，供日志字段使用。
func (c *Config) DrainLockMode() string {
	if strings.TrimSpace(c.Redis.Addr) != "" {
		return "redis"
	}
	return "local"
}
