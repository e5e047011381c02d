package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultSyncTag 是最小契约中唯一必定存在的同步队列。
const DefaultSyncTag = "sync-data"

// DefaultS3Prefix 是 S3 后端的默认对象前缀，代际目录都落在它下面。
const DefaultS3Prefix = "offline-hub/assets"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Generation", "dashboard-v1")
	v.SetDefault("Manifest", []string{"/"})
	v.SetDefault("DefaultDocument", "/")
	v.SetDefault("SkipWaitingOnInstall", true)
	v.SetDefault("S3.Prefix", DefaultS3Prefix)
	v.SetDefault("LocalCache.TTL", "24h")
	v.SetDefault("LocalCache.MaxEntries", 50)
	v.SetDefault("LocalCache.Prefix", "dashboard_cache_")
	v.SetDefault("Sync.Tags", []string{DefaultSyncTag})
	v.SetDefault("Sync.ReplayPath", "/api/sync")
	v.SetDefault("Sync.MaxAttempts", 0)
	v.SetDefault("Sync.LockTTL", "60s")
}

// applyDefaults 兜底 viper 无法覆盖的零值，例如测试中直接构造的 Config。
func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")

	a := &cfg.Assets
	a.Generation = strings.TrimSpace(a.Generation)
	if strings.TrimSpace(a.DefaultDocument) == "" {
		a.DefaultDocument = "/"
	}

	l := &cfg.LocalCache
	if l.TTL.DurationValue() == 0 {
		l.TTL = Duration(24 * time.Hour)
	}
	if l.MaxEntries == 0 {
		l.MaxEntries = 50
	}

	s := &cfg.Sync
	if !containsTag(s.Tags, DefaultSyncTag) {
		s.Tags = append([]string{DefaultSyncTag}, s.Tags...)
	}
	if s.LockTTL.DurationValue() == 0 {
		s.LockTTL = Duration(time.Minute)
	}
	if s.ReplayPath == "" {
		s.ReplayPath = "/api/sync"
	}
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}
	return false
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
