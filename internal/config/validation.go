package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}

	a := c.Assets
	if a.Generation == "" {
		return newFieldError("Generation", "不能为空")
	}
	if strings.ContainsAny(a.Generation, `/\ `) {
		return newFieldError("Generation", "不允许包含路径分隔符或空格")
	}
	for i, entry := range a.Manifest {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(indexedField("Manifest", i), "必须是以 / 开头的绝对路径")
		}
	}
	if !strings.HasPrefix(a.DefaultDocument, "/") {
		return newFieldError("DefaultDocument", "必须是以 / 开头的绝对路径")
	}

	l := c.LocalCache
	if l.TTL.DurationValue() <= 0 {
		return newFieldError("LocalCache.TTL", "必须大于 0")
	}
	if l.MaxEntries < 0 {
		return newFieldError("LocalCache.MaxEntries", "不能为负数")
	}
	if strings.ContainsAny(l.Prefix, `/\`) {
		return newFieldError("LocalCache.Prefix", "不允许包含路径分隔符")
	}

	s := c.Sync
	if s.MaxAttempts < 0 {
		return newFieldError("Sync.MaxAttempts", "不能为负数")
	}
	if !strings.HasPrefix(s.ReplayPath, "/") {
		return newFieldError("Sync.ReplayPath", "必须以 / 开头")
	}
	if s.LockTTL.DurationValue() <= 0 {
		return newFieldError("Sync.LockTTL", "必须大于 0")
	}
	seen := map[string]struct{}{}
	for i, tag := range s.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return newFieldError(indexedField("Sync.Tags", i), "不能为空")
		}
		if _, exists := seen[tag]; exists {
			return newFieldError(indexedField("Sync.Tags", i), "重复")
		}
		seen[tag] = struct{}{}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return newFieldError("S3.Bucket", "启用 S3 时不能为空")
		}
		if strings.Trim(strings.TrimSpace(c.S3.Prefix), "/") == "" {
			return newFieldError("S3.Prefix", "启用 S3 时不能为空")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			return newFieldError("S3.AccessKey/SecretKey", "必须同时提供或同时留空")
		}
		if c.S3.Endpoint != "" {
			if err := validateOrigin(c.S3.Endpoint); err != nil {
				return fmt.Errorf("S3.Endpoint: %w", err)
			}
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
