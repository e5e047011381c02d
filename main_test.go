package main

import (
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("OFFLINE_HUB_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "-check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" || !opts.checkOnly {
		t.Fatalf("flag 应高于环境变量，得到 %+v", opts)
	}
}

func TestParseCLIFlagsDefaultsAndErrors(t *testing.T) {
	t.Setenv("OFFLINE_HUB_CONFIG", "")

	opts, err := parseCLIFlags(nil)
	if err != nil || opts.configPath != "config.toml" {
		t.Fatalf("默认配置路径应为 config.toml，得到 %+v (%v)", opts, err)
	}
	if _, err := parseCLIFlags([]string{"-unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "Origin") {
		t.Fatalf("错误输出应指出缺失的 Origin，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "offline-hub") {
		t.Fatalf("version 输出应包含 offline-hub 标识")
	}
}
