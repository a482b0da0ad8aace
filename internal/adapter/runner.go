package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/util"
	"github.com/devicefarmpro/devicefarmpro/pkg/ssh"
)

// Runner 外部命令执行器，本机直接执行或经 SSH 在实验室主机上执行
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	// Remote 是否在其他主机上执行（此时不校验本机环境）
	Remote() bool
}

// LocalRunner 本机执行
type LocalRunner struct {
	// ToolDir 非空时在该目录下查找可执行文件
	ToolDir string
}

// Run 执行命令并返回解码后的合并输出
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	bin := name
	if r.ToolDir != "" {
		bin = path.Join(r.ToolDir, name)
	}
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	text := util.DecodeOutput(out)
	if err != nil {
		return text, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(text))
	}
	return text, nil
}

// Remote 本机执行
func (r *LocalRunner) Remote() bool { return false }

// SSHRunner 通过 SSH 连接池在远程主机执行
type SSHRunner struct {
	pool    *ssh.Pool
	info    *ssh.ConnectionInfo
	toolDir string
}

// NewSSHRunner 基于配置创建 SSH 执行器
func NewSSHRunner(pool *ssh.Pool, cfg config.SSHConfig) *SSHRunner {
	return &SSHRunner{
		pool: pool,
		info: &ssh.ConnectionInfo{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			KeyFile:  cfg.KeyFile,
		},
		toolDir: cfg.ToolDir,
	}
}

// Run 拼接命令行后远程执行
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	bin := name
	if r.toolDir != "" {
		bin = path.Join(r.toolDir, name)
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(bin))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	res, err := r.pool.Run(ctx, r.info, strings.Join(parts, " "))
	if res == nil {
		return "", err
	}
	return util.DecodeOutput(res.Output), err
}

// Remote 远程执行
func (r *SSHRunner) Remote() bool { return true }

// Host 目标主机
func (r *SSHRunner) Host() string { return r.info.Host }

// shellQuote 仅对包含特殊字符的参数加单引号
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`|&;<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
