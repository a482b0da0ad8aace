package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config SSH配置
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// ConnectionInfo SSH连接信息
type ConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	KeyFile  string `json:"key_file,omitempty"`
}

// Key 连接唯一键
func (i *ConnectionInfo) Key() string {
	return fmt.Sprintf("%s:%d@%s", i.Host, i.Port, i.Username)
}

// CommandResult 命令执行结果
type CommandResult struct {
	Command  string        `json:"command"`
	Output   []byte        `json:"output"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Client SSH客户端（用于在实验室主机上执行 adb / xcrun 等命令）
type Client struct {
	config     *Config
	connection *ssh.Client
	mutex      sync.RWMutex
	stopChan   chan struct{}
}

// NewClient 创建SSH客户端
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{Timeout: 7 * time.Second}
	}
	return &Client{config: config}
}

// Connect 连接SSH服务器
func (c *Client) Connect(ctx context.Context, info *ConnectionInfo) error {
	auth, err := authMethods(info)
	if err != nil {
		return err
	}

	sshConfig := &ssh.ClientConfig{
		User: info.Username,
		Auth: auth,
		// 实验室主机位于内网，不维护 known_hosts
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
	}

	port := info.Port
	if port == 0 {
		port = 22
	}
	address := net.JoinHostPort(info.Host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SSH connection: %w", err)
	}

	c.mutex.Lock()
	c.connection = ssh.NewClient(sshConn, chans, reqs)
	c.stopChan = make(chan struct{})
	stop := c.stopChan
	c.mutex.Unlock()

	go c.keepAlive(stop)
	return nil
}

// authMethods 密码与密钥文件认证，二者均可选
func authMethods(info *ConnectionInfo) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if info.KeyFile != "" {
		key, err := os.ReadFile(info.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if info.Password != "" {
		methods = append(methods,
			ssh.Password(info.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = info.Password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh auth method configured for %s", info.Host)
	}
	return methods, nil
}

// Run 执行单条命令并返回合并输出；ctx 取消时关闭会话
func (c *Client) Run(ctx context.Context, command string) (*CommandResult, error) {
	c.mutex.RLock()
	conn := c.connection
	c.mutex.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("SSH connection not established")
	}

	start := time.Now()
	result := &CommandResult{Command: command}

	session, err := conn.NewSession()
	if err != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	type outcome struct {
		out []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- outcome{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		result.ExitCode = -1
		result.Duration = time.Since(start)
		return result, ctx.Err()
	case o := <-done:
		result.Output = o.out
		result.Duration = time.Since(start)
		if o.err != nil {
			if exitErr, ok := o.err.(*ssh.ExitError); ok {
				result.ExitCode = exitErr.ExitStatus()
			} else {
				result.ExitCode = -1
			}
			return result, fmt.Errorf("command %q failed: %w: %s", command, o.err, strings.TrimSpace(string(o.out)))
		}
		return result, nil
	}
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.stopChan != nil {
		close(c.stopChan)
		c.stopChan = nil
	}
	if c.connection != nil {
		err := c.connection.Close()
		c.connection = nil
		return err
	}
	return nil
}

// IsConnected 通过 keepalive 请求检查连接是否可用
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	conn := c.connection
	c.mutex.RUnlock()
	if conn == nil {
		return false
	}
	_, _, err := conn.SendRequest("keepalive@openssh.com", false, nil)
	return err == nil
}

// keepAlive 保持连接活跃，失败时置空连接以便池清理
func (c *Client) keepAlive(stop <-chan struct{}) {
	if c.config.KeepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.IsConnected() {
				c.mutex.Lock()
				if c.connection != nil {
					_ = c.connection.Close()
					c.connection = nil
				}
				c.mutex.Unlock()
				return
			}
		}
	}
}
