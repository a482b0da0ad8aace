// Package sshtest 提供进程内的模拟实验室主机，按命令返回预置输出，用于测试经 SSH 执行 adb / xcrun 的路径
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
)

// Reply 单条命令的输出与退出码
type Reply struct {
	Output string
	Exit   int
}

// Server 模拟实验室主机，只支持 exec 请求
type Server struct {
	Password string

	listener net.Listener
	hostKey  ssh.Signer

	mu       sync.Mutex
	replies  map[string]Reply
	commands []string
	active   int
	wg       sync.WaitGroup
}

// NewServer 在 127.0.0.1 随机端口启动模拟主机
func NewServer(password string) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create host key signer: %w", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		Password: password,
		listener: ln,
		hostKey:  signer,
		replies:  make(map[string]Reply),
	}
	go s.serve()
	return s, nil
}

// Handle 预置命令输出；未预置的命令返回 127
func (s *Server) Handle(command string, reply Reply) {
	s.mu.Lock()
	s.replies[command] = reply
	s.mu.Unlock()
}

// Host 监听地址
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port 监听端口
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Commands 已收到的命令
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Active 当前连接数
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close 停止监听并等待连接退出
func (s *Server) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// listener closed
			return
		}
		s.mu.Lock()
		s.active++
		s.mu.Unlock()

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(c)
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}(conn)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == s.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "Authentication", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) > 0 && answers[0] == s.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.Component("sshtest").WithError(err).Debug("SSH handshake failed")
		_ = nc.Close()
		return
	}
	defer conn.Close()

	// keepalive 等全局请求一律回复失败，客户端据此判断连接存活
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		command := strings.TrimSpace(payload.Command)
		s.mu.Lock()
		s.commands = append(s.commands, command)
		reply, ok := s.replies[command]
		s.mu.Unlock()
		if !ok {
			reply = Reply{Output: command + ": command not found\n", Exit: 127}
		}

		_, _ = channel.Write([]byte(reply.Output))
		status := struct{ Status uint32 }{uint32(reply.Exit)}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
		return
	}
}
