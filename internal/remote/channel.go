package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ProgressFunc 传输进度回调：文件名、总字节数、已接收字节数
type ProgressFunc func(name string, total, sent int64)

const probeTimeout = 10 * time.Second

// Channel 持有一条到设备的 SSH 连接，通过 SFTP 拉取文件
//
// 设备上的 sshd 可能在长时间 dump 过程中断开空闲连接，所以每次传输前都会探测连接，
// 断开时用同一份凭据重连一次。传输本身不重试。
type Channel struct {
	cfg             config.SSHConfig
	logger          logrus.FieldLogger
	hostKeyCallback ssh.HostKeyCallback

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client

	reconnects    atomic.Int64
	bytesReceived atomic.Int64
}

// Option 可选配置
type Option func(*Channel)

// WithHostKeyCallback 指定主机密钥校验（默认不校验，越狱设备的主机密钥通常不固定）
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(c *Channel) {
		c.hostKeyCallback = cb
	}
}

// New 创建通道，不建立连接
func New(cfg config.SSHConfig, logger logrus.FieldLogger, opts ...Option) *Channel {
	c := &Channel{
		cfg:             cfg,
		logger:          logger,
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Timeout == 0 {
		c.cfg.Timeout = 30 * time.Second
	}
	return c
}

// Connect 建立 SSH 会话，失败时不重试
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Channel) connectLocked(ctx context.Context) error {
	c.closeLocked()

	auth, err := c.authMethods()
	if err != nil {
		return err
	}

	addr := c.cfg.Address()
	clientConfig := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.cfg.Timeout,
	}

	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return domain.NewConnectivityError(addr, err)
	}

	// 握手阶段也受超时约束
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return domain.NewAuthenticationError(addr, err)
		}
		return domain.NewConnectivityError(addr, err)
	}
	conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return domain.NewConnectivityError(addr, fmt.Errorf("failed to start sftp subsystem: %w", err))
	}

	c.client = client
	c.sftp = sftpClient

	c.logger.WithFields(logrus.Fields{
		"addr": addr,
		"user": c.cfg.User,
	}).Info("SSH connection established successfully")
	return nil
}

func (c *Channel) authMethods() ([]ssh.AuthMethod, error) {
	if c.cfg.Password != "" {
		password := c.cfg.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			// 部分越狱环境的 OpenSSH 只开放 keyboard-interactive
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	}

	if c.cfg.KeyFile != "" {
		pemBytes, err := os.ReadFile(c.cfg.KeyFile)
		if err != nil {
			return nil, domain.NewConfigurationError("failed to read key file %s: %v", c.cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, domain.NewConfigurationError("failed to parse key file %s: %v", c.cfg.KeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	return nil, domain.NewConfigurationError("either password or key file must be provided")
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

// EnsureAlive 探测连接，连接不存在或已断开时重连
func (c *Channel) EnsureAlive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureAliveLocked(ctx)
}

func (c *Channel) ensureAliveLocked(ctx context.Context) error {
	if c.client != nil && c.sftp != nil && c.probeLocked() {
		return nil
	}

	c.logger.Info("Reconnecting SSH...")
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	c.reconnects.Add(1)
	return nil
}

// probeLocked 发送 keepalive 全局请求，服务端回复 false 也说明连接正常
func (c *Channel) probeLocked() bool {
	done := make(chan error, 1)
	client := c.client
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			c.logger.WithError(err).Debug("SSH keepalive probe failed")
			return false
		}
		return true
	case <-time.After(probeTimeout):
		c.logger.Warn("SSH keepalive probe timed out")
		return false
	}
}

// withSession 在存活的会话上执行 fn，所有传输都经过这里
func (c *Channel) withSession(ctx context.Context, fn func(sc *sftp.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureAliveLocked(ctx); err != nil {
		return err
	}
	return fn(c.sftp)
}

// Close 关闭连接
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Channel) closeLocked() error {
	var errs []error
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		c.sftp = nil
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		c.client = nil
	}
	return errors.Join(errs...)
}

// Reconnects 自动重连次数
func (c *Channel) Reconnects() int64 {
	return c.reconnects.Load()
}

// BytesReceived 累计接收字节数
func (c *Channel) BytesReceived() int64 {
	return c.bytesReceived.Load()
}
