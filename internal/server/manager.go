package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 运维 HTTP 服务器
// =============================================================================

// Config 服务器配置
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":9091",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

type state int

const (
	idle state = iota
	serving
	stopped
)

var (
	errAlreadyStarted = errors.New("ops server already started")
	errStopped        = errors.New("ops server stopped")
)

// Manager 管理运维 HTTP 服务器的启动与关闭，只能启动一次
type Manager struct {
	mu       sync.Mutex
	state    state
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
	config   Config
	logger   *zap.Logger
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		srv: &http.Server{
			Handler:           handler,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
		},
		config: config,
		logger: logger.With(zap.String("component", "ops_server")),
	}
}

// Start 监听并在后台提供服务
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case serving:
		return errAlreadyStarted
	case stopped:
		return errStopped
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.config.Addr, err)
	}
	m.listener = ln
	m.state = serving
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("ops server exited", zap.Error(err))
		}
	}()

	m.logger.Info("ops server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown 优雅关闭，最多等待 ShutdownTimeout；可重复调用
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	m.state = stopped
	if prev != serving {
		return nil
	}

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}
	err := m.srv.Shutdown(ctx)
	<-m.done
	m.listener = nil
	return err
}

// Addr 返回实际监听地址，未运行时返回配置地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 是否正在提供服务
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == serving
}
