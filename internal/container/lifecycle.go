package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Lifecycle 可启停的组件；Name 用于错误与日志。
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 按注册顺序启动，逆序停止；只停止已成功启动的组件。
type LifecycleManager struct {
	mu         sync.Mutex
	components []Lifecycle
	running    int
}

func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	m.components = append(m.components, component)
	m.mu.Unlock()
}

// StartAll 任一组件启动失败时逆序停止已启动的组件，返回的错误包含回滚时的停止错误。
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.running < len(m.components) {
		c := m.components[m.running]
		if err := c.Start(ctx); err != nil {
			return multierr.Append(fmt.Errorf("start %s: %w", c.Name(), err), m.stopRunning())
		}
		m.running++
	}
	return nil
}

func (m *LifecycleManager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopRunning()
}

func (m *LifecycleManager) stopRunning() error {
	var errs error
	for ; m.running > 0; m.running-- {
		c := m.components[m.running-1]
		if err := c.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
	}
	return errs
}

// CheckHealth 返回第一个不健康组件的错误。
func (m *LifecycleManager) CheckHealth() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.components {
		if err := c.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", c.Name(), err)
		}
	}
	return nil
}

// supervisorComponent 让受监督任务随容器启停。
type supervisorComponent struct {
	sup *Supervisor
}

func (s supervisorComponent) Name() string                    { return "supervisor" }
func (s supervisorComponent) Start(ctx context.Context) error { return s.sup.Start(ctx) }
func (s supervisorComponent) Stop() error                     { s.sup.Stop(); return nil }
func (s supervisorComponent) Health() error                   { return s.sup.Health() }

const httpShutdownTimeout = 5 * time.Second

// httpServerComponent 监听成功才算启动，端口占用在 StartAll 阶段报错。
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	bound    string
	serveErr error
}

func (h *httpServerComponent) Name() string { return h.name }

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return nil
	}
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	srv := &http.Server{Handler: h.handler, ReadHeaderTimeout: 5 * time.Second}
	h.server, h.bound, h.serveErr = srv, ln.Addr().String(), nil
	h.logger.Info("http listening", zap.String("addr", h.bound))

	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		h.logger.Error("http serve exited", zap.Error(err))
		h.mu.Lock()
		h.serveErr = err
		h.mu.Unlock()
	}()
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Health Serve 异常退出后返回其错误。
func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.serveErr != nil:
		return h.serveErr
	case h.server == nil:
		return errors.New("not serving")
	}
	return nil
}

// Addr 实际监听地址；addr 为 ":0" 时由系统分配端口。
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound
}
