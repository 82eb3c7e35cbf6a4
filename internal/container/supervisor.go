package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task 受监督的长期任务；Run 应阻塞到 ctx 结束。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor 启动、停止并等待一组任务。任务返回非取消类错误（或 panic）时记录并在
// RestartDelay 后重启，直到 Stop。
type Supervisor struct {
	RestartDelay time.Duration

	logger *zap.Logger

	mu       sync.Mutex
	tasks    []Task
	restarts map[string]int
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	wg       sync.WaitGroup
}

func NewSupervisor(restartDelay time.Duration, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if restartDelay <= 0 {
		restartDelay = 5 * time.Second
	}
	return &Supervisor{
		RestartDelay: restartDelay,
		logger:       logger,
		restarts:     make(map[string]int),
	}
}

// Add 注册任务，需在 Start 之前调用。
func (s *Supervisor) Add(tasks ...Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, tasks...)
}

// Start 在独立 goroutine 中运行全部任务。
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	return nil
}

// Stop 取消全部任务并等待退出。
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.stopped = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Wait 等待全部任务退出。
func (s *Supervisor) Wait() { s.wg.Wait() }

// Restarts 任务累计重启次数。
func (s *Supervisor) Restarts(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts[name]
}

func (s *Supervisor) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return errors.New("supervisor not running")
	}
	return nil
}

func (s *Supervisor) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	for {
		err := runTask(ctx, t)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Info("task finished", zap.String("task", t.Name))
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.mu.Lock()
		s.restarts[t.Name]++
		n := s.restarts[t.Name]
		s.mu.Unlock()
		s.logger.Warn("task failed, restarting",
			zap.String("task", t.Name), zap.Int("restarts", n),
			zap.Duration("delay", s.RestartDelay), zap.Error(err))

		timer := time.NewTimer(s.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panic: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}
