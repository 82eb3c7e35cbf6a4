package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	appconfig "futures-exec/config"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	Debounce     time.Duration // 编辑器连续写入合并为一次重载
	CooldownTime time.Duration // 冷却时间，避免频繁更新
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		Debounce:     300 * time.Millisecond,
		CooldownTime: 5 * time.Second,
	}
}

// Loader 读取并校验配置，通常是 appconfig.LoadWithEnvOverrides。
type Loader func(path string) (appconfig.AppConfig, error)

// Applier 把新配置中自己关心的部分应用到运行中的组件。
type Applier func(prev, next appconfig.AppConfig) error

// HotReloader 监听配置文件，重新加载校验通过后依次调用已注册的 Applier。
// 校验失败的配置整体拒绝，运行中的参数保持不变。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	load       Loader
	logger     *zap.Logger

	mu         sync.Mutex
	current    appconfig.AppConfig
	appliers   map[string]Applier
	lastReload time.Time
	lastErr    error
	now        func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewHotReloader 创建热更新器；current 为启动时已生效的配置。
func NewHotReloader(configPath string, current appconfig.AppConfig, load Loader, cfg HotReloadConfig, logger *zap.Logger) *HotReloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if load == nil {
		load = appconfig.LoadWithEnvOverrides
	}
	return &HotReloader{
		config:     cfg,
		configPath: configPath,
		load:       load,
		logger:     logger,
		current:    current,
		appliers:   make(map[string]Applier),
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// RegisterApplier 注册参数应用器
func (h *HotReloader) RegisterApplier(name string, applier Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers[name] = applier
}

// Run 监听直到 ctx 结束或 Stop，可重复调用；监听目录而不是文件，编辑器原子替换后仍能收到事件。
func (h *HotReloader) Run(ctx context.Context) error {
	if !h.config.Enabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stopChan:
			return nil
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	target := filepath.Clean(h.configPath)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stopChan:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(h.config.Debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(h.config.Debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			err := h.Reload()
			if errors.Is(err, ErrCooldown) {
				// 冷却结束后再读一次，避免丢掉最后一次修改。
				debounce.Reset(h.config.CooldownTime)
				fire = debounce.C
				continue
			}
			if err != nil {
				h.logger.Warn("config reload rejected", zap.String("path", h.configPath), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Stop 让 Run 返回。
func (h *HotReloader) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// ErrCooldown 距上次成功重载不足 CooldownTime。
var ErrCooldown = errors.New("config reload in cooldown")

// Reload 立即重新加载并应用；单个 Applier 失败不影响其他 Applier，错误合并返回。
func (h *HotReloader) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if !h.lastReload.IsZero() && now.Sub(h.lastReload) < h.config.CooldownTime {
		return ErrCooldown
	}
	next, err := h.load(h.configPath)
	if err != nil {
		h.lastErr = err
		return fmt.Errorf("load %s: %w", h.configPath, err)
	}
	names := make([]string, 0, len(h.appliers))
	for name := range h.appliers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs error
	for _, name := range names {
		if err := h.appliers[name](h.current, next); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("apply %s: %w", name, err))
		}
	}
	h.current = next
	h.lastReload = now
	h.lastErr = errs
	h.logger.Info("config reloaded", zap.String("path", h.configPath), zap.Strings("appliers", names), zap.Error(errs))
	return errs
}

// Current 当前生效的配置。
func (h *HotReloader) Current() appconfig.AppConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReload
}

// LastError 最近一次重载的错误。
func (h *HotReloader) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}
