// 配置文件变更监听器实现。
//
// 轮询配置文件修改时间，变更后重新加载并校验配置，再回调订阅者。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 监听器类型定义 ---

// Watcher reloads a config file when it changes and hands valid results to
// its subscribers. Invalid edits are logged and ignored.
type Watcher struct {
	mu sync.Mutex

	// 配置
	loader       *Loader
	path         string
	pollInterval time.Duration

	// 状态
	running bool
	lastMod time.Time
	current *Config
	stop    chan struct{}
	done    chan struct{}

	// 回调
	callbacks []func(old, updated *Config)

	// 记录器
	logger *zap.Logger
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is checked
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.pollInterval = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// --- 监听器实现 ---

// NewWatcher creates a watcher for the file loader reads. current is the
// configuration already in use.
func NewWatcher(loader *Loader, current *Config, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil || loader.configPath == "" {
		return nil, fmt.Errorf("watcher requires a loader with a config path")
	}
	w := &Watcher{
		loader:       loader,
		path:         loader.configPath,
		pollInterval: time.Second,
		current:      current,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"), zap.String("path", w.path))
	return w, nil
}

// OnReload registers a callback for successful reloads
func (w *Watcher) OnReload(callback func(old, updated *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins polling until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	// 初始化上次修改时间
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	} else if os.IsNotExist(err) {
		w.logger.Warn("Config file does not exist, will watch for creation")
	}

	go w.pollLoop(ctx, w.stop, w.done)
	w.logger.Info("Config watcher started", zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop stops polling and waits for the loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done
	w.logger.Info("Config watcher stopped")
}

// Current returns the last applied configuration
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) pollLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its modification time moved forward
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return
	}
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	updated, err := w.loader.Load()
	if err == nil {
		err = updated.Validate()
	}
	if err != nil {
		w.logger.Warn("Ignoring invalid config change", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := make([]func(old, updated *Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Config reloaded")
	for _, cb := range callbacks {
		cb(old, updated)
	}
}
