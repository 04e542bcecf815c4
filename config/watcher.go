// 配置文件变更监听器实现。
//
// 轮询配置文件的修改时间与内容摘要，变化时重新加载并回调。
package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc receives a freshly loaded and validated configuration
type ReloadFunc func(old, new *Config)

// Watcher polls one configuration file and reloads it when its content changes
type Watcher struct {
	mu sync.Mutex

	loader   *Loader
	interval time.Duration
	logger   *zap.Logger

	current   *Config
	modTime   time.Time
	checksum  [32]byte
	callbacks []ReloadFunc

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is checked
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for the loader's config file. current is the
// configuration already in effect.
func NewWatcher(loader *Loader, current *Config, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil || loader.configPath == "" {
		return nil, errors.New("config watcher requires a config file path")
	}
	w := &Watcher{
		loader:   loader,
		interval: time.Second,
		logger:   zap.NewNop(),
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"), zap.String("path", loader.configPath))
	w.modTime, w.checksum, _ = fileState(loader.configPath)
	return w, nil
}

// OnReload registers a callback invoked after every successful reload
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the configuration currently in effect
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins polling in the background
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Check()
			}
		}
	}()
}

// Stop ends polling and waits for the poller to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
}

// Check compares the file against the last seen state and reloads on change.
// It reports whether a new configuration was applied.
func (w *Watcher) Check() bool {
	modTime, sum, err := fileState(w.loader.configPath)
	if err != nil {
		w.logger.Debug("config file not readable", zap.Error(err))
		return false
	}

	w.mu.Lock()
	if modTime.Equal(w.modTime) && sum == w.checksum {
		w.mu.Unlock()
		return false
	}
	w.modTime = modTime
	if sum == w.checksum {
		w.mu.Unlock()
		return false
	}
	w.checksum = sum
	w.mu.Unlock()

	next, err := w.loader.Load()
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous config", zap.Error(err))
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current = next
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded")
	for _, cb := range callbacks {
		cb(old, next)
	}
	return true
}

func fileState(path string) (time.Time, [32]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, [32]byte{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, [32]byte{}, err
	}
	return info.ModTime(), sha256.Sum256(data), nil
}
