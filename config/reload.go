// 配置热重载实现。
//
// 轮询配置文件的修改时间，变更后重新加载、校验，并仅将可热重载字段
// 的变化通知给回调；其余字段的变化只记录日志，需重启进程生效。
package config

import (
	"context"
	"os"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 热重载类型定义 ---

// Change 描述一个配置字段的变化
type Change struct {
	// Path 字段路径，例如 "Log.Level"
	Path string `json:"path"`

	OldValue any `json:"old_value,omitempty"`
	NewValue any `json:"new_value,omitempty"`

	// RequiresRestart 为 true 时本次重载不会应用该字段
	RequiresRestart bool `json:"requires_restart"`
}

// ReloadCallback 在成功重载后调用，changes 仅含可热重载字段
type ReloadCallback func(oldConfig, newConfig *Config, changes []Change)

// hotReloadableFields 运行中可直接应用的字段
var hotReloadableFields = map[string]string{
	"Log.Level":        "Log level (debug, info, warn, error)",
	"Worker.RateLimit": "Queue polls per second, 0 disables the limit",
}

// sensitiveFields 日志中不输出取值
var sensitiveFields = map[string]bool{
	"Redis.Password": true,
	"History.DSN":    true,
}

// IsHotReloadable 检查字段是否支持热重载
func IsHotReloadable(path string) bool {
	_, ok := hotReloadableFields[path]
	return ok
}

// ReloaderOption 配置 Reloader
type ReloaderOption func(*Reloader)

// WithReloadInterval 设置轮询间隔
func WithReloadInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReloadLogger 设置日志记录器
func WithReloadLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// --- 热重载实现 ---

// Reloader 监听配置文件并应用可热重载字段
type Reloader struct {
	mu sync.RWMutex

	path     string
	interval time.Duration
	current  *Config
	modTime  time.Time
	size     int64

	callbacks []ReloadCallback
	logger    *zap.Logger
}

// NewReloader 创建热重载器，current 为进程启动时加载的配置
func NewReloader(path string, current *Config, opts ...ReloaderOption) *Reloader {
	r := &Reloader{
		path:     path,
		interval: time.Second,
		current:  current,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "config_reloader"))

	if info, err := os.Stat(path); err == nil {
		r.modTime = info.ModTime()
		r.size = info.Size()
	}
	return r
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run 轮询配置文件直到 ctx 取消
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.modified() {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("config reload failed, keeping current config",
					zap.String("path", r.path), zap.Error(err))
			}
		}
	}
}

func (r *Reloader) modified() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if info.ModTime().Equal(r.modTime) && info.Size() == r.size {
		return false
	}
	r.modTime = info.ModTime()
	r.size = info.Size()
	return true
}

// Reload 重新加载并校验配置文件，失败时保留当前配置
func (r *Reloader) Reload() error {
	next, err := NewLoader().WithConfigPath(r.path).Load()
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.current
	var applied []Change
	for _, change := range Diff(prev, next) {
		r.logChange(change)
		if !change.RequiresRestart {
			applied = append(applied, change)
		}
	}
	r.current = next
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	for _, cb := range callbacks {
		cb(prev, next, applied)
	}
	return nil
}

func (r *Reloader) logChange(change Change) {
	fields := []zap.Field{
		zap.String("path", change.Path),
		zap.Bool("requires_restart", change.RequiresRestart),
	}
	if !sensitiveFields[change.Path] {
		fields = append(fields,
			zap.Any("old_value", change.OldValue),
			zap.Any("new_value", change.NewValue),
		)
	}
	r.logger.Info("configuration changed", fields...)
}

// Diff 返回两份配置间所有叶子字段的差异
func Diff(oldConfig, newConfig *Config) []Change {
	var changes []Change
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

// compareStructs 递归比较结构体字段
func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]Change) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		path := field.Name
		if prefix != "" {
			path = prefix + "." + field.Name
		}

		oldField := oldVal.Field(i)
		newField := newVal.Field(i)
		if oldField.Kind() == reflect.Struct {
			compareStructs(path, oldField, newField, changes)
			continue
		}
		if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			*changes = append(*changes, Change{
				Path:            path,
				OldValue:        oldField.Interface(),
				NewValue:        newField.Interface(),
				RequiresRestart: !IsHotReloadable(path),
			})
		}
	}
}
