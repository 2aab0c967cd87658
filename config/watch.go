package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"nado-grid-bot/infrastructure/logger"
)

// Watcher 基于fsnotify监听配置文件变更并回调最新配置。
// 编辑器普遍用rename+create落盘，因此监听所在目录而不是文件本身。
type Watcher struct {
	Path     string
	Log      *logger.Logger
	Debounce time.Duration
}

// Start 开始监听；回调在配置通过校验后触发。阻塞直到ctx取消。
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Debounce <= 0 {
		w.Debounce = 500 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.Path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(w.Path)
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// 落盘往往产生一串事件，去抖后只处理最后一次
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.Debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				if w.Log != nil {
					w.Log.Warn("Config reload rejected", zap.Error(err))
				}
				continue
			}
			if w.Log != nil {
				w.Log.Info("Config reloaded", zap.String("path", w.Path))
			}
			if onUpdate != nil {
				onUpdate(cfg)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if w.Log != nil {
				w.Log.Warn("Config watcher error", zap.Error(err))
			}
		}
	}
}
