package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// StagingWatcher 监控暂存目录，新条目落地后发出 artifact_staged 事件
//
// 只监控顶层条目：拉取的单个文件或 .app 根目录。
type StagingWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	sink     domain.EventSink
	logger   logrus.FieldLogger
	debounce time.Duration
	runID    string

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   chan struct{}
}

// NewStagingWatcher 创建监控器，dir 必须已存在
func NewStagingWatcher(dir string, sink domain.EventSink, logger logrus.FieldLogger) (*StagingWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	if sink == nil {
		sink = domain.NopSink{}
	}

	return &StagingWatcher{
		watcher:  watcher,
		dir:      dir,
		sink:     sink,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce 同一条目的多次写入事件合并为一次
func (sw *StagingWatcher) SetDebounce(d time.Duration) {
	sw.debounce = d
}

// SetRunID 事件中携带的运行 ID
func (sw *StagingWatcher) SetRunID(id string) {
	sw.runID = id
}

// Start 启动事件循环，ctx 结束或 Close 后退出
func (sw *StagingWatcher) Start(ctx context.Context) {
	sw.logger.WithField("dir", sw.dir).Debug("Staging watcher started")
	go sw.eventLoop(ctx)
}

func (sw *StagingWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			// 只处理创建和写入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(sw.dir) {
				continue
			}
			sw.schedule(event.Name)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.WithError(err).Warn("Staging watcher error")
		}
	}
}

// schedule 防抖：最后一次事件之后 debounce 时间内没有新事件才上报
func (sw *StagingWatcher) schedule(path string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if timer, exists := sw.timers[path]; exists {
		timer.Reset(sw.debounce)
		return
	}
	sw.timers[path] = time.AfterFunc(sw.debounce, func() {
		sw.mu.Lock()
		delete(sw.timers, path)
		sw.mu.Unlock()
		sw.report(path)
	})
}

func (sw *StagingWatcher) report(path string) {
	if sw.closed() {
		return
	}

	info, err := os.Lstat(path)
	if err != nil {
		// 已被组装流程移走
		return
	}

	size := info.Size()
	if info.IsDir() {
		size = 0
	}
	name := filepath.Base(path)

	sw.logger.WithFields(logrus.Fields{
		"name": name,
		"dir":  info.IsDir(),
	}).Debug("Artifact staged")

	// 持锁发布，Close 返回后不再有事件
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed() {
		return
	}
	sw.sink.Publish(domain.Event{
		Type:      domain.EventArtifactStaged,
		RunID:     sw.runID,
		Name:      name,
		Path:      path,
		Bytes:     size,
		Timestamp: time.Now(),
	})
}

func (sw *StagingWatcher) closed() bool {
	select {
	case <-sw.done:
		return true
	default:
		return false
	}
}

// Close 停止监控
func (sw *StagingWatcher) Close() error {
	sw.mu.Lock()
	select {
	case <-sw.done:
		sw.mu.Unlock()
		return nil
	default:
		close(sw.done)
	}
	for path, timer := range sw.timers {
		timer.Stop()
		delete(sw.timers, path)
	}
	sw.mu.Unlock()

	return sw.watcher.Close()
}
