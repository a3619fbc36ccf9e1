package router

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/bundle"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/progress"
	"github.com/ipa-dump/ipa-dump-go/internal/remote"
	"github.com/sirupsen/logrus"
)

// Fetcher 远程拉取能力，由 remote.Channel 实现
type Fetcher interface {
	FetchFile(ctx context.Context, remotePath, localDir string, progress remote.ProgressFunc) (string, error)
	FetchDirectory(ctx context.Context, remotePath, localDir string, progress remote.ProgressFunc) (string, error)
}

// Recorder 指标记录，由 metrics.Metrics 实现
type Recorder interface {
	RecordMessage(kind string)
	RecordTransfer(kind string, success bool, bytes int64, duration time.Duration)
}

var errEmptyPath = errors.New("empty remote path")

// Stats 消息处理统计
type Stats struct {
	Messages     int   `json:"messages"`
	Logs         int   `json:"logs"`
	ScriptErrors int   `json:"script_errors"`
	Artifacts    int   `json:"artifacts"`
	Failures     int   `json:"failures"`
	Bytes        int64 `json:"bytes"`
}

// Router 处理注入脚本发来的消息：拉取文件、维护映射、发出完成信号
//
// Handle 由 Frida 的消息回调逐条调用，不会并发；Stats/Snapshot 可以在任意 goroutine 读取。
type Router struct {
	fetcher    Fetcher
	stagingDir string
	logger     logrus.FieldLogger
	progress   progress.Factory
	sink       domain.EventSink
	recorder   Recorder
	runID      string

	mu      sync.Mutex
	mapping *bundle.Mapping
	stats   Stats

	doneOnce sync.Once
	done     chan struct{}
}

// Option 可选配置
type Option func(*Router)

// WithProgress 每个传输消息使用 factory 创建的进度显示
func WithProgress(factory progress.Factory) Option {
	return func(r *Router) {
		if factory != nil {
			r.progress = factory
		}
	}
}

// WithEventSink 每条消息处理结果发送到 sink
func WithEventSink(sink domain.EventSink) Option {
	return func(r *Router) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithRecorder 记录消息与传输指标
func WithRecorder(rec Recorder) Option {
	return func(r *Router) {
		r.recorder = rec
	}
}

// WithRunID 事件中携带的运行 ID
func WithRunID(id string) Option {
	return func(r *Router) {
		r.runID = id
	}
}

// New 创建 Router，拉取的文件写入 stagingDir
func New(fetcher Fetcher, stagingDir string, logger logrus.FieldLogger, opts ...Option) *Router {
	r := &Router{
		fetcher:    fetcher,
		stagingDir: stagingDir,
		logger:     logger,
		progress:   progress.NopFactory,
		sink:       domain.NopSink{},
		mapping:    bundle.NewMapping(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle 处理一条原始消息，任何失败都只记录日志，不会中断后续消息
func (r *Router) Handle(ctx context.Context, raw []byte) {
	msg := Classify(raw)

	r.mu.Lock()
	r.stats.Messages++
	r.mu.Unlock()
	if r.recorder != nil {
		r.recorder.RecordMessage(msg.Kind.String())
	}

	switch msg.Kind {
	case domain.MessageError:
		r.handleError(msg)
	case domain.MessageLog:
		r.handleLog(msg)
	case domain.MessageDumpFile:
		r.handleDumpFile(ctx, msg)
	case domain.MessageAppBundle:
		r.handleAppBundle(ctx, msg)
	case domain.MessageDone:
		r.finish()
	default:
		if msg.Text != "" {
			r.logger.WithField("detail", msg.Text).Debug("Ignoring script message")
		}
	}
}

func (r *Router) handleError(msg domain.Message) {
	r.mu.Lock()
	r.stats.ScriptErrors++
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"description": msg.Description,
		"stack":       msg.Stack,
	}).Error("❌ Script error")
	r.publish(domain.Event{Type: domain.EventScriptError, Message: msg.Description})
}

func (r *Router) handleLog(msg domain.Message) {
	r.mu.Lock()
	r.stats.Logs++
	r.mu.Unlock()

	r.logger.WithField("source", "script").Info(msg.Text)
	r.publish(domain.Event{Type: domain.EventLog, Message: msg.Text})
}

func (r *Router) handleDumpFile(ctx context.Context, msg domain.Message) {
	name := path.Base(msg.RemotePath)
	log := r.logger.WithFields(logrus.Fields{
		"remote":   msg.RemotePath,
		"original": msg.OriginalPath,
	})

	if msg.RemotePath == "" {
		r.fail(log, "dump", name, domain.NewTransferError("fetch_file", msg.RemotePath, errEmptyPath))
		return
	}

	// 先校验路径，无法映射的文件不必拉取
	rel, err := bundle.RelativePath(msg.OriginalPath)
	if err != nil {
		r.fail(log, "dump", name, err)
		return
	}

	bytes, err := r.transfer(ctx, "file", "dump", msg.RemotePath, r.fetcher.FetchFile)
	if err != nil {
		r.fail(log, "dump", name, err)
		return
	}

	r.mu.Lock()
	r.mapping.Set(name, rel)
	r.stats.Artifacts++
	r.stats.Bytes += bytes
	r.mu.Unlock()

	log.WithField("relative", rel).Info("📥 Decrypted file fetched")
	r.publish(domain.Event{Type: domain.EventTransferFinished, Name: name, Path: rel, Bytes: bytes})
}

func (r *Router) handleAppBundle(ctx context.Context, msg domain.Message) {
	folder := path.Base(path.Clean(msg.RemotePath))
	log := r.logger.WithField("remote", msg.RemotePath)

	if msg.RemotePath == "" {
		r.fail(log, "app", folder, domain.NewTransferError("fetch_directory", msg.RemotePath, errEmptyPath))
		return
	}

	bytes, err := r.transfer(ctx, "directory", "app", msg.RemotePath, r.fetcher.FetchDirectory)
	if err != nil {
		r.fail(log, "app", folder, err)
		return
	}

	r.mu.Lock()
	r.mapping.SetApp(folder)
	r.stats.Bytes += bytes
	r.mu.Unlock()

	log.WithField("folder", folder).Info("📦 App bundle fetched")
	r.publish(domain.Event{Type: domain.EventTransferFinished, Name: folder, Bytes: bytes})
}

type fetchFunc func(ctx context.Context, remotePath, localDir string, progress remote.ProgressFunc) (string, error)

// transfer 拉取并返回本次接收的字节数，进度显示在消息处理结束时关闭
func (r *Router) transfer(ctx context.Context, kind, label, remotePath string, fetch fetchFunc) (int64, error) {
	r.publish(domain.Event{Type: domain.EventTransferStarted, Name: path.Base(remotePath), Path: remotePath})

	indicator := r.progress(label)
	defer indicator.Close()

	counter := &byteCounter{}
	start := time.Now()
	_, err := fetch(ctx, remotePath, r.stagingDir, func(name string, total, sent int64) {
		counter.observe(name, sent)
		indicator.Update(name, total, sent)
	})

	if r.recorder != nil {
		r.recorder.RecordTransfer(kind, err == nil, counter.total, time.Since(start))
	}
	return counter.total, err
}

func (r *Router) fail(log logrus.FieldLogger, label, name string, err error) {
	r.mu.Lock()
	r.stats.Failures++
	r.mu.Unlock()

	log.WithError(err).WithField("kind", label).Error("Failed to handle dump payload")
	r.publish(domain.Event{Type: domain.EventTransferFailed, Name: name, Message: err.Error()})
}

func (r *Router) finish() {
	r.doneOnce.Do(func() {
		r.logger.Info("✅ Dump finished on device")
		close(r.done)
		r.publish(domain.Event{Type: domain.EventDumpDone})
	})
}

func (r *Router) publish(event domain.Event) {
	event.RunID = r.runID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.sink.Publish(event)
}

// Done 收到完成消息后关闭
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Snapshot 返回当前映射的副本
func (r *Router) Snapshot() *bundle.Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapping.Snapshot()
}

// Stats 返回当前统计
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// byteCounter 从进度回调累计字节数，同名文件从 0 重新开始时视为新文件
type byteCounter struct {
	last  map[string]int64
	total int64
}

func (c *byteCounter) observe(name string, sent int64) {
	if c.last == nil {
		c.last = make(map[string]int64)
	}
	prev := c.last[name]
	if sent < prev {
		prev = 0
	}
	c.total += sent - prev
	c.last[name] = sent
}
