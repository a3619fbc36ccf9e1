package dumper

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ipa-dump/ipa-dump-go/internal/bundle"
	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/frida"
	"github.com/ipa-dump/ipa-dump-go/internal/metrics"
	"github.com/ipa-dump/ipa-dump-go/internal/progress"
	"github.com/ipa-dump/ipa-dump-go/internal/report"
	"github.com/ipa-dump/ipa-dump-go/internal/repository"
	"github.com/ipa-dump/ipa-dump-go/internal/router"
	"github.com/ipa-dump/ipa-dump-go/internal/watcher"
	"github.com/ipa-dump/ipa-dump-go/internal/workspace"
	"github.com/sirupsen/logrus"
)

// DumpCommand 发给注入脚本的启动指令
const DumpCommand = "dump"

// Transport 远程通道，由 remote.Channel 实现
type Transport interface {
	router.Fetcher
	Connect(ctx context.Context) error
	Reconnects() int64
}

// DeviceSelector 设备选择，由 device.Selector 实现
type DeviceSelector interface {
	Select(ctx context.Context) (frida.Device, error)
}

// RunPublisher 运行结束事件发布，由 queue.Producer 实现
type RunPublisher interface {
	PublishRunCompleted(ctx context.Context, run *domain.DumpRun) error
}

// Options 编排参数
type Options struct {
	ScriptPath      string
	Timeout         time.Duration
	OutputDir       string
	StagingDir      string
	WatchStaging    bool
	MetricsTextfile string
}

// OptionsFromConfig 从配置构造编排参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ScriptPath:      cfg.Dump.ScriptPath,
		Timeout:         cfg.Dump.Timeout,
		OutputDir:       cfg.OutputDir,
		StagingDir:      cfg.StagingDir(),
		WatchStaging:    cfg.Dump.WatchStaging,
		MetricsTextfile: cfg.Metrics.Textfile,
	}
}

// Orchestrator 驱动一次完整的 dump：选设备、附加、等待脚本完成、组装 ipa
type Orchestrator struct {
	selector  DeviceSelector
	transport Transport
	assembler *bundle.Assembler
	workspace *workspace.Workspace
	opts      Options
	logger    logrus.FieldLogger

	// 以下均可选
	runs      repository.RunRepository
	metrics   *metrics.Metrics
	publisher RunPublisher
	sink      domain.EventSink
	progress  progress.Factory
	summary   io.Writer

	mu      sync.RWMutex
	current domain.RunProgress
	router  *router.Router
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithRunRepository 持久化运行记录
func WithRunRepository(repo repository.RunRepository) Option {
	return func(o *Orchestrator) {
		o.runs = repo
	}
}

// WithMetrics 记录 Prometheus 指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithPublisher 运行结束后发布完成事件
func WithPublisher(p RunPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithEventSink 状态变化与传输事件的接收方
func WithEventSink(sink domain.EventSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithProgress 传输进度显示
func WithProgress(factory progress.Factory) Option {
	return func(o *Orchestrator) {
		if factory != nil {
			o.progress = factory
		}
	}
}

// WithSummaryOutput 摘要输出位置，默认 stdout
func WithSummaryOutput(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.summary = w
	}
}

// NewOrchestrator 创建编排器
func NewOrchestrator(selector DeviceSelector, transport Transport, opts Options, logger logrus.FieldLogger, options ...Option) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Hour
	}

	o := &Orchestrator{
		selector:  selector,
		transport: transport,
		assembler: bundle.NewAssembler(logger),
		workspace: workspace.New(opts.OutputDir, opts.StagingDir, logger),
		opts:      opts,
		logger:    logger,
		sink:      domain.NopSink{},
		progress:  progress.NopFactory,
		summary:   os.Stdout,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Progress 当前运行的实时状态
func (o *Orchestrator) Progress() domain.RunProgress {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p := o.current
	if o.router != nil {
		stats := o.router.Stats()
		p.Messages = stats.Messages
		p.Artifacts = stats.Artifacts
		p.Failures = stats.Failures
		p.Bytes = stats.Bytes
	}
	return p
}

// Run 执行一次 dump，返回的运行记录总是非空
//
// 无论成功与否都会打印摘要；会话最多 Detach 一次。
func (o *Orchestrator) Run(ctx context.Context, target string) (*domain.DumpRun, error) {
	run := &domain.DumpRun{
		ID:        uuid.New().String(),
		Target:    target,
		Status:    domain.RunStatusIdle,
		StartedAt: time.Now().UTC(),
	}

	o.mu.Lock()
	o.current = domain.RunProgress{
		RunID:     run.ID,
		Target:    target,
		Status:    domain.RunStatusIdle,
		StartedAt: run.StartedAt,
	}
	o.router = nil
	o.mu.Unlock()

	log := o.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"target": target,
	})

	if o.runs != nil {
		if err := o.runs.Create(ctx, run); err != nil {
			log.WithError(err).Warn("Failed to persist run record")
		}
	}
	if o.metrics != nil {
		o.metrics.RecordRunStarted()
	}

	log.Info("🚀 Dump started")

	var archive *bundle.Archive
	err := o.execute(ctx, run, log, &archive)
	o.finish(run, archive, err, log)
	return run, err
}

// execute 状态机主体
func (o *Orchestrator) execute(ctx context.Context, run *domain.DumpRun, log logrus.FieldLogger, archive **bundle.Archive) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. 连接设备 SSH，认证失败时不必再碰 Frida
	if err := o.transport.Connect(runCtx); err != nil {
		return err
	}

	// 2. 选择设备
	dev, err := o.selector.Select(runCtx)
	if err != nil {
		return err
	}
	run.DeviceID = dev.ID()
	run.DeviceName = dev.Name()
	o.setStatus(run, domain.RunStatusDeviceSelected)
	log = log.WithField("device", dev.Name())
	log.WithField("device_id", dev.ID()).Info("Device selected")

	// 3. 查找应用，找不到时不触碰工作目录
	apps, err := dev.Applications()
	if err != nil {
		return fridaError("enumerate_applications", err)
	}
	app, ok := frida.FindApplication(apps, run.Target)
	if !ok {
		return domain.NewAppNotFoundError(run.Target)
	}
	run.BundleID = app.Identifier
	run.DisplayName = app.Name
	if run.DisplayName == "" {
		run.DisplayName = run.Target
	}

	source, err := os.ReadFile(o.opts.ScriptPath)
	if err != nil {
		return domain.NewConfigurationError("failed to read dump script %s: %v", o.opts.ScriptPath, err)
	}

	// 4. 附加
	session, err := o.attach(dev, app, log)
	if err != nil {
		return err
	}
	var detachOnce sync.Once
	detach := func() {
		detachOnce.Do(func() {
			if err := session.Detach(); err != nil {
				log.WithError(err).Warn("Failed to detach session")
				return
			}
			log.Debug("Session detached")
		})
	}
	defer detach()
	o.setStatus(run, domain.RunStatusAttached)

	// 5. dump
	if err := o.workspace.Prepare(); err != nil {
		return domain.NewAssemblyError(o.opts.StagingDir, err)
	}

	if o.opts.WatchStaging {
		sw, err := watcher.NewStagingWatcher(o.opts.StagingDir, o.sink, o.logger)
		if err != nil {
			log.WithError(err).Warn("Staging watcher unavailable")
		} else {
			sw.SetRunID(run.ID)
			sw.Start(runCtx)
			defer sw.Close()
		}
	}

	routerOpts := []router.Option{
		router.WithRunID(run.ID),
		router.WithEventSink(o.sink),
		router.WithProgress(o.progress),
	}
	if o.metrics != nil {
		routerOpts = append(routerOpts, router.WithRecorder(o.metrics))
	}
	rt := router.New(o.transport, o.opts.StagingDir, o.logger, routerOpts...)

	o.mu.Lock()
	o.router = rt
	o.mu.Unlock()

	defer func() {
		stats := rt.Stats()
		run.ArtifactCount = stats.Artifacts
		run.FailedTransfers = stats.Failures
		run.BytesReceived = stats.Bytes
	}()

	script, err := session.CreateScript(string(source))
	if err != nil {
		return fridaError("create_script", err)
	}
	script.OnMessage(func(raw []byte) {
		rt.Handle(runCtx, raw)
	})
	if err := script.Load(); err != nil {
		return fridaError("load_script", err)
	}

	o.setStatus(run, domain.RunStatusDumping)
	if err := script.Post(DumpCommand); err != nil {
		return fridaError("post", err)
	}
	log.WithField("timeout", o.opts.Timeout).Info("Waiting for dump to finish")

	timer := time.NewTimer(o.opts.Timeout)
	defer timer.Stop()

	select {
	case <-rt.Done():
	case <-timer.C:
		return domain.NewDumpTimeoutError(fmt.Errorf("no done message within %s", o.opts.Timeout))
	case <-runCtx.Done():
		return fmt.Errorf("dump interrupted: %w", runCtx.Err())
	}

	// 6. 组装
	o.setStatus(run, domain.RunStatusAssembling)
	result, err := o.assembler.Assemble(run.DisplayName, rt.Snapshot(), o.opts.StagingDir, o.opts.OutputDir)
	detach()
	if err != nil {
		return err
	}
	*archive = result
	run.ArchivePath = result.Path
	return nil
}

// attach 未运行则 spawn 后附加再 resume，已运行则直接附加
func (o *Orchestrator) attach(dev frida.Device, app frida.Application, log logrus.FieldLogger) (frida.Session, error) {
	if app.Running() {
		log.WithField("pid", app.PID).Info("Attaching to running application")
		session, err := dev.Attach(app.PID)
		if err != nil {
			return nil, fridaError("attach", err)
		}
		return session, nil
	}

	log.WithField("bundle_id", app.Identifier).Info("Spawning application")
	pid, err := dev.Spawn(app.Identifier)
	if err != nil {
		return nil, fridaError("spawn", err)
	}
	session, err := dev.Attach(pid)
	if err != nil {
		return nil, fridaError("attach", err)
	}
	if err := dev.Resume(pid); err != nil {
		if derr := session.Detach(); derr != nil {
			log.WithError(derr).Warn("Failed to detach session")
		}
		return nil, fridaError("resume", err)
	}
	return session, nil
}

// finish 收尾：落库、指标、完成事件、摘要。这些环节的失败只记日志
func (o *Orchestrator) finish(run *domain.DumpRun, archive *bundle.Archive, runErr error, log logrus.FieldLogger) {
	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	run.DurationMs = completedAt.Sub(run.StartedAt).Milliseconds()

	status := domain.RunStatusSucceeded
	if runErr != nil {
		status = domain.RunStatusFailed
		run.FailureType = domain.FailureOf(runErr)
		run.ErrorMessage = runErr.Error()
	}
	o.setStatus(run, status)

	// 收尾使用独立 context，调用方取消后仍能落库
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if o.runs != nil {
		if err := o.runs.Update(ctx, run); err != nil {
			log.WithError(err).Warn("Failed to update run record")
		}
	}

	var reconnects int64
	if o.transport != nil {
		reconnects = o.transport.Reconnects()
	}

	if o.metrics != nil {
		o.metrics.RecordRunFinished(string(run.Status), string(run.FailureType), completedAt.Sub(run.StartedAt))
		o.metrics.RecordReconnects(reconnects)
		if archive != nil {
			o.metrics.RecordArchive(archive.Size)
		}
		if err := o.metrics.WriteTextfile(o.opts.MetricsTextfile); err != nil {
			log.WithError(err).Warn("Failed to write metrics textfile")
		}
	}

	if o.publisher != nil {
		if err := o.publisher.PublishRunCompleted(ctx, run); err != nil {
			log.WithError(err).Warn("Failed to publish run completed event")
		}
	}

	o.sink.Publish(domain.Event{
		Type:      domain.EventRunCompleted,
		RunID:     run.ID,
		Status:    run.Status,
		Path:      run.ArchivePath,
		Message:   run.ErrorMessage,
		Bytes:     run.BytesReceived,
		Timestamp: completedAt,
	})

	fields := logrus.Fields{
		"status":      run.Status,
		"duration_ms": run.DurationMs,
		"artifacts":   run.ArtifactCount,
		"failures":    run.FailedTransfers,
	}
	if runErr != nil {
		log.WithFields(fields).WithError(runErr).Error("❌ Dump failed")
	} else {
		log.WithFields(fields).WithField("archive", run.ArchivePath).Info("✅ Dump completed")
	}

	summary := report.FromRun(run)
	summary.Reconnects = reconnects
	summary.Err = runErr
	if archive != nil {
		summary.ArchiveSize = archive.Size
	}
	if o.summary != nil {
		report.Print(o.summary, summary)
	}
}

// setStatus 更新状态并广播
func (o *Orchestrator) setStatus(run *domain.DumpRun, status domain.RunStatus) {
	run.Status = status

	o.mu.Lock()
	o.current.Status = status
	o.current.Device = run.DeviceName
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"status": status,
	}).Debug("Run state changed")

	o.sink.Publish(domain.Event{
		Type:      domain.EventStateChanged,
		RunID:     run.ID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

// fridaError 运行时返回的错误已带失败类型时原样返回
func fridaError(op string, err error) error {
	if domain.FailureOf(err) != domain.FailureTypeUnknown {
		return err
	}
	return domain.NewFridaError(op, err)
}
