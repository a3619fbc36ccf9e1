package dumper

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/ipa-dump/ipa-dump-go/internal/device"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/frida"
	"github.com/ipa-dump/ipa-dump-go/internal/frida/fridatest"
	"github.com/ipa-dump/ipa-dump-go/internal/metrics"
	"github.com/ipa-dump/ipa-dump-go/internal/remote"
	"github.com/ipa-dump/ipa-dump-go/internal/repository"
	"github.com/ipa-dump/ipa-dump-go/internal/retry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bundleRemote = "/var/containers/Bundle/Application/ABCD/Example.app"
	dumpRemote   = "/var/mobile/Documents/Example.fid"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeTransport 内存中的远程文件系统
type fakeTransport struct {
	mu         sync.Mutex
	files      map[string]string
	dirs       map[string]map[string]string
	connectErr error
	connects   int
	reconnects int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files: map[string]string{
			dumpRemote: "decrypted-binary",
		},
		dirs: map[string]map[string]string{
			bundleRemote: {
				"Example":    "encrypted-binary",
				"Info.plist": "<plist/>",
			},
		},
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Reconnects() int64 {
	return f.reconnects
}

func (f *fakeTransport) FetchFile(ctx context.Context, remotePath, localDir string, progress remote.ProgressFunc) (string, error) {
	f.mu.Lock()
	content, ok := f.files[remotePath]
	f.mu.Unlock()
	if !ok {
		return "", domain.NewTransferError("fetch_file", remotePath, os.ErrNotExist)
	}

	name := path.Base(remotePath)
	local := filepath.Join(localDir, name)
	if err := os.WriteFile(local, []byte(content), 0644); err != nil {
		return "", err
	}
	if progress != nil {
		progress(name, int64(len(content)), int64(len(content)))
	}
	return local, nil
}

func (f *fakeTransport) FetchDirectory(ctx context.Context, remotePath, localDir string, progress remote.ProgressFunc) (string, error) {
	f.mu.Lock()
	tree, ok := f.dirs[remotePath]
	f.mu.Unlock()
	if !ok {
		return "", domain.NewTransferError("fetch_directory", remotePath, os.ErrNotExist)
	}

	root := filepath.Join(localDir, path.Base(remotePath))
	for rel, content := range tree {
		local := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(local, []byte(content), 0644); err != nil {
			return "", err
		}
		if progress != nil {
			progress(path.Base(rel), int64(len(content)), int64(len(content)))
		}
	}
	return root, nil
}

// recordingSink 记录收到的事件
type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) states() []domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RunStatus
	for _, e := range s.events {
		if e.Type == domain.EventStateChanged {
			out = append(out, e.Status)
		}
	}
	return out
}

// fakePublisher 记录完成事件
type fakePublisher struct {
	mu   sync.Mutex
	runs []domain.DumpRun
	err  error
}

func (p *fakePublisher) PublishRunCompleted(ctx context.Context, run *domain.DumpRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, *run)
	return p.err
}

// happyPath 模拟脚本依次发送日志、解密文件、bundle 目录和完成消息
func happyPath(extra ...string) func(message any, emit func(raw string)) {
	return func(message any, emit func(raw string)) {
		emit(`{"type":"send","payload":{"type":"log","payload":"dumping Example"}}`)
		emit(`{"type":"send","payload":{"dump":"` + dumpRemote + `","path":"` + bundleRemote + `/Example"}}`)
		for _, raw := range extra {
			emit(raw)
		}
		emit(`{"type":"send","payload":{"app":"` + bundleRemote + `"}}`)
		emit(`{"type":"send","payload":{"done":"ok"}}`)
	}
}

type harness struct {
	runtime   *fridatest.Runtime
	device    *fridatest.Device
	transport *fakeTransport
	sink      *recordingSink
	publisher *fakePublisher
	metrics   *metrics.Metrics
	runs      repository.RunRepository
	summary   *bytes.Buffer
	opts      Options
}

func newHarness(t *testing.T, app frida.Application) *harness {
	t.Helper()

	dir := t.TempDir()
	script := filepath.Join(dir, "dump.js")
	require.NoError(t, os.WriteFile(script, []byte("rpc.exports = {};"), 0644))

	logger := quietLogger()
	db, err := repository.InitDB(&config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { repository.Close(db) })

	dev := fridatest.NewUSBDevice("usb-1", "iPhone", app)
	output := filepath.Join(dir, "out")

	return &harness{
		runtime:   fridatest.NewRuntime(dev),
		device:    dev,
		transport: newFakeTransport(),
		sink:      &recordingSink{},
		publisher: &fakePublisher{},
		metrics:   metrics.New(logger, "ipadump"),
		runs:      repository.NewRunRepository(db, logger),
		summary:   &bytes.Buffer{},
		opts: Options{
			ScriptPath: script,
			Timeout:    5 * time.Second,
			OutputDir:  output,
			StagingDir: filepath.Join(output, "Payload"),
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	logger := quietLogger()
	selector := device.NewSelector(h.runtime, device.IndexChooser(0), logger, device.WithRetry(&retry.Config{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Strategy:        retry.StrategyFixed,
		Logger:          logger,
	}))

	return NewOrchestrator(selector, h.transport, h.opts, logger,
		WithRunRepository(h.runs),
		WithMetrics(h.metrics),
		WithPublisher(h.publisher),
		WithEventSink(h.sink),
		WithSummaryOutput(h.summary),
	)
}

func exampleApp() frida.Application {
	return frida.Application{Identifier: "com.example.app", Name: "Example"}
}

func readZip(t *testing.T, archivePath string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer zr.Close()

	out := make(map[string]string)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

// TestRun_SpawnsAndAssembles 测试未运行应用的完整流程
func TestRun_SpawnsAndAssembles(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.device.Session.Script.OnPost = happyPath()
	h.opts.WatchStaging = true

	run, err := h.orchestrator().Run(context.Background(), "com.example.app")
	h.device.Session.Script.Wait()
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, domain.FailureTypeNone, run.FailureType)
	assert.Equal(t, "Example", run.DisplayName)
	assert.Equal(t, "usb-1", run.DeviceID)
	assert.Equal(t, 1, run.ArtifactCount)
	assert.Zero(t, run.FailedTransfers)
	assert.NotNil(t, run.CompletedAt)

	// spawn、attach、resume 各一次
	assert.Equal(t, []string{"com.example.app"}, h.device.Spawned())
	require.Len(t, h.device.Attached(), 1)
	assert.Equal(t, h.device.Attached(), h.device.Resumed())
	assert.Equal(t, 1, h.device.Session.Detaches())
	assert.Equal(t, []any{DumpCommand}, h.device.Session.Script.Posted())
	assert.Equal(t, "rpc.exports = {};", h.device.Session.Source())

	// 解密文件覆盖了 bundle 中的原文件
	assert.Equal(t, filepath.Join(h.opts.OutputDir, "Example.ipa"), run.ArchivePath)
	entries := readZip(t, run.ArchivePath)
	assert.Equal(t, "decrypted-binary", entries["Payload/Example.app/Example"])
	assert.Equal(t, "<plist/>", entries["Payload/Example.app/Info.plist"])

	// 暂存目录被清空
	left, err := os.ReadDir(h.opts.StagingDir)
	if err == nil {
		assert.Empty(t, left)
	}

	assert.Equal(t, []domain.RunStatus{
		domain.RunStatusDeviceSelected,
		domain.RunStatusAttached,
		domain.RunStatusDumping,
		domain.RunStatusAssembling,
		domain.RunStatusSucceeded,
	}, h.sink.states())

	assert.Contains(t, h.summary.String(), "Example")
}

// TestRun_AttachesRunningApp 测试已运行的应用直接附加
func TestRun_AttachesRunningApp(t *testing.T) {
	app := exampleApp()
	app.PID = 4242
	h := newHarness(t, app)
	h.device.Session.Script.OnPost = happyPath()

	run, err := h.orchestrator().Run(context.Background(), "Example")
	h.device.Session.Script.Wait()
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Empty(t, h.device.Spawned())
	assert.Empty(t, h.device.Resumed())
	assert.Equal(t, []int{4242}, h.device.Attached())
	assert.Equal(t, 1, h.device.Session.Detaches())
}

// TestRun_PersistsAndPublishes 测试运行记录、指标和完成事件
func TestRun_PersistsAndPublishes(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.device.Session.Script.OnPost = happyPath()
	h.publisher.err = errors.New("broker down")

	run, err := h.orchestrator().Run(context.Background(), "com.example.app")
	h.device.Session.Script.Wait()
	require.NoError(t, err, "publisher failure must not change the outcome")

	stored, err := h.runs.FindByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, stored.Status)
	assert.Equal(t, run.ArchivePath, stored.ArchivePath)
	assert.Equal(t, 1, stored.ArtifactCount)

	require.Len(t, h.publisher.runs, 1)
	assert.Equal(t, run.ID, h.publisher.runs[0].ID)

	count, err := testutil.GatherAndCount(h.metrics.Registry(), "ipadump_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestRun_TransferFailureTolerated 测试单个文件拉取失败不影响整体
func TestRun_TransferFailureTolerated(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.device.Session.Script.OnPost = happyPath(
		`{"type":"send","payload":{"dump":"/var/mobile/Documents/missing.fid","path":"` + bundleRemote + `/Frameworks/Missing"}}`,
		`{"type":"error","description":"ReferenceError: x is not defined","stack":"at dump.js:1"}`,
	)

	run, err := h.orchestrator().Run(context.Background(), "com.example.app")
	h.device.Session.Script.Wait()
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, run.ArtifactCount)
	assert.Equal(t, 1, run.FailedTransfers)

	entries := readZip(t, run.ArchivePath)
	assert.Equal(t, "decrypted-binary", entries["Payload/Example.app/Example"])
}

// TestRun_Timeout 测试脚本一直不发 done
func TestRun_Timeout(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.opts.Timeout = 50 * time.Millisecond

	run, err := h.orchestrator().Run(context.Background(), "com.example.app")
	require.Error(t, err)

	assert.True(t, domain.IsFailure(err, domain.FailureTypeDumpTimeout))
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.FailureTypeDumpTimeout, run.FailureType)
	assert.Empty(t, run.ArchivePath)
	assert.Equal(t, 1, h.device.Session.Detaches())

	_, statErr := os.Stat(filepath.Join(h.opts.OutputDir, "Example.ipa"))
	assert.True(t, os.IsNotExist(statErr))
	assert.NotEmpty(t, h.summary.String())
}

// TestRun_DetachErrorSwallowed 测试 detach 失败只记日志
func TestRun_DetachErrorSwallowed(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.device.Session.Script.OnPost = happyPath()
	h.device.Session.DetachErr = errors.New("session gone")

	run, err := h.orchestrator().Run(context.Background(), "com.example.app")
	h.device.Session.Script.Wait()
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, h.device.Session.Detaches())
}

// TestRun_AppNotFound 测试找不到应用时不触碰工作目录
func TestRun_AppNotFound(t *testing.T) {
	h := newHarness(t, exampleApp())
	require.NoError(t, os.MkdirAll(h.opts.StagingDir, 0755))
	leftover := filepath.Join(h.opts.StagingDir, "previous-run")
	require.NoError(t, os.WriteFile(leftover, []byte("keep"), 0644))

	run, err := h.orchestrator().Run(context.Background(), "com.other.app")
	require.Error(t, err)

	assert.True(t, domain.IsFailure(err, domain.FailureTypeAppNotFound))
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.FileExists(t, leftover)
	assert.Empty(t, h.device.Attached())
	assert.Zero(t, h.device.Session.Detaches())
}

// TestRun_NoDevice 测试没有 USB 设备
func TestRun_NoDevice(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.runtime.Responses = [][]frida.Device{{}}

	run, err := h.orchestrator().Run(context.Background(), "com.example.app")
	require.Error(t, err)

	assert.True(t, domain.IsFailure(err, domain.FailureTypeNoDevice))
	assert.Equal(t, domain.FailureTypeNoDevice, run.FailureType)
	assert.Equal(t, 2, h.runtime.Calls())
}

// TestRun_ConnectFailure 测试 SSH 认证失败时不枚举设备
func TestRun_ConnectFailure(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.transport.connectErr = domain.NewAuthenticationError("127.0.0.1:22", errors.New("permission denied"))

	run, err := h.orchestrator().Run(context.Background(), "com.example.app")
	require.Error(t, err)

	assert.Equal(t, domain.FailureTypeAuthentication, run.FailureType)
	assert.Zero(t, h.runtime.Calls())
}

// TestRun_MissingScript 测试脚本文件不存在
func TestRun_MissingScript(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.opts.ScriptPath = filepath.Join(t.TempDir(), "absent.js")

	_, err := h.orchestrator().Run(context.Background(), "com.example.app")
	require.Error(t, err)
	assert.True(t, domain.IsFailure(err, domain.FailureTypeConfiguration))
	assert.Empty(t, h.device.Spawned())
}

// TestRun_SpawnFailure 测试 spawn 失败
func TestRun_SpawnFailure(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.device.SpawnErr = errors.New("unable to launch")

	run, err := h.orchestrator().Run(context.Background(), "com.example.app")
	require.Error(t, err)
	assert.Equal(t, domain.FailureTypeFrida, run.FailureType)
	assert.Zero(t, h.device.Session.Detaches())
}

// TestProgress 测试运行结束后的状态快照
func TestProgress(t *testing.T) {
	h := newHarness(t, exampleApp())
	h.device.Session.Script.OnPost = happyPath()
	o := h.orchestrator()

	assert.Empty(t, o.Progress().RunID)

	run, err := o.Run(context.Background(), "com.example.app")
	h.device.Session.Script.Wait()
	require.NoError(t, err)

	p := o.Progress()
	assert.Equal(t, run.ID, p.RunID)
	assert.Equal(t, domain.RunStatusSucceeded, p.Status)
	assert.Equal(t, "iPhone", p.Device)
	assert.Equal(t, 1, p.Artifacts)
	assert.Equal(t, 4, p.Messages)
	assert.Equal(t, run.BytesReceived, p.Bytes)
}

// TestOptionsFromConfig 测试配置映射
func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{OutputDir: "/tmp/dumps"}
	cfg.Dump.ScriptPath = "dump.js"
	cfg.Dump.Timeout = time.Hour
	cfg.Metrics.Textfile = "/tmp/ipadump.prom"

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "/tmp/dumps/Payload", filepath.ToSlash(opts.StagingDir))
	assert.Equal(t, time.Hour, opts.Timeout)
	assert.Equal(t, "/tmp/ipadump.prom", opts.MetricsTextfile)
}
