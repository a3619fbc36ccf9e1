//go:build !nofrida

// Package native 基于 frida-core 的运行时实现，需要 frida-core devkit 和 cgo
package native

import (
	"context"
	"encoding/json"

	core "github.com/frida/frida-go/frida"
	"github.com/go-viper/mapstructure/v2"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/frida"
	"github.com/sirupsen/logrus"
)

var _ frida.Runtime = (*Runtime)(nil)

// Runtime 基于 frida-go 的 frida.Runtime 实现
type Runtime struct {
	manager *core.DeviceManager
	logger  logrus.FieldLogger
}

// NewRuntime 创建运行时
func NewRuntime(logger logrus.FieldLogger) *Runtime {
	return &Runtime{
		manager: core.NewDeviceManager(),
		logger:  logger,
	}
}

// Devices 枚举当前可见的设备
func (r *Runtime) Devices(ctx context.Context) ([]frida.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices, err := r.manager.EnumerateDevices()
	if err != nil {
		return nil, domain.NewFridaError("enumerate_devices", err)
	}

	out := make([]frida.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, &nativeDevice{device: d, logger: r.logger})
	}
	return out, nil
}

// Close 释放设备管理器
func (r *Runtime) Close() error {
	return r.manager.Close()
}

type nativeDevice struct {
	device core.DeviceInt
	logger logrus.FieldLogger
}

func (d *nativeDevice) ID() string   { return d.device.ID() }
func (d *nativeDevice) Name() string { return d.device.Name() }

func (d *nativeDevice) Kind() frida.DeviceKind {
	switch d.device.DeviceType() {
	case core.DeviceTypeUsb:
		return frida.DeviceKindUSB
	case core.DeviceTypeRemote:
		return frida.DeviceKindRemote
	default:
		return frida.DeviceKindLocal
	}
}

// appParams 应用附加参数，仅在 ScopeMetadata 及以上返回
type appParams struct {
	Path    string `mapstructure:"path"`
	Version string `mapstructure:"version"`
	Build   string `mapstructure:"build"`
}

func (d *nativeDevice) Applications() ([]frida.Application, error) {
	apps, err := d.device.EnumerateApplications("", core.ScopeMetadata)
	if err != nil {
		return nil, domain.NewFridaError("enumerate_applications", err)
	}

	out := make([]frida.Application, 0, len(apps))
	for _, app := range apps {
		var params appParams
		if err := mapstructure.WeakDecode(app.Params(), &params); err != nil {
			d.logger.WithError(err).WithField("identifier", app.Identifier()).Debug("Failed to decode application parameters")
		}
		out = append(out, frida.Application{
			Identifier: app.Identifier(),
			Name:       app.Name(),
			PID:        app.PID(),
			Version:    params.Version,
			Path:       params.Path,
		})
	}
	return out, nil
}

func (d *nativeDevice) Spawn(identifier string) (int, error) {
	pid, err := d.device.Spawn(identifier, nil)
	if err != nil {
		return 0, domain.NewFridaError("spawn", err)
	}
	return pid, nil
}

func (d *nativeDevice) Resume(pid int) error {
	if err := d.device.Resume(pid); err != nil {
		return domain.NewFridaError("resume", err)
	}
	return nil
}

func (d *nativeDevice) Attach(pid int) (frida.Session, error) {
	session, err := d.device.Attach(pid, nil)
	if err != nil {
		return nil, domain.NewFridaError("attach", err)
	}
	return &nativeSession{session: session}, nil
}

type nativeSession struct {
	session *core.Session
}

func (s *nativeSession) CreateScript(source string) (frida.Script, error) {
	script, err := s.session.CreateScript(source)
	if err != nil {
		return nil, domain.NewFridaError("create_script", err)
	}
	return &nativeScript{script: script}, nil
}

func (s *nativeSession) Detach() error {
	if err := s.session.Detach(); err != nil {
		return domain.NewFridaError("detach", err)
	}
	return nil
}

type nativeScript struct {
	script *core.Script
}

func (s *nativeScript) OnMessage(handler func(raw []byte)) {
	s.script.On("message", func(message string) {
		handler([]byte(message))
	})
}

func (s *nativeScript) Load() error {
	if err := s.script.Load(); err != nil {
		return domain.NewFridaError("load_script", err)
	}
	return nil
}

// Post 以 JSON 编码发送给脚本的 recv()
func (s *nativeScript) Post(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return domain.NewFridaError("post", err)
	}
	s.script.Post(string(data), nil)
	return nil
}

func (s *nativeScript) Unload() error {
	if err := s.script.Unload(); err != nil {
		return domain.NewFridaError("unload_script", err)
	}
	return nil
}
