// Package fridatest 提供内存中的 Frida 运行时，用于不连接真实设备的测试
package fridatest

import (
	"context"
	"errors"
	"sync"

	"github.com/ipa-dump/ipa-dump-go/internal/frida"
)

// Runtime 可编程的运行时，Responses 依次作为每次 Devices 调用的结果
type Runtime struct {
	mu        sync.Mutex
	Responses [][]frida.Device
	Err       error
	calls     int
	closed    bool
}

// NewRuntime 每次枚举都返回同一组设备
func NewRuntime(devices ...frida.Device) *Runtime {
	return &Runtime{Responses: [][]frida.Device{devices}}
}

// Devices 实现 frida.Runtime
func (r *Runtime) Devices(ctx context.Context) ([]frida.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.Err != nil {
		return nil, r.Err
	}
	if len(r.Responses) == 0 {
		return nil, nil
	}
	idx := r.calls - 1
	if idx >= len(r.Responses) {
		idx = len(r.Responses) - 1
	}
	return r.Responses[idx], nil
}

// Calls 枚举次数
func (r *Runtime) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Close 实现 frida.Runtime
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Device 假设备
type Device struct {
	DeviceID   string
	DeviceName string
	DeviceKind frida.DeviceKind
	Apps       []frida.Application
	Session    *Session

	SpawnErr  error
	AttachErr error

	mu       sync.Mutex
	nextPID  int
	spawned  []string
	resumed  []int
	attached []int
}

// NewUSBDevice 创建 USB 设备
func NewUSBDevice(id, name string, apps ...frida.Application) *Device {
	return &Device{DeviceID: id, DeviceName: name, DeviceKind: frida.DeviceKindUSB, Apps: apps, Session: NewSession()}
}

func (d *Device) ID() string             { return d.DeviceID }
func (d *Device) Name() string           { return d.DeviceName }
func (d *Device) Kind() frida.DeviceKind { return d.DeviceKind }

func (d *Device) Applications() ([]frida.Application, error) {
	return d.Apps, nil
}

func (d *Device) Spawn(identifier string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SpawnErr != nil {
		return 0, d.SpawnErr
	}
	d.nextPID++
	d.spawned = append(d.spawned, identifier)
	return 1000 + d.nextPID, nil
}

func (d *Device) Resume(pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumed = append(d.resumed, pid)
	return nil
}

func (d *Device) Attach(pid int) (frida.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AttachErr != nil {
		return nil, d.AttachErr
	}
	d.attached = append(d.attached, pid)
	return d.Session, nil
}

// Spawned 已 spawn 的 identifier
func (d *Device) Spawned() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.spawned...)
}

// Resumed 已 resume 的 pid
func (d *Device) Resumed() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.resumed...)
}

// Attached 已 attach 的 pid
func (d *Device) Attached() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.attached...)
}

// Session 假会话
type Session struct {
	Script    *Script
	DetachErr error

	mu       sync.Mutex
	detaches int
	source   string
}

// NewSession 创建会话
func NewSession() *Session {
	return &Session{Script: NewScript()}
}

func (s *Session) CreateScript(source string) (frida.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
	return s.Script, nil
}

func (s *Session) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detaches++
	return s.DetachErr
}

// Detaches Detach 调用次数
func (s *Session) Detaches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detaches
}

// Source 注入的脚本内容
func (s *Session) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Script 假脚本，OnPost 在收到 Post 时被调用，通常用于模拟设备端发来的消息
type Script struct {
	OnPost  func(message any, emit func(raw string))
	LoadErr error

	mu      sync.Mutex
	handler func(raw []byte)
	loaded  bool
	posted  []any
	wg      sync.WaitGroup
}

// NewScript 创建脚本
func NewScript() *Script {
	return &Script{}
}

func (s *Script) OnMessage(handler func(raw []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *Script) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return s.LoadErr
	}
	s.loaded = true
	return nil
}

// Post 在独立 goroutine 中回放 OnPost 产生的消息，模拟 Frida 的消息线程
func (s *Script) Post(message any) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return errors.New("script not loaded")
	}
	s.posted = append(s.posted, message)
	onPost := s.OnPost
	s.mu.Unlock()

	if onPost == nil {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		onPost(message, s.Emit)
	}()
	return nil
}

// Emit 把一条原始消息交给已注册的回调
func (s *Script) Emit(raw string) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler([]byte(raw))
	}
}

// Wait 等待 OnPost 回放结束
func (s *Script) Wait() {
	s.wg.Wait()
}

func (s *Script) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	return nil
}

// Posted 收到的所有 Post 消息
func (s *Script) Posted() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.posted...)
}
