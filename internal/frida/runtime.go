package frida

import "context"

// DeviceKind 设备连接方式
type DeviceKind string

const (
	DeviceKindLocal  DeviceKind = "local"
	DeviceKindRemote DeviceKind = "remote"
	DeviceKindUSB    DeviceKind = "usb"
)

// Runtime Frida 运行时入口
type Runtime interface {
	Devices(ctx context.Context) ([]Device, error)
	Close() error
}

// Device 一台可注入的设备
type Device interface {
	ID() string
	Name() string
	Kind() DeviceKind
	Applications() ([]Application, error)
	Spawn(identifier string) (int, error)
	Resume(pid int) error
	Attach(pid int) (Session, error)
}

// Application 设备上安装的应用，PID 为 0 表示未运行
type Application struct {
	Identifier string
	Name       string
	PID        int
	Version    string
	Path       string
}

// Running 应用是否正在运行
func (a Application) Running() bool {
	return a.PID > 0
}

// Session 附加到目标进程的会话
type Session interface {
	CreateScript(source string) (Script, error)
	Detach() error
}

// Script 已注入的脚本
//
// OnMessage 注册的回调在 Frida 的线程上逐条调用，raw 为完整的消息 JSON。
type Script interface {
	OnMessage(handler func(raw []byte))
	Load() error
	Post(message any) error
	Unload() error
}

// FindApplication 按 bundle identifier 或显示名查找应用，identifier 优先
func FindApplication(apps []Application, target string) (Application, bool) {
	for _, app := range apps {
		if app.Identifier == target {
			return app, true
		}
	}
	for _, app := range apps {
		if app.Name == target {
			return app, true
		}
	}
	return Application{}, false
}
