package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/frida"
	"github.com/ipa-dump/ipa-dump-go/internal/retry"
	"github.com/sirupsen/logrus"
)

var errNoUSBDevice = errors.New("no USB device found")

// Chooser 在多台候选设备中选择一台，返回下标
type Chooser interface {
	Choose(devices []frida.Device) (int, error)
}

// ChooserFunc 函数适配器
type ChooserFunc func(devices []frida.Device) (int, error)

// Choose 实现 Chooser
func (f ChooserFunc) Choose(devices []frida.Device) (int, error) {
	return f(devices)
}

// ConsoleChooser 在终端列出设备并读取用户输入，输入无效时重新提示
type ConsoleChooser struct {
	in  *bufio.Reader
	out io.Writer
}

// NewConsoleChooser 创建终端选择器
func NewConsoleChooser(in io.Reader, out io.Writer) *ConsoleChooser {
	return &ConsoleChooser{in: bufio.NewReader(in), out: out}
}

// Choose 实现 Chooser
func (c *ConsoleChooser) Choose(devices []frida.Device) (int, error) {
	fmt.Fprintln(c.out, "Multiple USB devices found:")
	for i, d := range devices {
		fmt.Fprintf(c.out, "%d. %s (ID: %s)\n", i+1, d.Name(), d.ID())
	}

	for {
		fmt.Fprintf(c.out, "Select device (1-%d): ", len(devices))
		line, err := c.in.ReadString('\n')
		input := strings.TrimSpace(line)

		if input != "" {
			n, convErr := strconv.Atoi(input)
			if convErr == nil && n >= 1 && n <= len(devices) {
				return n - 1, nil
			}
			fmt.Fprintf(c.out, "Invalid selection %q, please enter a number between 1 and %d\n", input, len(devices))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, errors.New("no device selected: input closed")
			}
			return 0, fmt.Errorf("failed to read selection: %w", err)
		}
	}
}

// IndexChooser 总是返回固定下标，用于非交互场景
type IndexChooser int

// Choose 实现 Chooser
func (c IndexChooser) Choose(devices []frida.Device) (int, error) {
	if int(c) < 0 || int(c) >= len(devices) {
		return 0, fmt.Errorf("device index %d out of range (%d candidates)", int(c), len(devices))
	}
	return int(c), nil
}

// Selector 枚举 USB 设备并选出一台
type Selector struct {
	runtime   frida.Runtime
	chooser   Chooser
	retry     *retry.Config
	deviceID  string
	logger    logrus.FieldLogger
	onAttempt func()
}

// Option 可选配置
type Option func(*Selector)

// WithDeviceID 只接受指定 ID 的设备
func WithDeviceID(id string) Option {
	return func(s *Selector) {
		s.deviceID = id
	}
}

// WithRetry 覆盖默认的枚举重试配置
func WithRetry(cfg *retry.Config) Option {
	return func(s *Selector) {
		if cfg != nil {
			s.retry = cfg
		}
	}
}

// WithAttemptHook 每次枚举前调用
func WithAttemptHook(fn func()) Option {
	return func(s *Selector) {
		s.onAttempt = fn
	}
}

// NewSelector 创建选择器，默认固定 1 秒间隔重试 3 次
func NewSelector(runtime frida.Runtime, chooser Chooser, logger logrus.FieldLogger, opts ...Option) *Selector {
	cfg := retry.DefaultConfig()
	cfg.Logger = logger
	cfg.Operation = "enumerate_usb_devices"

	s := &Selector{
		runtime: runtime,
		chooser: chooser,
		retry:   cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select 返回选中的设备；没有候选设备时重试，仍然没有则返回 NoDeviceError
func (s *Selector) Select(ctx context.Context) (frida.Device, error) {
	candidates, err := retry.DoWithResult(ctx, s.retry, func(ctx context.Context, attempt int) ([]frida.Device, error) {
		if s.onAttempt != nil {
			s.onAttempt()
		}
		devices, err := s.runtime.Devices(ctx)
		if err != nil {
			return nil, err
		}
		usb := s.filter(devices)
		if len(usb) == 0 {
			return nil, errNoUSBDevice
		}
		return usb, nil
	})
	if err != nil {
		return nil, domain.NewNoDeviceError(err)
	}

	if len(candidates) == 1 {
		d := candidates[0]
		s.logger.WithFields(logrus.Fields{
			"device_id":   d.ID(),
			"device_name": d.Name(),
		}).Info("📱 Using USB device")
		return d, nil
	}

	if s.chooser == nil {
		return nil, domain.NewNoDeviceError(fmt.Errorf("%d USB devices found and no chooser available", len(candidates)))
	}
	idx, err := s.chooser.Choose(candidates)
	if err != nil {
		return nil, domain.NewNoDeviceError(err)
	}
	if idx < 0 || idx >= len(candidates) {
		return nil, domain.NewNoDeviceError(fmt.Errorf("chooser returned index %d out of range", idx))
	}

	d := candidates[idx]
	s.logger.WithFields(logrus.Fields{
		"device_id":   d.ID(),
		"device_name": d.Name(),
		"candidates":  len(candidates),
	}).Info("📱 Device selected")
	return d, nil
}

func (s *Selector) filter(devices []frida.Device) []frida.Device {
	var out []frida.Device
	for _, d := range devices {
		if d.Kind() != frida.DeviceKindUSB {
			continue
		}
		if s.deviceID != "" && d.ID() != s.deviceID {
			continue
		}
		out = append(out, d)
	}
	return out
}
