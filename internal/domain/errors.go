package domain

import (
	"errors"
	"fmt"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone           FailureType = ""
	FailureTypeConfiguration  FailureType = "configuration_error"  // 凭据缺失或冲突，连接前失败
	FailureTypeConnectivity   FailureType = "connectivity_error"   // SSH 无法建立
	FailureTypeAuthentication FailureType = "authentication_error" // SSH 认证被拒
	FailureTypeTransfer       FailureType = "transfer_error"       // 单个文件/目录拉取失败（非致命）
	FailureTypeNoDevice       FailureType = "no_device"            // 没有可用 USB 设备
	FailureTypeAppNotFound    FailureType = "app_not_found"        // 设备上找不到目标应用
	FailureTypeDumpTimeout    FailureType = "dump_timeout"         // 等待 done 消息超时
	FailureTypeAssembly       FailureType = "assembly_error"       // 缺少 .app 根目录或映射异常
	FailureTypeFrida          FailureType = "frida_error"          // 注入/附加失败
	FailureTypeUnknown        FailureType = "unknown"
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"
	FailureSeverityWarning FailureSeverity = "warning"
	FailureSeverityError   FailureSeverity = "error"
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeTransfer:
		return FailureSeverityWarning // 只会导致 ipa 缺少文件
	case FailureTypeNoDevice, FailureTypeAppNotFound, FailureTypeConfiguration:
		return FailureSeverityWarning // 操作员可以自行修正
	default:
		return FailureSeverityError
	}
}

// IsFatal 是否终止整个 dump
func (ft FailureType) IsFatal() bool {
	return ft != FailureTypeNone && ft != FailureTypeTransfer
}

// DumpError 带失败类型的错误
type DumpError struct {
	Type FailureType
	Op   string // 出错的操作，如 "connect", "fetch_file"
	Path string // 相关路径（远程路径或本地路径），可为空
	Err  error
}

func (e *DumpError) Error() string {
	msg := string(e.Type)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DumpError) Unwrap() error {
	return e.Err
}

// Is 同类型的 DumpError 视为相等，便于 errors.Is(err, ErrDumpTimeout)
func (e *DumpError) Is(target error) bool {
	t, ok := target.(*DumpError)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Op == "" && t.Path == "" && t.Err == nil
}

// 哨兵错误，只用于 errors.Is 比较
var (
	ErrConfiguration  = &DumpError{Type: FailureTypeConfiguration}
	ErrConnectivity   = &DumpError{Type: FailureTypeConnectivity}
	ErrAuthentication = &DumpError{Type: FailureTypeAuthentication}
	ErrTransfer       = &DumpError{Type: FailureTypeTransfer}
	ErrNoDevice       = &DumpError{Type: FailureTypeNoDevice}
	ErrAppNotFound    = &DumpError{Type: FailureTypeAppNotFound}
	ErrDumpTimeout    = &DumpError{Type: FailureTypeDumpTimeout}
	ErrAssembly       = &DumpError{Type: FailureTypeAssembly}
	ErrFrida          = &DumpError{Type: FailureTypeFrida}
)

// NewConfigurationError 创建配置错误
func NewConfigurationError(format string, args ...interface{}) error {
	return &DumpError{Type: FailureTypeConfiguration, Op: "config", Err: fmt.Errorf(format, args...)}
}

// NewConnectivityError 创建连接错误
func NewConnectivityError(addr string, err error) error {
	return &DumpError{Type: FailureTypeConnectivity, Op: "connect", Path: addr, Err: err}
}

// NewAuthenticationError 创建认证错误
func NewAuthenticationError(addr string, err error) error {
	return &DumpError{Type: FailureTypeAuthentication, Op: "connect", Path: addr, Err: err}
}

// NewTransferError 创建传输错误，Path 为远程路径
func NewTransferError(op, remotePath string, err error) error {
	return &DumpError{Type: FailureTypeTransfer, Op: op, Path: remotePath, Err: err}
}

// NewNoDeviceError 创建无设备错误
func NewNoDeviceError(err error) error {
	return &DumpError{Type: FailureTypeNoDevice, Op: "select_device", Err: err}
}

// NewAppNotFoundError 创建应用未找到错误
func NewAppNotFoundError(target string) error {
	return &DumpError{Type: FailureTypeAppNotFound, Op: "find_application", Path: target}
}

// NewDumpTimeoutError 创建 dump 超时错误
func NewDumpTimeoutError(err error) error {
	return &DumpError{Type: FailureTypeDumpTimeout, Op: "wait_done", Err: err}
}

// NewAssemblyError 创建组装错误
func NewAssemblyError(path string, err error) error {
	return &DumpError{Type: FailureTypeAssembly, Op: "assemble", Path: path, Err: err}
}

// NewFridaError 创建 Frida 相关错误
func NewFridaError(op string, err error) error {
	return &DumpError{Type: FailureTypeFrida, Op: op, Err: err}
}

// FailureOf 提取错误链中的失败类型
func FailureOf(err error) FailureType {
	if err == nil {
		return FailureTypeNone
	}
	var de *DumpError
	if errors.As(err, &de) {
		return de.Type
	}
	return FailureTypeUnknown
}

// IsFailure 判断错误链中是否包含指定失败类型
func IsFailure(err error, ft FailureType) bool {
	return FailureOf(err) == ft
}
