package domain

// MessageKind 注入脚本消息的类别
type MessageKind int

const (
	MessageIgnore    MessageKind = iota // 空载荷或无法识别，忽略
	MessageError                        // 脚本运行时错误
	MessageLog                          // 脚本日志
	MessageDumpFile                     // 解密后的二进制文件
	MessageAppBundle                    // .app 根目录
	MessageDone                         // dump 结束
)

func (k MessageKind) String() string {
	switch k {
	case MessageIgnore:
		return "ignore"
	case MessageError:
		return "error"
	case MessageLog:
		return "log"
	case MessageDumpFile:
		return "dump_file"
	case MessageAppBundle:
		return "app_bundle"
	case MessageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Message 分类后的脚本消息
//
// 各类别使用的字段：
//   - MessageError: Description, Stack
//   - MessageLog: Text
//   - MessageDumpFile: RemotePath（设备上解密文件路径）, OriginalPath（原始 .app 内路径）
//   - MessageAppBundle: RemotePath（.app 目录路径）
type Message struct {
	Kind         MessageKind
	Text         string
	RemotePath   string
	OriginalPath string
	Description  string
	Stack        string
}
