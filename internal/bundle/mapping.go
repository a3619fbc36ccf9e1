package bundle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AppKey 映射中代表 .app 根目录的保留键
const AppKey = "app"

const appMarker = ".app/"

// ErrMalformedPath 原始路径中找不到 .app/ 边界
var ErrMalformedPath = errors.New("path has no .app/ boundary")

// Mapping 已拉取文件到其在 .app 内相对路径的映射
//
// 由消息处理方单线程写入，组装前通过 Snapshot 交出一份只读副本。
// .app 根目录单独保存，不会与名为 "app" 的普通文件冲突。
type Mapping struct {
	app       string
	artifacts map[string]string
}

// NewMapping 创建空映射
func NewMapping() *Mapping {
	return &Mapping{artifacts: make(map[string]string)}
}

// Set 记录暂存目录下的文件 name 最终应位于 .app 内的 relPath
func (m *Mapping) Set(name, relPath string) {
	m.artifacts[name] = relPath
}

// SetApp 记录 .app 根目录名，如 "Foo.app"
func (m *Mapping) SetApp(folder string) {
	m.app = folder
}

// App 返回 .app 根目录名
func (m *Mapping) App() (string, bool) {
	return m.app, m.app != ""
}

// Artifacts 返回除根目录以外的条目副本
func (m *Mapping) Artifacts() map[string]string {
	out := make(map[string]string, len(m.artifacts))
	for k, v := range m.artifacts {
		out[k] = v
	}
	return out
}

// Entries 返回包含保留键 AppKey 的完整映射
func (m *Mapping) Entries() map[string]string {
	out := m.Artifacts()
	if m.app != "" {
		out[AppKey] = m.app
	}
	return out
}

// Len 文件条目数（不含根目录）
func (m *Mapping) Len() int {
	return len(m.artifacts)
}

// Snapshot 返回深拷贝
func (m *Mapping) Snapshot() *Mapping {
	return &Mapping{app: m.app, artifacts: m.Artifacts()}
}

// Names 按字典序返回文件名，保证组装顺序确定
func (m *Mapping) Names() []string {
	names := make([]string, 0, len(m.artifacts))
	for k := range m.artifacts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RelativePath 取原始路径中第一个 ".app/" 之后的部分
//
//	/var/containers/Bundle/Application/UUID/Foo.app/Frameworks/A.framework/A -> Frameworks/A.framework/A
//
// 嵌套的 .app（如 Watch/Bar.app）原样保留在结果中。
func RelativePath(original string) (string, error) {
	idx := strings.Index(original, appMarker)
	if idx < 0 {
		return "", fmt.Errorf("%w: %q", ErrMalformedPath, original)
	}
	rel := original[idx+len(appMarker):]
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return "", fmt.Errorf("%w: nothing after marker in %q", ErrMalformedPath, original)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: parent reference in %q", ErrMalformedPath, original)
		}
	}
	return rel, nil
}
