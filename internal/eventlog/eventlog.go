// Package eventlog 把运行事件逐行写入 JSONL 文件，便于事后回放
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// maxLineSize 单行上限，脚本错误的堆栈可能很长
const maxLineSize = 10 * 1024 * 1024

// Writer 追加写入事件的 EventSink
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	logger  logrus.FieldLogger
	written int
	failed  bool
}

// Open 以追加方式打开事件文件，目录不存在时创建
func Open(path string, logger logrus.FieldLogger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &Writer{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		logger: logger.WithField("event_log", path),
	}, nil
}

// Publish 实现 domain.EventSink，写入失败只在第一次记录日志
func (w *Writer) Publish(event domain.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return
	}

	if err := w.writeLine(event); err != nil {
		if !w.failed {
			w.logger.WithError(err).Warn("Failed to write event log")
			w.failed = true
		}
		return
	}
	w.written++

	// 运行结束的事件立即落盘
	if event.Type == domain.EventRunCompleted {
		if err := w.writer.Flush(); err != nil && !w.failed {
			w.logger.WithError(err).Warn("Failed to flush event log")
			w.failed = true
		}
	}
}

func (w *Writer) writeLine(event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	return w.writer.WriteByte('\n')
}

// Written 已写入的事件数
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close 刷新缓冲并关闭文件，可重复调用
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.writer.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ReadFile 依次回调文件中的每个事件，runID 非空时只返回该次运行的事件
func ReadFile(path, runID string, fn func(event domain.Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return Read(file, runID, fn)
}

// Read 从 r 中读取事件
func Read(r io.Reader, runID string, fn func(event domain.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event domain.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if runID != "" && event.RunID != runID {
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
