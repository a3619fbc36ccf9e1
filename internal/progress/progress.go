package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/dustin/go-humanize"
)

// Indicator 单个传输消息的进度显示，实现不得阻塞或返回错误
type Indicator interface {
	Update(name string, total, sent int64)
	Close()
}

// Factory 为每个传输消息创建新的 Indicator
type Factory func(label string) Indicator

// Nop 不显示任何内容
type Nop struct{}

func (Nop) Update(string, int64, int64) {}
func (Nop) Close()                      {}

// NopFactory 返回 Nop
func NopFactory(string) Indicator { return Nop{} }

const renderInterval = 100 * time.Millisecond

// Bar 在终端单行刷新的进度条
type Bar struct {
	mu       sync.Mutex
	out      io.Writer
	label    string
	model    progress.Model
	last     time.Time
	lastLine int
	closed   bool
	drawn    bool
}

// NewBar 创建进度条，out 通常为 os.Stderr
func NewBar(out io.Writer, label string, width int) *Bar {
	if width <= 0 {
		width = 30
	}
	return &Bar{
		out:   out,
		label: label,
		model: progress.New(progress.WithDefaultGradient(), progress.WithWidth(width), progress.WithoutPercentage()),
	}
}

// ConsoleFactory 返回写到 out 的进度条工厂
func ConsoleFactory(out io.Writer, width int) Factory {
	return func(label string) Indicator {
		return NewBar(out, label, width)
	}
}

// Update 刷新显示，渲染频率受限，传输完成时总会渲染一次
func (b *Bar) Update(name string, total, sent int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	now := time.Now()
	finished := total > 0 && sent >= total
	if !finished && now.Sub(b.last) < renderInterval {
		return
	}
	b.last = now

	line := b.render(name, total, sent)
	pad := ""
	if n := b.lastLine - len(line); n > 0 {
		pad = fmt.Sprintf("%*s", n, "")
	}
	b.lastLine = len(line)
	// 写失败只影响显示
	fmt.Fprintf(b.out, "\r%s%s", line, pad)
	b.drawn = true
}

func (b *Bar) render(name string, total, sent int64) string {
	percent := 0.0
	if total > 0 {
		percent = float64(sent) / float64(total)
	}
	if percent > 1 {
		percent = 1
	}
	return fmt.Sprintf("%s %s %s %s/%s",
		b.label,
		name,
		b.model.ViewAs(percent),
		humanize.Bytes(uint64(max(sent, 0))),
		humanize.Bytes(uint64(max(total, 0))),
	)
}

// Close 结束当前行
func (b *Bar) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.drawn {
		fmt.Fprintln(b.out)
	}
}
