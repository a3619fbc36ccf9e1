package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
)

var (
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	borderColor  = lipgloss.Color("#4B5563")

	labelStyle = lipgloss.NewStyle().Foreground(mutedColor).Width(12)
	valueStyle = lipgloss.NewStyle().Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)
)

// Summary 一次运行结束后的摘要
type Summary struct {
	Target      string
	DisplayName string
	Device      string
	Status      domain.RunStatus
	FailureType domain.FailureType
	Elapsed     time.Duration
	OutputPath  string
	Artifacts   int
	Failures    int
	Bytes       int64
	ArchiveSize int64
	Reconnects  int64
	Err         error
}

// FromRun 从运行记录构造摘要
func FromRun(run *domain.DumpRun) Summary {
	return Summary{
		Target:      run.Target,
		DisplayName: run.DisplayName,
		Device:      run.DeviceName,
		Status:      run.Status,
		FailureType: run.FailureType,
		Elapsed:     run.Elapsed(),
		OutputPath:  run.ArchivePath,
		Artifacts:   run.ArtifactCount,
		Failures:    run.FailedTransfers,
		Bytes:       run.BytesReceived,
	}
}

// Render 渲染摘要
func Render(s Summary) string {
	status := lipgloss.NewStyle().Bold(true).Foreground(successColor).Render("✔ " + string(s.Status))
	if s.Status != domain.RunStatusSucceeded {
		status = lipgloss.NewStyle().Bold(true).Foreground(errorColor).Render("✘ " + string(s.Status))
	}

	rows := []string{
		row("Target", s.Target),
	}
	if s.DisplayName != "" && s.DisplayName != s.Target {
		rows = append(rows, row("App", s.DisplayName))
	}
	if s.Device != "" {
		rows = append(rows, row("Device", s.Device))
	}
	rows = append(rows,
		labelStyle.Render("Status")+status,
		row("Elapsed", s.Elapsed.Round(time.Second).String()),
		row("Transfers", fmt.Sprintf("%d ok, %d failed, %s", s.Artifacts, s.Failures, humanize.Bytes(uint64(max(s.Bytes, 0))))),
	)
	if s.Reconnects > 0 {
		rows = append(rows, row("Reconnects", fmt.Sprintf("%d", s.Reconnects)))
	}
	if s.OutputPath != "" {
		output := s.OutputPath
		if s.ArchiveSize > 0 {
			output = fmt.Sprintf("%s (%s)", output, humanize.Bytes(uint64(s.ArchiveSize)))
		}
		rows = append(rows, row("Output", output))
	}
	if s.Err != nil {
		reason := s.Err.Error()
		if s.FailureType != "" {
			reason = fmt.Sprintf("[%s] %s", s.FailureType, reason)
		}
		rows = append(rows, row("Error", reason))
	}

	return boxStyle.Render(strings.Join(rows, "\n"))
}

// Print 写出摘要，写失败被忽略
func Print(w io.Writer, s Summary) {
	fmt.Fprintln(w, Render(s))
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}
