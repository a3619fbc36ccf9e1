package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Workspace 本地工作目录
// StagingDir 存放从设备拉取的文件，每次运行开始时重建为空目录
type Workspace struct {
	OutputDir  string
	StagingDir string
	logger     logrus.FieldLogger
}

// New 创建工作目录描述，不触碰文件系统
func New(outputDir, stagingDir string, logger logrus.FieldLogger) *Workspace {
	return &Workspace{
		OutputDir:  outputDir,
		StagingDir: stagingDir,
		logger:     logger,
	}
}

// Prepare 确保输出目录存在，并重建空的暂存目录
func (w *Workspace) Prepare() error {
	if err := os.MkdirAll(w.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	if _, err := os.Lstat(w.StagingDir); err == nil {
		if err := ForceRemoveAll(w.StagingDir); err != nil {
			return fmt.Errorf("failed to reset staging dir: %w", err)
		}
	}

	if err := os.MkdirAll(w.StagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"output_dir":  w.OutputDir,
		"staging_dir": w.StagingDir,
	}).Debug("Workspace prepared")
	return nil
}

// PurgeExcept 删除暂存目录下除 keep 返回 true 以外的所有条目
// 单个条目删除失败只记录日志，返回遇到的第一个错误
func (w *Workspace) PurgeExcept(keep func(entry fs.DirEntry) bool) error {
	return PurgeExcept(w.StagingDir, keep, w.logger)
}

// Remove 删除整个暂存目录
func (w *Workspace) Remove() error {
	return ForceRemoveAll(w.StagingDir)
}

// PurgeExcept 删除 dir 下除 keep 返回 true 以外的所有条目
func PurgeExcept(dir string, keep func(entry fs.DirEntry) bool, logger logrus.FieldLogger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var firstErr error
	for _, entry := range entries {
		if keep != nil && keep(entry) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := ForceRemoveAll(path); err != nil {
			logger.WithError(err).WithField("path", path).Error("Failed to clean up staged entry")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ForceRemoveAll 删除 path，遇到只读条目时先加上写权限再删除
func ForceRemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}

	// 设备上拉下来的文件经常是只读的，目录没有写权限时其下条目无法删除
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		mode := os.FileMode(0644)
		if d.IsDir() {
			mode = 0755
		}
		_ = os.Chmod(p, mode)
		return nil
	})

	return os.RemoveAll(path)
}
