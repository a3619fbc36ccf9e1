package bundle

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/workspace"
	"github.com/sirupsen/logrus"
)

// ArchiveExt 输出归档扩展名
const ArchiveExt = ".ipa"

// Archive 组装结果
type Archive struct {
	Path     string
	Entries  []string // 归档内文件路径（相对暂存目录的父目录，使用 /）
	Size     int64
	Duration time.Duration
}

// Assembler 把暂存目录中的文件还原为 .app 目录结构并打包为 ipa
type Assembler struct {
	logger logrus.FieldLogger
}

// NewAssembler 创建组装器
func NewAssembler(logger logrus.FieldLogger) *Assembler {
	return &Assembler{logger: logger}
}

// Assemble 组装并写出 outputDir/<displayName>.ipa
//
// 无论成功与否，返回前暂存目录都会被清空。组装失败时不会留下半成品归档。
func (a *Assembler) Assemble(displayName string, mapping *Mapping, stagingDir, outputDir string) (archive *Archive, err error) {
	start := time.Now()
	appName, _ := mapping.App()

	defer func() {
		a.cleanup(stagingDir, appName)
	}()

	if appName == "" {
		return nil, domain.NewAssemblyError(stagingDir, fmt.Errorf("app name not found in mapping"))
	}

	bundleRoot := filepath.Join(stagingDir, appName)

	// 1. 把每个解密文件移回原始位置，覆盖未解密的版本
	for _, name := range mapping.Names() {
		rel := mapping.artifacts[name]
		if err := a.place(stagingDir, bundleRoot, name, rel); err != nil {
			return nil, err
		}
	}

	// 2. 校验 .app 目录
	info, statErr := os.Stat(bundleRoot)
	if statErr != nil || !info.IsDir() {
		return nil, domain.NewAssemblyError(bundleRoot, fmt.Errorf("the .app folder does not exist or is not a directory"))
	}

	// 3. 打包
	archivePath := filepath.Join(outputDir, SanitizeName(displayName)+ArchiveExt)
	a.logger.WithField("archive", archivePath).Info("Generating IPA")

	entries, size, err := writeArchive(archivePath, bundleRoot, filepath.Dir(stagingDir))
	if err != nil {
		return nil, domain.NewAssemblyError(archivePath, err)
	}

	archive = &Archive{
		Path:     archivePath,
		Entries:  entries,
		Size:     size,
		Duration: time.Since(start),
	}

	a.logger.WithFields(logrus.Fields{
		"archive":   archivePath,
		"entries":   len(entries),
		"artifacts": mapping.Len(),
		"size":      size,
	}).Info("IPA generated successfully")

	return archive, nil
}

// place 把暂存根目录下的 name 移动到 bundleRoot/rel
func (a *Assembler) place(stagingDir, bundleRoot, name, rel string) error {
	src := filepath.Join(stagingDir, name)
	dst := filepath.Join(bundleRoot, filepath.FromSlash(rel))

	if _, err := os.Lstat(src); err != nil {
		return domain.NewAssemblyError(src, fmt.Errorf("staged artifact missing: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return domain.NewAssemblyError(dst, err)
	}

	// 设备上的原文件可能是只读的
	if _, err := os.Lstat(dst); err == nil {
		if err := workspace.ForceRemoveAll(dst); err != nil {
			return domain.NewAssemblyError(dst, fmt.Errorf("failed to replace original: %w", err))
		}
	}

	if err := os.Rename(src, dst); err != nil {
		return domain.NewAssemblyError(dst, err)
	}

	a.logger.WithFields(logrus.Fields{
		"artifact": name,
		"target":   rel,
	}).Debug("Artifact placed into bundle")
	return nil
}

// cleanup 删除暂存目录下除 .app 以外的条目，然后删除 .app 本身
func (a *Assembler) cleanup(stagingDir, appName string) {
	keep := func(e fs.DirEntry) bool {
		return appName != "" && e.IsDir() && e.Name() == appName
	}
	if err := workspace.PurgeExcept(stagingDir, keep, a.logger); err != nil {
		a.logger.WithError(err).Warn("Staging purge incomplete")
	}

	if appName != "" {
		if err := workspace.ForceRemoveAll(filepath.Join(stagingDir, appName)); err != nil {
			a.logger.WithError(err).WithField("app", appName).Error("Failed to remove bundle root")
		}
	}
}

// writeArchive 把 root 下的所有普通文件写入 zip，条目名相对 base
// 先写临时文件，成功后再重命名为 dest
func writeArchive(dest, root, base string) ([]string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".ipadump-*.tmp")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	var entries []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() && !linksToFile(path, d) {
			return nil
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if err := addFile(zw, path, name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
		entries = append(entries, name)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	info, err := tmp.Stat()
	if err != nil {
		return nil, 0, err
	}
	if err := tmp.Close(); err != nil {
		return nil, 0, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, 0, err
	}
	committed = true

	sort.Strings(entries)
	return entries, info.Size(), nil
}

// linksToFile 指向普通文件的符号链接按目标内容归档，悬空链接和目录链接跳过
func linksToFile(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func addFile(zw *zip.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

// SanitizeName 去掉显示名中不能出现在文件名里的字符
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "\x00", "")
	name = replacer.Replace(name)
	if name == "" || name == "." || name == ".." {
		return "app"
	}
	return name
}
