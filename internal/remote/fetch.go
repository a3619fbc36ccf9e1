package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
)

// FetchFile 拉取单个远程文件到 localDir/<文件名>，返回本地路径
func (c *Channel) FetchFile(ctx context.Context, remotePath, localDir string, progress ProgressFunc) (string, error) {
	localPath := filepath.Join(localDir, path.Base(remotePath))

	err := c.withSession(ctx, func(sc *sftp.Client) error {
		return c.copyFile(ctx, sc, remotePath, localPath, progress)
	})
	if err != nil {
		return "", wrapTransfer("fetch_file", remotePath, err)
	}

	c.logger.WithFields(logrus.Fields{
		"remote": remotePath,
		"local":  localPath,
	}).Debug("File fetched")
	return localPath, nil
}

// FetchDirectory 递归拉取远程目录到 localDir/<目录名>，返回本地根目录
func (c *Channel) FetchDirectory(ctx context.Context, remotePath, localDir string, progress ProgressFunc) (string, error) {
	remoteRoot := path.Clean(remotePath)
	localRoot := filepath.Join(localDir, path.Base(remoteRoot))
	files := 0

	err := c.withSession(ctx, func(sc *sftp.Client) error {
		walker := sc.Walk(remoteRoot)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return err
			}

			rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), remoteRoot), "/")
			local := filepath.Join(localRoot, filepath.FromSlash(rel))
			info := walker.Stat()

			switch {
			case info.IsDir():
				if err := os.MkdirAll(local, 0755); err != nil {
					return err
				}
			case info.Mode()&os.ModeSymlink != 0:
				target, err := sc.ReadLink(walker.Path())
				if err != nil {
					return err
				}
				if err := os.Symlink(target, local); err != nil && !os.IsExist(err) {
					return err
				}
			default:
				if err := c.copyFile(ctx, sc, walker.Path(), local, progress); err != nil {
					return err
				}
				files++
			}
		}
		return nil
	})
	if err != nil {
		return "", wrapTransfer("fetch_directory", remotePath, err)
	}

	c.logger.WithFields(logrus.Fields{
		"remote": remotePath,
		"local":  localRoot,
		"files":  files,
	}).Debug("Directory fetched")
	return localRoot, nil
}

// copyFile 复制单个文件并保留权限位，失败时保留已写入的部分
func (c *Channel) copyFile(ctx context.Context, sc *sftp.Client, remotePath, localPath string, progress ProgressFunc) error {
	src, err := sc.Open(remotePath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", remotePath)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	// 同名文件可能是上一次失败留下的只读文件
	if _, err := os.Lstat(localPath); err == nil {
		os.Chmod(localPath, 0644)
	}
	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	pw := &progressWriter{
		name:     path.Base(remotePath),
		total:    info.Size(),
		progress: progress,
		logger:   c.logger,
	}
	pw.report()

	n, copyErr := io.Copy(io.MultiWriter(dst, pw), &ctxReader{ctx: ctx, r: src})
	c.bytesReceived.Add(n)
	closeErr := dst.Close()

	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	if perm := info.Mode().Perm(); perm != 0 {
		if err := os.Chmod(localPath, perm); err != nil {
			return err
		}
	}
	return nil
}

func wrapTransfer(op, remotePath string, err error) error {
	return domain.NewTransferError(op, remotePath, err)
}

// ctxReader 在每次读之前检查 ctx
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// progressWriter 统计写入字节并回调，回调出错不影响传输
type progressWriter struct {
	name     string
	total    int64
	sent     int64
	progress ProgressFunc
	logger   logrus.FieldLogger
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.sent += int64(len(p))
	w.report()
	return len(p), nil
}

func (w *progressWriter) report() {
	if w.progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Debug("Progress callback failed, disabling")
			w.progress = nil
		}
	}()
	w.progress(w.name, w.total, w.sent)
}
