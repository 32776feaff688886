// Package filesystem 提供目标文件的仅追加写出与小文件原子替换（进度文件）。
package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// PermFile/PermDir: 可选权限；为 0 表示使用默认 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty" yaml:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty" yaml:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用 64KiB。
	BufSize int `json:"buf_size,omitempty" yaml:"buf_size,omitempty"`
}

func (o *Options) norm() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.PermFile == 0 {
		out.PermFile = 0o644
	}
	if out.PermDir == 0 {
		out.PermDir = 0o755
	}
	if out.BufSize <= 0 {
		out.BufSize = 64 * 1024
	}
	return out
}

// ResolveTarget: Clean + 基本合法性校验。空路径、"."、".." 或已存在的目录均视为非法。
func ResolveTarget(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", contract.ErrPathInvalid)
	}
	p := filepath.Clean(path)
	if p == "." || p == ".." || strings.HasSuffix(path, string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", contract.ErrPathInvalid, path)
	}
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		return "", fmt.Errorf("%w: %q is a directory", contract.ErrPathInvalid, path)
	}
	return p, nil
}

// Exists 报告路径上是否已有文件。
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// WriteAtomic 将 r 的全部字节写入 dest：同目录临时文件 → fsync → 替换 → 同步父目录。
// 任一步失败均清理临时文件，dest 保持旧内容。
func WriteAtomic(ctx context.Context, dest string, r io.Reader, opts *Options) error {
	o := opts.norm()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, o.PermDir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, o.PermFile)
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	bw := bufio.NewWriterSize(tmp, o.BufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 最佳努力
	_ = syncDir(dir)
	return nil
}

// Target: 目标文件的仅追加写出端，实现 contract.Sink。非并发安全（由装配器串行调用）。
type Target struct {
	f    *os.File
	bw   *bufio.Writer
	size int64
	path string
}

// Create 独占创建目标文件；已存在时返回 ErrTargetExists。
func Create(path string, opts *Options) (*Target, error) {
	o := opts.norm()
	if err := os.MkdirAll(filepath.Dir(path), o.PermDir); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, o.PermFile)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", contract.ErrTargetExists, path)
		}
		return nil, err
	}
	_ = syncDir(filepath.Dir(path))
	return &Target{f: f, bw: bufio.NewWriterSize(f, o.BufSize), path: path}, nil
}

// OpenResume 打开已有目标并截断到检查点记录的 size（丢弃检查点之后的残尾）。
// 目标缺失或短于 size 时返回 ErrInvariantViolation。
func OpenResume(path string, size int64, opts *Options) (*Target, error) {
	o := opts.norm()
	if size < 0 {
		return nil, fmt.Errorf("%w: negative resume size %d", contract.ErrInvalidInput, size)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, o.PermFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: target %s missing for saved progress", contract.ErrInvariantViolation, path)
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() < size {
		_ = f.Close()
		return nil, fmt.Errorf("%w: target %s has %d bytes, progress expects %d", contract.ErrInvariantViolation, path, fi.Size(), size)
	}
	if fi.Size() > size {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Target{f: f, bw: bufio.NewWriterSize(f, o.BufSize), size: size, path: path}, nil
}

func (t *Target) Write(p []byte) (int, error) {
	n, err := t.bw.Write(p)
	t.size += int64(n)
	return n, err
}

// Sync 冲刷缓冲并 fsync。
func (t *Target) Sync() error {
	if err := t.bw.Flush(); err != nil {
		return err
	}
	return t.f.Sync()
}

// Size 已写出（含缓冲）的总字节数。
func (t *Target) Size() int64 { return t.size }

func (t *Target) Path() string { return t.path }

func (t *Target) Close() error {
	ferr := t.bw.Flush()
	cerr := t.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

var _ contract.Sink = (*Target)(nil)

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
