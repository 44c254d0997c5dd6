package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// handle 是单键的落盘句柄：.part 文件加追加模式的 gzip 写入器。
// 每次打开都在 .part 末尾追加一个新的 gzip 成员，崩溃遗留的内容不被截断。
type handle struct {
	key       string
	partPath  string
	finalPath string

	raw    *os.File
	zw     *gzip.Writer
	closed bool
}

// openHandle 打开（或续写）键的 .part 文件。
// 若存在上次崩溃遗留的未终止 gzip 成员，先修复为完整成员再续写。
func openHandle(key, finalPath string, level int) (*handle, error) {
	partPath := PartPath(finalPath)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, newOpError(OpOpen, key, err)
	}
	if err := recoverPart(partPath, level); err != nil {
		return nil, newOpError(OpOpen, key, err)
	}

	raw, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, newOpError(OpOpen, key, err)
	}

	zw, err := gzip.NewWriterLevel(raw, level)
	if err != nil {
		_ = raw.Close()
		return nil, newOpError(OpOpen, key, err)
	}

	return &handle{
		key:       key,
		partPath:  partPath,
		finalPath: finalPath,
		raw:       raw,
		zw:        zw,
	}, nil
}

// append 写入一行并冲刷压缩缓冲，保证已写行在崩溃时可恢复。
func (h *handle) append(line []byte) error {
	if h.closed {
		return newOpError(OpAppend, h.key, errors.New("句柄已关闭"))
	}
	if _, err := h.zw.Write(line); err != nil {
		return newOpError(OpAppend, h.key, err)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := h.zw.Write([]byte{'\n'}); err != nil {
			return newOpError(OpAppend, h.key, err)
		}
	}
	if err := h.zw.Flush(); err != nil {
		return newOpError(OpAppend, h.key, err)
	}
	return nil
}

// close 终止当前 gzip 成员并 fsync 落盘；可重复调用。
func (h *handle) close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	var firstErr error
	if err := h.zw.Close(); err != nil {
		firstErr = err
	}
	if err := h.raw.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.raw.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return newOpError(OpFinalize, h.key, firstErr)
	}
	return nil
}

// finalize 关闭句柄并把 .part 合并进最终文件；幂等。
func (h *handle) finalize() error {
	closeErr := h.close()
	if err := mergePart(h.partPath, h.finalPath); err != nil {
		return newOpError(OpFinalize, h.key, err)
	}
	return closeErr
}

// mergePart 把 .part 并入最终文件：最终文件不存在时原子改名，
// 已存在时把 .part 作为独立 gzip 成员追加其后（多成员流解压即为
// 两段负载的拼接）。.part 缺失或为空时为无操作。
func mergePart(partPath, finalPath string) error {
	fi, err := os.Stat(partPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return os.Remove(partPath)
	}

	if _, err := os.Stat(finalPath); errors.Is(err, fs.ErrNotExist) {
		return os.Rename(partPath, finalPath)
	} else if err != nil {
		return err
	}

	src, err := os.Open(partPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(finalPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(partPath)
}

// recoverPart 修复崩溃遗留的 .part：读出所有可解压的完整行，
// 重写为一个正常终止的 gzip 成员。完整文件保持原样。
func recoverPart(partPath string, level int) error {
	f, err := os.Open(partPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			// 空 .part，直接续写。
			return nil
		}
		return fmt.Errorf("recorder: .part 头损坏 %q: %w", partPath, err)
	}

	payload, readErr := io.ReadAll(zr)
	_ = zr.Close()
	if err := f.Close(); err != nil {
		return err
	}
	if readErr == nil {
		// 所有成员均完整终止，无需重写。
		return nil
	}

	// 丢弃末尾未写完整的半行。
	if idx := bytes.LastIndexByte(payload, '\n'); idx >= 0 {
		payload = payload[:idx+1]
	} else {
		payload = nil
	}

	tmpPath := partPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(tmp, level)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if len(payload) > 0 {
		if _, err := zw.Write(payload); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, partPath)
}
