// Package durable 提供带校验和的原子文件持久化，是工作记忆、情景检查点、
// 重试队列与预算计数器的共同底座。
package durable

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	xerrors "Warden/internal/errors"
)

// formatVersion 是信封格式版本，结构变化时递增。
const formatVersion = 1

// Header 是信封中除正文外的元信息。
type Header struct {
	Kind      string    `json:"kind"`
	Sequence  uint64    `json:"sequence"`
	WrittenAt time.Time `json:"written_at"`
}

type envelope struct {
	Version int `json:"version"`
	Header
	Checksum string          `json:"checksum"`
	Body     json.RawMessage `json:"body"`
}

// Encode 序列化 v，并计算正文原始字节的 SHA-256。
func Encode(kind string, seq uint64, now time.Time, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 失败", kind))
	}
	env := envelope{
		Version:  formatVersion,
		Header:   Header{Kind: kind, Sequence: seq, WrittenAt: now.UTC()},
		Checksum: checksum(body),
		Body:     body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 信封失败", kind))
	}
	return data, nil
}

// Decode 校验信封并把正文解码到 v。任何不一致都返回 CORRUPTION 错误，
// 校验通过前不会修改 v。
func Decode(data []byte, kind string, v any) (Header, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Header{}, xerrors.Wrap(xerrors.CodeCorruption, err, fmt.Sprintf("%s 信封无法解析", kind))
	}
	if env.Version != formatVersion {
		return Header{}, xerrors.New(xerrors.CodeCorruption, fmt.Sprintf("%s 信封版本 %d 不受支持", kind, env.Version))
	}
	if env.Kind != kind {
		return Header{}, xerrors.New(xerrors.CodeCorruption, fmt.Sprintf("期望 %s，实际为 %s", kind, env.Kind))
	}
	if len(env.Body) == 0 || checksum(env.Body) != env.Checksum {
		return Header{}, xerrors.New(xerrors.CodeCorruption, fmt.Sprintf("%s 校验和不匹配", kind))
	}
	if v != nil {
		if err := json.Unmarshal(env.Body, v); err != nil {
			return Header{}, xerrors.Wrap(xerrors.CodeCorruption, err, fmt.Sprintf("%s 正文无法解析", kind))
		}
	}
	return env.Header, nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// WriteAtomic 先写同目录临时文件并 fsync，再 rename 覆盖目标，读者永远看不到半写状态。
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新临时文件失败")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时文件失败")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换目标文件失败")
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// IsMissing 判断错误是否表示文件从未写入过。
func IsMissing(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeNotFound)
}

// Source 标识数据从哪一份副本读出。
type Source string

const (
	SourcePrimary Source = "primary"
	SourceBackup  Source = "backup"
)

// File 是一份带可选备份副本的持久化文件。
type File struct {
	path   string
	backup string
	kind   string
}

// NewFile 创建 File；withBackup 为 true 时备份写在 path+".bak"。
func NewFile(path, kind string, withBackup bool) *File {
	f := &File{path: path, kind: kind}
	if withBackup {
		f.backup = path + ".bak"
	}
	return f
}

// Path 返回主副本路径。
func (f *File) Path() string { return f.path }

// BackupPath 返回备份路径，未启用时为空。
func (f *File) BackupPath() string { return f.backup }

// Save 写主副本，回读校验通过后才更新备份。
func (f *File) Save(seq uint64, now time.Time, v any) error {
	data, err := Encode(f.kind, seq, now, v)
	if err != nil {
		return err
	}
	if err := WriteAtomic(f.path, data); err != nil {
		return err
	}
	if _, err := f.LoadFrom(SourcePrimary, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("%s 主副本回读校验失败", f.kind))
	}
	if f.backup == "" {
		return nil
	}
	if err := WriteAtomic(f.backup, data); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("%s 备份写入失败", f.kind))
	}
	return nil
}

// LoadFrom 从指定副本读取并校验。文件不存在时返回 NOT_FOUND。
func (f *File) LoadFrom(src Source, v any) (Header, error) {
	path := f.path
	if src == SourceBackup {
		if f.backup == "" {
			return Header{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("%s 未启用备份", f.kind))
		}
		path = f.backup
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return Header{}, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("%s 不存在", path))
		}
		return Header{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取 %s 失败", path))
	}
	return Decode(data, f.kind, v)
}

// Load 先读主副本，失败时回退到备份。
func (f *File) Load(v any) (Header, Source, error) {
	header, primaryErr := f.LoadFrom(SourcePrimary, v)
	if primaryErr == nil {
		return header, SourcePrimary, nil
	}
	if f.backup == "" {
		return Header{}, SourcePrimary, primaryErr
	}
	header, backupErr := f.LoadFrom(SourceBackup, v)
	if backupErr == nil {
		return header, SourceBackup, nil
	}
	if IsMissing(primaryErr) && IsMissing(backupErr) {
		return Header{}, SourcePrimary, primaryErr
	}
	return Header{}, SourcePrimary, stdErrors.Join(primaryErr, backupErr)
}

// Exists 判断主副本或备份是否存在。
func (f *File) Exists() bool {
	if _, err := os.Stat(f.path); err == nil {
		return true
	}
	if f.backup != "" {
		if _, err := os.Stat(f.backup); err == nil {
			return true
		}
	}
	return false
}
