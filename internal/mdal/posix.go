package mdal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	marfserrors "github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

// marfsXattrPrefix marks xattrs reserved for MarFS's own bookkeeping;
// anything else is user-owned.
const marfsXattrPrefix = "user.marfs_"

// Posix is the local-filesystem MDAL implementation. Root is the MDFS
// mount point; refPath arguments are resolved relative to it.
type Posix struct {
	root string

	usageMu sync.Mutex
}

// NewPosix constructs a posix MDAL rooted at root. It neither checks nor
// creates root; operations that create entries (Open with O_CREATE,
// Mkdir, Symlink, Rename, SetUsage) create missing parent directories,
// root included.
func NewPosix(root string) *Posix {
	return &Posix{root: filepath.Clean(root)}
}

func (p *Posix) resolve(refPath string) string {
	return filepath.Join(p.root, filepath.Clean("/"+refPath))
}

func mapOSErr(op, refPath string, err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return marfserrors.New(marfserrors.ErrCodeRefNotFound, "reference path not found").
			WithComponent("mdal").WithOperation(op).WithContext("ref_path", refPath).WithCause(err)
	}
	if os.IsPermission(err) {
		return marfserrors.New(marfserrors.ErrCodePermissionDenied, "permission denied").
			WithComponent("mdal").WithOperation(op).WithContext("ref_path", refPath).WithCause(err)
	}
	return marfserrors.New(marfserrors.ErrCodeInternal, "mdal operation failed").
		WithComponent("mdal").WithOperation(op).WithContext("ref_path", refPath).WithCause(err)
}

// Open opens (creating if O_CREAT is set in flags) the MD file at refPath.
func (p *Posix) Open(ctx context.Context, refPath string, flags int, mode uint32) (types.MDALHandle, error) {
	full := p.resolve(refPath)
	if flags&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return nil, mapOSErr("open", refPath, err)
		}
	}
	f, err := os.OpenFile(full, flags, fs.FileMode(mode))
	if err != nil {
		return nil, mapOSErr("open", refPath, err)
	}
	return &posixHandle{f: f}, nil
}

func (p *Posix) Mkdir(ctx context.Context, refPath string, mode uint32) error {
	full := p.resolve(refPath)
	if err := os.MkdirAll(full, fs.FileMode(mode)); err != nil {
		return mapOSErr("mkdir", refPath, err)
	}
	return nil
}

func (p *Posix) Scandir(ctx context.Context, refPath string) (types.Scanner, error) {
	full := p.resolve(refPath)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, mapOSErr("scandir", refPath, err)
	}
	return newDirScanner(entries), nil
}

func (p *Posix) Symlink(ctx context.Context, target, refPath string) error {
	full := p.resolve(refPath)
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return mapOSErr("symlink", refPath, err)
	}
	if err := os.Symlink(target, full); err != nil {
		return mapOSErr("symlink", refPath, err)
	}
	return nil
}

func (p *Posix) Readlink(ctx context.Context, refPath string) (string, error) {
	target, err := os.Readlink(p.resolve(refPath))
	if err != nil {
		return "", mapOSErr("readlink", refPath, err)
	}
	return target, nil
}

func (p *Posix) Unlink(ctx context.Context, refPath string) error {
	if err := os.Remove(p.resolve(refPath)); err != nil {
		return mapOSErr("unlink", refPath, err)
	}
	return nil
}

func (p *Posix) Rename(ctx context.Context, oldPath, newPath string) error {
	full := p.resolve(newPath)
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return mapOSErr("rename", newPath, err)
	}
	if err := os.Rename(p.resolve(oldPath), full); err != nil {
		return mapOSErr("rename", oldPath, err)
	}
	return nil
}

func (p *Posix) Utime(ctx context.Context, refPath string, atime, mtime time.Time) error {
	if err := os.Chtimes(p.resolve(refPath), atime, mtime); err != nil {
		return mapOSErr("utime", refPath, err)
	}
	return nil
}

func (p *Posix) Stat(ctx context.Context, refPath string) (types.RefStat, error) {
	info, err := os.Stat(p.resolve(refPath))
	if err != nil {
		return types.RefStat{}, mapOSErr("stat", refPath, err)
	}
	atime := info.ModTime()
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return types.RefStat{Size: info.Size(), ATime: atime, MTime: info.ModTime()}, nil
}

func (p *Posix) GetXattr(ctx context.Context, refPath, name string) (string, error) {
	full := p.resolve(refPath)
	attr := marfsXattrPrefix + name
	sz, err := unix.Getxattr(full, attr, nil)
	if err != nil {
		return "", mapXattrErr("getxattr", refPath, name, err)
	}
	buf := make([]byte, sz)
	n, err := unix.Getxattr(full, attr, buf)
	if err != nil {
		return "", mapXattrErr("getxattr", refPath, name, err)
	}
	return string(buf[:n]), nil
}

func (p *Posix) SetXattr(ctx context.Context, refPath, name, value string) error {
	full := p.resolve(refPath)
	if err := unix.Setxattr(full, marfsXattrPrefix+name, []byte(value), 0); err != nil {
		return mapXattrErr("setxattr", refPath, name, err)
	}
	return nil
}

func (p *Posix) RemoveXattr(ctx context.Context, refPath, name string) error {
	full := p.resolve(refPath)
	if err := unix.Removexattr(full, marfsXattrPrefix+name); err != nil {
		return mapXattrErr("removexattr", refPath, name, err)
	}
	return nil
}

// ListXattr returns only the marfs_-prefixed xattr names, stripped of
// their prefix; a user-facing listxattr hides marfs_ xattrs entirely,
// but the engine's own callers need the reserved set, so this layer
// exposes the raw reserved names instead of filtering them out.
func (p *Posix) ListXattr(ctx context.Context, refPath string) ([]string, error) {
	full := p.resolve(refPath)
	sz, err := unix.Listxattr(full, nil)
	if err != nil {
		return nil, mapOSErr("listxattr", refPath, err)
	}
	buf := make([]byte, sz)
	n, err := unix.Listxattr(full, buf)
	if err != nil {
		return nil, mapOSErr("listxattr", refPath, err)
	}
	var names []string
	for _, raw := range strings.Split(string(buf[:n]), "\x00") {
		if strings.HasPrefix(raw, marfsXattrPrefix) {
			names = append(names, strings.TrimPrefix(raw, marfsXattrPrefix))
		}
	}
	return names, nil
}

func mapXattrErr(op, refPath, name string, err error) error {
	if err == unix.ENODATA {
		return marfserrors.New(marfserrors.ErrCodeRefNotFound, "xattr not set").
			WithComponent("mdal").WithOperation(op).WithContext("ref_path", refPath).WithContext("xattr", name)
	}
	return mapOSErr(op, refPath, err)
}

// usageRecord is the on-disk shape of a namespace's accumulated quota view.
type usageRecord struct {
	FileUsage int64 `json:"file_usage"`
	ByteUsage int64 `json:"byte_usage"`
}

func (p *Posix) usagePath(nsID string) string {
	escaped := strings.ReplaceAll(nsID, "/", "#")
	return filepath.Join(p.root, ".marfs_usage", escaped+".json")
}

func (p *Posix) SetUsage(ctx context.Context, nsID string, fileUsage, byteUsage int64) error {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()

	path := p.usagePath(nsID)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return mapOSErr("set_usage", nsID, err)
	}
	data, err := json.Marshal(usageRecord{FileUsage: fileUsage, ByteUsage: byteUsage})
	if err != nil {
		return marfserrors.New(marfserrors.ErrCodeInternal, "marshal usage record").
			WithComponent("mdal").WithOperation("set_usage").WithCause(err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return mapOSErr("set_usage", nsID, err)
	}
	return nil
}

func (p *Posix) GetUsage(ctx context.Context, nsID string) (int64, int64, error) {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()

	data, err := os.ReadFile(p.usagePath(nsID))
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, mapOSErr("get_usage", nsID, err)
	}
	var rec usageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, 0, marfserrors.New(marfserrors.ErrCodeInternal, "unmarshal usage record").
			WithComponent("mdal").WithOperation("get_usage").WithCause(err)
	}
	return rec.FileUsage, rec.ByteUsage, nil
}

// posixHandle is an open reference-path file handle backed by *os.File.
type posixHandle struct {
	f *os.File
}

func (h *posixHandle) Read(ctx context.Context, buf []byte, offset int64) (int, error) {
	n, err := h.f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, mapOSErr("read", h.f.Name(), err)
	}
	return n, nil
}

func (h *posixHandle) Write(ctx context.Context, buf []byte, offset int64) (int, error) {
	n, err := h.f.WriteAt(buf, offset)
	if err != nil {
		return n, mapOSErr("write", h.f.Name(), err)
	}
	return n, nil
}

func (h *posixHandle) Truncate(ctx context.Context, size int64) error {
	if err := h.f.Truncate(size); err != nil {
		return mapOSErr("truncate", h.f.Name(), err)
	}
	return nil
}

func (h *posixHandle) Size(ctx context.Context) (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, mapOSErr("stat", h.f.Name(), err)
	}
	return info.Size(), nil
}

func (h *posixHandle) Close(ctx context.Context) error {
	if err := h.f.Close(); err != nil {
		return mapOSErr("close", h.f.Name(), err)
	}
	return nil
}
