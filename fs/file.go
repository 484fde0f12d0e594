package fs

import (
	"context"
	"syscall"

	"github.com/fingon/go-plfs/plfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fileHandle adapts a plfs.File (Seek+Read/Write) to go-fuse's
// offset-addressed FileReader/FileWriter calls, which carry the
// offset per call rather than relying on handle state.
type fileHandle struct {
	f *plfs.File
}

var (
	_ gofuse.FileReader    = (*fileHandle)(nil)
	_ gofuse.FileWriter    = (*fileHandle)(nil)
	_ gofuse.FileFlusher   = (*fileHandle)(nil)
	_ gofuse.FileReleaser  = (*fileHandle)(nil)
	_ gofuse.FileFsyncer   = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if _, err := h.f.Seek(off, 0); err != nil {
		return nil, errnoFor(err)
	}
	n, err := h.f.Read(dest)
	if err != nil && n == 0 {
		return fuse.ReadResultData(dest[:0]), 0
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if _, err := h.f.Seek(off, 0); err != nil {
		return 0, errnoFor(err)
	}
	n, err := h.f.Write(data)
	if err != nil {
		return uint32(n), errnoFor(err)
	}
	return uint32(n), 0
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoFor(h.f.Sync())
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoFor(h.f.Close())
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errnoFor(h.f.Sync())
}
