// Package fs exposes a mounted plfs.FS as a github.com/hanwen/go-fuse/v2
// node tree, the way the teacher's own fs package exposed its
// ibtree-backed inode store. There is no separate inode cache here:
// every Lookup/Getattr/Readdir call resolves straight through to the
// plfs.FS path operations, since plfs itself already caches the
// metadata pairs those calls touch.
package fs

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/fingon/go-plfs/plfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
)

// Options configures the FUSE mount.
type Options struct {
	Mountpoint string
	FS         *plfs.FS
	AllowOther bool
}

// Mount mounts fs at options.Mountpoint and returns the running
// server; the caller is responsible for calling server.Unmount (or
// server.Wait) when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("fs: mountpoint is required")
	}
	if options.FS == nil {
		return nil, errors.New("fs: FS is required")
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, err
	}

	root := &node{fsys: options.FS, path: "/"}
	entryTimeout := time.Second
	attrTimeout := time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "plfs",
			Name:       "plfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}

// node is the single type backing every entry in the tree: its path
// says whether it is the root, a directory, or a file, and every
// method resolves against fsys fresh rather than caching plfs state
// of its own.
type node struct {
	gofuse.Inode
	fsys *plfs.FS
	path string
}

var (
	_ gofuse.InodeEmbedder  = (*node)(nil)
	_ gofuse.NodeLookuper   = (*node)(nil)
	_ gofuse.NodeReaddirer  = (*node)(nil)
	_ gofuse.NodeGetattrer  = (*node)(nil)
	_ gofuse.NodeOpener     = (*node)(nil)
	_ gofuse.NodeCreater    = (*node)(nil)
	_ gofuse.NodeMkdirer    = (*node)(nil)
	_ gofuse.NodeUnlinker   = (*node)(nil)
	_ gofuse.NodeRmdirer    = (*node)(nil)
	_ gofuse.NodeRenamer    = (*node)(nil)
	_ gofuse.NodeSetattrer  = (*node)(nil)
)

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func attrFromInfo(out *fuse.Attr, info plfs.FileInfo) {
	out.Size = info.Size
	if info.IsDir {
		out.Mode = syscall.S_IFDIR | 0o755
	} else {
		out.Mode = syscall.S_IFREG | 0o644
	}
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := joinPath(n.path, name)
	info, err := n.fsys.Stat(child)
	if err != nil {
		return nil, errnoFor(err)
	}
	mode := uint32(syscall.S_IFREG)
	if info.IsDir {
		mode = syscall.S_IFDIR
	}
	childNode := &node{fsys: n.fsys, path: child}
	attrFromInfo(&out.Attr, info)
	inode := n.NewInode(ctx, childNode, gofuse.StableAttr{Mode: mode})
	return inode, 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.fsys.Stat(n.path)
	if err != nil {
		return errnoFor(err)
	}
	attrFromInfo(&out.Attr, info)
	return 0
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		fh, err := n.fsys.OpenFile(n.path, plfs.OpenWrite)
		if err != nil {
			return errnoFor(err)
		}
		defer fh.Close()
		if err := fh.Truncate(size); err != nil {
			return errnoFor(err)
		}
		if err := fh.Sync(); err != nil {
			return errnoFor(err)
		}
	}
	info, err := n.fsys.Stat(n.path)
	if err != nil {
		return errnoFor(err)
	}
	attrFromInfo(&out.Attr, info)
	return 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDir(n.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return gofuse.NewListDirStream(out), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	f, err := n.fsys.OpenFile(n.path, openFlagsFor(flags))
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return &fileHandle{f: f}, 0, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	child := joinPath(n.path, name)
	f, err := n.fsys.OpenFile(child, openFlagsFor(flags)|plfs.OpenCreate)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	childNode := &node{fsys: n.fsys, path: child}
	inode := n.NewInode(ctx, childNode, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o644
	return inode, &fileHandle{f: f}, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := joinPath(n.path, name)
	if err := n.fsys.Mkdir(child); err != nil {
		return nil, errnoFor(err)
	}
	childNode := &node{fsys: n.fsys, path: child}
	out.Mode = syscall.S_IFDIR | 0o755
	return n.NewInode(ctx, childNode, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoFor(n.fsys.Remove(joinPath(n.path, name)))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoFor(n.fsys.Remove(joinPath(n.path, name)))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*node)
	if !ok {
		return syscall.EINVAL
	}
	return errnoFor(n.fsys.Rename(joinPath(n.path, name), joinPath(dst.path, newName)))
}

func openFlagsFor(fuseFlags uint32) plfs.OpenFlag {
	var out plfs.OpenFlag
	switch fuseFlags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		out |= plfs.OpenRead
	case syscall.O_WRONLY:
		out |= plfs.OpenWrite
	case syscall.O_RDWR:
		out |= plfs.OpenRead | plfs.OpenWrite
	}
	if fuseFlags&syscall.O_TRUNC != 0 {
		out |= plfs.OpenTruncate
	}
	if fuseFlags&syscall.O_APPEND != 0 {
		out |= plfs.OpenAppend
	}
	if fuseFlags&syscall.O_EXCL != 0 {
		out |= plfs.OpenExcl
	}
	return out
}

func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, plfs.ErrNoEnt):
		return syscall.ENOENT
	case errors.Is(err, plfs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, plfs.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, plfs.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, plfs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, plfs.ErrBadF):
		return syscall.EBADF
	case errors.Is(err, plfs.ErrFBig):
		return syscall.EFBIG
	case errors.Is(err, plfs.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, plfs.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, plfs.ErrInval):
		return syscall.EINVAL
	case errors.Is(err, plfs.ErrCorrupt):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
