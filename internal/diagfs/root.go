//go:build linux
// +build linux

package diagfs

import (
	"context"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Root is the top-level diagfs directory: one subdirectory per live channel,
// named by its decimal channel ID.
type Root struct {
	fs.Inode
	Reg *Registry
}

var _ fs.NodeLookuper = (*Root)(nil)
var _ fs.NodeReaddirer = (*Root)(nil)

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return newChannelDirStream(r.Reg), 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return nil, syscall.ENOENT
	}
	ch, ok := r.Reg.Get(uint32(id))
	if !ok {
		return nil, syscall.ENOENT
	}
	child := &ChannelDirNode{Root: r, Chan: ch}
	inode := r.NewInode(ctx, child, fs.StableAttr{
		Mode: fuse.S_IFDIR,
		Ino:  inoFromString("chandir:" + name),
	})
	out.Mode = fuse.S_IFDIR | 0755
	out.SetEntryTimeout(1 * time.Second)
	out.SetAttrTimeout(1 * time.Second)
	return inode, 0
}
