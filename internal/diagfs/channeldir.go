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

	"github.com/wmanley/vqec-dp/internal/channel"
)

// ChannelDirNode is one channel's diagnostic directory, containing the fixed
// set of generated-content files below.
type ChannelDirNode struct {
	fs.Inode
	Root *Root
	Chan *channel.Channel
}

var _ fs.NodeReaddirer = (*ChannelDirNode)(nil)
var _ fs.NodeLookuper = (*ChannelDirNode)(nil)

var channelFileKinds = []fileKind{kindStatus, kindGapReport, kindSeqlog, kindRTPStats}

func (n *ChannelDirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, 0, len(channelFileKinds))
	for _, k := range channelFileKinds {
		entries = append(entries, fuse.DirEntry{
			Name: k.String(),
			Ino:  inoFromString(n.fileKey(k)),
			Mode: fuse.S_IFREG | 0444,
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *ChannelDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	k, ok := parseFileKind(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	child := &GeneratedFileNode{Chan: n.Chan, Kind: k}
	inode := n.NewInode(ctx, child, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  inoFromString(n.fileKey(k)),
	})
	out.Mode = fuse.S_IFREG | 0444
	out.SetEntryTimeout(1 * time.Second)
	out.SetAttrTimeout(1 * time.Second)
	return inode, 0
}

func (n *ChannelDirNode) fileKey(k fileKind) string {
	return "file:" + k.String() + ":" + n.dirKey()
}

func (n *ChannelDirNode) dirKey() string {
	return strconv.FormatUint(uint64(n.Chan.ID()), 10)
}
