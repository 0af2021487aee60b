//go:build linux
// +build linux

package diagfs

import (
	"context"
	"encoding/json"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/wmanley/vqec-dp/internal/channel"
)

// fileKind identifies which accessor a generated diagfs file is backed by.
type fileKind int

const (
	kindStatus fileKind = iota
	kindGapReport
	kindSeqlog
	kindRTPStats
)

func (k fileKind) String() string {
	switch k {
	case kindStatus:
		return "status"
	case kindGapReport:
		return "gap_report"
	case kindSeqlog:
		return "seqlog"
	case kindRTPStats:
		return "rtp_stats"
	default:
		return "unknown"
	}
}

func parseFileKind(name string) (fileKind, bool) {
	for _, k := range channelFileKinds {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// GeneratedFileNode is a read-only file whose content is regenerated from
// the backing channel's accessors on every Getattr and Read, the way the teacher's
// VirtualFileNode regenerates from its materializer rather than caching a
// fixed byte slice.
type GeneratedFileNode struct {
	fs.Inode
	Chan *channel.Channel
	Kind fileKind
}

var _ fs.NodeGetattrer = (*GeneratedFileNode)(nil)
var _ fs.NodeOpener = (*GeneratedFileNode)(nil)
var _ fs.NodeReader = (*GeneratedFileNode)(nil)

func (n *GeneratedFileNode) content() ([]byte, syscall.Errno) {
	switch n.Kind {
	case kindStatus:
		b, err := json.Marshal(n.Chan.GetStatus())
		if err != nil {
			return nil, syscall.EIO
		}
		return b, 0
	case kindGapReport:
		b, err := n.Chan.GetGapReportCompressed()
		if err != nil {
			return nil, syscall.EIO
		}
		return b, 0
	case kindSeqlog:
		b, err := n.Chan.GetSeqLogs()
		if err != nil {
			return nil, syscall.EIO
		}
		return b, 0
	case kindRTPStats:
		b, err := json.Marshal(n.Chan.GetRTPStats())
		if err != nil {
			return nil, syscall.EIO
		}
		return b, 0
	default:
		return nil, syscall.ENOENT
	}
}

func (n *GeneratedFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	b, errno := n.content()
	if errno != 0 {
		return errno
	}
	out.Size = uint64(len(b))
	out.Mode = fuse.S_IFREG | 0444
	out.SetTimes(nil, &time.Time{}, nil)
	return 0
}

func (n *GeneratedFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *GeneratedFileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	b, errno := n.content()
	if errno != 0 {
		return nil, errno
	}
	if off >= int64(len(b)) {
		return fuse.ReadResultData(dest[:0]), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	n2 := copy(dest, b[off:end])
	return fuse.ReadResultData(dest[:n2]), 0
}
