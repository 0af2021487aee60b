//go:build linux
// +build linux

package diagfs

import (
	"fmt"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// channelDirStream lists the registry's currently live channel IDs as
// directory names, mirroring the teacher's movieDirStream over a dynamic
// rather than fixed set.
type channelDirStream struct {
	ids []uint32
	i   int
}

var _ fs.DirStream = (*channelDirStream)(nil)

func newChannelDirStream(r *Registry) *channelDirStream {
	return &channelDirStream{ids: r.IDs()}
}

func (s *channelDirStream) HasNext() bool {
	return s.i < len(s.ids)
}

func (s *channelDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if !s.HasNext() {
		return fuse.DirEntry{}, 0
	}
	id := s.ids[s.i]
	s.i++
	name := fmt.Sprintf("%d", id)
	return fuse.DirEntry{
		Name: name,
		Ino:  inoFromString("chandir:" + name),
		Mode: fuse.S_IFDIR | 0755,
	}, 0
}

func (s *channelDirStream) Close() {}
