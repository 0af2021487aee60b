//go:build linux
// +build linux

package diagfs

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Mount mounts the diagnostic filesystem at mountPoint over the given
// registry. It blocks until the process receives SIGINT/SIGTERM or the
// server otherwise exits.
func Mount(mountPoint string, reg *Registry) error {
	return MountWithAllowOther(mountPoint, reg, false)
}

// MountWithAllowOther mounts the diagnostic filesystem and optionally sets
// the FUSE allow_other option so processes other than the mounting one can
// read it.
func MountWithAllowOther(mountPoint string, reg *Registry, allowOther bool) error {
	root := &Root{Reg: reg}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      false,
			AllowOther: allowOther,
		},
	}
	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Println("diagfs: unmounting")
		_ = server.Unmount()
	}()

	server.Wait()
	stop()
	return nil
}

// MountBackground mounts the diagnostic filesystem without blocking and
// returns an unmount function. ctx cancellation also unmounts.
func MountBackground(ctx context.Context, mountPoint string, reg *Registry, allowOther bool) (unmount func(), err error) {
	root := &Root{Reg: reg}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      false,
			AllowOther: allowOther,
		},
	}
	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = server.Unmount()
	}()

	return func() { _ = server.Unmount() }, nil
}
