package fuse

import (
	"fmt"
	"os"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions controls the go-fuse mount. Mount passes AllowOther,
// Debug and FSName to the go-fuse server; ReadOnly is not applied by
// Mount.
type MountOptions struct {
	AllowOther bool
	ReadOnly   bool
	Debug      bool
	FSName     string
}

// MountManager owns the lifecycle of a single go-fuse server instance.
type MountManager struct {
	fsys    *FileSystem
	mount   string
	options MountOptions
	server  *fuse.Server
}

// NewMountManager prepares (without mounting) a MountManager for fsys at
// mountPoint.
func NewMountManager(fsys *FileSystem, mountPoint string, options MountOptions) *MountManager {
	if options.FSName == "" {
		options.FSName = "cloudmount"
	}
	return &MountManager{fsys: fsys, mount: mountPoint, options: options}
}

// Mount starts serving the filesystem at the configured mount point.
func (m *MountManager) Mount() error {
	if m.server != nil {
		return fmt.Errorf("already mounted at %s", m.mount)
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	opts := &gofs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: m.options.AllowOther,
			Debug:      m.options.Debug,
			FsName:     m.options.FSName,
			Name:       m.options.FSName,
		},
	}

	server, err := gofs.Mount(m.mount, m.fsys.Root(), opts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", m.mount, err)
	}
	m.server = server
	m.fsys.logger.Info().Str("mount_point", m.mount).Msg("mounted")
	return nil
}

// Wait blocks until the mount is torn down, either by Unmount or by the
// kernel unmounting it out from under us (e.g. `fusermount -u`).
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// Unmount tears down the mount.
func (m *MountManager) Unmount() error {
	if m.server == nil {
		return nil
	}
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("unmount %s: %w", m.mount, err)
	}
	m.server = nil
	m.fsys.logger.Info().Str("mount_point", m.mount).Msg("unmounted")
	return nil
}

func (m *MountManager) validateMountPoint() error {
	if m.mount == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(m.mount)
	if err != nil {
		return fmt.Errorf("stat mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", m.mount)
	}
	return nil
}
