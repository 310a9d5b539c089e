/*
Package fuse adapts internal/model and internal/cache to a POSIX
filesystem surface using go-fuse/v2's low-maintenance Inode tree
(github.com/hanwen/go-fuse/v2/fs).

# Architecture

	┌─────────────────────────────────────────────┐
	│                  Kernel                      │
	│            (VFS / FUSE protocol)             │
	└───────────────────────┬───────────────────────┘
	                        │
	┌───────────────────────▼───────────────────────┐
	│             FileSystem / cloudNode             │  ← This Package
	│        (gofs.Inode tree, one per Object)       │
	└───────────────────────┬───────────────────────┘
	                        │
	      ┌─────────────────┼─────────────────┐
	      ▼                                   ▼
	┌───────────┐                     ┌───────────────┐
	│ internal/  │                     │  internal/     │
	│ model      │                     │  cache         │
	└───────────┘                     └───────────────┘

FileSystem holds the shared dependencies every cloudNode and FileHandle
needs (model.Model, cache.Layer, config.DriveConfig) and a singleflight
group that deduplicates concurrent waits on the same missing chunk. Root
returns the synthetic filesystem-root Object as the tree's InodeEmbedder;
every other node is reached by walking Lookup/Readdir calls that resolve
through internal/model.

cloudNode implements the go-fuse Inode operations (Lookup, Getattr,
Setattr, Create, Mkdir, Unlink, Rmdir, Rename, Open, Readdir,
Getxattr/Setxattr/Listxattr/Removexattr for the status/pinned
pseudo-attributes) by translating
each call into a model.Model method, which records the POSIX-visible
change in the store and, where the change has remote consequences,
enqueues the Action the sync engine later dispatches. FileHandle
implements per-open-file Read/Write/Flush/Release against internal/cache,
retrying a read that hits a not-yet-downloaded chunk by waiting on the
chunk's singleflight key until the sync engine's pull side fills it in or
the bounded wait in config.DriveConfig expires.

MountManager owns the go-fuse server lifecycle: Mount starts serving,
Wait blocks until the mount is torn down (by Unmount or by the kernel,
e.g. `fusermount -u`), and Unmount requests a clean teardown.

blacklist.go resolves the calling process's name from its pid and
reports whether it is on the indexer blacklist in config.DriveConfig;
Open refuses such callers with EACCES so desktop indexers never
trigger a remote fetch.

# Non-goals

This package targets Linux via go-fuse/v2 only; it has no cgofuse
fallback for platforms without a native FUSE implementation.
*/
package fuse
