package fuse

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// isBlacklistedCaller resolves the calling process's identity from its
// pid (FUSE hands the kernel-reported caller through the request
// context) and reports whether it is on the indexer blacklist: desktop
// search/thumbnail crawlers must never trigger a remote fetch just by
// stat-ing every file in the mount. The identity is cached per-pid since
// a single indexer process issues many requests in a row.
func (f *FileSystem) isBlacklistedCaller(ctx context.Context) (bool, string) {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return false, ""
	}

	f.mu.Lock()
	identity, cached := f.callerIDs[caller.Pid]
	f.mu.Unlock()

	if !cached {
		identity = processIdentity(caller.Pid)
		f.mu.Lock()
		f.callerIDs[caller.Pid] = identity
		f.mu.Unlock()
	}

	return f.config.IsBlacklisted(identity), identity
}

// processIdentity reads the short command name for pid from procfs. An
// unreadable /proc/<pid>/comm (process already exited, non-Linux host)
// yields an empty identity, which never matches the blacklist.
func processIdentity(pid uint32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
