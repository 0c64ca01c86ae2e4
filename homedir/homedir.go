// Package homedir resolves mKTL's on-disk cache root once per process
// and funnels every other package's file access through it, per §5's
// "Process-wide state" requirement and §6's on-disk layout.
package homedir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	mu   sync.RWMutex
	root string
	set  bool
)

// Root returns the process's cache root: $MKTL_HOME if set, otherwise
// $HOME/.mKTL. Production entry points (cmd/markd, cmd/markguided)
// resolve this exactly once at startup and never change it again, per
// §5's "Process-wide state" requirement; the resolved value is cached
// here so every later call is free.
func Root() string {
	mu.RLock()
	if set {
		defer mu.RUnlock()
		return root
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if set {
		return root
	}
	if v := os.Getenv("MKTL_HOME"); v != "" {
		root = v
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		root = filepath.Join(home, ".mKTL")
	}
	set = true
	return root
}

// SetRoot overrides the resolved root explicitly. Intended for test
// setup, where each test case needs its own isolated cache directory;
// production code should rely on Root()'s one-time environment
// resolution instead.
func SetRoot(path string) {
	mu.Lock()
	defer mu.Unlock()
	root = path
	set = true
}

// ClientCachePath returns the path to a cached configuration block:
// client/cache/<store>/<uuid>.json, per §6.
func ClientCachePath(store, uuid string) string {
	return filepath.Join(Root(), "client", "cache", store, uuid+".json")
}

// ClientCacheDir returns the directory holding all cached blocks for a
// store.
func ClientCacheDir(store string) string {
	return filepath.Join(Root(), "client", "cache", store)
}

// DaemonStoreDescriptorPath returns the path to a daemon's on-disk items
// descriptor: daemon/store/<store>/<name>.json, per §6. The file
// contains only the `items` mapping, no envelope.
func DaemonStoreDescriptorPath(store, name string) string {
	return filepath.Join(Root(), "daemon", "store", store, name+".json")
}

// DaemonStoreUUIDPath returns the path to the sidecar file holding the
// UUID used for a daemon's block: daemon/store/<store>/<name>.uuid, per
// §6. Auto-created on first use.
func DaemonStoreUUIDPath(store, name string) string {
	return filepath.Join(Root(), "daemon", "store", store, name+".uuid")
}

// EnsureDir creates the parent directory of path if it does not exist.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}
