// Package registry holds the process-wide {name -> factory} formatter
// lookup: write-once at startup, read-only thereafter. A package-level
// singleton generalized from a single slot to a name-keyed map.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/diskforge/diskforge/pkg/vfs"
)

var (
	mu      sync.Mutex
	sealed  bool
	entries = map[string]vfs.Formatter{}
)

// Register adds a Formatter under name. Panics if called after Seal, or
// with a name already registered — both are programmer errors caught at
// package-init time, not something a caller should need to recover from.
func Register(name string, f vfs.Formatter) {
	mu.Lock()
	defer mu.Unlock()
	if sealed {
		panic(fmt.Sprintf("registry: Register(%q) called after Seal", name))
	}
	if _, exists := entries[name]; exists {
		panic(fmt.Sprintf("registry: %q already registered", name))
	}
	entries[name] = f
}

// Seal freezes the registry. Once sealed, Register panics and Lookup is
// safe to call without synchronization from any number of goroutines.
func Seal() {
	mu.Lock()
	defer mu.Unlock()
	sealed = true
}

// Lookup returns the Formatter registered under name, or ok=false.
func Lookup(name string) (vfs.Formatter, bool) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := entries[name]
	return f, ok
}

// Names returns every registered name in sorted order.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
