package attention

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stratakv/strata/internal/kvcache"
)

// Kernel is the contract every attention backend satisfies: same inputs,
// same outputs, so fused or hardware-specific implementations swap in by
// configuration rather than by changing callers.
type Kernel func(out, q []float32, st kvcache.PageState, numHeads int, p Params) error

// Reference is the name of the built-in kernel.
const Reference = "reference"

var (
	backendMu sync.RWMutex
	backends  = map[string]Kernel{Reference: RaggedPaged}
)

// Register makes a kernel selectable by name. Registering an existing name
// replaces it; build-tagged init functions use this to expose platform
// kernels.
func Register(name string, k Kernel) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backends[name] = k
}

// ForName resolves a backend by name. The empty string selects the
// reference kernel.
func ForName(name string) (Kernel, error) {
	if name == "" {
		name = Reference
	}
	backendMu.RLock()
	defer backendMu.RUnlock()
	k, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("attention: unknown backend %q (have %v)", name, names())
	}
	return k, nil
}

// Names lists the registered backends.
func Names() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(backends))
	for name := range backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
