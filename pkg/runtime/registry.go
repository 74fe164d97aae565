package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Factory builds a runtime from its name-specific settings.
type Factory func(settings Settings) (Runtime, error)

// Settings are the config values a factory may use.
type Settings struct {
	Binary    string
	BaseURL   string
	MaxTokens int
	Logger    zerolog.Logger
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a runtime factory by name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds a registered runtime by name.
func New(name string, settings Settings) (Runtime, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runtime not registered: %s", name)
	}
	return factory(settings)
}

// Names returns the sorted list of registered runtime names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
