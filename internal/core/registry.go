package core

import (
	"fmt"
	"sync"
)

var (
	registry   = make(map[EntityKind]*EntityDefinition)
	registryMu sync.RWMutex
)

// Register adds an entity definition to the registry.
// Panics if the kind is already registered or the definition is inconsistent.
func Register(def EntityDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Kind]; exists {
		panic(fmt.Sprintf("entity kind already registered: %s", def.Kind))
	}
	if err := def.validate(); err != nil {
		panic(fmt.Sprintf("invalid entity definition: %v", err))
	}

	d := def
	registry[def.Kind] = &d
}

// Get returns the definition for an entity kind.
// Returns false if not found.
func Get(kind EntityKind) (*EntityDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[kind]
	return def, ok
}

// All returns all registered definitions in commit order.
func All() []*EntityDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]*EntityDefinition, 0, len(registry))
	for _, kind := range CommitOrder {
		if def, ok := registry[kind]; ok {
			result = append(result, def)
		}
	}
	return result
}

// KindCount returns the number of registered entity kinds.
func KindCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}
