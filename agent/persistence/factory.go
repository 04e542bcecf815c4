package persistence

import (
	"fmt"
)

// NewHandoffStore creates a new HandoffStore based on the configuration
func NewHandoffStore(config StoreConfig) (HandoffStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryHandoffStore(config), nil
	case StoreTypeRedis:
		return NewRedisHandoffStore(config)
	default:
		return nil, fmt.Errorf("unsupported handoff store type: %s", config.Type)
	}
}

// MustNewHandoffStore creates a new HandoffStore or panics on error.
//
// WARNING: This function should ONLY be used during application initialization
// (e.g., in main() or init()). For runtime store creation, use NewHandoffStore instead.
func MustNewHandoffStore(config StoreConfig) HandoffStore {
	store, err := NewHandoffStore(config)
	if err != nil {
		panic(fmt.Sprintf("failed to create handoff store: %v", err))
	}
	return store
}
