package stores

import (
	"fmt"
)

// NewStore creates a new message store based on the configuration
func NewStore(config *StoreConfig) (MessageStore, error) {
	switch config.Type {
	case "sqlite":
		return NewSQLiteStore(config)
	case "postgres":
		return NewPostgresStore(config)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewSQLiteStoreDefault creates a SQLite store with default settings
func NewSQLiteStoreDefault() (MessageStore, error) {
	return NewSQLiteStoreSimple("chat_history.sqlite")
}
