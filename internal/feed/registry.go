package feed

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// StoreFactory builds a Store from a DSN. SourceFactory builds the matching
// push EventSource. Adapters register themselves by URL scheme so wiring
// code can stay declarative (postgres://, http://, memory:).
type StoreFactory func(dsn string) (Store, error)
type SourceFactory func(dsn string) (EventSource, error)

var adapterRegistry = struct {
	mu             sync.RWMutex
	storeFactories map[string]StoreFactory
	srcFactories   map[string]SourceFactory
}{
	storeFactories: map[string]StoreFactory{},
	srcFactories:   map[string]SourceFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	adapterRegistry.mu.Lock()
	defer adapterRegistry.mu.Unlock()
	adapterRegistry.storeFactories[scheme] = factory
}

func RegisterSourceFactory(scheme string, factory SourceFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	adapterRegistry.mu.Lock()
	defer adapterRegistry.mu.Unlock()
	adapterRegistry.srcFactories[scheme] = factory
}

// BuildStoreFromDSN resolves a registered store factory by the DSN scheme.
func BuildStoreFromDSN(dsn string) (Store, error) {
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	adapterRegistry.mu.RLock()
	factory, ok := adapterRegistry.storeFactories[scheme]
	adapterRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
	return factory(dsn)
}

// BuildSourceFromDSN resolves a registered event-source factory by scheme.
func BuildSourceFromDSN(dsn string) (EventSource, error) {
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	adapterRegistry.mu.RLock()
	factory, ok := adapterRegistry.srcFactories[scheme]
	adapterRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported event source scheme: %s", scheme)
	}
	return factory(dsn)
}

func dsnScheme(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", fmt.Errorf("%w: empty dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if scheme == "" {
		return "", fmt.Errorf("%w: dsn has no scheme: %s", ErrInvalidInput, dsn)
	}
	return scheme, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
