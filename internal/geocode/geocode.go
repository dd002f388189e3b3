// Package geocode provides the address-to-coordinates cache used by the
// mapping views. The provider itself is an external collaborator; this
// package only decorates it with an explicit, injectable cache, replacing
// the module-level map the dashboards grew organically.
package geocode

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrNoResult = errors.New("no geocoding result")

type Point struct {
	Latitude  float64
	Longitude float64
}

// Geocoder resolves a free-form address. Implementations are external
// (Nominatim, Google); tests use fakes.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Point, error)
}

// Cache is a caching decorator around a Geocoder. Entries are keyed by the
// normalized address. With maxEntries zero the cache is unbounded for the
// process lifetime, matching the original behavior; a positive bound evicts
// in insertion order.
type Cache struct {
	next       Geocoder
	maxEntries int

	mu      sync.Mutex
	entries map[string]Point
	order   []string
}

func NewCache(next Geocoder, maxEntries int) *Cache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Cache{
		next:       next,
		maxEntries: maxEntries,
		entries:    map[string]Point{},
	}
}

func (c *Cache) Geocode(ctx context.Context, address string) (Point, error) {
	key := normalize(address)
	if key == "" {
		return Point{}, ErrNoResult
	}
	c.mu.Lock()
	if p, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := c.next.Geocode(ctx, address)
	if err != nil {
		return Point{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.entries[key] = p
		c.order = append(c.order, key)
		if c.maxEntries > 0 && len(c.order) > c.maxEntries {
			evict := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, evict)
		}
	}
	return c.entries[key], nil
}

// Len reports the number of cached addresses.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
