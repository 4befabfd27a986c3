package clientcache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache is a keyed set of long-lived clients. Concurrent misses for the same
// key share a single factory call.
type Cache[T any] struct {
	cache   sync.Map
	sfGroup singleflight.Group
}

func NewCache[T any]() *Cache[T] {
	return &Cache[T]{}
}

// GetOrCreate returns the cached value for key, building it with factory on a miss.
// A factory error is returned to every caller waiting on the key and nothing is cached.
func (c *Cache[T]) GetOrCreate(key string, factory func() (T, error)) (T, error) {
	if cached, ok := c.cache.Load(key); ok {
		return cached.(T), nil
	}

	v, err, _ := c.sfGroup.Do(key, func() (any, error) {
		if cached, ok := c.cache.Load(key); ok {
			return cached.(T), nil
		}

		client, err := factory()
		if err != nil {
			return nil, err
		}
		c.cache.Store(key, client)
		return client, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Range calls fn for every cached value until fn returns false
func (c *Cache[T]) Range(fn func(key string, value T) bool) {
	c.cache.Range(func(k, v any) bool {
		return fn(k.(string), v.(T))
	})
}

// Len counts the cached values
func (c *Cache[T]) Len() int {
	n := 0
	c.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Cache[T]) Delete(key string) {
	c.cache.Delete(key)
}

func (c *Cache[T]) Clear() {
	c.cache.Clear()
}
