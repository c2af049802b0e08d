// Package seriescache partitions client-side state by series fingerprint so
// independent action modules can cache per-series data without coordinating.
package seriescache

import (
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const sep = "\x00"

// Store is a shared TTL cache. Entries are only reachable through a
// Namespace.
type Store struct {
	c *cache.Cache
}

// New creates a store whose entries expire after ttl. A non-positive ttl
// keeps entries until deleted.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		return &Store{c: cache.New(cache.NoExpiration, 0)}
	}
	return &Store{c: cache.New(ttl, 2*ttl)}
}

// Namespace scopes the store to one (fingerprint, owner) pair.
func (s *Store) Namespace(fingerprint, owner string) Namespace {
	return Namespace{c: s.c, prefix: fingerprint + sep + owner + sep}
}

// Namespace is a view of the store under a fixed key prefix.
type Namespace struct {
	c      *cache.Cache
	prefix string
}

// Set stores v under key using the store's default expiration.
func (n Namespace) Set(key string, v any) {
	n.c.SetDefault(n.prefix+key, v)
}

// Lookup returns the raw value under key.
func (n Namespace) Lookup(key string) (any, bool) {
	return n.c.Get(n.prefix + key)
}

// Delete removes key.
func (n Namespace) Delete(key string) {
	n.c.Delete(n.prefix + key)
}

// Keys lists the live keys in the namespace, sorted.
func (n Namespace) Keys() []string {
	var keys []string
	for k := range n.c.Items() {
		if strings.HasPrefix(k, n.prefix) {
			keys = append(keys, strings.TrimPrefix(k, n.prefix))
		}
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every key in the namespace.
func (n Namespace) Clear() {
	for _, k := range n.Keys() {
		n.Delete(k)
	}
}

// Get returns the value under key when it holds a T.
func Get[T any](n Namespace, key string) (T, bool) {
	v, ok := n.Lookup(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
