package settings

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long a fetched setting may be served without going
// back to storage. Settings change rarely; tens of seconds of staleness is
// the accepted consistency model.
const DefaultTTL = 30 * time.Second

// Reader is the read side of the configuration store.
type Reader interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

type entry struct {
	value     string
	present   bool
	expiresAt time.Time
}

// Cache is a process-local read-through cache over a Reader. Absent keys are
// cached too, so unset keys do not hammer storage within the TTL window.
type Cache struct {
	reader Reader
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// NewCache builds a Cache. ttl <= 0 falls back to DefaultTTL; now == nil
// falls back to time.Now.
func NewCache(reader Reader, ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		reader:  reader,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]entry),
	}
}

// Get returns the setting value and whether it is set, fetching from storage
// when the cached entry is missing or expired.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && e.expiresAt.After(c.now()) {
		return e.value, e.present, nil
	}

	value, present, err := c.reader.GetSetting(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("fetch setting %s: %w", key, err)
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, present: present, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return value, present, nil
}

// GetRequired returns the trimmed setting value and fails with a
// MissingError when the key is unset or blank.
func (c *Cache) GetRequired(ctx context.Context, key string) (string, error) {
	value, _, err := c.Get(ctx, key)
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", &MissingError{Key: key}
	}
	return trimmed, nil
}

// MissingError reports a required setting that is unset or blank.
type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("setting %q is required", e.Key)
}
