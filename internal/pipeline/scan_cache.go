package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"horse.fit/bibshelf/internal/dedup"
	"horse.fit/bibshelf/internal/globaltime"
	"horse.fit/bibshelf/internal/record"
)

// CachedScan is the parsed-and-matched result held between a scan and its
// commit. Matches are keyed by entry ID.
type CachedScan struct {
	CollectionID string
	Candidates   []record.Candidate
	Matches      map[string]*dedup.Match
	Errors       []record.EntryError
	ExpiresAt    time.Time
}

// ScanCache holds pending scan results for a bounded time. A scan is
// single-use: Consume removes it, so two commits of the same scan ID
// cannot both succeed.
type ScanCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]CachedScan
}

func NewScanCache(ttl time.Duration) *ScanCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ScanCache{
		ttl:     ttl,
		entries: make(map[string]CachedScan),
	}
}

// Put stores a scan and returns its generated ID. Expired siblings are
// swept opportunistically on each insert.
func (c *ScanCache) Put(scan CachedScan) (string, time.Time) {
	now := globaltime.Now()
	scan.ExpiresAt = now.Add(c.ttl)
	scanID := uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.entries {
		if !entry.ExpiresAt.After(now) {
			delete(c.entries, id)
		}
	}
	c.entries[scanID] = scan
	return scanID, scan.ExpiresAt
}

// Consume removes and returns the scan in one step. Expired scans are
// treated as absent.
func (c *ScanCache) Consume(scanID string) (*CachedScan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[scanID]
	if !ok {
		return nil, false
	}
	delete(c.entries, scanID)
	if !entry.ExpiresAt.After(globaltime.Now()) {
		return nil, false
	}
	return &entry, true
}

// Peek reports the scan's collection without consuming it. Expired scans
// are treated as absent.
func (c *ScanCache) Peek(scanID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[scanID]
	if !ok || !entry.ExpiresAt.After(globaltime.Now()) {
		return "", false
	}
	return entry.CollectionID, true
}

// Len reports live (possibly expired but unswept) entries.
func (c *ScanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
