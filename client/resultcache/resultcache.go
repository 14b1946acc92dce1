// Package resultcache keeps the last probe result per candidate with a
// one hour freshness window.
package resultcache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/probe"
)

const (
	KeyPrefix = "speedprobe.result."

	// TTL is how long a result is surfaced by Get and All.
	TTL = time.Hour
)

// record is the stored format; timestamp is unix milliseconds.
type record struct {
	Results   probe.Result `json:"results"`
	Timestamp int64        `json:"timestamp"`
	Domain    string       `json:"domain"`
}

type Entry struct {
	CandidateID int           `json:"candidate_id"`
	Domain      string        `json:"domain"`
	Result      probe.Result  `json:"result"`
	CachedAt    time.Time     `json:"cached_at"`
	Age         time.Duration `json:"age"`
}

// Fresh is false for entries that Get and All would not return.
func (e Entry) Fresh() bool {
	return e.Age < TTL
}

type Cache struct {
	store Store
	now   func() time.Time
	mu    sync.Mutex
}

// New returns a cache over store; now may be nil to use time.Now.
func New(store Store, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, now: now}
}

func Key(candidateID int) string {
	return KeyPrefix + strconv.Itoa(candidateID)
}

// Put replaces the record for c.
func (c *Cache) Put(cand candidates.Candidate, res probe.Result) error {
	b, err := json.Marshal(record{
		Results:   res,
		Timestamp: c.now().UnixMilli(),
		Domain:    cand.Domain,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Put(Key(cand.ID), b)
}

// Get returns the fresh entry for id.
func (c *Cache) Get(id int) (Entry, bool, error) {
	e, ok, err := c.LastKnown(id)
	if err != nil || !ok || !e.Fresh() {
		return Entry{}, false, err
	}
	return e, true, nil
}

// LastKnown returns the stored entry for id regardless of its age.
func (c *Cache) LastKnown(id int) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok, err := c.store.Get(Key(id))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	e, err := c.decode(id, b)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// All returns the fresh entries ordered by candidate id. Unreadable
// records are skipped.
func (c *Cache) All() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, k := range keys {
		if !strings.HasPrefix(k, KeyPrefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(k, KeyPrefix))
		if err != nil {
			continue
		}
		b, ok, err := c.store.Get(k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		e, err := c.decode(id, b)
		if err != nil || !e.Fresh() {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CandidateID < entries[j].CandidateID
	})
	return entries, nil
}

func (c *Cache) decode(id int, b []byte) (Entry, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return Entry{}, fmt.Errorf("cache record %d: %w", id, err)
	}
	cachedAt := time.UnixMilli(r.Timestamp)
	return Entry{
		CandidateID: id,
		Domain:      r.Domain,
		Result:      r.Results,
		CachedAt:    cachedAt,
		Age:         c.now().Sub(cachedAt),
	}, nil
}
