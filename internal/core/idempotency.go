package core

import (
	"container/list"
	"errors"

	"AutoVault/internal/observability"

	"github.com/ethereum/go-ethereum/common"
)

// ErrIdempotencyUnavailable means a key could not be checked against the
// durable log. The operation is refused rather than risk applying it twice.
var ErrIdempotencyUnavailable = errors.New("idempotency check unavailable")

// IdempotencyChecker implements two-tier deduplication.
// A hit returns the sequence the original operation was applied at.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
	prom    *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup.
// scope is the depositor, or the zero address for admin operations.
type DBIdempotencyChecker interface {
	Lookup(opType string, scope common.Address, idempotencyKey string) (int64, bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, prom *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
		prom:      prom,
	}
}

// CompositeKey scopes an idempotency key by operation type and by the
// account the operation acts for, so two depositors never collide.
func CompositeKey(opType string, scope common.Address, idempotencyKey string) string {
	return opType + ":" + scope.Hex() + ":" + idempotencyKey
}

// Lookup checks if the operation has been applied (two-tier lookup).
// Empty keys never deduplicate. A failed tier-2 lookup is returned as
// ErrIdempotencyUnavailable.
func (ic *IdempotencyChecker) Lookup(opType string, scope common.Address, idempotencyKey string) (int64, bool, error) {
	if idempotencyKey == "" {
		return 0, false, nil
	}
	key := CompositeKey(opType, scope, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if seq, ok := ic.lru.Get(key); ok {
		ic.recordDuplicate(opType, "lru")
		return seq, true, nil
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		seq, found, err := ic.dbChecker.Lookup(opType, scope, idempotencyKey)
		if err != nil {
			ic.metrics.RecordTier2Error()
			return 0, false, errors.Join(ErrIdempotencyUnavailable, err)
		}
		if found {
			ic.recordDuplicate(opType, "postgres")
			ic.lru.Add(key, seq)
			return seq, true, nil
		}
	}

	return 0, false, nil
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(opType string, scope common.Address, idempotencyKey string, sequence int64) {
	if idempotencyKey == "" {
		return
	}
	ic.lru.Add(CompositeKey(opType, scope, idempotencyKey), sequence)
	if ic.prom != nil {
		ic.prom.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Entries returns the LRU contents, oldest first.
func (ic *IdempotencyChecker) Entries() []LRUEntry {
	return ic.lru.Entries()
}

// Warm loads entries (oldest first) into the LRU.
func (ic *IdempotencyChecker) Warm(entries []LRUEntry) {
	ic.lru.WarmFromEntries(entries)
	if ic.prom != nil {
		ic.prom.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// GetMetrics returns metrics for monitoring
func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

func (ic *IdempotencyChecker) recordDuplicate(opType, tier string) {
	ic.metrics.RecordDuplicate(opType, tier)
	if ic.prom != nil {
		ic.prom.IdempotencyDuplicates.WithLabelValues(opType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache of composite key -> sequence.
// Not thread-safe; only accessed under the engine lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

// LRUEntry is one cached key and the sequence it was applied at.
type LRUEntry struct {
	Key      string `json:"key"`
	Sequence int64  `json:"sequence"`
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get returns the sequence for key (promotes to front)
func (lru *IdempotencyLRU) Get(key string) (int64, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return 0, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*LRUEntry).Sequence, true
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	_, ok := lru.Get(key)
	return ok
}

// Add inserts a key (or promotes if exists; the stored sequence is kept)
func (lru *IdempotencyLRU) Add(key string, sequence int64) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&LRUEntry{Key: key, Sequence: sequence})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*LRUEntry)
		delete(lru.cache, entry.Key)
		lru.evictions++
	}
}

// WarmFromEntries loads entries, oldest first, so the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromEntries(entries []LRUEntry) {
	for _, e := range entries {
		lru.Add(e.Key, e.Sequence)
	}
}

// Entries returns all entries ordered oldest first.
func (lru *IdempotencyLRU) Entries() []LRUEntry {
	out := make([]LRUEntry, 0, lru.lruList.Len())
	for elem := lru.lruList.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, *elem.Value.(*LRUEntry))
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe; only accessed under the engine lock.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // op_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(opType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[opType]++
	} else {
		m.duplicatesPostgres[opType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(opType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[opType], m.duplicatesPostgres[opType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
