package core

import (
	"container/list"
	"fmt"
)

// DBIdempotencyChecker is the cold-path lookup against the durable event log.
// A nil checker disables tier 2 (used in tests).
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates at-least-once deliveries with a two-tier
// lookup: an in-memory LRU of recent composite keys, then the event log in
// Postgres. Not thread-safe — only touched from the single-writer loop.
type IdempotencyChecker struct {
	capacity  int
	entries   map[string]*list.Element
	order     *list.List
	dbChecker DBIdempotencyChecker

	evictions   int64
	tier2Errors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		capacity:  capacity,
		entries:   make(map[string]*list.Element, capacity),
		order:     list.New(),
		dbChecker: dbChecker,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate reports whether this delivery was already applied. A tier-2
// lookup failure is treated as not-duplicate so a database hiccup cannot
// stall the whole pipeline; the unique index on the event log is the
// final guard.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if elem, ok := ic.entries[key]; ok {
		ic.order.MoveToFront(elem)
		return true
	}

	if ic.dbChecker != nil {
		dup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			ic.tier2Errors++
			return false
		}
		if dup {
			ic.add(key)
			return true
		}
	}

	return false
}

// MarkProcessed records the key after the event was fully applied.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.add(compositeKey(eventType, idempotencyKey))
}

// Warm preloads composite keys recovered from the event log so recent
// redeliveries after a restart stay on the hot path.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.add(key)
	}
}

func (ic *IdempotencyChecker) add(key string) {
	if elem, ok := ic.entries[key]; ok {
		ic.order.MoveToFront(elem)
		return
	}
	ic.entries[key] = ic.order.PushFront(key)
	if ic.order.Len() > ic.capacity {
		oldest := ic.order.Back()
		ic.order.Remove(oldest)
		delete(ic.entries, oldest.Value.(string))
		ic.evictions++
	}
}

// Size returns the number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.order.Len()
}

// Tier2Errors returns how many cold-path lookups failed.
func (ic *IdempotencyChecker) Tier2Errors() int64 {
	return ic.tier2Errors
}
