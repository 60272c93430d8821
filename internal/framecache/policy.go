package framecache

import (
	"container/list"
	"fmt"
	"strings"
)

// Policy selects which entry is evicted when the cache needs space.
type Policy int

const (
	// LRU evicts the least recently accessed entry.
	LRU Policy = iota
	// LFU evicts the least frequently accessed entry; ties go to the oldest insert.
	LFU
	// FIFO evicts the oldest insert regardless of access.
	FIFO
)

func (p Policy) String() string {
	switch p {
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	default:
		return "lru"
	}
}

// MarshalText encodes the policy by name for JSON and YAML.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a policy name.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePolicy converts "lru", "lfu" or "fifo" (any case) to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lru":
		return LRU, nil
	case "lfu":
		return LFU, nil
	case "fifo":
		return FIFO, nil
	}
	return LRU, fmt.Errorf("framecache: unknown eviction policy %q", s)
}

// touch records an access to e under policy p. The order list holds entries
// oldest-first: by recency for LRU, by insertion for FIFO and LFU.
func (p Policy) touch(order *list.List, e *entry) {
	e.accessCount++
	if p == LRU {
		order.MoveToBack(e.elem)
	}
}

// victim returns the entry p would evict next, or nil if the cache is empty.
func (p Policy) victim(order *list.List) *entry {
	front := order.Front()
	if front == nil {
		return nil
	}
	if p != LFU {
		return front.Value.(*entry)
	}

	// Insertion order makes the first minimum found the oldest among ties.
	best := front.Value.(*entry)
	for el := front.Next(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.accessCount < best.accessCount {
			best = e
		}
	}
	return best
}
