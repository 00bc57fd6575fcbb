package rcon

import (
	"math"
	"sync"

	"github.com/energizer-project/srcquery/internal/protocol"
)

// DefaultIDSeed is the first request ID handed out.
const DefaultIDSeed int32 = 0x33333333

// IDAllocator hands out request IDs from a monotonically increasing signed
// counter that wraps from max to min and never yields -1, the value servers
// use to signal a failed authentication.
type IDAllocator struct {
	mu   sync.Mutex
	next int32
}

// NewIDAllocator creates an allocator starting at seed.
func NewIDAllocator(seed int32) *IDAllocator {
	a := &IDAllocator{next: seed}
	if a.next == protocol.RCONAuthFailedID {
		a.next++
	}
	return a
}

// Next returns a fresh ID.
func (a *IDAllocator) Next() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.next
	if a.next == math.MaxInt32 {
		a.next = math.MinInt32
	} else {
		a.next++
	}
	if a.next == protocol.RCONAuthFailedID {
		a.next++
	}
	return id
}
