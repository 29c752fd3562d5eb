package scenario

import (
	"strconv"
	"sync"
	"time"
)

// IDGenerator hands out run identifiers derived from wall-clock milliseconds.
// Two calls never return the same value: when the clock has not advanced
// the previous value is bumped by one.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UnixMilli()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return strconv.FormatInt(id, 10)
}
