package clock

import (
	"sync"
	"time"
)

// Manual is a Clock which only moves when told to.
type Manual struct {
	lock sync.Mutex
	now  time.Time
}

func NewManualClock(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) CurrentTimeMs() uint64 {
	return uint64(m.Now().UnixMilli())
}

func (m *Manual) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.now = m.now.Add(d)
}
