package timing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Source is the engine's clock and delay authority. It embeds a clockwork
// Clock so callers get Now/NewTimer, and adds a seeded uniform delay draw
// for the randomized trigger. In production use NewSource; tests inject a
// clockwork.FakeClock via NewSourceWithClock.
type Source struct {
	clockwork.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSource returns a Source backed by the real clock.
func NewSource() *Source {
	return NewSourceWithClock(clockwork.NewRealClock(), time.Now().UnixNano())
}

// NewSourceWithClock returns a Source backed by the given clock and a
// deterministic seed.
func NewSourceWithClock(clock clockwork.Clock, seed int64) *Source {
	return &Source{
		Clock: clock,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// UniformDelay draws a duration uniformly from [min, max]. The rand source
// is not safe for concurrent use, so draws are serialized.
func (s *Source) UniformDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(max-min)+1))
}
