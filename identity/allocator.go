package identity

import (
	"fmt"
	"sync"
	"time"
)

// DefaultEpoch is the zero second of the time field.
var DefaultEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// counter tracks the logical second and the sequence issued within it.
type counter struct {
	second int64
	seq    int64
}

// Allocator mints entity and unique ids for one server.
type Allocator struct {
	mu       sync.Mutex
	serverID int
	epoch    time.Time
	now      func() time.Time

	entities map[Kind]*counter
	uniques  map[int]*counter
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithEpoch sets the zero second of the time field.
func WithEpoch(epoch time.Time) AllocatorOption {
	return func(a *Allocator) {
		a.epoch = epoch
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) AllocatorOption {
	return func(a *Allocator) {
		a.now = now
	}
}

// NewAllocator creates an allocator for serverID.
func NewAllocator(serverID int, opts ...AllocatorOption) (*Allocator, error) {
	if serverID < MinServerID || serverID > MaxServerID {
		return nil, fmt.Errorf("%w: %d (want %d..%d)", ErrInvalidServerID, serverID, MinServerID, MaxServerID)
	}

	a := &Allocator{
		serverID: serverID,
		epoch:    DefaultEpoch,
		now:      time.Now,
		entities: make(map[Kind]*counter),
		uniques:  make(map[int]*counter),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ServerID returns the default server id of the allocator.
func (a *Allocator) ServerID() int {
	return a.serverID
}

// NewEntityID returns a fresh id for kind. A zero serverID selects the
// allocator's own server.
func (a *Allocator) NewEntityID(kind Kind, serverID int) (ID, error) {
	if serverID == 0 {
		serverID = a.serverID
	}
	if serverID < MinServerID || serverID > MaxServerID {
		return 0, fmt.Errorf("%w: %d", ErrInvalidServerID, serverID)
	}

	if IsGlobalKind(kind) {
		return GlobalID(kind, serverID)
	}
	if !IsMultiKind(kind) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidKind, kind)
	}

	a.mu.Lock()
	second, seq := a.nextEntity(kind)
	a.mu.Unlock()

	return ID(int64(serverID)<<serverShift |
		int64(kind)<<kindShift |
		second<<SequenceBits |
		seq), nil
}

// NewUniqueID returns a fresh unique id in module's namespace.
func (a *Allocator) NewUniqueID(module int) (ID, error) {
	if module < 0 || module > MaxModule {
		return 0, fmt.Errorf("%w: %d", ErrInvalidModule, module)
	}

	a.mu.Lock()
	second, seq := a.nextUnique(module)
	a.mu.Unlock()

	return ID(int64(module)<<moduleShift | second<<uniqueSecondShift | seq), nil
}

func (a *Allocator) nextUnique(module int) (int64, int64) {
	c, ok := a.uniques[module]
	if !ok {
		c = &counter{second: -1}
		a.uniques[module] = c
	}
	return a.advance(c, MaxUniqueSequence)
}

// nextEntity and nextUnique must be called with a.mu held.
func (a *Allocator) nextEntity(kind Kind) (int64, int64) {
	c, ok := a.entities[kind]
	if !ok {
		c = &counter{second: -1}
		a.entities[kind] = c
	}
	return a.advance(c, MaxSequence)
}

// advance moves c to the current second or bumps its sequence. When the
// sequence space of a second is used up the logical second moves ahead of the
// wall clock, and it never moves backwards.
func (a *Allocator) advance(c *counter, maxSeq int64) (int64, int64) {
	now := int64(a.now().Sub(a.epoch) / time.Second)
	if now < 0 {
		now = 0
	}

	switch {
	case now > c.second:
		c.second = now
		c.seq = 0
	case c.seq >= maxSeq:
		c.second++
		c.seq = 0
	default:
		c.seq++
	}

	return c.second & MaxSecond, c.seq
}
