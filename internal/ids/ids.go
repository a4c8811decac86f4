package ids

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ID identifies one persisted entity. Zero means "no ID".
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// IsZero reports whether the ID is unset
func (id ID) IsZero() bool {
	return id == 0
}

// ParseID parses the decimal form written by String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID(v), nil
}

// Kind selects one of the session-wide counters
type Kind int

const (
	Object Kind = iota
	RegionGroup
	Name
	Event
	VCA
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Object:
		return "id-counter"
	case RegionGroup:
		return "rg-counter"
	case Name:
		return "name-counter"
	case Event:
		return "event-counter"
	case VCA:
		return "vca-counter"
	default:
		return "unknown-counter"
	}
}

// Kinds lists every counter in document order.
func Kinds() []Kind {
	return []Kind{Object, RegionGroup, Name, Event, VCA}
}

// Values is a point-in-time copy of all counters.
type Values [numKinds]uint64

// Counters owns the monotonic counters that are saved with every snapshot.
// All counters move together under one mutex so Values/Restore are atomic.
type Counters struct {
	mu     sync.Mutex
	values Values
}

// New returns counters in their fresh-session state.
func New() *Counters {
	c := &Counters{}
	c.values[VCA] = 1
	return c
}

// Next increments the counter and returns the new value.
func (c *Counters) Next(kind Kind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[kind]++
	return c.values[kind]
}

// Peek returns the current value without changing it.
func (c *Counters) Peek(kind Kind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[kind]
}

// Init sets a counter unconditionally. Used when restoring a document.
func (c *Counters) Init(kind Kind, v uint64) {
	c.mu.Lock()
	c.values[kind] = v
	c.mu.Unlock()
}

// Advance raises a counter to at least v.
func (c *Counters) Advance(kind Kind, v uint64) {
	c.mu.Lock()
	if c.values[kind] < v {
		c.values[kind] = v
	}
	c.mu.Unlock()
}

// NewID issues a fresh object ID.
func (c *Counters) NewID() ID {
	return ID(c.Next(Object))
}

func (c *Counters) Values() Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values
}

func (c *Counters) Restore(v Values) {
	c.mu.Lock()
	c.values = v
	c.mu.Unlock()
}

// LegacyObjectCounter is the id-counter default for documents written
// before counters were stored: the current unix time keeps new IDs above
// anything a legacy session could have issued.
func LegacyObjectCounter(now time.Time) uint64 {
	return uint64(now.Unix())
}
