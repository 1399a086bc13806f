package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MaxCounter is the largest logical counter that fits the 6-digit field.
// Incrementing past it carries into the wall component.
const MaxCounter = 999999

// Timestamp is a parsed HLC value.
type Timestamp struct {
	Wall    int64
	Counter int64
	Node    string
}

// String formats the timestamp as "{wall_ms:013d}-{counter:06d}-{node}".
// The fixed-width fields make plain string comparison a total order.
func (t Timestamp) String() string {
	return fmt.Sprintf("%013d-%06d-%s", t.Wall, t.Counter, t.Node)
}

// after reports whether t orders strictly after o on (wall, counter).
func (t Timestamp) after(o Timestamp) bool {
	if t.Wall != o.Wall {
		return t.Wall > o.Wall
	}
	return t.Counter > o.Counter
}

// Parse decodes an HLC string produced by String.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 || len(parts[0]) != 13 || len(parts[1]) != 6 || parts[2] == "" {
		return Timestamp{}, fmt.Errorf("malformed hlc %q", s)
	}
	wall, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed hlc %q: wall: %w", s, err)
	}
	counter, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed hlc %q: counter: %w", s, err)
	}
	return Timestamp{Wall: wall, Counter: counter, Node: parts[2]}, nil
}

// HLC is a hybrid logical clock.
//
// Every value returned by Now is strictly greater, by string comparison,
// than every value previously returned or observed. Safe for concurrent use.
type HLC struct {
	mu   sync.Mutex
	node string
	gate Gate
	last Timestamp
}

// NewHLC creates a clock for the given node, reading wall time through gate.
func NewHLC(node string, gate Gate) *HLC {
	return &HLC{node: node, gate: gate}
}

// Now returns the next timestamp.
// It fails with *TimeValidityError when the gate rejects the wall clock.
func (c *HLC) Now() (string, error) {
	wallTime, err := c.gate.Check()
	if err != nil {
		return "", err
	}
	ms := wallTime.UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ms > c.last.Wall {
		c.last.Wall = ms
		c.last.Counter = 0
	} else {
		c.last.Counter++
		if c.last.Counter > MaxCounter {
			c.last.Wall++
			c.last.Counter = 0
		}
	}
	c.last.Node = c.node
	return c.last.String(), nil
}

// Observe merges a timestamp received from another node, so the next local
// value orders after it.
func (c *HLC) Observe(remote string) error {
	ts, err := Parse(remote)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.after(c.last) {
		c.last = ts
	}
	return nil
}

// Seed restores state from the newest HLC in the persisted log.
// An empty value leaves the clock untouched.
func (c *HLC) Seed(last string) error {
	if last == "" {
		return nil
	}
	if err := c.Observe(last); err != nil {
		return fmt.Errorf("seed clock: %w", err)
	}
	return nil
}

// Current returns the last issued or observed timestamp, or "" before the
// first one.
func (c *HLC) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.Wall == 0 && c.last.Counter == 0 {
		return ""
	}
	node := c.last.Node
	if node == "" {
		node = c.node
	}
	return Timestamp{Wall: c.last.Wall, Counter: c.last.Counter, Node: node}.String()
}
