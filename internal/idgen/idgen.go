// Package idgen issues 64-bit, time-ordered identifiers.
//
// Layout (most significant bit first):
//
//	1 bit unused | 41 bits milliseconds since epoch | 10 bits node | 12 bits sequence
//
// Ids from one Generator are strictly increasing as long as the wall clock
// never moves backwards. Ids from different generators never collide as long
// as their node ids differ.
package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	timestampBits = 41
	nodeBits      = 10
	sequenceBits  = 12

	MaxNodeID   = 1<<nodeBits - 1
	MaxSequence = 1<<sequenceBits - 1
	maxElapsed  = 1<<timestampBits - 1

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits
)

// DefaultEpoch is 2024-01-01T00:00:00Z.
var DefaultEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrInvalidNodeID = fmt.Errorf("idgen: node id must be within 0..%d", MaxNodeID)
	// ErrClockMovedBackwards is fatal for the call that observed it. No id is issued.
	ErrClockMovedBackwards = errors.New("idgen: clock moved backwards, refusing to issue id")
	ErrTimestampOverflow   = errors.New("idgen: timestamp outside the 41-bit range of the epoch")
)

// Generator is safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	node     int64
	epochMs  int64
	lastMs   int64
	sequence int64
	now      func() time.Time

	// onExhausted is called (under the lock) when a millisecond ran out of sequence numbers.
	onExhausted func()
	onIssued    func()
}

type Option func(*Generator)

func WithEpoch(epoch time.Time) Option {
	return func(g *Generator) { g.epochMs = epoch.UnixMilli() }
}

// WithClock replaces time.Now. Mostly useful in tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithHooks registers callbacks for issued ids and exhausted sequences.
func WithHooks(onIssued, onExhausted func()) Option {
	return func(g *Generator) {
		g.onIssued = onIssued
		g.onExhausted = onExhausted
	}
}

func New(nodeID int64, opts ...Option) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNodeID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNodeID, nodeID)
	}
	g := &Generator{
		node:    nodeID,
		epochMs: DefaultEpoch.UnixMilli(),
		lastMs:  -1,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Generator) NodeID() int64 { return g.node }

func (g *Generator) Epoch() time.Time { return time.UnixMilli(g.epochMs).UTC() }

// NextID returns the next id, or an error if the clock regressed or left the
// representable range.
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UnixMilli()
	if ts < g.lastMs {
		return 0, fmt.Errorf("%w: last=%d now=%d", ErrClockMovedBackwards, g.lastMs, ts)
	}

	if ts == g.lastMs {
		g.sequence = (g.sequence + 1) & MaxSequence
		if g.sequence == 0 {
			if g.onExhausted != nil {
				g.onExhausted()
			}
			ts = g.waitNextMillis(g.lastMs)
		}
	} else {
		g.sequence = 0
	}

	elapsed := ts - g.epochMs
	if elapsed < 0 || elapsed > maxElapsed {
		return 0, fmt.Errorf("%w: %d ms", ErrTimestampOverflow, elapsed)
	}
	g.lastMs = ts

	if g.onIssued != nil {
		g.onIssued()
	}
	return uint64(elapsed)<<timestampShift | uint64(g.node)<<nodeShift | uint64(g.sequence), nil
}

// waitNextMillis busy-waits until the clock passes last.
func (g *Generator) waitNextMillis(last int64) int64 {
	ts := g.now().UnixMilli()
	for ts <= last {
		ts = g.now().UnixMilli()
	}
	return ts
}

// MustNextID panics on error. Intended for tooling, not request paths.
func (g *Generator) MustNextID() uint64 {
	id, err := g.NextID()
	if err != nil {
		panic(err)
	}
	return id
}

// ExtractTimestamp returns the absolute Unix millisecond encoded in id.
func (g *Generator) ExtractTimestamp(id uint64) int64 {
	return ExtractElapsed(id) + g.epochMs
}

// ExtractTime is ExtractTimestamp as a time.Time in UTC.
func (g *Generator) ExtractTime(id uint64) time.Time {
	return time.UnixMilli(g.ExtractTimestamp(id)).UTC()
}

// ExtractElapsed returns the milliseconds since the generator epoch.
func ExtractElapsed(id uint64) int64 {
	return int64(id >> timestampShift & maxElapsed)
}

func ExtractNodeID(id uint64) int64 {
	return int64(id >> nodeShift & MaxNodeID)
}

func ExtractSequence(id uint64) int64 {
	return int64(id & MaxSequence)
}

// Parts is the decomposed form of an id.
type Parts struct {
	ID        uint64    `json:"id,string"`
	Timestamp int64     `json:"timestamp"`
	Time      time.Time `json:"time"`
	NodeID    int64     `json:"nodeId"`
	Sequence  int64     `json:"sequence"`
}

func (g *Generator) Decompose(id uint64) Parts {
	return Decompose(id, g.Epoch())
}

func Decompose(id uint64, epoch time.Time) Parts {
	ts := ExtractElapsed(id) + epoch.UnixMilli()
	return Parts{
		ID:        id,
		Timestamp: ts,
		Time:      time.UnixMilli(ts).UTC(),
		NodeID:    ExtractNodeID(id),
		Sequence:  ExtractSequence(id),
	}
}

// Compose packs the fields back into an id. Values are masked to their widths.
func Compose(elapsedMs, nodeID, sequence int64) uint64 {
	return uint64(elapsedMs&maxElapsed)<<timestampShift |
		uint64(nodeID&MaxNodeID)<<nodeShift |
		uint64(sequence&MaxSequence)
}
