// Package flowtable implements the per-(source, proto, sorted-endpoint-pair)
// flow accounting of §4.C: TCP/UDP packet counters, RST/FIN bitmaps, and
// idle/closed-state eviction. It mirrors the teacher's habit of keeping
// storage as a flat map keyed by a small comparable struct (cf. the arena
// model in the design notes, §9) rather than a graph of pointers.
package flowtable

import (
	"time"

	"github.com/l7class/kisspp/addr"
)

// Key identifies a flow: a source, its protocol, and the two endpoint
// addresses in sorted order (§3 Flow: "(source_id, proto, min(ep_a, ep_b),
// max(ep_a, ep_b))"). Proto is carried for readability even though it is
// already packed into A and B, since both always agree.
type Key struct {
	Source addr.SourceID
	Proto  addr.Proto
	A, B   addr.EpAddr
}

// NewKey builds a Key from one packet's unordered endpoint pair.
func NewKey(source addr.SourceID, a, b addr.EpAddr) Key {
	if a > b {
		a, b = b, a
	}
	return Key{Source: source, Proto: a.Proto(), A: a, B: b}
}

// Flow is one TCP or UDP conversation's accounting record (§3).
type Flow struct {
	Last     time.Time
	Counter  uint32
	RST      uint8 // bit 1 set if the A side sent RST, bit 2 if the B side did
	FIN      uint8 // same bitmap for FIN
	FinCount uint32
}

// Closed reports whether RST or FIN has been observed in both directions
// (§3: "value 3" on either bitmap).
func (f *Flow) Closed() bool {
	return f.RST == 3 || f.FIN == 3
}

// Table is the flow store for one System. The zero value is not usable;
// construct with New.
type Table struct {
	flows map[Key]*Flow
}

// New returns an empty Table.
func New() *Table {
	return &Table{flows: make(map[Key]*Flow)}
}

func (t *Table) getOrCreate(key Key) *Flow {
	f := t.flows[key]
	if f == nil {
		f = &Flow{}
		t.flows[key] = f
	}
	return f
}

// Count lazily creates the flow, updates its last-seen timestamp, and
// returns the post-increment packet counter (§4.C). The counter never
// decreases across calls with the same key (§8 invariant 2).
func (t *Table) Count(key Key, ts time.Time) uint32 {
	f := t.getOrCreate(key)
	f.Last = ts
	f.Counter++
	return f.Counter
}

// RegisterTCPFlags updates the RST/FIN bitmap for key, based on which side
// of the pair sent this packet (srcGreaterThanDst: the packet's source
// address sorts after its destination, i.e. it is the key's "B" side).
// Unlike §4.C's literal "no-op if flow absent" wording, this lazily creates
// the flow exactly like Count does, so flags on a key not yet in the table
// are recorded rather than ignored — see DESIGN.md for this resolution.
// Demuxer.Demux calls Count before this, so on that path the flow already
// exists.
func (t *Table) RegisterTCPFlags(key Key, srcGreaterThanDst bool, rst, fin bool) {
	f := t.getOrCreate(key)
	bit := uint8(1)
	if srcGreaterThanDst {
		bit = 2
	}
	if rst {
		f.RST |= bit
	}
	if fin {
		f.FIN |= bit
		f.FinCount++
	}
}

// Get returns the flow for key, if present.
func (t *Table) Get(key Key) (*Flow, bool) {
	f, ok := t.flows[key]
	return f, ok
}

// Contains reports whether key currently has a tracked flow.
func (t *Table) Contains(key Key) bool {
	_, ok := t.flows[key]
	return ok
}

// Len returns the number of tracked flows.
func (t *Table) Len() int {
	return len(t.flows)
}

// Evict removes every flow that is closed (§3) or idle past timeout,
// measured against nowFor(flow's source) — each source can carry a
// different clock (§9 "mixed wall-clock / virtual-clock"). It returns the
// number of entries removed.
func (t *Table) Evict(nowFor func(addr.SourceID) time.Time, timeout time.Duration) int {
	evicted := 0
	for k, f := range t.flows {
		now := nowFor(k.Source)
		if f.Closed() || f.Last.Add(timeout).Before(now) {
			delete(t.flows, k)
			evicted++
		}
	}
	return evicted
}
