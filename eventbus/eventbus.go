// Package eventbus implements the named, optionally-delayed, optionally-
// aggregated publish/subscribe mechanism of §4.H, recast per the design
// note in §9 from the original C implementation's string-keyed events and
// typed void* payloads into a tagged enumeration of event kinds with typed
// payloads and a per-kind subscriber registry. It is the orchestration
// spine A→B→D→F→G of §2.
//
// Delivery is single-threaded and cooperative (§5): Publish with no delay
// delivers synchronously, in publish order; Publish with a delay schedules
// a wall-clock timer that the owning loop fires by calling Tick. No handler
// ever runs concurrently with another.
package eventbus

import (
	"sort"
	"time"
)

// Kind tags the wire-level events listed in §6.
type Kind int

const (
	EndpointPacketsReady Kind = iota
	EndpointClassification
	EndpointVerdictChanged
	TraindataUpdated
	ClassifierModelUpdated
	GCSuggestion
	SourceClosed
	Finished

	numKinds
)

func (k Kind) String() string {
	switch k {
	case EndpointPacketsReady:
		return "endpointPacketsReady"
	case EndpointClassification:
		return "endpointClassification"
	case EndpointVerdictChanged:
		return "endpointVerdictChanged"
	case TraindataUpdated:
		return "traindataUpdated"
	case ClassifierModelUpdated:
		return "classifierModelUpdated"
	case GCSuggestion:
		return "gcSuggestion"
	case SourceClosed:
		return "sourceClosed"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Action is what a Handler returns to say whether it wants to keep
// receiving the event it was just given (§9: recast from the original
// boolean-sentinel-return convention).
type Action int

const (
	Continue Action = iota
	Unsubscribe
)

// Handler processes one delivery of an event. arg's concrete type is
// determined by the Kind it was subscribed to; see the Bus.Publish callers
// in each component for the payload type of each Kind.
type Handler func(arg any) Action

type aggState int

const (
	stateDisabled aggState = iota
	stateReady
	statePending
)

type registryEntry struct {
	pre       []Handler
	after     []Handler
	aggregate bool
	state     aggState
}

type scheduledEvent struct {
	kind    Kind
	due     time.Time
	arg     any
	release func()
}

// Bus is the event registry and delayed-delivery scheduler. The zero value
// is not usable; construct with New.
type Bus struct {
	subs      [numKinds]*registryEntry
	scheduled []*scheduledEvent
	quitting  bool
}

// New returns an empty, ready-to-use Bus.
func New() *Bus {
	b := &Bus{}
	for i := range b.subs {
		b.subs[i] = &registryEntry{}
	}
	return b
}

// Subscribe registers a pre-handler for kind. If aggregate is true, the
// kind's aggregation state becomes Ready (coalescing future bursts of
// Publish calls into one delivery), matching §4.H.
func (b *Bus) Subscribe(kind Kind, aggregate bool, h Handler) {
	e := b.subs[kind]
	e.pre = append(e.pre, h)
	b.enableAggregate(e, aggregate)
}

// SubscribeAfter registers an after-handler for kind: after-handlers run
// once every pre-handler for the same delivery has returned (§4.H).
func (b *Bus) SubscribeAfter(kind Kind, aggregate bool, h Handler) {
	e := b.subs[kind]
	e.after = append(e.after, h)
	b.enableAggregate(e, aggregate)
}

func (b *Bus) enableAggregate(e *registryEntry, aggregate bool) {
	if !aggregate {
		return
	}
	e.aggregate = true
	if e.state == stateDisabled {
		e.state = stateReady
	}
}

// Publish schedules delivery of arg on kind after delay (zero meaning
// "synchronously, right now"). If release is non-nil, it is invoked exactly
// once: either after delivery, or immediately if the publish is coalesced
// away by aggregation (own_arg semantics from §4.H).
func (b *Bus) Publish(kind Kind, delay time.Duration, arg any, release func()) {
	e := b.subs[kind]

	if e.aggregate {
		switch e.state {
		case statePending:
			if release != nil {
				release()
			}
			return
		case stateReady, stateDisabled:
			e.state = statePending
		}
	}

	if delay <= 0 {
		b.deliver(kind, arg, release)
		return
	}

	b.scheduled = append(b.scheduled, &scheduledEvent{
		kind:    kind,
		due:     time.Now().Add(delay),
		arg:     arg,
		release: release,
	})
}

func (b *Bus) deliver(kind Kind, arg any, release func()) {
	e := b.subs[kind]
	if e.aggregate && e.state == statePending {
		e.state = stateReady
	}

	e.pre = runHandlers(e.pre, arg)
	e.after = runHandlers(e.after, arg)

	if release != nil {
		release()
	}
}

func runHandlers(hs []Handler, arg any) []Handler {
	if len(hs) == 0 {
		return hs
	}
	kept := hs[:0]
	for _, h := range hs {
		if h(arg) == Continue {
			kept = append(kept, h)
		}
	}
	return kept
}

// Tick delivers every event that was already scheduled when Tick was called
// and whose due time is at or before now, in due-time order. Events that a
// handler schedules during this Tick wait for a later Tick.
func (b *Bus) Tick(now time.Time) {
	if len(b.scheduled) == 0 {
		return
	}
	sort.Slice(b.scheduled, func(i, j int) bool {
		return b.scheduled[i].due.Before(b.scheduled[j].due)
	})

	n := len(b.scheduled)
	i := 0
	for ; i < n; i++ {
		ev := b.scheduled[i]
		if ev.due.After(now) {
			break
		}
		b.deliver(ev.kind, ev.arg, ev.release)
	}
	b.scheduled = b.scheduled[i:]
}

// NextDue returns the earliest pending scheduled event's due time, if any.
// The owning loop uses this to size its next timer wait.
func (b *Bus) NextDue() (time.Time, bool) {
	if len(b.scheduled) == 0 {
		return time.Time{}, false
	}
	min := b.scheduled[0].due
	for _, ev := range b.scheduled[1:] {
		if ev.due.Before(min) {
			min = ev.due
		}
	}
	return min, true
}

// Pending reports whether any event of kind is currently scheduled
// (delayed, not yet delivered). Used by the termination check (§4 "Termination
// logic"): "no traindataUpdated event is pending".
func (b *Bus) Pending(kind Kind) bool {
	for _, ev := range b.scheduled {
		if ev.kind == kind {
			return true
		}
	}
	return false
}

// Stop marks the bus as quitting and discards all pending delayed events,
// per §5's teardown rule.
func (b *Bus) Stop() {
	b.quitting = true
	for _, ev := range b.scheduled {
		if ev.release != nil {
			ev.release()
		}
	}
	b.scheduled = nil
}

// Quitting reports whether Stop has been called.
func (b *Bus) Quitting() bool {
	return b.quitting
}
