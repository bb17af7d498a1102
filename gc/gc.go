// Package gc implements the flow/endpoint table garbage collector of §4.D:
// eviction driven by per-source clocks (file sources advance a virtual
// clock off packet timestamps; live sources use wall time), run on a
// periodic interval, in response to a GCSuggestion event, and whenever the
// classifier's model changes (so endpoints that have been waiting on a
// stale model get reconsidered promptly).
package gc

import (
	"time"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/epstore"
	"github.com/l7class/kisspp/eventbus"
	"github.com/l7class/kisspp/flowtable"
)

// Stats tracks cumulative eviction counts for the operator-facing --stats
// report (§12).
type Stats struct {
	FlowsEvicted     int
	EndpointsEvicted int
	Runs             int
}

// ClockFor resolves the current time for a given source, so File sources
// (virtual clock) and Live sources (wall clock) can be garbage-collected
// against the same timeout values (§9 "mixed wall-clock / virtual-clock").
type ClockFor func(addr.SourceID) time.Time

// Collector periodically evicts closed/idle flows and idle, unlocked
// endpoints (§4.D). Construct with New, then call Start once the owning
// System begins its event loop.
type Collector struct {
	cfg    config.Config
	bus    *eventbus.Bus
	flows  *flowtable.Table
	eps    *epstore.Table
	clocks ClockFor

	onEndpointEvicted func(*epstore.Endpoint)

	stats Stats
}

// New returns a Collector wired to bus. onEndpointEvicted, if non-nil, is
// invoked for every endpoint removed — e.g. to record a testing source's
// confusion-matrix contribution (§4.D, §12) before the entry is gone.
func New(cfg config.Config, bus *eventbus.Bus, flows *flowtable.Table, eps *epstore.Table, clocks ClockFor, onEndpointEvicted func(*epstore.Endpoint)) *Collector {
	c := &Collector{
		cfg:               cfg,
		bus:               bus,
		flows:             flows,
		eps:               eps,
		clocks:            clocks,
		onEndpointEvicted: onEndpointEvicted,
	}
	bus.Subscribe(eventbus.GCSuggestion, true, c.onSuggestion)
	bus.Subscribe(eventbus.ClassifierModelUpdated, true, c.onModelUpdated)
	return c
}

// Start schedules the first periodic run, cfg.GCInterval from now (§4.D
// "triggered periodically").
func (c *Collector) Start() {
	c.scheduleNext()
}

// onSuggestion fires for both periodic ticks and externally-published
// suggestions; either way it runs eviction and reschedules the next
// periodic tick, so an external suggestion also resets the periodic
// cadence rather than competing with it.
func (c *Collector) onSuggestion(any) eventbus.Action {
	c.RunNow()
	c.scheduleNext()
	return eventbus.Continue
}

func (c *Collector) onModelUpdated(any) eventbus.Action {
	c.RunNow()
	return eventbus.Continue
}

func (c *Collector) scheduleNext() {
	c.bus.Publish(eventbus.GCSuggestion, c.cfg.GCInterval, nil, nil)
}

// RunNow evicts every closed/idle flow and every idle, unlocked endpoint
// immediately, against each entry's source clock.
func (c *Collector) RunNow() {
	c.stats.Runs++
	c.stats.FlowsEvicted += c.flows.Evict(func(s addr.SourceID) time.Time { return c.clocks(s) }, c.cfg.FlowTimeout)
	c.stats.EndpointsEvicted += c.eps.Evict(func(s addr.SourceID) time.Time { return c.clocks(s) }, c.cfg.EPTimeout, c.onEndpointEvicted)
}

// Stats returns a snapshot of the collector's cumulative counters.
func (c *Collector) Stats() Stats {
	return c.stats
}
