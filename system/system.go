// Package system wires capture, flow/endpoint accounting, feature
// extraction, classification, verdict smoothing and garbage collection
// into the single orchestrator described in §2: the A->B->D->F->G
// pipeline, driven by the eventbus of §4.H. This is the kisspp analogue of
// the teacher's top-level pcap.PcapReader loop (pcap/pcap.go), generalized
// from "decode and hand off to gnet" into "decode, classify, verdict, GC".
package system

import (
	"time"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/capture"
	"github.com/l7class/kisspp/classifier"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/diag"
	"github.com/l7class/kisspp/epstore"
	"github.com/l7class/kisspp/eventbus"
	"github.com/l7class/kisspp/flowtable"
	"github.com/l7class/kisspp/gc"
	"github.com/l7class/kisspp/kissp"
	"github.com/l7class/kisspp/verdict"
)

// batchSize bounds how many already-available packets Step drains from a
// single source per call, so one very full source can't starve the others.
const batchSize = 256

// System is the top-level orchestrator. Build one with New, register
// sources with AddSource, call Start once, then drive it with repeated
// Step calls until Finished reports true.
type System struct {
	cfg config.Config
	bus *eventbus.Bus
	log *diag.Logger

	flows *flowtable.Table
	eps   *epstore.Table
	demux *capture.Demuxer

	extractor *kissp.Extractor
	model     *classifier.Classifier
	verdicts  *verdict.Aggregator
	gcol      *gc.Collector
	confusion *classifier.ConfusionMatrix

	sources map[addr.SourceID]*capture.Source
	active  map[addr.SourceID]bool

	verdictHook func(addr.SourceID, *epstore.Endpoint)
}

// New builds a System from cfg, wiring every component's eventbus
// subscriptions (§2). log receives debug/verbose diagnostics; pass
// diag.Default() if the caller has no preference.
func New(cfg config.Config, log *diag.Logger) *System {
	bus := eventbus.New()
	s := &System{
		cfg:       cfg,
		bus:       bus,
		log:       log,
		flows:     flowtable.New(),
		eps:       epstore.New(cfg),
		extractor: kissp.New(cfg),
		model:     classifier.New(cfg, bus),
		verdicts:  verdict.New(cfg),
		confusion: classifier.NewConfusionMatrix(),
		sources:   make(map[addr.SourceID]*capture.Source),
		active:    make(map[addr.SourceID]bool),
	}
	s.demux = capture.NewDemuxer(cfg.N, cfg.P, s.flows, s.eps, bus)
	s.gcol = gc.New(cfg, bus, s.flows, s.eps, s.clockFor, s.onEndpointEvicted)

	bus.Subscribe(eventbus.EndpointPacketsReady, false, s.onEndpointReady)
	return s
}

// AddSource registers src with the System; its packets are demuxed from the
// next Step call onward.
func (s *System) AddSource(src *capture.Source) {
	s.sources[src.ID] = src
	s.active[src.ID] = true
}

// Start begins garbage collection's periodic schedule (§4.D). Call once,
// before the first Step.
func (s *System) Start() {
	s.gcol.Start()
}

// SetVerdictHook installs fn to be called whenever an endpoint's verdict
// label changes (§6 "--print-probs"). fn may be nil to disable.
func (s *System) SetVerdictHook(fn func(addr.SourceID, *epstore.Endpoint)) {
	s.verdictHook = fn
}

// EventBus returns the System's event bus, so a driver can wire a
// capture.Source to it before calling AddSource (§4.A "close() ... emits a
// GC suggestion"; File sources also self-trigger GCSuggestion on virtual
// time, §9).
func (s *System) EventBus() *eventbus.Bus {
	return s.bus
}

// GCInterval returns the GC interval a driver should pass when opening a
// File source (§4.A).
func (s *System) GCInterval() time.Duration {
	return s.cfg.GCInterval
}

// EnqueueTrainingSample feeds sig directly into the classifier's training
// set, bypassing capture — used to seed a run from a previously-persisted
// signature database (§6 "--signdb").
func (s *System) EnqueueTrainingSample(sig kissp.Signature) {
	s.model.EnqueueSample(sig)
}

// EnqueueDeferredTrainingSample stages sig without committing it to the
// active training set (§4.F "enqueue_deferred") — used while loading a
// signature database, mirroring the original's sample-file read which
// populates the staging queue and leaves the caller to commit it.
func (s *System) EnqueueDeferredTrainingSample(sig kissp.Signature) {
	s.model.EnqueueDeferred(sig)
}

// CommitTrainingSamples moves every staged signature into the active
// training set and schedules a retrain (§4.F "commit()").
func (s *System) CommitTrainingSamples() {
	s.model.Commit()
}

// TrainingSamples returns a copy of every signature the classifier has
// accumulated so far, for persisting back to a signature database on exit
// (§6 "--signdb").
func (s *System) TrainingSamples() []kissp.Signature {
	return s.model.Samples()
}

// clockFor resolves a source's current clock reading, used by gc.Collector
// (§9 "mixed wall-clock / virtual-clock").
func (s *System) clockFor(id addr.SourceID) time.Time {
	src, ok := s.sources[id]
	if !ok {
		return time.Time{}
	}
	return src.Now().Now()
}

// Step drains one batch of already-available packets from every active
// source, demuxes them (§4.A-C), and fires any eventbus timers now due
// (debounced retrains, §4.F; periodic GC, §4.D). A source that runs out of
// packets is closed and marked inactive.
func (s *System) Step() {
	now := time.Now()
	for id, active := range s.active {
		if !active {
			continue
		}
		src := s.sources[id]
		batch, exhausted := src.ReadBatch(batchSize)
		for _, pkt := range batch {
			frame, ok := capture.ParseFrame(pkt)
			if !ok {
				continue
			}
			s.demux.Demux(id, frame)
		}
		if exhausted {
			s.closeSource(id)
		}
	}
	s.bus.Tick(now)
}

func (s *System) closeSource(id addr.SourceID) {
	if !s.active[id] {
		return
	}
	s.active[id] = false
	s.sources[id].Close()
	// close() publishes both a sourceClosed event and a GC suggestion (§4.A)
	// — the closing source's own flows/endpoints are now eligible for
	// eviction without waiting for the next periodic sweep.
	s.bus.Publish(eventbus.SourceClosed, 0, id, nil)
	s.bus.Publish(eventbus.GCSuggestion, 0, nil, nil)
	s.log.Debugf("source %s closed", id)
}

// onEndpointReady runs the feature-extraction/classification/verdict leg of
// the pipeline once an endpoint's window fills (§4.D-G). A training source
// (labeled, not flagged testing) enqueues the sample and releases the GC
// lock immediately; everything else — unlabeled sources and testing
// sources, which carry a label only for confusion-matrix scoring — goes
// through Predict and the verdict aggregator, holding the lock across that
// round trip so the window can't be evicted mid-flight (§4.D "GC lock").
func (s *System) onEndpointReady(arg any) eventbus.Action {
	ready := arg.(capture.EndpointReady)
	src, ok := s.sources[ready.Source]
	if !ok {
		return eventbus.Continue
	}
	ep, ok := s.eps.Get(epstore.Key{Source: ready.Source, Addr: ready.Addr})
	if !ok {
		return eventbus.Continue
	}
	proto := ready.Addr.Proto()

	if label, isSome := src.Label.Get(); isSome && !src.Testing {
		sig := s.extractor.Extract(ep, proto, label)
		s.model.EnqueueSample(sig)
		s.eps.Release(ep)
		return eventbus.Continue
	}

	sig := s.extractor.Extract(ep, proto, addr.UnsetLabel)
	res, err := s.model.Predict(sig)
	if err != nil {
		s.log.Debugf("predict skipped for %s: %v", ready.Addr, err)
		s.eps.Release(ep)
		return eventbus.Continue
	}

	if s.verdicts.Apply(ep, res) {
		s.bus.Publish(eventbus.EndpointVerdictChanged, 0, ready, nil)
		if s.verdictHook != nil {
			s.verdictHook(ready.Source, ep)
		}
	}
	s.eps.Release(ep)
	return eventbus.Continue
}

// onEndpointEvicted finalizes a testing source's confusion-matrix
// contribution just before its endpoint entry disappears (§4.D, §12):
// record the source's ground-truth label against whatever verdict the
// endpoint last settled on.
func (s *System) onEndpointEvicted(ep *epstore.Endpoint) {
	src, ok := s.sources[ep.Source]
	if !ok || !src.Testing {
		return
	}
	if actual, isSome := src.Label.Get(); isSome {
		s.confusion.Record(actual, ep.VerdictLabel)
	}
}

// Finished reports whether the System has nothing left to do (§4
// "Termination logic"): every source closed, no debounced retrain still
// pending, and the deferred training-queue empty. Garbage collection's
// own periodic rescheduling is deliberately not part of this check — it
// runs forever by design and would otherwise keep Finished permanently
// false.
func (s *System) Finished() bool {
	for _, active := range s.active {
		if active {
			return false
		}
	}
	return !s.model.PendingRetrain() && !s.model.PendingDeferred()
}

// Trained reports whether the classifier has completed at least one
// retrain.
func (s *System) Trained() bool {
	return s.model.Trained()
}

// Stop tears down the event bus, discarding any still-scheduled delayed
// events, and publishes Finished (§5, §6).
func (s *System) Stop() {
	s.bus.Publish(eventbus.Finished, 0, nil, nil)
	s.bus.Stop()
}

// Confusion returns the accumulated testing-source confusion matrix
// (§12).
func (s *System) Confusion() *classifier.ConfusionMatrix {
	return s.confusion
}

// Stats bundles every component's operator-facing counters for the CLI's
// --stats output (§12).
type Stats struct {
	Classifier classifier.Stats
	GC         gc.Stats
	Endpoints  int
	Flows      int
}

// Stats returns a snapshot of every component's activity counters.
func (s *System) Stats() Stats {
	return Stats{
		Classifier: s.model.Stats(),
		GC:         s.gcol.Stats(),
		Endpoints:  s.eps.Len(),
		Flows:      s.flows.Len(),
	}
}
