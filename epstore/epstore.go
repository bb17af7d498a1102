// Package epstore implements the per-(source, endpoint-address) record of
// §4.D: an ordered packet-window buffer, the GC-lock counter that keeps a
// window stable while it is being consumed, and the endpoint's verdict
// state. Like flowtable, storage is a flat map keyed by a small comparable
// struct (§9 arena model) rather than a graph of owning pointers.
package epstore

import (
	"time"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/internal/opt"
)

// PacketRecord is one accepted packet's contribution to an endpoint's
// window (§3): exactly N payload bytes, the packet's wire length, and its
// timestamp.
type PacketRecord struct {
	Payload  []byte
	WireSize int
	Ts       time.Time
}

// Endpoint is the per-(source, ep_addr) record described in §3. Append does
// not cap Buffer: it stays at or below the configured C only as long as each
// ready window is consumed through DrainWindow, which a FeatureExtractor uses
// to take exactly one window.
type Endpoint struct {
	Source addr.SourceID
	Addr   addr.EpAddr

	Last   time.Time
	Buffer []PacketRecord

	GCLock int

	VerdictLabel   addr.Label
	Confidence     float64
	VerdictChanges int
	Predictions    int

	// EWMA holds the per-label smoothed probability distribution used by
	// the EWMA verdict policy (§4.G); absent until the endpoint's first
	// classification under that policy.
	EWMA opt.Optional[map[addr.Label]float64]
}

// DrainWindow removes and returns up to n packets from the front of the
// endpoint's buffer (§4.E: "consumes exactly the first C packets... shifting
// them off"). The returned slice is independent of any future buffer growth.
func (e *Endpoint) DrainWindow(n int) []PacketRecord {
	if n > len(e.Buffer) {
		n = len(e.Buffer)
	}
	window := make([]PacketRecord, n)
	copy(window, e.Buffer[:n])
	e.Buffer = append([]PacketRecord(nil), e.Buffer[n:]...)
	return window
}

// Key identifies an endpoint: the source that observed it, plus its packed
// address (§3: "(source_id, ep_addr)").
type Key struct {
	Source addr.SourceID
	Addr   addr.EpAddr
}

// Table is the endpoint store for one System. Construct with New.
type Table struct {
	cfg config.Config
	eps map[Key]*Endpoint
}

// New returns an empty Table sized to cfg's window parameters.
func New(cfg config.Config) *Table {
	return &Table{cfg: cfg, eps: make(map[Key]*Endpoint)}
}

// Append records one packet's payload for the endpoint at (source, ep),
// creating the entry lazily. It returns the endpoint and true if the
// buffer has just reached C packets while unlocked — the caller is then
// responsible for publishing endpointPacketsReady and has implicitly taken
// the lock (§4.D: "atomically increments the lock to 1").
func (t *Table) Append(source addr.SourceID, ep addr.EpAddr, ts time.Time, payload []byte, wireSize int) (*Endpoint, bool) {
	key := Key{Source: source, Addr: ep}
	e := t.eps[key]
	if e == nil {
		e = &Endpoint{Source: source, Addr: ep}
		t.eps[key] = e
	}

	buf := make([]byte, t.cfg.N)
	copy(buf, payload)
	e.Buffer = append(e.Buffer, PacketRecord{Payload: buf, WireSize: wireSize, Ts: ts})
	e.Last = ts

	if len(e.Buffer) >= t.cfg.C && e.GCLock == 0 {
		e.GCLock = 1
		return e, true
	}
	return e, false
}

// Release decrements the GC-lock counter after a downstream consumer
// (feature extraction, then the verdict round-trip) finishes with the
// endpoint (§4.D, §4.G, §5 "GC lock").
func (t *Table) Release(e *Endpoint) {
	if e.GCLock > 0 {
		e.GCLock--
	}
}

// Get returns the endpoint at key, if present.
func (t *Table) Get(key Key) (*Endpoint, bool) {
	e, ok := t.eps[key]
	return e, ok
}

// Len returns the number of tracked endpoints.
func (t *Table) Len() int {
	return len(t.eps)
}

// Evict removes every unlocked endpoint idle past timeout, measured
// against nowFor(endpoint's source) (§4.D, §8 invariant 4). Before an
// entry is removed, onEvict (if non-nil) is invoked while it is still
// present, so a caller can finalize per-endpoint bookkeeping — e.g. a
// testing source's confusion-matrix contribution (§4.D, §12).
func (t *Table) Evict(nowFor func(addr.SourceID) time.Time, timeout time.Duration, onEvict func(*Endpoint)) int {
	evicted := 0
	for k, e := range t.eps {
		if e.GCLock > 0 {
			continue
		}
		now := nowFor(k.Source)
		if e.Last.Add(timeout).Before(now) {
			if onEvict != nil {
				onEvict(e)
			}
			delete(t.eps, k)
			evicted++
		}
	}
	return evicted
}
