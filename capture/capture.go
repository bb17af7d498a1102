// Package capture wraps gopacket/pcap packet capture behind the small
// surface System needs: a channel-based packet pump per source (§4.A),
// each carrying its own clock (file sources replay at their own pace via a
// virtual clock; live sources use wall time, §9), label and testing flag
// (§3 Source). Modeled directly on the teacher's pcap.PcapReader /
// FileReader / DeviceReader trio (pcap/reader.go), minus the TCP
// reassembly this spec has no use for.
package capture

import (
	"context"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/clock"
	"github.com/l7class/kisspp/eventbus"
	"github.com/l7class/kisspp/internal/opt"
)

// defaultSnapLen matches tcpdump's default, same as the teacher's reader.
const defaultSnapLen = 262144

// Source is one traffic source: a pcap file or a live interface, together
// with the metadata that drives its endpoints' training/testing behavior
// (§3).
type Source struct {
	ID      addr.SourceID
	Label   opt.Optional[addr.Label]
	Testing bool

	// DiagID correlates this source's log lines across its lifetime, even
	// if its address/device name is reused by a later source (mirrors the
	// teacher's gnet.TCPBidiID rationale).
	DiagID uuid.UUID

	clock   clock.Clock
	cancel  context.CancelFunc
	packets <-chan gopacket.Packet
	handle  *pcap.Handle
	closed  bool

	bus           *eventbus.Bus
	gcInterval    time.Duration
	lastGCVirtual time.Time
}

// NewFileSource opens a pcap file for offline replay. Its clock is a
// clock.Virtual advanced by each packet's own timestamp, so GC timeouts are
// measured in captured time, not wall time (§9). As its virtual clock
// advances, the source itself publishes a GCSuggestion every gcInterval of
// virtual time (§4.A), independent of gc.Collector's own wall-clock
// schedule — a fast offline replay can cross many GC intervals of virtual
// time within a single real-time tick.
func NewFileSource(id addr.SourceID, path, bpfFilter string, label opt.Optional[addr.Label], testing bool, bus *eventbus.Bus, gcInterval time.Duration) (*Source, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open pcap file %q", path)
	}
	if err := applyFilter(handle, bpfFilter); err != nil {
		return nil, err
	}
	src := newSource(id, handle, &clock.Virtual{}, label, testing)
	src.bus = bus
	src.gcInterval = gcInterval
	return src, nil
}

// NewLiveSource opens a live capture on a network interface. Its clock is
// clock.Wall (§9); gc.Collector's own periodic wall-clock schedule already
// covers it, so no additional self-triggered GCSuggestion is needed here.
func NewLiveSource(id addr.SourceID, device, bpfFilter string, label opt.Optional[addr.Label], testing bool) (*Source, error) {
	handle, err := pcap.OpenLive(device, defaultSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "open live interface %q", device)
	}
	if err := applyFilter(handle, bpfFilter); err != nil {
		return nil, err
	}
	return newSource(id, handle, clock.Wall{}, label, testing), nil
}

func applyFilter(handle *pcap.Handle, bpfFilter string) error {
	if bpfFilter == "" {
		return nil
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return errors.Wrap(err, "set BPF filter")
	}
	return nil
}

func newSource(id addr.SourceID, handle *pcap.Handle, clk clock.Clock, label opt.Optional[addr.Label], testing bool) *Source {
	ctx, cancel := context.WithCancel(context.Background())

	out := make(chan gopacket.Packet, 64)
	go func() {
		defer close(out)
		src := gopacket.NewPacketSource(handle, handle.LinkType())
		for packet := range src.Packets() {
			select {
			case <-ctx.Done():
				return
			case out <- packet:
			}
		}
	}()

	return &Source{
		ID:      id,
		Label:   label,
		Testing: testing,
		DiagID:  uuid.New(),
		clock:   clk,
		cancel:  cancel,
		packets: out,
		handle:  handle,
	}
}

// Now returns the source's clock (§9); call its Now method for the current
// reading. For a File source that reading advances only as packets are read
// via ReadBatch.
func (s *Source) Now() clock.Clock {
	return s.clock
}

// ReadBatch drains up to max already-available packets without blocking,
// advancing a Virtual clock for each one read. It returns the batch and
// whether the source is now exhausted (its packet channel closed).
func (s *Source) ReadBatch(max int) ([]gopacket.Packet, bool) {
	batch := make([]gopacket.Packet, 0, max)
	for len(batch) < max {
		select {
		case pkt, ok := <-s.packets:
			if !ok {
				return batch, true
			}
			s.advanceClock(pkt)
			batch = append(batch, pkt)
		default:
			return batch, false
		}
	}
	return batch, false
}

func (s *Source) advanceClock(pkt gopacket.Packet) {
	v, ok := s.clock.(*clock.Virtual)
	if !ok {
		return
	}
	md := pkt.Metadata()
	if md == nil || md.Timestamp.IsZero() {
		return
	}
	v.Advance(md.Timestamp)

	if s.bus == nil || s.gcInterval <= 0 {
		return
	}
	if v.Now().Sub(s.lastGCVirtual) >= s.gcInterval {
		s.lastGCVirtual = v.Now()
		s.bus.Publish(eventbus.GCSuggestion, 0, nil, nil)
	}
}

// Close stops the source's packet pump and releases its pcap handle.
func (s *Source) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	for range s.packets {
		// Drain until the pump goroutine observes ctx.Done and closes out.
	}
	s.handle.Close()
}
