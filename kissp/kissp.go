// Package kissp implements the KISS+ signature feature extractor of §4.E:
// turning one C-packet endpoint window into a fixed-dimension feature
// vector (nibble-frequency chi-square features, optionally extended with
// size/delay/jitter/protocol features).
package kissp

import (
	"math"
	"time"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/epstore"
)

// SignatureEnd is the sentinel coordinate index terminating the sparse
// wire-level encoding of a signature (§3, §6).
const SignatureEnd = -1

// Coord is one (index, value) pair of a signature's sparse encoding:
// 1-based positive indices, terminated by (SignatureEnd, 0).
type Coord struct {
	Index int
	Value float64
}

// Signature is the feature vector produced from one window (§3). Features
// is dense: Features[i] is feature i+1. Label is nonzero iff this is a
// training sample.
type Signature struct {
	Features []float64
	Label    addr.Label
}

// Sparse returns s in the wire-level coordinate encoding used for
// persistence and cross-checking (§3, §6).
func (s Signature) Sparse() []Coord {
	out := make([]Coord, 0, len(s.Features)+1)
	for i, v := range s.Features {
		out = append(out, Coord{Index: i + 1, Value: v})
	}
	out = append(out, Coord{Index: SignatureEnd, Value: 0})
	return out
}

// Extractor computes signatures according to a fixed configuration.
type Extractor struct {
	cfg config.Config
}

// New returns an Extractor using cfg's N, C and StandardKISS settings.
func New(cfg config.Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract drains ep's window (exactly the first C packets, per
// Endpoint.DrainWindow) and returns its signature. proto is the endpoint's
// protocol (used by the proto_code extension feature); label is the
// signature's training label, or addr.UnsetLabel for a prediction sample
// (§4.E: "inherits the source's label... unless the source is flagged for
// testing").
func (x *Extractor) Extract(ep *epstore.Endpoint, proto addr.Proto, label addr.Label) Signature {
	window := ep.DrainWindow(x.cfg.C)

	features := make([]float64, 0, x.cfg.FeatureCount())
	features = append(features, kissNibbleFeatures(window, x.cfg.N)...)
	if !x.cfg.StandardKISS {
		features = append(features, extensionFeatures(window, proto)...)
	}

	return Signature{Features: features, Label: label}
}

// kissNibbleFeatures computes the 2N KISS chi-square-style divergence
// features (§4.E point 1): one per nibble position, measuring how far the
// observed nibble-value distribution across the window strays from
// uniform, normalized to [0, 1].
func kissNibbleFeatures(window []epstore.PacketRecord, n int) []float64 {
	groups := 2 * n
	counts := make([][16]int, groups)

	for _, pkt := range window {
		for i := 0; i < n; i++ {
			counts[2*i][pkt.Payload[i]&0x0f]++
			counts[2*i+1][pkt.Payload[i]>>4]++
		}
	}

	c := float64(len(window))
	e := c / 16.0
	max := (math.Pow(e-c, 2) + 15*math.Pow(e, 2)) / e

	features := make([]float64, groups)
	for g := 0; g < groups; g++ {
		var sum float64
		for v := 0; v < 16; v++ {
			sum += math.Pow(e-float64(counts[g][v]), 2)
		}
		features[g] = (sum / e) / max
	}
	return features
}

// extensionFeatures computes the 4 KISS+ features (§4.E point 2): average
// packet size, average inter-arrival delay and jitter (both with outlier
// filtering), and a cheap protocol hint. The delay/jitter computation keeps
// the original implementation's running-index-starts-at-1 bootstrap (§9
// design note (b)).
func extensionFeatures(window []epstore.PacketRecord, proto addr.Proto) []float64 {
	var avgSize, A, S float64
	delays := make([]float64, 0, len(window))
	var prevTs time.Time

	for i, pkt := range window {
		avgSize += (float64(pkt.WireSize) - avgSize) / float64(i+1)

		if i > 0 {
			x := float64(pkt.Ts.Sub(prevTs).Milliseconds())
			n := float64(i)
			newA := A + (x-A)/n
			S += (x - A) * (x - newA)
			A = newA
			delays = append(delays, x)
		}
		prevTs = pkt.Ts
	}

	avgDelay, avgJitter := filterAndAverageDelays(delays, A, S, len(window))

	return []float64{
		normalizeClamp(avgSize, 1500),
		normalizeClamp(avgDelay, 1000),
		normalizeClamp(avgJitter, 1000),
		protoCode(proto),
	}
}

// filterAndAverageDelays drops delays beyond A + 1.645*stddev (roughly the
// top 5% of the modeled delay distribution) and returns the running mean
// delay and jitter over what remains (§4.E). The scan starts at the second
// delay, so the first delay never enters either average.
func filterAndAverageDelays(delays []float64, A, S float64, totalPackets int) (avgDelay, avgJitter float64) {
	if len(delays) == 0 {
		return 0, 0
	}
	stddev := math.Sqrt(S / float64(totalPackets))
	limit := A + 1.645*stddev

	i, j := 1, 1
	var xp float64
	for _, x := range delays[1:] {
		if x > limit {
			continue
		}
		if i > 1 {
			if xp > x {
				avgJitter += (xp - x - avgJitter) / float64(j)
			} else {
				avgJitter += (x - xp - avgJitter) / float64(j)
			}
			j++
		}
		avgDelay += (x - avgDelay) / float64(i)
		i++
		xp = x
	}
	return avgDelay, avgJitter
}

func normalizeClamp(v, scale float64) float64 {
	if v > scale {
		return 1.0
	}
	return v / scale
}

// protoCode encodes a cheap protocol hint as a value in [0, 1] (§4.E
// "proto_code"), following original_source/libspi/datastructures.h's own
// SPI_PROTO_TCP=1, SPI_PROTO_UDP=2 divided by 2.0 (giving {0.5, 1.0}).
// addr.Proto carries the raw IP protocol numbers instead (6, 17), so this
// re-derives the original's small ordinal rather than dividing those
// directly, which would land outside [0,1] and violate §8 invariant 6.
func protoCode(proto addr.Proto) float64 {
	ordinal := 1.0
	if proto == addr.ProtoUDP {
		ordinal = 2.0
	}
	return ordinal / 2.0
}
