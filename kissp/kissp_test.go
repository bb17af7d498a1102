package kissp

import (
	"testing"
	"time"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/epstore"
	"github.com/stretchr/testify/assert"
)

func makeWindow(t *testing.T, cfg config.Config, payloadByte byte, wireSize int) *epstore.Endpoint {
	t.Helper()
	tbl := epstore.New(cfg)
	ep := addr.NewEpAddr(addr.ProtoUDP, []byte{10, 0, 0, 1}, 9)
	var e *epstore.Endpoint
	for i := 0; i < cfg.C; i++ {
		payload := make([]byte, cfg.N)
		for j := range payload {
			payload[j] = payloadByte
		}
		var ready bool
		e, ready = tbl.Append(1, ep, time.Unix(int64(i), 0), payload, wireSize)
		_ = ready
	}
	return e
}

func TestFeatureCountMatchesConfig(t *testing.T) {
	cfg := config.New(config.WithWindow(12, 5, 80))
	ep := makeWindow(t, cfg, 0x00, 64)

	x := New(cfg)
	sig := x.Extract(ep, addr.ProtoUDP, addr.UnsetLabel)
	assert.Len(t, sig.Features, cfg.FeatureCount())
	assert.Equal(t, 2*cfg.N+4, len(sig.Features))

	std := config.New(config.WithWindow(12, 5, 80), config.WithStandardKISS(true))
	ep2 := makeWindow(t, std, 0x00, 64)
	sigStd := New(std).Extract(ep2, addr.ProtoUDP, addr.UnsetLabel)
	assert.Len(t, sigStd.Features, 2*std.N)
}

func TestFeaturesAreWithinUnitRange(t *testing.T) {
	cfg := config.New(config.WithWindow(12, 5, 80))
	ep := makeWindow(t, cfg, 0xAB, 1400)

	sig := New(cfg).Extract(ep, addr.ProtoTCP, addr.UnsetLabel)
	for i, v := range sig.Features {
		assert.GreaterOrEqualf(t, v, 0.0, "feature %d", i)
		assert.LessOrEqualf(t, v, 1.0, "feature %d", i)
	}
}

func TestIdenticalPacketsProduceDeterministicSignature(t *testing.T) {
	cfg := config.New(config.WithWindow(12, 5, 80))
	ep1 := makeWindow(t, cfg, 0x3C, 512)
	ep2 := makeWindow(t, cfg, 0x3C, 512)

	sig1 := New(cfg).Extract(ep1, addr.ProtoUDP, addr.UnsetLabel)
	sig2 := New(cfg).Extract(ep2, addr.ProtoUDP, addr.UnsetLabel)
	assert.Equal(t, sig1.Features, sig2.Features)
}

func TestExtractDrainsExactlyCPackets(t *testing.T) {
	cfg := config.New(config.WithWindow(12, 5, 80))
	ep := makeWindow(t, cfg, 0x00, 64)
	assert.Len(t, ep.Buffer, cfg.C)

	New(cfg).Extract(ep, addr.ProtoUDP, addr.UnsetLabel)
	assert.Len(t, ep.Buffer, 0)
}

func TestUniformNibblesYieldZeroDivergence(t *testing.T) {
	cfg := config.New(config.WithWindow(1, 5, 16))
	tbl := epstore.New(cfg)
	ep := addr.NewEpAddr(addr.ProtoUDP, []byte{10, 0, 0, 1}, 9)
	for v := 0; v < 16; v++ {
		payload := []byte{byte(v) | (byte(v) << 4)}
		tbl.Append(1, ep, time.Unix(int64(v), 0), payload, 64)
	}
	e, _ := tbl.Get(epstore.Key{Source: 1, Addr: ep})

	sig := New(cfg).Extract(e, addr.ProtoUDP, addr.UnsetLabel)
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 0.0, sig.Features[i], 1e-9)
	}
}

func TestSignatureSparseEncodingHasSentinel(t *testing.T) {
	sig := Signature{Features: []float64{0.1, 0.2}, Label: 3}
	coords := sig.Sparse()
	assert.Len(t, coords, 3)
	assert.Equal(t, Coord{Index: 1, Value: 0.1}, coords[0])
	assert.Equal(t, Coord{Index: 2, Value: 0.2}, coords[1])
	assert.Equal(t, Coord{Index: SignatureEnd, Value: 0}, coords[2])
}
