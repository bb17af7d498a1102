package system

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/capture"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/diag"
	"github.com/l7class/kisspp/epstore"
	"github.com/l7class/kisspp/internal/opt"
)

// writePcap serializes a UDP packet per payload, one millisecond apart, to a
// temp pcap file and returns its path.
func writePcap(t *testing.T, srcIP string, srcPort uint16, dstIP string, dstPort uint16, payloads [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, payload := range payloads {
		eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.ParseIP(srcIP), DstIP: net.ParseIP(dstIP)}
		udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		require.NoError(t, w.WritePacket(ci, buf.Bytes()))
	}
	return path
}

// varyingPayload produces n distinct length-byte patterns with a near-
// uniform nibble distribution: low KISS chi-square features.
func varyingPayload(n, length int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		p := make([]byte, length)
		for j := range p {
			p[j] = byte((i*length + j) * 17)
		}
		out[i] = p
	}
	return out
}

// constantPayload repeats one fixed length-byte pattern n times: maximal
// deviation from uniform, the opposite end of the KISS feature range from
// varyingPayload.
func constantPayload(n, length int) [][]byte {
	fixed := make([]byte, length)
	for j := range fixed {
		fixed[j] = 0xAA
	}
	out := make([][]byte, n)
	for i := range out {
		out[i] = fixed
	}
	return out
}

func TestSystemTrainsAndPredictsEndToEnd(t *testing.T) {
	cfg := config.New(
		config.WithWindow(4, 5, 4),
		config.WithTrainingDelay(5*time.Millisecond),
		config.WithTimeouts(time.Minute, time.Minute, time.Minute),
	)

	label1 := addr.Label(1)
	label2 := addr.Label(2)

	path1 := writePcap(t, "10.0.0.1", 1111, "10.0.0.9", 53, varyingPayload(8, cfg.N))
	path2 := writePcap(t, "10.0.1.1", 2222, "10.0.0.9", 53, constantPayload(8, cfg.N))

	sys := New(cfg, diag.Default())

	src1, err := capture.NewFileSource(1, path1, "", opt.Some(label1), false, sys.EventBus(), sys.GCInterval())
	require.NoError(t, err)
	src2, err := capture.NewFileSource(2, path2, "", opt.Some(label2), false, sys.EventBus(), sys.GCInterval())
	require.NoError(t, err)
	sys.AddSource(src1)
	sys.AddSource(src2)
	sys.Start()

	deadline := time.Now().Add(2 * time.Second)
	for !sys.Trained() && time.Now().Before(deadline) {
		sys.Step()
		time.Sleep(time.Millisecond)
	}
	require.True(t, sys.Trained(), "classifier never trained within deadline")

	// A third, unlabeled source carrying class-2-shaped traffic should be
	// predicted as label2 once the trained model sees its window.
	pathTest := writePcap(t, "10.0.2.1", 3333, "10.0.0.9", 53, constantPayload(4, cfg.N))
	testSrc, err := capture.NewFileSource(3, pathTest, "", opt.None[addr.Label](), false, sys.EventBus(), sys.GCInterval())
	require.NoError(t, err)
	sys.AddSource(testSrc)

	testKey := epstore.Key{Source: 3, Addr: addr.NewEpAddr(addr.ProtoUDP, net.IPv4(10, 0, 2, 1), 3333)}
	var verdictLabel addr.Label
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sys.Step()
		if ep, ok := sys.eps.Get(testKey); ok && ep.VerdictLabel != addr.UnsetLabel {
			verdictLabel = ep.VerdictLabel
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, label2, verdictLabel)
	assert.GreaterOrEqual(t, sys.Stats().Classifier.Predictions, 1)
}

func TestSystemFinishedOnceSourcesCloseAndRetrainSettles(t *testing.T) {
	cfg := config.New(config.WithWindow(4, 5, 100), config.WithTrainingDelay(time.Millisecond))
	path := writePcap(t, "10.0.0.1", 1111, "10.0.0.9", 53, varyingPayload(2, cfg.N))

	sys := New(cfg, diag.Default())
	src, err := capture.NewFileSource(1, path, "", opt.None[addr.Label](), false, sys.EventBus(), sys.GCInterval())
	require.NoError(t, err)
	sys.AddSource(src)
	sys.Start()

	assert.False(t, sys.Finished())

	deadline := time.Now().Add(2 * time.Second)
	for !sys.Finished() && time.Now().Before(deadline) {
		sys.Step()
		time.Sleep(time.Millisecond)
	}
	assert.True(t, sys.Finished())
}
