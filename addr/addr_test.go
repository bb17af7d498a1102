package addr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEpAddrRoundTrip(t *testing.T) {
	ip := net.IPv4(10, 1, 2, 3)
	a := NewEpAddr(ProtoTCP, ip, 4040)

	assert.Equal(t, ProtoTCP, a.Proto())
	assert.True(t, ip.Equal(a.IP()))
	assert.Equal(t, uint16(4040), a.Port())
}

func TestEpAddrOrderingIsNumeric(t *testing.T) {
	lo := NewEpAddr(ProtoTCP, net.IPv4(10, 0, 0, 1), 80)
	hi := NewEpAddr(ProtoTCP, net.IPv4(10, 0, 0, 1), 443)
	assert.Less(t, uint64(lo), uint64(hi))

	// Differing protocol dominates the ordering, since it occupies the high bits.
	udpLo := NewEpAddr(ProtoUDP, net.IPv4(1, 1, 1, 1), 1)
	assert.Less(t, uint64(hi), uint64(udpLo))
}

func TestEpAddrEqualityIsExact(t *testing.T) {
	a := NewEpAddr(ProtoUDP, net.IPv4(192, 168, 1, 1), 53)
	b := NewEpAddr(ProtoUDP, net.IPv4(192, 168, 1, 1), 53)
	assert.Equal(t, a, b)

	c := NewEpAddr(ProtoUDP, net.IPv4(192, 168, 1, 1), 54)
	assert.NotEqual(t, a, c)
}
