package flowtable

import (
	"net"
	"testing"
	"time"

	"github.com/l7class/kisspp/addr"
	"github.com/stretchr/testify/assert"
)

func testKey() Key {
	a := addr.NewEpAddr(addr.ProtoTCP, net.IPv4(10, 0, 0, 1), 1000)
	b := addr.NewEpAddr(addr.ProtoTCP, net.IPv4(10, 0, 0, 2), 80)
	return NewKey(1, a, b)
}

func TestCounterMonotonicallyIncreases(t *testing.T) {
	tbl := New()
	key := testKey()
	now := time.Unix(0, 0)

	var last uint32
	for i := 0; i < 10; i++ {
		c := tbl.Count(key, now)
		assert.GreaterOrEqual(t, c, last)
		last = c
	}
	assert.Equal(t, uint32(10), last)
}

func TestRegisterTCPFlagsClosesOnBothDirections(t *testing.T) {
	tbl := New()
	key := testKey()
	now := time.Unix(0, 0)
	tbl.Count(key, now)

	tbl.RegisterTCPFlags(key, false, true, false) // A side RST
	f, ok := tbl.Get(key)
	assert.True(t, ok)
	assert.False(t, f.Closed())

	tbl.RegisterTCPFlags(key, true, true, false) // B side RST
	assert.True(t, f.Closed())
}

func TestRegisterTCPFlagsLazilyCreatesFlow(t *testing.T) {
	tbl := New()
	key := testKey()
	tbl.RegisterTCPFlags(key, false, true, false)
	assert.True(t, tbl.Contains(key))
}

func TestEvictRemovesClosedFlows(t *testing.T) {
	tbl := New()
	key := testKey()
	now := time.Unix(1000, 0)
	tbl.Count(key, now)
	tbl.RegisterTCPFlags(key, false, true, false)
	tbl.RegisterTCPFlags(key, true, true, false)

	evicted := tbl.Evict(func(addr.SourceID) time.Time { return now }, 300*time.Second)
	assert.Equal(t, 1, evicted)
	assert.False(t, tbl.Contains(key))
}

func TestEvictRemovesIdleFlows(t *testing.T) {
	tbl := New()
	key := testKey()
	start := time.Unix(1000, 0)
	tbl.Count(key, start)

	tooSoon := start.Add(100 * time.Second)
	evicted := tbl.Evict(func(addr.SourceID) time.Time { return tooSoon }, 300*time.Second)
	assert.Equal(t, 0, evicted)
	assert.True(t, tbl.Contains(key))

	tooLate := start.Add(301 * time.Second)
	evicted = tbl.Evict(func(addr.SourceID) time.Time { return tooLate }, 300*time.Second)
	assert.Equal(t, 1, evicted)
	assert.False(t, tbl.Contains(key))
}
