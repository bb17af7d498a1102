package capture

import (
	"testing"
	"time"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/eventbus"
	"github.com/l7class/kisspp/internal/opt"
	"github.com/stretchr/testify/assert"
)

func TestNewFileSourceErrorsOnMissingFile(t *testing.T) {
	bus := eventbus.New()
	_, err := NewFileSource(1, "/nonexistent/path/does-not-exist.pcap", "", opt.None[addr.Label](), false, bus, 10*time.Second)
	assert.Error(t, err)
}
