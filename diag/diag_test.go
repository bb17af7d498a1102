package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test: ", LevelInfo)

	l.Debugf("should not appear")
	assert.Empty(t, buf.String())

	l.Infof("should appear: %d", 42)
	assert.True(t, strings.Contains(buf.String(), "should appear: 42"))
}

func TestLoggerErrorfAlwaysEmits(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test: ", LevelError)

	l.Verbosef("dropped")
	l.Errorf("boom")

	assert.False(t, strings.Contains(buf.String(), "dropped"))
	assert.True(t, strings.Contains(buf.String(), "boom"))
}
