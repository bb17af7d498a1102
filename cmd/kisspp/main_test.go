package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l7class/kisspp/addr"
)

func TestParseLabeledTokenSplitsProtoAndSpec(t *testing.T) {
	s, err := parseLabeledToken("2:eth0 tcp port 80", false)
	require.NoError(t, err)
	assert.Equal(t, "eth0", s.location)
	assert.Equal(t, "tcp port 80", s.bpfFilter)
	label, ok := s.label.Get()
	require.True(t, ok)
	assert.Equal(t, addr.Label(2), label)
	assert.False(t, s.testing)
}

func TestParseLabeledTokenRejectsMissingColon(t *testing.T) {
	_, err := parseLabeledToken("no-colon-here", false)
	assert.Error(t, err)
}

func TestParseLabeledTokenRejectsNonNumericLabel(t *testing.T) {
	_, err := parseLabeledToken("http:eth0", false)
	assert.Error(t, err)
}

func TestCollectSpecsMergesAllSources(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "learn.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("# comment\n3 capture.pcap\n"), 0o644))

	specs, err := collectSpecs(
		repeatableFlag{"1:train.pcap"},
		dbPath,
		repeatableFlag{"2:test.pcap"},
		"",
		[]string{"eth0"},
	)
	require.NoError(t, err)
	require.Len(t, specs, 4)

	assert.True(t, specs.hasTrainingInput())
}

func TestSourceSpecsHasTrainingInputFalseWhenOnlyTesting(t *testing.T) {
	specs, err := collectSpecs(nil, "", repeatableFlag{"1:test.pcap"}, "", nil)
	require.NoError(t, err)
	assert.False(t, specs.hasTrainingInput())
}

func TestSplitSpecSeparatesLocationAndFilter(t *testing.T) {
	location, filter := splitSpec("eth0 tcp port 80")
	assert.Equal(t, "eth0", location)
	assert.Equal(t, "tcp port 80", filter)

	location, filter = splitSpec("capture.pcap")
	assert.Equal(t, "capture.pcap", location)
	assert.Equal(t, "", filter)
}

func TestRunExitsUsageWithNoSources(t *testing.T) {
	assert.Equal(t, exitUsage, run([]string{}))
}

func TestRunExitsNoSignaturesWithOnlyUnlabeledSource(t *testing.T) {
	assert.Equal(t, exitNoSignatures, run([]string{"/nonexistent/device-that-does-not-exist"}))
}
