package verdict

import (
	"testing"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/classifier"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/epstore"
	"github.com/stretchr/testify/assert"
)

func res(top addr.Label, probs map[addr.Label]float64) classifier.ClassResult {
	return classifier.ClassResult{TopLabel: top, Probabilities: probs}
}

func TestSimplePolicyTracksLatestClassification(t *testing.T) {
	cfg := config.New(config.WithVerdictPolicy(config.VerdictSimple))
	a := New(cfg)
	ep := &epstore.Endpoint{}

	a.Apply(ep, res(1, map[addr.Label]float64{1: 0.9, 2: 0.1}))
	assert.Equal(t, addr.Label(1), ep.VerdictLabel)
	assert.InDelta(t, 0.8, ep.Confidence, 1e-9)

	a.Apply(ep, res(2, map[addr.Label]float64{1: 0.2, 2: 0.8}))
	assert.Equal(t, addr.Label(2), ep.VerdictLabel)
}

func TestSimplePolicySuppressesBelowThreshold(t *testing.T) {
	cfg := config.New(config.WithVerdictPolicy(config.VerdictSimple), config.WithProbThreshold(0.5))
	a := New(cfg)
	ep := &epstore.Endpoint{}

	// margin = 0.4 - 0.35 = 0.05 (spec §8 scenario 5).
	changed := a.Apply(ep, res(1, map[addr.Label]float64{1: 0.4, 2: 0.35}))
	assert.Equal(t, addr.UnsetLabel, ep.VerdictLabel)
	assert.Equal(t, 0.0, ep.Confidence)
	assert.False(t, changed)
}

func TestSimplePolicyReportsChangeWhenSuppressingPriorVerdict(t *testing.T) {
	cfg := config.New(config.WithVerdictPolicy(config.VerdictSimple), config.WithProbThreshold(0.5))
	a := New(cfg)
	ep := &epstore.Endpoint{}

	a.Apply(ep, res(1, map[addr.Label]float64{1: 0.9, 2: 0.05}))
	assert.Equal(t, addr.Label(1), ep.VerdictLabel)

	changed := a.Apply(ep, res(1, map[addr.Label]float64{1: 0.4, 2: 0.35}))
	assert.True(t, changed)
	assert.Equal(t, addr.UnsetLabel, ep.VerdictLabel)
}

func TestBestPolicyOnlyUpdatesOnImprovedMargin(t *testing.T) {
	cfg := config.New(config.WithVerdictPolicy(config.VerdictBest))
	a := New(cfg)
	ep := &epstore.Endpoint{}

	a.Apply(ep, res(1, map[addr.Label]float64{1: 0.9, 2: 0.1}))
	assert.Equal(t, addr.Label(1), ep.VerdictLabel)
	assert.InDelta(t, 0.8, ep.Confidence, 1e-9)

	// margin = 0.6 - 0.4 = 0.2, below stored confidence 0.8: must not update.
	changed := a.Apply(ep, res(2, map[addr.Label]float64{1: 0.4, 2: 0.6}))
	assert.False(t, changed)
	assert.Equal(t, addr.Label(1), ep.VerdictLabel, "a lower-margin classification must not regress the verdict")

	// margin = 0.95 - 0.05 = 0.9, above stored confidence 0.8: must update.
	changed = a.Apply(ep, res(2, map[addr.Label]float64{1: 0.05, 2: 0.95}))
	assert.True(t, changed)
	assert.Equal(t, addr.Label(2), ep.VerdictLabel)
}

func TestEWMAPolicyMatchesScenarioSix(t *testing.T) {
	cfg := config.New(config.WithVerdictPolicy(config.VerdictEWMA), config.WithEWMALength(5))
	a := New(cfg)
	ep := &epstore.Endpoint{}

	a.Apply(ep, res(1, map[addr.Label]float64{1: 0.9, 2: 0.1}))
	assert.Equal(t, addr.Label(1), ep.VerdictLabel)
	smoothed, ok := ep.EWMA.Get()
	assert.True(t, ok)
	assert.InDelta(t, 0.9, smoothed[1], 1e-9)
	assert.InDelta(t, 0.1, smoothed[2], 1e-9)

	changed := a.Apply(ep, res(2, map[addr.Label]float64{1: 0.2, 2: 0.8}))
	smoothed, _ = ep.EWMA.Get()
	// (L-1)/L = 0.8, 1/L = 0.2: 0.8*0.9 + 0.2*0.2 = 0.76; 0.8*0.1 + 0.2*0.8 = 0.24
	assert.InDelta(t, 0.76, smoothed[1], 1e-9)
	assert.InDelta(t, 0.24, smoothed[2], 1e-9)
	// top-1 is still label 1 (0.76 vs 0.24): stored verdict must not change.
	assert.Equal(t, addr.Label(1), ep.VerdictLabel)
	assert.False(t, changed)
}
