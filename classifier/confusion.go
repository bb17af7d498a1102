package classifier

import (
	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/internal/xset"
)

// ConfusionMatrix accumulates (actual, predicted) label pairs for endpoints
// belonging to testing sources (§3 Source "testing flag", §4.D eviction
// note, §12). It is read by an operator-facing driver; the core only
// writes to it.
type ConfusionMatrix struct {
	counts map[[2]addr.Label]int
}

// NewConfusionMatrix returns an empty matrix.
func NewConfusionMatrix() *ConfusionMatrix {
	return &ConfusionMatrix{counts: make(map[[2]addr.Label]int)}
}

// Record adds one observation: a testing endpoint whose source carried
// label `actual` was ultimately verdicted `predicted`.
func (m *ConfusionMatrix) Record(actual, predicted addr.Label) {
	m.counts[[2]addr.Label{actual, predicted}]++
}

// Count returns how many times predicted was recorded against actual.
func (m *ConfusionMatrix) Count(actual, predicted addr.Label) int {
	return m.counts[[2]addr.Label{actual, predicted}]
}

// Total returns the number of observations recorded.
func (m *ConfusionMatrix) Total() int {
	total := 0
	for _, n := range m.counts {
		total += n
	}
	return total
}

// Labels returns every label that has appeared as either an actual or a
// predicted value, sorted ascending — the row/column order a reporting
// driver should use (§12).
func (m *ConfusionMatrix) Labels() []addr.Label {
	seen := xset.New[addr.Label]()
	for pair := range m.counts {
		seen.Insert(pair[0], pair[1])
	}
	return xset.SortedSlice(seen)
}
