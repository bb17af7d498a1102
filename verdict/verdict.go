// Package verdict implements the three smoothing policies of §4.G that
// turn a stream of per-window classifications into a stable per-endpoint
// verdict. The confidence metric throughout is the margin between the top
// two class probabilities, dist(p) = top1(p) - top2(p):
//
//   - Simple: always take the latest classification outright.
//   - Best (monotone improvement): update only when the new margin beats
//     the endpoint's currently stored confidence; otherwise retain.
//   - EWMA (length L): maintain a per-label smoothed probability
//     s_k <- (L-1)/L * s_k + 1/L * p_k, and update the stored verdict only
//     when the smoothed distribution's margin beats the stored confidence.
//
// All three then apply the same confidence-margin threshold, which forces
// a sub-threshold result to label 0 ("unknown").
package verdict

import (
	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/classifier"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/epstore"
	"github.com/l7class/kisspp/internal/opt"
)

// Aggregator applies one VerdictPolicy, per a fixed Config, to successive
// classifications of an endpoint.
type Aggregator struct {
	cfg config.Config
}

// New returns an Aggregator using cfg's VerdictPolicy, EWMALength and
// ProbThreshold.
func New(cfg config.Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Apply folds one classification result into ep's verdict state (§4.G) and
// returns true if the endpoint's VerdictLabel changed as a result —
// callers use this to decide whether to publish EndpointVerdictChanged.
func (a *Aggregator) Apply(ep *epstore.Endpoint, res classifier.ClassResult) bool {
	ep.Predictions++
	previous := ep.VerdictLabel

	switch a.cfg.VerdictPolicy {
	case config.VerdictBest:
		a.applyBest(ep, res)
	case config.VerdictEWMA:
		a.applyEWMA(ep, res)
	default:
		a.applySimple(ep, res)
	}

	if ep.Confidence < a.cfg.ProbThreshold {
		ep.VerdictLabel = addr.UnsetLabel
		ep.Confidence = 0
	}

	changed := ep.VerdictLabel != previous
	if changed {
		ep.VerdictChanges++
	}
	return changed
}

// applySimple always trusts the latest classification outright (§4.G
// "simple"): verdict = top_label, confidence = dist(p).
func (a *Aggregator) applySimple(ep *epstore.Endpoint, res classifier.ClassResult) {
	top1, top2 := topTwo(res.Probabilities, res.TopLabel)
	ep.VerdictLabel = res.TopLabel
	ep.Confidence = top1 - top2
}

// applyBest updates only when the new margin exceeds the endpoint's
// currently stored confidence; otherwise the verdict is left untouched
// (§4.G "best").
func (a *Aggregator) applyBest(ep *epstore.Endpoint, res classifier.ClassResult) {
	top1, top2 := topTwo(res.Probabilities, res.TopLabel)
	margin := top1 - top2
	if margin > ep.Confidence {
		ep.VerdictLabel = res.TopLabel
		ep.Confidence = margin
	}
}

// applyEWMA smooths the full per-label probability distribution
// (s_k <- (L-1)/L * s_k + 1/L * p_k) and updates the stored verdict only
// when the smoothed margin exceeds the currently stored confidence (§4.G
// "ewma").
func (a *Aggregator) applyEWMA(ep *epstore.Endpoint, res classifier.ClassResult) {
	l := float64(a.cfg.EWMALength)
	if l <= 0 {
		l = 1
	}
	retain, weight := (l-1)/l, 1/l

	prev, hasPrev := ep.EWMA.Get()
	smoothed := make(map[addr.Label]float64, len(res.Probabilities))
	if !hasPrev {
		// First-ever classification: nothing to blend against yet, so the
		// smoothed distribution starts out equal to p^1 (§8 scenario 6).
		for label, p := range res.Probabilities {
			smoothed[label] = p
		}
	} else {
		labels := make(map[addr.Label]struct{}, len(res.Probabilities)+len(prev))
		for label := range prev {
			labels[label] = struct{}{}
		}
		for label := range res.Probabilities {
			labels[label] = struct{}{}
		}
		for label := range labels {
			smoothed[label] = retain*prev[label] + weight*res.Probabilities[label]
		}
	}
	ep.EWMA = opt.Some(smoothed)

	top := argmax(smoothed)
	top1, top2 := topTwo(smoothed, top)
	margin := top1 - top2
	if margin > ep.Confidence {
		ep.VerdictLabel = top
		ep.Confidence = margin
	}
}

// argmax returns the label with the highest probability in dist.
func argmax(dist map[addr.Label]float64) addr.Label {
	var top addr.Label
	var topVal float64 = -1
	for l, p := range dist {
		if p > topVal {
			topVal = p
			top = l
		}
	}
	return top
}

// topTwo returns (probabilities[top], the next-highest probability in
// dist) — the confidence-margin metric dist(p) = top1(p) - top2(p) used
// throughout (§4.G). top is assumed to be dist's own argmax.
func topTwo(dist map[addr.Label]float64, top addr.Label) (top1, top2 float64) {
	top1 = dist[top]
	top2 = -1
	for l, p := range dist {
		if l == top {
			continue
		}
		if p > top2 {
			top2 = p
		}
	}
	if top2 < 0 {
		top2 = 0
	}
	return top1, top2
}
