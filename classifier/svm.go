package classifier

import (
	"math"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/internal/xset"
	"github.com/l7class/kisspp/kissp"
	"github.com/pkg/errors"
)

// rbfSVC is a from-scratch one-vs-one C-SVC classifier with an RBF kernel
// and Platt-scaled probability calibration (§4.F, §9 design note "SVM
// library dependency"). No repository in the retrieval pack binds an SVM
// library (see DESIGN.md), so this is the one component in kisspp built
// on the standard library rather than a pack dependency; its public
// surface (Train/Predict) is the seam a real libsvm binding would replace.
type rbfSVC struct {
	gamma   float64
	cost    float64
	epsilon float64

	labels []addr.Label
	pairs  map[pairKey]*binaryModel
}

type pairKey struct {
	a, b addr.Label // a < b
}

type binaryModel struct {
	svX    [][]float64
	svY    []float64 // +1/-1
	alpha  []float64 // alpha_i * y_i
	bias   float64
	plattA float64
	plattB float64
}

func newRBFSVC(cfg config.Config) *rbfSVC {
	return &rbfSVC{
		gamma:   cfg.SVMGamma,
		cost:    cfg.SVMCost,
		epsilon: cfg.SVMEpsilon,
	}
}

// Train rebuilds one binary SVM per pair of distinct labels seen in set
// (§4.F "one-vs-one"). A set with fewer than two distinct labels is
// accepted trivially: Predict then always returns that single label.
func (m *rbfSVC) Train(set []kissp.Signature) error {
	if m.gamma <= 0 || m.cost <= 0 {
		return errors.Errorf("invalid SVM parameters: gamma=%v cost=%v", m.gamma, m.cost)
	}
	if len(set) == 0 {
		return errors.New("empty training set")
	}

	byLabel := make(map[addr.Label][][]float64)
	seen := xset.New[addr.Label]()
	for _, sig := range set {
		byLabel[sig.Label] = append(byLabel[sig.Label], sig.Features)
		seen.Insert(sig.Label)
	}
	labels := xset.SortedSlice(seen)

	pairs := make(map[pairKey]*binaryModel, len(labels)*(len(labels)-1)/2)
	for i := 0; i < len(labels); i++ {
		for j := i + 1; j < len(labels); j++ {
			key := pairKey{a: labels[i], b: labels[j]}
			pairs[key] = m.trainPair(byLabel[labels[i]], byLabel[labels[j]])
		}
	}

	m.labels = labels
	m.pairs = pairs
	return nil
}

func (m *rbfSVC) kernel(x, y []float64) float64 {
	var sum float64
	for i := range x {
		d := x[i] - y[i]
		sum += d * d
	}
	return math.Exp(-m.gamma * sum)
}

// trainPair runs a simplified SMO dual coordinate-ascent solver (the
// textbook "Simplified SMO" pseudocode) for the binary problem {classA:
// +1, classB: -1}, then calibrates a Platt sigmoid over its decision
// values.
func (m *rbfSVC) trainPair(classA, classB [][]float64) *binaryModel {
	x := make([][]float64, 0, len(classA)+len(classB))
	y := make([]float64, 0, len(classA)+len(classB))
	x = append(x, classA...)
	for range classA {
		y = append(y, 1)
	}
	x = append(x, classB...)
	for range classB {
		y = append(y, -1)
	}

	n := len(x)
	alpha := make([]float64, n)
	bias := 0.0

	kcache := make([][]float64, n)
	for i := range kcache {
		kcache[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			kcache[i][j] = m.kernel(x[i], x[j])
		}
	}

	f := func(i int) float64 {
		var s float64
		for k := 0; k < n; k++ {
			s += alpha[k] * y[k] * kcache[k][i]
		}
		return s + bias
	}

	const tol = 1e-3
	const maxPasses = 20
	passes := 0
	for passes < maxPasses {
		changed := 0
		for i := 0; i < n; i++ {
			ei := f(i) - y[i]
			if (y[i]*ei < -tol && alpha[i] < m.cost) || (y[i]*ei > tol && alpha[i] > 0) {
				j := (i + 1) % n
				if n > 1 && j == i {
					continue
				}
				ej := f(j) - y[j]

				oldAi, oldAj := alpha[i], alpha[j]
				var lo, hi float64
				if y[i] != y[j] {
					lo = math.Max(0, alpha[j]-alpha[i])
					hi = math.Min(m.cost, m.cost+alpha[j]-alpha[i])
				} else {
					lo = math.Max(0, alpha[i]+alpha[j]-m.cost)
					hi = math.Min(m.cost, alpha[i]+alpha[j])
				}
				if lo == hi {
					continue
				}

				eta := 2*kcache[i][j] - kcache[i][i] - kcache[j][j]
				if eta >= 0 {
					continue
				}

				alpha[j] -= y[j] * (ei - ej) / eta
				if alpha[j] > hi {
					alpha[j] = hi
				} else if alpha[j] < lo {
					alpha[j] = lo
				}
				if math.Abs(alpha[j]-oldAj) < 1e-7 {
					continue
				}

				alpha[i] += y[i] * y[j] * (oldAj - alpha[j])

				b1 := bias - ei - y[i]*(alpha[i]-oldAi)*kcache[i][i] - y[j]*(alpha[j]-oldAj)*kcache[i][j]
				b2 := bias - ej - y[i]*(alpha[i]-oldAi)*kcache[i][j] - y[j]*(alpha[j]-oldAj)*kcache[j][j]
				switch {
				case alpha[i] > 0 && alpha[i] < m.cost:
					bias = b1
				case alpha[j] > 0 && alpha[j] < m.cost:
					bias = b2
				default:
					bias = (b1 + b2) / 2
				}
				changed++
			}
		}
		if changed == 0 {
			passes++
		} else {
			passes = 0
		}
	}

	var svX [][]float64
	var svY, svAlphaY []float64
	var decisions []float64
	for i := 0; i < n; i++ {
		decisions = append(decisions, f(i))
		if alpha[i] > 1e-8 {
			svX = append(svX, x[i])
			svY = append(svY, y[i])
			svAlphaY = append(svAlphaY, alpha[i]*y[i])
		}
	}

	plattA, plattB := fitPlattScaling(decisions, y)

	return &binaryModel{
		svX:    svX,
		svY:    svY,
		alpha:  svAlphaY,
		bias:   bias,
		plattA: plattA,
		plattB: plattB,
	}
}

// decide returns the raw decision value g(x) = sum(alpha_i*y_i*K(sv_i,x)) + b.
func (m *rbfSVC) decide(bm *binaryModel, x []float64) float64 {
	s := bm.bias
	for i, sv := range bm.svX {
		s += bm.alpha[i] * m.kernel(sv, x)
	}
	return s
}

// Predict produces a full per-label probability distribution by combining
// every pairwise Platt-scaled probability (§4.F). An untrained model
// returns an error; a single-class model short-circuits to a degenerate
// distribution.
func (m *rbfSVC) Predict(sig kissp.Signature) (ClassResult, error) {
	if len(m.labels) == 0 {
		return ClassResult{}, errors.New("no trained model")
	}
	if len(m.labels) == 1 {
		return ClassResult{
			TopLabel:      m.labels[0],
			Probabilities: map[addr.Label]float64{m.labels[0]: 1.0},
		}, nil
	}

	scores := make(map[addr.Label]float64, len(m.labels))
	for _, l := range m.labels {
		scores[l] = 0
	}

	for key, bm := range m.pairs {
		g := m.decide(bm, sig.Features)
		p := 1.0 / (1.0 + math.Exp(bm.plattA*g+bm.plattB))
		scores[key.a] += p
		scores[key.b] += 1 - p
	}

	var total float64
	for _, s := range scores {
		total += s
	}

	res := ClassResult{Probabilities: make(map[addr.Label]float64, len(scores))}
	var top addr.Label
	var topVal float64 = -1
	for _, l := range m.labels {
		s := scores[l]
		prob := 0.0
		if total > 0 {
			prob = s / total
		}
		res.Probabilities[l] = prob
		if prob > topVal {
			topVal = prob
			top = l
		}
	}
	res.TopLabel = top
	return res, nil
}

// fitPlattScaling fits a 2-parameter sigmoid P(y=1|g) = 1/(1+exp(A*g+B))
// over (decision value, label) pairs, following the Newton-with-backtracking
// scheme from Platt's probabilistic SVM outputs (as popularized by libsvm's
// sigmoid_train). labels are +1/-1.
func fitPlattScaling(g []float64, labels []float64) (A, B float64) {
	n := len(g)
	if n == 0 {
		return 0, 0
	}

	var prior1, prior0 float64
	for _, y := range labels {
		if y > 0 {
			prior1++
		} else {
			prior0++
		}
	}
	hiTarget := (prior1 + 1.0) / (prior1 + 2.0)
	loTarget := 1.0 / (prior0 + 2.0)

	t := make([]float64, n)
	for i, y := range labels {
		if y > 0 {
			t[i] = hiTarget
		} else {
			t[i] = loTarget
		}
	}

	A = 0.0
	B = math.Log((prior0 + 1.0) / (prior1 + 1.0))

	fval := platSigmoidLoss(g, t, A, B)
	const maxIter = 100
	const minStep = 1e-10
	const sigma = 1e-12

	for iter := 0; iter < maxIter; iter++ {
		h11, h22, h21, g1, g2 := sigma, sigma, 0.0, 0.0, 0.0
		for i := 0; i < n; i++ {
			fApB := g[i]*A + B
			var p, q float64
			if fApB >= 0 {
				p = math.Exp(-fApB) / (1 + math.Exp(-fApB))
				q = 1 / (1 + math.Exp(-fApB))
			} else {
				p = 1 / (1 + math.Exp(fApB))
				q = math.Exp(fApB) / (1 + math.Exp(fApB))
			}
			d2 := p * q
			h11 += g[i] * g[i] * d2
			h22 += d2
			h21 += g[i] * d2
			d1 := t[i] - p
			g1 += g[i] * d1
			g2 += d1
		}
		if math.Abs(g1) < 1e-5 && math.Abs(g2) < 1e-5 {
			break
		}

		det := h11*h22 - h21*h21
		if det == 0 {
			break
		}
		dA := (h22*g1 - h21*g2) / det
		dB := (-h21*g1 + h11*g2) / det
		gd := g1*dA + g2*dB

		stepsize := 1.0
		for stepsize >= minStep {
			newA := A + stepsize*dA
			newB := B + stepsize*dB
			newF := platSigmoidLoss(g, t, newA, newB)
			if newF < fval+0.0001*stepsize*gd {
				A, B, fval = newA, newB, newF
				break
			}
			stepsize /= 2
		}
		if stepsize < minStep {
			break
		}
	}
	return A, B
}

func platSigmoidLoss(g, t []float64, A, B float64) float64 {
	var fval float64
	for i := range g {
		fApB := g[i]*A + B
		if fApB >= 0 {
			fval += t[i]*fApB + math.Log(1+math.Exp(-fApB))
		} else {
			fval += (t[i]-1)*fApB + math.Log(1+math.Exp(fApB))
		}
	}
	return fval
}
