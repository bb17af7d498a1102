// Package classifier implements the probabilistic multi-class SVM
// classifier of §4.F: a queue of accumulated training signatures, a
// debounced retrain triggered through the eventbus, and a Predict call
// returning a full per-label probability distribution.
package classifier

import (
	"sync"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/eventbus"
	"github.com/l7class/kisspp/kissp"
	"github.com/pkg/errors"
)

// Model is the trainable classifier backend Classifier drives. rbfSVC is
// the only implementation (§9 design note); the interface is the seam a
// real libsvm binding would occupy.
type Model interface {
	Train(set []kissp.Signature) error
	Predict(sig kissp.Signature) (ClassResult, error)
}

// ClassResult is one Predict outcome: the most likely label plus the full
// calibrated probability distribution it was chosen from (§4.F, §4.G).
type ClassResult struct {
	TopLabel      addr.Label
	Probabilities map[addr.Label]float64
}

// Stats tracks classifier activity for the operator-facing --stats report
// (§12).
type Stats struct {
	TrainingSamples int
	RetrainCount    int
	Predictions     int
}

// Classifier accumulates labeled signatures and retrains its Model
// cfg.TrainingDelay after the first sample of a burst (§4.F
// "trainingDelay"), publishing ClassifierModelUpdated once a retrain
// completes.
type Classifier struct {
	cfg   config.Config
	bus   *eventbus.Bus
	model Model

	mu       sync.Mutex
	samples  []kissp.Signature
	deferred []kissp.Signature
	trained  bool
	stats    Stats
}

// New returns a Classifier wired to bus: it subscribes an aggregated
// handler to TraindataUpdated so a burst of EnqueueSample calls within one
// trainingDelay window collapses into a single retrain (§4.H aggregation).
func New(cfg config.Config, bus *eventbus.Bus) *Classifier {
	c := &Classifier{cfg: cfg, bus: bus, model: newRBFSVC(cfg)}
	bus.Subscribe(eventbus.TraindataUpdated, true, c.onTraindataUpdated)
	return c
}

// EnqueueSample adds a labeled signature to the training set and schedules
// a retrain after cfg.TrainingDelay (§4.F). Label must not be
// addr.UnsetLabel.
func (c *Classifier) EnqueueSample(sig kissp.Signature) {
	c.mu.Lock()
	c.samples = append(c.samples, sig)
	c.stats.TrainingSamples++
	c.mu.Unlock()

	c.bus.Publish(eventbus.TraindataUpdated, c.cfg.TrainingDelay, nil, nil)
}

// EnqueueDeferred adds sig to the staging set, where it sits until Commit
// moves it into the active training set (§4.F "enqueue_deferred... adds to
// a staging set that is moved into the active set only on explicit
// commit()"). Unlike EnqueueSample, this alone never schedules a retrain.
func (c *Classifier) EnqueueDeferred(sig kissp.Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred = append(c.deferred, sig)
}

// Commit moves every currently staged signature into the active training
// set and schedules a retrain after cfg.TrainingDelay, same as
// EnqueueSample (§4.F "commit()"). A commit of an empty staging set is a
// no-op.
func (c *Classifier) Commit() {
	c.mu.Lock()
	if len(c.deferred) == 0 {
		c.mu.Unlock()
		return
	}
	c.samples = append(c.samples, c.deferred...)
	c.stats.TrainingSamples += len(c.deferred)
	c.deferred = nil
	c.mu.Unlock()

	c.bus.Publish(eventbus.TraindataUpdated, c.cfg.TrainingDelay, nil, nil)
}

// PendingDeferred reports whether any staged signature is still waiting on
// a Commit call (§4 "Termination logic" condition 2, "the deferred
// training-queue is empty").
func (c *Classifier) PendingDeferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred) > 0
}

func (c *Classifier) onTraindataUpdated(any) eventbus.Action {
	c.retrain()
	return eventbus.Continue
}

func (c *Classifier) retrain() {
	c.mu.Lock()
	set := make([]kissp.Signature, len(c.samples))
	copy(set, c.samples)
	c.mu.Unlock()

	if len(set) == 0 {
		return
	}
	if err := c.model.Train(set); err != nil {
		return
	}

	c.mu.Lock()
	c.trained = true
	c.stats.RetrainCount++
	c.mu.Unlock()

	c.bus.Publish(eventbus.ClassifierModelUpdated, 0, nil, nil)
}

// Predict classifies sig against the current model (§4.F). It returns an
// error if no model has been trained yet; callers treat that as "unknown"
// (§4.G).
func (c *Classifier) Predict(sig kissp.Signature) (ClassResult, error) {
	c.mu.Lock()
	trained := c.trained
	c.mu.Unlock()
	if !trained {
		return ClassResult{}, errors.New("classifier: no model trained yet")
	}

	res, err := c.model.Predict(sig)
	if err != nil {
		return ClassResult{}, errors.Wrap(err, "classifier: predict")
	}

	c.mu.Lock()
	c.stats.Predictions++
	c.mu.Unlock()
	return res, nil
}

// Samples returns a copy of every signature enqueued so far, for
// persisting back to a signature database (§6 "--signdb").
func (c *Classifier) Samples() []kissp.Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]kissp.Signature, len(c.samples))
	copy(out, c.samples)
	return out
}

// Trained reports whether at least one retrain has completed.
func (c *Classifier) Trained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trained
}

// PendingRetrain reports whether a debounced retrain is still scheduled,
// i.e. a TraindataUpdated event has not yet fired (§4 "Termination logic").
func (c *Classifier) PendingRetrain() bool {
	return c.bus.Pending(eventbus.TraindataUpdated)
}

// Stats returns a snapshot of the classifier's activity counters.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
