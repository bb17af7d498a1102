// Package config holds kisspp's immutable-after-start tuning parameters,
// modeled on the teacher's pcap.Options / pcap.Option / pcap.NewOptions
// trio (pcap/option.go): a defaulted struct built up through functional
// options.
package config

import "time"

// VerdictPolicy selects how VerdictAggregator smooths per-window
// classifications into a per-endpoint verdict (§4.G).
type VerdictPolicy int

const (
	VerdictSimple VerdictPolicy = iota
	VerdictBest
	VerdictEWMA
)

const (
	// DefaultN is the number of payload bytes analysed per packet.
	DefaultN = 12
	// DefaultP is the per-TCP-flow packet cap.
	DefaultP = 5
	// DefaultC is the number of packets per endpoint window.
	DefaultC = 80

	DefaultEWMALength = 5

	DefaultEPTimeout      = 300 * time.Second
	DefaultFlowTimeout    = 300 * time.Second
	DefaultGCInterval     = 10 * time.Second
	DefaultTrainingDelay  = 3000 * time.Millisecond
	DefaultVerdictPolicy  = VerdictSimple
	DefaultProbThreshold  = 0.0
	DefaultSVMGamma       = 0.5
	DefaultSVMCost        = 2.0
	DefaultSVMEpsilon     = 0.1
	DefaultMaxLabel       = 255
)

// Config is the immutable set of tuning parameters shared by every
// component. Build one with New and zero or more Options.
type Config struct {
	N int
	P int
	C int

	VerdictPolicy     VerdictPolicy
	EWMALength        int
	ProbThreshold     float64
	StandardKISS      bool // disables the KISS+ extension features (§4.E)

	EPTimeout     time.Duration
	FlowTimeout   time.Duration
	GCInterval    time.Duration
	TrainingDelay time.Duration

	SVMGamma   float64
	SVMCost    float64
	SVMEpsilon float64
}

// New returns a Config with spec.md §3 defaults applied, then overridden by
// opts in order.
func New(opts ...Option) Config {
	c := Config{
		N:             DefaultN,
		P:             DefaultP,
		C:             DefaultC,
		VerdictPolicy: DefaultVerdictPolicy,
		EWMALength:    DefaultEWMALength,
		ProbThreshold: DefaultProbThreshold,
		EPTimeout:     DefaultEPTimeout,
		FlowTimeout:   DefaultFlowTimeout,
		GCInterval:    DefaultGCInterval,
		TrainingDelay: DefaultTrainingDelay,
		SVMGamma:      DefaultSVMGamma,
		SVMCost:       DefaultSVMCost,
		SVMEpsilon:    DefaultSVMEpsilon,
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Option mutates a Config during New.
type Option func(*Config)

func WithWindow(n, p, c int) Option {
	return func(cfg *Config) {
		cfg.N, cfg.P, cfg.C = n, p, c
	}
}

func WithVerdictPolicy(policy VerdictPolicy) Option {
	return func(cfg *Config) { cfg.VerdictPolicy = policy }
}

func WithEWMALength(n int) Option {
	return func(cfg *Config) { cfg.EWMALength = n }
}

func WithProbThreshold(p float64) Option {
	return func(cfg *Config) { cfg.ProbThreshold = p }
}

func WithStandardKISS(standard bool) Option {
	return func(cfg *Config) { cfg.StandardKISS = standard }
}

func WithTimeouts(epTimeout, flowTimeout, gcInterval time.Duration) Option {
	return func(cfg *Config) {
		cfg.EPTimeout, cfg.FlowTimeout, cfg.GCInterval = epTimeout, flowTimeout, gcInterval
	}
}

func WithTrainingDelay(d time.Duration) Option {
	return func(cfg *Config) { cfg.TrainingDelay = d }
}

func WithSVMParams(gamma, cost, epsilon float64) Option {
	return func(cfg *Config) {
		cfg.SVMGamma, cfg.SVMCost, cfg.SVMEpsilon = gamma, cost, epsilon
	}
}

// FeatureCount returns F, the signature dimensionality for this config
// (§4.E): 2N standard, 2N+4 with the KISS+ extension.
func (c Config) FeatureCount() int {
	if c.StandardKISS {
		return 2 * c.N
	}
	return 2*c.N + 4
}
