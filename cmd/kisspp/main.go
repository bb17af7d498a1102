// Command kisspp is the CLI driver (§6): it parses training/testing/
// detection source specs and verdict tuning flags, wires them into a
// system.System, and drives its run loop to completion. The driver owns
// everything "out-of-core" per §1 — flag parsing, signature-database I/O,
// label naming — the core package never sees raw CLI tokens.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"flag"

	"github.com/pkg/errors"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/capture"
	"github.com/l7class/kisspp/config"
	"github.com/l7class/kisspp/diag"
	"github.com/l7class/kisspp/epstore"
	"github.com/l7class/kisspp/internal/opt"
	"github.com/l7class/kisspp/internal/xslices"
	"github.com/l7class/kisspp/sampledb"
	"github.com/l7class/kisspp/system"
)

// exit codes per §6.
const (
	exitOK           = 0
	exitUsage        = 2
	exitSourceFailed = 3
	exitNoSignatures = 4
)

// repeatableFlag collects every occurrence of a repeating flag, e.g.
// --learn proto:spec --learn proto:spec.
type repeatableFlag []string

func (r *repeatableFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatableFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

// sourceSpec is one not-yet-opened traffic source (§6 positional args,
// --learn/--test and their *db file counterparts).
type sourceSpec struct {
	location  string
	bpfFilter string
	label     opt.Optional[addr.Label]
	testing   bool
}

type sourceSpecs []sourceSpec

func (specs sourceSpecs) hasTrainingInput() bool {
	for _, s := range specs {
		if !s.testing && s.label.IsSome() {
			return true
		}
	}
	return false
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("kisspp", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		learn          repeatableFlag
		test           repeatableFlag
		learndb        = fs.String("learndb", "", "file of `proto spec` lines to add as training sources")
		testdb         = fs.String("testdb", "", "file of `proto spec` lines to add as testing sources")
		signdb         = fs.String("signdb", "", "signature database: read at startup, written at exit")
		kissStd        = fs.Bool("kiss-std", false, "disable the KISS+ extension features")
		verdictSimple  = fs.Bool("verdict-simple", false, "use the simple verdict policy (default)")
		verdictBest    = fs.Bool("verdict-best", false, "use the best (monotone) verdict policy")
		verdictEWMALen = fs.Int("verdict-ewma-len", 0, "use the EWMA verdict policy with this window length")
		verdictThresh  = fs.Float64("verdict-threshold", 0, "verdict confidence threshold, percent (0-100)")
		printStats     = fs.Bool("stats", false, "print component counters on exit")
		printProbs     = fs.Bool("print-probs", false, "print an endpoint's verdict label and confidence whenever its verdict changes")
		debugLevel     = fs.Int("debug", 0, "debug verbosity (0=off)")
		verbose        = fs.Bool("verbose", false, "enable verbose diagnostics")
	)
	fs.Var(&learn, "learn", "`proto:spec` training source (may repeat)")
	fs.Var(&test, "test", "`proto:spec` testing source (may repeat)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	level := diag.LevelInfo
	switch {
	case *verbose:
		level = diag.LevelVerbose
	case *debugLevel > 0:
		level = diag.LevelDebug
	}
	log := diag.New(os.Stderr, "kisspp: ", level)

	policy := config.VerdictSimple
	switch {
	case *verdictEWMALen > 0:
		policy = config.VerdictEWMA
	case *verdictBest:
		policy = config.VerdictBest
	case *verdictSimple:
		policy = config.VerdictSimple
	}

	opts := []config.Option{
		config.WithStandardKISS(*kissStd),
		config.WithVerdictPolicy(policy),
		config.WithProbThreshold(*verdictThresh / 100),
	}
	if *verdictEWMALen > 0 {
		opts = append(opts, config.WithEWMALength(*verdictEWMALen))
	}
	cfg := config.New(opts...)

	specs, err := collectSpecs(learn, *learndb, test, *testdb, fs.Args())
	if err != nil {
		log.Errorf("%v", err)
		return exitUsage
	}
	if len(specs) == 0 {
		log.Errorf("no traffic sources given")
		return exitUsage
	}
	if !specs.hasTrainingInput() && *signdb == "" {
		log.Errorf("no signatures available: no --learn/--learndb source and no --signdb")
		return exitNoSignatures
	}

	sys := system.New(cfg, log)
	if *printProbs {
		sys.SetVerdictHook(func(source addr.SourceID, ep *epstore.Endpoint) {
			fmt.Printf("%s/%s verdict=%d confidence=%.4f\n", source, ep.Addr, ep.VerdictLabel, ep.Confidence)
		})
	}

	if *signdb != "" {
		if err := loadSignatureFile(*signdb, sys, log); err != nil {
			log.Errorf("%v", err)
			return exitUsage
		}
	}

	var nextID addr.SourceID = 1
	for _, spec := range specs {
		src, err := openSource(nextID, spec, sys, log)
		if err != nil {
			log.Errorf("failed to start source %q: %v", spec.location, err)
			return exitSourceFailed
		}
		sys.AddSource(src)
		nextID++
	}

	sys.Start()
	for !sys.Finished() {
		sys.Step()
		time.Sleep(time.Millisecond)
	}
	sys.Stop()

	if *signdb != "" {
		if err := saveSignatureFile(*signdb, sys, log); err != nil {
			log.Errorf("%v", err)
		}
	}
	if *printStats {
		printReport(sys)
	}
	return exitOK
}

func collectSpecs(learn repeatableFlag, learndbPath string, test repeatableFlag, testdbPath string, positional []string) (sourceSpecs, error) {
	var out sourceSpecs
	for _, tok := range learn {
		s, err := parseLabeledToken(tok, false)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	for _, tok := range test {
		s, err := parseLabeledToken(tok, true)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if learndbPath != "" {
		specs, err := parseSpecDB(learndbPath, false)
		if err != nil {
			return nil, err
		}
		out = append(out, specs...)
	}
	if testdbPath != "" {
		specs, err := parseSpecDB(testdbPath, true)
		if err != nil {
			return nil, err
		}
		out = append(out, specs...)
	}
	for _, tok := range positional {
		location, filter := splitSpec(tok)
		out = append(out, sourceSpec{location: location, bpfFilter: filter, label: opt.None[addr.Label]()})
	}
	return out, nil
}

// parseLabeledToken parses one `proto:spec` token from --learn/--test (§6).
func parseLabeledToken(tok string, testing bool) (sourceSpec, error) {
	protoStr, rest, ok := strings.Cut(tok, ":")
	if !ok {
		return sourceSpec{}, errors.Errorf("malformed source spec %q: expected proto:spec", tok)
	}
	label, err := parseLabel(protoStr)
	if err != nil {
		return sourceSpec{}, err
	}
	location, filter := splitSpec(rest)
	return sourceSpec{location: location, bpfFilter: filter, label: opt.Some(label), testing: testing}, nil
}

// parseSpecDB parses a --learndb/--testdb file: one `proto spec` per
// non-comment, non-blank line (§6).
func parseSpecDB(path string, testing bool) (sourceSpecs, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var out sourceSpecs
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return nil, errors.Errorf("%s:%d: expected `proto spec`", path, lineNo)
		}
		label, err := parseLabel(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, lineNo)
		}
		location, filter := splitSpec(fields[1])
		out = append(out, sourceSpec{location: location, bpfFilter: filter, label: opt.Some(label), testing: testing})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	return out, nil
}

func parseLabel(s string) (addr.Label, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid proto label %q", s)
	}
	return addr.Label(v), nil
}

// splitSpec separates a source location from its optional space-separated
// BPF filter (§6 "optional space-separated BPF filter").
func splitSpec(s string) (location, bpfFilter string) {
	location, bpfFilter, _ = strings.Cut(s, " ")
	return location, bpfFilter
}

// openSource opens spec as a file source if its location names an existing
// file, otherwise as a live interface.
func openSource(id addr.SourceID, spec sourceSpec, sys *system.System, log *diag.Logger) (*capture.Source, error) {
	if _, err := os.Stat(spec.location); err == nil {
		log.Debugf("opening %q as a file source", spec.location)
		return capture.NewFileSource(id, spec.location, spec.bpfFilter, spec.label, spec.testing, sys.EventBus(), sys.GCInterval())
	}
	log.Debugf("opening %q as a live interface", spec.location)
	return capture.NewLiveSource(id, spec.location, spec.bpfFilter, spec.label, spec.testing)
}

func loadSignatureFile(path string, sys *system.System, log *diag.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("signature db %s does not exist yet; starting empty", path)
			return nil
		}
		return errors.Wrapf(err, "open signature db %s", path)
	}
	defer f.Close()

	set, err := sampledb.Read(f, func(line int, reason string) {
		log.Infof("signdb %s:%d: %s", path, line, reason)
	})
	if err != nil {
		return errors.Wrapf(err, "read signature db %s", path)
	}
	// Loading a signature database stages its samples rather than training
	// on them directly, then commits the whole batch in one step (§4.F
	// enqueue_deferred/commit; original_source/spid/samplefile.c's sf_read
	// populates the trainqueue, left uncommitted until the caller commits).
	for _, sig := range set {
		sys.EnqueueDeferredTrainingSample(sig)
	}
	if len(set) > 0 {
		sys.CommitTrainingSamples()
	}
	log.Infof("loaded %d signatures from %s", len(set), path)
	return nil
}

func saveSignatureFile(path string, sys *system.System, log *diag.Logger) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create signature db %s", path)
	}
	defer f.Close()

	set := sys.TrainingSamples()
	if err := sampledb.Write(f, set); err != nil {
		return errors.Wrapf(err, "write signature db %s", path)
	}
	log.Infof("wrote %d signatures to %s", len(set), path)
	return nil
}

func printReport(sys *system.System) {
	stats := sys.Stats()
	fmt.Printf("classifier: %d samples, %d retrains, %d predictions\n",
		stats.Classifier.TrainingSamples, stats.Classifier.RetrainCount, stats.Classifier.Predictions)
	fmt.Printf("gc: %d runs, %d flows evicted, %d endpoints evicted\n",
		stats.GC.Runs, stats.GC.FlowsEvicted, stats.GC.EndpointsEvicted)
	fmt.Printf("live: %d flows, %d endpoints\n", stats.Flows, stats.Endpoints)

	cm := sys.Confusion()
	fmt.Printf("confusion matrix observations: %d\n", cm.Total())
	if cm.Total() == 0 {
		return
	}
	labels := cm.Labels()
	header := xslices.Map(labels, func(l addr.Label) string { return fmt.Sprintf("%4d", l) })
	fmt.Printf("     %s\n", strings.Join(header, " "))
	for _, actual := range labels {
		row := xslices.Map(labels, func(predicted addr.Label) string {
			return fmt.Sprintf("%4d", cm.Count(actual, predicted))
		})
		fmt.Printf("%4d %s\n", actual, strings.Join(row, " "))
	}
}
