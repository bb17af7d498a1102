// Package sampledb implements the text signature-database format of §6:
// one labeled signature per line, `label feature1 feature2 … featureF`,
// whitespace-separated, blank lines and `#`-prefixed comments ignored. It
// is explicitly an out-of-core collaborator (§1 "sample-file persistence");
// the core only ever sees kissp.Signature values. Labels are written and
// read as decimal integers — the full protocol-name interner §1 calls out
// is left to the CLI driver (see DESIGN.md).
package sampledb

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/l7class/kisspp/addr"
	"github.com/l7class/kisspp/kissp"
	"github.com/pkg/errors"
)

// Write serializes set to w, one signature per line (§6 "Writer emits
// space-separated decimals").
func Write(w io.Writer, set []kissp.Signature) error {
	bw := bufio.NewWriter(w)
	for _, sig := range set {
		if _, err := fmt.Fprintf(bw, "%d", sig.Label); err != nil {
			return errors.Wrap(err, "sampledb: write label")
		}
		for _, v := range sig.Features {
			if _, err := fmt.Fprintf(bw, " %s", strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
				return errors.Wrap(err, "sampledb: write feature")
			}
		}
		if _, err := bw.WriteString("\n"); err != nil {
			return errors.Wrap(err, "sampledb: write newline")
		}
	}
	return bw.Flush()
}

// Read parses a signature database from r. F (the feature count) is
// inferred from the first non-comment, non-blank line by counting
// whitespace-separated fields (§6 "Reader infers F from the first
// non-comment line by counting spaces"); every subsequent line must match
// it or is skipped with a diagnostic (§7 SignatureFileMalformed: "skip
// line, log; continue" — onMalformed, if non-nil, is called with the
// offending line number and reason).
func Read(r io.Reader, onMalformed func(line int, reason string)) ([]kissp.Signature, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var set []kissp.Signature
	featureCount := -1
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			report(onMalformed, lineNo, "expected a label followed by at least one feature")
			continue
		}

		labelVal, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			report(onMalformed, lineNo, "label is not a valid integer: "+err.Error())
			continue
		}

		features := fields[1:]
		if featureCount == -1 {
			featureCount = len(features)
		} else if len(features) != featureCount {
			report(onMalformed, lineNo, fmt.Sprintf("expected %d features, got %d", featureCount, len(features)))
			continue
		}

		vals := make([]float64, len(features))
		malformed := false
		for i, f := range features {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				report(onMalformed, lineNo, "feature is not a valid number: "+err.Error())
				malformed = true
				break
			}
			vals[i] = v
		}
		if malformed {
			continue
		}

		set = append(set, kissp.Signature{Features: vals, Label: addr.Label(labelVal)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "sampledb: scan")
	}
	return set, nil
}

func report(onMalformed func(line int, reason string), line int, reason string) {
	if onMalformed != nil {
		onMalformed(line, reason)
	}
}
