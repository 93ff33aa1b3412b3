// Package regression compares a new run against the latest historical
// value of each series using a relative threshold band.
package regression

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethpandaops/benchkeeper/pkg/history"
	"github.com/ethpandaops/benchkeeper/pkg/record"
)

// DefaultThreshold is the relative deviation tolerated before a bench is
// flagged: 0.5 means the band [0.5·baseline, 1.5·baseline].
const DefaultThreshold = 0.5

// Kind classifies a bench against its baseline.
type Kind int

const (
	// NewSeries has no baseline to compare against; informational only.
	NewSeries Kind = iota
	// Stable lies within the inclusive threshold band.
	Stable
	// Improved moved past the band in the good direction.
	Improved
	// Regressed moved past the band in the bad direction.
	Regressed
)

var kindNames = map[Kind]string{
	NewSeries: "new_series",
	Stable:    "stable",
	Improved:  "improved",
	Regressed: "regressed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "unknown"
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind

			return nil
		}
	}

	return fmt.Errorf("unknown signal kind %q", string(text))
}

// Signal is the classification of one bench of a new run.
type Signal struct {
	Tool           string           `json:"tool"`
	Bench          string           `json:"bench"`
	Unit           string           `json:"unit"`
	Kind           Kind             `json:"kind"`
	Direction      record.Direction `json:"direction"`
	Value          float64          `json:"value"`
	Baseline       float64          `json:"baseline,omitempty"`
	BaselineCommit string           `json:"baseline_commit,omitempty"`
	// Ratio is Value/Baseline; zero for NewSeries.
	Ratio float64 `json:"-"`
}

// MarshalJSON encodes Ratio as null when it is not finite.
func (s Signal) MarshalJSON() ([]byte, error) {
	type plain Signal

	out := struct {
		plain
		Ratio *float64 `json:"ratio"`
	}{plain: plain(s)}

	if s.Kind != NewSeries && !math.IsInf(s.Ratio, 0) && !math.IsNaN(s.Ratio) {
		ratio := s.Ratio
		out.Ratio = &ratio
	}

	return json.Marshal(out)
}

// Detector classifies benches under a direction policy.
type Detector struct {
	Policy Policy
}

// Detect classifies every bench of run against idx with the default policy.
func Detect(idx *history.Index, run *record.ToolRun, threshold float64) []Signal {
	d := Detector{Policy: DefaultPolicy()}

	return d.Detect(idx, run, threshold)
}

// Detect returns one signal per bench, in run order. The baseline of a
// series is its latest point from a different commit, so re-running a
// commit compares against the previous revision rather than itself.
func (d Detector) Detect(idx *history.Index, run *record.ToolRun, threshold float64) []Signal {
	signals := make([]Signal, 0, len(run.Benches))

	for i := range run.Benches {
		b := &run.Benches[i]

		sig := Signal{
			Tool:      run.Tool,
			Bench:     b.Name,
			Unit:      b.Unit,
			Kind:      NewSeries,
			Direction: d.Policy.Resolve(b),
			Value:     b.Value,
		}

		base, ok := idx.Baseline(run.Tool, b.Name, run.Commit.ID)
		if ok {
			sig.Baseline = base.Value
			sig.BaselineCommit = base.Commit.ID
			sig.Ratio = ratio(b.Value, base.Value)
			sig.Kind = Classify(b.Value, base.Value, threshold, sig.Direction)
		}

		signals = append(signals, sig)
	}

	return signals
}

// Classify places value relative to the inclusive band
// [baseline·(1−threshold), baseline·(1+threshold)].
func Classify(value, baseline, threshold float64, dir record.Direction) Kind {
	upper := baseline * (1 + threshold)
	lower := baseline * (1 - threshold)

	switch {
	case value > upper:
		if dir == record.LowerIsBetter {
			return Regressed
		}

		return Improved
	case value < lower:
		if dir == record.LowerIsBetter {
			return Improved
		}

		return Regressed
	default:
		return Stable
	}
}

func ratio(value, baseline float64) float64 {
	if baseline == 0 {
		switch {
		case value == 0:
			return 1
		case value > 0:
			return math.Inf(1)
		default:
			return math.Inf(-1)
		}
	}

	return value / baseline
}

// ParseThreshold accepts a plain ratio ("0.5") or a percentage ("50%",
// "150%").
func ParseThreshold(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("threshold is empty")
	}

	scale := 1.0
	if strings.HasSuffix(s, "%") {
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
		scale = 0.01
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing threshold %q: %w", s, err)
	}

	v *= scale

	if err := ValidateThreshold(v); err != nil {
		return 0, err
	}

	return v, nil
}

// ValidateThreshold rejects negative and non-finite thresholds.
func ValidateThreshold(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("threshold must be finite, got %v", v)
	}

	if v < 0 {
		return fmt.Errorf("threshold must not be negative, got %v", v)
	}

	return nil
}

// Summary counts signals by kind.
type Summary struct {
	NewSeries int `json:"new_series"`
	Stable    int `json:"stable"`
	Improved  int `json:"improved"`
	Regressed int `json:"regressed"`
}

// Summarize counts signals by kind.
func Summarize(signals []Signal) Summary {
	var s Summary

	for _, sig := range signals {
		switch sig.Kind {
		case NewSeries:
			s.NewSeries++
		case Stable:
			s.Stable++
		case Improved:
			s.Improved++
		case Regressed:
			s.Regressed++
		}
	}

	return s
}

// HasRegression reports whether any signal regressed.
func HasRegression(signals []Signal) bool {
	for _, sig := range signals {
		if sig.Kind == Regressed {
			return true
		}
	}

	return false
}

// Filter returns the signals of the given kinds, preserving order.
func Filter(signals []Signal, kinds ...Kind) []Signal {
	out := make([]Signal, 0, len(signals))

	for _, sig := range signals {
		for _, k := range kinds {
			if sig.Kind == k {
				out = append(out, sig)

				break
			}
		}
	}

	return out
}
