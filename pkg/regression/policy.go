package regression

import (
	"strings"

	"github.com/ethpandaops/benchkeeper/pkg/record"
)

// DefaultLowerIsBetterSuffixes marks time-per-operation units ("ns/op",
// "ms/op", "B/op") as lower-is-better.
var DefaultLowerIsBetterSuffixes = []string{"/op"}

// Policy decides the direction of a metric. An explicit direction on the
// BenchResult wins, then an exact unit override, then the suffix rules,
// then Default.
type Policy struct {
	LowerIsBetterSuffixes []string
	UnitDirections        map[string]record.Direction
	Default               record.Direction
}

// DefaultPolicy treats "/op" units as lower-is-better and everything else
// as higher-is-better.
func DefaultPolicy() Policy {
	return Policy{
		LowerIsBetterSuffixes: DefaultLowerIsBetterSuffixes,
		Default:               record.HigherIsBetter,
	}
}

// Resolve returns the direction for b. It never returns DirectionUnset.
func (p Policy) Resolve(b *record.BenchResult) record.Direction {
	if b.Direction != record.DirectionUnset {
		return b.Direction
	}

	if d, ok := p.UnitDirections[b.Unit]; ok && d != record.DirectionUnset {
		return d
	}

	for _, suffix := range p.LowerIsBetterSuffixes {
		if suffix != "" && strings.HasSuffix(b.Unit, suffix) {
			return record.LowerIsBetter
		}
	}

	if p.Default == record.DirectionUnset {
		return record.HigherIsBetter
	}

	return p.Default
}
