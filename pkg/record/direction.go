package record

import (
	"fmt"
	"strings"
)

// Direction states which way a metric improves.
type Direction string

const (
	// DirectionUnset defers the decision to the unit naming convention.
	DirectionUnset Direction = ""
	// LowerIsBetter is used for time-per-operation style metrics.
	LowerIsBetter Direction = "lower_is_better"
	// HigherIsBetter is used for throughput style metrics.
	HigherIsBetter Direction = "higher_is_better"
)

// ParseDirection parses a direction name. Short aliases "lower" and
// "higher" are accepted.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DirectionUnset, nil
	case string(LowerIsBetter), "lower", "smaller":
		return LowerIsBetter, nil
	case string(HigherIsBetter), "higher", "bigger":
		return HigherIsBetter, nil
	default:
		return DirectionUnset, fmt.Errorf("unknown direction %q", s)
	}
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionUnset, LowerIsBetter, HigherIsBetter:
		return true
	default:
		return false
	}
}

func (d Direction) String() string {
	if d == DirectionUnset {
		return "unset"
	}

	return string(d)
}
