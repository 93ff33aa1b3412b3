package record

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError describes a record that violates a model invariant.
type ValidationError struct {
	Tool   string
	Bench  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder

	sb.WriteString("invalid")

	if e.Tool != "" {
		fmt.Fprintf(&sb, " tool %q", e.Tool)
	}

	if e.Bench != "" {
		fmt.Fprintf(&sb, " bench %q", e.Bench)
	}

	if e.Field != "" {
		fmt.Fprintf(&sb, " field %s", e.Field)
	}

	sb.WriteString(": ")
	sb.WriteString(e.Reason)

	return sb.String()
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validate checks a single measurement.
func (b *BenchResult) Validate() error {
	if b.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	if math.IsNaN(b.Value) {
		return &ValidationError{Bench: b.Name, Field: "value", Reason: "must not be NaN"}
	}

	if math.IsInf(b.Value, 0) {
		return &ValidationError{Bench: b.Name, Field: "value", Reason: "must be finite"}
	}

	if !b.Direction.Valid() {
		return &ValidationError{
			Bench:  b.Name,
			Field:  "direction",
			Reason: fmt.Sprintf("unknown direction %q", string(b.Direction)),
		}
	}

	return nil
}

// Validate checks commit identity and that the timestamp can be ordered.
func (c *Commit) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "commit.id", Reason: "must not be empty"}
	}

	if _, err := c.Time(); err != nil {
		return &ValidationError{Field: "commit.timestamp", Reason: err.Error()}
	}

	return nil
}

// Validate checks the run and every benchmark result it carries. Bench
// names must be unique within a run since each name is exactly one point
// of its series.
func (r *ToolRun) Validate() error {
	if r.Tool == "" {
		return &ValidationError{Field: "tool", Reason: "must not be empty"}
	}

	if err := r.Commit.Validate(); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.Tool = r.Tool
		}

		return err
	}

	if len(r.Benches) == 0 {
		return &ValidationError{Tool: r.Tool, Field: "benches", Reason: "must not be empty"}
	}

	seen := make(map[string]struct{}, len(r.Benches))

	for i := range r.Benches {
		b := &r.Benches[i]

		if err := b.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Tool = r.Tool
				if ve.Bench == "" {
					ve.Field = fmt.Sprintf("benches[%d].%s", i, ve.Field)
				}
			}

			return err
		}

		if _, dup := seen[b.Name]; dup {
			return &ValidationError{
				Tool:   r.Tool,
				Bench:  b.Name,
				Field:  "name",
				Reason: "duplicate bench name in run",
			}
		}

		seen[b.Name] = struct{}{}
	}

	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}

	return time.Unix(secs, 0).UTC(), nil
}
