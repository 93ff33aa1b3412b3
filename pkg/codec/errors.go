package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is matched by every DecodeError.
var ErrDecode = errors.New("decode failed")

// ErrorKind classifies a DecodeError.
type ErrorKind int

const (
	// MalformedDocument means the top-level shape is unusable; nothing loads.
	MalformedDocument ErrorKind = iota + 1
	// MalformedEntry means one ToolRun was skipped; the rest still load.
	MalformedEntry
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedDocument:
		return "malformed document"
	case MalformedEntry:
		return "malformed entry"
	default:
		return "unknown"
	}
}

// DecodeError reports malformed persisted data. For MalformedEntry, Tool
// and Index locate the skipped entry; Index is -1 when the whole tool
// sequence was unreadable. Offset is a byte offset into the source when
// the underlying JSON error provides one.
type DecodeError struct {
	Kind   ErrorKind
	Tool   string
	Index  int
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case MalformedEntry:
		if e.Index < 0 {
			return fmt.Sprintf("%s: tool %q: %v", e.Kind, e.Tool, e.Err)
		}

		return fmt.Sprintf("%s: tool %q index %d: %v", e.Kind, e.Tool, e.Index, e.Err)
	default:
		if e.Offset > 0 {
			return fmt.Sprintf("%s at offset %d: %v", e.Kind, e.Offset, e.Err)
		}

		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecode) true for any DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// jsonOffset extracts a byte offset from encoding/json errors.
func jsonOffset(err error) int64 {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return syntaxErr.Offset
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Offset
	}

	return 0
}
