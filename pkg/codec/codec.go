package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ethpandaops/benchkeeper/pkg/record"
)

// Format is the framing of a persisted store document.
type Format int

const (
	// FormatJSON is a plain JSON document.
	FormatJSON Format = iota
	// FormatJS wraps the JSON document in a script assignment so a static
	// chart page can load it with a <script> tag.
	FormatJS
)

// jsAssignment is the script framing used by FormatJS.
const jsAssignment = "window.BENCHMARK_DATA = "

const indent = "    "

// ParseFormat parses "json" or "js".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "js", "javascript":
		return FormatJS, nil
	default:
		return FormatJSON, fmt.Errorf("unknown store format %q (use \"json\" or \"js\")", s)
	}
}

func (f Format) String() string {
	if f == FormatJS {
		return "js"
	}

	return "json"
}

// EntryDiagnostic describes one ToolRun skipped during Load.
type EntryDiagnostic struct {
	Tool  string
	Index int
	Err   error
}

// LoadResult is a decoded store plus everything that was skipped.
type LoadResult struct {
	Store   *record.Store
	Skipped []EntryDiagnostic
	Format  Format
}

// SkippedCount returns the number of skipped entries.
func (r *LoadResult) SkippedCount() int {
	return len(r.Skipped)
}

// document is the top-level wire shape. Entries stay raw so that each tool
// and each run decode independently.
type document struct {
	LastUpdate int64                      `json:"lastUpdate"`
	RepoURL    string                     `json:"repoUrl"`
	Entries    map[string]json.RawMessage `json:"entries"`
}

// Load decodes a store document. A structurally broken document fails with
// a MalformedDocument error. Individual runs that fail to decode or
// validate are skipped and reported in LoadResult.Skipped.
func Load(r io.Reader) (*LoadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}

	return Unmarshal(data)
}

// Unmarshal is Load over an in-memory document.
func Unmarshal(data []byte) (*LoadResult, error) {
	body, base, format := unframe(data)

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &DecodeError{
			Kind:   MalformedDocument,
			Offset: base + jsonOffset(err),
			Err:    err,
		}
	}

	if doc.Entries == nil {
		return nil, &DecodeError{
			Kind: MalformedDocument,
			Err:  errors.New(`missing "entries" object`),
		}
	}

	result := &LoadResult{
		Store: &record.Store{
			LastUpdate: doc.LastUpdate,
			RepoURL:    doc.RepoURL,
			Entries:    make(map[string][]record.ToolRun, len(doc.Entries)),
		},
		Format: format,
	}

	for _, tool := range sortedKeys(doc.Entries) {
		runs, skipped := decodeTool(tool, doc.Entries[tool])
		result.Skipped = append(result.Skipped, skipped...)

		if runs != nil {
			result.Store.Entries[tool] = runs
		}
	}

	return result, nil
}

// decodeTool decodes one tool's sequence, skipping bad runs.
func decodeTool(tool string, raw json.RawMessage) ([]record.ToolRun, []EntryDiagnostic) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, []EntryDiagnostic{entryDiagnostic(tool, -1, err)}
	}

	runs := make([]record.ToolRun, 0, len(items))

	var skipped []EntryDiagnostic

	for i, item := range items {
		var run record.ToolRun
		if err := json.Unmarshal(item, &run); err != nil {
			skipped = append(skipped, entryDiagnostic(tool, i, err))

			continue
		}

		// The grouping key is authoritative; the per-run copy is redundant.
		if run.Tool == "" {
			run.Tool = tool
		}

		if err := run.Validate(); err != nil {
			skipped = append(skipped, entryDiagnostic(tool, i, err))

			continue
		}

		runs = append(runs, run)
	}

	return runs, skipped
}

func entryDiagnostic(tool string, index int, err error) EntryDiagnostic {
	return EntryDiagnostic{
		Tool:  tool,
		Index: index,
		Err: &DecodeError{
			Kind:  MalformedEntry,
			Tool:  tool,
			Index: index,
			Err:   err,
		},
	}
}

// unframe strips the optional script assignment and returns the JSON body,
// its byte offset within data, and the detected format.
func unframe(data []byte) ([]byte, int64, Format) {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	lead := int64(len(data) - len(trimmed))

	if !bytes.HasPrefix(trimmed, []byte("window.")) {
		return data, 0, FormatJSON
	}

	eq := bytes.IndexByte(trimmed, '=')
	if eq < 0 {
		return data, 0, FormatJSON
	}

	body := trimmed[eq+1:]
	start := lead + int64(eq+1)

	body = bytes.TrimRight(body, " \t\r\n")
	body = bytes.TrimSuffix(body, []byte(";"))

	return body, start, FormatJS
}

// Save writes the store deterministically: tool keys sorted, struct fields
// in declaration order, shortest round-trip float formatting and fixed
// indentation. Saving the result of loading a saved store reproduces the
// same bytes.
func Save(store *record.Store, w io.Writer, format Format) error {
	data, err := Marshal(store, format)
	if err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}

	return nil
}

// persisted mirrors record.Store with nil sequences normalized.
type persisted struct {
	LastUpdate int64                       `json:"lastUpdate"`
	RepoURL    string                      `json:"repoUrl"`
	Entries    map[string][]record.ToolRun `json:"entries"`
}

// Marshal is Save into a byte slice.
func Marshal(store *record.Store, format Format) ([]byte, error) {
	doc := persisted{
		LastUpdate: store.LastUpdate,
		RepoURL:    store.RepoURL,
		Entries:    make(map[string][]record.ToolRun, len(store.Entries)),
	}

	for tool, runs := range store.Entries {
		if runs == nil {
			runs = []record.ToolRun{}
		}

		doc.Entries[tool] = runs
	}

	var buf bytes.Buffer

	if format == FormatJS {
		buf.WriteString(jsAssignment)
	}

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)

	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encoding store: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeRun decodes a standalone ToolRun payload. It does not validate;
// callers decide whether a bad run is fatal.
func DecodeRun(r io.Reader) (*record.ToolRun, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading run: %w", err)
	}

	var run record.ToolRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, &DecodeError{
			Kind:   MalformedDocument,
			Offset: jsonOffset(err),
			Err:    err,
		}
	}

	return &run, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
