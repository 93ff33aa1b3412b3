package codec_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/benchkeeper/pkg/codec"
	"github.com/ethpandaops/benchkeeper/pkg/record"
)

func sampleStore() *record.Store {
	s := record.NewStore("https://github.com/softwaremill/jox")
	s.LastUpdate = 1702396226860
	s.Entries["Benchmark"] = []record.ToolRun{
		{
			Commit: record.Commit{
				Author:    record.Person{Email: "adam@warski.org", Name: "adamw", Username: "adamw"},
				Committer: record.Person{Email: "adam@warski.org", Name: "adamw", Username: "adamw"},
				Distinct:  true,
				ID:        "46f1a97238cea53733e55d665c97045b9806e49d",
				Message:   "WIP <draft> & more",
				Timestamp: "2023-12-05T21:39:23+01:00",
				TreeID:    "cdb40ffd7f8c21f907ce2c6c17de95a92ee71dcb",
				URL:       "https://github.com/softwaremill/jox/commit/46f1a97",
			},
			Date: 1701809122137,
			Tool: "jmh",
			Benches: []record.BenchResult{
				{
					Name:  "jox.RendezvousBenchmark.channel",
					Value: 171.051063156146,
					Unit:  "ns/op",
					Extra: "iterations: 5\nforks: 3\nthreads: 2",
				},
				{
					Name:      `jox.BufferedBenchmark.channel ( {"capacity":"16"} )`,
					Value:     1e-7,
					Unit:      "ops/s",
					Direction: record.HigherIsBetter,
				},
			},
		},
	}
	s.Entries["Kotlin"] = []record.ToolRun{}

	return s
}

func TestSampleDocumentRoundTripsByteForByte(t *testing.T) {
	original, err := os.ReadFile(filepath.Join("testdata", "data.js"))
	require.NoError(t, err)

	result, err := codec.Unmarshal(original)
	require.NoError(t, err)

	assert.Equal(t, codec.FormatJS, result.Format)
	assert.Zero(t, result.SkippedCount())
	assert.Equal(t, "https://github.com/softwaremill/jox", result.Store.RepoURL)
	assert.Equal(t, int64(1702396226860), result.Store.LastUpdate)
	require.Len(t, result.Store.Entries["Benchmark"], 3)
	assert.Equal(t, 31, result.Store.BenchCount())

	saved, err := codec.Marshal(result.Store, result.Format)
	require.NoError(t, err)
	assert.Equal(t, string(original), string(saved))
}

func TestSaveIsIdempotent(t *testing.T) {
	for _, format := range []codec.Format{codec.FormatJSON, codec.FormatJS} {
		t.Run(format.String(), func(t *testing.T) {
			var first bytes.Buffer
			require.NoError(t, codec.Save(sampleStore(), &first, format))

			loaded, err := codec.Load(bytes.NewReader(first.Bytes()))
			require.NoError(t, err)
			require.Zero(t, loaded.SkippedCount())
			assert.Equal(t, format, loaded.Format)

			var second bytes.Buffer
			require.NoError(t, codec.Save(loaded.Store, &second, loaded.Format))

			assert.Equal(t, first.String(), second.String())
		})
	}
}

func TestSaveIsDeterministicAcrossMapOrder(t *testing.T) {
	s := sampleStore()
	for i := 0; i < 20; i++ {
		s.Entries[fmt.Sprintf("tool-%02d", i)] = []record.ToolRun{}
	}

	want, err := codec.Marshal(s, codec.FormatJSON)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		got, err := codec.Marshal(s.Clone(), codec.FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
}

func TestSaveDoesNotEscapeHTML(t *testing.T) {
	data, err := codec.Marshal(sampleStore(), codec.FormatJSON)
	require.NoError(t, err)

	assert.Contains(t, string(data), "WIP <draft> & more")
	assert.True(t, strings.HasSuffix(string(data), "}\n"))
}

func TestSaveNormalizesNilSequences(t *testing.T) {
	s := record.NewStore("repo")
	s.Entries["empty"] = nil

	data, err := codec.Marshal(s, codec.FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"empty": []`)
}

func TestLoadPlainJSON(t *testing.T) {
	doc := `{"lastUpdate": 1, "repoUrl": "r", "entries": {}}`

	result, err := codec.Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, codec.FormatJSON, result.Format)
	assert.Equal(t, "r", result.Store.RepoURL)
	assert.NotNil(t, result.Store.Entries)
}

func TestLoadScriptFramingWithSemicolon(t *testing.T) {
	doc := "\n  window.BENCHMARK_DATA = {\"lastUpdate\": 1, \"repoUrl\": \"r\", \"entries\": {}};\n\n"

	result, err := codec.Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, codec.FormatJS, result.Format)
}

func TestLoadMalformedDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: "this is not a store"},
		{name: "array at top level", doc: `[1, 2, 3]`},
		{name: "missing entries", doc: `{"lastUpdate": 1, "repoUrl": "r"}`},
		{name: "null entries", doc: `{"lastUpdate": 1, "repoUrl": "r", "entries": null}`},
		{name: "entries wrong type", doc: `{"lastUpdate": 1, "repoUrl": "r", "entries": []}`},
		{name: "truncated script", doc: `window.BENCHMARK_DATA = {"lastUpdate": 1, "entr`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, codec.ErrDecode)

			var de *codec.DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, codec.MalformedDocument, de.Kind)
		})
	}
}

func TestLoadMalformedDocumentReportsOffset(t *testing.T) {
	doc := `window.BENCHMARK_DATA = {"lastUpdate": 1, "repoUrl": "r", "entries": {]}`

	_, err := codec.Load(strings.NewReader(doc))

	var de *codec.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Greater(t, de.Offset, int64(len("window.BENCHMARK_DATA = ")))
	assert.Contains(t, err.Error(), "offset")
}

func TestLoadSkipsOneBadEntryAmongTen(t *testing.T) {
	runs := make([]any, 0, 10)

	for i := 0; i < 10; i++ {
		run := map[string]any{
			"commit": map[string]any{
				"id":        fmt.Sprintf("commit-%d", i),
				"timestamp": "2023-12-05T21:39:23+01:00",
			},
			"date": 1701809122137 + i,
			"tool": "jmh",
			"benches": []any{
				map[string]any{"name": "bench", "value": 100 + i, "unit": "ns/op"},
			},
		}

		if i == 6 {
			run["benches"] = []any{
				map[string]any{"name": "", "value": 1, "unit": "ns/op"},
			}
		}

		runs = append(runs, run)
	}

	doc, err := json.Marshal(map[string]any{
		"lastUpdate": 1,
		"repoUrl":    "r",
		"entries":    map[string]any{"Benchmark": runs},
	})
	require.NoError(t, err)

	result, err := codec.Unmarshal(doc)
	require.NoError(t, err)

	require.Len(t, result.Store.Entries["Benchmark"], 9)
	require.Equal(t, 1, result.SkippedCount())

	diag := result.Skipped[0]
	assert.Equal(t, "Benchmark", diag.Tool)
	assert.Equal(t, 6, diag.Index)
	assert.ErrorIs(t, diag.Err, codec.ErrDecode)
	assert.ErrorIs(t, diag.Err, record.ErrValidation)

	var de *codec.DecodeError
	require.True(t, errors.As(diag.Err, &de))
	assert.Equal(t, codec.MalformedEntry, de.Kind)

	for _, run := range result.Store.Entries["Benchmark"] {
		assert.NotEqual(t, "commit-6", run.Commit.ID)
	}
}

func TestLoadSkipsStructurallyInvalidEntry(t *testing.T) {
	doc := `{"lastUpdate": 1, "repoUrl": "r", "entries": {
		"a": [
			{"commit": {"id": "x", "timestamp": "2023-12-05T21:39:23Z"}, "date": 1, "tool": "a",
			 "benches": [{"name": "n", "value": "fast", "unit": "ns/op"}]},
			{"commit": {"id": "y", "timestamp": "2023-12-05T21:39:23Z"}, "date": 2, "tool": "a",
			 "benches": [{"name": "n", "value": 1, "unit": "ns/op"}]}
		],
		"b": {"not": "an array"}
	}}`

	result, err := codec.Load(strings.NewReader(doc))
	require.NoError(t, err)

	require.Len(t, result.Store.Entries["a"], 1)
	assert.Equal(t, "y", result.Store.Entries["a"][0].Commit.ID)

	_, hasB := result.Store.Entries["b"]
	assert.False(t, hasB)

	require.Len(t, result.Skipped, 2)
	assert.Equal(t, "a", result.Skipped[0].Tool)
	assert.Equal(t, 0, result.Skipped[0].Index)
	assert.Equal(t, "b", result.Skipped[1].Tool)
	assert.Equal(t, -1, result.Skipped[1].Index)
}

func TestLoadFillsMissingToolFromKey(t *testing.T) {
	doc := `{"lastUpdate": 1, "repoUrl": "r", "entries": {"jmh": [
		{"commit": {"id": "x", "timestamp": "2023-12-05T21:39:23Z"}, "date": 1,
		 "benches": [{"name": "n", "value": 1, "unit": "ns/op"}]}
	]}}`

	result, err := codec.Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, result.Store.Entries["jmh"], 1)
	assert.Equal(t, "jmh", result.Store.Entries["jmh"][0].Tool)
}

func TestDecodeRun(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload := `{"commit": {"id": "abc", "timestamp": "2023-12-05T21:39:23Z"},
			"date": 5, "tool": "jmh",
			"benches": [{"name": "n", "value": 1.5, "unit": "ns/op", "direction": "lower_is_better"}]}`

		run, err := codec.DecodeRun(strings.NewReader(payload))
		require.NoError(t, err)
		assert.Equal(t, "abc", run.Commit.ID)
		assert.Equal(t, record.LowerIsBetter, run.Benches[0].Direction)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := codec.DecodeRun(strings.NewReader(`{"commit": `))
		assert.ErrorIs(t, err, codec.ErrDecode)
	})
}

func TestParseFormat(t *testing.T) {
	f, err := codec.ParseFormat("JS")
	require.NoError(t, err)
	assert.Equal(t, codec.FormatJS, f)

	f, err = codec.ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, codec.FormatJSON, f)

	_, err = codec.ParseFormat("yaml")
	assert.Error(t, err)
}
