package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/benchkeeper/pkg/codec"
	"github.com/ethpandaops/benchkeeper/pkg/engine"
	"github.com/ethpandaops/benchkeeper/pkg/history"
	"github.com/ethpandaops/benchkeeper/pkg/lock"
	"github.com/ethpandaops/benchkeeper/pkg/record"
	"github.com/ethpandaops/benchkeeper/pkg/report"
	"github.com/ethpandaops/benchkeeper/pkg/storage"
)

// maxRunBytes bounds an append request body.
const maxRunBytes = 10 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// --- Read handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStore returns the serialized store as stored.
func (s *server) handleStore(w http.ResponseWriter, r *http.Request) {
	data, err := s.opts.Backend.Read(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to read store")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"reading store failed"})

		return
	}

	if data == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"store not found"})

		return
	}

	w.Header().Set("Content-Type", storage.ContentType(data))
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(data)
}

// loadIndex reads and indexes the current store. A missing store is empty.
func (s *server) loadIndex(r *http.Request) (*record.Store, *history.Index, error) {
	data, err := s.opts.Backend.Read(r.Context())
	if err != nil {
		return nil, nil, fmt.Errorf("reading store: %w", err)
	}

	if data == nil {
		st := record.NewStore(s.opts.RepoURL)

		return st, history.Build(st), nil
	}

	loaded, err := codec.Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding store: %w", err)
	}

	return loaded.Store, history.Build(loaded.Store), nil
}

type toolResponse struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Benches int    `json:"benches"`
}

// handleTools lists the tools in the store.
func (s *server) handleTools(w http.ResponseWriter, r *http.Request) {
	st, idx, err := s.loadIndex(r)
	if err != nil {
		s.writeLoadError(w, err)

		return
	}

	tools := idx.Tools()
	resp := make([]toolResponse, 0, len(tools))

	for _, tool := range tools {
		resp = append(resp, toolResponse{
			Name:    tool,
			Entries: len(st.Entries[tool]),
			Benches: len(idx.Benches(tool)),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"repo_url":    st.RepoURL,
		"last_update": st.LastUpdate,
		"tools":       resp,
	})
}

// handleBenches lists the bench names of one tool.
func (s *server) handleBenches(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")

	st, idx, err := s.loadIndex(r)
	if err != nil {
		s.writeLoadError(w, err)

		return
	}

	if _, ok := st.Entries[tool]; !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"tool not found"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tool":    tool,
		"benches": idx.Benches(tool),
	})
}

type pointResponse struct {
	CommitID        string  `json:"commit_id"`
	CommitTimestamp string  `json:"commit_timestamp"`
	CommitURL       string  `json:"commit_url,omitempty"`
	Date            int64   `json:"date"`
	Value           float64 `json:"value"`
	Unit            string  `json:"unit"`
}

type seriesResponse struct {
	Tool   string          `json:"tool"`
	Bench  string          `json:"bench"`
	Points []pointResponse `json:"points"`
}

// handleSeries returns one series in chronological order.
func (s *server) handleSeries(w http.ResponseWriter, r *http.Request) {
	tool := r.URL.Query().Get("tool")
	bench := r.URL.Query().Get("bench")

	if tool == "" || bench == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"tool and bench query parameters are required"})

		return
	}

	_, idx, err := s.loadIndex(r)
	if err != nil {
		s.writeLoadError(w, err)

		return
	}

	points := idx.Lookup(tool, bench)
	if len(points) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{"series not found"})

		return
	}

	resp := seriesResponse{
		Tool:   tool,
		Bench:  bench,
		Points: make([]pointResponse, 0, len(points)),
	}

	for _, p := range points {
		resp.Points = append(resp.Points, pointResponse{
			CommitID:        p.Commit.ID,
			CommitTimestamp: p.Commit.Timestamp,
			CommitURL:       p.Commit.URL,
			Date:            p.Date,
			Value:           p.Value,
			Unit:            p.Unit,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) writeLoadError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("Failed to load store")

	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"loading store failed"})
}

// --- Append handler ---

// handleAppend decodes a ToolRun body and appends it. The tool query
// parameter names the tool when the payload's tool is empty and must match
// it otherwise. With ?format=markdown the response is the rendered report.
func (s *server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if s.opts.Appender == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"appending is not configured"})

		return
	}

	log := s.log.WithField("token", tokenFromContext(r.Context()))

	run, err := codec.DecodeRun(http.MaxBytesReader(w, r.Body, maxRunBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{fmt.Sprintf("invalid run: %v", err)})

		return
	}

	rep, err := s.opts.Appender.Append(r.Context(), r.URL.Query().Get("tool"), run)
	if err != nil {
		status := appendErrorStatus(err)

		log.WithError(err).WithField("status", status).Warn("Append request failed")
		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	if s.opts.Mirror != nil {
		// A failed mirror write does not fail the append; a full sync
		// repairs it.
		if _, err := s.opts.Mirror.SyncRuns(r.Context(), rep.Tool, []record.ToolRun{rep.Entry}); err != nil {
			log.WithError(err).Warn("Failed to mirror appended run")
		}
	}

	log.WithFields(logrus.Fields{
		"tool":      rep.Tool,
		"commit":    rep.Commit,
		"regressed": rep.Summary.Regressed,
	}).Info("Run appended via API")

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusCreated)

		_, _ = w.Write([]byte(report.Markdown(rep, report.MarkdownOptions{
			Threshold: s.opts.Threshold,
			RepoURL:   s.opts.RepoURL,
		})))

		return
	}

	writeJSON(w, http.StatusCreated, rep)
}

// appendErrorStatus maps an Append error to an HTTP status.
func appendErrorStatus(err error) int {
	switch {
	case errors.Is(err, record.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrLossyRewrite):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
