package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/history"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

const maxRunsLimit = 500

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Busy:          st.Busy,
		QueueDepth:    st.Queue.Depth,
	})
}

// handleMessage feeds one inbound message to the engine. Block-mode payloads
// return once the pipeline has taken the data.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "message body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty message")
		return
	}

	msg, err := protocol.DecodeMessage(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Handle(r.Context(), msg); err != nil {
		status := statusFor(err)
		s.logger.Warn("message rejected", "status", status, "error", err)
		respondJSON(w, status, ErrorResponse{Error: err.Error(), Kind: pipeerr.Kind(err)})
		return
	}

	st := s.engine.Status()
	respondJSON(w, http.StatusAccepted, MessageResponse{
		Status:     "accepted",
		Busy:       st.Busy,
		QueueDepth: st.Queue.Depth,
	})
}

func statusFor(err error) int {
	var cfgErr *pipeerr.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, pipeerr.ErrNoPipeline), errors.Is(err, pipeline.ErrRunFinished):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Status:        s.engine.Status(),
		EventsDropped: s.events.Dropped(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history disabled")
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRunsLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history disabled")
		return
	}

	runID := chi.URLParam(r, "runID")
	entry, err := s.history.Get(r.Context(), runID)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGenerators(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.catalogResponse())
}

func (s *Server) catalogResponse() CatalogResponse {
	resp := CatalogResponse{Generators: []KindInfo{}, Parsers: []KindInfo{}}
	for _, name := range s.catalog.Generators.Names() {
		g, _ := s.catalog.Generators.Get(name)
		resp.Generators = append(resp.Generators, KindInfo{
			Name:    g.Name,
			Trigger: g.Trigger,
			Parser:  g.Parser,
			Options: optionInfos(g.Options),
		})
	}
	for _, name := range s.catalog.Parsers.Names() {
		p, _ := s.catalog.Parsers.Get(name)
		resp.Parsers = append(resp.Parsers, KindInfo{Name: p.Name, Options: optionInfos(p.Options)})
	}
	return resp
}

func optionInfos(opts config.Options) []OptionInfo {
	out := make([]OptionInfo, 0, len(opts))
	for _, o := range opts {
		out = append(out, OptionInfo{Name: o.Name, Default: o.Default})
	}
	return out
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.catalogResponse()))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
