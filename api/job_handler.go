package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

// maxBodyBytes bounds request bodies; payloads and mutations are small
// JSON documents.
const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// countResponse is the JSON shape of GET /jobs/count.
type countResponse struct {
	Count int64 `json:"count"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		s.badRequest(w, errors.New("payload is not valid JSON"))
		return
	}

	j, err := s.scheduler.Submit(r.Context(), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptsFromQuery(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	jobs, err := s.scheduler.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) countJobs(w http.ResponseWriter, r *http.Request) {
	state, err := stateFromQuery(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	count, err := s.scheduler.Count(r.Context(), job.CountOpts{State: state})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, countResponse{Count: count})
}

func (s *Server) nextJob(w http.ResponseWriter, r *http.Request) {
	j, ok, err := s.scheduler.Next(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid job id: %w", err))
		return
	}

	j, err := s.scheduler.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid job id: %w", err))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	var mut job.Mutation
	if err := json.Unmarshal(body, &mut); err != nil {
		s.badRequest(w, fmt.Errorf("invalid mutation: %w", err))
		return
	}
	if mut.HasState() && !mut.State.Valid() {
		s.badRequest(w, fmt.Errorf("unknown state %q", mut.State))
		return
	}

	j, err := s.scheduler.Update(r.Context(), jobID, mut)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// ── request parsing ──────────────────────────────────────────────────

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func stateFromQuery(r *http.Request) (job.State, error) {
	raw := r.URL.Query().Get("state")
	if raw == "" {
		return "", nil
	}
	state := job.State(raw)
	if !state.Valid() {
		return "", fmt.Errorf("unknown state %q", raw)
	}
	return state, nil
}

func listOptsFromQuery(r *http.Request) (job.ListOpts, error) {
	var opts job.ListOpts

	state, err := stateFromQuery(r)
	if err != nil {
		return opts, err
	}
	opts.State = state

	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid limit %q", raw)
		}
		opts.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid offset %q", raw)
		}
		opts.Offset = n
	}
	if raw := q.Get("modified_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return opts, fmt.Errorf("invalid modified_before %q", raw)
		}
		opts.ModifiedBefore = t
	}

	opts.Limit = defaultLimit(opts.Limit)
	return opts, nil
}

// defaultLimit caps unbounded listings; clients page with limit/offset.
func defaultLimit(n int) int {
	const def = 100
	if n <= 0 {
		return def
	}
	return n
}

// ── response writing ─────────────────────────────────────────────────

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

// writeError renders err with the status its kind maps to. The body
// keeps the sentinel text so clients can translate back to the same
// sentinel errors.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bidscore.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, bidscore.ErrJobExists),
		errors.Is(err, bidscore.ErrUpdateConflict):
		return http.StatusConflict
	case errors.Is(err, bidscore.ErrJobNotMutable),
		errors.Is(err, bidscore.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bidscore.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
