package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/forgelet/forgelet/pkg/build"
	"github.com/go-chi/chi/v5"
)

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

// writeBuildError maps the build error taxonomy onto HTTP statuses.
func writeBuildError(w http.ResponseWriter, err error) {
	var validationErr *build.ValidationError

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, build.ErrQueueFull):
		// The caller should retry later; no build number was
		// allocated.
		w.Header().Set("Retry-After", "10")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{err.Error()})
	case errors.Is(err, build.ErrBuildNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, build.ErrBuildNotCompleted):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, build.ErrActionNotSupported):
		writeJSON(w, http.StatusForbidden, errorResponse{err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
	}
}

// buildNumber parses the {number} route parameter.
func buildNumber(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "number")

	number, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid build number %q", raw)
	}

	return number, nil
}

// handleHealth returns server liveness.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Submission ---

type submitResponse struct {
	BuildNumber uint64 `json:"buildNumber"`
	Status      string `json:"status"`
	Location    string `json:"location"`
}

// handleSubmit accepts a build submission. The body is a free-form
// options object; validation and admission errors are returned
// synchronously, before any record exists.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	opts, err := build.DecodeOptions(raw)
	if err != nil {
		writeBuildError(w, err)

		return
	}

	number, err := s.deps.Queue.Submit(r.Context(), *opts)
	if err != nil {
		writeBuildError(w, err)

		return
	}

	location := fmt.Sprintf("/build/tasks/%d", number)
	w.Header().Set("Location", location)

	writeJSON(w, http.StatusAccepted, submitResponse{
		BuildNumber: number,
		Status:      build.StatusQueued.String(),
		Location:    location,
	})
}

// --- Status queries ---

// handleGet returns the current state of one build.
func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	number, err := buildNumber(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	rec, err := s.deps.Registry.Get(number)
	if err != nil {
		writeBuildError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, rec.Snapshot())
}

// handleList enumerates all known builds in submission order.
func (s *server) handleList(w http.ResponseWriter, _ *http.Request) {
	records := s.deps.Registry.All()

	snaps := make([]build.Snapshot, 0, len(records))
	for _, rec := range records {
		snaps = append(snaps, rec.Snapshot())
	}

	writeJSON(w, http.StatusOK, snaps)
}

// handleHistory returns persisted terminal builds, including evicted
// ones.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"build history not configured"})

		return
	}

	builds, err := s.deps.History.ListBuilds(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list build history")

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing build history"})

		return
	}

	writeJSON(w, http.StatusOK, builds)
}

// --- Log streaming ---

// handleLog streams the build log from an optional byte offset so
// clients can poll incrementally while the build runs. The previously
// written portion is stable: the same offset always yields the same
// bytes.
func (s *server) handleLog(w http.ResponseWriter, r *http.Request) {
	number, err := buildNumber(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	if _, err := s.deps.Registry.Get(number); err != nil {
		writeBuildError(w, err)

		return
	}

	var offset int64

	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || offset < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid offset"})

			return
		}
	}

	rc, size, err := s.deps.Storage.ReadLog(number, offset)
	if err != nil {
		s.log.WithError(err).
			WithField("build", number).
			Error("Failed to open build log")

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"reading build log"})

		return
	}

	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Log-Size", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		s.log.WithError(err).
			WithField("build", number).
			Debug("Log stream interrupted")
	}
}

// --- Artifacts ---

// handleDownload streams the build's working directory as a gzipped
// tarball. Requires a complete build.
func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	number, err := buildNumber(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	rec, err := s.deps.Registry.Get(number)
	if err != nil {
		writeBuildError(w, err)

		return
	}

	switch rec.Status() {
	case build.StatusComplete:
	case build.StatusInvalid, build.StatusQueued, build.StatusBuilding, build.StatusError:
		writeBuildError(w, build.ErrBuildNotCompleted)

		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="build-%d.tar.gz"`, number))

	if err := s.deps.Storage.Archive(number, w); err != nil {
		// Headers are already out; all we can do is log and cut the
		// stream short.
		s.log.WithError(err).
			WithField("build", number).
			Error("Failed to archive build artifacts")

		return
	}

	if err := rec.Annotate(build.ActionDownload); err != nil {
		s.log.WithError(err).
			WithField("build", number).
			Warn("Failed to record download marker")
	}
}

// --- Post-build actions ---

type actionResponse struct {
	BuildNumber uint64 `json:"buildNumber"`
	Action      string `json:"action"`
	Output      string `json:"output,omitempty"`
}

// handleAction dispatches emulate/deploy/run/debug. The action name is
// the final path segment.
func (s *server) handleAction(w http.ResponseWriter, r *http.Request) {
	number, err := buildNumber(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	action, ok := build.ParseAction(path.Base(r.URL.Path))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"unknown action"})

		return
	}

	output, err := s.deps.Actions.Execute(r.Context(), number, action)
	if err != nil {
		switch {
		case errors.Is(err, build.ErrBuildNotFound),
			errors.Is(err, build.ErrBuildNotCompleted),
			errors.Is(err, build.ErrActionNotSupported):
			writeBuildError(w, err)
		default:
			// Device-bridge failures are surfaced verbatim.
			writeJSON(w, http.StatusBadGateway, errorResponse{
				fmt.Sprintf("%v: %s", err, string(output)),
			})
		}

		return
	}

	writeJSON(w, http.StatusOK, actionResponse{
		BuildNumber: number,
		Action:      string(action),
		Output:      string(output),
	})
}
