package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tangled.org/treadle/db"
	"tangled.org/treadle/engine"
	"tangled.org/treadle/models"
	"tangled.org/treadle/pipeline"
	"tangled.org/treadle/queue"
)

type submitRequest struct {
	// Definition is the pipeline document, verbatim yaml.
	Definition string `json:"definition"`
	// Ref is the branch or tag name the pipeline runs against.
	Ref string `json:"ref"`
	// Tag marks the ref as a tag rather than a branch.
	Tag bool `json:"tag,omitempty"`
	// Variables are merged over the definition's variables.
	Variables map[string]string `json:"variables,omitempty"`
	// Play pre-approves manual jobs by name.
	Play []string `json:"play,omitempty"`
}

type submitResponse struct {
	ID       string   `json:"id"`
	Warnings []string `json:"warnings,omitempty"`
}

type pipelineResponse struct {
	db.Run
	Jobs []db.Job `json:"jobs"`
}

func (s *Server) SubmitPipeline(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "SubmitPipeline")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Ref == "" {
		writeError(w, "ref is required", http.StatusBadRequest)
		return
	}

	def, err := pipeline.Parse([]byte(req.Definition))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	diags := def.Validate()
	if diags.IsErr() {
		msgs := make([]string, 0, len(diags.Errors))
		for _, e := range diags.Errors {
			msgs = append(msgs, e.String())
		}
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid pipeline",
			"errors": msgs,
		})
		return
	}

	rctx := pipeline.RunContext{
		Ref:       req.Ref,
		IsTag:     req.Tag,
		Variables: req.Variables,
		Manual:    manualSet(req.Play),
	}

	id := uuid.NewString()
	l = l.With("pipeline", id, "ref", req.Ref)

	_, planDiags := pipeline.BuildPlan(def, rctx)
	diags.Combine(planDiags)

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			_, err := s.eng.Execute(s.baseCtx, def, rctx, id)
			return err
		},
		OnFail: func(err error) {
			l.Error("pipeline failed", "err", err)
		},
	})
	if !ok {
		l.Error("failed to enqueue pipeline: queue is full")
		writeError(w, "queue is full", http.StatusServiceUnavailable)
		return
	}
	l.Info("pipeline enqueued successfully")

	resp := submitResponse{ID: id}
	for _, warning := range diags.Warnings {
		resp.Warnings = append(resp.Warnings, warning.String())
	}
	writeJSONStatus(w, http.StatusAccepted, resp)
}

func (s *Server) ListPipelines(w http.ResponseWriter, r *http.Request) {
	cursor := int64(0)
	if c := r.URL.Query().Get("cursor"); c != "" {
		parsed, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			writeError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	runs, err := s.db.GetRuns(cursor)
	if err != nil {
		s.l.Error("failed to list pipelines", "err", err)
		writeError(w, "failed to list pipelines", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"pipelines": runs})
}

func (s *Server) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, jobs, err := s.db.GetRun(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, "pipeline not found", http.StatusNotFound)
			return
		}
		s.l.Error("failed to get pipeline", "pipeline", id, "err", err)
		writeError(w, "failed to get pipeline", http.StatusInternalServerError)
		return
	}

	writeJSON(w, pipelineResponse{Run: run, Jobs: jobs})
}

func (s *Server) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.eng.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrUnknownRun) {
			writeError(w, "pipeline not found", http.StatusNotFound)
			return
		}
		s.l.Error("failed to cancel pipeline", "pipeline", id, "err", err)
		writeError(w, "failed to cancel pipeline", http.StatusInternalServerError)
		return
	}

	s.l.Info("pipeline cancel requested", "pipeline", id)
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) PlayJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := chi.URLParam(r, "job")

	if err := s.eng.Play(id, job); err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownRun):
			writeError(w, "pipeline not found", http.StatusNotFound)
		case errors.Is(err, engine.ErrUnknownJob):
			writeError(w, "job not found", http.StatusNotFound)
		case errors.Is(err, engine.ErrNotManual):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			s.l.Error("failed to play job", "pipeline", id, "job", job, "err", err)
			writeError(w, "failed to play job", http.StatusInternalServerError)
		}
		return
	}

	s.l.Info("manual job played", "pipeline", id, "job", job)
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "playing"})
}

// Logs serves a job's log file as newline-delimited json, one record
// per line as written by the job logger.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := chi.URLParam(r, "job")

	f, err := models.OpenLogFile(s.cfg.Pipelines.LogDir, id, job)
	if err != nil {
		writeError(w, "logs not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, f); err != nil {
		s.l.Error("failed to stream logs", "pipeline", id, "job", job, "err", err)
	}
}

func manualSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}
