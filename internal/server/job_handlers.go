package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"astrostack/internal/pipeline"
	"astrostack/internal/storage"
)

const maxJobBody = 1 << 20

// JobDetailResponse is a job with its latest result meta and per-frame registrations
type JobDetailResponse struct {
	Job           storage.JobRecord            `json:"job"`
	Meta          map[string]any               `json:"meta,omitempty"`
	Registrations []storage.RegistrationRecord `json:"registrations,omitempty"`
}

// setupJobRoutes adds job submission and inspection endpoints
func (s *Server) setupJobRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobDetail).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		http.Error(w, fmt.Sprintf("invalid job: %v", err), http.StatusBadRequest)
		return
	}

	switch job.Type {
	case pipeline.JobStack, pipeline.JobRegister:
		if job.InputPath == "" && job.Options["frames"] == nil {
			http.Error(w, "input or options.frames is required", http.StatusBadRequest)
			return
		}
	case pipeline.JobPreview:
		if job.InputPath == "" {
			http.Error(w, "input is required", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, fmt.Sprintf("unknown job type %q", job.Type), http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if err := s.jobs.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("job submitted over HTTP", "id", job.ID, "type", job.Type)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := JobDetailResponse{Job: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		resp.Meta = meta
	}
	regs, err := s.store.Registrations(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.Registrations = regs
	writeJSON(w, http.StatusOK, resp)
}
