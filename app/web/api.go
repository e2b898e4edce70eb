package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/ganga/app/job"
	"github.com/umputun/ganga/app/registry"
	"github.com/umputun/ganga/app/repository"
	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/service"
)

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Version    string                      `json:"version"`
	Hostname   string                      `json:"hostname,omitempty"`
	Uptime     string                      `json:"uptime"`
	Monitor    *service.Stats              `json:"monitor,omitempty"`
	Registries map[string]APIRegistryStats `json:"registries"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// APIRegistryStats counts objects of a registry by status
type APIRegistryStats struct {
	Total    int            `json:"total"`
	Statuses map[string]int `json:"statuses,omitempty"`
	Errors   int            `json:"errors"`
}

// APIRegistryResponse is the JSON response for /api/v1/registries/{name}
type APIRegistryResponse struct {
	Name    string      `json:"name"`
	Objects []APIObject `json:"objects"`
}

// APIObject is a summary of a registry object
type APIObject struct {
	ID    int               `json:"id"`
	Index map[string]string `json:"index"`
	Error string            `json:"error,omitempty"`
}

// APIJob represents a job with its subjobs in JSON API response
type APIJob struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Comment     string            `json:"comment,omitempty"`
	Status      string            `json:"status"`
	Command     string            `json:"command,omitempty"`
	Backend     string            `json:"backend,omitempty"`
	InputFiles  []string          `json:"inputfiles,omitempty"`
	OutputFiles []string          `json:"outputfiles,omitempty"`
	Timestamps  map[string]string `json:"timestamps,omitempty"`
	Subjobs     []APISubjob       `json:"subjobs,omitempty"`
}

// APISubjob is a short subjob info
type APISubjob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleAPIStatus returns versions, monitor stats and per-registry counters
func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	resp := APIStatusResponse{
		Version:    shortVersion(s.Version),
		Hostname:   s.Hostname,
		Uptime:     time.Since(s.startedAt).Truncate(time.Second).String(),
		Registries: map[string]APIRegistryStats{},
		Timestamp:  time.Now(),
	}
	if s.Monitor != nil {
		st := s.Monitor.Stats()
		resp.Monitor = &st
	}
	for _, name := range registry.Names {
		reg, err := s.Registries.Get(name)
		if err != nil {
			continue
		}
		stats := APIRegistryStats{Statuses: map[string]int{}}
		for _, sm := range reg.Summaries() {
			stats.Total++
			if sm.Err != nil {
				stats.Errors++
				continue
			}
			if st, ok := sm.Index["status"]; ok {
				stats.Statuses[st]++
			}
		}
		resp.Registries[name] = stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIRegistry returns summaries of all objects of the registry, optionally filtered by status
func (s *Server) handleAPIRegistry(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registry(w, r)
	if !ok {
		return
	}
	status := r.URL.Query().Get("status")
	resp := APIRegistryResponse{Name: reg.Name(), Objects: []APIObject{}}
	for _, sm := range reg.Summaries() {
		if status != "" && sm.Index["status"] != status {
			continue
		}
		obj := APIObject{ID: sm.ID, Index: sm.Index}
		if sm.Err != nil {
			obj.Error = sm.Err.Error()
		}
		resp.Objects = append(resp.Objects, obj)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIObject dumps the object as stored by the streamer
func (s *Server) handleAPIObject(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registry(w, r)
	if !ok {
		return
	}
	var data []byte
	err := reg.LookupView(r.PathValue("key"), func(obj schema.Object) (err error) {
		data, err = s.streamer.ToStream(obj)
		return err
	})
	if err != nil {
		s.lookupError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("[WARN] failed to write object: %v", err)
	}
}

// handleAPIJob returns job by key, "3" for the job, "3.1" for its subjob
func (s *Server) handleAPIJob(w http.ResponseWriter, r *http.Request) {
	var resp APIJob
	err := s.Registries.Jobs().LookupView(r.PathValue("key"), func(obj schema.Object) error {
		j, ok := obj.(*job.Job)
		if !ok {
			return errors.New("not a job")
		}
		resp = toAPIJob(j)
		return nil
	})
	if err != nil {
		s.lookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func toAPIJob(j *job.Job) APIJob {
	res := APIJob{
		ID:          j.FQID(),
		Name:        j.Name,
		Comment:     j.Comment,
		Status:      string(j.Status),
		InputFiles:  j.InputFiles,
		OutputFiles: j.OutputFiles,
		Timestamps:  j.Timestamps,
	}
	if j.Application != nil {
		res.Command = job.ShellLine(j.Application)
	}
	if j.Backend != nil {
		res.Backend = j.Backend.Schema().Name
	}
	for _, sj := range j.Subjobs() {
		res.Subjobs = append(res.Subjobs, APISubjob{ID: sj.FQID(), Status: string(sj.Status)})
	}
	return res
}

// registry gets registry from the path, writes 404 if unknown
func (s *Server) registry(w http.ResponseWriter, r *http.Request) (*registry.Registry, bool) {
	reg, err := s.Registries.Get(r.PathValue("name"))
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, "registry not found")
		return nil, false
	}
	return reg, true
}

// lookupError maps registry errors to http codes
func (s *Server) lookupError(w http.ResponseWriter, err error) {
	var notFound *repository.ObjectNotInRegistryError
	var keyErr *registry.RegistryKeyError
	switch {
	case errors.As(err, &notFound):
		s.writeJSONError(w, http.StatusNotFound, "object not found")
	case errors.As(err, &keyErr):
		s.writeJSONError(w, http.StatusBadRequest, keyErr.Error())
	default:
		log.Printf("[ERROR] failed to lookup object: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load object")
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
