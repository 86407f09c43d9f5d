package web

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	names, err := s.sessions.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": names}, s.logger)
}

func (s *Server) handleSessionRevive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.agent.Revive(name); err != nil {
		code := http.StatusConflict
		if errors.Is(err, fs.ErrNotExist) {
			code = http.StatusNotFound
		}
		s.errorResponse(w, code, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.agent.Status(), s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("name")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// seedBody is the seed apply/save payload.
type seedBody struct {
	Name string `json:"name,omitempty"`
	Seed string `json:"seed"`
}

func (s *Server) handleSeedApply(w http.ResponseWriter, r *http.Request) {
	var body seedBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Seed == "" {
		s.errorResponse(w, http.StatusBadRequest, "seed is required")
		return
	}
	if err := s.agent.ApplySeed(body.Seed); err != nil {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.agent.Status(), s.logger)
}

func (s *Server) handleSeedList(w http.ResponseWriter, r *http.Request) {
	names, err := s.seeds.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"seeds": names}, s.logger)
}

func (s *Server) handleSeedSave(w http.ResponseWriter, r *http.Request) {
	var body seedBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" || body.Seed == "" {
		s.errorResponse(w, http.StatusBadRequest, "name and seed are required")
		return
	}
	if err := s.seeds.Save(body.Name, body.Seed); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSeedGet(w http.ResponseWriter, r *http.Request) {
	seed, err := s.seeds.Load(r.PathValue("name"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, fs.ErrNotExist) {
			code = http.StatusNotFound
		}
		s.errorResponse(w, code, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, seedBody{Name: r.PathValue("name"), Seed: seed}, s.logger)
}

func (s *Server) handleSeedDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.seeds.Delete(r.PathValue("name")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
