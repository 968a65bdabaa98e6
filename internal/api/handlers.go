package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, devices)
}

// handleStatus returns the latest snapshot by default. ?all=true
// returns full history; ?since=<RFC3339> returns readings after the
// given instant.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeBadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		statuses, err := s.status.Since(ctx, t)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
		return
	}

	if r.URL.Query().Get("all") == "true" {
		statuses, err := s.status.All(ctx)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
		return
	}

	statuses, err := s.status.Recent(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var setting device.Setting
	if err := json.NewDecoder(r.Body).Decode(&setting); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if err := s.devices.SetSetting(r.Context(), chi.URLParam(r, "uid"), setting); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.Reinitialize(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if err := s.detect.Detect(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.Profiles(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var profile device.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	saved, err := s.profiles.SaveProfile(r.Context(), profile)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.DeleteProfile(r.Context(), chi.URLParam(r, "uid")); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	functions, err := s.profiles.Functions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, functions)
}

func (s *Server) handleSaveFunction(w http.ResponseWriter, r *http.Request) {
	var fn device.Function
	if err := json.NewDecoder(r.Body).Decode(&fn); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	saved, err := s.profiles.SaveFunction(r.Context(), fn)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.DeleteFunction(r.Context(), chi.URLParam(r, "uid")); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListModes(w http.ResponseWriter, r *http.Request) {
	modes, err := s.modes.Modes(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, modes)
}

func (s *Server) handleSaveMode(w http.ResponseWriter, r *http.Request) {
	var mode store.Mode
	if err := json.NewDecoder(r.Body).Decode(&mode); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	saved, err := s.modes.SaveMode(r.Context(), mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteMode(w http.ResponseWriter, r *http.Request) {
	if err := s.modes.DeleteMode(r.Context(), chi.URLParam(r, "uid")); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleActivateMode(w http.ResponseWriter, r *http.Request) {
	if err := s.modes.Activate(r.Context(), chi.URLParam(r, "uid")); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}
