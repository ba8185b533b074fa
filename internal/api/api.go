/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the relay supervisor's admin surface as a thin
// HTTP/JSON layer. Authentication of this surface belongs to the deployment
// (reverse proxy, gateway); middleware can be layered onto the router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/ntrip_relay/internal/caster"
	"github.com/friendsincode/ntrip_relay/internal/models"
	"github.com/friendsincode/ntrip_relay/internal/relay"
	"github.com/friendsincode/ntrip_relay/internal/sourcetable"
)

// Service is the slice of the supervisor the API needs.
type Service interface {
	Start(ctx context.Context, stationID string) (*relay.StartResult, error)
	Stop(ctx context.Context, mountpoint string, persistStatus bool) error
	SyncWithRepository(ctx context.Context) error
	StartAll(ctx context.Context) (int, error)
	StopAll(ctx context.Context) int
	Status() relay.StatusReport
	StationStatus(stationID string) *relay.StationStatus
	ActiveRoverSessions() []caster.RoverSnapshot
	ProbeSource(ctx context.Context, host string, port int, username, password string) ([]sourcetable.Entry, error)
}

// API exposes HTTP handlers over the relay service.
type API struct {
	svc    Service
	logger zerolog.Logger
}

// New creates the admin API.
func New(svc Service, logger zerolog.Logger) *API {
	return &API{
		svc:    svc,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router for the admin surface.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Post("/relays/{stationID}/start", a.handleStart)
		r.Post("/relays/{mountpoint}/stop", a.handleStop)
		r.Post("/relays/sync", a.handleSync)
		r.Post("/relays/start-all", a.handleStartAll)
		r.Post("/relays/stop-all", a.handleStopAll)
		r.Get("/status", a.handleStatus)
		r.Get("/stations/{stationID}/status", a.handleStationStatus)
		r.Get("/rovers/sessions", a.handleRoverSessions)
		r.Post("/probe", a.handleProbe)
	})

	return r
}

// stationView is the station read model; upstream credentials stay private.
type stationView struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	SourceHost       string  `json:"sourceHost"`
	SourcePort       int     `json:"sourcePort"`
	SourceMountpoint string  `json:"sourceMountpoint"`
	Status           string  `json:"status"`
}

func viewStation(st models.Station) stationView {
	return stationView{
		ID:               st.ID,
		Name:             st.Name,
		Description:      st.Description,
		Latitude:         st.Latitude,
		Longitude:        st.Longitude,
		SourceHost:       st.SourceHost,
		SourcePort:       st.SourcePort,
		SourceMountpoint: st.SourceMountpoint,
		Status:           string(st.Status),
	}
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationID")

	result, err := a.svc.Start(r.Context(), stationID)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrStationNotFound):
			a.writeError(w, http.StatusNotFound, "station not found")
		case errors.Is(err, relay.ErrStationInvalid):
			a.writeError(w, http.StatusBadRequest, err.Error())
		default:
			a.logger.Error().Err(err).Str("station_id", stationID).Msg("start relay failed")
			a.writeError(w, http.StatusInternalServerError, "failed to start relay")
		}
		return
	}

	message := "relay started"
	if result.AlreadyRunning {
		message = "relay already running"
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": message,
		"station": viewStation(result.Station),
	})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	mountpoint := chi.URLParam(r, "mountpoint")
	persist := r.URL.Query().Get("persist") != "false"

	if err := a.svc.Stop(r.Context(), mountpoint, persist); err != nil {
		a.logger.Error().Err(err).Str("mountpoint", mountpoint).Msg("stop relay failed")
		a.writeError(w, http.StatusInternalServerError, "failed to stop relay")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "relay stopped"})
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.SyncWithRepository(r.Context()); err != nil {
		a.logger.Error().Err(err).Msg("sync failed")
		a.writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleStartAll(w http.ResponseWriter, r *http.Request) {
	started, err := a.svc.StartAll(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("start-all failed")
		a.writeError(w, http.StatusInternalServerError, "start-all failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "started": started})
}

func (a *API) handleStopAll(w http.ResponseWriter, r *http.Request) {
	stopped := a.svc.StopAll(r.Context())
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stopped": stopped})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.svc.Status())
}

func (a *API) handleStationStatus(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationID")
	status := a.svc.StationStatus(stationID)
	if status == nil {
		a.writeError(w, http.StatusNotFound, "relay not running")
		return
	}
	a.writeJSON(w, http.StatusOK, status)
}

func (a *API) handleRoverSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.svc.ActiveRoverSessions()
	if sessions == nil {
		sessions = []caster.RoverSnapshot{}
	}
	a.writeJSON(w, http.StatusOK, sessions)
}

type probeRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Host == "" || req.Port < 1 || req.Port > 65535 {
		a.writeError(w, http.StatusBadRequest, "host and port are required")
		return
	}

	entries, err := a.svc.ProbeSource(r.Context(), req.Host, req.Port, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, sourcetable.ErrUnauthorized):
			a.writeError(w, http.StatusUnauthorized, "source caster rejected credentials")
		case errors.Is(err, sourcetable.ErrTimeout):
			a.writeError(w, http.StatusGatewayTimeout, "source caster probe timed out")
		default:
			a.logger.Warn().Err(err).Str("host", req.Host).Msg("probe failed")
			a.writeError(w, http.StatusBadGateway, "probe failed")
		}
		return
	}
	if entries == nil {
		entries = []sourcetable.Entry{}
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error().Err(err).Msg("encode response failed")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]any{"ok": false, "message": message})
}
