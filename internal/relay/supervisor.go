/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package relay owns the running set of source sessions: it binds persisted
// station configuration to live NTRIP client connections and keeps the
// caster's mountpoint registry in step.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/ntrip_relay/internal/caster"
	"github.com/friendsincode/ntrip_relay/internal/events"
	"github.com/friendsincode/ntrip_relay/internal/models"
	"github.com/friendsincode/ntrip_relay/internal/ntripclient"
	"github.com/friendsincode/ntrip_relay/internal/repository"
	"github.com/friendsincode/ntrip_relay/internal/sourcetable"
	"github.com/friendsincode/ntrip_relay/internal/telemetry"
)

var (
	// ErrStationNotFound indicates the station id does not exist.
	ErrStationNotFound = errors.New("station not found")

	// ErrStationInvalid indicates the station record is missing fields
	// required to start a relay.
	ErrStationInvalid = errors.New("station configuration incomplete")
)

// Config tunes the supervisor and the source clients it creates.
type Config struct {
	DataTimeout          time.Duration // source considered offline without data for this long
	KeepaliveInterval    time.Duration
	KeepaliveAltitude    float64
	ProbeTimeout         time.Duration
	ReadTimeout          time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

func (c *Config) applyDefaults() {
	if c.DataTimeout == 0 {
		c.DataTimeout = 15 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 60 * time.Second
	}
	if c.KeepaliveAltitude == 0 {
		c.KeepaliveAltitude = 100
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
}

// session is one running relay: a station snapshot plus its source client.
type session struct {
	station models.Station
	client  *ntripclient.Client

	mu            sync.Mutex
	keepaliveStop chan struct{}
}

// startKeepalive begins the periodic GGA position report. A previous
// keep-alive loop, if any, is stopped first.
func (s *session) startKeepalive(interval time.Duration, alt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
	}
	stop := make(chan struct{})
	s.keepaliveStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.client.SendPosition(s.station.Latitude, s.station.Longitude, alt)
			}
		}
	}()
}

func (s *session) stopKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveStop = nil
	}
}

// Supervisor is the single source of truth for which relays run.
type Supervisor struct {
	cfg    Config
	repo   repository.Repository
	caster *caster.Server
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session // mountpoint name -> session
}

// NewSupervisor builds a supervisor bound to one repository and one caster.
func NewSupervisor(cfg Config, repo repository.Repository, cs *caster.Server, bus *events.Bus, logger zerolog.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:      cfg,
		repo:     repo,
		caster:   cs,
		bus:      bus,
		logger:   logger.With().Str("component", "relay").Logger(),
		sessions: make(map[string]*session),
	}
}

// StartResult reports the outcome of Start.
type StartResult struct {
	Station        models.Station
	AlreadyRunning bool
}

// Start loads the station and brings its relay up. Starting a relay that is
// already running and connected is a no-op.
func (s *Supervisor) Start(ctx context.Context, stationID string) (*StartResult, error) {
	station, err := s.repo.StationFindByID(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("load station: %w", err)
	}
	if station == nil {
		return nil, ErrStationNotFound
	}
	if err := validateStation(station); err != nil {
		return nil, err
	}

	s.mu.Lock()
	existing, wasRunning := s.sessions[station.Name]
	if wasRunning && existing.client.Stats().Connected {
		s.mu.Unlock()
		return &StartResult{Station: *station, AlreadyRunning: true}, nil
	}
	if wasRunning {
		delete(s.sessions, station.Name)
	}
	s.mu.Unlock()

	if wasRunning {
		// Running but not connected: tear down and rebuild.
		existing.stopKeepalive()
		existing.client.Disconnect()
	}

	s.caster.RegisterMountpoint(caster.MountpointFromStation(*station))

	sess := &session{station: *station}
	name := station.Name
	sess.client = ntripclient.New(ntripclient.Config{
		Host:                 station.SourceHost,
		Port:                 station.SourcePort,
		Mountpoint:           station.SourceMountpoint,
		Username:             station.SourceUsername,
		Password:             station.SourcePassword,
		ReadTimeout:          s.cfg.ReadTimeout,
		ReconnectInterval:    s.cfg.ReconnectInterval,
		MaxReconnectAttempts: s.cfg.MaxReconnectAttempts,
	}, ntripclient.Callbacks{
		OnFrame: func(frame []byte) {
			s.caster.Broadcast(name, frame)
		},
		OnConnected: func() {
			telemetry.SourceConnected.WithLabelValues(name).Set(1)
			s.bus.Publish(events.EventSourceConnected, events.Payload{"mountpoint": name})
			// Sent off the hook goroutine: hooks must not call back into
			// the client.
			go sess.client.SendPosition(sess.station.Latitude, sess.station.Longitude, s.cfg.KeepaliveAltitude)
			sess.startKeepalive(s.cfg.KeepaliveInterval, s.cfg.KeepaliveAltitude)
		},
		OnDisconnected: func() {
			telemetry.SourceConnected.WithLabelValues(name).Set(0)
			telemetry.SourceReconnects.WithLabelValues(name).Inc()
			s.bus.Publish(events.EventSourceDisconnected, events.Payload{"mountpoint": name})
			sess.stopKeepalive()
		},
		OnError: func(err error) {
			// The client drives its own reconnects; nothing to do here
			// beyond surfacing the failure.
			s.logger.Warn().Err(err).Str("mountpoint", name).Msg("source client error")
			s.bus.Publish(events.EventSourceError, events.Payload{"mountpoint": name, "error": err.Error()})
		},
	}, s.logger)

	s.mu.Lock()
	if _, exists := s.sessions[name]; exists {
		// Lost a race with a concurrent Start; the winner's session runs.
		s.mu.Unlock()
		return &StartResult{Station: *station, AlreadyRunning: true}, nil
	}
	s.sessions[name] = sess
	s.mu.Unlock()

	sess.client.Connect()

	if station.Status != models.StationActive {
		if err := s.repo.StationUpdateStatus(ctx, station.ID, models.StationActive); err != nil {
			// The running set stays the truth; a failed status write is
			// logged and swallowed.
			s.logger.Error().Err(err).Str("station_id", station.ID).Msg("failed to persist station status")
		}
	}

	s.bus.Publish(events.EventRelayStarted, events.Payload{"mountpoint": name, "station_id": station.ID})
	s.logger.Info().Str("mountpoint", name).Str("station_id", station.ID).Msg("relay started")
	return &StartResult{Station: *station}, nil
}

// Stop tears down the relay for a mountpoint. Stopping a mountpoint that is
// not running still unregisters it from the caster and succeeds.
func (s *Supervisor) Stop(ctx context.Context, mountpoint string, persistStatus bool) error {
	s.mu.Lock()
	sess := s.sessions[mountpoint]
	delete(s.sessions, mountpoint)
	s.mu.Unlock()

	if sess != nil {
		sess.stopKeepalive()
		sess.client.Disconnect()
		telemetry.SourceConnected.WithLabelValues(mountpoint).Set(0)
	}

	s.caster.UnregisterMountpoint(mountpoint)

	if persistStatus {
		stationID := ""
		if sess != nil {
			stationID = sess.station.ID
		} else if station, err := s.repo.StationFindByName(ctx, mountpoint); err == nil && station != nil {
			stationID = station.ID
		}
		if stationID != "" {
			if err := s.repo.StationUpdateStatus(ctx, stationID, models.StationInactive); err != nil {
				s.logger.Error().Err(err).Str("station_id", stationID).Msg("failed to persist station status")
			}
		}
	}

	if sess != nil {
		s.bus.Publish(events.EventRelayStopped, events.Payload{"mountpoint": mountpoint})
		s.logger.Info().Str("mountpoint", mountpoint).Msg("relay stopped")
	}
	return nil
}

// SyncWithRepository converges the running set onto the repository's active
// stations: missing relays are started, stale ones stopped without touching
// their persisted status.
func (s *Supervisor) SyncWithRepository(ctx context.Context) error {
	if err := s.caster.RefreshFromRepository(ctx); err != nil {
		return err
	}

	active, err := s.repo.StationFindActive(ctx)
	if err != nil {
		return fmt.Errorf("load active stations: %w", err)
	}

	desired := make(map[string]string, len(active)) // name -> id
	for _, st := range active {
		desired[st.Name] = st.ID
	}

	s.mu.Lock()
	var stale []string
	for name := range s.sessions {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	running := make(map[string]bool, len(s.sessions))
	for name := range s.sessions {
		running[name] = true
	}
	s.mu.Unlock()

	for name, id := range desired {
		if running[name] {
			continue
		}
		if _, err := s.Start(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("mountpoint", name).Msg("failed to start relay during sync")
		}
	}
	for _, name := range stale {
		_ = s.Stop(ctx, name, false)
	}
	return nil
}

// RelayStatus is the per-mountpoint slice of the aggregate status view.
type RelayStatus struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	SourceConnected  bool   `json:"sourceConnected"`
	ClientsConnected int    `json:"clientsConnected"`
}

// StatusReport aggregates the supervisor and caster state.
type StatusReport struct {
	CasterRunning bool          `json:"casterRunning"`
	TotalRelays   int           `json:"totalRelays"`
	TotalRovers   int           `json:"totalRovers"`
	Relays        []RelayStatus `json:"relays"`
}

// Status reports the running set. A relay counts as source-connected only
// while data is actually flowing; a live TCP session that has gone silent
// past the data timeout reports offline.
func (s *Supervisor) Status() StatusReport {
	s.mu.Lock()
	sessions := make(map[string]*session, len(s.sessions))
	for name, sess := range s.sessions {
		sessions[name] = sess
	}
	s.mu.Unlock()

	report := StatusReport{
		CasterRunning: s.caster.Running(),
		TotalRelays:   len(sessions),
		TotalRovers:   s.caster.TotalRovers(),
		Relays:        make([]RelayStatus, 0, len(sessions)),
	}
	for name, sess := range sessions {
		report.Relays = append(report.Relays, RelayStatus{
			ID:               sess.station.ID,
			Name:             name,
			SourceConnected:  s.online(sess),
			ClientsConnected: s.caster.SubscriberCount(name),
		})
	}
	return report
}

// StationStatus is the admin view of one station's relay.
type StationStatus struct {
	StationName      string `json:"stationName"`
	SourceConnected  bool   `json:"sourceConnected"`
	SourceHost       string `json:"sourceHost"`
	SourceMountpoint string `json:"sourceMountpoint"`
	ClientsConnected int    `json:"clientsConnected"`
}

// StationStatus reports one station's relay, or nil when it is not running.
func (s *Supervisor) StationStatus(stationID string) *StationStatus {
	s.mu.Lock()
	var sess *session
	var name string
	for n, candidate := range s.sessions {
		if candidate.station.ID == stationID {
			sess, name = candidate, n
			break
		}
	}
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	return &StationStatus{
		StationName:      name,
		SourceConnected:  s.online(sess),
		SourceHost:       sess.station.SourceHost,
		SourceMountpoint: sess.station.SourceMountpoint,
		ClientsConnected: s.caster.SubscriberCount(name),
	}
}

// online is the liveness predicate: connected and data seen recently.
func (s *Supervisor) online(sess *session) bool {
	stats := sess.client.Stats()
	return stats.Connected &&
		!stats.LastDataAt.IsZero() &&
		time.Since(stats.LastDataAt) < s.cfg.DataTimeout
}

// ActiveRoverSessions lists the caster's connected rovers.
func (s *Supervisor) ActiveRoverSessions() []caster.RoverSnapshot {
	return s.caster.ActiveRovers()
}

// Mountpoints lists the running relay mountpoints.
func (s *Supervisor) Mountpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	return names
}

// ProbeSource fetches the sourcetable of a remote caster.
func (s *Supervisor) ProbeSource(ctx context.Context, host string, port int, username, password string) ([]sourcetable.Entry, error) {
	return sourcetable.Probe(ctx, host, port, username, password, s.cfg.ProbeTimeout)
}

// StartAll starts a relay for every active station and returns how many
// were started or already running.
func (s *Supervisor) StartAll(ctx context.Context) (int, error) {
	active, err := s.repo.StationFindActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active stations: %w", err)
	}
	started := 0
	for _, st := range active {
		if _, err := s.Start(ctx, st.ID); err != nil {
			s.logger.Error().Err(err).Str("station_id", st.ID).Msg("failed to start relay")
			continue
		}
		started++
	}
	return started, nil
}

// StopAll stops every running relay, persisting each station as inactive.
func (s *Supervisor) StopAll(ctx context.Context) int {
	names := s.Mountpoints()
	for _, name := range names {
		_ = s.Stop(ctx, name, true)
	}
	return len(names)
}

// Shutdown stops all sessions without touching persisted state, then stops
// the caster, destroying every rover socket.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, name := range s.Mountpoints() {
		_ = s.Stop(ctx, name, false)
	}
	s.caster.Stop()
	s.logger.Info().Msg("relay supervisor shut down")
}

func validateStation(st *models.Station) error {
	switch {
	case st.Name == "":
		return fmt.Errorf("%w: mountpoint name is empty", ErrStationInvalid)
	case st.SourceHost == "":
		return fmt.Errorf("%w: source host is empty", ErrStationInvalid)
	case st.SourcePort < 1 || st.SourcePort > 65535:
		return fmt.Errorf("%w: source port %d out of range", ErrStationInvalid, st.SourcePort)
	case st.SourceMountpoint == "":
		return fmt.Errorf("%w: source mountpoint is empty", ErrStationInvalid)
	}
	return nil
}
