/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package caster implements the NTRIP 1.x serving side: a TCP listener that
// answers sourcetable requests, authenticates rovers against the repository,
// and fans RTCM frames out per mountpoint.
package caster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/friendsincode/ntrip_relay/internal/events"
	"github.com/friendsincode/ntrip_relay/internal/models"
	"github.com/friendsincode/ntrip_relay/internal/nmea"
	"github.com/friendsincode/ntrip_relay/internal/repository"
	"github.com/friendsincode/ntrip_relay/internal/sourcetable"
	"github.com/friendsincode/ntrip_relay/internal/telemetry"
)

const roverKeepalivePeriod = 30 * time.Second

// Config holds caster listener configuration.
type Config struct {
	Host     string
	Port     int
	Operator string
	Country  string
}

// Mountpoint is the cached sourcetable metadata of a live station.
type Mountpoint struct {
	Name       string
	Identifier string
	Lat        float64
	Lon        float64
	Carrier    string
	NavSystem  string
	Network    string
	Country    string
}

// MountpointFromStation derives the caster metadata for a station record.
func MountpointFromStation(st models.Station) Mountpoint {
	return Mountpoint{
		Name:       st.Name,
		Identifier: st.Description,
		Lat:        st.Latitude,
		Lon:        st.Longitude,
		Carrier:    st.Carrier,
		NavSystem:  st.NavSystem,
		Network:    st.Network,
		Country:    st.Country,
	}
}

// liveStation pairs mountpoint metadata with its subscriber set. The
// subscriber map is guarded by the server registry lock.
type liveStation struct {
	meta        Mountpoint
	subscribers map[string]*RoverSession
}

// Server is the NTRIP caster.
type Server struct {
	cfg    Config
	repo   repository.Repository
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.RWMutex
	ln       net.Listener
	running  bool
	stations map[string]*liveStation
	sessions map[string]*RoverSession
	conns    map[net.Conn]struct{} // every accepted socket, pre- and post-auth

	wg sync.WaitGroup
}

// NewServer creates a caster bound to the given repository for rover auth.
func NewServer(cfg Config, repo repository.Repository, bus *events.Bus, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		repo:     repo,
		bus:      bus,
		logger:   logger.With().Str("component", "caster").Logger(),
		stations: make(map[string]*liveStation),
		sessions: make(map[string]*RoverSession),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting rovers. Idempotent.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("caster listen %s: %w", addr, err)
	}
	s.ln = ln
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info().Str("addr", addr).Msg("caster listening")
	return nil
}

// Stop unbinds the listener and destroys every rover session. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.ln
	s.ln = nil

	victims := make([]*RoverSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		victims = append(victims, sess)
	}
	s.sessions = make(map[string]*RoverSession)
	for _, st := range s.stations {
		st.subscribers = make(map[string]*RoverSession)
	}
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range victims {
		telemetry.ConnectedRovers.WithLabelValues(sess.Mountpoint).Dec()
	}
	// Destroying the sockets unblocks every connection goroutine,
	// authenticated or not.
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("caster stopped")
}

// Running reports whether the listener is bound.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound listener address, or empty when stopped.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// RegisterMountpoint inserts or replaces a mountpoint entry. Replacing only
// updates metadata; subscribers are never disturbed.
func (s *Server) RegisterMountpoint(meta Mountpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stations[meta.Name]; ok {
		st.meta = meta
		return
	}
	s.stations[meta.Name] = &liveStation{
		meta:        meta,
		subscribers: make(map[string]*RoverSession),
	}
	s.logger.Debug().Str("mountpoint", meta.Name).Msg("mountpoint registered")
}

// UnregisterMountpoint drops the mountpoint and destroys its subscribers.
func (s *Server) UnregisterMountpoint(name string) {
	s.mu.Lock()
	st, ok := s.stations[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.stations, name)
	victims := make([]*RoverSession, 0, len(st.subscribers))
	for id, sess := range st.subscribers {
		victims = append(victims, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range victims {
		_ = sess.conn.Close()
		telemetry.ConnectedRovers.WithLabelValues(name).Dec()
		s.publishRoverDisconnect(sess, "mountpoint unregistered")
	}
	s.logger.Debug().Str("mountpoint", name).Int("evicted", len(victims)).Msg("mountpoint unregistered")
}

// Mountpoints lists the registered mountpoint names.
func (s *Server) Mountpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stations))
	for name := range s.stations {
		names = append(names, name)
	}
	return names
}

// SubscriberCount returns the number of rovers on one mountpoint.
func (s *Server) SubscriberCount(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stations[name]; ok {
		return len(st.subscribers)
	}
	return 0
}

// TotalRovers returns the number of connected rover sessions.
func (s *Server) TotalRovers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Broadcast writes data to every writable subscriber of the mountpoint and
// evicts those whose write fails. Returns the number of successful writes.
func (s *Server) Broadcast(name string, data []byte) int {
	if len(data) == 0 {
		return 0
	}

	s.mu.RLock()
	st, ok := s.stations[name]
	if !ok {
		s.mu.RUnlock()
		return 0
	}
	snapshot := make([]*RoverSession, 0, len(st.subscribers))
	for _, sess := range st.subscribers {
		snapshot = append(snapshot, sess)
	}
	s.mu.RUnlock()

	sent := 0
	for _, sess := range snapshot {
		if err := sess.write(data); err != nil {
			s.logger.Debug().Err(err).
				Str("session_id", sess.ID).
				Str("mountpoint", name).
				Msg("broadcast write failed, evicting rover")
			telemetry.RoverEvictions.Inc()
			s.evictSession(sess, "write failed")
			continue
		}
		sent++
	}

	telemetry.RTCMBytesRelayed.WithLabelValues(name).Add(float64(len(data)))
	return sent
}

// Sourcetable renders the full sourcetable response for the registry.
func (s *Server) Sourcetable() []byte {
	s.mu.RLock()
	entries := make([]sourcetable.Entry, 0, len(s.stations))
	for _, st := range s.stations {
		e := sourcetable.Entry{
			Name:       st.meta.Name,
			Identifier: st.meta.Identifier,
			Carrier:    st.meta.Carrier,
			NavSystem:  st.meta.NavSystem,
			Network:    st.meta.Network,
			Country:    st.meta.Country,
			Lat:        st.meta.Lat,
			Lon:        st.meta.Lon,
		}
		e.FillDefaults()
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	return sourcetable.Render(entries, sourcetable.CasterInfo{
		Host:     s.cfg.Host,
		Port:     s.cfg.Port,
		Operator: s.cfg.Operator,
		Country:  s.cfg.Country,
	})
}

// ActiveRovers snapshots every connected session.
func (s *Server) ActiveRovers() []RoverSnapshot {
	s.mu.RLock()
	sessions := make([]*RoverSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	snaps := make([]RoverSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.snapshot())
	}
	return snaps
}

// RefreshFromRepository reconciles the live station set against the
// repository's active stations: missing mountpoints are added, stale ones
// removed along with their subscribers.
func (s *Server) RefreshFromRepository(ctx context.Context) error {
	active, err := s.repo.StationFindActive(ctx)
	if err != nil {
		return fmt.Errorf("refresh mountpoints: %w", err)
	}

	desired := make(map[string]Mountpoint, len(active))
	for _, st := range active {
		desired[st.Name] = MountpointFromStation(st)
	}

	s.mu.RLock()
	var stale []string
	for name := range s.stations {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	s.mu.RUnlock()

	for _, meta := range desired {
		s.RegisterMountpoint(meta)
	}
	for _, name := range stale {
		s.UnregisterMountpoint(name)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if !running {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handleConn(conn)
		}()
	}
}

// handleConn drives one rover connection from request head to eviction.
func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	head, residual, err := readRequestHead(conn)
	if err != nil {
		s.respond(conn, "HTTP/1.1 400 Bad Request", "ERROR - Bad Request")
		// Drain whatever the peer is still sending so the close does not
		// reset the connection under the response.
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _ = io.Copy(io.Discard, conn)
		_ = conn.Close()
		return
	}

	req, err := parseRequest(head)
	if err != nil {
		s.respond(conn, "HTTP/1.1 400 Bad Request", "ERROR - Bad Request")
		_ = conn.Close()
		return
	}

	if req.method != "GET" {
		s.respond(conn, "HTTP/1.1 405 Method Not Allowed", "")
		_ = conn.Close()
		return
	}

	name := strings.TrimPrefix(req.target, "/")
	if name == "" {
		_ = conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
		_, _ = conn.Write(s.Sourcetable())
		_ = conn.Close()
		return
	}

	s.mu.RLock()
	_, registered := s.stations[name]
	s.mu.RUnlock()
	if !registered {
		s.respond(conn, "HTTP/1.1 404 Not Found", "ERROR - Mountpoint not found")
		_ = conn.Close()
		return
	}

	rover, ok := s.authenticate(req, remote)
	if !ok {
		telemetry.RoverAuthFailures.Inc()
		s.respondUnauthorized(conn)
		_ = conn.Close()
		return
	}

	now := time.Now()
	if err := s.repo.RoverTouchLastConnection(context.Background(), rover.ID, now); err != nil {
		s.logger.Warn().Err(err).Str("rover_id", rover.ID).Msg("failed to update rover last connection")
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(roverKeepalivePeriod)
		_ = tcp.SetNoDelay(true)
	}

	ip := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		ip = host
	}

	session := &RoverSession{
		ID:          uuid.New().String(),
		Mountpoint:  name,
		RoverID:     rover.ID,
		Username:    rover.Username,
		IP:          ip,
		ConnectedAt: now,
		conn:        conn,
	}

	_ = conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
	if _, err := conn.Write([]byte("ICY 200 OK\r\n\r\n")); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})

	s.mu.Lock()
	st, stillRegistered := s.stations[name]
	if !stillRegistered || !s.running {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	st.subscribers[session.ID] = session
	s.sessions[session.ID] = session
	s.mu.Unlock()

	telemetry.ConnectedRovers.WithLabelValues(name).Inc()
	s.logger.Info().
		Str("session_id", session.ID).
		Str("mountpoint", name).
		Str("username", rover.Username).
		Str("remote", remote).
		Msg("rover connected")
	s.bus.Publish(events.EventRoverConnect, events.Payload{
		"session_id": session.ID,
		"mountpoint": name,
		"rover_id":   rover.ID,
		"username":   rover.Username,
		"ip":         ip,
	})

	// Bytes that rode in with the request head are the first client
	// datagram of the streaming phase, typically a GGA sentence.
	s.ingest(session, residual)
}

// authenticate resolves the Basic credentials against the rover store.
func (s *Server) authenticate(req *request, remote string) (*models.Rover, bool) {
	header, ok := req.headers["authorization"]
	if !ok {
		return nil, false
	}
	username, password, ok := basicCredentials(header)
	if !ok {
		return nil, false
	}

	rover, err := s.repo.RoverFindByUsername(context.Background(), username)
	if err != nil {
		s.logger.Error().Err(err).Str("username", username).Msg("rover lookup failed")
		return nil, false
	}
	if rover == nil {
		s.logger.Warn().Str("username", username).Str("remote", remote).Msg("unknown rover")
		return nil, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rover.Password), []byte(password)); err != nil {
		s.logger.Warn().Str("username", username).Str("remote", remote).Msg("rover password mismatch")
		return nil, false
	}
	if !rover.IsCurrentlyActive(time.Now()) {
		s.logger.Warn().Str("username", username).Str("remote", remote).Msg("rover account not active")
		return nil, false
	}
	return rover, true
}

// ingest scans inbound rover bytes line-wise for GGA sentences until the
// socket dies. Outbound data never flows through here; it comes from
// Broadcast.
func (s *Server) ingest(session *RoverSession, residual []byte) {
	defer s.evictSession(session, "connection closed")

	acc := append([]byte(nil), residual...)
	buf := make([]byte, 2048)
	for {
		for {
			idx := bytes.IndexByte(acc, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(string(acc[:idx]))
			acc = acc[idx+1:]
			s.ingestLine(session, line)
		}
		// Discard a runaway line that never terminates.
		if len(acc) > maxHeaderSize {
			acc = acc[:0]
		}

		n, err := session.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) ingestLine(session *RoverSession, line string) {
	if !nmea.IsGGA(line) {
		return
	}
	pos, err := nmea.ParseGGA(line)
	if err != nil {
		// Malformed sentences are dropped silently.
		return
	}
	session.updatePosition(pos, time.Now())
	s.logger.Debug().
		Str("session_id", session.ID).
		Float64("lat", pos.Lat).
		Float64("lon", pos.Lon).
		Str("quality", pos.Quality).
		Msg("rover position updated")
}

// evictSession removes the session from the registry and destroys its
// socket. Safe to call twice; the second call is a no-op.
func (s *Server) evictSession(session *RoverSession, reason string) {
	s.mu.Lock()
	_, present := s.sessions[session.ID]
	if present {
		delete(s.sessions, session.ID)
		if st, ok := s.stations[session.Mountpoint]; ok {
			delete(st.subscribers, session.ID)
		}
	}
	s.mu.Unlock()

	if !present {
		return
	}
	_ = session.conn.Close()
	telemetry.ConnectedRovers.WithLabelValues(session.Mountpoint).Dec()
	s.logger.Info().
		Str("session_id", session.ID).
		Str("mountpoint", session.Mountpoint).
		Str("reason", reason).
		Msg("rover disconnected")
	s.publishRoverDisconnect(session, reason)
}

func (s *Server) publishRoverDisconnect(session *RoverSession, reason string) {
	s.bus.Publish(events.EventRoverDisconnect, events.Payload{
		"session_id": session.ID,
		"mountpoint": session.Mountpoint,
		"rover_id":   session.RoverID,
		"username":   session.Username,
		"reason":     reason,
	})
}

func (s *Server) respond(conn net.Conn, status, body string) {
	_ = conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
	_, _ = conn.Write([]byte(status + "\r\n\r\n" + body))
}

func (s *Server) respondUnauthorized(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
	_, _ = conn.Write([]byte("HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic realm=\"NTRIP Caster\"\r\n\r\n"))
}
