/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package caster

import (
	"net"
	"sync"
	"time"

	"github.com/friendsincode/ntrip_relay/internal/nmea"
)

const broadcastWriteTimeout = 5 * time.Second

// RoverSession is one authenticated rover subscribed to a mountpoint.
// The rover record is looked up once at connect time; the session keeps a
// cached copy of the fields it needs and never goes back to the store.
type RoverSession struct {
	ID          string
	Mountpoint  string
	RoverID     string
	Username    string
	IP          string
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex

	posMu              sync.Mutex
	lastPosition       *nmea.Position
	lastPositionUpdate time.Time
	gnssStatus         string
}

// write sends data to the rover socket with a bounded deadline. Sessions
// are not queued behind: a write that cannot complete promptly fails and
// the caller evicts the session.
func (s *RoverSession) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
	_, err := s.conn.Write(data)
	return err
}

// updatePosition records a parsed GGA fix reported by the rover.
func (s *RoverSession) updatePosition(pos nmea.Position, at time.Time) {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	p := pos
	s.lastPosition = &p
	s.lastPositionUpdate = at
	s.gnssStatus = pos.Quality
}

// Position is a rover-reported fix exposed in snapshots.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// RoverSnapshot is the read model of a session handed to the admin surface.
type RoverSnapshot struct {
	SessionID          string     `json:"sessionId"`
	RoverID            string     `json:"roverId"`
	Username           string     `json:"username"`
	Mountpoint         string     `json:"mountpoint"`
	IP                 string     `json:"ip"`
	ConnectedAt        time.Time  `json:"connectedAt"`
	GNSSStatus         string     `json:"gnssStatus"`
	LastPosition       *Position  `json:"lastPosition"`
	LastPositionUpdate *time.Time `json:"lastPositionUpdate"`
}

// snapshot captures the session state for reporting.
func (s *RoverSession) snapshot() RoverSnapshot {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	snap := RoverSnapshot{
		SessionID:   s.ID,
		RoverID:     s.RoverID,
		Username:    s.Username,
		Mountpoint:  s.Mountpoint,
		IP:          s.IP,
		ConnectedAt: s.ConnectedAt,
		GNSSStatus:  s.gnssStatus,
	}
	if s.gnssStatus == "" {
		snap.GNSSStatus = "N/A"
	}
	if s.lastPosition != nil {
		snap.LastPosition = &Position{
			Lat: s.lastPosition.Lat,
			Lon: s.lastPosition.Lon,
			Alt: s.lastPosition.Alt,
		}
		t := s.lastPositionUpdate
		snap.LastPositionUpdate = &t
	}
	return snap
}
