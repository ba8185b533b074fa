/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package relay

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/ntrip_relay/internal/caster"
	"github.com/friendsincode/ntrip_relay/internal/events"
	"github.com/friendsincode/ntrip_relay/internal/models"
)

// fakeRepo is an in-memory repository for supervisor tests.
type fakeRepo struct {
	mu       sync.Mutex
	stations map[string]*models.Station // by id
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{stations: make(map[string]*models.Station)}
}

func (f *fakeRepo) addStation(st models.Station) models.Station {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := st
	f.stations[st.ID] = &copied
	return st
}

func (f *fakeRepo) StationFindByID(_ context.Context, id string) (*models.Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stations[id]; ok {
		copied := *st
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeRepo) StationFindByName(_ context.Context, name string) (*models.Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.stations {
		if st.Name == name {
			copied := *st
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) StationFindActive(_ context.Context) ([]models.Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []models.Station
	for _, st := range f.stations {
		if st.Status == models.StationActive {
			active = append(active, *st)
		}
	}
	return active, nil
}

func (f *fakeRepo) StationUpdateStatus(_ context.Context, id string, status models.StationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stations[id]; ok {
		st.Status = status
	}
	return nil
}

func (f *fakeRepo) RoverFindByUsername(_ context.Context, _ string) (*models.Rover, error) {
	return nil, nil
}

func (f *fakeRepo) RoverTouchLastConnection(_ context.Context, _ string, _ time.Time) error {
	return nil
}

func (f *fakeRepo) status(t *testing.T, id string) models.StationStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stations[id]
	if !ok {
		t.Fatalf("station %s missing from repo", id)
	}
	return st.Status
}

// fakeUpstream answers NTRIP client handshakes with ICY 200 OK and exposes
// the accepted connections for data injection.
type fakeUpstream struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeUpstream{ln: ln, conns: make(chan net.Conn, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				buf := make([]byte, 4096)
				// Read the request head, then accept.
				if _, err := conn.Read(buf); err != nil {
					conn.Close()
					return
				}
				if _, err := conn.Write([]byte("ICY 200 OK\r\n\r\n")); err != nil {
					conn.Close()
					return
				}
				f.conns <- conn
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeUpstream) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeUpstream) conn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never saw a connection")
		return nil
	}
}

func testStation(name string, port int, status models.StationStatus) models.Station {
	return models.Station{
		Name:             name,
		Description:      name + " station",
		Latitude:         21.0285,
		Longitude:        105.8542,
		SourceHost:       "127.0.0.1",
		SourcePort:       port,
		SourceMountpoint: name,
		Status:           status,
		Country:          "VNM",
	}
}

func newTestSupervisor(t *testing.T, repo *fakeRepo) (*Supervisor, *caster.Server) {
	t.Helper()
	bus := events.NewBus()
	cs := caster.NewServer(caster.Config{Host: "127.0.0.1", Port: 0, Operator: "op", Country: "VNM"}, repo, bus, zerolog.Nop())
	if err := cs.Start(); err != nil {
		t.Fatalf("caster start: %v", err)
	}
	sup := NewSupervisor(Config{
		DataTimeout:          300 * time.Millisecond,
		KeepaliveInterval:    time.Hour,
		KeepaliveAltitude:    100,
		ProbeTimeout:         2 * time.Second,
		ReadTimeout:          2 * time.Second,
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}, repo, cs, bus, zerolog.Nop())
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	return sup, cs
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartUnknownStation(t *testing.T) {
	sup, _ := newTestSupervisor(t, newFakeRepo())
	_, err := sup.Start(context.Background(), uuid.New().String())
	if !errors.Is(err, ErrStationNotFound) {
		t.Errorf("Start(unknown) error = %v, want ErrStationNotFound", err)
	}
}

func TestStartInvalidStation(t *testing.T) {
	repo := newFakeRepo()
	st := repo.addStation(models.Station{Name: "BROKEN", Status: models.StationActive})
	sup, _ := newTestSupervisor(t, repo)

	_, err := sup.Start(context.Background(), st.ID)
	if !errors.Is(err, ErrStationInvalid) {
		t.Errorf("Start(invalid) error = %v, want ErrStationInvalid", err)
	}
	if len(sup.Mountpoints()) != 0 {
		t.Error("invalid station left a session behind")
	}
}

func TestStartAndAlreadyRunning(t *testing.T) {
	up := newFakeUpstream(t)
	repo := newFakeRepo()
	st := repo.addStation(testStation("VRS01", up.port(), models.StationInactive))
	sup, cs := newTestSupervisor(t, repo)
	ctx := context.Background()

	res, err := sup.Start(ctx, st.ID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.AlreadyRunning {
		t.Error("first Start() reported AlreadyRunning")
	}

	// The caster registered the mountpoint and the repo was flipped active.
	if cs.SubscriberCount("VRS01") != 0 {
		t.Error("fresh mountpoint has subscribers")
	}
	found := false
	for _, name := range cs.Mountpoints() {
		if name == "VRS01" {
			found = true
		}
	}
	if !found {
		t.Errorf("caster mountpoints = %v, want VRS01", cs.Mountpoints())
	}
	if repo.status(t, st.ID) != models.StationActive {
		t.Error("station status not persisted as active")
	}

	up.conn(t)
	waitUntil(t, "station status available", func() bool {
		status := sup.StationStatus(st.ID)
		return status != nil
	})

	// Second start while connected is a no-op.
	waitUntil(t, "client connected", func() bool {
		res2, err := sup.Start(ctx, st.ID)
		if err != nil {
			t.Fatalf("second Start() error = %v", err)
		}
		return res2.AlreadyRunning
	})
}

func TestStopIdempotentAndPersists(t *testing.T) {
	up := newFakeUpstream(t)
	repo := newFakeRepo()
	st := repo.addStation(testStation("VRS01", up.port(), models.StationActive))
	sup, cs := newTestSupervisor(t, repo)
	ctx := context.Background()

	if _, err := sup.Start(ctx, st.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := sup.Stop(ctx, "VRS01", true); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(sup.Mountpoints()) != 0 {
		t.Error("session survived Stop")
	}
	if len(cs.Mountpoints()) != 0 {
		t.Errorf("caster mountpoints = %v after Stop", cs.Mountpoints())
	}
	if repo.status(t, st.ID) != models.StationInactive {
		t.Error("Stop(persist) did not write inactive status")
	}

	// Stopping an absent mountpoint succeeds.
	if err := sup.Stop(ctx, "VRS01", true); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := sup.Stop(ctx, "NEVER-EXISTED", true); err != nil {
		t.Errorf("Stop(absent) error = %v", err)
	}
}

func TestSyncWithRepository(t *testing.T) {
	up := newFakeUpstream(t)
	repo := newFakeRepo()
	stA := repo.addStation(testStation("A", up.port(), models.StationActive))
	stB := repo.addStation(testStation("B", up.port(), models.StationActive))
	sup, cs := newTestSupervisor(t, repo)
	ctx := context.Background()

	if err := sup.SyncWithRepository(ctx); err != nil {
		t.Fatalf("SyncWithRepository() error = %v", err)
	}

	got := sup.Mountpoints()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("Mountpoints() = %v, want [A B]", got)
	}
	casterMounts := cs.Mountpoints()
	sort.Strings(casterMounts)
	if len(casterMounts) != 2 || casterMounts[0] != "A" || casterMounts[1] != "B" {
		t.Fatalf("caster mountpoints = %v, want [A B]", casterMounts)
	}

	// B flips inactive; the next sync drops it without rewriting its status.
	if err := repo.StationUpdateStatus(ctx, stB.ID, models.StationInactive); err != nil {
		t.Fatal(err)
	}
	if err := sup.SyncWithRepository(ctx); err != nil {
		t.Fatalf("second SyncWithRepository() error = %v", err)
	}

	got = sup.Mountpoints()
	if len(got) != 1 || got[0] != "A" {
		t.Errorf("Mountpoints() = %v, want [A]", got)
	}
	if repo.status(t, stA.ID) != models.StationActive {
		t.Error("A's status changed during sync")
	}
	if repo.status(t, stB.ID) != models.StationInactive {
		t.Error("B's status was overwritten during sync")
	}

	// Idempotent: a third sync changes nothing.
	if err := sup.SyncWithRepository(ctx); err != nil {
		t.Fatalf("third SyncWithRepository() error = %v", err)
	}
	if len(sup.Mountpoints()) != 1 {
		t.Errorf("Mountpoints() = %v after third sync", sup.Mountpoints())
	}
}

// TCP being up is not enough: a source with no data flow reports offline.
func TestLivenessRequiresDataFlow(t *testing.T) {
	up := newFakeUpstream(t)
	repo := newFakeRepo()
	st := repo.addStation(testStation("VRS01", up.port(), models.StationActive))
	sup, _ := newTestSupervisor(t, repo)
	ctx := context.Background()

	if _, err := sup.Start(ctx, st.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := up.conn(t)

	// Connected but silent: offline.
	waitUntil(t, "station status available", func() bool {
		return sup.StationStatus(st.ID) != nil
	})
	status := sup.StationStatus(st.ID)
	if status.SourceConnected {
		t.Error("SourceConnected = true with no data flow")
	}

	// Data starts flowing: online.
	if _, err := conn.Write([]byte{0xD3, 0x00, 0x04, 1, 2, 3, 4}); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	waitUntil(t, "station online", func() bool {
		return sup.StationStatus(st.ID).SourceConnected
	})

	// Data stops: offline again once the data timeout lapses.
	waitUntil(t, "station offline after silence", func() bool {
		return !sup.StationStatus(st.ID).SourceConnected
	})
}

func TestStatusReport(t *testing.T) {
	up := newFakeUpstream(t)
	repo := newFakeRepo()
	st := repo.addStation(testStation("VRS01", up.port(), models.StationActive))
	sup, _ := newTestSupervisor(t, repo)
	ctx := context.Background()

	if _, err := sup.Start(ctx, st.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	report := sup.Status()
	if !report.CasterRunning {
		t.Error("CasterRunning = false")
	}
	if report.TotalRelays != 1 {
		t.Errorf("TotalRelays = %d, want 1", report.TotalRelays)
	}
	if report.TotalRovers != 0 {
		t.Errorf("TotalRovers = %d, want 0", report.TotalRovers)
	}
	if len(report.Relays) != 1 || report.Relays[0].Name != "VRS01" || report.Relays[0].ID != st.ID {
		t.Errorf("Relays = %+v", report.Relays)
	}
}

func TestStationStatusNotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t, newFakeRepo())
	if status := sup.StationStatus(uuid.New().String()); status != nil {
		t.Errorf("StationStatus(not running) = %+v, want nil", status)
	}
}

func TestStartAllAndStopAll(t *testing.T) {
	up := newFakeUpstream(t)
	repo := newFakeRepo()
	stA := repo.addStation(testStation("A", up.port(), models.StationActive))
	repo.addStation(testStation("B", up.port(), models.StationActive))
	repo.addStation(testStation("C", up.port(), models.StationInactive))
	sup, _ := newTestSupervisor(t, repo)
	ctx := context.Background()

	started, err := sup.StartAll(ctx)
	if err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	if started != 2 {
		t.Errorf("StartAll() = %d, want 2", started)
	}

	stopped := sup.StopAll(ctx)
	if stopped != 2 {
		t.Errorf("StopAll() = %d, want 2", stopped)
	}
	if len(sup.Mountpoints()) != 0 {
		t.Errorf("Mountpoints() = %v after StopAll", sup.Mountpoints())
	}
	if repo.status(t, stA.ID) != models.StationInactive {
		t.Error("StopAll did not persist inactive status")
	}
}

func TestShutdownLeavesStatusUntouched(t *testing.T) {
	up := newFakeUpstream(t)
	repo := newFakeRepo()
	st := repo.addStation(testStation("VRS01", up.port(), models.StationActive))
	sup, cs := newTestSupervisor(t, repo)
	ctx := context.Background()

	if _, err := sup.Start(ctx, st.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sup.Shutdown(ctx)
	if len(sup.Mountpoints()) != 0 {
		t.Error("sessions survived Shutdown")
	}
	if cs.Running() {
		t.Error("caster still running after Shutdown")
	}
	if repo.status(t, st.ID) != models.StationActive {
		t.Error("Shutdown rewrote station status")
	}
}
