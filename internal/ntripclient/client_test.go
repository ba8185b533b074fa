/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ntripclient

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeCaster accepts one NTRIP client connection at a time and answers with
// the configured status line.
type fakeCaster struct {
	ln      net.Listener
	accepts atomic.Int32
	conns   chan net.Conn
	reqs    chan string
}

func newFakeCaster(t *testing.T, response string) *fakeCaster {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeCaster{ln: ln, conns: make(chan net.Conn, 8), reqs: make(chan string, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.accepts.Add(1)
			go func(conn net.Conn) {
				reader := bufio.NewReader(conn)
				var req strings.Builder
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						conn.Close()
						return
					}
					req.WriteString(line)
					if line == "\r\n" {
						break
					}
				}
				f.reqs <- req.String()
				if _, err := conn.Write([]byte(response)); err != nil {
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

func (f *fakeCaster) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func testConfig(port int) Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 port,
		Mountpoint:           "VRS01",
		ReadTimeout:          2 * time.Second,
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestClientRequestFormat(t *testing.T) {
	f := newFakeCaster(t, "ICY 200 OK\r\n\r\n")
	connected := make(chan struct{}, 1)

	cfg := testConfig(f.port())
	cfg.Username = "user"
	cfg.Password = "secret"
	c := New(cfg, Callbacks{OnConnected: func() { connected <- struct{}{} }}, zerolog.Nop())
	c.Connect()
	defer c.Disconnect()

	waitFor(t, connected, "connect")

	var req string
	select {
	case req = <-f.reqs:
	case <-time.After(time.Second):
		t.Fatal("no request captured")
	}

	if !strings.HasPrefix(req, "GET /VRS01 HTTP/1.1\r\n") {
		t.Errorf("request line = %q", req)
	}
	if !strings.Contains(req, "User-Agent: NTRIP-Relay/1.0\r\n") {
		t.Errorf("request missing user agent: %q", req)
	}
	// base64(user:secret)
	if !strings.Contains(req, "Authorization: Basic dXNlcjpzZWNyZXQ=\r\n") {
		t.Errorf("request missing basic auth: %q", req)
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Errorf("request not CRLF terminated: %q", req)
	}
}

func TestClientStreamsFrames(t *testing.T) {
	f := newFakeCaster(t, "ICY 200 OK\r\n\r\n")
	frames := make(chan []byte, 8)
	connected := make(chan struct{}, 1)

	c := New(testConfig(f.port()), Callbacks{
		OnFrame:     func(b []byte) { frames <- b },
		OnConnected: func() { connected <- struct{}{} },
	}, zerolog.Nop())
	c.Connect()
	defer c.Disconnect()

	waitFor(t, connected, "connect")
	conn := <-f.conns
	defer conn.Close()

	payload := []byte{0xD3, 0x00, 0x13, 0x3E, 0xD7, 0xD3, 0x02, 0x02}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("server write: %v", err)
	}

	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < len(payload) {
		select {
		case b := <-frames:
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("frames incomplete: %v", got)
		}
	}
	if string(got) != string(payload) {
		t.Errorf("frames = %x, want %x", got, payload)
	}

	stats := c.Stats()
	if !stats.Connected {
		t.Error("Stats().Connected = false while streaming")
	}
	if stats.BytesReceived != uint64(len(payload)) {
		t.Errorf("Stats().BytesReceived = %d, want %d", stats.BytesReceived, len(payload))
	}
	if stats.LastDataAt.IsZero() {
		t.Error("Stats().LastDataAt is zero after data")
	}
}

// Bytes that ride along with the handshake response are the first RTCM chunk.
func TestClientHandshakeResidualBytes(t *testing.T) {
	residual := "\xd3\x00\x04RTCM"
	f := newFakeCaster(t, "ICY 200 OK\r\n\r\n"+residual)
	frames := make(chan []byte, 8)

	c := New(testConfig(f.port()), Callbacks{
		OnFrame: func(b []byte) { frames <- b },
	}, zerolog.Nop())
	c.Connect()
	defer c.Disconnect()

	select {
	case b := <-frames:
		if string(b) != residual {
			t.Errorf("first frame = %x, want %x", b, residual)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("residual bytes not delivered as first frame")
	}
}

// The status line, header terminator and first RTCM chunk may arrive in
// separate reads; nothing before the terminator is payload.
func TestClientHandshakeSplitAcrossReads(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	rtcm := "\xd3\x00\x04RTCM"
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		// Status line, a header line, the blank-line terminator and the
		// first chunk, each in its own segment.
		for _, segment := range []string{"ICY 200 OK\r\n", "Server: TestCaster/1.0\r\n", "\r\n", rtcm} {
			if _, err := conn.Write([]byte(segment)); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		// Hold the socket open until the client disconnects.
		_, _ = conn.Read(buf)
	}()

	frames := make(chan []byte, 8)
	c := New(testConfig(ln.Addr().(*net.TCPAddr).Port), Callbacks{
		OnFrame: func(b []byte) { frames <- b },
	}, zerolog.Nop())
	c.Connect()
	defer c.Disconnect()

	select {
	case b := <-frames:
		if string(b) != rtcm {
			t.Errorf("first frame = %x, want %x (header bytes leaked into the stream)", b, rtcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered after split handshake")
	}
}

func TestClientAuthRejected(t *testing.T) {
	f := newFakeCaster(t, "HTTP/1.1 401 Unauthorized\r\n\r\n")
	errs := make(chan error, 8)

	c := New(testConfig(f.port()), Callbacks{
		OnError: func(err error) { errs <- err },
	}, zerolog.Nop())
	c.Connect()
	defer c.Disconnect()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrAuthRejected) {
			t.Errorf("error = %v, want ErrAuthRejected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported for 401")
	}

	// No reconnect after an auth rejection.
	time.Sleep(300 * time.Millisecond)
	if n := f.accepts.Load(); n != 1 {
		t.Errorf("accept count = %d after 401, want 1 (no reconnect)", n)
	}
	if c.Stats().Connected {
		t.Error("Stats().Connected = true after 401")
	}
}

func TestClientProtocolErrorReconnects(t *testing.T) {
	f := newFakeCaster(t, "HTTP/1.1 503 Service Unavailable\r\n\r\n")
	errs := make(chan error, 16)

	c := New(testConfig(f.port()), Callbacks{
		OnError: func(err error) { errs <- err },
	}, zerolog.Nop())
	c.Connect()
	defer c.Disconnect()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("error = %v, want ErrProtocol", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}

	// The budget is 3 attempts; wait for the final ErrReconnectBudget.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case err := <-errs:
			if errors.Is(err, ErrReconnectBudget) {
				if n := f.accepts.Load(); n != 3 {
					t.Errorf("accept count = %d, want 3", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("budget exhaustion never reported")
		}
	}
}

func TestClientDisconnectStopsCallbacks(t *testing.T) {
	f := newFakeCaster(t, "ICY 200 OK\r\n\r\n")
	frames := make(chan []byte, 64)
	connected := make(chan struct{}, 1)

	c := New(testConfig(f.port()), Callbacks{
		OnFrame:     func(b []byte) { frames <- b },
		OnConnected: func() { connected <- struct{}{} },
	}, zerolog.Nop())
	c.Connect()

	waitFor(t, connected, "connect")
	conn := <-f.conns
	defer conn.Close()

	c.Disconnect()

	// Anything written now must not surface as a frame.
	_, _ = conn.Write([]byte("late data"))
	select {
	case b := <-frames:
		t.Errorf("frame %q delivered after Disconnect", b)
	case <-time.After(300 * time.Millisecond):
	}

	if c.Stats().Connected {
		t.Error("Stats().Connected = true after Disconnect")
	}
}

func TestClientConnectIdempotent(t *testing.T) {
	f := newFakeCaster(t, "ICY 200 OK\r\n\r\n")
	connected := make(chan struct{}, 4)

	c := New(testConfig(f.port()), Callbacks{
		OnConnected: func() { connected <- struct{}{} },
	}, zerolog.Nop())
	c.Connect()
	waitFor(t, connected, "connect")

	c.Connect()
	c.Connect()
	time.Sleep(200 * time.Millisecond)
	if n := f.accepts.Load(); n != 1 {
		t.Errorf("accept count = %d after repeated Connect, want 1", n)
	}
	c.Disconnect()
}

func TestClientSendPosition(t *testing.T) {
	f := newFakeCaster(t, "ICY 200 OK\r\n\r\n")
	connected := make(chan struct{}, 1)

	c := New(testConfig(f.port()), Callbacks{
		OnConnected: func() { connected <- struct{}{} },
	}, zerolog.Nop())

	if c.SendPosition(21.0285, 105.8542, 100) {
		t.Error("SendPosition() = true while disconnected")
	}

	c.Connect()
	defer c.Disconnect()
	waitFor(t, connected, "connect")
	conn := <-f.conns
	defer conn.Close()

	if !c.SendPosition(21.0285, 105.8542, 100) {
		t.Fatal("SendPosition() = false while connected")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !strings.HasPrefix(line, "$GPGGA,") {
		t.Errorf("server received %q, want GGA sentence", line)
	}
	if !strings.Contains(line, ",2101.71000,N,10551.25200,E,") {
		t.Errorf("GGA position wrong: %q", line)
	}
}
