/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ntripclient implements the client side of the NTRIP v1 protocol:
// it pulls an RTCM correction stream from an upstream caster mountpoint and
// hands the bytes to its observer verbatim. Frames are opaque; the client
// never buffers whole RTCM messages or parses their framing.
package ntripclient

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/ntrip_relay/internal/nmea"
)

// UserAgent identifies the relay to upstream casters.
const UserAgent = "NTRIP-Relay/1.0"

const (
	dialTimeout      = 10 * time.Second
	writeTimeout     = 5 * time.Second
	maxHandshakeSize = 16 * 1024
)

var (
	// ErrAuthRejected indicates the upstream answered the handshake with 401.
	// The client does not reconnect after it.
	ErrAuthRejected = errors.New("upstream caster rejected credentials")

	// ErrReconnectBudget indicates the reconnect attempt budget is spent.
	ErrReconnectBudget = errors.New("reconnect attempt budget exhausted")

	// ErrProtocol indicates an unexpected handshake response.
	ErrProtocol = errors.New("unexpected upstream handshake response")
)

// Config describes one upstream source connection.
type Config struct {
	Host       string
	Port       int
	Mountpoint string
	Username   string
	Password   string

	ReadTimeout          time.Duration // default 30s
	ReconnectInterval    time.Duration // default 5s
	MaxReconnectAttempts int           // default 10
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// Callbacks are the observer hooks of a client. All hooks are optional.
// Hooks are invoked from the client's connection goroutine, except OnError
// for a failed SendPosition, which fires on the caller's goroutine. Hooks
// must not call back into the client.
type Callbacks struct {
	OnFrame        func([]byte)
	OnConnected    func()
	OnDisconnected func()
	OnError        func(error)
}

// Stats is a point-in-time snapshot of the connection.
type Stats struct {
	Connected     bool
	LastDataAt    time.Time
	BytesReceived uint64
}

// Client maintains one upstream NTRIP connection with automatic reconnects.
type Client struct {
	cfg    Config
	cb     Callbacks
	logger zerolog.Logger

	mu             sync.Mutex
	conn           net.Conn
	connected      bool
	dialing        bool
	closed         bool
	attempts       int
	reconnectTimer *time.Timer
	lastDataAt     time.Time
	bytesReceived  uint64

	// cbMu serialises observer delivery against Disconnect: once
	// Disconnect has acquired it, no further hook fires.
	cbMu sync.Mutex
}

// New creates a client for one upstream mountpoint.
func New(cfg Config, cb Callbacks, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg: cfg,
		cb:  cb,
		logger: logger.With().
			Str("component", "ntripclient").
			Str("mountpoint", cfg.Mountpoint).
			Logger(),
	}
}

// Connect begins or resumes connection attempts. It is a no-op while a
// socket exists or a dial is in flight.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
	if c.conn != nil || c.dialing {
		return
	}
	c.dialing = true
	go c.run()
}

// Disconnect tears down the socket and cancels any pending reconnect.
// After it returns no further callback is delivered.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.dialing = false
	c.mu.Unlock()

	// Wait out any in-flight callback delivery.
	c.cbMu.Lock()
	c.cbMu.Unlock() //nolint:staticcheck // barrier, not a critical section
}

// SendPosition writes a single NMEA GGA sentence when connected and reports
// whether the write happened. Write errors surface through OnError but do
// not drop the connection.
func (c *Client) SendPosition(lat, lon, alt float64) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return false
	}

	sentence := nmea.FormatGGA(time.Now().UTC(), lat, lon, alt)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(sentence)); err != nil {
		c.emitError(fmt.Errorf("send position: %w", err))
		return false
	}
	return true
}

// Stats returns the current connection snapshot.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Connected:     c.connected,
		LastDataAt:    c.lastDataAt,
		BytesReceived: c.bytesReceived,
	}
}

// run performs one dial + handshake + stream cycle.
func (c *Client) run() {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		c.logger.Warn().Err(err).Str("addr", addr).Msg("dial failed")
		c.handleFailure(fmt.Errorf("dial %s: %w", addr, err))
		return
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	residual, err := c.handshake(conn, addr)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			// Permanent for this attempt budget: report and stop.
			c.teardown(conn)
			c.emitError(err)
			return
		}
		c.handleFailure(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.connected = true
	c.dialing = false
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info().Str("addr", addr).Msg("upstream connected")
	c.emitConnected()

	if len(residual) > 0 {
		c.deliverFrame(residual)
	}

	c.stream(conn)
}

// handshake writes the request and reads the upstream status. Bytes that
// arrive beyond the header terminator belong to the RTCM stream and are
// returned as the first chunk.
func (c *Client) handshake(conn net.Conn, addr string) ([]byte, error) {
	var req strings.Builder
	fmt.Fprintf(&req, "GET /%s HTTP/1.1\r\n", c.cfg.Mountpoint)
	fmt.Fprintf(&req, "Host: %s\r\n", addr)
	req.WriteString("User-Agent: " + UserAgent + "\r\n")
	if c.cfg.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		fmt.Fprintf(&req, "Authorization: Basic %s\r\n", cred)
	}
	req.WriteString("\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var acc []byte
	buf := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
		}
		if idx := bytes.Index(acc, []byte("\r\n")); idx >= 0 {
			statusLine := string(acc[:idx])
			switch {
			case strings.HasPrefix(statusLine, "ICY 200 OK"):
				// Failure statuses are decided from the status line alone,
				// but the success path must keep reading until the header
				// terminator has actually arrived: only bytes beyond it are
				// RTCM, and status line, terminator and first chunk may land
				// in separate reads.
				if term := bytes.Index(acc, []byte("\r\n\r\n")); term >= 0 {
					return acc[term+4:], nil
				}
			case strings.Contains(statusLine, "401"):
				return nil, ErrAuthRejected
			default:
				return nil, fmt.Errorf("%w: %q", ErrProtocol, statusLine)
			}
		}
		if len(acc) > maxHandshakeSize {
			return nil, fmt.Errorf("%w: oversized handshake response", ErrProtocol)
		}
		if err != nil {
			return nil, fmt.Errorf("read handshake: %w", err)
		}
	}
}

// stream reads RTCM chunks until the socket dies or Disconnect is called.
func (c *Client) stream(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.deliverFrame(data)
		}
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Warn().Err(err).Msg("upstream read failed")
			c.emitDisconnected()
			c.handleFailure(fmt.Errorf("read stream: %w", err))
			return
		}
	}
}

// handleFailure tears the connection down and arms the reconnect timer,
// respecting the attempt budget.
func (c *Client) handleFailure(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.dialing = false
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempts := c.attempts
	budget := attempts >= c.cfg.MaxReconnectAttempts
	if !budget {
		c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectInterval, c.reconnect)
	}
	c.mu.Unlock()

	if budget {
		c.logger.Error().Err(cause).Int("attempts", attempts).Msg("giving up on upstream")
		c.emitError(fmt.Errorf("%w after %d attempts: %v", ErrReconnectBudget, attempts, cause))
		return
	}
	c.logger.Warn().Err(cause).Int("attempt", attempts).Dur("retry_in", c.cfg.ReconnectInterval).Msg("upstream attempt failed")
	c.emitError(cause)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed || c.conn != nil || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.mu.Unlock()
	c.run()
}

// teardown closes the socket without arming a reconnect.
func (c *Client) teardown(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connected = false
	c.dialing = false
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) deliverFrame(data []byte) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastDataAt = time.Now()
	c.bytesReceived += uint64(len(data))
	c.mu.Unlock()
	if c.cb.OnFrame != nil {
		c.cb.OnFrame(data)
	}
}

func (c *Client) emitConnected() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
}

func (c *Client) emitDisconnected() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected()
	}
}

func (c *Client) emitError(err error) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}
