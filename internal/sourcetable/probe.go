/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sourcetable

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// ErrUnauthorized indicates the remote caster rejected the credentials.
	ErrUnauthorized = errors.New("source caster rejected credentials")

	// ErrTimeout indicates the probe deadline elapsed before a complete
	// sourcetable was received.
	ErrTimeout = errors.New("source caster probe timed out")

	// ErrBadResponse indicates the remote did not answer with
	// SOURCETABLE 200 OK.
	ErrBadResponse = errors.New("unexpected response from source caster")
)

// Probe fetches and parses the sourcetable of a remote NTRIP caster.
// The whole exchange is bounded by timeout; exceeding it closes the socket
// and reports ErrTimeout.
func Probe(ctx context.Context, host string, port int, username, password string, timeout time.Duration) ([]Entry, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	deadline := time.Now().Add(timeout)

	dialer := net.Dialer{Timeout: timeout, Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: dial %s", ErrTimeout, addr)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	var req strings.Builder
	req.WriteString("GET / HTTP/1.1\r\n")
	fmt.Fprintf(&req, "Host: %s\r\n", addr)
	req.WriteString("User-Agent: " + Generator + "\r\n")
	if username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		fmt.Fprintf(&req, "Authorization: Basic %s\r\n", cred)
	}
	req.WriteString("Connection: close\r\n")
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("write request: %w", err)
	}

	// Read until the table terminator, EOF, or the deadline.
	var acc []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if strings.Contains(string(acc), "ENDSOURCETABLE") {
				break
			}
		}
		if err != nil {
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			break
		}
	}

	response := string(acc)
	statusLine := response
	if idx := strings.Index(response, "\r\n"); idx >= 0 {
		statusLine = response[:idx]
	}

	switch {
	case strings.Contains(statusLine, "SOURCETABLE 200 OK"):
		// Fall through to parsing.
	case strings.Contains(statusLine, "401") || strings.Contains(response, "Unauthorized"):
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadResponse, statusLine)
	}

	body := response
	if idx := strings.Index(response, "\r\n\r\n"); idx >= 0 {
		body = response[idx+4:]
	}
	return Parse(body), nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
