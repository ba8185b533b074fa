/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package caster

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// maxHeaderSize bounds the accumulated request head. Anything larger is
// answered with 400 and dropped.
const maxHeaderSize = 16 * 1024

const headerReadTimeout = 10 * time.Second

var (
	errHeadersTooLarge = errors.New("request head exceeds limit")
	errMalformedHead   = errors.New("malformed request head")
)

// request is a parsed NTRIP request head. Header keys are lower-cased.
type request struct {
	method  string
	target  string
	version string
	headers map[string]string
}

// readRequestHead accumulates bytes from conn until the header terminator.
// Bytes past the terminator belong to the streaming phase and are returned
// as residual, not dropped.
func readRequestHead(conn net.Conn) (head, residual []byte, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var acc []byte
	buf := make([]byte, 2048)
	for {
		if idx := bytes.Index(acc, []byte("\r\n\r\n")); idx >= 0 {
			return acc[:idx], acc[idx+4:], nil
		}
		if len(acc) > maxHeaderSize {
			return nil, nil, errHeadersTooLarge
		}
		n, err := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read request head: %w", err)
		}
	}
}

// parseRequest splits the request line and header block.
func parseRequest(head []byte) (*request, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, errMalformedHead
	}

	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return nil, errMalformedHead
	}
	req := &request{
		method:  parts[0],
		target:  parts[1],
		headers: make(map[string]string),
	}
	if len(parts) >= 3 {
		req.version = parts[2]
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		req.headers[key] = strings.TrimSpace(line[idx+1:])
	}
	return req, nil
}

// basicCredentials decodes the Basic Authorization header value into
// username and password.
func basicCredentials(header string) (username, password string, ok bool) {
	if !strings.HasPrefix(header, "Basic ") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[6:]))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
