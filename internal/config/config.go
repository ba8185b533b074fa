/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string

	// NTRIP caster listener.
	CasterHost     string
	CasterPort     int
	CasterOperator string
	CasterCountry  string

	// Admin HTTP/JSON API.
	HTTPBind string
	HTTPPort int

	MetricsBind string

	DBBackend DatabaseBackend
	DBDSN     string

	// Source client tuning.
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	ReadTimeout          time.Duration
	DataTimeout          time.Duration
	KeepaliveInterval    time.Duration
	KeepaliveAltitude    float64
	ProbeTimeout         time.Duration
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:    getEnv("NTRIP_ENV", "development"),
		CasterHost:     getEnv("NTRIP_CASTER_HOST", "0.0.0.0"),
		CasterPort:     getEnvInt("NTRIP_CASTER_PORT", 9001),
		CasterOperator: getEnv("NTRIP_CASTER_OPERATOR", "NTRIP Relay Service"),
		CasterCountry:  getEnv("NTRIP_CASTER_COUNTRY", "VNM"),

		HTTPBind:    getEnv("NTRIP_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("NTRIP_HTTP_PORT", 8080),
		MetricsBind: getEnv("NTRIP_METRICS_BIND", "127.0.0.1:9100"),

		DBBackend: DatabaseBackend(getEnv("NTRIP_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:     getEnv("NTRIP_DB_DSN", ""),

		ReconnectInterval:    getEnvSeconds("NTRIP_RECONNECT_INTERVAL_SECONDS", 5),
		MaxReconnectAttempts: getEnvInt("NTRIP_RECONNECT_MAX_ATTEMPTS", 10),
		ReadTimeout:          getEnvSeconds("NTRIP_READ_TIMEOUT_SECONDS", 30),
		DataTimeout:          getEnvSeconds("NTRIP_DATA_TIMEOUT_SECONDS", 15),
		KeepaliveInterval:    getEnvSeconds("NTRIP_KEEPALIVE_INTERVAL_SECONDS", 60),
		KeepaliveAltitude:    getEnvFloat("NTRIP_KEEPALIVE_ALTITUDE_METERS", 100),
		ProbeTimeout:         getEnvSeconds("NTRIP_PROBE_TIMEOUT_SECONDS", 10),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("NTRIP_DB_DSN must be provided")
	}

	if cfg.CasterPort < 1 || cfg.CasterPort > 65535 {
		return nil, fmt.Errorf("NTRIP_CASTER_PORT %d out of range", cfg.CasterPort)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvSeconds(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Second
}
