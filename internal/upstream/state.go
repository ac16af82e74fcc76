// Package upstream manages websocket connections to agent gateways.
package upstream

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCapabilityUnavailable means the gateway refused a method for
	// permission or protocol reasons. Retrying will not help.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrNotConnected          = errors.New("upstream not connected")
)

// State of one connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ConnectionState is a point-in-time view of a Conn.
type ConnectionState struct {
	Name              string    `json:"name"`
	Backend           string    `json:"backend"`
	URL               string    `json:"url"`
	State             State     `json:"state"`
	Connected         bool      `json:"connected"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastError         string    `json:"lastError,omitempty"`
	ConnectedAt       time.Time `json:"connectedAt,omitempty"`
}

// Default reconnect delays.
const (
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

// Backoff returns min(base * 2^(failures-1), max). It depends only on the
// consecutive-failure count.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 32 {
		return max
	}
	delay := base << (failures - 1)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// Config describes one upstream gateway.
type Config struct {
	Name    string
	Backend string
	URL     string
	Token   string

	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// ParseSpecs parses "name=backend=url" entries separated by commas.
func ParseSpecs(specs, token string) ([]Config, error) {
	var out []Config
	seen := make(map[string]bool)
	for _, spec := range strings.Split(specs, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		parts := strings.SplitN(spec, "=", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("ParseSpecs: %q is not name=backend=url", spec)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("ParseSpecs: duplicate upstream name %q", parts[0])
		}
		seen[parts[0]] = true
		out = append(out, Config{Name: parts[0], Backend: parts[1], URL: parts[2], Token: token})
	}
	return out, nil
}
