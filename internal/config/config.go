// Package config holds the node configuration gathered from the CLI.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Role represents the mode a node is started in.
type Role string

const (
	RoleHost Role = "host" // seeds its own GUID and waits for joiners
	RoleJoin Role = "join" // dials a known peer and asks for a GUID
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config stores every parameter a node needs.
type Config struct {
	Role Role

	ListenAddr    string // address the listener role binds
	PeerAddr      string // Join: host:port of the peer to dial
	AdvertiseHost string // host sent in HELLO; derived from the outbound socket when empty
	MonitorAddr   string // optional WebSocket monitor address; disabled when empty

	MaxWorkers int // worker pool size
	MaxPeers   int // known-peer registry capacity
	MaxConns   int // per-role connection table capacity

	PollTimeout  time.Duration
	PollInterval time.Duration
	DialTimeout  time.Duration

	Debug bool
}

// Default returns a host configuration listening on :8080.
func Default() Config {
	return Config{
		Role:         RoleHost,
		ListenAddr:   ":8080",
		PeerAddr:     "127.0.0.1:8080",
		MaxWorkers:   8,
		MaxPeers:     32,
		MaxConns:     1024,
		PollTimeout:  500 * time.Millisecond,
		PollInterval: 500 * time.Millisecond,
		DialTimeout:  5 * time.Second,
	}
}

// Validate checks that cfg can start a node.
func (c Config) Validate() error {
	switch c.Role {
	case RoleHost, RoleJoin:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, c.Role)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: listen address %q: %w", ErrInvalidConfig, c.ListenAddr, err)
	}
	if c.Role == RoleJoin {
		host, port, err := net.SplitHostPort(c.PeerAddr)
		if err != nil {
			return fmt.Errorf("%w: peer address %q: %w", ErrInvalidConfig, c.PeerAddr, err)
		}
		if host == "" || port == "" {
			return fmt.Errorf("%w: peer address %q needs host and port", ErrInvalidConfig, c.PeerAddr)
		}
	}
	if c.MonitorAddr != "" {
		if _, _, err := net.SplitHostPort(c.MonitorAddr); err != nil {
			return fmt.Errorf("%w: monitor address %q: %w", ErrInvalidConfig, c.MonitorAddr, err)
		}
	}

	if c.MaxWorkers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.MaxWorkers)
	}
	if c.MaxPeers < 1 {
		return fmt.Errorf("%w: max peers must be at least 1, got %d", ErrInvalidConfig, c.MaxPeers)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("%w: max connections must be at least 1, got %d", ErrInvalidConfig, c.MaxConns)
	}
	if c.PollTimeout <= 0 || c.PollInterval <= 0 || c.DialTimeout <= 0 {
		return fmt.Errorf("%w: poll and dial durations must be positive", ErrInvalidConfig)
	}
	return nil
}

// ListenPort returns the port part of ListenAddr.
func (c Config) ListenPort() string {
	_, port, _ := net.SplitHostPort(c.ListenAddr)
	return port
}
