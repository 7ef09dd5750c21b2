// Package config loads the YAML configuration for the traceback server and
// its CLI client, following the same has*()-predicate shape the teacher uses
// to let exactly one storage backend be configured at a time.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/cloudflare/msgtrace/store"
	"github.com/cloudflare/msgtrace/transport"

	"gopkg.in/yaml.v2"
)

// StoreBackend selects and configures exactly one store.Backend
// implementation. Precisely one of its provider fields may be set.
type StoreBackend struct {
	// In-memory, for local development and tests.
	Memory bool `yaml:"memory"`

	// Append-only mmap-backed disk backend.
	DiskPath string `yaml:"disk-path"`

	// Redis backend.
	RedisAddr string `yaml:"redis-addr"`

	CacheSize int `yaml:"cache-size"` // Wrap the chosen backend in an LRU cache of this size. 0 disables caching.
}

func (sb *StoreBackend) hasMemory() bool { return sb.Memory }
func (sb *StoreBackend) hasDisk() bool   { return sb.DiskPath != "" }
func (sb *StoreBackend) hasRedis() bool  { return sb.RedisAddr != "" }

func (sb *StoreBackend) hasMultiple() bool {
	count := 0
	if sb.hasMemory() {
		count++
	}
	if sb.hasDisk() {
		count++
	}
	if sb.hasRedis() {
		count++
	}
	return count > 1
}

// Backend constructs the store.Backend this configuration describes.
func (sb *StoreBackend) Backend() (store.Backend, error) {
	if sb == nil || (!sb.hasMemory() && !sb.hasDisk() && !sb.hasRedis()) {
		return nil, fmt.Errorf("config: no store backend defined")
	} else if sb.hasMultiple() {
		return nil, fmt.Errorf("config: only one store backend may be defined")
	}

	var (
		out  store.Backend
		name string
		err  error
	)
	if sb.hasMemory() {
		out, name = store.NewMemory(), "memory"
	} else if sb.hasDisk() {
		out, err = store.NewDisk(sb.DiskPath)
		name = "disk"
	} else if sb.hasRedis() {
		out, name = store.NewRedis(sb.RedisAddr), "redis"
	}
	if err != nil {
		return nil, err
	}
	out = store.Instrument(out, name)

	if sb.CacheSize > 0 {
		out, err = store.NewCache(out, sb.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Server is the full configuration of a traceback server process.
type Server struct {
	ListenAddr  string `yaml:"listen-addr"`  // Address to accept /process and /trace requests on. Default: :4443
	MetricsAddr string `yaml:"metrics-addr"` // Address to serve /metrics and /debug/key on. Default: :4444

	TransportKey string `yaml:"transport-key"` // Pre-shared key authenticating client and server over mTLS.

	StoreBackend *StoreBackend `yaml:"store-backend"`

	RateLimitPerSecond float64 `yaml:"rate-limit-per-second"` // Per-client token bucket refill rate. Default: 50
	RateLimitBurst     int     `yaml:"rate-limit-burst"`      // Per-client token bucket burst size. Default: 100

	CertLifetimeHours int `yaml:"cert-lifetime-hours"` // How long a derived mTLS cert stays valid. Default: transport.DefaultLifetime
}

// TransportOptions builds the transport.Options this configuration
// describes, falling back to transport's own defaults when unset.
func (s *Server) TransportOptions() transport.Options {
	var opts transport.Options
	if s.CertLifetimeHours > 0 {
		opts.Lifetime = time.Duration(s.CertLifetimeHours) * time.Hour
	}
	return opts
}

// ServerFromFile reads and parses a Server config from a YAML file,
// rejecting unknown keys the same way the teacher's config loader does.
func ServerFromFile(path string) (*Server, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parsed := &Server{}
	if err := yaml.UnmarshalStrict(raw, parsed); err != nil {
		return nil, err
	}
	if parsed.ListenAddr == "" {
		parsed.ListenAddr = ":4443"
	}
	if parsed.MetricsAddr == "" {
		parsed.MetricsAddr = ":4444"
	}
	if parsed.RateLimitPerSecond == 0 {
		parsed.RateLimitPerSecond = 50
	}
	if parsed.RateLimitBurst == 0 {
		parsed.RateLimitBurst = 100
	}
	if parsed.TransportKey == "" {
		return nil, fmt.Errorf("config: no transport key given for remote clients")
	}
	return parsed, nil
}

// Client is the configuration tracectl reads from the file named by
// --config. When a config file is given, its values are used as they are;
// without one, tracectl builds a Client from the --server-url and
// --transport-key flags (or their environment variables) instead.
type Client struct {
	ServerURL    string `yaml:"server-url"`    // Base URL of the traceback server, e.g. https://host:4443/
	TransportKey string `yaml:"transport-key"` // Pre-shared key authenticating client and server over mTLS.

	CertLifetimeHours int `yaml:"cert-lifetime-hours"` // How long the client's own derived cert stays valid. Default: transport.DefaultLifetime
}

// TransportOptions builds the transport.Options this configuration
// describes, falling back to transport's own defaults when unset.
func (c *Client) TransportOptions() transport.Options {
	var opts transport.Options
	if c.CertLifetimeHours > 0 {
		opts.Lifetime = time.Duration(c.CertLifetimeHours) * time.Hour
	}
	return opts
}

// ClientFromFile reads and parses a Client config from a YAML file.
func ClientFromFile(path string) (*Client, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parsed := &Client{}
	if err := yaml.UnmarshalStrict(raw, parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
